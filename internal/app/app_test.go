package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codeduel/internal/app"
	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/relay"
)

// sessionService fakes both the REST API and the session channel on one server.
type sessionService struct {
	auth  atomic.Value
	left  atomic.Bool
	frame string
}

func (s *sessionService) handler() http.Handler {
	gin.SetMode(gin.TestMode)
	e := gin.New()

	e.GET("/api/sessions/:id/status/", func(c *gin.Context) {
		s.auth.Store(c.GetHeader("Authorization"))
		c.JSON(http.StatusOK, gin.H{"participants_count": 2, "has_enough_participants": true, "ready_count": 0, "all_ready": false})
	})

	e.POST("/api/sessions/:id/leave/", func(c *gin.Context) {
		s.left.Store(true)
		c.JSON(http.StatusOK, gin.H{})
	})

	e.GET("/ws/sessions/:id/", func(c *gin.Context) {
		ws, err := websocket.Accept(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()

		ctx := c.Request.Context()
		if err := ws.Write(ctx, websocket.MessageText, []byte(s.frame)); err != nil {
			return
		}
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	})

	return e
}

func newApp(t *testing.T, svc *sessionService, mr *miniredis.Miniredis) *app.App {
	t.Helper()

	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	c := app.DefaultConfig()
	c.HTTP.Port = 0
	c.API.BaseURL = srv.URL + "/api"
	c.API.Token = "tok"
	c.Channel.BaseURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	c.Channel.PingInterval = -1
	c.Self.ID = "1"
	c.Self.DisplayName = "ada"
	if mr != nil {
		c.Redis.Relay.Addrs = []string{mr.Addr()}
		c.Redis.Relay.Prefix = "test"
	}

	a, err := app.Init(c)
	require.NoError(t, err)

	go a.Start()
	t.Cleanup(a.Shutdown)
	return a
}

func TestApp_SessionRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	svc := &sessionService{frame: `{"type":"ready","all_ready":false,"ready_count":1,"profile":{"id":2,"display_name":"bob","is_ready":true}}`}
	a := newApp(t, svc, mr)

	ctx := context.Background()
	m, err := a.Sessions().Acquire(ctx, "S1", a.Self())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := m.Snapshot(ctx)
		return err == nil && s.Status == domain.StatusReadyCheck && s.ReadyCount == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"S1"}, a.Sessions().IDs())

	require.Eventually(t, func() bool {
		auth, _ := svc.auth.Load().(string)
		return auth == "Bearer tok"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Leave(ctx))
	assert.True(t, svc.left.Load())
	a.Sessions().Release(m)

	require.Eventually(t, func() bool {
		return mr.Exists("test:session:S1:result")
	}, 5*time.Second, 10*time.Millisecond)

	raw, err := mr.Get("test:session:S1:result")
	require.NoError(t, err)

	var res relay.Result
	require.NoError(t, json.Unmarshal([]byte(raw), &res))
	assert.Equal(t, "S1", res.SessionID)
	assert.Equal(t, string(domain.StatusAborted), res.Status)
}

func TestApp_WithoutRelay(t *testing.T) {
	svc := &sessionService{frame: `{"type":"heartbeat"}`}
	a := newApp(t, svc, nil)

	ctx := context.Background()
	m, err := a.Sessions().Acquire(ctx, "S2", a.Self())
	require.NoError(t, err)
	defer a.Sessions().Release(m)

	s, err := m.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusWaiting, s.Status)
	assert.Equal(t, "ada", s.Self.DisplayName)
}

func TestApp_InitFailsWithoutRedis(t *testing.T) {
	c := app.DefaultConfig()
	c.HTTP.Port = 0
	c.Redis.Relay.Addrs = []string{"127.0.0.1:1"}

	_, err := app.Init(c)
	assert.Error(t, err)
}
