package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/transport"
)

// newServer starts a channel endpoint that runs fn for every accepted connection.
func newServer(t *testing.T, fn func(ctx context.Context, c *websocket.Conn)) (*httptest.Server, *transport.WebsocketDialer) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/sessions/") {
			http.NotFound(w, r)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		fn(r.Context(), c)
	}))
	t.Cleanup(srv.Close)

	d := transport.NewWebsocketDialer(transport.WebsocketConfig{
		BaseURL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		PingInterval: -1,
	})
	return srv, d
}

func receive(t *testing.T, ch <-chan transport.Message) (transport.Message, bool) {
	t.Helper()

	select {
	case m, ok := <-ch:
		return m, ok
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound message")
		return transport.Message{}, false
	}
}

func TestWebsocketDialer_URL(t *testing.T) {
	d := transport.NewWebsocketDialer(transport.WebsocketConfig{BaseURL: "wss://duel.example.com/"})
	assert.Equal(t, "wss://duel.example.com/ws/sessions/S%201/", d.URL("S 1"))

	d = transport.NewWebsocketDialer(transport.WebsocketConfig{BaseURL: "ws://localhost:8000", PathFormat: "/rt/%s"})
	assert.Equal(t, "ws://localhost:8000/rt/abc", d.URL("abc"))
}

func TestWebsocketConn_DeliversFramesInOrder(t *testing.T) {
	_, d := newServer(t, func(ctx context.Context, c *websocket.Conn) {
		for _, f := range []string{`{"type":"ready"}`, `{"type":"start"}`, `{"type":"session_end"}`} {
			if err := c.Write(ctx, websocket.MessageText, []byte(f)); err != nil {
				return
			}
		}
		c.Close(websocket.StatusNormalClosure, "done")
	})

	conn, err := d.Dial(context.Background(), "S1")
	require.NoError(t, err)
	defer conn.Close()

	var got []string
	for i := 0; i < 3; i++ {
		m, ok := receive(t, conn.Inbound())
		require.True(t, ok)
		require.NoError(t, m.Err)
		got = append(got, string(m.Data))
	}
	assert.Equal(t, []string{`{"type":"ready"}`, `{"type":"start"}`, `{"type":"session_end"}`}, got)

	m, ok := receive(t, conn.Inbound())
	require.True(t, ok)
	assert.True(t, errors.IsTransport(m.Err), "want transport error, got %v", m.Err)

	_, ok = receive(t, conn.Inbound())
	assert.False(t, ok, "inbound must be closed after the failure message")
}

func TestWebsocketConn_LocalCloseReportsNoError(t *testing.T) {
	_, d := newServer(t, func(ctx context.Context, c *websocket.Conn) {
		// Hold the connection open until the client goes away.
		_, _, _ = c.Read(ctx)
	})

	conn, err := d.Dial(context.Background(), "S1")
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	m, ok := receive(t, conn.Inbound())
	assert.False(t, ok, "unexpected message %+v", m)
}

func TestWebsocketDialer_DialFailure(t *testing.T) {
	srv, d := newServer(t, func(context.Context, *websocket.Conn) {})

	d = transport.NewWebsocketDialer(transport.WebsocketConfig{
		BaseURL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		PathFormat: "/nowhere/%s",
	})

	conn, err := d.Dial(context.Background(), "S1")
	assert.Nil(t, conn)
	assert.True(t, errors.IsTransport(err), "want transport error, got %v", err)
}
