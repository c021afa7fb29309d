// Package statusapi serves a read-only HTTP view of the sessions this client holds, along with
// metrics and profiling endpoints.
package statusapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/relay"
)

// Sessions is the set of live sessions, a session.Registry in practice.
type Sessions interface {
	IDs() []string
	Snapshot(ctx context.Context, sessionID string) (domain.Snapshot, error)
}

// Results looks up sessions that are no longer live, a relay.Relay in practice.
type Results interface {
	Result(ctx context.Context, sessionID string) (relay.Result, error)
	Leaderboard(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error)
}

type Config struct {
	Sessions Sessions
	// Results is optional; without it only live sessions are served.
	Results Results
}

type API struct {
	sessions Sessions
	results  Results
}

func New(c Config) *gin.Engine {
	a := &API{
		sessions: c.Sessions,
		results:  c.Results,
	}

	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	e.GET("/healthz", a.health)
	e.GET("/sessions", a.listSessions)
	e.GET("/sessions/:id", a.getSession)
	e.GET("/sessions/:id/leaderboard", a.getLeaderboard)

	return e
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) listSessions(c *gin.Context) {
	ctx := c.Request.Context()

	views := make([]summaryView, 0)
	for _, id := range a.sessions.IDs() {
		s, err := a.sessions.Snapshot(ctx, id)
		if err != nil {
			// Released while listing.
			continue
		}
		views = append(views, summaryOf(s))
	}

	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

func (a *API) getSession(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	s, err := a.sessions.Snapshot(ctx, id)
	if err == nil {
		c.JSON(http.StatusOK, sessionOf(s))
		return
	}
	if !errors.IsNotFound(err) || a.results == nil {
		a.fail(c, err)
		return
	}

	res, err := a.results.Result(ctx, id)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (a *API) getLeaderboard(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	s, err := a.sessions.Snapshot(ctx, id)
	switch {
	case err == nil && (len(s.Leaderboard) > 0 || a.results == nil):
		c.JSON(http.StatusOK, relay.Leaderboard{SessionID: id, Entries: relay.Entries(s.Leaderboard)})
		return
	case err != nil && (!errors.IsNotFound(err) || a.results == nil):
		a.fail(c, err)
		return
	}

	live := err == nil
	entries, err := a.results.Leaderboard(ctx, id)
	switch {
	case err != nil && live && errors.IsNotFound(err):
		entries = nil
	case err != nil:
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, relay.Leaderboard{SessionID: id, Entries: relay.Entries(entries)})
}

func (a *API) fail(c *gin.Context, err error) {
	e := errors.Convert(err)
	status := httpStatus(e.Code)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "statusapi: request failed", "path", c.FullPath(), "error", err)
	}

	c.JSON(status, gin.H{"code": e.Name(), "message": e.Message})
}

func httpStatus(code errors.Code) int {
	switch code {
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeFailedPrecondition:
		return http.StatusConflict
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	case errors.CodeTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
