package statusapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/relay"
	"github.com/victornm/codeduel/internal/statusapi"
)

type fakeSessions map[string]domain.Snapshot

func (f fakeSessions) IDs() []string {
	var ids []string
	for _, id := range []string{"S1", "S2", "S3"} {
		if _, ok := f[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f fakeSessions) Snapshot(_ context.Context, id string) (domain.Snapshot, error) {
	s, ok := f[id]
	if !ok {
		return domain.Snapshot{}, errors.New(errors.CodeNotFound, errors.WithMessagef("session not held: %s", id))
	}
	return s, nil
}

type fakeResults struct {
	results     map[string]relay.Result
	leaderboard map[string][]domain.LeaderboardEntry
	err         error
}

func (f fakeResults) Result(_ context.Context, id string) (relay.Result, error) {
	if f.err != nil {
		return relay.Result{}, f.err
	}
	r, ok := f.results[id]
	if !ok {
		return r, errors.New(errors.CodeNotFound, errors.WithMessagef("result not found: session=%s", id))
	}
	return r, nil
}

func (f fakeResults) Leaderboard(_ context.Context, id string) ([]domain.LeaderboardEntry, error) {
	l, ok := f.leaderboard[id]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("leaderboard not found: session=%s", id))
	}
	return l, nil
}

func serve(t *testing.T, h http.Handler, path string) (int, map[string]any) {
	t.Helper()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w.Code, body
}

var live = fakeSessions{
	"S1": {
		SessionID:         "S1",
		Status:            domain.StatusInProgress,
		Self:              domain.Participant{ID: "1", DisplayName: "ada", Ready: true, Host: true},
		Participants:      []domain.Participant{{ID: "1", DisplayName: "ada", Ready: true, Host: true}},
		ParticipantsCount: 2,
		AllReady:          true,
		Problem:           &domain.Problem{ID: "42", Title: "Two Sum"},
		StartTime:         time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		Duration:          900 * time.Second,
		RemainingSeconds:  600,
		Leaderboard: []domain.LeaderboardEntry{
			{ParticipantID: "1", Username: "ada", Score: decimal.NewFromInt(10), Elapsed: 65 * time.Second, Rank: 1},
		},
		LastError: errors.New(errors.CodeTimeout, errors.WithMessagef("ready: no confirmation within 5s")),
	},
	"S2": {SessionID: "S2", Status: domain.StatusWaiting},
}

var stored = fakeResults{
	results: map[string]relay.Result{
		"S9": {SessionID: "S9", Status: "ENDED", Winner: "bob"},
	},
	leaderboard: map[string][]domain.LeaderboardEntry{
		"S2": {{ParticipantID: "bob", Username: "bob", Score: decimal.NewFromInt(3), Rank: 1}},
		"S9": {{ParticipantID: "bob", Username: "bob", Score: decimal.NewFromInt(7), Rank: 1}},
	},
}

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func TestAPI_Health(t *testing.T) {
	h := statusapi.New(statusapi.Config{Sessions: fakeSessions{}})

	code, body := serve(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_Metrics(t *testing.T) {
	h := statusapi.New(statusapi.Config{Sessions: fakeSessions{}})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAPI_ListSessions(t *testing.T) {
	h := statusapi.New(statusapi.Config{Sessions: live})

	code, body := serve(t, h, "/sessions")
	require.Equal(t, http.StatusOK, code)

	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 2)
	first := sessions[0].(map[string]any)
	assert.Equal(t, "S1", first["session_id"])
	assert.Equal(t, "IN_PROGRESS", first["status"])
	assert.EqualValues(t, 600, first["remaining_seconds"])
	assert.Equal(t, "WAITING", sessions[1].(map[string]any)["status"])
}

func TestAPI_GetSession(t *testing.T) {
	tests := map[string]struct {
		config   statusapi.Config
		path     string
		wantCode int
		assert   func(t *testing.T, body map[string]any)
	}{
		"live session": {
			config:   statusapi.Config{Sessions: live, Results: stored},
			path:     "/sessions/S1",
			wantCode: http.StatusOK,
			assert: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "IN_PROGRESS", body["status"])
				assert.Equal(t, false, body["can_start"])
				assert.EqualValues(t, 900, body["duration_seconds"])
				assert.Equal(t, "2025-01-01T12:00:00Z", body["start_time"])
				assert.Equal(t, "CommandTimeout: ready: no confirmation within 5s", body["last_error"])
				assert.Equal(t, "42", body["problem"].(map[string]any)["id"])
				assert.Equal(t, true, body["self"].(map[string]any)["host"])

				entries := body["leaderboard"].([]any)
				require.Len(t, entries, 1)
				assert.Equal(t, "01:05", entries[0].(map[string]any)["formatted_time"])
				assert.Equal(t, "10", entries[0].(map[string]any)["score"])
			},
		},
		"finished session from results": {
			config:   statusapi.Config{Sessions: live, Results: stored},
			path:     "/sessions/S9",
			wantCode: http.StatusOK,
			assert: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "ENDED", body["status"])
				assert.Equal(t, "bob", body["winner"])
			},
		},
		"unknown session": {
			config:   statusapi.Config{Sessions: live, Results: stored},
			path:     "/sessions/S7",
			wantCode: http.StatusNotFound,
			assert: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "NotFound", body["code"])
			},
		},
		"no results configured": {
			config:   statusapi.Config{Sessions: live},
			path:     "/sessions/S9",
			wantCode: http.StatusNotFound,
		},
		"results unavailable": {
			config: statusapi.Config{
				Sessions: live,
				Results:  fakeResults{err: errors.New(errors.CodeTransport, errors.WithMessagef("redis down"))},
			},
			path:     "/sessions/S9",
			wantCode: http.StatusBadGateway,
			assert: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "TransportError", body["code"])
				assert.Equal(t, "redis down", body["message"])
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			code, body := serve(t, statusapi.New(tc.config), tc.path)
			assert.Equal(t, tc.wantCode, code)
			if tc.assert != nil {
				tc.assert(t, body)
			}
		})
	}
}

func TestAPI_GetLeaderboard(t *testing.T) {
	tests := map[string]struct {
		config    statusapi.Config
		path      string
		wantCode  int
		wantUsers []string
	}{
		"live standings": {
			config:    statusapi.Config{Sessions: live, Results: stored},
			path:      "/sessions/S1/leaderboard",
			wantCode:  http.StatusOK,
			wantUsers: []string{"ada"},
		},
		"live session without standings falls back to the mirror": {
			config:    statusapi.Config{Sessions: live, Results: stored},
			path:      "/sessions/S2/leaderboard",
			wantCode:  http.StatusOK,
			wantUsers: []string{"bob"},
		},
		"live session without standings or mirror": {
			config:    statusapi.Config{Sessions: live},
			path:      "/sessions/S2/leaderboard",
			wantCode:  http.StatusOK,
			wantUsers: []string{},
		},
		"live session with an empty mirror": {
			config:    statusapi.Config{Sessions: live, Results: fakeResults{}},
			path:      "/sessions/S2/leaderboard",
			wantCode:  http.StatusOK,
			wantUsers: []string{},
		},
		"finished session": {
			config:    statusapi.Config{Sessions: live, Results: stored},
			path:      "/sessions/S9/leaderboard",
			wantCode:  http.StatusOK,
			wantUsers: []string{"bob"},
		},
		"unknown session": {
			config:   statusapi.Config{Sessions: live, Results: stored},
			path:     "/sessions/S7/leaderboard",
			wantCode: http.StatusNotFound,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			code, body := serve(t, statusapi.New(tc.config), tc.path)
			require.Equal(t, tc.wantCode, code)
			if tc.wantUsers == nil {
				return
			}

			users := []string{}
			for _, e := range body["entries"].([]any) {
				users = append(users, e.(map[string]any)["username"].(string))
			}
			assert.Equal(t, tc.wantUsers, users)
		})
	}
}
