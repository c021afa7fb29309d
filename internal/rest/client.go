// Package rest is the typed client for the session service's request/response surface.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/codeduel/internal/codec"
	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/telemetry"
)

const (
	defaultTimeout = 10 * time.Second
	maxBodySize    = 4 << 20

	HeaderRequestID = "X-Request-ID"
)

type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8000/api.
	BaseURL string
	// AuthScheme prefixes the token in the Authorization header. Defaults to Bearer.
	AuthScheme string
	// TrailingSlash appends "/" to every path, as Django routers expect.
	TrailingSlash bool
	Timeout       time.Duration
	HTTPClient    *http.Client
}

type Client struct {
	c    Config
	hc   *http.Client
	cred Credential
}

func New(c Config, cred Credential) *Client {
	if c.AuthScheme == "" {
		c.AuthScheme = "Bearer"
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: c.Timeout}
	}

	return &Client{c: c, hc: hc, cred: cred}
}

type CreateRequest = codec.CreateCommand

func (c *Client) Create(ctx context.Context, req CreateRequest) (domain.Session, error) {
	var out sessionBody
	if err := c.do(ctx, "create", http.MethodPost, c.path("sessions"), req, &out); err != nil {
		return domain.Session{}, err
	}

	return out.domain(), nil
}

// Join adds the caller to a session. The access code is only sent for private sessions.
func (c *Client) Join(ctx context.Context, sessionID, accessCode string) error {
	return c.do(ctx, "join", http.MethodPost, c.path("sessions", sessionID, "join"), codec.JoinCommand{AccessCode: accessCode}, nil)
}

func (c *Client) Ready(ctx context.Context, sessionID string) error {
	return c.do(ctx, "ready", http.MethodPost, c.path("sessions", sessionID, "ready"), codec.ReadyCommand{ID: sessionID}, nil)
}

// Start asks the server to start the match. The returned problem may be nil, the start event
// carries it as well.
func (c *Client) Start(ctx context.Context, sessionID string) (*domain.Problem, error) {
	var out startBody
	if err := c.do(ctx, "start", http.MethodPost, c.path("sessions", sessionID, "start"), nil, &out); err != nil {
		return nil, err
	}

	return out.Problem.Domain(), nil
}

func (c *Client) Leave(ctx context.Context, sessionID string) error {
	return c.do(ctx, "leave", http.MethodPost, c.path("sessions", sessionID, "leave"), nil, nil)
}

func (c *Client) Timeout(ctx context.Context, sessionID string) error {
	return c.do(ctx, "timeout", http.MethodPost, c.path("sessions", sessionID, "timeout"), nil, nil)
}

// Status reads the readiness counters of a session. Servers without the combined endpoint are
// asked through check_participants and check_all_ready concurrently.
func (c *Client) Status(ctx context.Context, sessionID string) (domain.StatusReport, error) {
	var out statusBody
	err := c.do(ctx, "status", http.MethodGet, c.path("sessions", sessionID, "status"), nil, &out)
	if err == nil {
		return out.report(), nil
	}

	var e *errors.Error
	if !stderrors.As(err, &e) || (e.HTTPStatus != http.StatusNotFound && e.HTTPStatus != http.StatusMethodNotAllowed) {
		return domain.StatusReport{}, err
	}

	slog.DebugContext(ctx, "rest: status endpoint unavailable, using split checks", "session", sessionID)

	var participants, ready statusBody
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return c.do(ctx, "check_participants", http.MethodPost, c.path("sessions", sessionID, "check_participants"), nil, &participants)
	})
	eg.Go(func() error {
		return c.do(ctx, "check_all_ready", http.MethodPost, c.path("sessions", sessionID, "check_all_ready"), nil, &ready)
	})
	if err := eg.Wait(); err != nil {
		return domain.StatusReport{}, err
	}

	participants.ReadyParticipantsCount = ready.ReadyParticipantsCount
	participants.ReadyCount = ready.ReadyCount
	participants.AllReady = ready.AllReady
	return participants.report(), nil
}

func (b statusBody) report() domain.StatusReport {
	return domain.StatusReport{
		ParticipantsCount:     b.ParticipantsCount,
		HasEnoughParticipants: b.HasEnoughParticipants,
		ReadyCount:            b.readyCount(),
		AllReady:              b.AllReady,
		Started:               b.Started,
	}
}

func (c *Client) Submit(ctx context.Context, sessionID string, s domain.Submission) (domain.SubmissionResult, error) {
	cmd := codec.SubmitCommand{
		SessionID: sessionID,
		Code:      s.Code,
		Language:  s.Language,
	}

	var out submitBody
	if err := c.do(ctx, "submit", http.MethodPost, c.path("solve", s.ProblemID, "submit"), cmd, &out); err != nil {
		return domain.SubmissionResult{}, err
	}

	return out.domain(), nil
}

// Leaderboard returns the rows in server order, unranked.
func (c *Client) Leaderboard(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error) {
	var rows []codec.LeaderboardRow
	if err := c.do(ctx, "leaderboard", http.MethodGet, c.path("sessions", sessionID, "leaderboard"), nil, &rows); err != nil {
		return nil, err
	}

	return codec.Entries(rows), nil
}

func (c *Client) Problems(ctx context.Context, sessionID string) ([]domain.Problem, error) {
	var rows []codec.Problem
	if err := c.do(ctx, "problems", http.MethodGet, c.path("sessions", sessionID, "problems"), nil, &rows); err != nil {
		return nil, err
	}

	problems := make([]domain.Problem, 0, len(rows))
	for i := range rows {
		problems = append(problems, *rows[i].Domain())
	}
	return problems, nil
}

func (c *Client) path(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	if c.c.TrailingSlash {
		b.WriteByte('/')
	}
	return b.String()
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	token, err := c.cred.Token(ctx)
	if err != nil {
		return err
	}

	var payload io.Reader
	if body != nil {
		b, err := codec.Encode(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.c.BaseURL+path, payload)
	if err != nil {
		return errors.Internal(err)
	}

	reqID := uuid.NewString()
	req.Header.Set("Authorization", c.c.AuthScheme+" "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, reqID)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		telemetry.ObserveRESTRequest(op, 0, time.Since(start))
		slog.WarnContext(ctx, "rest: request failed", "op", op, "request_id", reqID, "error", err)
		return transportError(op, err)
	}
	defer resp.Body.Close()

	telemetry.ObserveRESTRequest(op, resp.StatusCode, time.Since(start))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return transportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.cred.Invalidate(token)
		}

		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		msg := eb.Detail
		if msg == "" {
			msg = eb.Message
		}

		slog.InfoContext(ctx, "rest: request rejected", "op", op, "request_id", reqID, "status", resp.StatusCode, "detail", msg)
		return errors.FromHTTPStatus(resp.StatusCode, msg)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return errors.New(errors.CodeMalformed,
			errors.WithMessagef("%s: decode response", op),
			errors.WithHTTPStatus(resp.StatusCode),
			errors.WithCause(err),
		)
	}

	return nil
}

func transportError(op string, err error) error {
	var ne net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &ne) && ne.Timeout()) {
		return errors.New(errors.CodeTimeout, errors.WithMessagef("%s: no response", op), errors.WithCause(err))
	}

	return errors.New(errors.CodeTransport, errors.WithMessagef("%s: request failed", op), errors.WithCause(err))
}
