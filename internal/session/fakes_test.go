package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/session"
	"github.com/victornm/codeduel/internal/timer/timertest"
	"github.com/victornm/codeduel/internal/transport"
)

const waitFor = 2 * time.Second

// fakeConn replays frames pushed by the test. Inbound is unbuffered, so a Push returns once the
// machine has taken the frame.
type fakeConn struct {
	in     chan transport.Message
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan transport.Message), closed: make(chan struct{})}
}

func (c *fakeConn) Inbound() <-chan transport.Message { return c.in }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Push(t *testing.T, frame any) {
	t.Helper()

	var data []byte
	switch f := frame.(type) {
	case string:
		data = []byte(f)
	default:
		b, err := json.Marshal(f)
		require.NoError(t, err)
		data = b
	}

	select {
	case c.in <- transport.Message{Data: data}:
	case <-c.closed:
		t.Fatalf("push %s: connection closed", data)
	case <-time.After(waitFor):
		t.Fatalf("push %s: nobody is reading", data)
	}
}

// Drop simulates a lost connection.
func (c *fakeConn) Drop(t *testing.T, err error) {
	t.Helper()

	select {
	case c.in <- transport.Message{Err: err}:
	case <-time.After(waitFor):
		t.Fatal("drop: nobody is reading")
	}
}

// fakeDialer hands out scripted connections, then fresh ones.
type fakeDialer struct {
	mu     sync.Mutex
	script []any // *fakeConn or error
	dialed []string
	handed []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, sessionID string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dialed = append(d.dialed, sessionID)

	var next any = newFakeConn()
	if len(d.script) > 0 {
		next, d.script = d.script[0], d.script[1:]
	}

	switch n := next.(type) {
	case error:
		return nil, n
	case *fakeConn:
		d.handed = append(d.handed, n)
		return n, nil
	}
	panic("unexpected script entry")
}

func (d *fakeDialer) Then(next ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, next...)
}

func (d *fakeDialer) Dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handed[i]
}

// fakeREST records calls and answers with canned results. A non-nil gate holds the matching
// call until it is closed.
type fakeREST struct {
	mu    sync.Mutex
	calls []string

	readyErr   error
	readyGate  chan struct{}
	startErr   error
	startGate  chan struct{}
	problem    *domain.Problem
	leaveErr   error
	timeoutErr error
	status     domain.StatusReport
	statusErr  error
	submit     domain.SubmissionResult
	submitErr  error
	submitGate chan struct{}
	entries    []domain.LeaderboardEntry
}

func (r *fakeREST) record(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, op)
}

func (r *fakeREST) Count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for _, c := range r.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (r *fakeREST) Ready(context.Context, string) error {
	r.record("ready")
	if r.readyGate != nil {
		<-r.readyGate
	}
	return r.readyErr
}

func (r *fakeREST) Start(context.Context, string) (*domain.Problem, error) {
	r.record("start")
	if r.startGate != nil {
		<-r.startGate
	}
	return r.problem, r.startErr
}

func (r *fakeREST) Leave(context.Context, string) error {
	r.record("leave")
	return r.leaveErr
}

func (r *fakeREST) Status(context.Context, string) (domain.StatusReport, error) {
	r.record("status")
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.statusErr
}

func (r *fakeREST) Timeout(context.Context, string) error {
	r.record("timeout")
	return r.timeoutErr
}

func (r *fakeREST) Submit(context.Context, string, domain.Submission) (domain.SubmissionResult, error) {
	r.record("submit")
	if r.submitGate != nil {
		<-r.submitGate
	}
	return r.submit, r.submitErr
}

func (r *fakeREST) Leaderboard(context.Context, string) ([]domain.LeaderboardEntry, error) {
	r.record("leaderboard")
	return r.entries, nil
}

// recorder collects every event it is subscribed to.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *recorder) Handle(_ context.Context, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

// Transitions lists the target status of every status change seen.
func (r *recorder) Transitions() []domain.Status {
	var out []domain.Status
	for _, e := range r.Events() {
		if sc, ok := e.(domain.EventStatusChanged); ok {
			out = append(out, sc.To)
		}
	}
	return out
}

type harness struct {
	m      *session.Machine
	clock  *timertest.Clock
	dialer *fakeDialer
	rest   *fakeREST
	rec    *recorder
}

var host = domain.Participant{ID: "1", DisplayName: "ada", Host: true}

func newHarness(t *testing.T, self domain.Participant, opts ...func(*session.Config)) *harness {
	t.Helper()

	h := &harness{
		clock:  timertest.New(),
		dialer: &fakeDialer{},
		rest:   &fakeREST{},
		rec:    &recorder{},
	}

	c := session.Config{
		Self:   self,
		REST:   h.rest,
		Dialer: h.dialer,
		Clock:  h.clock,
	}
	for _, opt := range opts {
		opt(&c)
	}

	h.m = session.New(c)
	t.Cleanup(h.m.Close)

	for _, name := range []string{
		domain.EventNameStatusChanged,
		domain.EventNameCommandFailed,
		domain.EventNameDisconnected,
		domain.EventNameSessionEnd,
	} {
		h.m.Subscribe(name, h.rec.Handle)
	}
	return h
}

// bound returns a harness already bound to S1 whose initial status fetch has been issued.
func bound(t *testing.T, self domain.Participant, opts ...func(*session.Config)) *harness {
	t.Helper()

	h := newHarness(t, self, opts...)
	require.NoError(t, h.m.Bind(context.Background(), "S1"))
	require.Eventually(t, func() bool { return h.rest.Count("status") == 1 }, waitFor, time.Millisecond)
	h.snap(t)
	return h
}

func (h *harness) conn() *fakeConn {
	return h.dialer.Conn(0)
}

// snap doubles as a barrier: everything the machine received before it has been applied.
func (h *harness) snap(t *testing.T) domain.Snapshot {
	t.Helper()

	s, err := h.m.Snapshot(context.Background())
	require.NoError(t, err)
	return s
}

// allReady brings a bound harness to READY_CHECK with every participant ready.
func (h *harness) allReady(t *testing.T) {
	t.Helper()

	h.conn().Push(t, `{"type":"ready","all_ready":true,"ready_count":2}`)
	require.Equal(t, domain.StatusReadyCheck, h.snap(t).Status)
}

// started brings a bound harness to IN_PROGRESS with the given duration in seconds.
func (h *harness) started(t *testing.T, seconds int) {
	t.Helper()

	h.conn().Push(t, map[string]any{
		"type":       "start",
		"start_time": "2025-01-01T12:00:00+00:00",
		"problem":    map[string]any{"id": 42, "title": "Two Sum"},
		"duration":   seconds,
	})
	require.Equal(t, domain.StatusInProgress, h.snap(t).Status)
}

// eventually waits until cond holds for a snapshot.
func (h *harness) eventually(t *testing.T, cond func(s domain.Snapshot) bool) {
	t.Helper()

	require.Eventually(t, func() bool {
		s, err := h.m.Snapshot(context.Background())
		return err == nil && cond(s)
	}, waitFor, time.Millisecond)
}
