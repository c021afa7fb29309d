// Package session drives the local projection of one competitive session.
//
// A Machine owns a single goroutine. Commands, channel frames, countdown ticks, timer
// expirations and the results of background REST calls are all applied there, one at a
// time, so the projection never needs a lock. Commands that talk to the session service do
// so on the caller's goroutine: the machine validates and records intent, the call runs, and
// the outcome is applied back on the loop. Outcomes for a session that has meanwhile been torn
// down are discarded.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/timer"
	"github.com/victornm/codeduel/internal/transport"
)

const (
	DefaultReadyConfirmTimeout = 5 * time.Second
	DefaultStartConfirmTimeout = 5 * time.Second
	DefaultTimeoutGrace        = time.Second
	DefaultReconnectBackoff    = 2 * time.Second
	DefaultDuration            = 900 * time.Second

	inboxSize       = 64
	minParticipants = 2
)

// REST is the part of the session service the machine depends on.
type REST interface {
	Ready(ctx context.Context, sessionID string) error
	Start(ctx context.Context, sessionID string) (*domain.Problem, error)
	Leave(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (domain.StatusReport, error)
	Timeout(ctx context.Context, sessionID string) error
	Submit(ctx context.Context, sessionID string, s domain.Submission) (domain.SubmissionResult, error)
	Leaderboard(ctx context.Context, sessionID string) ([]domain.LeaderboardEntry, error)
}

type Config struct {
	// Self is the local participant. Only a host may start the session.
	Self   domain.Participant
	REST   REST
	Dialer transport.Dialer
	Clock  timer.Clock

	ReadyConfirmTimeout time.Duration
	StartConfirmTimeout time.Duration
	TimeoutGrace        time.Duration
	ReconnectBackoff    time.Duration
	DefaultDuration     time.Duration
	// PollInterval re-reads the REST status until the first push arrives. Zero disables polling.
	PollInterval time.Duration
}

func (c *Config) setDefaults() {
	if c.Clock == nil {
		c.Clock = timer.Real
	}
	if c.ReadyConfirmTimeout <= 0 {
		c.ReadyConfirmTimeout = DefaultReadyConfirmTimeout
	}
	if c.StartConfirmTimeout <= 0 {
		c.StartConfirmTimeout = DefaultStartConfirmTimeout
	}
	if c.TimeoutGrace <= 0 {
		c.TimeoutGrace = DefaultTimeoutGrace
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = DefaultDuration
	}
}

type timerKind int

const (
	timerReadyConfirm timerKind = iota
	timerStartConfirm
	timerGrace
	timerReconnect
	timerPoll
)

type armed struct {
	stopper timer.Stopper
	seq     uint64
}

type msg interface{ isSessionMsg() }

// request runs fn on the loop and closes done afterwards.
type request struct {
	fn   func()
	done chan struct{}
}

func (request) isSessionMsg() {}

type timerFired struct {
	gen  uint64
	kind timerKind
	seq  uint64
}

func (timerFired) isSessionMsg() {}

type statusFetched struct {
	gen     uint64
	resync  bool
	report  domain.StatusReport
	entries []domain.LeaderboardEntry
	err     error
}

func (statusFetched) isSessionMsg() {}

type redialed struct {
	gen  uint64
	conn transport.Conn
	err  error
}

func (redialed) isSessionMsg() {}

type Machine struct {
	c          Config
	dispatcher *event.Dispatcher
	countdown  *timer.Countdown

	inbox    chan msg
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	status atomic.Value
	final  atomic.Pointer[domain.Snapshot]

	// Everything below is owned by the loop goroutine.
	sessionID       string
	gen             uint64
	binding         bool
	torn            bool
	conn            transport.Conn
	inbound         <-chan transport.Message
	pushSeen        bool
	readyInFlight   bool
	readyAnonSeen   bool
	snap            domain.Snapshot
	prevStatus      domain.Status
	timers          map[timerKind]armed
	timerSeq        uint64
	teardownPending bool
}

func New(c Config) *Machine {
	c.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		c:          c,
		dispatcher: event.NewDispatcher(),
		countdown:  timer.NewCountdown(c.Clock),
		inbox:      make(chan msg, inboxSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		snap:       domain.Snapshot{Status: domain.StatusIdle, Self: c.Self},
		timers:     make(map[timerKind]armed),
	}
	m.status.Store(domain.StatusIdle)

	// Registered before anyone else can subscribe, so the projection is updated before
	// observers of the same event run.
	m.dispatcher.Subscribe(domain.EventNameReady, m.onReady)
	m.dispatcher.Subscribe(domain.EventNameStart, m.onStart)
	m.dispatcher.Subscribe(domain.EventNameSessionEnd, m.onSessionEnd)
	m.dispatcher.Subscribe(domain.EventNameLeaderboard, m.onLeaderboard)
	m.dispatcher.Subscribe(domain.EventNameError, m.onError)
	m.dispatcher.Subscribe(domain.EventNameParticipantJoined, m.onParticipantJoined)
	m.dispatcher.Subscribe(domain.EventNameParticipantLeft, m.onParticipantLeft)

	go m.loop()
	return m
}

func (m *Machine) loop() {
	defer func() {
		m.teardown()
		s := m.snapshot()
		m.final.Store(&s)
		close(m.done)
	}()

	for {
		select {
		case <-m.stop:
			return

		case x := <-m.inbox:
			m.handle(x)

		case in, ok := <-m.inbound:
			m.receive(in, ok)

		case <-m.countdown.C():
			m.tick()
		}

		// Deferred until here so observers of a final event still receive it.
		if m.teardownPending {
			m.teardownPending = false
			m.teardown()
		}
	}
}

func (m *Machine) handle(x msg) {
	switch x := x.(type) {
	case request:
		x.fn()
		close(x.done)

	case timerFired:
		m.fire(x)

	case statusFetched:
		m.applyStatus(x)

	case redialed:
		m.applyRedial(x)
	}
}

var errClosed = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session machine closed"))

// call runs fn on the loop and waits for it. It must not be used from an event handler.
func (m *Machine) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})

	select {
	case m.inbox <- request{fn: fn, done: done}:
	case <-m.done:
		return errClosed
	case <-ctx.Done():
		return errors.New(errors.CodeTimeout, errors.WithCause(ctx.Err()))
	}

	select {
	case <-done:
		return nil
	case <-m.done:
		select {
		case <-done:
			return nil
		default:
			return errClosed
		}
	}
}

// post hands a message to the loop, giving up once the loop has exited.
func (m *Machine) post(x msg) {
	select {
	case m.inbox <- x:
	case <-m.done:
	}
}

// async runs fn in the background and posts its result, if any. Only called from the loop.
func (m *Machine) async(fn func(ctx context.Context) msg) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if x := fn(m.ctx); x != nil {
			m.post(x)
		}
	}()
}

func (m *Machine) arm(kind timerKind, d time.Duration) {
	m.disarm(kind)

	m.timerSeq++
	f := timerFired{gen: m.gen, kind: kind, seq: m.timerSeq}
	m.timers[kind] = armed{
		stopper: m.c.Clock.AfterFunc(d, func() { m.post(f) }),
		seq:     f.seq,
	}
}

func (m *Machine) disarm(kind timerKind) {
	if a, ok := m.timers[kind]; ok {
		a.stopper.Stop()
		delete(m.timers, kind)
	}
}

// Bind attaches the machine to a session: it opens the session channel and moves to WAITING.
// Binding again to the same session is a no-op; a machine never binds to a second session.
func (m *Machine) Bind(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("bind: empty session id"))
	}

	var (
		gen  uint64
		noop bool
		err  error
	)
	if cerr := m.call(ctx, func() {
		switch {
		case m.sessionID == sessionID && !m.torn:
			noop = true
		case m.sessionID != "":
			err = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("bind: machine already used for session %s", m.sessionID))
		default:
			m.sessionID = sessionID
			m.snap.SessionID = sessionID
			m.binding = true
			m.gen++
			gen = m.gen
		}
	}); cerr != nil {
		return cerr
	}
	if err != nil || noop {
		return err
	}

	conn, derr := m.c.Dialer.Dial(ctx, sessionID)

	var out error
	cerr := m.call(context.WithoutCancel(ctx), func() {
		m.binding = false

		if gen != m.gen || m.torn {
			out = stale("bind")
			if conn != nil {
				_ = conn.Close()
			}
			return
		}

		if derr != nil {
			slog.WarnContext(ctx, "session: bind failed", "session", sessionID, "error", derr)
			m.sessionID = ""
			m.snap.SessionID = ""
			out = derr
			return
		}

		m.install(conn)
		m.setStatus(domain.StatusWaiting)
		m.fetchStatus(false)
		if m.c.PollInterval > 0 {
			m.arm(timerPoll, m.c.PollInterval)
		}
	})
	if cerr != nil {
		if conn != nil {
			_ = conn.Close()
		}
		return cerr
	}

	return out
}

// MarkReady declares the local participant ready. The flag is set immediately and rolled back
// if the server refuses it or no confirming ready event arrives in time.
func (m *Machine) MarkReady(ctx context.Context) error {
	var (
		gen  uint64
		id   string
		noop bool
		err  error
	)
	if cerr := m.call(ctx, func() {
		switch {
		case !m.snap.Status.PreStart():
			err = invalidState("ready", m.snap.Status)
		case m.snap.ReadyPending:
			err = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("ready: already pending"))
		case m.snap.Self.Ready:
			noop = true
		default:
			m.setSelfReady(true)
			m.snap.ReadyPending = true
			m.readyInFlight, m.readyAnonSeen = true, false
			m.arm(timerReadyConfirm, m.c.ReadyConfirmTimeout)
			gen, id = m.gen, m.sessionID
		}
	}); cerr != nil {
		return cerr
	}
	if err != nil || noop {
		return err
	}

	rerr := m.c.REST.Ready(ctx, id)

	var out error
	if cerr := m.call(context.WithoutCancel(ctx), func() {
		if gen != m.gen || m.torn {
			out = stale("ready")
			return
		}
		anon := m.readyAnonSeen
		m.readyInFlight, m.readyAnonSeen = false, false

		if rerr == nil {
			if anon && m.snap.ReadyPending {
				m.confirmReady()
			}
			return
		}

		// Only a ready frame naming us outlives a refused call.
		out = rerr
		if m.snap.ReadyPending {
			m.disarm(timerReadyConfirm)
			m.snap.ReadyPending = false
			m.setSelfReady(false)
			m.fail("ready", rerr)
		}
	}); cerr != nil {
		return cerr
	}

	return out
}

// Start asks the server to begin the match. Only the host may start, once every participant
// is ready and the local readiness has been confirmed.
func (m *Machine) Start(ctx context.Context) error {
	var (
		gen uint64
		id  string
		err error
	)
	if cerr := m.call(ctx, func() {
		switch {
		case !m.snap.Status.PreStart():
			err = invalidState("start", m.snap.Status)
		case !m.snap.Self.Host:
			err = errors.New(errors.CodePermissionDenied, errors.WithMessagef("start: only the host can start the session"))
		case m.snap.ReadyPending:
			err = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("start: local readiness not confirmed yet"))
		case !m.snap.HasEnoughParticipants:
			err = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("start: not enough participants"))
		case !m.snap.AllReady:
			err = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("start: not all participants are ready"))
		default:
			m.prevStatus = m.snap.Status
			m.setStatus(domain.StatusStarting)
			m.arm(timerStartConfirm, m.c.StartConfirmTimeout)
			gen, id = m.gen, m.sessionID
		}
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}

	problem, rerr := m.c.REST.Start(ctx, id)

	var out error
	if cerr := m.call(context.WithoutCancel(ctx), func() {
		if gen != m.gen || m.torn {
			out = stale("start")
			return
		}

		if rerr != nil {
			out = rerr
			// The confirm timer may have reverted and reported already.
			if m.snap.Status == domain.StatusStarting {
				m.disarm(timerStartConfirm)
				m.setStatus(m.prevStatus)
				m.fail("start", rerr)
			}
			return
		}

		if problem != nil && m.snap.Problem == nil {
			m.snap.Problem = problem
		}
	}); cerr != nil {
		return cerr
	}

	return out
}

// Submit sends a solution. Only one submission may be outstanding. A submission that wins the
// match ends it with the local participant as winner, unless the end event got there first.
func (m *Machine) Submit(ctx context.Context, s domain.Submission) (domain.SubmissionResult, error) {
	var (
		gen uint64
		id  string
		err error
	)
	if cerr := m.call(ctx, func() {
		switch {
		case m.snap.Status != domain.StatusInProgress:
			err = invalidState("submit", m.snap.Status)
		case m.snap.SubmitInFlight:
			err = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("submit: a submission is already in flight"))
		default:
			if s.ProblemID == "" && m.snap.Problem != nil {
				s.ProblemID = m.snap.Problem.ID
			}
			if s.ProblemID == "" {
				err = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("submit: no problem assigned"))
				return
			}
			m.snap.SubmitInFlight = true
			gen, id = m.gen, m.sessionID
		}
	}); cerr != nil {
		return domain.SubmissionResult{}, cerr
	}
	if err != nil {
		return domain.SubmissionResult{}, err
	}

	res, rerr := m.c.REST.Submit(ctx, id, s)

	var out error
	if cerr := m.call(context.WithoutCancel(ctx), func() {
		m.snap.SubmitInFlight = false

		if gen != m.gen || m.torn {
			out = stale("submit")
			return
		}

		if rerr != nil {
			out = rerr
			m.fail("submit", rerr)
			return
		}

		if res.SessionEnded && m.snap.Status == domain.StatusInProgress {
			winner := res.Winner
			if winner == "" {
				winner = m.selfName()
			}
			m.end(winner, "problem solved", res.Leaderboard)
		}
	}); cerr != nil {
		return res, cerr
	}

	return res, out
}

// Leave abandons the session. Local teardown happens first and never waits for the server;
// the leave call's error is returned afterwards. Leaving twice is a no-op.
func (m *Machine) Leave(ctx context.Context) error {
	var (
		id  string
		err error
	)
	if cerr := m.call(ctx, func() {
		switch {
		case m.sessionID == "":
			err = errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("leave: not bound"))
		case m.torn:
		case m.snap.Status.Terminal():
			m.teardown()
		default:
			id = m.sessionID
			m.setStatus(domain.StatusAborted)
			m.teardown()
		}
	}); cerr != nil {
		return cerr
	}
	if err != nil || id == "" {
		return err
	}

	if err := m.c.REST.Leave(ctx, id); err != nil {
		slog.WarnContext(ctx, "session: leave call failed", "session", id, "error", err)
		return err
	}

	return nil
}

// Snapshot returns a consistent copy of the projection. After Close it returns the last one.
func (m *Machine) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	var s domain.Snapshot
	if err := m.call(ctx, func() { s = m.snapshot() }); err != nil {
		if p := m.final.Load(); p != nil {
			return *p, nil
		}
		return domain.Snapshot{}, err
	}

	return s, nil
}

// Status is a lock-free read of the current status.
func (m *Machine) Status() domain.Status {
	return m.status.Load().(domain.Status)
}

// Subscribe registers an observer for events named name. Handlers run on the machine's
// goroutine: they must not call Bind, MarkReady, Start, Submit, Leave, Snapshot or Close.
func (m *Machine) Subscribe(name string, h event.Handler) (unsubscribe func()) {
	return m.dispatcher.Subscribe(name, h)
}

// Close tears the machine down locally, without telling the server, and stops its goroutine.
func (m *Machine) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
	m.cancel()
	m.wg.Wait()
}

// Done is closed once the machine's goroutine has exited.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

func stale(op string) error {
	return errors.New(errors.CodeStale, errors.WithMessagef("%s: session was torn down", op))
}

func invalidState(op string, s domain.Status) error {
	return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("%s: not allowed in status %s", op, s))
}
