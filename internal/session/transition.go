package session

import (
	"context"
	"log/slog"
	"slices"

	"github.com/victornm/codeduel/internal/codec"
	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/leaderboard"
	"github.com/victornm/codeduel/internal/telemetry"
	"github.com/victornm/codeduel/internal/transport"
)

func (m *Machine) setStatus(to domain.Status) {
	from := m.snap.Status
	if from == to {
		return
	}

	m.snap.Status = to
	m.status.Store(to)

	telemetry.ObserveTransition(string(from), string(to))
	slog.InfoContext(m.ctx, "session: status changed", "session", m.sessionID, "from", from, "to", to)

	m.dispatcher.Publish(m.ctx, domain.EventStatusChanged{From: from, To: to, Snapshot: m.snapshot()})
}

func (m *Machine) install(conn transport.Conn) {
	m.conn = conn
	m.inbound = conn.Inbound()
}

func (m *Machine) closeConn() {
	if m.conn == nil {
		return
	}
	if err := m.conn.Close(); err != nil {
		slog.DebugContext(m.ctx, "session: close channel failed", "session", m.sessionID, "error", err)
	}
	m.conn = nil
	m.inbound = nil
}

// teardown releases every resource tied to the bound session. Results that were issued before
// it carry the previous generation and are dropped on arrival.
func (m *Machine) teardown() {
	if m.torn {
		return
	}
	m.torn = true
	m.gen++

	for kind := range m.timers {
		m.disarm(kind)
	}
	m.countdown.Stop()
	m.closeConn()
	m.dispatcher.Close()

	slog.DebugContext(m.ctx, "session: torn down", "session", m.sessionID, "status", m.snap.Status)
}

func (m *Machine) snapshot() domain.Snapshot {
	s := m.snap
	s.Participants = slices.Clone(m.snap.Participants)
	s.Leaderboard = slices.Clone(m.snap.Leaderboard)
	if m.snap.Problem != nil {
		p := *m.snap.Problem
		s.Problem = &p
	}
	s.RemainingSeconds = m.countdown.State().Remaining
	return s
}

func (m *Machine) receive(in transport.Message, ok bool) {
	if !ok || in.Err != nil {
		err := in.Err
		if err == nil {
			err = errors.New(errors.CodeTransport, errors.WithMessagef("channel closed"))
		}
		m.lost(err)
		return
	}

	e, err := codec.Decode(in.Data)
	if err != nil {
		telemetry.ObserveDroppedFrame("malformed")
		slog.WarnContext(m.ctx, "session: drop frame", "session", m.sessionID, "error", err)
		return
	}
	if e == nil {
		return
	}

	telemetry.ObserveFrame(e.Name())
	m.dispatcher.Publish(m.ctx, e)
}

// lost schedules the single reconnect attempt that follows a dropped channel.
func (m *Machine) lost(err error) {
	m.closeConn()
	if m.torn || m.snap.Status.Terminal() {
		return
	}

	slog.WarnContext(m.ctx, "session: channel lost", "session", m.sessionID, "error", err, "retry_in", m.c.ReconnectBackoff)
	m.arm(timerReconnect, m.c.ReconnectBackoff)
}

func (m *Machine) tick() {
	remaining, expired := m.countdown.Tick()
	m.dispatcher.Publish(m.ctx, domain.EventTick{RemainingSeconds: remaining})

	if !expired || m.snap.Status != domain.StatusInProgress {
		return
	}

	m.setStatus(domain.StatusTimedOut)

	id := m.sessionID
	m.async(func(ctx context.Context) msg {
		if err := m.c.REST.Timeout(ctx, id); err != nil {
			slog.WarnContext(ctx, "session: timeout call failed", "session", id, "error", err)
		}
		return nil
	})

	m.arm(timerGrace, m.c.TimeoutGrace)
}

func (m *Machine) fire(f timerFired) {
	if a, ok := m.timers[f.kind]; !ok || a.seq != f.seq || f.gen != m.gen {
		return
	}
	delete(m.timers, f.kind)

	switch f.kind {
	case timerReadyConfirm:
		if !m.snap.ReadyPending {
			return
		}
		m.snap.ReadyPending = false
		m.setSelfReady(false)
		m.fail("ready", errors.New(errors.CodeTimeout, errors.WithMessagef("ready: no confirmation within %s", m.c.ReadyConfirmTimeout)))

	case timerStartConfirm:
		if m.snap.Status != domain.StatusStarting {
			return
		}
		m.setStatus(m.prevStatus)
		m.fail("start", errors.New(errors.CodeTimeout, errors.WithMessagef("start: no confirmation within %s", m.c.StartConfirmTimeout)))

	case timerGrace:
		if m.snap.Status == domain.StatusTimedOut {
			m.teardown()
		}

	case timerReconnect:
		gen, id := m.gen, m.sessionID
		m.async(func(ctx context.Context) msg {
			conn, err := m.c.Dialer.Dial(ctx, id)
			return redialed{gen: gen, conn: conn, err: err}
		})

	case timerPoll:
		if m.pushSeen || !m.snap.Status.PreStart() {
			return
		}
		m.fetchStatus(false)
		m.arm(timerPoll, m.c.PollInterval)
	}
}

func (m *Machine) fetchStatus(resync bool) {
	gen, id := m.gen, m.sessionID
	withLeaderboard := resync && m.snap.Status == domain.StatusInProgress

	m.async(func(ctx context.Context) msg {
		f := statusFetched{gen: gen, resync: resync}
		f.report, f.err = m.c.REST.Status(ctx, id)
		if f.err == nil && withLeaderboard {
			f.entries, f.err = m.c.REST.Leaderboard(ctx, id)
		}
		return f
	})
}

func (m *Machine) applyStatus(f statusFetched) {
	if f.gen != m.gen || m.torn {
		telemetry.ObserveDroppedFrame("stale")
		slog.DebugContext(m.ctx, "session: drop stale status", "session", m.sessionID)
		return
	}

	if f.err != nil {
		slog.WarnContext(m.ctx, "session: status fetch failed", "session", m.sessionID, "resync", f.resync, "error", f.err)
		if f.resync {
			m.snap.LastError = f.err
		}
		return
	}

	// Push is authoritative once it has spoken.
	if !f.resync && m.pushSeen {
		return
	}

	r := f.report
	m.snap.ParticipantsCount = r.ParticipantsCount
	m.snap.HasEnoughParticipants = r.HasEnoughParticipants
	m.snap.ReadyCount = r.ReadyCount
	m.snap.AllReady = r.AllReady

	if f.entries != nil && m.snap.Status == domain.StatusInProgress {
		m.snap.Leaderboard = leaderboard.Rank(f.entries)
	}

	if m.snap.Status == domain.StatusWaiting && (r.ReadyCount > 0 || r.AllReady) {
		m.setStatus(domain.StatusReadyCheck)
	}
}

func (m *Machine) applyRedial(r redialed) {
	if r.gen != m.gen || m.torn || m.snap.Status.Terminal() {
		if r.conn != nil {
			_ = r.conn.Close()
		}
		return
	}

	if r.err != nil {
		telemetry.ObserveReconnect(false)
		slog.ErrorContext(m.ctx, "session: reconnect failed", "session", m.sessionID, "error", r.err)

		m.snap.Disconnected = true
		m.snap.LastError = r.err
		m.dispatcher.Publish(m.ctx, domain.EventDisconnected{Err: r.err})
		return
	}

	telemetry.ObserveReconnect(true)
	slog.InfoContext(m.ctx, "session: reconnected", "session", m.sessionID)

	m.install(r.conn)
	m.snap.Disconnected = false
	m.fetchStatus(true)
}

func (m *Machine) fail(command string, err error) {
	m.snap.LastError = err
	m.dispatcher.Publish(m.ctx, domain.EventCommandFailed{Command: command, Err: err})
}

// end freezes the final standings and schedules teardown.
func (m *Machine) end(winner, detail string, entries []domain.LeaderboardEntry) {
	m.disarm(timerGrace)
	m.countdown.Stop()

	m.snap.Winner = winner
	m.snap.Detail = detail
	if entries != nil {
		m.snap.Leaderboard = leaderboard.Rank(entries)
	}

	m.setStatus(domain.StatusEnded)
	m.teardownPending = true
}

func (m *Machine) setSelfReady(ready bool) {
	m.snap.Self.Ready = ready
	if i := m.participant(m.snap.Self.ID); i >= 0 {
		m.snap.Participants[i].Ready = ready
	}
}

func (m *Machine) selfName() string {
	if m.snap.Self.DisplayName != "" {
		return m.snap.Self.DisplayName
	}
	return m.snap.Self.ID
}

func (m *Machine) participant(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(m.snap.Participants, func(p domain.Participant) bool { return p.ID == id })
}

func (m *Machine) confirmReady() {
	m.disarm(timerReadyConfirm)
	m.snap.ReadyPending = false
	m.setSelfReady(true)
}

func (m *Machine) isSelf(p domain.Participant) bool {
	return m.snap.Self.ID == "" || p.ID == m.snap.Self.ID
}

func (m *Machine) dropped(e event.Event) {
	telemetry.ObserveDroppedFrame("out_of_state")
	slog.DebugContext(m.ctx, "session: ignore event", "session", m.sessionID, "event", e.Name(), "status", m.snap.Status)
}

func (m *Machine) onReady(_ context.Context, e event.Event) error {
	r := e.(domain.EventReady)
	if !m.snap.Status.PreStart() && m.snap.Status != domain.StatusStarting {
		m.dropped(e)
		return nil
	}
	m.pushSeen = true

	count := r.ReadyCount
	if r.Participant != nil {
		p := *r.Participant
		p.Ready = true
		if i := m.participant(p.ID); i >= 0 {
			m.snap.Participants[i].Ready = true
		} else if p.ID != "" {
			p.Host = p.ID == m.snap.Self.ID && m.snap.Self.Host
			m.snap.Participants = append(m.snap.Participants, p)
		}

		if count == 0 {
			for _, p := range m.snap.Participants {
				if p.Ready {
					count++
				}
			}
		}
	}
	m.snap.ReadyCount = count
	m.snap.AllReady = r.AllReady
	// Every ready participant is a participant.
	m.snap.ParticipantsCount = max(m.snap.ParticipantsCount, count)
	m.snap.HasEnoughParticipants = m.snap.ParticipantsCount >= minParticipants

	if m.snap.ReadyPending {
		switch {
		case r.Participant != nil:
			if m.isSelf(*r.Participant) {
				m.confirmReady()
			}
		case m.readyInFlight:
			// An anonymous frame may be someone else's. It only counts once the call succeeds.
			m.readyAnonSeen = true
		default:
			m.confirmReady()
		}
	}

	if m.snap.Status.PreStart() {
		m.setStatus(domain.StatusReadyCheck)
	}
	return nil
}

func (m *Machine) onStart(_ context.Context, e event.Event) error {
	s := e.(domain.EventStart)
	if !m.snap.Status.PreStart() && m.snap.Status != domain.StatusStarting {
		m.dropped(e)
		return nil
	}
	m.pushSeen = true

	m.disarm(timerStartConfirm)
	if m.snap.ReadyPending {
		m.disarm(timerReadyConfirm)
		m.snap.ReadyPending = false
	}

	if s.Problem != nil {
		m.snap.Problem = s.Problem
	}

	m.snap.StartTime = s.StartTime
	if m.snap.StartTime.IsZero() {
		m.snap.StartTime = m.c.Clock.Now()
	}

	m.snap.Duration = s.Duration
	if m.snap.Duration <= 0 {
		m.snap.Duration = m.c.DefaultDuration
	}

	m.countdown.Start(m.snap.Duration)
	m.setStatus(domain.StatusInProgress)
	return nil
}

func (m *Machine) onLeaderboard(_ context.Context, e event.Event) error {
	if m.snap.Status != domain.StatusInProgress {
		m.dropped(e)
		return nil
	}
	m.pushSeen = true

	m.snap.Leaderboard = leaderboard.Rank(e.(domain.EventLeaderboard).Entries)
	return nil
}

func (m *Machine) onSessionEnd(_ context.Context, e event.Event) error {
	// A server end within the timeout grace window overrides the local timeout.
	if m.snap.Status != domain.StatusInProgress && m.snap.Status != domain.StatusTimedOut {
		m.dropped(e)
		return nil
	}
	m.pushSeen = true

	end := e.(domain.EventSessionEnd)
	m.end(end.Winner, end.Detail, end.Leaderboard)
	return nil
}

func (m *Machine) onError(_ context.Context, e event.Event) error {
	msg := e.(domain.EventError).Message
	slog.WarnContext(m.ctx, "session: server reported an error", "session", m.sessionID, "message", msg)

	m.snap.LastError = errors.New(errors.CodeRejected, errors.WithMessagef("%s", msg))
	return nil
}

func (m *Machine) onParticipantJoined(_ context.Context, e event.Event) error {
	if m.snap.Status.Terminal() {
		m.dropped(e)
		return nil
	}

	m.pushSeen = true

	p := e.(domain.EventParticipantJoined).Participant
	if m.participant(p.ID) >= 0 {
		return nil
	}
	p.Host = p.ID == m.snap.Self.ID && m.snap.Self.Host
	m.snap.Participants = append(m.snap.Participants, p)

	m.snap.ParticipantsCount = max(m.snap.ParticipantsCount+1, len(m.snap.Participants))
	m.snap.HasEnoughParticipants = m.snap.ParticipantsCount >= minParticipants
	// A newcomer is not ready yet.
	m.snap.AllReady = false
	return nil
}

func (m *Machine) onParticipantLeft(_ context.Context, e event.Event) error {
	if m.snap.Status.Terminal() {
		m.dropped(e)
		return nil
	}

	m.pushSeen = true

	p := e.(domain.EventParticipantLeft).Participant
	i := m.participant(p.ID)
	if i < 0 {
		m.snap.ParticipantsCount = max(m.snap.ParticipantsCount-1, 0)
	} else {
		if m.snap.Participants[i].Ready {
			m.snap.ReadyCount = max(m.snap.ReadyCount-1, 0)
		}
		m.snap.Participants = slices.Delete(m.snap.Participants, i, i+1)
		m.snap.ParticipantsCount = max(m.snap.ParticipantsCount-1, len(m.snap.Participants))
	}
	m.snap.HasEnoughParticipants = m.snap.ParticipantsCount >= minParticipants
	if !m.snap.HasEnoughParticipants {
		m.snap.AllReady = false
	}
	return nil
}
