package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/victornm/codeduel/internal/app"
	"github.com/victornm/codeduel/internal/domain"
	"github.com/victornm/codeduel/internal/errors"
	"github.com/victornm/codeduel/internal/event"
	"github.com/victornm/codeduel/internal/leaderboard"
	"github.com/victornm/codeduel/internal/rest"
	"github.com/victornm/codeduel/internal/session"
)

const commandTimeout = 30 * time.Second

// console is a line-oriented driver for one session at a time.
type console struct {
	a *app.App

	mu  sync.Mutex
	out io.Writer

	m     *session.Machine
	unsub []func()
}

func newConsole(a *app.App, out io.Writer) *console {
	return &console{a: a, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) help() {
	c.printf(`commands:
  create <title> [duration_seconds] [max_participants]
  join <session_id> [access_code]
  open <session_id> [host]
  ready | start | leave | status | board | problems
  submit <language> <file>
  quit`)
}

// exec runs one line and reports whether the console should keep reading.
func (c *console) exec(line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd, args := args[0], args[1:]; cmd {
	case "quit", "exit":
		return false
	case "help":
		c.help()
	case "create":
		err = c.create(ctx, args)
	case "join":
		err = c.join(ctx, args)
	case "open":
		err = c.open(ctx, args)
	case "ready":
		err = c.withMachine(func(m *session.Machine) error { return m.MarkReady(ctx) })
	case "start":
		err = c.withMachine(func(m *session.Machine) error { return m.Start(ctx) })
	case "submit":
		err = c.submit(ctx, args)
	case "leave":
		err = c.leave(ctx)
	case "status":
		err = c.status(ctx)
	case "board":
		err = c.board(ctx)
	case "problems":
		err = c.problems(ctx)
	default:
		err = fmt.Errorf("unknown command %q, try help", cmd)
	}

	if err != nil {
		c.printf("error: %v", err)
	}
	return true
}

func (c *console) create(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return usage("create <title> [duration_seconds] [max_participants]")
	}

	req := rest.CreateRequest{Title: args[0]}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return usage("duration_seconds must be a number")
		}
		req.DurationSeconds = n
	}
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return usage("max_participants must be a number")
		}
		req.MaxParticipants = n
	}

	s, err := c.a.REST().Create(ctx, req)
	if err != nil {
		return err
	}
	c.printf("created session %s", s.SessionID)

	return c.bind(ctx, s.SessionID, true)
}

func (c *console) join(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return usage("join <session_id> [access_code]")
	}

	var code string
	if len(args) > 1 {
		code = args[1]
	}

	if err := c.a.REST().Join(ctx, args[0], code); err != nil {
		return err
	}

	return c.bind(ctx, args[0], false)
}

func (c *console) open(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return usage("open <session_id> [host]")
	}

	return c.bind(ctx, args[0], len(args) > 1 && args[1] == "host")
}

func (c *console) bind(ctx context.Context, sessionID string, host bool) error {
	c.release()

	self := c.a.Self()
	self.Host = host

	m, err := c.a.Sessions().Acquire(ctx, sessionID, self)
	if err != nil {
		return err
	}

	c.m = m
	c.watch(m)
	c.printf("bound to session %s as %s", sessionID, self.DisplayName)
	return nil
}

func (c *console) watch(m *session.Machine) {
	on := func(name string, f func(e event.Event)) {
		c.unsub = append(c.unsub, m.Subscribe(name, func(_ context.Context, e event.Event) error {
			f(e)
			return nil
		}))
	}

	on(domain.EventNameStatusChanged, func(e event.Event) {
		s := e.(domain.EventStatusChanged)
		c.printf("status: %s -> %s", s.From, s.To)
	})
	on(domain.EventNameReady, func(e event.Event) {
		r := e.(domain.EventReady)
		who := "someone"
		if r.Participant != nil {
			who = r.Participant.DisplayName
		}
		c.printf("ready: %s (%d ready, all ready: %t)", who, r.ReadyCount, r.AllReady)
	})
	on(domain.EventNameParticipantJoined, func(e event.Event) {
		c.printf("joined: %s", e.(domain.EventParticipantJoined).Participant.DisplayName)
	})
	on(domain.EventNameParticipantLeft, func(e event.Event) {
		c.printf("left: %s", e.(domain.EventParticipantLeft).Participant.DisplayName)
	})
	on(domain.EventNameStart, func(e event.Event) {
		s := e.(domain.EventStart)
		if s.Problem != nil {
			c.printf("started: problem %s %q", s.Problem.ID, s.Problem.Title)
			return
		}
		c.printf("started")
	})
	on(domain.EventNameTick, func(e event.Event) {
		left := e.(domain.EventTick).RemainingSeconds
		if left%60 == 0 || left <= 10 {
			c.printf("time left: %02d:%02d", left/60, left%60)
		}
	})
	on(domain.EventNameLeaderboard, func(e event.Event) {
		c.printEntries(leaderboard.Rank(e.(domain.EventLeaderboard).Entries))
	})
	on(domain.EventNameSessionEnd, func(e event.Event) {
		s := e.(domain.EventSessionEnd)
		c.printf("session ended, winner: %s %s", s.Winner, s.Detail)
	})
	on(domain.EventNameError, func(e event.Event) {
		c.printf("server error: %s", e.(domain.EventError).Message)
	})
	on(domain.EventNameCommandFailed, func(e event.Event) {
		f := e.(domain.EventCommandFailed)
		c.printf("%s failed: %v", f.Command, f.Err)
	})
	on(domain.EventNameDisconnected, func(e event.Event) {
		c.printf("channel lost: %v", e.(domain.EventDisconnected).Err)
	})
}

func (c *console) withMachine(fn func(m *session.Machine) error) error {
	if c.m == nil {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no session, create, join or open one first"))
	}
	return fn(c.m)
}

func (c *console) submit(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return usage("submit <language> <file>")
	}

	return c.withMachine(func(m *session.Machine) error {
		code, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[1], err)
		}

		s, err := m.Snapshot(ctx)
		if err != nil {
			return err
		}
		if s.Problem == nil {
			return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("no problem assigned yet"))
		}

		res, err := m.Submit(ctx, domain.Submission{
			ProblemID: s.Problem.ID,
			Code:      string(code),
			Language:  args[0],
		})
		if err != nil {
			return err
		}

		c.printf("submission %s: %s (%s)", res.SubmissionID, res.Status, res.ExecutionTime)
		for _, t := range res.Tests {
			c.printf("  test %d: %s", t.TestCase, t.Status)
		}
		if res.SessionEnded {
			c.printf("you won")
		}
		return nil
	})
}

func (c *console) leave(ctx context.Context) error {
	return c.withMachine(func(m *session.Machine) error {
		err := m.Leave(ctx)
		c.release()
		return err
	})
}

func (c *console) status(ctx context.Context) error {
	return c.withMachine(func(m *session.Machine) error {
		s, err := m.Snapshot(ctx)
		if err != nil {
			return err
		}

		c.printf("session %s: %s", s.SessionID, s.Status)
		c.printf("  participants: %d, ready: %d, all ready: %t, can start: %t", s.ParticipantsCount, s.ReadyCount, s.AllReady, s.CanStart())
		for _, p := range s.Participants {
			c.printf("  - %s ready=%t host=%t", p.DisplayName, p.Ready, p.Host)
		}
		if s.Problem != nil {
			c.printf("  problem: %s %q", s.Problem.ID, s.Problem.Title)
		}
		if s.Status == domain.StatusInProgress {
			c.printf("  time left: %02d:%02d", s.RemainingSeconds/60, s.RemainingSeconds%60)
		}
		if s.Winner != "" {
			c.printf("  winner: %s", s.Winner)
		}
		if s.LastError != nil {
			c.printf("  last error: %v", s.LastError)
		}
		return nil
	})
}

func (c *console) board(ctx context.Context) error {
	return c.withMachine(func(m *session.Machine) error {
		s, err := m.Snapshot(ctx)
		if err != nil {
			return err
		}
		if len(s.Leaderboard) == 0 {
			c.printf("no standings yet")
			return nil
		}
		c.printEntries(s.Leaderboard)
		return nil
	})
}

func (c *console) problems(ctx context.Context) error {
	return c.withMachine(func(m *session.Machine) error {
		s, err := m.Snapshot(ctx)
		if err != nil {
			return err
		}

		ps, err := c.a.REST().Problems(ctx, s.SessionID)
		if err != nil {
			return err
		}
		for _, p := range ps {
			c.printf("%s %q (%.1fs, %dMB)", p.ID, p.Title, p.TimeLimit, p.MemoryLimit)
		}
		return nil
	})
}

func (c *console) printEntries(entries []domain.LeaderboardEntry) {
	for _, e := range entries {
		c.printf("%2d. %-16s solved=%d time=%s score=%s", e.Rank, e.Username, e.ProblemsSolved, e.FormattedTime(), e.Score)
	}
}

func (c *console) release() {
	for _, u := range c.unsub {
		u()
	}
	c.unsub = nil

	if c.m != nil {
		c.a.Sessions().Release(c.m)
		c.m = nil
	}
}

func (c *console) close() {
	c.release()
}

func usage(s string) error {
	return fmt.Errorf("usage: %s", s)
}
