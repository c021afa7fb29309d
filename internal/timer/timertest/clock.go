// Package timertest provides a manually driven timer.Clock.
package timertest

import (
	"slices"
	"sync"
	"time"

	"github.com/victornm/codeduel/internal/timer"
)

type Clock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*afterFunc
	tickers []*Ticker
}

var _ timer.Clock = (*Clock)(nil)

func New() *Clock {
	return &Clock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) NewTicker(d time.Duration) timer.Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &Ticker{clock: c, ch: make(chan time.Time), stopped: make(chan struct{})}
	c.tickers = append(c.tickers, t)
	return t
}

func (c *Clock) AfterFunc(d time.Duration, f func()) timer.Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()

	a := &afterFunc{clock: c, at: c.now.Add(d), f: f}
	c.pending = append(c.pending, a)
	return a
}

// Advance moves the clock forward and runs, on the calling goroutine, every function due by then.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*afterFunc
	c.pending = slices.DeleteFunc(c.pending, func(a *afterFunc) bool {
		if !a.at.After(c.now) {
			due = append(due, a)
			return true
		}
		return false
	})
	c.mu.Unlock()

	slices.SortStableFunc(due, func(a, b *afterFunc) int { return a.at.Compare(b.at) })
	for _, a := range due {
		a.f()
	}
}

// Pending returns the number of AfterFunc calls not yet fired or stopped.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// LastTicker returns the most recently created ticker, or nil.
func (c *Clock) LastTicker() *Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.tickers) == 0 {
		return nil
	}
	return c.tickers[len(c.tickers)-1]
}

type afterFunc struct {
	clock *Clock
	at    time.Time
	f     func()
}

func (a *afterFunc) Stop() bool {
	a.clock.mu.Lock()
	defer a.clock.mu.Unlock()

	n := len(a.clock.pending)
	a.clock.pending = slices.DeleteFunc(a.clock.pending, func(x *afterFunc) bool { return x == a })
	return len(a.clock.pending) != n
}

// Ticker delivers ticks only when the test asks for them.
type Ticker struct {
	clock    *Clock
	ch       chan time.Time
	stopOnce sync.Once
	stopped  chan struct{}
}

func (t *Ticker) C() <-chan time.Time { return t.ch }

func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stopped) })
}

// Tick blocks until the owner receives one tick, advancing the clock by a second. It returns
// false if the ticker is or becomes stopped first.
func (t *Ticker) Tick() bool {
	select {
	case <-t.stopped:
		return false
	default:
	}

	t.clock.mu.Lock()
	t.clock.now = t.clock.now.Add(time.Second)
	now := t.clock.now
	t.clock.mu.Unlock()

	select {
	case t.ch <- now:
		return true
	case <-t.stopped:
		return false
	}
}

// TickN delivers up to n ticks and returns how many were received.
func (t *Ticker) TickN(n int) int {
	for i := range n {
		if !t.Tick() {
			return i
		}
	}
	return n
}

func (t *Ticker) Stopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}
