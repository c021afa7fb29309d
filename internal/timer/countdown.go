package timer

import "time"

// State is a copy of a countdown's progress.
type State struct {
	Duration  int
	Remaining int
	Running   bool
	StartedAt time.Time
}

// Countdown is a per-second match clock. It is not safe for concurrent use; the owning
// session goroutine drives it by selecting on C and calling Tick.
type Countdown struct {
	clock     Clock
	ticker    Ticker
	duration  int
	remaining int
	startedAt time.Time
}

func NewCountdown(c Clock) *Countdown {
	if c == nil {
		c = Real
	}
	return &Countdown{clock: c}
}

// Start (re)arms the countdown with d, rounded down to whole seconds.
func (c *Countdown) Start(d time.Duration) {
	c.Stop()

	secs := max(int(d/time.Second), 0)
	c.duration = secs
	c.remaining = secs
	c.startedAt = c.clock.Now()
	c.ticker = c.clock.NewTicker(time.Second)
}

// Stop releases the ticker. Remaining time is kept for display.
func (c *Countdown) Stop() {
	if c.ticker == nil {
		return
	}
	c.ticker.Stop()
	c.ticker = nil
}

// C delivers one value per second while running. It is nil when stopped, so selecting on it blocks forever.
func (c *Countdown) C() <-chan time.Time {
	if c.ticker == nil {
		return nil
	}
	return c.ticker.C()
}

// Tick consumes one second. expired is true exactly once, on the tick that reaches zero; the
// countdown stops itself at that point.
func (c *Countdown) Tick() (remaining int, expired bool) {
	if c.ticker == nil {
		return c.remaining, false
	}

	c.remaining = min(max(c.remaining-1, 0), c.duration)
	if c.remaining == 0 {
		c.Stop()
		return 0, true
	}

	return c.remaining, false
}

func (c *Countdown) Running() bool {
	return c.ticker != nil
}

func (c *Countdown) State() State {
	return State{
		Duration:  c.duration,
		Remaining: c.remaining,
		Running:   c.ticker != nil,
		StartedAt: c.startedAt,
	}
}
