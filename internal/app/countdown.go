package app

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// minTick bounds the display tick from below.
const minTick = 500 * time.Millisecond

type CountdownState int

const (
	CountdownIdle CountdownState = iota
	CountdownRunning
	CountdownExpired
)

func (s CountdownState) String() string {
	switch s {
	case CountdownRunning:
		return "running"
	case CountdownExpired:
		return "expired"
	default:
		return "idle"
	}
}

// Countdown ticks towards a skew-corrected deadline and fires onExpire once
// per round. Every tick compares its generation with the current one, so a
// tick delivered after Stop or a restart is discarded.
type Countdown struct {
	clock    clockwork.Clock
	skew     *SkewCorrector
	interval time.Duration
	maxSec   int
	onTick   func(roundID string, remainingSec int)
	onExpire func(roundID string)

	mu         sync.Mutex
	state      CountdownState
	gen        uint64
	roundID    string
	deadlineMs int64
	remaining  int
	stop       chan struct{}
}

func NewCountdown(clock clockwork.Clock, skew *SkewCorrector, interval, nominal time.Duration, onTick func(string, int), onExpire func(string)) *Countdown {
	if interval < minTick {
		interval = minTick
	}
	if onTick == nil {
		onTick = func(string, int) {}
	}
	if onExpire == nil {
		onExpire = func(string) {}
	}
	return &Countdown{
		clock:    clock,
		skew:     skew,
		interval: interval,
		maxSec:   int(nominal / time.Second),
		onTick:   onTick,
		onExpire: onExpire,
	}
}

// Start cancels any running countdown and begins a new one. It never calls
// the callbacks synchronously.
func (c *Countdown) Start(roundID string, deadlineMs int64) {
	c.mu.Lock()
	c.stopLocked()
	c.gen++
	gen := c.gen
	c.state = CountdownRunning
	c.roundID = roundID
	c.deadlineMs = deadlineMs
	c.remaining = c.remainingLocked()
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	go c.run(gen, c.clock.NewTicker(c.interval), stop)
}

// Stop cancels the countdown; it is safe to call repeatedly.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.gen++
	if c.state == CountdownRunning {
		c.state = CountdownIdle
	}
}

func (c *Countdown) stopLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *Countdown) State() CountdownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Remaining returns whole seconds left as of the last tick.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

func (c *Countdown) run(gen uint64, ticker clockwork.Ticker, stop <-chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if !c.tick(gen) {
				return
			}
		}
	}
}

// tick reports whether the loop should keep running.
func (c *Countdown) tick(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen || c.state != CountdownRunning {
		c.mu.Unlock()
		return false
	}
	remaining := c.remainingLocked()
	c.remaining = remaining
	expired := remaining == 0
	if expired {
		c.state = CountdownExpired
	}
	roundID := c.roundID
	c.mu.Unlock()

	c.onTick(roundID, remaining)
	if expired {
		c.onExpire(roundID)
		return false
	}
	return true
}

func (c *Countdown) remainingLocked() int {
	left := c.skew.Remaining(c.deadlineMs)
	sec := int(left / time.Second)
	if left < 0 {
		sec = 0
	}
	if sec > c.maxSec {
		sec = c.maxSec
	}
	return sec
}
