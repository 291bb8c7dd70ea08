package guest

import (
	"sync"
	"sync/atomic"

	"github.com/avisi-group/brig-dbt/internal/dbt/device"
)

// Clock is the process-wide guest time source, advanced once per host
// timer tick. Tickable devices whose interval has elapsed since their
// last delivery receive a tick before the scheduler runs.
type Clock struct {
	now atomic.Uint64 // nanoseconds

	mu       sync.Mutex
	lastTick map[device.Tickable]uint64
}

// NewClock returns a Clock at time zero.
func NewClock() *Clock {
	return &Clock{lastTick: make(map[device.Tickable]uint64)}
}

// Now returns the current guest time in nanoseconds.
func (c *Clock) Now() uint64 { return c.now.Load() }

// Advance moves time forward by delta nanoseconds and delivers ticks to
// every registered tickable whose interval has elapsed.
func (c *Clock) Advance(delta uint64, tickables []device.Tickable) {
	now := c.now.Add(delta)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tickables {
		last := c.lastTick[t]
		elapsed := now - last
		if t.Interval() <= elapsed {
			c.lastTick[t] = now
			t.Tick(elapsed)
		}
	}
}
