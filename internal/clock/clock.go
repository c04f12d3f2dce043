// Package clock provides the logical timestamps stamped on branches, intents
// and events. Ordering never depends on wall-clock time.
package clock

import "sync/atomic"

// Clock is a monotonic logical clock, safe for concurrent use.
type Clock struct {
	tick atomic.Uint64
}

// New creates a clock whose first Next() returns 1.
func New() *Clock {
	return &Clock{}
}

// NewAt creates a clock positioned at start; the next tick is start+1.
func NewAt(start uint64) *Clock {
	c := &Clock{}
	c.tick.Store(start)
	return c
}

// Next advances the clock and returns the new tick. Every call returns a
// unique, strictly increasing value.
func (c *Clock) Next() uint64 {
	return c.tick.Add(1)
}

// Current returns the last issued tick without advancing.
func (c *Clock) Current() uint64 {
	return c.tick.Load()
}
