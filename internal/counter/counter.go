// Package counter implements owner-gated aggregate counters.
//
// A Counter holds a single uint64 that only its current owner may mutate.
// Callers create one Counter per metric: callers touching different metrics
// never contend, while callers touching the same metric serialize on that
// counter's lock.
package counter

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/jmerrifield20/nonceledger/internal/events"
	"github.com/jmerrifield20/nonceledger/internal/identity"
)

// Max is the largest value a Counter can hold.
const Max uint64 = math.MaxUint64

// Sentinel errors returned by Counter mutators.
var (
	ErrUnauthorized = errors.New("caller is not the counter owner")
	ErrOverflow     = errors.New("counter overflow")
	ErrUnderflow    = errors.New("counter underflow")
	ErrInvalidOwner = errors.New("invalid counter owner")
)

// Counter is a non-negative accumulator with a single authorized writer.
type Counter struct {
	name string
	emit events.Emitter

	mu    sync.Mutex
	value uint64
	owner identity.Address
}

// New creates a zero-valued Counter owned by owner. A nil emitter discards events.
func New(name string, owner identity.Address, emit events.Emitter) (*Counter, error) {
	if !owner.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOwner, owner)
	}
	if emit == nil {
		emit = events.Discard
	}
	return &Counter{name: name, owner: owner, emit: emit}, nil
}

// Name returns the metric name the counter was created with.
func (c *Counter) Name() string { return c.name }

// Increment adds delta and returns the new value.
func (c *Counter) Increment(caller identity.Address, delta uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.owner {
		return c.value, ErrUnauthorized
	}
	if delta > Max-c.value {
		return c.value, fmt.Errorf("%w: %d + %d", ErrOverflow, c.value, delta)
	}
	c.value += delta
	c.emit.Emit(events.CounterIncremented{Counter: c.name, NewValue: c.value, Delta: delta})
	return c.value, nil
}

// Decrement subtracts delta and returns the new value.
func (c *Counter) Decrement(caller identity.Address, delta uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.owner {
		return c.value, ErrUnauthorized
	}
	if delta > c.value {
		return c.value, fmt.Errorf("%w: %d - %d", ErrUnderflow, c.value, delta)
	}
	c.value -= delta
	c.emit.Emit(events.CounterDecremented{Counter: c.name, NewValue: c.value, Delta: delta})
	return c.value, nil
}

// Set overwrites the value unconditionally. It is an administrative override.
func (c *Counter) Set(caller identity.Address, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.owner {
		return ErrUnauthorized
	}
	c.value = value
	c.emit.Emit(events.CounterSet{Counter: c.name, Value: value})
	return nil
}

// Reset sets the value to zero and returns the value it held before.
func (c *Counter) Reset(caller identity.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.owner {
		return c.value, ErrUnauthorized
	}
	prev := c.value
	c.value = 0
	c.emit.Emit(events.CounterReset{Counter: c.name, Previous: prev})
	return prev, nil
}

// TransferOwnership hands the writer role to newOwner. The previous owner
// loses all mutation rights immediately.
func (c *Counter) TransferOwnership(caller, newOwner identity.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if caller != c.owner {
		return ErrUnauthorized
	}
	if !newOwner.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOwner, newOwner)
	}
	prev := c.owner
	c.owner = newOwner
	c.emit.Emit(events.CounterOwnerChanged{Counter: c.name, PreviousOwner: prev, NewOwner: newOwner})
	return nil
}

// Current returns the value. It has no side effects and may be called by anyone.
func (c *Counter) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Owner returns the identity currently allowed to mutate the counter.
func (c *Counter) Owner() identity.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}
