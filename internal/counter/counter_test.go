package counter_test

import (
	"sync"
	"testing"

	"github.com/jmerrifield20/nonceledger/internal/counter"
	"github.com/jmerrifield20/nonceledger/internal/events"
	"github.com/jmerrifield20/nonceledger/internal/identity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	owner    = identity.Address("0xowner")
	stranger = identity.Address("0xstranger")
)

func newCounter(t *testing.T) (*counter.Counter, *events.Log) {
	t.Helper()
	log := events.NewLog(zap.NewNop())
	c, err := counter.New("volume", owner, log)
	require.NoError(t, err)
	return c, log
}

func TestNew_rejectsNullOwner(t *testing.T) {
	_, err := counter.New("x", "", nil)
	assert.ErrorIs(t, err, counter.ErrInvalidOwner)

	_, err = counter.New("x", identity.ZeroAddress, nil)
	assert.ErrorIs(t, err, counter.ErrInvalidOwner)
}

func TestIncrement_emitsNewValueAndDelta(t *testing.T) {
	c, log := newCounter(t)

	v, err := c.Increment(owner, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)

	v, err = c.Increment(owner, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), v)

	recs, err := log.Records(0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, events.CounterIncremented{Counter: "volume", NewValue: 10, Delta: 3}, recs[1].Payload)
}

func TestIncrementDecrement_roundTrip(t *testing.T) {
	for _, start := range []uint64{0, 1, 1000, counter.Max - 5} {
		for _, x := range []uint64{0, 1, 5} {
			c, _ := newCounter(t)
			require.NoError(t, c.Set(owner, start))

			_, err := c.Increment(owner, x)
			require.NoError(t, err)
			v, err := c.Decrement(owner, x)
			require.NoError(t, err)
			assert.Equal(t, start, v, "start=%d x=%d", start, x)
		}
	}
}

func TestIncrement_overflowLeavesValue(t *testing.T) {
	c, _ := newCounter(t)
	require.NoError(t, c.Set(owner, counter.Max))

	_, err := c.Increment(owner, 1)
	assert.ErrorIs(t, err, counter.ErrOverflow)
	assert.Equal(t, counter.Max, c.Current())
}

func TestDecrement_underflowLeavesValue(t *testing.T) {
	c, log := newCounter(t)
	_, err := c.Increment(owner, 4)
	require.NoError(t, err)
	before := log.Len()

	_, err = c.Decrement(owner, 5)
	assert.ErrorIs(t, err, counter.ErrUnderflow)
	assert.Equal(t, uint64(4), c.Current())
	assert.Equal(t, before, log.Len(), "failed call must not emit")
}

func TestReset_returnsPrevious(t *testing.T) {
	c, log := newCounter(t)
	_, err := c.Increment(owner, 42)
	require.NoError(t, err)

	prev, err := c.Reset(owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), prev)
	assert.Equal(t, uint64(0), c.Current())

	recs, err := log.Records(0, 0)
	require.NoError(t, err)
	assert.Equal(t, events.CounterReset{Counter: "volume", Previous: 42}, recs[len(recs)-1].Payload)
}

func TestNonOwner_everyMutatorFails(t *testing.T) {
	c, log := newCounter(t)
	_, err := c.Increment(owner, 9)
	require.NoError(t, err)
	before := log.Len()

	_, err = c.Increment(stranger, 1)
	assert.ErrorIs(t, err, counter.ErrUnauthorized)
	_, err = c.Decrement(stranger, 1)
	assert.ErrorIs(t, err, counter.ErrUnauthorized)
	assert.ErrorIs(t, c.Set(stranger, 100), counter.ErrUnauthorized)
	_, err = c.Reset(stranger)
	assert.ErrorIs(t, err, counter.ErrUnauthorized)
	assert.ErrorIs(t, c.TransferOwnership(stranger, stranger), counter.ErrUnauthorized)

	assert.Equal(t, uint64(9), c.Current())
	assert.Equal(t, owner, c.Owner())
	assert.Equal(t, before, log.Len())
}

func TestTransferOwnership(t *testing.T) {
	c, _ := newCounter(t)
	next := identity.Address("0xnext")

	require.NoError(t, c.TransferOwnership(owner, next))
	assert.Equal(t, next, c.Owner())

	_, err := c.Increment(owner, 1)
	assert.ErrorIs(t, err, counter.ErrUnauthorized, "old owner must lose rights")

	v, err := c.Increment(next, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestTransferOwnership_rejectsInvalidTarget(t *testing.T) {
	c, _ := newCounter(t)

	assert.ErrorIs(t, c.TransferOwnership(owner, ""), counter.ErrInvalidOwner)
	assert.ErrorIs(t, c.TransferOwnership(owner, identity.ZeroAddress), counter.ErrInvalidOwner)
	assert.Equal(t, owner, c.Owner())
}

func TestIncrement_concurrentSameCounter(t *testing.T) {
	c, _ := newCounter(t)
	const goroutines, perGoroutine = 32, 250

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				_, _ = c.Increment(owner, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(goroutines*perGoroutine), c.Current())
}
