package intent_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jmerrifield20/nonceledger/internal/counter"
	"github.com/jmerrifield20/nonceledger/internal/digest"
	"github.com/jmerrifield20/nonceledger/internal/events"
	"github.com/jmerrifield20/nonceledger/internal/identity"
	"github.com/jmerrifield20/nonceledger/internal/intent"
	"github.com/jmerrifield20/nonceledger/internal/reward"
	"github.com/jmerrifield20/nonceledger/internal/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var ctx = context.Background()

const (
	admin    = identity.Address("0xadmin")
	self     = identity.Address("0xledger")
	executor = identity.Address("0xexecutor")
	user     = identity.Address("0xuser")
	stranger = identity.Address("0xstranger")
)

// stubNotifier records every credit it receives.
type stubNotifier struct {
	mu      sync.Mutex
	credits []reward.Credit
	err     error
}

func (s *stubNotifier) NotifyReward(_ context.Context, c reward.Credit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credits = append(s.credits, c)
	return s.err
}

type fixture struct {
	engine *settlement.Engine
	ledger *intent.Ledger
	log    *events.Log
}

func newFixture(t *testing.T, opts ...intent.Option) *fixture {
	t.Helper()
	log := events.NewLog(zap.NewNop())
	engine, err := settlement.New(admin, zap.NewNop(), settlement.WithEmitter(log))
	require.NoError(t, err)
	require.NoError(t, engine.SetAuthorizedCaller(ctx, admin, self, true))

	opts = append([]intent.Option{intent.WithEmitter(log)}, opts...)
	ledger, err := intent.New(intent.Config{Identity: self, Executor: executor, Admin: admin}, engine, zap.NewNop(), opts...)
	require.NoError(t, err)
	return &fixture{engine: engine, ledger: ledger, log: log}
}

func (f *fixture) submit(t *testing.T, nonce uint64) digest.Digest {
	t.Helper()
	id, err := f.ledger.Submit(ctx, user, []byte(fmt.Sprintf("swap-%d", nonce)), nonce)
	require.NoError(t, err)
	return id
}

func kinds(log *events.Log) []events.Kind {
	var out []events.Kind
	recs, _ := log.Records(0, 0)
	for _, rec := range recs {
		out = append(out, rec.Kind)
	}
	return out
}

func TestNew_exposesRoleHolders(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, self, f.ledger.Identity())
	assert.Equal(t, executor, f.ledger.Executor())
}

func TestNew_rejectsNullIdentities(t *testing.T) {
	_, err := intent.New(intent.Config{Identity: self, Executor: "", Admin: admin}, nil, zap.NewNop())
	assert.ErrorIs(t, err, intent.ErrInvalidIdentity)
}

func TestSubmit_deterministicIDAndBranch(t *testing.T) {
	f := newFixture(t)
	payload := []byte("P")

	id, err := f.ledger.Submit(ctx, user, payload, 5)
	require.NoError(t, err)
	assert.Equal(t, digest.IntentID(user, 5, payload), id)

	in, err := f.ledger.GetIntent(id)
	require.NoError(t, err)
	assert.Equal(t, user, in.Submitter)
	assert.Equal(t, uint64(5), in.AsyncNonce)
	assert.Equal(t, payload, in.Payload)
	assert.False(t, in.Processed())

	b, ok := f.engine.Branch(user, 5)
	require.True(t, ok)
	assert.Equal(t, settlement.StatePending, b.State)
	assert.Equal(t, digest.Of(payload), b.PayloadDigest)
}

func TestSubmit_duplicateRejectedAtBranchLayer(t *testing.T) {
	f := newFixture(t)
	payload := []byte("P")

	_, err := f.ledger.Submit(ctx, user, payload, 5)
	require.NoError(t, err)
	before := f.log.Len()

	_, err = f.ledger.Submit(ctx, user, payload, 5)
	assert.ErrorIs(t, err, settlement.ErrInvalidNonce)
	assert.Equal(t, before, f.log.Len())
}

func TestSubmit_emptyPayload(t *testing.T) {
	f := newFixture(t)
	id, err := f.ledger.Submit(ctx, user, nil, 1)
	require.NoError(t, err)

	in, err := f.ledger.GetIntent(id)
	require.NoError(t, err)
	assert.Empty(t, in.Payload)
}

func TestSubmit_requiresAuthorizedLedger(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.SetAuthorizedCaller(ctx, admin, self, false))

	_, err := f.ledger.Submit(ctx, user, []byte("P"), 1)
	assert.ErrorIs(t, err, settlement.ErrNotAuthorized)
}

func TestSubmit_eventOrder(t *testing.T) {
	f := newFixture(t)
	f.submit(t, 1)

	assert.Equal(t, []events.Kind{
		events.KindAuthorizedCallerSet,
		events.KindBranchCreated,
		events.KindIntentSubmitted,
	}, kinds(f.log))
}

func TestExecute_updatesAggregates(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 1)

	in, err := f.ledger.Execute(ctx, executor, id, 250)
	require.NoError(t, err)
	assert.True(t, in.Executed)
	assert.Equal(t, uint64(250), in.Volume)

	assert.Equal(t, intent.Metrics{TotalVolume: 250, TotalCount: 1}, f.ledger.AggregateMetrics())
}

func TestExecute_twice(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 1)

	_, err := f.ledger.Execute(ctx, executor, id, 10)
	require.NoError(t, err)
	_, err = f.ledger.Execute(ctx, executor, id, 10)
	assert.ErrorIs(t, err, intent.ErrIntentAlreadyProcessed)

	assert.Equal(t, intent.Metrics{TotalVolume: 10, TotalCount: 1}, f.ledger.AggregateMetrics())
}

func TestExecute_notExecutor(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 1)

	_, err := f.ledger.Execute(ctx, user, id, 10)
	assert.ErrorIs(t, err, intent.ErrNotExecutor)

	in, err := f.ledger.GetIntent(id)
	require.NoError(t, err)
	assert.False(t, in.Executed)
}

func TestExecute_unknownIntent(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Execute(ctx, executor, digest.Of([]byte("nope")), 1)
	assert.ErrorIs(t, err, intent.ErrIntentNotFound)
}

func TestExecute_volumeOverflowLeavesIntentOpen(t *testing.T) {
	f := newFixture(t)
	a := f.submit(t, 1)
	b := f.submit(t, 2)

	_, err := f.ledger.Execute(ctx, executor, a, counter.Max)
	require.NoError(t, err)

	_, err = f.ledger.Execute(ctx, executor, b, 1)
	assert.ErrorIs(t, err, counter.ErrOverflow)

	in, err := f.ledger.GetIntent(b)
	require.NoError(t, err)
	assert.False(t, in.Executed)
	assert.Equal(t, uint64(1), f.ledger.AggregateMetrics().TotalCount)
}

func TestExecute_independentOfBranchState(t *testing.T) {
	f := newFixture(t)
	low := f.submit(t, 1)
	f.submit(t, 2)

	_, err := f.engine.Settle(ctx, admin, user, 2)
	require.NoError(t, err)
	require.Equal(t, settlement.StateDiscarded, f.engine.BranchState(user, 1))

	_, err = f.ledger.Execute(ctx, executor, low, 3)
	require.NoError(t, err)
	assert.Equal(t, settlement.StateDiscarded, f.engine.BranchState(user, 1))
}

func TestExecute_rewardNotification(t *testing.T) {
	n := &stubNotifier{}
	f := newFixture(t, intent.WithRewardNotifier(n))
	id := f.submit(t, 1)

	_, err := f.ledger.Execute(ctx, executor, id, 7)
	require.NoError(t, err)

	require.Len(t, n.credits, 1)
	assert.Equal(t, reward.Credit{Executor: executor, IntentID: id, Volume: 7}, n.credits[0])
	assert.Contains(t, kinds(f.log), events.KindRewardCredited)
}

func TestExecute_rewardFailureIsNotFatal(t *testing.T) {
	n := &stubNotifier{err: errors.New("endpoint down")}
	f := newFixture(t, intent.WithRewardNotifier(n))
	id := f.submit(t, 1)

	_, err := f.ledger.Execute(ctx, executor, id, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.ledger.AggregateMetrics().TotalVolume)
}

func TestExecute_noRewardEventWithoutNotifier(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 1)

	_, err := f.ledger.Execute(ctx, executor, id, 7)
	require.NoError(t, err)
	assert.NotContains(t, kinds(f.log), events.KindRewardCredited)
}

func TestBatchExecute(t *testing.T) {
	n := &stubNotifier{}
	f := newFixture(t, intent.WithRewardNotifier(n))
	ids := []digest.Digest{f.submit(t, 1), f.submit(t, 2), f.submit(t, 3)}

	res, err := f.ledger.BatchExecute(ctx, executor, ids, []uint64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Count)
	assert.Equal(t, uint64(6), res.TotalVolume)
	assert.Equal(t, intent.Metrics{TotalVolume: 6, TotalCount: 3}, f.ledger.AggregateMetrics())
	assert.Len(t, n.credits, 3)

	var batches int
	recs, err := f.log.Records(0, 0)
	require.NoError(t, err)
	for _, rec := range recs {
		if b, ok := rec.Payload.(events.IntentBatchExecuted); ok {
			batches++
			assert.Equal(t, uint64(3), b.Count)
			assert.Equal(t, uint64(6), b.TotalVolume)
		}
	}
	assert.Equal(t, 1, batches)
}

func TestBatchExecute_invalidSize(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 1)

	_, err := f.ledger.BatchExecute(ctx, executor, nil, nil)
	assert.ErrorIs(t, err, intent.ErrInvalidBatchSize)

	_, err = f.ledger.BatchExecute(ctx, executor, []digest.Digest{id}, []uint64{1, 2})
	assert.ErrorIs(t, err, intent.ErrInvalidBatchSize)

	in, err := f.ledger.GetIntent(id)
	require.NoError(t, err)
	assert.False(t, in.Executed)
	assert.Zero(t, f.ledger.AggregateMetrics().TotalCount)
}

func TestBatchExecute_atomicOnFailure(t *testing.T) {
	f := newFixture(t)
	a := f.submit(t, 1)
	b := f.submit(t, 2)
	_, err := f.ledger.Cancel(ctx, executor, b)
	require.NoError(t, err)
	before := f.log.Len()

	_, err = f.ledger.BatchExecute(ctx, executor, []digest.Digest{a, b}, []uint64{5, 5})
	assert.ErrorIs(t, err, intent.ErrIntentAlreadyProcessed)

	in, err := f.ledger.GetIntent(a)
	require.NoError(t, err)
	assert.False(t, in.Executed)
	assert.Equal(t, intent.Metrics{}, f.ledger.AggregateMetrics())
	assert.Equal(t, before, f.log.Len())
}

func TestBatchExecute_repeatedIDFails(t *testing.T) {
	f := newFixture(t)
	a := f.submit(t, 1)

	_, err := f.ledger.BatchExecute(ctx, executor, []digest.Digest{a, a}, []uint64{1, 1})
	assert.ErrorIs(t, err, intent.ErrIntentAlreadyProcessed)

	in, err := f.ledger.GetIntent(a)
	require.NoError(t, err)
	assert.False(t, in.Executed)
}

func TestBatchExecute_totalOverflow(t *testing.T) {
	f := newFixture(t)
	a := f.submit(t, 1)
	b := f.submit(t, 2)

	_, err := f.ledger.BatchExecute(ctx, executor, []digest.Digest{a, b}, []uint64{counter.Max, 1})
	assert.ErrorIs(t, err, counter.ErrOverflow)
	assert.Zero(t, f.ledger.AggregateMetrics().TotalVolume)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 1)

	in, err := f.ledger.Cancel(ctx, executor, id)
	require.NoError(t, err)
	assert.True(t, in.Cancelled)
	assert.False(t, in.Executed)

	_, err = f.ledger.Cancel(ctx, executor, id)
	assert.ErrorIs(t, err, intent.ErrIntentAlreadyProcessed)
	_, err = f.ledger.Execute(ctx, executor, id, 1)
	assert.ErrorIs(t, err, intent.ErrIntentAlreadyProcessed)

	assert.Equal(t, intent.Metrics{}, f.ledger.AggregateMetrics())
	assert.Equal(t, settlement.StatePending, f.engine.BranchState(user, 1))
}

func TestCancel_notExecutor(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 1)

	_, err := f.ledger.Cancel(ctx, stranger, id)
	assert.ErrorIs(t, err, intent.ErrNotExecutor)
}

func TestSetExecutor(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, 1)
	const next = identity.Address("0xnext")

	err := f.ledger.SetExecutor(ctx, stranger, next)
	assert.ErrorIs(t, err, intent.ErrNotAdmin)

	err = f.ledger.SetExecutor(ctx, admin, identity.ZeroAddress)
	assert.ErrorIs(t, err, intent.ErrInvalidIdentity)

	require.NoError(t, f.ledger.SetExecutor(ctx, admin, next))
	assert.Equal(t, next, f.ledger.Executor())

	_, err = f.ledger.Execute(ctx, executor, id, 1)
	assert.ErrorIs(t, err, intent.ErrNotExecutor)
	_, err = f.ledger.Execute(ctx, next, id, 1)
	assert.NoError(t, err)
}

func TestExecute_concurrent(t *testing.T) {
	f := newFixture(t)
	const n = 64
	ids := make([]digest.Digest, n)
	for i := range ids {
		ids[i] = f.submit(t, uint64(i+1))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.ledger.Execute(ctx, executor, id, 2)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.ledger.Execute(ctx, executor, id, 2)
		}()
	}
	wg.Wait()

	assert.Equal(t, intent.Metrics{TotalVolume: 2 * n, TotalCount: n}, f.ledger.AggregateMetrics())
}
