// Package intent implements the intent ledger: the front through which
// submitters register opaque swap or lending requests and an executor marks
// them executed or cancelled.
//
// Every submission registers a companion branch with the settlement engine.
// The ledger's terminal flags and the branch state are tracked independently:
// executing or cancelling an intent never inspects or changes its branch.
package intent

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmerrifield20/nonceledger/internal/clock"
	"github.com/jmerrifield20/nonceledger/internal/counter"
	"github.com/jmerrifield20/nonceledger/internal/digest"
	"github.com/jmerrifield20/nonceledger/internal/events"
	"github.com/jmerrifield20/nonceledger/internal/identity"
	"github.com/jmerrifield20/nonceledger/internal/reward"
	"github.com/jmerrifield20/nonceledger/internal/settlement"
	"go.uber.org/zap"
)

// Counter names used for the ledger aggregates.
const (
	VolumeCounterName = "intent_volume"
	CountCounterName  = "intent_count"
)

// BranchCreator is the part of the settlement engine the ledger depends on.
type BranchCreator interface {
	CreateBranch(ctx context.Context, caller, account identity.Address, nonce uint64, payload digest.Digest) (settlement.Branch, error)
}

// RewardNotifier receives a credit for every successful execution.
type RewardNotifier interface {
	NotifyReward(ctx context.Context, c reward.Credit) error
}

// Config names the identities the ledger acts with.
type Config struct {
	// Identity is the ledger's own address. It owns the aggregate counters and
	// must be an authorized caller of the settlement engine.
	Identity identity.Address
	// Executor is the relayer allowed to execute and cancel intents.
	Executor identity.Address
	// Admin may rotate the executor.
	Admin identity.Address
}

// Ledger tracks intents and their aggregate metrics.
type Ledger struct {
	self    identity.Address
	admin   identity.Address
	engine  BranchCreator
	volume  *counter.Counter
	count   *counter.Counter
	clock   *clock.Clock
	emit    events.Emitter
	rewards RewardNotifier
	logger  *zap.Logger

	mu       sync.RWMutex
	executor identity.Address
	intents  map[digest.Digest]*Intent
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock shares a logical clock with other components.
func WithClock(c *clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithEmitter sets the event log the ledger and its counters append to.
func WithEmitter(em events.Emitter) Option {
	return func(l *Ledger) { l.emit = em }
}

// WithRewardNotifier configures the reward collaborator.
func WithRewardNotifier(n RewardNotifier) Option {
	return func(l *Ledger) { l.rewards = n }
}

// New creates a Ledger that registers branches with engine.
func New(cfg Config, engine BranchCreator, logger *zap.Logger, opts ...Option) (*Ledger, error) {
	for name, addr := range map[string]identity.Address{
		"identity": cfg.Identity,
		"executor": cfg.Executor,
		"admin":    cfg.Admin,
	} {
		if !addr.Valid() {
			return nil, fmt.Errorf("%w: %s %q", ErrInvalidIdentity, name, addr)
		}
	}

	l := &Ledger{
		self:     cfg.Identity,
		admin:    cfg.Admin,
		executor: cfg.Executor,
		engine:   engine,
		clock:    clock.New(),
		emit:     events.Discard,
		logger:   logger,
		intents:  make(map[digest.Digest]*Intent),
	}
	for _, opt := range opts {
		opt(l)
	}

	var err error
	if l.volume, err = counter.New(VolumeCounterName, l.self, l.emit); err != nil {
		return nil, fmt.Errorf("volume counter: %w", err)
	}
	if l.count, err = counter.New(CountCounterName, l.self, l.emit); err != nil {
		return nil, fmt.Errorf("count counter: %w", err)
	}
	return l, nil
}

// SetRewardNotifier replaces the reward collaborator. nil disables rewards.
func (l *Ledger) SetRewardNotifier(n RewardNotifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rewards = n
}

// Identity returns the ledger's own address.
func (l *Ledger) Identity() identity.Address { return l.self }

// Executor returns the current executor.
func (l *Ledger) Executor() identity.Address {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.executor
}

// SetExecutor rotates the executor role. Only the administrator may call it.
func (l *Ledger) SetExecutor(_ context.Context, caller, next identity.Address) error {
	if caller != l.admin {
		return fmt.Errorf("%w: %s", ErrNotAdmin, caller)
	}
	if !next.Valid() {
		return fmt.Errorf("%w: executor %q", ErrInvalidIdentity, next)
	}

	l.mu.Lock()
	prev := l.executor
	l.executor = next
	l.emit.Emit(events.ExecutorChanged{Previous: prev, Next: next})
	l.mu.Unlock()

	l.logger.Info("executor rotated",
		zap.String("previous", prev.String()),
		zap.String("next", next.String()),
	)
	return nil
}

// Submit registers an intent and its companion branch and returns the intent
// id. A duplicate (submitter, nonce) is rejected by the settlement engine with
// settlement.ErrInvalidNonce before anything is stored.
func (l *Ledger) Submit(ctx context.Context, submitter identity.Address, payload []byte, nonce uint64) (digest.Digest, error) {
	id := digest.IntentID(submitter, nonce, payload)

	// The branch is created first. Until the intent is inserted below, the
	// branch is visible through the engine while GetIntent still reports
	// ErrIntentNotFound.
	if _, err := l.engine.CreateBranch(ctx, l.self, submitter, nonce, digest.Of(payload)); err != nil {
		return digest.Digest{}, fmt.Errorf("create branch: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.intents[id]; exists {
		// Unreachable while the engine rejects duplicate nonces.
		return digest.Digest{}, fmt.Errorf("%w: %s", settlement.ErrInvalidNonce, id)
	}
	in := &Intent{
		ID:          id,
		Submitter:   submitter,
		Payload:     append([]byte{}, payload...),
		SubmittedAt: l.clock.Next(),
		AsyncNonce:  nonce,
	}
	l.intents[id] = in
	l.emit.Emit(events.IntentSubmitted{
		Submitter:   submitter,
		ID:          id,
		Nonce:       nonce,
		SubmittedAt: in.SubmittedAt,
	})

	l.logger.Debug("intent submitted",
		zap.String("id", id.Hex()),
		zap.String("submitter", submitter.String()),
		zap.Uint64("nonce", nonce),
	)
	return id, nil
}

// GetIntent returns a copy of the intent with the given id.
func (l *Ledger) GetIntent(id digest.Digest) (Intent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	in, ok := l.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	return in.copy(), nil
}

// AggregateMetrics reads the volume and count counters.
func (l *Ledger) AggregateMetrics() Metrics {
	return Metrics{TotalVolume: l.volume.Current(), TotalCount: l.count.Current()}
}

// Execute marks the intent executed and adds volume to the aggregates.
func (l *Ledger) Execute(ctx context.Context, caller identity.Address, id digest.Digest, volume uint64) (Intent, error) {
	l.mu.Lock()
	if caller != l.executor {
		l.mu.Unlock()
		return Intent{}, fmt.Errorf("%w: %s", ErrNotExecutor, caller)
	}
	in, err := l.openIntent(id)
	if err == nil {
		err = l.checkHeadroom(volume, 1)
	}
	if err != nil {
		l.mu.Unlock()
		return Intent{}, err
	}

	credit := l.applyExecute(in, volume, caller)
	out := in.copy()
	notifier := l.rewards
	l.mu.Unlock()

	l.notify(ctx, notifier, credit)
	return out, nil
}

// BatchExecute executes every (ids[i], volumes[i]) pair. Either all pairs
// succeed or nothing changes.
func (l *Ledger) BatchExecute(ctx context.Context, caller identity.Address, ids []digest.Digest, volumes []uint64) (BatchResult, error) {
	if len(ids) == 0 || len(ids) != len(volumes) {
		return BatchResult{}, fmt.Errorf("%w: %d ids, %d volumes", ErrInvalidBatchSize, len(ids), len(volumes))
	}

	l.mu.Lock()
	if caller != l.executor {
		l.mu.Unlock()
		return BatchResult{}, fmt.Errorf("%w: %s", ErrNotExecutor, caller)
	}

	batch := make([]*Intent, len(ids))
	seen := make(map[digest.Digest]bool, len(ids))
	var total uint64
	for i, id := range ids {
		in, err := l.openIntent(id)
		if err == nil && seen[id] {
			err = fmt.Errorf("%w: %s repeated in batch", ErrIntentAlreadyProcessed, id)
		}
		if err == nil && volumes[i] > counter.Max-total {
			err = fmt.Errorf("%w: batch volume", counter.ErrOverflow)
		}
		if err != nil {
			l.mu.Unlock()
			return BatchResult{}, fmt.Errorf("batch item %d: %w", i, err)
		}
		seen[id] = true
		batch[i] = in
		total += volumes[i]
	}
	if err := l.checkHeadroom(total, uint64(len(ids))); err != nil {
		l.mu.Unlock()
		return BatchResult{}, err
	}

	credits := make([]reward.Credit, len(batch))
	for i, in := range batch {
		credits[i] = l.applyExecute(in, volumes[i], caller)
	}
	res := BatchResult{Count: uint64(len(batch)), TotalVolume: total, ExecutedAt: l.clock.Next()}
	l.emit.Emit(events.IntentBatchExecuted{Count: res.Count, TotalVolume: res.TotalVolume, ExecutedAt: res.ExecutedAt})
	notifier := l.rewards
	l.mu.Unlock()

	for _, c := range credits {
		l.notify(ctx, notifier, c)
	}
	l.logger.Info("intent batch executed", zap.Uint64("count", res.Count), zap.Uint64("volume", res.TotalVolume))
	return res, nil
}

// Cancel marks the intent cancelled. Counters and branch state are untouched.
func (l *Ledger) Cancel(_ context.Context, caller identity.Address, id digest.Digest) (Intent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if caller != l.executor {
		return Intent{}, fmt.Errorf("%w: %s", ErrNotExecutor, caller)
	}
	in, err := l.openIntent(id)
	if err != nil {
		return Intent{}, err
	}
	in.Cancelled = true
	in.ClosedAt = l.clock.Next()
	l.emit.Emit(events.IntentCancelled{ID: id, CancelledAt: in.ClosedAt})
	return in.copy(), nil
}

// openIntent returns the intent if it exists and is not processed.
// l.mu must be held.
func (l *Ledger) openIntent(id digest.Digest) (*Intent, error) {
	in, ok := l.intents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, id)
	}
	if in.Processed() {
		return nil, fmt.Errorf("%w: %s", ErrIntentAlreadyProcessed, id)
	}
	return in, nil
}

// checkHeadroom fails if adding volume and n executions would overflow either
// aggregate. Only the ledger writes its counters, so holding l.mu makes the
// check stable until the increments below it. l.mu must be held.
func (l *Ledger) checkHeadroom(volume, n uint64) error {
	if volume > counter.Max-l.volume.Current() {
		return fmt.Errorf("%w: %s", counter.ErrOverflow, VolumeCounterName)
	}
	if n > counter.Max-l.count.Current() {
		return fmt.Errorf("%w: %s", counter.ErrOverflow, CountCounterName)
	}
	return nil
}

// applyExecute performs a validated execution. l.mu must be held.
func (l *Ledger) applyExecute(in *Intent, volume uint64, executor identity.Address) reward.Credit {
	if _, err := l.volume.Increment(l.self, volume); err != nil {
		l.logger.Error("volume counter rejected validated increment", zap.Error(err))
	}
	if _, err := l.count.Increment(l.self, 1); err != nil {
		l.logger.Error("count counter rejected validated increment", zap.Error(err))
	}

	in.Executed = true
	in.Volume = volume
	in.ClosedAt = l.clock.Next()
	l.emit.Emit(events.IntentExecuted{ID: in.ID, ExecutedAt: in.ClosedAt})

	credit := reward.Credit{Executor: executor, IntentID: in.ID, Volume: volume}
	if l.rewards != nil {
		l.emit.Emit(events.RewardCredited{Executor: executor, ID: in.ID, Volume: volume})
	}
	return credit
}

func (l *Ledger) notify(ctx context.Context, n RewardNotifier, c reward.Credit) {
	if n == nil {
		return
	}
	if err := n.NotifyReward(ctx, c); err != nil {
		l.logger.Warn("reward notification failed",
			zap.String("intent_id", c.IntentID.Hex()),
			zap.Error(err),
		)
	}
}

func (in *Intent) copy() Intent {
	out := *in
	out.Payload = append([]byte{}, in.Payload...)
	return out
}
