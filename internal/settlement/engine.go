// Package settlement implements the speculative nonce settlement engine.
//
// Each account owns an independent nonce index: the last settled nonce and the
// set of branches proposed above it. Any number of branches may be Pending at
// once; a settlement picks exactly one of them, marks it Settled, and discards
// every other Pending branch at or below the chosen nonce. Branches above the
// chosen nonce are untouched, whatever order they were submitted in.
//
// Account indexes live in an arena keyed by address. Every index carries its
// own mutex, so operations on different accounts never serialize against each
// other. There is no global lock on the hot path.
package settlement

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/jmerrifield20/nonceledger/internal/clock"
	"github.com/jmerrifield20/nonceledger/internal/digest"
	"github.com/jmerrifield20/nonceledger/internal/events"
	"github.com/jmerrifield20/nonceledger/internal/identity"
	"go.uber.org/zap"
)

// accountIndex is the per-account record. All fields are guarded by mu.
type accountIndex struct {
	mu          sync.Mutex
	lastSettled uint64
	branches    map[uint64]*Branch
	pending     []uint64 // ascending
}

func newAccountIndex() *accountIndex {
	return &accountIndex{branches: make(map[uint64]*Branch)}
}

// Engine is the per-account registry of speculative branches.
type Engine struct {
	admin  identity.Address
	clock  *clock.Clock
	emit   events.Emitter
	logger *zap.Logger

	authMu     sync.RWMutex
	authorized map[identity.Address]bool

	accounts sync.Map // identity.Address -> *accountIndex
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock shares a logical clock with other components.
func WithClock(c *clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithEmitter sets the event log the engine appends to.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emit = em }
}

// New creates an Engine administered by admin.
func New(admin identity.Address, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if !admin.Valid() {
		return nil, fmt.Errorf("%w: administrator %q", ErrInvalidAccount, admin)
	}
	e := &Engine{
		admin:      admin,
		clock:      clock.New(),
		emit:       events.Discard,
		logger:     logger,
		authorized: make(map[identity.Address]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Admin returns the engine administrator.
func (e *Engine) Admin() identity.Address { return e.admin }

// SetAuthorizedCaller adds or removes caller from the allow-list of entities
// that may create and settle branches on behalf of other accounts.
func (e *Engine) SetAuthorizedCaller(_ context.Context, by, caller identity.Address, authorized bool) error {
	if by != e.admin {
		return fmt.Errorf("%w: %s is not the administrator", ErrNotAuthorized, by)
	}
	if !caller.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, caller)
	}

	e.authMu.Lock()
	if authorized {
		e.authorized[caller] = true
	} else {
		delete(e.authorized, caller)
	}
	e.emit.Emit(events.AuthorizedCallerSet{Caller: caller, Authorized: authorized})
	e.authMu.Unlock()

	e.logger.Info("authorized caller updated",
		zap.String("caller", caller.String()),
		zap.Bool("authorized", authorized),
	)
	return nil
}

// IsAuthorizedCaller reports whether caller is on the allow-list.
func (e *Engine) IsAuthorizedCaller(caller identity.Address) bool {
	e.authMu.RLock()
	defer e.authMu.RUnlock()
	return e.authorized[caller]
}

// CreateBranch registers a Pending branch at (account, nonce). The caller must
// be the account itself or an allow-listed entity.
func (e *Engine) CreateBranch(_ context.Context, caller, account identity.Address, nonce uint64, payload digest.Digest) (Branch, error) {
	if !account.Valid() {
		return Branch{}, fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	if caller != account && !e.IsAuthorizedCaller(caller) {
		return Branch{}, fmt.Errorf("%w: %s may not create branches for %s", ErrNotAuthorized, caller, account)
	}

	idx := e.index(account)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if nonce <= idx.lastSettled {
		return Branch{}, fmt.Errorf("%w: %d is not above last settled nonce %d", ErrInvalidNonce, nonce, idx.lastSettled)
	}
	if _, exists := idx.branches[nonce]; exists {
		return Branch{}, fmt.Errorf("%w: branch %d already exists", ErrInvalidNonce, nonce)
	}

	b := &Branch{
		Account:       account,
		Nonce:         nonce,
		PayloadDigest: payload,
		State:         StatePending,
		CreatedAt:     e.clock.Next(),
	}
	idx.branches[nonce] = b
	idx.insertPending(nonce)

	e.emit.Emit(events.BranchCreated{
		Account:       account,
		Nonce:         nonce,
		PayloadDigest: payload,
		CreatedAt:     b.CreatedAt,
	})
	return *b, nil
}

// Settle collapses the account onto chosen: the branch at chosen becomes
// Settled and every other Pending branch at or below it becomes Discarded.
// Settling the same nonce twice fails with ErrAlreadySettled.
func (e *Engine) Settle(_ context.Context, caller, account identity.Address, chosen uint64) (Collapse, error) {
	if err := e.checkSettler(caller, account); err != nil {
		return Collapse{}, err
	}

	idx := e.lookup(account)
	if idx == nil {
		return Collapse{}, fmt.Errorf("%w: no branch at (%s, %d)", ErrInvalidNonce, account, chosen)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := validateSettle(idx, account, chosen, idx.lastSettled); err != nil {
		return Collapse{}, err
	}
	c := e.applySettle(idx, account, chosen)

	e.logger.Debug("branches collapsed",
		zap.String("account", account.String()),
		zap.Uint64("nonce", chosen),
		zap.Int("discarded", len(c.Discarded)),
	)
	return c, nil
}

// BatchSettle settles every (accounts[i], nonces[i]) pair in order. The batch
// is atomic: if any pair would fail, nothing is applied and no event is
// emitted. The same account may appear more than once; later pairs see the
// frontier left by earlier ones.
func (e *Engine) BatchSettle(_ context.Context, caller identity.Address, accounts []identity.Address, nonces []uint64) ([]Collapse, error) {
	if len(accounts) == 0 || len(accounts) != len(nonces) {
		return nil, fmt.Errorf("%w: %d accounts, %d nonces", ErrInvalidBatchSize, len(accounts), len(nonces))
	}
	for _, acct := range accounts {
		if err := e.checkSettler(caller, acct); err != nil {
			return nil, err
		}
	}

	distinct := distinctSorted(accounts)
	indexes := make(map[identity.Address]*accountIndex, len(distinct))
	for _, acct := range distinct {
		idx := e.lookup(acct)
		if idx == nil {
			return nil, fmt.Errorf("%w: account %s has no branches", ErrInvalidNonce, acct)
		}
		indexes[acct] = idx
	}

	// Lock in address order so concurrent batches cannot deadlock.
	for _, acct := range distinct {
		indexes[acct].mu.Lock()
	}
	defer func() {
		for _, acct := range distinct {
			indexes[acct].mu.Unlock()
		}
	}()

	frontier := make(map[identity.Address]uint64, len(distinct))
	for acct, idx := range indexes {
		frontier[acct] = idx.lastSettled
	}
	for i, acct := range accounts {
		if err := validateSettle(indexes[acct], acct, nonces[i], frontier[acct]); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		frontier[acct] = nonces[i]
	}

	out := make([]Collapse, len(accounts))
	for i, acct := range accounts {
		out[i] = e.applySettle(indexes[acct], acct, nonces[i])
	}

	e.logger.Debug("batch settled", zap.Int("size", len(out)))
	return out, nil
}

// LastSettledNonce returns the settlement frontier of account (0 if none).
func (e *Engine) LastSettledNonce(account identity.Address) uint64 {
	idx := e.lookup(account)
	if idx == nil {
		return 0
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.lastSettled
}

// HasPendingBranches reports whether account has any Pending branch.
func (e *Engine) HasPendingBranches(account identity.Address) bool {
	idx := e.lookup(account)
	if idx == nil {
		return false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.pending) > 0
}

// PendingNonces returns the account's Pending nonces in ascending order.
func (e *Engine) PendingNonces(account identity.Address) []uint64 {
	idx := e.lookup(account)
	if idx == nil {
		return []uint64{}
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return append([]uint64{}, idx.pending...)
}

// BranchState returns the state of (account, nonce), or StateUnknown when no
// such branch exists.
func (e *Engine) BranchState(account identity.Address, nonce uint64) State {
	b, ok := e.Branch(account, nonce)
	if !ok {
		return StateUnknown
	}
	return b.State
}

// Branch returns a copy of the branch at (account, nonce).
func (e *Engine) Branch(account identity.Address, nonce uint64) (Branch, bool) {
	idx := e.lookup(account)
	if idx == nil {
		return Branch{}, false
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	b, ok := idx.branches[nonce]
	if !ok {
		return Branch{}, false
	}
	return *b, true
}

// Account returns a consistent snapshot of the account's nonce index.
func (e *Engine) Account(account identity.Address) AccountView {
	view := AccountView{Account: account, PendingNonces: []uint64{}}
	idx := e.lookup(account)
	if idx == nil {
		return view
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	view.LastSettledNonce = idx.lastSettled
	view.PendingNonces = append(view.PendingNonces, idx.pending...)
	return view
}

// checkSettler allows the account itself, the administrator, or an
// allow-listed caller.
func (e *Engine) checkSettler(caller, account identity.Address) error {
	if caller == account || caller == e.admin || e.IsAuthorizedCaller(caller) {
		return nil
	}
	return fmt.Errorf("%w: %s may not settle for %s", ErrNotAuthorized, caller, account)
}

func (e *Engine) lookup(account identity.Address) *accountIndex {
	v, ok := e.accounts.Load(account)
	if !ok {
		return nil
	}
	return v.(*accountIndex)
}

func (e *Engine) index(account identity.Address) *accountIndex {
	if idx := e.lookup(account); idx != nil {
		return idx
	}
	v, _ := e.accounts.LoadOrStore(account, newAccountIndex())
	return v.(*accountIndex)
}

// validateSettle checks a settlement of chosen against the given frontier.
// idx.mu must be held.
func validateSettle(idx *accountIndex, account identity.Address, chosen, frontier uint64) error {
	if _, ok := idx.branches[chosen]; !ok {
		return fmt.Errorf("%w: no branch at (%s, %d)", ErrInvalidNonce, account, chosen)
	}
	if chosen <= frontier {
		return fmt.Errorf("%w: %d is not above last settled nonce %d", ErrAlreadySettled, chosen, frontier)
	}
	return nil
}

// applySettle performs a validated settlement. idx.mu must be held.
func (e *Engine) applySettle(idx *accountIndex, account identity.Address, chosen uint64) Collapse {
	at := e.clock.Next()

	// Pending is ascending, so everything at or below chosen is a prefix.
	cut := sort.Search(len(idx.pending), func(i int) bool { return idx.pending[i] > chosen })
	discarded := make([]uint64, 0, cut)
	for _, n := range idx.pending[:cut] {
		b := idx.branches[n]
		if n == chosen {
			b.State = StateSettled
			b.SettledAt = at
			continue
		}
		b.State = StateDiscarded
		discarded = append(discarded, n)
	}
	idx.pending = append([]uint64(nil), idx.pending[cut:]...)
	idx.lastSettled = chosen

	e.emit.Emit(events.Collapsed{
		Account:     account,
		ChosenNonce: chosen,
		Discarded:   discarded,
		SettledAt:   at,
	})
	// The event payload is read by the dispatcher; callers get their own slice.
	return Collapse{Account: account, ChosenNonce: chosen, Discarded: slices.Clone(discarded), SettledAt: at}
}

func (idx *accountIndex) insertPending(nonce uint64) {
	i := sort.Search(len(idx.pending), func(i int) bool { return idx.pending[i] >= nonce })
	idx.pending = append(idx.pending, 0)
	copy(idx.pending[i+1:], idx.pending[i:])
	idx.pending[i] = nonce
}

func distinctSorted(accounts []identity.Address) []identity.Address {
	seen := make(map[identity.Address]bool, len(accounts))
	out := make([]identity.Address, 0, len(accounts))
	for _, a := range accounts {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
