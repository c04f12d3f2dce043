package events

import (
	"github.com/jmerrifield20/nonceledger/internal/digest"
	"github.com/jmerrifield20/nonceledger/internal/identity"
)

// Kind names an event type. Kinds double as NATS subject suffixes.
type Kind string

// Event kinds emitted by the core.
const (
	KindBranchCreated       Kind = "settlement.branch_created"
	KindCollapsed           Kind = "settlement.collapsed"
	KindAuthorizedCallerSet Kind = "settlement.authorized_caller_set"
	KindCounterIncremented  Kind = "counter.incremented"
	KindCounterDecremented  Kind = "counter.decremented"
	KindCounterSet          Kind = "counter.set"
	KindCounterReset        Kind = "counter.reset"
	KindCounterOwnerChanged Kind = "counter.ownership_transferred"
	KindIntentSubmitted     Kind = "intent.submitted"
	KindIntentExecuted      Kind = "intent.executed"
	KindIntentCancelled     Kind = "intent.cancelled"
	KindIntentBatchExecuted Kind = "intent.batch_executed"
	KindRewardCredited      Kind = "intent.reward_credited"
	KindExecutorChanged     Kind = "intent.executor_changed"
)

// Payload is the body of a single emitted event.
type Payload interface {
	Kind() Kind
}

// BranchCreated is emitted when a speculative branch enters Pending.
type BranchCreated struct {
	Account       identity.Address `json:"account"`
	Nonce         uint64           `json:"nonce"`
	PayloadDigest digest.Digest    `json:"payload_digest"`
	CreatedAt     uint64           `json:"created_at"`
}

// Collapsed is emitted once per successful settlement. Discarded lists the
// nonces moved from Pending to Discarded, in ascending order.
type Collapsed struct {
	Account     identity.Address `json:"account"`
	ChosenNonce uint64           `json:"chosen_nonce"`
	Discarded   []uint64         `json:"discarded"`
	SettledAt   uint64           `json:"settled_at"`
}

// AuthorizedCallerSet records a change to the branch-creation allow-list.
type AuthorizedCallerSet struct {
	Caller     identity.Address `json:"caller"`
	Authorized bool             `json:"authorized"`
}

// CounterIncremented carries the value after the increment.
type CounterIncremented struct {
	Counter  string `json:"counter"`
	NewValue uint64 `json:"new_value"`
	Delta    uint64 `json:"delta"`
}

// CounterDecremented carries the value after the decrement.
type CounterDecremented struct {
	Counter  string `json:"counter"`
	NewValue uint64 `json:"new_value"`
	Delta    uint64 `json:"delta"`
}

// CounterSet is the generic notice for an administrative overwrite.
type CounterSet struct {
	Counter string `json:"counter"`
	Value   uint64 `json:"value"`
}

// CounterReset carries the value that was cleared.
type CounterReset struct {
	Counter  string `json:"counter"`
	Previous uint64 `json:"previous"`
}

// CounterOwnerChanged records an ownership handover.
type CounterOwnerChanged struct {
	Counter       string           `json:"counter"`
	PreviousOwner identity.Address `json:"previous_owner"`
	NewOwner      identity.Address `json:"new_owner"`
}

// IntentSubmitted is emitted when an intent and its companion branch are created.
type IntentSubmitted struct {
	Submitter   identity.Address `json:"submitter"`
	ID          digest.Digest    `json:"id"`
	Nonce       uint64           `json:"nonce"`
	SubmittedAt uint64           `json:"submitted_at"`
}

// IntentExecuted marks an intent as executed.
type IntentExecuted struct {
	ID         digest.Digest `json:"id"`
	ExecutedAt uint64        `json:"executed_at"`
}

// IntentCancelled marks an intent as cancelled.
type IntentCancelled struct {
	ID          digest.Digest `json:"id"`
	CancelledAt uint64        `json:"cancelled_at"`
}

// IntentBatchExecuted summarises a successful batch execution.
type IntentBatchExecuted struct {
	Count       uint64 `json:"count"`
	TotalVolume uint64 `json:"total_volume"`
	ExecutedAt  uint64 `json:"executed_at"`
}

// RewardCredited is the side-effect notice sent to the reward collaborator.
type RewardCredited struct {
	Executor identity.Address `json:"executor"`
	ID       digest.Digest    `json:"id"`
	Volume   uint64           `json:"volume"`
}

// ExecutorChanged records a rotation of the ledger's executor role.
type ExecutorChanged struct {
	Previous identity.Address `json:"previous"`
	Next     identity.Address `json:"next"`
}

func (BranchCreated) Kind() Kind       { return KindBranchCreated }
func (Collapsed) Kind() Kind           { return KindCollapsed }
func (AuthorizedCallerSet) Kind() Kind { return KindAuthorizedCallerSet }
func (CounterIncremented) Kind() Kind  { return KindCounterIncremented }
func (CounterDecremented) Kind() Kind  { return KindCounterDecremented }
func (CounterSet) Kind() Kind          { return KindCounterSet }
func (CounterReset) Kind() Kind        { return KindCounterReset }
func (CounterOwnerChanged) Kind() Kind { return KindCounterOwnerChanged }
func (IntentSubmitted) Kind() Kind     { return KindIntentSubmitted }
func (IntentExecuted) Kind() Kind      { return KindIntentExecuted }
func (IntentCancelled) Kind() Kind     { return KindIntentCancelled }
func (IntentBatchExecuted) Kind() Kind { return KindIntentBatchExecuted }
func (RewardCredited) Kind() Kind      { return KindRewardCredited }
func (ExecutorChanged) Kind() Kind     { return KindExecutorChanged }
