package intent

import (
	"errors"

	"github.com/jmerrifield20/nonceledger/internal/digest"
	"github.com/jmerrifield20/nonceledger/internal/identity"
)

// Sentinel errors for the intent ledger.
var (
	ErrNotExecutor            = errors.New("caller is not the executor")
	ErrNotAdmin               = errors.New("caller is not the administrator")
	ErrIntentAlreadyProcessed = errors.New("intent already processed")
	ErrIntentNotFound         = errors.New("intent not found")
	ErrInvalidBatchSize       = errors.New("invalid batch size")
	ErrInvalidIdentity        = errors.New("invalid identity")
)

// Intent is an opaque operation request bound to a settlement branch.
// Executed and Cancelled are mutually exclusive; once either is set the intent
// never changes again.
type Intent struct {
	ID          digest.Digest    `json:"id"`
	Submitter   identity.Address `json:"submitter"`
	Payload     []byte           `json:"payload"`
	SubmittedAt uint64           `json:"submitted_at"`
	AsyncNonce  uint64           `json:"async_nonce"`
	Executed    bool             `json:"executed"`
	Cancelled   bool             `json:"cancelled"`
	Volume      uint64           `json:"volume,omitempty"`
	ClosedAt    uint64           `json:"closed_at,omitempty"`
}

// Processed reports whether the intent reached a terminal state.
func (i Intent) Processed() bool { return i.Executed || i.Cancelled }

// Metrics are the ledger-wide aggregates.
type Metrics struct {
	TotalVolume uint64 `json:"total_volume"`
	TotalCount  uint64 `json:"total_count"`
}

// BatchResult summarises a successful BatchExecute.
type BatchResult struct {
	Count       uint64 `json:"count"`
	TotalVolume uint64 `json:"total_volume"`
	ExecutedAt  uint64 `json:"executed_at"`
}
