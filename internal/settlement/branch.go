package settlement

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/nonceledger/internal/digest"
	"github.com/jmerrifield20/nonceledger/internal/identity"
)

// Sentinel errors for the settlement engine.
var (
	ErrNotAuthorized    = errors.New("caller not authorized")
	ErrInvalidAccount   = errors.New("invalid account")
	ErrInvalidNonce     = errors.New("invalid nonce")
	ErrAlreadySettled   = errors.New("nonce already settled")
	ErrInvalidBatchSize = errors.New("invalid batch size")
)

// State is the lifecycle position of a branch.
type State uint8

// Branch states. Settled and Discarded are terminal.
const (
	StateUnknown State = iota
	StatePending
	StateSettled
	StateDiscarded
)

var stateNames = map[State]string{
	StateUnknown:   "unknown",
	StatePending:   "pending",
	StateSettled:   "settled",
	StateDiscarded: "discarded",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown branch state %q", text)
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateSettled || s == StateDiscarded }

// Branch is one speculative candidate operation for an account.
type Branch struct {
	Account       identity.Address `json:"account"`
	Nonce         uint64           `json:"nonce"`
	PayloadDigest digest.Digest    `json:"payload_digest"`
	State         State            `json:"state"`
	CreatedAt     uint64           `json:"created_at"`
	SettledAt     uint64           `json:"settled_at,omitempty"`
}

// Collapse is the outcome of a successful settlement.
type Collapse struct {
	Account     identity.Address `json:"account"`
	ChosenNonce uint64           `json:"chosen_nonce"`
	Discarded   []uint64         `json:"discarded"`
	SettledAt   uint64           `json:"settled_at"`
}

// AccountView is a consistent snapshot of one account's nonce index.
type AccountView struct {
	Account          identity.Address `json:"account"`
	LastSettledNonce uint64           `json:"last_settled_nonce"`
	PendingNonces    []uint64         `json:"pending_nonces"`
}
