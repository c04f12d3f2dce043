// Package journal keeps a hash-chained audit trail of the event log.
//
// The chain begins with a well-known genesis entry whose Hash equals
// GenesisHash (64 hex zeros). Every later entry records the SHA-256 of its
// predecessor, so rewriting any entry is detectable via Verify.
//
// The journal is an audit trail only. Core state is never rebuilt from it.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/nonceledger/internal/events"
)

// GenesisHash is the hash of the genesis entry and the anchor of the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// GenesisKind is the Kind of the entry at index 0.
const GenesisKind = "genesis"

// ErrEntryNotFound is returned by Get for an index outside the chain.
var ErrEntryNotFound = errors.New("journal entry not found")

// Entry is one journaled event record.
type Entry struct {
	Index     int             `json:"index"`
	Seq       uint64          `json:"seq"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	DataHash  string          `json:"data_hash"`
	Data      json.RawMessage `json:"data,omitempty"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Journal is the append-only audit chain. MemoryJournal and PostgresJournal
// implement it.
type Journal interface {
	// Append chains rec onto the tail.
	Append(ctx context.Context, rec events.Record) (*Entry, error)

	// Get returns the entry at the zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// Len returns the number of entries, genesis included.
	Len(ctx context.Context) (int, error)

	// Verify walks the whole chain and returns nil if it is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the newest entry.
	Root(ctx context.Context) (string, error)
}

func genesis() *Entry {
	return &Entry{
		Index:     0,
		Kind:      GenesisKind,
		Timestamp: time.Now().UTC(),
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// newEntry builds the successor of prev for rec.
func newEntry(prev *Entry, rec events.Record) (*Entry, error) {
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	e := &Entry{
		Index:     prev.Index + 1,
		Seq:       rec.Seq,
		Kind:      string(rec.Kind),
		Timestamp: time.Now().UTC().Truncate(time.Microsecond), // timestamptz precision
		DataHash:  sha256Hex(data),
		Data:      data,
		PrevHash:  prev.Hash,
	}
	e.Hash = hashEntry(e)
	return e, nil
}

// hashEntry must never be called on the genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d|%s|%s|%s|%s",
		e.Index, e.Seq, e.Kind,
		e.Timestamp.Format(time.RFC3339Nano),
		e.DataHash, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// verifyLink checks curr against its predecessor. A nil prev means curr is
// the genesis entry.
func verifyLink(prev, curr *Entry) error {
	if prev == nil {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
		}
		return nil
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if len(curr.Data) > 0 && sha256Hex(curr.Data) != curr.DataHash {
		return fmt.Errorf("entry %d data does not match its hash", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}
