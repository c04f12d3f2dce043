// Package digest computes the fixed-size fingerprints used to key branches and
// intents. All digests are Keccak-256 so that identifiers line up with the
// account-style addresses submitters already use.
package digest

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jmerrifield20/nonceledger/internal/identity"
	"golang.org/x/crypto/sha3"
)

// Size is the length of a Digest in bytes.
const Size = 32

// Digest is an opaque 32-byte fingerprint.
type Digest [Size]byte

// Zero is the empty digest.
var Zero Digest

// Of returns the Keccak-256 digest of payload. A nil or empty payload is valid.
func Of(payload []byte) Digest {
	h := sha3.NewLegacyKeccak256()
	h.Write(payload)
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// IntentID derives the deterministic identifier of an intent submission.
// The submitter is length-prefixed so that (submitter, payload) boundaries
// cannot be shifted to collide with another submission.
func IntentID(submitter identity.Address, nonce uint64, payload []byte) Digest {
	h := sha3.NewLegacyKeccak256()

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(submitter)))
	h.Write(lenBuf[:n])
	h.Write([]byte(submitter))

	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], nonce)
	h.Write(nonceBuf[:])

	h.Write(payload)

	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Parse decodes a hex digest, with or without the 0x prefix.
func Parse(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
	if err != nil {
		return d, fmt.Errorf("decode digest: %w", err)
	}
	if len(raw) != Size {
		return d, fmt.Errorf("digest must be %d bytes, got %d", Size, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// Hex returns the 0x-prefixed lowercase hex encoding.
func (d Digest) Hex() string { return "0x" + hex.EncodeToString(d[:]) }

// String implements fmt.Stringer.
func (d Digest) String() string { return d.Hex() }

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool { return d == Zero }

// MarshalText implements encoding.TextMarshaler so digests appear as hex in JSON.
func (d Digest) MarshalText() ([]byte, error) { return []byte(d.Hex()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
