package identity

import "strings"

// ZeroAddress is the null identity. It can never own a counter or act as a caller.
const ZeroAddress Address = "0x0000000000000000000000000000000000000000"

// Address is an opaque, address-like account key. The core never interprets it
// beyond equality comparison.
type Address string

// Valid reports whether a is usable as an identity.
func (a Address) Valid() bool {
	s := strings.TrimSpace(string(a))
	return s != "" && !strings.EqualFold(s, string(ZeroAddress))
}

// String implements fmt.Stringer.
func (a Address) String() string { return string(a) }
