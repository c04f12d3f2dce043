package identity_test

import (
	"testing"

	"github.com/jmerrifield20/nonceledger/internal/identity"
	"github.com/stretchr/testify/assert"
)

func TestAddress_Valid(t *testing.T) {
	cases := map[identity.Address]bool{
		"":      false,
		"   ":   false,
		"0xabc": true,
		"0x0000000000000000000000000000000000000000": false,
		"0X0000000000000000000000000000000000000000": false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, addr.Valid(), "address %q", addr)
	}
}
