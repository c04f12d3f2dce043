package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePairs(t *testing.T) {
	keys, vals, err := parsePairs([]string{"0xa:1", "0xb:22"}, "nonce")
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa", "0xb"}, keys)
	assert.Equal(t, []uint64{1, 22}, vals)

	_, _, err = parsePairs([]string{"0xa"}, "nonce")
	assert.ErrorContains(t, err, "<key>:<nonce>")

	_, _, err = parsePairs([]string{"0xa:-1"}, "volume")
	assert.ErrorContains(t, err, "invalid volume")
}
