package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelayID_StableAndHex(t *testing.T) {
	a := RelayID()
	b := RelayID()
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
	for _, r := range a {
		assert.Contains(t, "0123456789abcdef", string(r))
	}
}

func TestHash_Deterministic(t *testing.T) {
	assert.Equal(t, hash("host-1"), hash("host-1"))
	assert.NotEqual(t, hash("host-1"), hash("host-2"))
	assert.Len(t, hash("x"), 32)
}
