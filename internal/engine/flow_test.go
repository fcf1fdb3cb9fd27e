package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator_ValidFormat(t *testing.T) {
	token := UUIDv7Generator{}.Generate()

	parsed, err := uuid.Parse(token)
	require.NoError(t, err, "token should be valid UUID")
	assert.Equal(t, uuid.Version(7), parsed.Version())
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, token)
}

func TestUUIDv7Generator_Uniqueness(t *testing.T) {
	gen := UUIDv7Generator{}
	const iterations = 1000

	tokens := make(map[string]bool, iterations)
	for i := 0; i < iterations; i++ {
		token := gen.Generate()
		require.False(t, tokens[token], "token %s generated twice", token)
		tokens[token] = true
	}
}

func TestFixedGenerator_InOrder(t *testing.T) {
	gen := NewFixedGenerator("conn-1", "conn-2")

	assert.Equal(t, "conn-1", gen.Generate())
	assert.Equal(t, "conn-2", gen.Generate())
	assert.Panics(t, func() { gen.Generate() }, "exhausted generator should panic")
}

func TestNonces_DistinctPerInstance(t *testing.T) {
	a, b := newNonces("a"), newNonces("b")
	seen := make(map[int64]bool)
	for i := 0; i < 100; i++ {
		for _, n := range []int64{a.Next(), b.Next()} {
			assert.GreaterOrEqual(t, n, int64(0))
			assert.False(t, seen[n], "nonce %d repeated", n)
			seen[n] = true
		}
	}
}

func TestNonces_Reproducible(t *testing.T) {
	a, b := newNonces("same"), newNonces("same")
	for i := 0; i < 10; i++ {
		assert.Equal(t, a.Next(), b.Next())
	}
}
