package document

import (
	"math/rand/v2"

	"github.com/oklog/ulid/v2"
)

// newRand seeds the per-command generator from the record's entropy and
// sequence number. Every random draw and generated id in a command comes
// from it, so a command replayed against the same record draws the same
// values.
func newRand(entropy, seq int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(entropy), uint64(seq)))
}

// nextEntropy is the entropy the record carries after the command.
func nextEntropy(rng *rand.Rand) int64 {
	return int64(rng.Uint64() >> 1)
}

// entropyReader adapts the generator to io.Reader for ulid.
type entropyReader struct {
	rng *rand.Rand
}

func (e entropyReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(e.rng.Uint32())
	}
	return len(p), nil
}

// newID returns a ULID stamped with ms whose random part comes from rng.
func newID(ms int64, rng *rand.Rand) string {
	if ms < 0 {
		ms = 0
	}
	return ulid.MustNew(uint64(ms), entropyReader{rng: rng}).String()
}
