package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedoc/internal/value"
)

func TestReplay_DetectsGap(t *testing.T) {
	h := &History{
		Base:    record(1, 0),
		BaseSeq: 1,
		Patches: []Patch{step(record(2, 1), record(3, 2))},
	}
	_, err := Replay(h)
	assert.ErrorContains(t, err, "gap")
}

func TestReplay_DetectsSeqDrift(t *testing.T) {
	h := &History{
		Base:    record(1, 0),
		BaseSeq: 1,
		Patches: []Patch{{Start: 2, End: 2, Forward: value.Obj(value.P("x", value.Int(1)))}},
	}
	_, err := Replay(h)
	assert.ErrorContains(t, err, "seq 1")
}

func TestVerifyReplay(t *testing.T) {
	h := &History{
		Base:    record(1, 0),
		BaseSeq: 1,
		Patches: []Patch{step(record(1, 0), record(2, 1)), step(record(2, 1), record(3, 2))},
	}
	require.NoError(t, VerifyReplay(h, record(3, 2)))
	assert.ErrorContains(t, VerifyReplay(h, record(3, 5)), "diverged")
}

func TestRewind_NeedsReverseDeltas(t *testing.T) {
	p := step(record(1, 0), record(2, 1))
	p.Reverse = nil
	h := &History{Base: record(1, 0), BaseSeq: 1, Patches: []Patch{p}}

	_, err := Rewind(h, 1)
	assert.ErrorContains(t, err, "no reverse")
	_, err = Rewind(h, 2)
	assert.Error(t, err)
}
