package store

import (
	"fmt"

	"github.com/roach88/livedoc/internal/value"
)

// Replay rebuilds the current record from a history by applying every
// forward delta to the base in seq order.
func Replay(h *History) (value.Object, error) {
	rec := h.Base.Clone()
	seq := h.BaseSeq
	for _, p := range h.Patches {
		if p.Start != seq+1 {
			return nil, fmt.Errorf("replay: gap before patch %d-%d (at seq %d)", p.Start, p.End, seq)
		}
		rec = value.Merge(rec, p.Forward)
		seq = p.End
	}
	if got := seqOf(rec); got != seq {
		return nil, fmt.Errorf("replay: record carries seq %d after log ends at %d", got, seq)
	}
	return rec, nil
}

// Rewind undoes the newest n patches of a history using their reverse
// deltas. It fails when a patch was stored without one.
func Rewind(h *History, n int) (value.Object, error) {
	rec, err := Replay(h)
	if err != nil {
		return nil, err
	}
	if n > len(h.Patches) {
		return nil, fmt.Errorf("rewind: only %d patches held", len(h.Patches))
	}
	for i := len(h.Patches) - 1; i >= len(h.Patches)-n; i-- {
		p := h.Patches[i]
		if p.Reverse == nil {
			return nil, fmt.Errorf("rewind: patch %d-%d has no reverse delta", p.Start, p.End)
		}
		rec = value.Merge(rec, p.Reverse)
	}
	return rec, nil
}

// VerifyReplay checks that the persisted log reproduces want bit for bit.
func VerifyReplay(h *History, want value.Object) error {
	got, err := Replay(h)
	if err != nil {
		return err
	}
	a, err := marshalObject(got)
	if err != nil {
		return err
	}
	b, err := marshalObject(want)
	if err != nil {
		return err
	}
	if a != b {
		return fmt.Errorf("replay diverged: %s", value.MustEncode(value.Diff(want, got)))
	}
	return nil
}

// fold advances base through the patches up to and including seq target
// and returns the new base, its seq and the patches left over.
func fold(base value.Object, baseSeq int64, patches []Patch, target int64) (value.Object, int64, []Patch) {
	i := 0
	for ; i < len(patches) && patches[i].End <= target; i++ {
		base = value.Merge(base, patches[i].Forward)
		baseSeq = patches[i].End
	}
	return base, baseSeq, patches[i:]
}
