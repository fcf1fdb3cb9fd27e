package engine

import (
	"sync/atomic"
	"time"
)

// Clock is the engine's time source, in Unix milliseconds. Every future
// deadline and cron instant is evaluated against it.
type Clock interface {
	Now() int64
}

// SystemClock reads wall time.
type SystemClock struct{}

func (SystemClock) Now() int64 { return time.Now().UnixMilli() }

// Sequence is a monotonic counter. Each connection numbers the frames it
// receives with one, so viewers can detect gaps.
//
// Thread-safety: Sequence is safe for concurrent use (atomic operations).
type Sequence struct {
	seq atomic.Int64
}

// NewSequence creates a sequence starting at 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewSequenceAt creates a sequence that continues after start.
func NewSequenceAt(start int64) *Sequence {
	s := &Sequence{}
	s.seq.Store(start)
	return s
}

// Next returns the next number and advances the sequence.
func (s *Sequence) Next() int64 {
	return s.seq.Add(1)
}

// Current returns the last number handed out.
func (s *Sequence) Current() int64 {
	return s.seq.Load()
}
