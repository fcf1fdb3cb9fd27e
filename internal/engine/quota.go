package engine

import (
	"math/rand/v2"
	"time"

	"github.com/roach88/livedoc/internal/fault"
)

// Reconciliation defaults.
const (
	DefaultMaxConflictAttempts = 8
	DefaultBackoffBase         = 5 * time.Millisecond
	DefaultBackoffMax          = 250 * time.Millisecond
)

// conflictBudget counts the persistence attempts of one command and
// enforces the attempt limit.
//
// Each command gets its own budget. A lost CAS race costs one attempt;
// running out fails the command with TooManyConflicts and leaves the
// stored record untouched.
type conflictBudget struct {
	maxAttempts int
	current     int
	base        time.Duration
	max         time.Duration
}

func newConflictBudget(maxAttempts int, base, max time.Duration) *conflictBudget {
	return &conflictBudget{maxAttempts: maxAttempts, base: base, max: max}
}

// Check records a failed attempt and reports whether another is allowed.
func (b *conflictBudget) Check(key string) error {
	b.current++
	if b.current >= b.maxAttempts {
		return fault.New(fault.TooManyConflicts, "gave up after %d conflicting attempts", b.current).WithKey(key)
	}
	return nil
}

// Current returns the number of failed attempts so far.
func (b *conflictBudget) Current() int {
	return b.current
}

// Backoff is the delay before the next attempt: exponential in the
// attempts so far, capped, plus jitter below base.
func (b *conflictBudget) Backoff() time.Duration {
	if b.base <= 0 {
		return 0
	}
	delay := b.base << uint(b.current-1)
	if delay > b.max || delay <= 0 {
		delay = b.max
	}
	return delay + time.Duration(rand.Int64N(int64(b.base)))
}
