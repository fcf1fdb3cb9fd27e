package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/livedoc/internal/fault"
)

func TestConflictBudget_AllowsUpToLimit(t *testing.T) {
	b := newConflictBudget(3, 0, 0)

	require.NoError(t, b.Check("counter/c1"))
	require.NoError(t, b.Check("counter/c1"))
	err := b.Check("counter/c1")
	require.Error(t, err)

	assert.True(t, fault.Is(err, fault.TooManyConflicts))
	assert.Contains(t, err.Error(), "3 conflicting attempts")
	assert.Equal(t, 3, b.Current())
}

func TestConflictBudget_SingleAttempt(t *testing.T) {
	b := newConflictBudget(1, 0, 0)
	assert.Error(t, b.Check("counter/c1"), "limit 1 fails on the first conflict")
}

func TestConflictBudget_BackoffGrowsAndCaps(t *testing.T) {
	base := 10 * time.Millisecond
	ceiling := 40 * time.Millisecond
	b := newConflictBudget(10, base, ceiling)

	for attempt := 1; attempt <= 5; attempt++ {
		_ = b.Check("counter/c1")
		d := b.Backoff()

		want := base << uint(attempt-1)
		if want > ceiling {
			want = ceiling
		}
		assert.GreaterOrEqual(t, d, want, "attempt %d", attempt)
		assert.Less(t, d, want+base, "jitter stays below base")
	}
}

func TestConflictBudget_ZeroBaseRetriesImmediately(t *testing.T) {
	b := newConflictBudget(5, 0, time.Second)
	_ = b.Check("counter/c1")
	assert.Equal(t, time.Duration(0), b.Backoff())
}
