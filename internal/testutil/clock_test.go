package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManualClock_StartsAtStart(t *testing.T) {
	clock := NewManualClock(1000)
	assert.Equal(t, int64(1000), clock.Now())
	assert.Equal(t, int64(1000), clock.Now(), "reading must not move the clock")
}

func TestManualClock_Advance(t *testing.T) {
	clock := NewManualClock(0)

	assert.Equal(t, int64(500), clock.Advance(500))
	assert.Equal(t, int64(1500), clock.Advance(1000))
	assert.Equal(t, int64(1500), clock.Now())
}

func TestManualClock_NeverRunsBackwards(t *testing.T) {
	clock := NewManualClock(1000)

	clock.Advance(-200)
	assert.Equal(t, int64(1000), clock.Now())

	clock.Set(900)
	assert.Equal(t, int64(1000), clock.Now())

	clock.Set(5000)
	assert.Equal(t, int64(5000), clock.Now())
}

func TestManualClock_ThreadSafety(t *testing.T) {
	clock := NewManualClock(0)
	const goroutines = 10
	const advancesPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < advancesPerGoroutine; j++ {
				clock.Advance(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(goroutines*advancesPerGoroutine), clock.Now())
}
