package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(name string) *job {
	return &job{
		name: name,
		run:  func(context.Context, *actor) error { return nil },
		done: make(chan error, 1),
	}
}

func TestJobQueue_FIFO(t *testing.T) {
	q := newJobQueue()

	wasEmpty, ok := q.Enqueue(testJob("A"))
	require.True(t, ok)
	assert.True(t, wasEmpty, "first job finds the queue empty")

	wasEmpty, ok = q.Enqueue(testJob("B"))
	require.True(t, ok)
	assert.False(t, wasEmpty)
	q.Enqueue(testJob("C"))

	for _, want := range []string{"A", "B", "C"} {
		j, ok := q.Peek()
		require.True(t, ok)
		assert.Equal(t, want, j.name)
		q.Pop()
	}
	_, ok = q.Peek()
	assert.False(t, ok)
}

func TestJobQueue_PopReportsMore(t *testing.T) {
	q := newJobQueue()
	q.Enqueue(testJob("A"))
	q.Enqueue(testJob("B"))

	assert.True(t, q.Pop())
	assert.False(t, q.Pop())
	assert.False(t, q.Pop(), "pop on empty queue")
}

func TestJobQueue_RunningJobKeepsQueueBusy(t *testing.T) {
	q := newJobQueue()
	q.Enqueue(testJob("running"))

	// The running job stays at the front until popped, so a job arriving
	// meanwhile must not reschedule the actor.
	_, ok := q.Peek()
	require.True(t, ok)
	wasEmpty, _ := q.Enqueue(testJob("late"))
	assert.False(t, wasEmpty)

	assert.True(t, q.Pop(), "late job remains")
}

func TestJobQueue_Close(t *testing.T) {
	q := newJobQueue()
	q.Enqueue(testJob("A"))
	q.Enqueue(testJob("B"))

	rest := q.Close()
	assert.Len(t, rest, 2)

	_, ok := q.Enqueue(testJob("C"))
	assert.False(t, ok, "closed queue rejects jobs")
	assert.Nil(t, q.Close(), "second close returns nothing")
}

func TestJobQueue_CloseIdle(t *testing.T) {
	q := newJobQueue()
	q.Enqueue(testJob("A"))

	assert.False(t, q.CloseIdle(func() bool { return true }), "busy queue stays open")
	q.Pop()
	assert.False(t, q.CloseIdle(func() bool { return false }), "predicate vetoes")
	assert.True(t, q.CloseIdle(func() bool { return true }))

	_, ok := q.Enqueue(testJob("B"))
	assert.False(t, ok)
}

func TestRunQueue_PushPop(t *testing.T) {
	q := newRunQueue()
	a1 := newActor(docKey("a"))
	a2 := newActor(docKey("b"))

	q.Push(a1)
	q.Push(a2)

	select {
	case <-q.Wait():
	default:
		t.Fatal("push should signal")
	}

	got, ok := q.TryPop()
	require.True(t, ok)
	assert.Same(t, a1, got)

	// One actor left, so the pop re-signals for another worker.
	select {
	case <-q.Wait():
	default:
		t.Fatal("pop with actors left should signal")
	}

	got, ok = q.TryPop()
	require.True(t, ok)
	assert.Same(t, a2, got)

	_, ok = q.TryPop()
	assert.False(t, ok)
}
