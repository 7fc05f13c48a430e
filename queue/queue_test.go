package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/params"
)

func newOp(id string) *core.Opportunity {
	return &core.Opportunity{ID: id, Type: core.TypeSimple}
}

func TestQueueFIFOAcrossWrapAround(t *testing.T) {
	q, err := New(params.QueueConfig{MaxSize: 4, HighWaterMark: 4, LowWaterMark: 1})
	require.NoError(t, err)

	var got []string
	// Interleave enqueue/dequeue so head wraps several times.
	next := 0
	enq := func(n int) {
		for i := 0; i < n; i++ {
			require.True(t, q.Enqueue(newOp(fmt.Sprintf("op-%d", next))))
			next++
		}
	}
	deq := func(n int) {
		for i := 0; i < n; i++ {
			op := q.Dequeue()
			require.NotNil(t, op)
			got = append(got, op.ID)
		}
	}

	enq(3)
	deq(2)
	enq(3) // wraps
	deq(4)
	enq(2)
	deq(2)

	for i, id := range got {
		assert.Equal(t, fmt.Sprintf("op-%d", i), id, "FIFO order violated at %d", i)
	}
}

func TestQueueHysteresis(t *testing.T) {
	q, err := New(params.QueueConfig{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 3})
	require.NoError(t, err)

	var transitions []bool
	q.OnPauseStateChange(func(paused bool) { transitions = append(transitions, paused) })

	for i := 0; i < 8; i++ {
		require.True(t, q.Enqueue(newOp(fmt.Sprintf("op-%d", i))))
	}
	assert.True(t, q.IsPaused(), "expected pause at high water mark")
	assert.Equal(t, []bool{true}, transitions)

	// Drain to 5: still paused, no transition in the (low, high) band.
	for i := 0; i < 3; i++ {
		q.Dequeue()
	}
	assert.True(t, q.IsPaused())
	assert.Equal(t, []bool{true}, transitions)

	// Drain to 3: released.
	q.Dequeue()
	q.Dequeue()
	assert.False(t, q.IsPaused())
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestQueueRejectsWhenPausedOrFull(t *testing.T) {
	q, err := New(params.QueueConfig{MaxSize: 3, HighWaterMark: 3, LowWaterMark: 1})
	require.NoError(t, err)

	require.True(t, q.Enqueue(newOp("a")))
	require.True(t, q.Enqueue(newOp("b")))
	require.True(t, q.Enqueue(newOp("c")))
	assert.True(t, q.IsPaused())
	assert.False(t, q.Enqueue(newOp("d")), "enqueue must fail while paused")

	q.Dequeue()
	q.Dequeue() // size 1 == low, released
	assert.False(t, q.IsPaused())
	assert.True(t, q.Enqueue(newOp("e")))
}

func TestQueueManualPauseResume(t *testing.T) {
	q, err := New(params.QueueConfig{MaxSize: 10, HighWaterMark: 8, LowWaterMark: 3})
	require.NoError(t, err)

	signals := 0
	q.OnItemAvailable(func() { signals++ })

	require.True(t, q.Enqueue(newOp("a")))
	assert.Equal(t, 1, signals, "enqueue must signal synchronously")

	q.Pause()
	assert.True(t, q.IsPaused())
	assert.False(t, q.Enqueue(newOp("b")), "manual pause blocks intake")

	q.Resume()
	assert.False(t, q.IsPaused())
	assert.Equal(t, 2, signals, "resume must flush one signal for the waiting item")

	// Resume on an empty queue flushes nothing.
	q.Dequeue()
	q.Pause()
	q.Resume()
	assert.Equal(t, 2, signals)
}

func TestQueueSignalPanicKeepsItem(t *testing.T) {
	q, err := New(params.QueueConfig{MaxSize: 4, HighWaterMark: 4, LowWaterMark: 1})
	require.NoError(t, err)

	q.OnItemAvailable(func() { panic("subscriber bug") })
	require.True(t, q.Enqueue(newOp("a")))
	assert.Equal(t, 1, q.Size(), "item must stay enqueued when the signal panics")
	require.NotNil(t, q.Dequeue())
}

func TestQueueInvalidWaterMarks(t *testing.T) {
	_, err := New(params.QueueConfig{MaxSize: 10, HighWaterMark: 3, LowWaterMark: 8})
	assert.ErrorIs(t, err, params.ErrInvalidWaterMarks)

	_, err = New(params.QueueConfig{MaxSize: 5, HighWaterMark: 8, LowWaterMark: 3})
	assert.ErrorIs(t, err, params.ErrInvalidWaterMarks)
}
