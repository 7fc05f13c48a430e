package consumer

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/params"
	"github.com/mevlab/arb-engine/queue"
	"github.com/mevlab/arb-engine/stream"
)

func testConsumer(t *testing.T) (*Consumer, *stream.MemBroker, *queue.Queue, *core.ExecutionStats) {
	t.Helper()
	q, err := queue.New(params.DefaultQueueConfig)
	require.NoError(t, err)
	broker := stream.NewMemBroker()
	stats := &core.ExecutionStats{}
	return New(params.DefaultConsumerConfig, broker, q, stats), broker, q, stats
}

func validValues(id string) map[string]any {
	return map[string]any{
		"id":             id,
		"type":           "simple",
		"tokenIn":        "WETH",
		"tokenOut":       "USDC",
		"amountIn":       "1000000000000000000",
		"expectedProfit": "120.5",
		"confidence":     "0.9",
		"expiresAt":      strconv.FormatInt(time.Now().Add(time.Minute).UnixMilli(), 10),
	}
}

func TestHandleMessageEnqueuesAndDefersAck(t *testing.T) {
	c, broker, q, stats := testConsumer(t)
	ctx := context.Background()

	msg := &stream.Message{ID: "1-0", Values: validValues("opp-1")}
	c.handleStreamMessage(ctx, msg)

	assert.Equal(t, 1, q.Size())
	assert.True(t, c.IsActive("opp-1"))
	assert.Equal(t, 1, c.GetPendingCount())
	assert.Empty(t, broker.Acked(c.cfg.Stream, c.cfg.Group), "ack must wait for markComplete")
	assert.Equal(t, int64(1), stats.Received.Load())

	op := q.Dequeue()
	require.NotNil(t, op)
	assert.Contains(t, op.PipelineTimestamps, core.MilestoneExecutionReceived)

	c.MarkComplete(ctx, "opp-1")
	assert.Equal(t, []string{"1-0"}, broker.Acked(c.cfg.Stream, c.cfg.Group))
	assert.False(t, c.IsActive("opp-1"))
	assert.Zero(t, c.GetPendingCount())
}

func TestHandleMessageDeadLettersStructuralFailures(t *testing.T) {
	c, broker, q, stats := testConsumer(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(map[string]any)
		reason string
	}{
		{"missing id", func(v map[string]any) { delete(v, "id") }, core.ValidationMissingField},
		{"missing confidence", func(v map[string]any) { delete(v, "confidence") }, core.ValidationMissingField},
		{"unknown type", func(v map[string]any) { v["type"] = "triangular" }, core.ValidationInvalidType},
		{"bad amount", func(v map[string]any) { v["amountIn"] = "1.5e18" }, core.ValidationBadAmount},
		{"bad expiry", func(v map[string]any) { v["expiresAt"] = "soon" }, core.ValidationBadExpiry},
		{"expired", func(v map[string]any) { v["expiresAt"] = "1000" }, core.ValidationExpired},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := validValues("opp-bad")
			tt.mutate(values)
			msg := &stream.Message{ID: strconv.Itoa(i) + "-0", Values: values}
			c.handleStreamMessage(ctx, msg)

			assert.Zero(t, q.Size())
			assert.Contains(t, broker.Acked(c.cfg.Stream, c.cfg.Group), msg.ID)
			entries := broker.Entries(c.cfg.DeadLetterStream)
			require.NotEmpty(t, entries)
			last := entries[len(entries)-1].Values
			assert.Equal(t, tt.reason, last["reason"])
			// Metadata only: the payload must not cross.
			assert.NotContains(t, last, "amountIn")
			assert.NotContains(t, last, "expectedProfit")
		})
	}
	assert.Equal(t, int64(len(tests)), stats.DeadLettered.Load())
}

func TestHandleMessageRejectsDuplicateWhileActive(t *testing.T) {
	c, broker, q, stats := testConsumer(t)
	ctx := context.Background()

	c.handleStreamMessage(ctx, &stream.Message{ID: "1-0", Values: validValues("opp-1")})
	c.handleStreamMessage(ctx, &stream.Message{ID: "2-0", Values: validValues("opp-1")})

	assert.Equal(t, 1, q.Size())
	assert.Equal(t, int64(1), stats.Duplicates.Load())
	// Only the duplicate was acked.
	assert.Equal(t, []string{"2-0"}, broker.Acked(c.cfg.Stream, c.cfg.Group))
}

func TestHandleMessageReplacesStalePendingEntry(t *testing.T) {
	c, broker, q, _ := testConsumer(t)
	ctx := context.Background()

	c.handleStreamMessage(ctx, &stream.Message{ID: "1-0", Values: validValues("opp-1")})
	require.Equal(t, 1, q.Size())

	// Simulate a crashed execution: the active flag was lost but the
	// pending entry survived.
	c.mu.Lock()
	delete(c.active, "opp-1")
	c.mu.Unlock()

	c.handleStreamMessage(ctx, &stream.Message{ID: "2-0", Values: validValues("opp-1")})

	// The stale message was acked, the new one took over the pending slot.
	assert.Equal(t, []string{"1-0"}, broker.Acked(c.cfg.Stream, c.cfg.Group))
	assert.True(t, c.IsActive("opp-1"))
	assert.Equal(t, 1, c.GetPendingCount())
	assert.Equal(t, 2, q.Size())

	c.MarkComplete(ctx, "opp-1")
	assert.Contains(t, broker.Acked(c.cfg.Stream, c.cfg.Group), "2-0")
}

func TestHandleMessageRejectsLowConfidence(t *testing.T) {
	c, broker, q, stats := testConsumer(t)
	ctx := context.Background()

	values := validValues("opp-1")
	values["confidence"] = "0.2"
	c.handleStreamMessage(ctx, &stream.Message{ID: "1-0", Values: values})

	assert.Zero(t, q.Size())
	assert.Equal(t, int64(1), stats.Rejected.Load())
	assert.False(t, c.IsActive("opp-1"))
	assert.Zero(t, c.GetPendingCount())
	assert.Equal(t, []string{"1-0"}, broker.Acked(c.cfg.Stream, c.cfg.Group))
	// Business rejections never dead-letter.
	assert.Empty(t, broker.Entries(c.cfg.DeadLetterStream))
}

func TestHandleMessageRollsBackOnQueueReject(t *testing.T) {
	cfg := params.DefaultQueueConfig
	cfg.MaxSize = 2
	cfg.HighWaterMark = 2
	cfg.LowWaterMark = 1
	q, err := queue.New(cfg)
	require.NoError(t, err)
	broker := stream.NewMemBroker()
	stats := &core.ExecutionStats{}
	c := New(params.DefaultConsumerConfig, broker, q, stats)
	ctx := context.Background()

	c.handleStreamMessage(ctx, &stream.Message{ID: "1-0", Values: validValues("opp-1")})
	c.handleStreamMessage(ctx, &stream.Message{ID: "2-0", Values: validValues("opp-2")})
	// The queue is at its high water mark now and rejects.
	c.handleStreamMessage(ctx, &stream.Message{ID: "3-0", Values: validValues("opp-3")})

	assert.Equal(t, 2, q.Size())
	assert.Equal(t, int64(1), stats.QueueRejects.Load())
	assert.False(t, c.IsActive("opp-3"))
	assert.Equal(t, []string{"3-0"}, broker.Acked(c.cfg.Stream, c.cfg.Group))
}

func TestCleanupStalePendingMessages(t *testing.T) {
	c, broker, _, _ := testConsumer(t)
	ctx := context.Background()

	c.handleStreamMessage(ctx, &stream.Message{ID: "1-0", Values: validValues("opp-old")})
	c.handleStreamMessage(ctx, &stream.Message{ID: "2-0", Values: validValues("opp-new")})

	// Age only the first entry past the ten-minute max.
	c.mu.Lock()
	entry := c.pending["opp-old"]
	entry.queuedAt = entry.queuedAt.Add(-11 * time.Minute)
	c.pending["opp-old"] = entry
	c.mu.Unlock()

	stale := c.GetStalePendingInfo()
	require.Len(t, stale, 1)
	assert.Equal(t, "opp-old", stale[0].OpportunityID)

	cleaned := c.CleanupStalePendingMessages(ctx)
	assert.Equal(t, 1, cleaned)
	assert.Equal(t, []string{"1-0"}, broker.Acked(c.cfg.Stream, c.cfg.Group))
	assert.Equal(t, 1, c.GetPendingCount())
	assert.False(t, c.IsActive("opp-old"))
	assert.True(t, c.IsActive("opp-new"))
}

func TestPauseBindingGatesReader(t *testing.T) {
	c, _, q, _ := testConsumer(t)
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	q.Pause()
	assert.True(t, c.isPaused())
	q.Resume()
	assert.False(t, c.isPaused())
}

func TestPauseSignalAfterStopIsIgnored(t *testing.T) {
	c, _, q, _ := testConsumer(t)
	// Never started: running is false, the signal must be dropped quietly.
	q.Pause()
	assert.False(t, c.isPaused())
}
