// Package consumer reads opportunities from the durable stream, validates
// and deduplicates them and hands them to the execution queue. Messages are
// acknowledged only when their execution reaches a terminal state.
package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/params"
	"github.com/mevlab/arb-engine/queue"
	"github.com/mevlab/arb-engine/stream"
)

// pendingEntry tracks one unacknowledged stream message.
type pendingEntry struct {
	messageID string
	queuedAt  time.Time
}

// StalePendingInfo describes a pending entry past the max age, for
// diagnostics.
type StalePendingInfo struct {
	OpportunityID string
	MessageID     string
	Age           time.Duration
}

// Consumer is the stream-side of the engine.
type Consumer struct {
	cfg        params.ConsumerConfig
	broker     stream.Broker
	queue      *queue.Queue
	stats      *core.ExecutionStats
	instanceID string

	mu      sync.Mutex
	active  map[string]struct{}
	pending map[string]pendingEntry
	paused  bool
	running bool

	now func() time.Time

	quit chan struct{}
	wg   sync.WaitGroup
}

// New wires a consumer to its queue. The pause state of the queue gates the
// stream reader: while paused nothing is read, so redis retains the backlog.
func New(cfg params.ConsumerConfig, broker stream.Broker, q *queue.Queue, stats *core.ExecutionStats) *Consumer {
	c := &Consumer{
		cfg:        cfg,
		broker:     broker,
		queue:      q,
		stats:      stats,
		instanceID: uuid.NewString(),
		active:     make(map[string]struct{}),
		pending:    make(map[string]pendingEntry),
		now:        time.Now,
		quit:       make(chan struct{}),
	}
	q.OnPauseStateChange(c.onPauseChange)
	return c
}

// Start creates the consumer group and launches the read and cleanup loops.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.broker.EnsureGroup(ctx, c.cfg.Stream, c.cfg.Group); err != nil {
		return err
	}
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()

	c.wg.Add(2)
	go c.readLoop(ctx)
	go c.cleanupLoop(ctx)
	log.Info("opportunity consumer started", "stream", c.cfg.Stream,
		"group", c.cfg.Group, "instance", c.instanceID)
	return nil
}

// Stop halts both loops. In-flight pending entries stay unacknowledged so
// another group member can claim them.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.mu.Unlock()
	close(c.quit)
	c.wg.Wait()
	log.Info("opportunity consumer stopped", "pending", c.GetPendingCount())
}

func (c *Consumer) readLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.quit:
			return
		case <-ctx.Done():
			return
		default:
		}
		if c.isPaused() {
			// Halt reading while the queue is backpressured; the stream
			// retains our position.
			select {
			case <-time.After(c.cfg.Block):
			case <-c.quit:
				return
			}
			continue
		}
		msgs, err := c.broker.ReadGroup(ctx, c.cfg.Stream, c.cfg.Group, c.instanceID, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("stream read failed", "stream", c.cfg.Stream, "err", err)
			select {
			case <-time.After(c.cfg.Block):
			case <-c.quit:
				return
			}
			continue
		}
		for i := range msgs {
			c.handleStreamMessage(ctx, &msgs[i])
		}
	}
}

// handleStreamMessage runs the per-message protocol: structural validation,
// atomic duplicate check, business validation, then enqueue with a pending
// entry. Every terminal path except a successful enqueue ACKs immediately.
func (c *Consumer) handleStreamMessage(ctx context.Context, msg *stream.Message) {
	c.stats.Received.Add(1)

	op, reject := parseOpportunity(msg.Values, c.now().UnixMilli())
	if reject != "" {
		c.deadLetter(ctx, msg, reject)
		c.ack(ctx, msg.ID)
		return
	}

	c.mu.Lock()
	if _, dup := c.active[op.ID]; dup {
		c.mu.Unlock()
		c.stats.Duplicates.Add(1)
		duplicateMeter.Mark(1)
		log.Debug("duplicate opportunity while active, acking", "id", op.ID, "msg", msg.ID)
		c.ack(ctx, msg.ID)
		return
	}
	// A pending entry without an active execution is a leak from a
	// crashed or rolled-back attempt: ACK the stale message and take the
	// new one.
	if stale, ok := c.pending[op.ID]; ok && stale.messageID != msg.ID {
		delete(c.pending, op.ID)
		c.mu.Unlock()
		log.Debug("replacing stale pending entry", "id", op.ID,
			"stale", stale.messageID, "new", msg.ID)
		c.ack(ctx, stale.messageID)
		c.mu.Lock()
	}
	c.active[op.ID] = struct{}{}
	c.pending[op.ID] = pendingEntry{messageID: msg.ID, queuedAt: c.now()}
	c.updateGaugesLocked()
	c.mu.Unlock()

	if op.Confidence < c.cfg.MinConfidence {
		log.Debug("opportunity below confidence threshold", "id", op.ID,
			"confidence", op.Confidence, "min", c.cfg.MinConfidence)
		c.stats.Rejected.Add(1)
		c.rollback(ctx, op.ID, msg.ID)
		return
	}

	if !c.queue.Enqueue(op) {
		c.stats.QueueRejects.Add(1)
		log.Debug("queue rejected opportunity", "id", op.ID)
		c.rollback(ctx, op.ID, msg.ID)
		return
	}
}

// rollback clears the active and pending entries for a message that never
// reached the queue, then ACKs it.
func (c *Consumer) rollback(ctx context.Context, opportunityID, messageID string) {
	c.mu.Lock()
	delete(c.active, opportunityID)
	delete(c.pending, opportunityID)
	c.updateGaugesLocked()
	c.mu.Unlock()
	c.ack(ctx, messageID)
}

// deadLetter publishes essential metadata about an unprocessable message.
// The payload itself never crosses; only enough to triage.
func (c *Consumer) deadLetter(ctx context.Context, msg *stream.Message, reason string) {
	entry := map[string]any{
		"messageId":  msg.ID,
		"id":         asString(msg.Values["id"]),
		"type":       asString(msg.Values["type"]),
		"service":    c.cfg.Group,
		"instanceId": c.instanceID,
		"reason":     reason,
		"timestamp":  c.now().UnixMilli(),
	}
	if _, err := c.broker.Publish(ctx, c.cfg.DeadLetterStream, entry); err != nil {
		log.Warn("dead-letter publish failed", "msg", msg.ID, "reason", reason, "err", err)
		return
	}
	c.stats.DeadLettered.Add(1)
	deadLetterMeter.Mark(1)
	log.Debug("message dead-lettered", "msg", msg.ID, "reason", reason)
}

func (c *Consumer) ack(ctx context.Context, ids ...string) {
	if err := c.broker.Ack(ctx, c.cfg.Stream, c.cfg.Group, ids...); err != nil {
		log.Warn("stream ack failed", "ids", ids, "err", err)
	}
}

// MarkActive registers an execution id directly, used by tests and replays.
func (c *Consumer) MarkActive(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[id] = struct{}{}
	c.updateGaugesLocked()
}

// MarkComplete is the terminal ACK: the execution finished (in either
// direction), so the stream entry and both tracking maps are released.
func (c *Consumer) MarkComplete(ctx context.Context, id string) {
	c.mu.Lock()
	entry, hadPending := c.pending[id]
	delete(c.active, id)
	delete(c.pending, id)
	c.updateGaugesLocked()
	c.mu.Unlock()
	if hadPending {
		c.ack(ctx, entry.messageID)
	}
}

// IsActive reports whether an opportunity is currently being executed.
func (c *Consumer) IsActive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[id]
	return ok
}

// GetActiveCount returns the number of active executions.
func (c *Consumer) GetActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// GetPendingCount returns the number of unacknowledged stream messages.
func (c *Consumer) GetPendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// GetStalePendingInfo lists pending entries older than the max age.
func (c *Consumer) GetStalePendingInfo() []StalePendingInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var out []StalePendingInfo
	for id, entry := range c.pending {
		if age := now.Sub(entry.queuedAt); age > c.cfg.PendingMessageMaxAge {
			out = append(out, StalePendingInfo{OpportunityID: id, MessageID: entry.messageID, Age: age})
		}
	}
	return out
}

// CleanupStalePendingMessages ACKs and evicts pending entries older than
// the max age, returning how many were cleaned. A failed ACK leaves the
// entry for the next run.
func (c *Consumer) CleanupStalePendingMessages(ctx context.Context) int {
	stale := c.GetStalePendingInfo()
	cleaned := 0
	for _, info := range stale {
		if err := c.broker.Ack(ctx, c.cfg.Stream, c.cfg.Group, info.MessageID); err != nil {
			log.Warn("stale pending ack failed, keeping entry", "id", info.OpportunityID, "err", err)
			continue
		}
		c.mu.Lock()
		delete(c.pending, info.OpportunityID)
		delete(c.active, info.OpportunityID)
		c.updateGaugesLocked()
		c.mu.Unlock()
		cleaned++
		log.Warn("cleaned stale pending message", "id", info.OpportunityID,
			"msg", info.MessageID, "age", info.Age)
	}
	return cleaned
}

func (c *Consumer) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.StalePendingCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.CleanupStalePendingMessages(ctx); n > 0 {
				staleCleanupMeter.Mark(int64(n))
			}
		case <-c.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) onPauseChange(paused bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		// Pause signals racing shutdown are expected, not errors.
		log.Debug("pause signal after consumer stop", "paused", paused)
		return
	}
	c.paused = paused
	log.Debug("consumer pause state changed", "paused", paused)
}

func (c *Consumer) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) updateGaugesLocked() {
	activeGauge.Update(int64(len(c.active)))
	pendingGauge.Update(int64(len(c.pending)))
}
