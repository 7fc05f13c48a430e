package queue

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/mevlab/arb-engine/core"
	"github.com/mevlab/arb-engine/params"
)

// Queue is the bounded execution queue between the stream consumer and the
// engine. It is a fixed-capacity circular buffer with two-threshold
// backpressure: the queue pauses intake when size reaches the high water
// mark and resumes only once size has drained to the low water mark, so the
// pause state cannot thrash between the two.
//
// Manual pause (standby instances) and backpressure pause compose: the queue
// accepts items only when neither is set.
type Queue struct {
	mu sync.Mutex

	buf   []*core.Opportunity // circular buffer, capacity fixed at maxSize
	head  int
	count int

	maxSize int
	high    int
	low     int

	backpressurePaused bool
	manuallyPaused     bool

	itemAvailable func()
	pauseChange   func(paused bool)
}

// New constructs a queue. Water marks must satisfy low < high <= maxSize.
func New(cfg params.QueueConfig) (*Queue, error) {
	if cfg.MaxSize <= 0 {
		return nil, params.ErrZeroQueueCapacity
	}
	if cfg.LowWaterMark >= cfg.HighWaterMark || cfg.HighWaterMark > cfg.MaxSize {
		return nil, params.ErrInvalidWaterMarks
	}
	return &Queue{
		buf:     make([]*core.Opportunity, cfg.MaxSize),
		maxSize: cfg.MaxSize,
		high:    cfg.HighWaterMark,
		low:     cfg.LowWaterMark,
	}, nil
}

// OnItemAvailable registers the single item-available subscriber.
func (q *Queue) OnItemAvailable(cb func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.itemAvailable = cb
}

// OnPauseStateChange registers the single pause-state subscriber.
func (q *Queue) OnPauseStateChange(cb func(paused bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pauseChange = cb
}

// Enqueue appends op in FIFO order. It returns false when the queue is full
// or effectively paused. On success the item-available subscriber is invoked
// synchronously unless the push itself engaged backpressure.
func (q *Queue) Enqueue(op *core.Opportunity) bool {
	q.mu.Lock()

	if q.effectivePaused() || q.count >= q.maxSize {
		q.mu.Unlock()
		queueRejectMeter.Mark(1)
		log.Trace("queue enqueue rejected", "id", op.ID, "size", q.count)
		return false
	}

	q.buf[(q.head+q.count)%q.maxSize] = op
	q.count++
	queueDepthGauge.Update(int64(q.count))
	log.Trace("queue enqueued", "id", op.ID, "size", q.count)

	pauseCb, nowPaused := q.updateBackpressure()
	signal := q.itemAvailable
	paused := q.effectivePaused()
	q.mu.Unlock()

	if pauseCb != nil {
		q.firePauseChange(pauseCb, nowPaused)
	}
	if signal != nil && !paused {
		q.fireItemAvailable(signal)
	}
	return true
}

// Dequeue removes and returns the oldest item, or nil when empty.
func (q *Queue) Dequeue() *core.Opportunity {
	q.mu.Lock()

	if q.count == 0 {
		q.mu.Unlock()
		return nil
	}
	op := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % q.maxSize
	q.count--
	queueDepthGauge.Update(int64(q.count))

	pauseCb, nowPaused := q.updateBackpressure()
	q.mu.Unlock()

	if pauseCb != nil {
		q.firePauseChange(pauseCb, nowPaused)
	}
	return op
}

// Size returns the current number of queued items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// IsPaused reports the effective pause state.
func (q *Queue) IsPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.effectivePaused()
}

// IsManuallyPaused reports the manual pause flag alone.
func (q *Queue) IsManuallyPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.manuallyPaused
}

// Pause engages the manual pause used by standby instances.
func (q *Queue) Pause() {
	q.mu.Lock()
	was := q.effectivePaused()
	q.manuallyPaused = true
	now := q.effectivePaused()
	cb := q.pauseChange
	q.mu.Unlock()

	queuePausedGauge.Update(boolGauge(now))
	if cb != nil && was != now {
		q.firePauseChange(cb, now)
	}
}

// Resume releases the manual pause and, if items are waiting, flushes a
// single item-available signal so the engine picks up where it left off.
func (q *Queue) Resume() {
	q.mu.Lock()
	was := q.effectivePaused()
	q.manuallyPaused = false
	now := q.effectivePaused()
	cb := q.pauseChange
	signal := q.itemAvailable
	nonEmpty := q.count > 0
	q.mu.Unlock()

	queuePausedGauge.Update(boolGauge(now))
	if cb != nil && was != now {
		q.firePauseChange(cb, now)
	}
	if signal != nil && nonEmpty {
		q.fireItemAvailable(signal)
	}
}

// effectivePaused must be called with q.mu held.
func (q *Queue) effectivePaused() bool {
	return q.backpressurePaused || q.manuallyPaused
}

// updateBackpressure applies the hysteresis transitions and, when the
// effective pause state changed, returns the subscriber to notify. Must be
// called with q.mu held.
func (q *Queue) updateBackpressure() (func(bool), bool) {
	was := q.effectivePaused()
	switch {
	case !q.backpressurePaused && q.count >= q.high:
		q.backpressurePaused = true
		log.Debug("queue backpressure engaged", "size", q.count, "high", q.high)
	case q.backpressurePaused && q.count <= q.low:
		q.backpressurePaused = false
		log.Debug("queue backpressure released", "size", q.count, "low", q.low)
	default:
		return nil, was
	}
	now := q.effectivePaused()
	queuePausedGauge.Update(boolGauge(now))
	if now == was || q.pauseChange == nil {
		return nil, now
	}
	return q.pauseChange, now
}

// Subscriber panics are contained: a failing signal must not lose the
// enqueued item or wedge the queue.
func (q *Queue) fireItemAvailable(cb func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("queue item-available subscriber panicked", "err", r)
		}
	}()
	cb()
}

func (q *Queue) firePauseChange(cb func(bool), paused bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("queue pause subscriber panicked", "err", r)
		}
	}()
	cb(paused)
}

func boolGauge(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
