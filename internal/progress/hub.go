package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub. Zero values select
// the defaults: a 1024 event buffer, flushes every 256 events or 500ms, and
// a 10s per-sink timeout.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	BaseContext    context.Context
	Logger         *zap.Logger
	// RunID and Now stamp events that arrive without them.
	RunID [16]byte
	Now   func() time.Time
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Stats counts what the hub has done with emitted events.
type Stats struct {
	Delivered  int64
	Dropped    int64
	SinkErrors int64
}

// Hub batches events on a background goroutine and fans them out to sinks.
// Emit never blocks. When the buffer is full, ARTIFACT_SAVED and
// CATEGORY_START events are dropped; the rest are milestones the status board
// and metrics depend on and are held in an overflow list instead.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	kick   chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	overflowMu sync.Mutex
	overflow   []Event

	dropLimiter rateLimiter
	dropped     atomic.Int64
	dropTotal   atomic.Int64
	delivered   atomic.Int64
	sinkErrors  atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts a Hub fanning out to sinks. It is ready for Emit on return.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		events:      make(chan Event, cfg.BufferSize),
		kick:        make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      cfg.Logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

// droppable reports whether an event may be lost under backpressure.
func droppable(s Stage) bool {
	return s == StageArtifactSaved || s == StageCategoryStart
}

// Emit enqueues evt. Missing run IDs and timestamps are filled from the
// Config; invalid events and events emitted after Close are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.RunID == [16]byte{} {
		evt.RunID = h.cfg.RunID
	}
	if evt.TS.IsZero() && h.cfg.Now != nil {
		evt.TS = h.cfg.Now()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if !droppable(evt.Stage) {
		h.overflowMu.Lock()
		h.overflow = append(h.overflow, evt)
		h.overflowMu.Unlock()
		select {
		case h.kick <- struct{}{}:
		default:
		}
		return
	}
	h.dropTotal.Add(1)
	h.dropped.Add(1)
	if h.dropLimiter.Allow(time.Now()) {
		h.logger.Warn("progress events dropped", zap.Int64("dropped", h.dropped.Swap(0)))
	}
}

// Stats returns delivery counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Delivered:  h.delivered.Load(),
		Dropped:    h.dropTotal.Load(),
		SinkErrors: h.sinkErrors.Load(),
	}
}

// Close drains buffered events, flushes and closes the sinks, and waits for
// the background goroutine. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	b := newBatcher(h.cfg.MaxBatchEvents, h.cfg.MaxBatchWait)
	defer b.timer.Stop()
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		case <-h.kick:
			for _, evt := range h.takeOverflow() {
				if b.add(evt) {
					h.flush(b.take())
				}
			}
		case <-b.timer.C:
			b.armed = false
			h.flush(b.take())
		case <-h.stopCh:
			h.drain(b)
			h.closeSinks()
			return
		}
	}
}

// drain flushes whatever is buffered at shutdown, in emission order as far as
// the channel and overflow list allow.
func (h *Hub) drain(b *batcher) {
loop:
	for {
		select {
		case evt := <-h.events:
			if b.add(evt) {
				h.flush(b.take())
			}
		default:
			break loop
		}
	}
	for _, evt := range h.takeOverflow() {
		if b.add(evt) {
			h.flush(b.take())
		}
	}
	h.flush(b.take())
}

func (h *Hub) takeOverflow() []Event {
	h.overflowMu.Lock()
	defer h.overflowMu.Unlock()
	out := h.overflow
	h.overflow = nil
	return out
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.sinkErrors.Add(1)
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
	h.delivered.Add(int64(len(batch)))
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

// batcher accumulates events until the batch is full or its timer fires.
type batcher struct {
	max   int
	wait  time.Duration
	buf   []Event
	timer *time.Timer
	armed bool
}

func newBatcher(maxEvents int, wait time.Duration) *batcher {
	t := time.NewTimer(wait)
	t.Stop()
	return &batcher{max: maxEvents, wait: wait, buf: make([]Event, 0, maxEvents), timer: t}
}

// add appends evt and reports whether the batch is full.
func (b *batcher) add(evt Event) bool {
	b.buf = append(b.buf, evt)
	if len(b.buf) >= b.max {
		return true
	}
	if !b.armed {
		b.timer.Reset(b.wait)
		b.armed = true
	}
	return false
}

// take hands over the batch and disarms the timer. The returned slice is
// owned by the caller.
func (b *batcher) take() []Event {
	if b.armed {
		if !b.timer.Stop() {
			select {
			case <-b.timer.C:
			default:
			}
		}
		b.armed = false
	}
	out := b.buf
	b.buf = make([]Event, 0, b.max)
	return out
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
