package logger

import (
	"context"
	"log/slog"
	"sync"
)

// AsyncConfig configures buffered logging off the request path.
type AsyncConfig struct {
	Enabled bool

	// BufferSize is the number of records queued for the writer (default: 4096).
	BufferSize int

	// DropOnFull drops info and debug records when the queue is full instead
	// of blocking the caller. Warn and error records always wait for room.
	DropOnFull bool

	// OnDrop is called for every dropped record. Optional.
	OnDrop func(count int)
}

const defaultAsyncBuffer = 4096

// DefaultAsyncConfig returns the gateway defaults: disabled, and dropping
// low-level records under pressure once enabled.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{BufferSize: defaultAsyncBuffer, DropOnFull: true}
}

// asyncHandler queues records for one writer goroutine. Handlers derived
// through WithAttrs and WithGroup share the queue.
type asyncHandler struct {
	next  slog.Handler
	cfg   AsyncConfig
	queue *asyncQueue
}

type asyncQueue struct {
	mu      sync.RWMutex
	closed  bool
	records chan queuedRecord
	stopped chan struct{}
}

type queuedRecord struct {
	ctx    context.Context
	record slog.Record
	next   slog.Handler
}

// NewAsyncHandler starts the writer goroutine. Close drains the queue.
func NewAsyncHandler(h slog.Handler, cfg AsyncConfig) *asyncHandler {
	if !cfg.Enabled {
		return &asyncHandler{next: h, cfg: cfg}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultAsyncBuffer
	}

	q := &asyncQueue{
		records: make(chan queuedRecord, cfg.BufferSize),
		stopped: make(chan struct{}),
	}
	go q.write()
	return &asyncHandler{next: h, cfg: cfg, queue: q}
}

func (q *asyncQueue) write() {
	defer close(q.stopped)
	for rec := range q.records {
		_ = rec.next.Handle(rec.ctx, rec.record)
	}
}

func (h *asyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *asyncHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.queue == nil {
		return h.next.Handle(ctx, r)
	}

	h.queue.mu.RLock()
	defer h.queue.mu.RUnlock()
	if h.queue.closed {
		return h.next.Handle(ctx, r)
	}

	rec := queuedRecord{ctx: context.WithoutCancel(ctx), record: r.Clone(), next: h.next}
	if !h.cfg.DropOnFull || r.Level >= slog.LevelWarn {
		h.queue.records <- rec
		return nil
	}

	select {
	case h.queue.records <- rec:
	default:
		countRecord(r.Level, outcomeAsyncDropped)
		if h.cfg.OnDrop != nil {
			h.cfg.OnDrop(1)
		}
	}
	return nil
}

func (h *asyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &asyncHandler{next: h.next.WithAttrs(attrs), cfg: h.cfg, queue: h.queue}
}

func (h *asyncHandler) WithGroup(name string) slog.Handler {
	return &asyncHandler{next: h.next.WithGroup(name), cfg: h.cfg, queue: h.queue}
}

// Close writes every queued record and stops the writer. Records logged
// afterwards are written synchronously. Safe to call more than once.
func (h *asyncHandler) Close() error {
	if h.queue == nil {
		return nil
	}
	h.queue.mu.Lock()
	if !h.queue.closed {
		h.queue.closed = true
		close(h.queue.records)
	}
	h.queue.mu.Unlock()

	<-h.queue.stopped
	return nil
}
