// Package auditlog delivers audit events to a sink from a bounded async queue.
//
// Log never blocks on I/O. Events are batched by size or interval and written
// by a single worker. When the queue is full, the logger is closed, or the sink
// fails, events are written to the process log instead so nothing the pipeline
// reports is silently lost.
package auditlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/carebridge/gatekeeper/internal/metrics"
	"github.com/carebridge/gatekeeper/pkg/domain/audit"
	"github.com/carebridge/gatekeeper/pkg/domain/shared"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// Config configures the audit logger.
type Config struct {
	// QueueSize bounds the number of buffered events (default: 4096)
	QueueSize int

	// BatchSize is the maximum number of events per sink write (default: 100)
	BatchSize int

	// FlushInterval is the maximum age of a partial batch (default: 1s)
	FlushInterval time.Duration

	// WriteTimeout bounds a single sink write (default: 5s)
	WriteTimeout time.Duration
}

// DefaultConfig returns the default logger configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:     4096,
		BatchSize:     100,
		FlushInterval: time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
}

// Logger is an asynchronous audit.Logger.
type Logger struct {
	sink   audit.Sink
	cfg    Config
	logger *logger.Logger

	events  chan *audit.Event
	done    chan struct{}
	stopped chan struct{}

	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	closeErr  error

	sinkWarn rate.Sometimes
}

var _ audit.Logger = (*Logger)(nil)

// New creates a Logger and starts its worker.
func New(sink audit.Sink, cfg Config, log *logger.Logger) *Logger {
	cfg.applyDefaults()
	l := &Logger{
		sink:     sink,
		cfg:      cfg,
		logger:   log.With("component", "audit"),
		events:   make(chan *audit.Event, cfg.QueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		sinkWarn: rate.Sometimes{Interval: 30 * time.Second},
	}
	go l.run()
	return l
}

// Log queues an event. It returns audit.ErrQueueFull or shared.ErrClosed
// when the event went to the process log instead; callers may ignore both.
func (l *Logger) Log(event *audit.Event) error {
	if event == nil {
		return nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		metrics.AuditEventsDroppedTotal.WithLabelValues("closed").Inc()
		l.fallback(event, "logger closed")
		return shared.ErrClosed
	}

	select {
	case l.events <- event:
		metrics.AuditEventsTotal.WithLabelValues(string(event.Type())).Inc()
		metrics.AuditQueueDepth.Set(float64(len(l.events)))
		return nil
	default:
		metrics.AuditEventsDroppedTotal.WithLabelValues("queue_full").Inc()
		l.fallback(event, "queue full")
		return audit.ErrQueueFull
	}
}

// Close stops intake, drains queued events to the sink and closes the sink.
// If the drain does not finish before ctx is done, Close reports ctx.Err()
// but still closes the sink under a fresh WriteTimeout so buffered events
// are flushed. Safe to call multiple times.
func (l *Logger) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		close(l.done)

		select {
		case <-l.stopped:
			l.closeErr = l.sink.Close(ctx)
		case <-ctx.Done():
			l.logger.Warn("audit: drain interrupted, closing sink", "error", ctx.Err())
			sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.WriteTimeout)
			defer cancel()
			l.closeErr = errors.Join(ctx.Err(), l.sink.Close(sinkCtx))
		}
	})
	return l.closeErr
}

func (l *Logger) run() {
	defer close(l.stopped)

	batch := make([]*audit.Event, 0, l.cfg.BatchSize)
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		l.write(batch)
		batch = make([]*audit.Event, 0, l.cfg.BatchSize)
		metrics.AuditQueueDepth.Set(float64(len(l.events)))
	}

	for {
		select {
		case ev := <-l.events:
			batch = append(batch, ev)
			if len(batch) >= l.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			// Log holds the read lock while sending, so after closed is set
			// no new event can enter the channel.
			for {
				select {
				case ev := <-l.events:
					batch = append(batch, ev)
					if len(batch) >= l.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (l *Logger) write(batch []*audit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.WriteTimeout)
	defer cancel()

	err := l.safeWrite(ctx, batch)
	if err == nil {
		metrics.AuditSinkWritesTotal.WithLabelValues("success").Inc()
		return
	}

	metrics.AuditSinkWritesTotal.WithLabelValues("error").Inc()
	metrics.AuditEventsDroppedTotal.WithLabelValues("sink_error").Add(float64(len(batch)))
	l.sinkWarn.Do(func() {
		l.logger.Warn("audit sink write failed, falling back to process log",
			"error", err,
			"batch_size", len(batch),
		)
	})
	for _, ev := range batch {
		l.fallback(ev, "sink unavailable")
	}
}

func (l *Logger) safeWrite(ctx context.Context, batch []*audit.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("audit sink panicked")
		}
	}()
	return l.sink.Write(ctx, batch)
}

// fallback writes the event to the process log. The "audit:" prefix is never sampled.
func (l *Logger) fallback(ev *audit.Event, cause string) {
	l.logger.Warn("audit: "+string(ev.Type()), eventAttrs(ev, "fallback_cause", cause)...)
}

func eventAttrs(ev *audit.Event, extra ...any) []any {
	attrs := []any{
		"event_id", ev.ID().String(),
		"severity", string(ev.Severity()),
		"description", ev.Description(),
		"source_ip", ev.SourceIP(),
		"timestamp", ev.Timestamp(),
	}
	if ev.UserID() != "" {
		attrs = append(attrs, "user_id", ev.UserID())
	}
	if ev.RequestID() != "" {
		attrs = append(attrs, "request_id", ev.RequestID())
	}
	if d := ev.Details(); len(d) > 0 {
		attrs = append(attrs, "details", d)
	}
	return append(attrs, extra...)
}
