package audit

import (
	"context"
	"errors"
)

// ErrQueueFull is returned by a Logger when the event could not be queued.
var ErrQueueFull = errors.New("audit queue full")

// Logger is the append-only entry point used by the admission pipeline.
// Log never blocks the caller for I/O; failures are never fatal to a request.
type Logger interface {
	Log(event *Event) error
}

// Sink persists batches of audit events.
type Sink interface {
	// Write appends events. Implementations must not retain the slice.
	Write(ctx context.Context, events []*Event) error

	// Close releases resources and flushes anything the sink buffers.
	Close(ctx context.Context) error
}

// Repository is a Sink backed by a queryable store.
type Repository interface {
	Sink

	// ListRecent returns the newest events, newest first.
	ListRecent(ctx context.Context, limit int) ([]*Event, error)
}

// NopLogger discards events.
type NopLogger struct{}

// Log implements Logger.
func (NopLogger) Log(*Event) error { return nil }
