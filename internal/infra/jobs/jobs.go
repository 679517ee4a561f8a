package jobs

import (
	"context"
	"fmt"

	"github.com/carebridge/gatekeeper/internal/metrics"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
)

// Job names.
const (
	JobWindowSnapshot = "window_snapshot"
	JobBlacklistSweep = "blacklist_sweep"
	JobArchiveFlush   = "archive_flush"
)

// WindowSource exposes the live rate windows.
type WindowSource interface {
	Snapshot() []admission.WindowSnapshot
}

// WindowSaver persists rate windows.
type WindowSaver interface {
	Save(ctx context.Context, snaps []admission.WindowSnapshot) (int, error)
}

// WindowSnapshot copies the limiter's windows to the shared store so a
// restarted gateway can resume them.
func WindowSnapshot(src WindowSource, dst WindowSaver) Job {
	return Func(JobWindowSnapshot, func(ctx context.Context) (int, error) {
		snaps := src.Snapshot()
		if len(snaps) == 0 {
			return 0, nil
		}
		n, err := dst.Save(ctx, snaps)
		if err != nil {
			return n, fmt.Errorf("save windows: %w", err)
		}
		return n, nil
	})
}

// Sweeper drops expired in-process blacklist entries.
type Sweeper interface {
	Sweep() int
}

// Counter reports the number of entries in a shared blacklist.
type Counter interface {
	Len(ctx context.Context) (int, error)
}

// BlacklistSweep removes expired entries from an in-process blacklist.
func BlacklistSweep(s Sweeper) Job {
	return Func(JobBlacklistSweep, func(context.Context) (int, error) {
		return s.Sweep(), nil
	})
}

// BlacklistGauge refreshes the active-entries gauge from a store that expires
// entries on its own.
func BlacklistGauge(c Counter) Job {
	return Func(JobBlacklistSweep, func(ctx context.Context) (int, error) {
		n, err := c.Len(ctx)
		if err != nil {
			return 0, fmt.Errorf("count blacklist entries: %w", err)
		}
		metrics.BlacklistEntriesActive.Set(float64(n))
		return 0, nil
	})
}

// Flusher uploads buffered audit records.
type Flusher interface {
	Buffered() int
	Flush(ctx context.Context) (string, error)
}

// ArchiveFlush uploads the audit archive buffer as one object.
func ArchiveFlush(f Flusher) Job {
	return Func(JobArchiveFlush, func(ctx context.Context) (int, error) {
		n := f.Buffered()
		if n == 0 {
			return 0, nil
		}
		if _, err := f.Flush(ctx); err != nil {
			return 0, fmt.Errorf("flush archive: %w", err)
		}
		return n, nil
	})
}
