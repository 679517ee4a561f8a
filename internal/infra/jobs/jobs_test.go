package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

type fakeWindows struct {
	snaps   []admission.WindowSnapshot
	saved   []admission.WindowSnapshot
	saveErr error
}

func (f *fakeWindows) Snapshot() []admission.WindowSnapshot { return f.snaps }

func (f *fakeWindows) Save(_ context.Context, snaps []admission.WindowSnapshot) (int, error) {
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	f.saved = append(f.saved, snaps...)
	return len(snaps), nil
}

type fakeFlusher struct {
	buffered int
	flushes  int
	err      error
}

func (f *fakeFlusher) Buffered() int { return f.buffered }

func (f *fakeFlusher) Flush(context.Context) (string, error) {
	f.flushes++
	if f.err != nil {
		return "", f.err
	}
	f.buffered = 0
	return "audit/x.ndjson.zst", nil
}

type fakeSweeper struct{ removed int }

func (f fakeSweeper) Sweep() int { return f.removed }

type fakeCounter struct {
	n   int
	err error
}

func (f fakeCounter) Len(context.Context) (int, error) { return f.n, f.err }

func TestWindowSnapshot(t *testing.T) {
	t.Run("saves live windows", func(t *testing.T) {
		w := &fakeWindows{snaps: []admission.WindowSnapshot{{Key: "10.0.0.1"}, {Key: "10.0.0.2"}}}
		n, err := WindowSnapshot(w, w).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Len(t, w.saved, 2)
	})

	t.Run("nothing to save", func(t *testing.T) {
		w := &fakeWindows{saveErr: errors.New("unreachable")}
		n, err := WindowSnapshot(w, w).Run(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("store error", func(t *testing.T) {
		w := &fakeWindows{snaps: []admission.WindowSnapshot{{Key: "k"}}, saveErr: errors.New("boom")}
		_, err := WindowSnapshot(w, w).Run(context.Background())
		assert.ErrorContains(t, err, "save windows")
	})
}

func TestArchiveFlush(t *testing.T) {
	tests := []struct {
		name        string
		flusher     *fakeFlusher
		wantCount   int
		wantFlushes int
		wantErr     bool
	}{
		{name: "empty buffer skips upload", flusher: &fakeFlusher{}, wantFlushes: 0},
		{name: "uploads buffered events", flusher: &fakeFlusher{buffered: 7}, wantCount: 7, wantFlushes: 1},
		{name: "upload failure", flusher: &fakeFlusher{buffered: 3, err: errors.New("denied")}, wantFlushes: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := ArchiveFlush(tt.flusher).Run(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCount, n)
			assert.Equal(t, tt.wantFlushes, tt.flusher.flushes)
		})
	}
}

func TestBlacklistJobs(t *testing.T) {
	n, err := BlacklistSweep(fakeSweeper{removed: 4}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = BlacklistGauge(fakeCounter{n: 2}).Run(context.Background())
	require.NoError(t, err)

	_, err = BlacklistGauge(fakeCounter{err: errors.New("down")}).Run(context.Background())
	assert.Error(t, err)
}

func TestScheduler_Register(t *testing.T) {
	s := NewScheduler(time.Second, logger.NewNop())
	noop := Func("noop", func(context.Context) (int, error) { return 0, nil })

	require.NoError(t, s.Register("@every 1m", noop))
	require.NoError(t, s.Register("", Func("disabled", noop.Run)))
	assert.Error(t, s.Register("not a schedule", noop))
	assert.Equal(t, []string{"noop"}, s.Jobs())

	s.Start()
	assert.Error(t, s.Register("@every 1m", noop))
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_RunsJobs(t *testing.T) {
	s := NewScheduler(time.Second, logger.NewNop())

	var runs atomic.Int32
	require.NoError(t, s.Register("@every 1s", Func("tick", func(context.Context) (int, error) {
		runs.Add(1)
		return 1, nil
	})))

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduler_RunOnceAppliesTimeout(t *testing.T) {
	s := NewScheduler(20*time.Millisecond, logger.NewNop())

	var deadline atomic.Bool
	s.RunOnce(context.Background(), Func("slow", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		deadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return 0, ctx.Err()
	}))
	assert.True(t, deadline.Load())
}
