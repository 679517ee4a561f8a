package threat

import (
	"sync"
	"time"
)

// FailureTracker counts authentication failures per identity over a rolling
// window. Stamps older than the window are evicted lazily and by Sweep.
type FailureTracker struct {
	mu       sync.Mutex
	window   time.Duration
	maxStamp int
	failures map[string][]time.Time
}

// NewFailureTracker creates a tracker keeping at most maxStamps per identity.
func NewFailureTracker(window time.Duration, maxStamps int) *FailureTracker {
	if maxStamps <= 0 {
		maxStamps = 64
	}
	return &FailureTracker{
		window:   window,
		maxStamp: maxStamps,
		failures: make(map[string][]time.Time),
	}
}

// RecordFailure appends a failure and returns the count within the window.
func (t *FailureTracker) RecordFailure(key string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	stamps := evictBefore(t.failures[key], now.Add(-t.window))
	stamps = append(stamps, now)
	if len(stamps) > t.maxStamp {
		stamps = stamps[len(stamps)-t.maxStamp:]
	}
	t.failures[key] = stamps
	return len(stamps)
}

// Reset clears the identity's failures, e.g. after a successful login.
func (t *FailureTracker) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, key)
}

// Count returns the failures within the window.
func (t *FailureTracker) Count(key string, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	stamps, ok := t.failures[key]
	if !ok {
		return 0
	}
	stamps = evictBefore(stamps, now.Add(-t.window))
	if len(stamps) == 0 {
		delete(t.failures, key)
		return 0
	}
	t.failures[key] = stamps
	return len(stamps)
}

// Sweep drops identities without failures in the window and returns how many remain.
func (t *FailureTracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.window)

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, stamps := range t.failures {
		stamps = evictBefore(stamps, cutoff)
		if len(stamps) == 0 {
			delete(t.failures, key)
			continue
		}
		t.failures[key] = stamps
	}
	return len(t.failures)
}

// Len returns the number of tracked identities.
func (t *FailureTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.failures)
}

// evictBefore drops stamps at or before cutoff. Stamps are ordered.
func evictBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}

// Volume tracking parameters.
const (
	volumeBucket = 10 * time.Second
	volumeAlpha  = 0.3
	// maxIdleBuckets caps how many empty buckets are folded into the baseline
	// after a quiet period.
	maxIdleBuckets = 30
)

// VolumeStats describes an identity's request rate at observation time.
type VolumeStats struct {
	// Current is the request count in the current bucket, this request included.
	Current int
	// Baseline is the EWMA of completed bucket counts.
	Baseline float64
	// History is the number of completed buckets folded into the baseline.
	History int
}

type volumeState struct {
	bucketStart time.Time
	count       int
	baseline    float64
	history     int
}

// VolumeTracker keeps a per-identity EWMA baseline of request counts per
// fixed bucket, for spotting sudden rate deviations.
type VolumeTracker struct {
	mu     sync.Mutex
	idle   time.Duration
	states map[string]*volumeState
}

// NewVolumeTracker creates a tracker that forgets identities idle for longer than idle.
func NewVolumeTracker(idle time.Duration) *VolumeTracker {
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	return &VolumeTracker{
		idle:   idle,
		states: make(map[string]*volumeState),
	}
}

// Observe records one request at now and returns the identity's stats.
func (t *VolumeTracker) Observe(key string, now time.Time) VolumeStats {
	bucket := now.Truncate(volumeBucket)

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[key]
	if !ok {
		st = &volumeState{bucketStart: bucket}
		t.states[key] = st
	}

	if bucket.After(st.bucketStart) {
		st.fold(st.count)
		idle := int(bucket.Sub(st.bucketStart)/volumeBucket) - 1
		for range min(idle, maxIdleBuckets) {
			st.fold(0)
		}
		st.bucketStart = bucket
		st.count = 0
	}

	st.count++
	return VolumeStats{Current: st.count, Baseline: st.baseline, History: st.history}
}

func (s *volumeState) fold(count int) {
	if s.history == 0 {
		s.baseline = float64(count)
	} else {
		s.baseline = volumeAlpha*float64(count) + (1-volumeAlpha)*s.baseline
	}
	s.history++
}

// Sweep drops identities idle for longer than the idle period and returns how many remain.
func (t *VolumeTracker) Sweep(now time.Time) int {
	cutoff := now.Add(-t.idle)

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, st := range t.states {
		if st.bucketStart.Before(cutoff) {
			delete(t.states, key)
		}
	}
	return len(t.states)
}

// Len returns the number of tracked identities.
func (t *VolumeTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
