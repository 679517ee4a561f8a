package admission

import (
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/carebridge/gatekeeper/internal/metrics"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

const shardCount = 64

// Default rate limit used when configuration is missing or malformed.
const (
	DefaultRateLimit  = 60
	DefaultRatePeriod = 60 * time.Second
)

// LimiterConfig configures the sliding-window rate limiter.
type LimiterConfig struct {
	Limit         int
	Period        time.Duration
	SweepInterval time.Duration
}

// RateStatus is the outcome of one CheckAndRecord call.
type RateStatus struct {
	WithinLimit  bool
	CurrentCount int
	Limit        int
	// RetryAfter is set when the request was rejected.
	RetryAfter time.Duration
}

// Remaining returns how many more requests fit in the current window.
func (s RateStatus) Remaining() int {
	if r := s.Limit - s.CurrentCount; r > 0 {
		return r
	}
	return 0
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Limiter is a sliding-log rate limiter keyed by client identity.
// Windows live in a sharded map so concurrent requests from different
// identities rarely contend, while updates for one identity are linearizable.
type Limiter struct {
	limit         int
	period        time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *logger.Logger

	shards [shardCount]shard

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterClock overrides the time source.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a Limiter. Non-positive limits or periods fall back to
// DefaultRateLimit per DefaultRatePeriod with a warning.
func NewLimiter(cfg LimiterConfig, log *logger.Logger, opts ...LimiterOption) *Limiter {
	l := &Limiter{
		limit:         cfg.Limit,
		period:        cfg.Period,
		sweepInterval: cfg.SweepInterval,
		now:           time.Now,
		logger:        log.With("component", "rate_limiter"),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	if l.limit <= 0 || l.period <= 0 {
		l.logger.Warn("invalid rate limit, using default",
			"limit", cfg.Limit,
			"period", cfg.Period,
			"default_limit", DefaultRateLimit,
			"default_period", DefaultRatePeriod,
		)
		l.limit, l.period = DefaultRateLimit, DefaultRatePeriod
	}
	if l.sweepInterval <= 0 {
		l.sweepInterval = time.Minute
	}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the configured per-period limit.
func (l *Limiter) Limit() int { return l.limit }

// Period returns the window length.
func (l *Limiter) Period() time.Duration { return l.period }

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

// CheckAndRecord evicts expired timestamps for the identity, then either
// rejects (count >= limit, nothing recorded) or records now and accepts.
func (l *Limiter) CheckAndRecord(id admission.ClientIdentity) RateStatus {
	key := id.Key()
	now := l.now()
	sh := l.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok {
		w = &window{stamps: make([]time.Time, 0, 4)}
		sh.windows[key] = w
	}
	w.evict(now.Add(-l.period))

	limit := w.limit(l.limit, now)
	if len(w.stamps) >= limit {
		return RateStatus{
			WithinLimit:  false,
			CurrentCount: len(w.stamps),
			Limit:        limit,
			RetryAfter:   w.retryAfter(limit, l.period, now),
		}
	}

	w.stamps = append(w.stamps, now)
	return RateStatus{
		WithinLimit:  true,
		CurrentCount: len(w.stamps),
		Limit:        limit,
	}
}

// Peek reports the current window for a key without recording a request.
func (l *Limiter) Peek(key string) RateStatus {
	now := l.now()
	sh := l.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok {
		return RateStatus{WithinLimit: true, Limit: l.limit}
	}
	w.evict(now.Add(-l.period))
	limit := w.limit(l.limit, now)
	return RateStatus{
		WithinLimit:  len(w.stamps) < limit,
		CurrentCount: len(w.stamps),
		Limit:        limit,
	}
}

// Tighten substitutes a stricter limit for the identity until now+cooldown.
// A later call never loosens an override still in force.
func (l *Limiter) Tighten(id admission.ClientIdentity, limit int, cooldown time.Duration) {
	if limit <= 0 || cooldown <= 0 {
		return
	}
	key := id.Key()
	now := l.now()
	sh := l.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[key]
	if !ok {
		w = &window{}
		sh.windows[key] = w
	}
	until := now.Add(cooldown)
	if w.tightened(now) {
		limit = min(limit, w.override)
		if w.overrideUntil.After(until) {
			until = w.overrideUntil
		}
	}
	w.override = limit
	w.overrideUntil = until
	metrics.RateLimitTightenedTotal.Inc()
}

// Sweep evicts expired timestamps everywhere and drops windows that are
// empty and not tightened. It returns the number of windows removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	cutoff := now.Add(-l.period)
	removed, live := 0, 0

	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, w := range sh.windows {
			w.evict(cutoff)
			if !w.tightened(now) {
				w.override = 0
				if len(w.stamps) == 0 {
					delete(sh.windows, key)
					removed++
					continue
				}
			}
			live++
		}
		sh.mu.Unlock()
	}

	metrics.RateWindowsActive.Set(float64(live))
	return removed
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.windows)
		sh.mu.Unlock()
	}
	return n
}

// Snapshot returns the live windows for persistence.
func (l *Limiter) Snapshot() []admission.WindowSnapshot {
	now := l.now()
	cutoff := now.Add(-l.period)

	var out []admission.WindowSnapshot
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for key, w := range sh.windows {
			w.evict(cutoff)
			if len(w.stamps) == 0 && !w.tightened(now) {
				continue
			}
			out = append(out, w.snapshot(key))
		}
		sh.mu.Unlock()
	}
	return out
}

// Restore merges persisted windows into the limiter. Expired timestamps
// are dropped, so the restored count equals the count of live timestamps.
// It returns the number of windows restored.
func (l *Limiter) Restore(snaps []admission.WindowSnapshot) int {
	now := l.now()
	cutoff := now.Add(-l.period)
	restored := 0

	for _, s := range snaps {
		if s.Key == "" {
			continue
		}
		live := make([]time.Time, 0, len(s.Timestamps))
		for _, t := range s.Timestamps {
			// Future stamps come from clock skew between instances; clamp them.
			if t.After(now) {
				t = now
			}
			if t.After(cutoff) {
				live = append(live, t)
			}
		}
		tightened := s.Tightened(now)
		if len(live) == 0 && !tightened {
			continue
		}

		sh := l.shardFor(s.Key)
		sh.mu.Lock()
		w, ok := sh.windows[s.Key]
		if !ok {
			w = &window{}
			sh.windows[s.Key] = w
		}
		w.stamps = append(w.stamps, live...)
		slices.SortFunc(w.stamps, func(a, b time.Time) int { return a.Compare(b) })
		if tightened && (!w.tightened(now) || s.Limit < w.override) {
			w.override = s.Limit
			w.overrideUntil = s.LimitUntil
		}
		sh.mu.Unlock()
		restored++
	}

	if restored > 0 {
		l.logger.Info("rate windows restored", "windows", restored)
	}
	return restored
}

// Start launches the background sweep. Safe to call multiple times.
func (l *Limiter) Start() {
	l.startOnce.Do(func() {
		go l.sweepLoop()
	})
}

// Stop stops the background sweep and waits for it to exit.
// Safe to call multiple times, and before Start.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.done)
	})
	// Never started: nothing to wait for.
	l.startOnce.Do(func() { close(l.stopped) })
	<-l.stopped
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	defer close(l.stopped)

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if removed := l.Sweep(); removed > 0 {
				l.logger.Debug("rate windows swept", "removed", removed)
			}
		}
	}
}
