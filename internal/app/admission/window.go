package admission

import (
	"time"

	"github.com/carebridge/gatekeeper/pkg/domain/admission"
)

// window is the sliding log for one identity. stamps is ascending and
// holds no timestamp at or before now-period once evict has run.
type window struct {
	stamps []time.Time

	// override is a stricter limit in force until overrideUntil.
	override      int
	overrideUntil time.Time
}

// evict drops timestamps at or before cutoff, reusing the backing array.
func (w *window) evict(cutoff time.Time) {
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.stamps, w.stamps[i:])
	clear(w.stamps[n:])
	w.stamps = w.stamps[:n]
}

// limit returns the effective limit at now.
func (w *window) limit(base int, now time.Time) int {
	if w.override > 0 && now.Before(w.overrideUntil) && w.override < base {
		return w.override
	}
	return base
}

// tightened reports whether an override is still in force.
func (w *window) tightened(now time.Time) bool {
	return w.override > 0 && now.Before(w.overrideUntil)
}

// retryAfter returns how long until one more request fits under limit.
func (w *window) retryAfter(limit int, period time.Duration, now time.Time) time.Duration {
	excess := len(w.stamps) - limit
	if excess < 0 || len(w.stamps) == 0 {
		return 0
	}
	wait := w.stamps[excess].Add(period).Sub(now)
	if w.tightened(now) {
		// The base limit may admit the request sooner once the override lapses.
		if until := w.overrideUntil.Sub(now); until < wait {
			wait = until
		}
	}
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

func (w *window) snapshot(key string) admission.WindowSnapshot {
	s := admission.WindowSnapshot{
		Key:        key,
		Timestamps: make([]time.Time, len(w.stamps)),
	}
	for i, t := range w.stamps {
		// Strip the monotonic reading so the value survives serialization unchanged.
		s.Timestamps[i] = t.Round(0)
	}
	if w.override > 0 {
		s.Limit = w.override
		s.LimitUntil = w.overrideUntil.Round(0)
	}
	return s
}
