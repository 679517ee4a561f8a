package admission

import (
	"encoding/json"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// fakeClock is a manually advanced time source shared by tests in this package.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func identity(ip string) admission.ClientIdentity {
	return admission.NewClientIdentity(netip.MustParseAddr(ip), "")
}

func newTestLimiter(limit int, period time.Duration, clock *fakeClock) *Limiter {
	return NewLimiter(LimiterConfig{Limit: limit, Period: period}, logger.NewNop(), WithLimiterClock(clock.Now))
}

func TestLimiter_RejectsNPlusOne(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(5, time.Minute, clock)
	id := identity("10.0.0.5")

	for i := 1; i <= 5; i++ {
		st := l.CheckAndRecord(id)
		require.True(t, st.WithinLimit, "request %d should be accepted", i)
		assert.Equal(t, i, st.CurrentCount)
		clock.Advance(time.Second)
	}

	st := l.CheckAndRecord(id)
	assert.False(t, st.WithinLimit)
	assert.Equal(t, 5, st.CurrentCount, "rejected requests are not recorded")
	assert.Equal(t, 55*time.Second, st.RetryAfter, "retry when the oldest stamp ages out")
}

func TestLimiter_FreshWindowAfterPeriod(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(3, time.Minute, clock)
	id := identity("10.0.0.5")

	for i := 0; i < 3; i++ {
		require.True(t, l.CheckAndRecord(id).WithinLimit)
	}
	require.False(t, l.CheckAndRecord(id).WithinLimit)

	// Exactly one period later every stamp is at now-period and therefore expired.
	clock.Advance(time.Minute)
	st := l.CheckAndRecord(id)
	assert.True(t, st.WithinLimit)
	assert.Equal(t, 1, st.CurrentCount)
}

func TestLimiter_SlidingNotFixed(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(4, 10*time.Second, clock)
	id := identity("10.0.0.5")

	// Two requests early, two late in the window.
	require.True(t, l.CheckAndRecord(id).WithinLimit)
	require.True(t, l.CheckAndRecord(id).WithinLimit)
	clock.Advance(8 * time.Second)
	require.True(t, l.CheckAndRecord(id).WithinLimit)
	require.True(t, l.CheckAndRecord(id).WithinLimit)

	// A fixed window would reset here and allow a burst of 4 more.
	clock.Advance(3 * time.Second)
	assert.True(t, l.CheckAndRecord(id).WithinLimit)
	assert.True(t, l.CheckAndRecord(id).WithinLimit)
	assert.False(t, l.CheckAndRecord(id).WithinLimit)
}

func TestLimiter_IdentitiesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(1, time.Minute, clock)

	ip := netip.MustParseAddr("10.0.0.5")
	require.True(t, l.CheckAndRecord(admission.NewClientIdentity(ip, "")).WithinLimit)
	assert.False(t, l.CheckAndRecord(admission.NewClientIdentity(ip, "")).WithinLimit)
	assert.True(t, l.CheckAndRecord(admission.NewClientIdentity(ip, "key-1")).WithinLimit)
	assert.True(t, l.CheckAndRecord(identity("10.0.0.6")).WithinLimit)
}

func TestLimiter_ConcurrentExactlyOneRejection(t *testing.T) {
	const n = 200
	l := NewLimiter(LimiterConfig{Limit: n - 1, Period: time.Hour}, logger.NewNop())
	id := identity("10.0.0.5")

	var accepted, rejected atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.CheckAndRecord(id).WithinLimit {
				accepted.Add(1)
			} else {
				rejected.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, n-1, accepted.Load())
	assert.EqualValues(t, 1, rejected.Load())
	assert.Equal(t, n-1, l.Peek(id.Key()).CurrentCount)
}

func TestLimiter_SweepRemovesEmptyWindows(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(10, time.Minute, clock)

	for i := 0; i < 50; i++ {
		l.CheckAndRecord(identity(netip.AddrFrom4([4]byte{10, 0, 1, byte(i)}).String()))
	}
	assert.Equal(t, 50, l.Len())

	clock.Advance(30 * time.Second)
	l.CheckAndRecord(identity("10.0.0.5"))
	assert.Equal(t, 0, l.Sweep(), "nothing has expired yet")

	clock.Advance(31 * time.Second)
	assert.Equal(t, 50, l.Sweep())
	assert.Equal(t, 1, l.Len(), "only the identity with a live stamp remains")
}

func TestLimiter_Tighten(t *testing.T) {
	clock := newFakeClock()
	l := newTestLimiter(10, time.Minute, clock)
	id := identity("10.0.0.5")

	for i := 0; i < 3; i++ {
		require.True(t, l.CheckAndRecord(id).WithinLimit)
	}
	l.Tighten(id, 3, 5*time.Minute)

	st := l.CheckAndRecord(id)
	assert.False(t, st.WithinLimit)
	assert.Equal(t, 3, st.Limit)

	// A looser tightening does not relax the override in force.
	l.Tighten(id, 8, time.Minute)
	assert.False(t, l.CheckAndRecord(id).WithinLimit)

	// The tightened window survives a sweep even once its stamps expire.
	clock.Advance(2 * time.Minute)
	l.Sweep()
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 3, l.Peek(id.Key()).Limit)

	clock.Advance(4 * time.Minute)
	st = l.CheckAndRecord(id)
	assert.True(t, st.WithinLimit)
	assert.Equal(t, 10, st.Limit, "base limit applies after the cool-down")
}

func TestLimiter_SnapshotRestoreRoundTrip(t *testing.T) {
	clock := newFakeClock()
	src := newTestLimiter(100, time.Minute, clock)
	a, b := identity("10.0.0.5"), identity("10.0.0.6")

	for i := 0; i < 7; i++ {
		src.CheckAndRecord(a)
		clock.Advance(5 * time.Second)
	}
	src.CheckAndRecord(b)
	src.Tighten(b, 2, 10*time.Minute)

	raw, err := json.Marshal(src.Snapshot())
	require.NoError(t, err)

	var snaps []admission.WindowSnapshot
	require.NoError(t, json.Unmarshal(raw, &snaps))

	dst := newTestLimiter(100, time.Minute, clock)
	assert.Equal(t, 2, dst.Restore(snaps))
	assert.Equal(t, src.Peek(a.Key()).CurrentCount, dst.Peek(a.Key()).CurrentCount)
	assert.Equal(t, 1, dst.Peek(b.Key()).CurrentCount)
	assert.Equal(t, 2, dst.Peek(b.Key()).Limit)

	// Restoring later drops stamps that expired meanwhile, and nothing else.
	clock.Advance(20 * time.Second)
	later := newTestLimiter(100, time.Minute, clock)
	later.Restore(snaps)
	cutoff := clock.Now().Add(-time.Minute)
	for _, s := range snaps {
		assert.Equal(t, s.Live(cutoff), later.Peek(s.Key).CurrentCount, s.Key)
	}
}

func TestLimiter_InvalidConfigFallsBack(t *testing.T) {
	l := NewLimiter(LimiterConfig{Limit: 0, Period: -time.Second}, logger.NewNop())
	assert.Equal(t, DefaultRateLimit, l.Limit())
	assert.Equal(t, DefaultRatePeriod, l.Period())
}

func TestLimiter_StartStop(t *testing.T) {
	l := NewLimiter(LimiterConfig{Limit: 1, Period: time.Second, SweepInterval: time.Millisecond}, logger.NewNop())
	l.Start()
	l.Start()
	l.Stop()
	l.Stop()

	idle := NewLimiter(LimiterConfig{Limit: 1, Period: time.Second}, logger.NewNop())
	idle.Stop()
}
