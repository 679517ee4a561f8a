package redis

import (
	"context"
	"io"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gate "github.com/carebridge/gatekeeper/internal/app/admission"
	"github.com/carebridge/gatekeeper/internal/config"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

func testRedisConfig(addr string) *config.RedisConfig {
	host, port, _ := net.SplitHostPort(addr)
	p, _ := strconv.Atoi(port)
	return &config.RedisConfig{
		Host:          host,
		Port:          p,
		PoolSize:      4,
		DialTimeout:   time.Second,
		ReadTimeout:   time.Second,
		WriteTimeout:  time.Second,
		MaxRetries:    3,
		MinRetryDelay: 8 * time.Millisecond,
		MaxRetryDelay: 512 * time.Millisecond,
		KeyPrefix:     "gatekeeper",
	}
}

func newTestClient(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), testRedisConfig(mr.Addr()), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

// silentServer accepts connections and never replies.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go func() { _, _ = io.Copy(io.Discard, conn) }()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

func TestNewOptions_ContextTimeout(t *testing.T) {
	opts := newOptions(testRedisConfig("127.0.0.1:6379"))
	assert.True(t, opts.ContextTimeoutEnabled)
	assert.Equal(t, time.Second, opts.ReadTimeout)
}

func TestFilter_HungRedisFailsOpenWithinTimeout(t *testing.T) {
	rdb := goredis.NewClient(newOptions(testRedisConfig(silentServer(t))))
	t.Cleanup(func() { _ = rdb.Close() })
	bl := NewBlacklist(NewFromClient(rdb, "gatekeeper", logger.NewNop()), logger.NewNop())

	filter := gate.NewFilter(gate.FilterConfig{BlacklistTimeout: 50 * time.Millisecond}, bl, nil, logger.NewNop())
	sample := admission.NewRequestSample(admission.SampleInput{
		Identity: admission.NewClientIdentity(netip.MustParseAddr("203.0.113.9"), ""),
		Method:   "GET",
		Path:     "/api/v1/programs",
	})

	start := time.Now()
	res := filter.Admit(context.Background(), sample)
	elapsed := time.Since(start)

	assert.True(t, res.Allowed)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestBlacklist_AddAndLookup(t *testing.T) {
	mr, c := newTestClient(t)
	bl := NewBlacklist(c, logger.NewNop())
	now := time.Now().UTC().Truncate(time.Second)
	bl.now = func() time.Time { return now }
	ctx := context.Background()

	entry := admission.BlacklistEntry{
		Identity:  "ip:203.0.113.9",
		IP:        "203.0.113.9",
		Reason:    "SQL injection pattern detected",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, bl.Add(ctx, entry))
	assert.Equal(t, time.Hour, mr.TTL("gatekeeper:blacklist:ip:203.0.113.9"))

	got, err := bl.Lookup(ctx, "ip:203.0.113.9")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Reason, got.Reason)
	assert.True(t, entry.ExpiresAt.Equal(got.ExpiresAt))

	miss, err := bl.Lookup(ctx, "ip:198.51.100.1")
	require.NoError(t, err)
	assert.Nil(t, miss)

	// The key outlives its entry until Redis expires it; the entry is already absent.
	bl.now = func() time.Time { return now.Add(time.Hour) }
	expired, err := bl.Lookup(ctx, "ip:203.0.113.9")
	require.NoError(t, err)
	assert.Nil(t, expired)
	_, err = bl.Get(ctx, "ip:203.0.113.9")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBlacklist_AddExpiredEntryIsSkipped(t *testing.T) {
	mr, c := newTestClient(t)
	bl := NewBlacklist(c, logger.NewNop())
	now := time.Now()

	require.NoError(t, bl.Add(context.Background(), admission.BlacklistEntry{
		Identity:  "ip:203.0.113.9",
		ExpiresAt: now.Add(-time.Second),
	}))
	assert.False(t, mr.Exists("gatekeeper:blacklist:ip:203.0.113.9"))

	assert.Error(t, bl.Add(context.Background(), admission.BlacklistEntry{ExpiresAt: now.Add(time.Hour)}))
}

func TestBlacklist_LookupError(t *testing.T) {
	mr, c := newTestClient(t)
	bl := NewBlacklist(c, logger.NewNop())

	mr.SetError("ERR injected failure")
	t.Cleanup(func() { mr.SetError("") })

	got, err := bl.Lookup(context.Background(), "ip:203.0.113.9")
	assert.Error(t, err)
	assert.Nil(t, got)

	filter := gate.NewFilter(gate.FilterConfig{}, bl, nil, logger.NewNop())
	res := filter.Admit(context.Background(), admission.NewRequestSample(admission.SampleInput{
		Identity: admission.NewClientIdentity(netip.MustParseAddr("203.0.113.9"), ""),
		Method:   "GET",
		Path:     "/",
	}))
	assert.True(t, res.Allowed)
}

func TestBlacklist_ListAndRemove(t *testing.T) {
	mr, c := newTestClient(t)
	bl := NewBlacklist(c, logger.NewNop())
	now := time.Now().UTC()
	bl.now = func() time.Time { return now }
	ctx := context.Background()

	for ident, ttl := range map[string]time.Duration{
		"ip:203.0.113.9":  time.Hour,
		"ip:203.0.113.10": 30 * time.Minute,
	} {
		require.NoError(t, bl.Add(ctx, admission.BlacklistEntry{
			Identity:  ident,
			Reason:    "test",
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}))
	}
	require.NoError(t, mr.Set("gatekeeper:blacklist:ip:203.0.113.11", "not json"))
	require.NoError(t, mr.Set("gatekeeper:window:ip:203.0.113.12", "unrelated"))

	entries, err := bl.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ip:203.0.113.10", entries[0].Identity, "soonest expiry first")
	assert.Equal(t, "ip:203.0.113.9", entries[1].Identity)

	n, err := bl.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, bl.Remove(ctx, "ip:203.0.113.9"))
	assert.False(t, mr.Exists("gatekeeper:blacklist:ip:203.0.113.9"))
	require.NoError(t, bl.Remove(ctx, "ip:203.0.113.9"))

	entries, err = bl.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ip:203.0.113.10", entries[0].Identity)
}

func TestClient_Members(t *testing.T) {
	mr, c := newTestClient(t)
	for i := range 450 {
		require.NoError(t, mr.Set("gatekeeper:blacklist:ip:10.0.0."+strconv.Itoa(i), "x"))
	}
	require.NoError(t, mr.Set("gatekeeper:window:ip:10.0.1.1", "x"))
	require.NoError(t, mr.Set("other:blacklist:ip:10.0.1.2", "x"))

	members, err := c.Members(context.Background(), blacklistNamespace)
	require.NoError(t, err)
	assert.Len(t, members, 450)
	for _, m := range members {
		assert.True(t, strings.HasPrefix(m, "ip:10.0.0."), m)
	}
}

func TestWindowStore_SaveLoad(t *testing.T) {
	mr, c := newTestClient(t)
	ws, err := NewWindowStore(c, time.Minute, logger.NewNop())
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Millisecond)
	ws.now = func() time.Time { return now }
	ctx := context.Background()

	snaps := []admission.WindowSnapshot{
		{
			Key:        "ip:10.0.0.5",
			Timestamps: []time.Time{now.Add(-2 * time.Second), now.Add(-time.Second), now.Add(-time.Second)},
		},
		{
			Key:        "ip:10.0.0.6",
			Timestamps: []time.Time{now},
			Limit:      2,
			LimitUntil: now.Add(5 * time.Minute),
		},
		{Key: ""},
	}
	n, err := ws.Save(ctx, snaps)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, time.Minute, mr.TTL("gatekeeper:window:ip:10.0.0.5"))

	loaded, err := ws.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	slices.SortFunc(loaded, func(a, b admission.WindowSnapshot) int { return strings.Compare(a.Key, b.Key) })

	require.Len(t, loaded[0].Timestamps, 3, "equal timestamps stay distinct")
	for i, ts := range loaded[0].Timestamps {
		assert.Equal(t, snaps[0].Timestamps[i].UnixMilli(), ts.UnixMilli())
	}
	assert.Zero(t, loaded[0].Limit)

	assert.Equal(t, 2, loaded[1].Limit)
	assert.True(t, snaps[1].LimitUntil.Equal(loaded[1].LimitUntil))

	// Two minutes on, every timestamp has left the window but the tightened
	// limit still holds.
	ws.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = ws.Window(ctx, "ip:10.0.0.5")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	tight, err := ws.Window(ctx, "ip:10.0.0.6")
	require.NoError(t, err)
	assert.Empty(t, tight.Timestamps)
	assert.Equal(t, 2, tight.Limit)
}

func TestWindowStore_SaveReplaces(t *testing.T) {
	_, c := newTestClient(t)
	ws, err := NewWindowStore(c, time.Minute, logger.NewNop())
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Millisecond)
	ws.now = func() time.Time { return now }
	ctx := context.Background()

	_, err = ws.Save(ctx, []admission.WindowSnapshot{{
		Key:        "ip:10.0.0.5",
		Timestamps: []time.Time{now.Add(-3 * time.Second), now.Add(-2 * time.Second)},
		Limit:      1,
		LimitUntil: now.Add(time.Minute),
	}})
	require.NoError(t, err)
	_, err = ws.Save(ctx, []admission.WindowSnapshot{{
		Key:        "ip:10.0.0.5",
		Timestamps: []time.Time{now},
	}})
	require.NoError(t, err)

	snap, err := ws.Window(ctx, "ip:10.0.0.5")
	require.NoError(t, err)
	require.Len(t, snap.Timestamps, 1)
	assert.Equal(t, now.UnixMilli(), snap.Timestamps[0].UnixMilli())
	assert.Zero(t, snap.Limit, "tightened limit is cleared by the newer snapshot")
}

func TestClient_PoolStats(t *testing.T) {
	_, c := newTestClient(t)
	require.NoError(t, c.Ping(context.Background()))

	stats := c.PoolStats()
	require.NotNil(t, stats)
	assert.GreaterOrEqual(t, stats.TotalConns, uint32(1))

	assert.Nil(t, NewFromClient(nil, "gatekeeper", logger.NewNop()).PoolStats())
}
