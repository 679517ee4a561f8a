package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

const (
	windowNamespace = "window"
	limitNamespace  = "window_limit"
)

var (
	// saveWindowScript replaces one identity's sorted set of request
	// timestamps and its optional tightened limit atomically.
	//
	// KEYS[1] window zset, KEYS[2] limit hash
	// ARGV[1] ttl ms, ARGV[2] limit, ARGV[3] limit_until ms, ARGV[4..] timestamps ms
	saveWindowScript = redis.NewScript(`
		local wkey = KEYS[1]
		local lkey = KEYS[2]
		local ttl_ms = tonumber(ARGV[1])
		local limit = tonumber(ARGV[2])
		local limit_until = tonumber(ARGV[3])

		redis.call('DEL', wkey, lkey)

		for i = 4, #ARGV do
			-- member carries the index so identical timestamps stay distinct
			redis.call('ZADD', wkey, ARGV[i], ARGV[i] .. ':' .. (i - 3))
		end
		if #ARGV >= 4 then
			redis.call('PEXPIRE', wkey, ttl_ms)
		end

		if limit > 0 then
			redis.call('HSET', lkey, 'limit', limit, 'until', limit_until)
			redis.call('PEXPIREAT', lkey, limit_until)
		end
		return #ARGV - 3
	`)

	// loadWindowScript trims expired timestamps and returns the live ones
	// plus the tightened limit, if any.
	//
	// KEYS[1] window zset, KEYS[2] limit hash
	// ARGV[1] cutoff ms
	loadWindowScript = redis.NewScript(`
		local wkey = KEYS[1]
		local lkey = KEYS[2]
		local cutoff = tonumber(ARGV[1])

		redis.call('ZREMRANGEBYSCORE', wkey, '-inf', cutoff)
		local stamps = redis.call('ZRANGE', wkey, 0, -1, 'WITHSCORES')
		local limit = redis.call('HMGET', lkey, 'limit', 'until')
		return {stamps, limit[1] or '0', limit[2] or '0'}
	`)
)

// WindowStore persists rate windows so a restarted instance resumes its
// counts. Windows are written in bulk on a schedule; the hot path never
// touches Redis.
type WindowStore struct {
	client *Client
	period time.Duration
	now    func() time.Time
	logger *logger.Logger
}

// NewWindowStore creates a WindowStore for windows of the given period.
func NewWindowStore(client *Client, period time.Duration, log *logger.Logger) (*WindowStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if period <= 0 {
		return nil, errors.New("period must be positive")
	}
	return &WindowStore{
		client: client,
		period: period,
		now:    time.Now,
		logger: log.With("component", "window_store"),
	}, nil
}

// Save writes every snapshot, replacing the stored window for its key.
// It returns the number of windows written.
func (s *WindowStore) Save(ctx context.Context, snaps []admission.WindowSnapshot) (n int, err error) {
	done := Timed("window_save")
	defer func() { done(err) }()

	ttl := s.period.Milliseconds()
	pipe := s.client.client.Pipeline()
	for _, snap := range snaps {
		if snap.Key == "" {
			continue
		}
		// EVAL rather than EVALSHA: a pipeline cannot fall back on NOSCRIPT.
		saveWindowScript.Eval(ctx, pipe, s.keys(snap.Key), saveArgs(snap, ttl)...)
		n++
	}
	if n == 0 {
		return 0, nil
	}
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis save windows: %w", err)
	}
	s.logger.Debug("rate windows saved", "windows", n)
	return n, nil
}

// Load returns every stored window with its expired timestamps dropped.
func (s *WindowStore) Load(ctx context.Context) ([]admission.WindowSnapshot, error) {
	members, err := s.client.Members(ctx, windowNamespace)
	if err != nil {
		return nil, err
	}

	out := make([]admission.WindowSnapshot, 0, len(members))
	for _, m := range members {
		snap, err := s.Window(ctx, m)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Window returns the stored window for one identity key, or ErrKeyNotFound.
func (s *WindowStore) Window(ctx context.Context, key string) (snap admission.WindowSnapshot, err error) {
	done := Timed("window_load")
	defer func() { done(err) }()

	cutoff := s.now().Add(-s.period).UnixMilli()
	res, err := loadWindowScript.Run(ctx, s.client.client, s.keys(key), cutoff).Slice()
	if err != nil {
		return snap, fmt.Errorf("redis load window: %w", err)
	}
	snap, err = parseWindow(key, res)
	if err != nil {
		return snap, err
	}
	if len(snap.Timestamps) == 0 && !snap.Tightened(s.now()) {
		return snap, ErrKeyNotFound
	}
	return snap, nil
}

func (s *WindowStore) keys(key string) []string {
	return []string{
		s.client.Key(windowNamespace, key),
		s.client.Key(limitNamespace, key),
	}
}

func saveArgs(snap admission.WindowSnapshot, ttlMs int64) []any {
	args := make([]any, 0, 3+len(snap.Timestamps))
	var until int64
	limit := 0
	if snap.Limit > 0 && !snap.LimitUntil.IsZero() {
		limit = snap.Limit
		until = snap.LimitUntil.UnixMilli()
	}
	args = append(args, ttlMs, limit, until)
	for _, t := range snap.Timestamps {
		args = append(args, t.UnixMilli())
	}
	return args
}

// parseWindow decodes the reply of loadWindowScript.
func parseWindow(key string, res []any) (admission.WindowSnapshot, error) {
	snap := admission.WindowSnapshot{Key: key}
	if len(res) != 3 {
		return snap, fmt.Errorf("%w: window reply has %d elements", ErrCorruptValue, len(res))
	}

	pairs, _ := res[0].([]any)
	// WITHSCORES replies alternate member, score.
	for i := 1; i < len(pairs); i += 2 {
		ms, err := toInt64(pairs[i])
		if err != nil {
			return snap, fmt.Errorf("%w: window score: %v", ErrCorruptValue, err)
		}
		snap.Timestamps = append(snap.Timestamps, time.UnixMilli(ms).UTC())
	}

	limit, err := toInt64(res[1])
	if err != nil {
		return snap, fmt.Errorf("%w: window limit: %v", ErrCorruptValue, err)
	}
	until, err := toInt64(res[2])
	if err != nil {
		return snap, fmt.Errorf("%w: window limit expiry: %v", ErrCorruptValue, err)
	}
	if limit > 0 && until > 0 {
		snap.Limit = int(limit)
		snap.LimitUntil = time.UnixMilli(until).UTC()
	}
	return snap, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		// Scores arrive as strings and may carry a fraction.
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
