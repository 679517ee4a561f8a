package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

const blacklistNamespace = "blacklist"

// Blacklist is the shared BlacklistStore. Each entry is a JSON value whose
// Redis TTL matches the entry expiry, so expired entries disappear on their own.
// Concurrent lookups for the same identity share one round trip.
type Blacklist struct {
	client *Client
	group  singleflight.Group
	now    func() time.Time
	logger *logger.Logger
}

var _ admission.BlacklistAdmin = (*Blacklist)(nil)

// NewBlacklist creates a Redis-backed blacklist.
func NewBlacklist(client *Client, log *logger.Logger) *Blacklist {
	return &Blacklist{
		client: client,
		now:    time.Now,
		logger: log.With("component", "redis_blacklist"),
	}
}

func (b *Blacklist) key(identity string) string {
	return b.client.Key(blacklistNamespace, identity)
}

// Add implements admission.BlacklistStore.
func (b *Blacklist) Add(ctx context.Context, entry admission.BlacklistEntry) (err error) {
	if entry.Identity == "" {
		return errors.New("identity is required")
	}
	ttl := entry.Remaining(b.now())
	if ttl <= 0 {
		return nil
	}

	done := Timed("blacklist_add")
	defer func() { done(err) }()

	raw, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err = b.client.client.Set(ctx, b.key(entry.Identity), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set blacklist entry: %w", err)
	}
	return nil
}

// Lookup implements admission.BlacklistStore.
func (b *Blacklist) Lookup(ctx context.Context, identity string) (*admission.BlacklistEntry, error) {
	v, err, _ := b.group.Do(identity, func() (any, error) {
		return b.get(ctx, identity)
	})
	if err != nil {
		return nil, err
	}
	entry, _ := v.(*admission.BlacklistEntry)
	if entry == nil || !entry.Active(b.now()) {
		return nil, nil
	}
	// Callers share the singleflight result; hand each its own copy.
	out := *entry
	return &out, nil
}

func (b *Blacklist) get(ctx context.Context, identity string) (entry *admission.BlacklistEntry, err error) {
	done := Timed("blacklist_lookup")
	defer func() { done(err) }()

	raw, err := b.client.client.Get(ctx, b.key(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get blacklist entry: %w", err)
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Get returns the stored entry for an identity, or ErrKeyNotFound.
func (b *Blacklist) Get(ctx context.Context, identity string) (admission.BlacklistEntry, error) {
	e, err := b.get(ctx, identity)
	if err != nil {
		return admission.BlacklistEntry{}, err
	}
	if e == nil || !e.Active(b.now()) {
		return admission.BlacklistEntry{}, ErrKeyNotFound
	}
	return *e, nil
}

// List returns active entries ordered by expiry. Corrupt values are skipped.
func (b *Blacklist) List(ctx context.Context) ([]admission.BlacklistEntry, error) {
	members, err := b.client.Members(ctx, blacklistNamespace)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = b.key(m)
	}

	now := b.now()
	out := make([]admission.BlacklistEntry, 0, len(keys))
	for chunk := range slices.Chunk(keys, 500) {
		vals, err := b.client.client.MGet(ctx, chunk...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis mget blacklist entries: %w", err)
		}
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue // expired between SCAN and MGET
			}
			e, err := decodeEntry([]byte(s))
			if err != nil {
				b.logger.Warn("skipping corrupt blacklist entry", "key", chunk[i], "error", err)
				continue
			}
			if e.Active(now) {
				out = append(out, e)
			}
		}
	}
	slices.SortFunc(out, func(x, y admission.BlacklistEntry) int { return x.ExpiresAt.Compare(y.ExpiresAt) })
	return out, nil
}

// Remove deletes an entry. A missing entry is not an error.
func (b *Blacklist) Remove(ctx context.Context, identity string) error {
	if err := b.client.client.Del(ctx, b.key(identity)).Err(); err != nil {
		return fmt.Errorf("redis del blacklist entry: %w", err)
	}
	b.logger.Info("blacklist entry removed", "identity", identity)
	return nil
}

// Len returns the number of active entries.
func (b *Blacklist) Len(ctx context.Context) (int, error) {
	entries, err := b.List(ctx)
	return len(entries), err
}

func encodeEntry(e admission.BlacklistEntry) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode blacklist entry: %w", err)
	}
	return raw, nil
}

func decodeEntry(raw []byte) (admission.BlacklistEntry, error) {
	var e admission.BlacklistEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrCorruptValue, err)
	}
	if strings.TrimSpace(e.Identity) == "" || e.ExpiresAt.IsZero() {
		return e, fmt.Errorf("%w: missing identity or expiry", ErrCorruptValue)
	}
	return e, nil
}
