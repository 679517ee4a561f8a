package admission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carebridge/gatekeeper/internal/metrics"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
)

// MemoryBlacklist is a process-local BlacklistStore.
// Expired entries are treated as absent on read and removed by Sweep.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	entries map[string]admission.BlacklistEntry
	now     func() time.Time
}

var _ admission.BlacklistAdmin = (*MemoryBlacklist)(nil)

// NewMemoryBlacklist creates an empty in-memory blacklist.
func NewMemoryBlacklist(now func() time.Time) *MemoryBlacklist {
	if now == nil {
		now = time.Now
	}
	return &MemoryBlacklist{
		entries: make(map[string]admission.BlacklistEntry),
		now:     now,
	}
}

// Add implements admission.BlacklistStore.
func (b *MemoryBlacklist) Add(_ context.Context, entry admission.BlacklistEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.Identity] = entry
	return nil
}

// Lookup implements admission.BlacklistStore.
func (b *MemoryBlacklist) Lookup(_ context.Context, identity string) (*admission.BlacklistEntry, error) {
	now := b.now()

	b.mu.RLock()
	entry, ok := b.entries[identity]
	b.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !entry.Active(now) {
		b.mu.Lock()
		if cur, ok := b.entries[identity]; ok && !cur.Active(now) {
			delete(b.entries, identity)
		}
		b.mu.Unlock()
		return nil, nil
	}
	return &entry, nil
}

// List returns active entries ordered by expiry.
func (b *MemoryBlacklist) List(_ context.Context) ([]admission.BlacklistEntry, error) {
	now := b.now()
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]admission.BlacklistEntry, 0, len(b.entries))
	for _, e := range b.entries {
		if e.Active(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// Remove deletes an entry. A missing entry is not an error.
func (b *MemoryBlacklist) Remove(_ context.Context, identity string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, identity)
	return nil
}

// Sweep removes expired entries and returns how many were removed.
func (b *MemoryBlacklist) Sweep() int {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for k, e := range b.entries {
		if !e.Active(now) {
			delete(b.entries, k)
			removed++
		}
	}
	metrics.BlacklistEntriesActive.Set(float64(len(b.entries)))
	return removed
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (b *MemoryBlacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
