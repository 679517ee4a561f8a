package admission

import (
	"context"
	"time"
)

// BlacklistEntry records a blocked identity until ExpiresAt.
type BlacklistEntry struct {
	Identity  string    `json:"identity"`
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewBlacklistEntry creates an entry that expires ttl after now.
func NewBlacklistEntry(id ClientIdentity, reason string, now time.Time, ttl time.Duration) BlacklistEntry {
	return BlacklistEntry{
		Identity:  id.Key(),
		IP:        id.IP().String(),
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Active reports whether the entry still applies at now.
// An entry with ExpiresAt <= now is treated as absent.
func (e BlacklistEntry) Active(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Remaining returns the time left until expiry, or zero.
func (e BlacklistEntry) Remaining(now time.Time) time.Duration {
	if !e.Active(now) {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// BlacklistStore is the shared TTL record of blocked identities.
// It is written by the escalation policy and read by the admission filter.
type BlacklistStore interface {
	// Add stores or replaces the entry for entry.Identity.
	Add(ctx context.Context, entry BlacklistEntry) error

	// Lookup returns the active entry for an identity key, or nil when absent or expired.
	Lookup(ctx context.Context, identity string) (*BlacklistEntry, error)
}

// BlacklistAdmin is implemented by stores that support listing and
// manual removal, used by administrative tooling only. Removing a missing
// entry is not an error.
type BlacklistAdmin interface {
	BlacklistStore
	List(ctx context.Context) ([]BlacklistEntry, error)
	Remove(ctx context.Context, identity string) error
}
