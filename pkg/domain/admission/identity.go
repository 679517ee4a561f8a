// Package admission defines the request-admission domain: client identities,
// request samples, threat indicators, decisions and blacklist entries.
package admission

import (
	"encoding/hex"
	"net/netip"

	"golang.org/x/crypto/blake2b"
)

// ClientIdentity keys rate-limit, brute-force and blacklist state.
// Requests from the same IP with different API keys are distinct identities.
type ClientIdentity struct {
	ip     netip.Addr
	apiKey string
	key    string
}

// NewClientIdentity builds an identity. IPv4-mapped IPv6 addresses are unmapped.
func NewClientIdentity(ip netip.Addr, apiKey string) ClientIdentity {
	ip = ip.Unmap()
	id := ClientIdentity{ip: ip, apiKey: apiKey}
	id.key = "ip:" + ip.String()
	if apiKey != "" {
		id.key += "|key:" + hashAPIKey(apiKey)
	}
	return id
}

// hashAPIKey returns a short digest so raw keys never appear in state keys or logs.
func hashAPIKey(key string) string {
	h, _ := blake2b.New(16, nil)
	_, _ = h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// IP returns the client address.
func (c ClientIdentity) IP() netip.Addr { return c.ip }

// HasAPIKey reports whether the identity carries an API key.
func (c ClientIdentity) HasAPIKey() bool { return c.apiKey != "" }

// Key returns the stable state key, e.g. "ip:10.0.0.5" or "ip:10.0.0.5|key:<digest>".
func (c ClientIdentity) Key() string { return c.key }

// IsZero reports whether the identity was never set.
func (c ClientIdentity) IsZero() bool { return c.key == "" }

// String implements fmt.Stringer.
func (c ClientIdentity) String() string { return c.key }
