package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	appadmission "github.com/carebridge/gatekeeper/internal/app/admission"
	"github.com/carebridge/gatekeeper/internal/infra/redis"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
)

type fakeWindows map[string]admission.WindowSnapshot

func (f fakeWindows) Window(_ context.Context, key string) (admission.WindowSnapshot, error) {
	s, ok := f[key]
	if !ok {
		return admission.WindowSnapshot{}, redis.ErrKeyNotFound
	}
	return s, nil
}

// useBlacklist points the blacklist commands at an in-memory store.
func useBlacklist(t *testing.T) *appadmission.MemoryBlacklist {
	t.Helper()
	store := appadmission.NewMemoryBlacklist(nil)
	prev := openBlacklist
	openBlacklist = func() (admission.BlacklistAdmin, func(), error) {
		return store, func() {}, nil
	}
	t.Cleanup(func() { openBlacklist = prev })
	return store
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	flagOutput = outputTable

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestResolveIdentity(t *testing.T) {
	withKey := admission.NewClientIdentity(netip.MustParseAddr("10.0.0.5"), "secret").Key()

	tests := []struct {
		name    string
		arg     string
		apiKey  string
		wantKey string
		wantIP  string
		wantErr bool
	}{
		{name: "bare ipv4", arg: "10.0.0.5", wantKey: "ip:10.0.0.5", wantIP: "10.0.0.5"},
		{name: "ipv4 mapped ipv6", arg: "::ffff:10.0.0.5", wantKey: "ip:10.0.0.5", wantIP: "10.0.0.5"},
		{name: "ip with api key", arg: "10.0.0.5", apiKey: "secret", wantKey: withKey, wantIP: "10.0.0.5"},
		{name: "full key", arg: "ip:2001:db8::1", wantKey: "ip:2001:db8::1", wantIP: "2001:db8::1"},
		{name: "full key with api key part", arg: withKey, wantKey: withKey, wantIP: "10.0.0.5"},
		{name: "full key plus flag", arg: "ip:10.0.0.5", apiKey: "secret", wantErr: true},
		{name: "not an ip", arg: "example.com", wantErr: true},
		{name: "corrupt key", arg: "ip:nope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, ip, err := resolveIdentity(tt.arg, tt.apiKey)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.wantIP, ip.String())
		})
	}
}

func TestBlacklistAddGetRemove(t *testing.T) {
	store := useBlacklist(t)

	out, err := execute(t, "blacklist", "add", "10.0.0.9", "--ttl", "30m", "--reason", "manual")
	require.NoError(t, err)
	assert.Contains(t, out, "ip:10.0.0.9")
	assert.Contains(t, out, "manual")

	entry, err := store.Lookup(context.Background(), "ip:10.0.0.9")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "10.0.0.9", entry.IP)
	assert.InDelta(t, (30 * time.Minute).Seconds(), time.Until(entry.ExpiresAt).Seconds(), 5)

	out, err = execute(t, "blacklist", "get", "10.0.0.9", "-o", "json")
	require.NoError(t, err)
	var got admission.BlacklistEntry
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "ip:10.0.0.9", got.Identity)

	out, err = execute(t, "blacklist", "remove", "ip:10.0.0.9")
	require.NoError(t, err)
	assert.Contains(t, out, "removed")

	_, err = execute(t, "blacklist", "get", "10.0.0.9")
	assert.ErrorContains(t, err, "no active blacklist entry")
}

func TestBlacklistAdd_RejectsNonPositiveTTL(t *testing.T) {
	useBlacklist(t)

	_, err := execute(t, "blacklist", "add", "10.0.0.1", "--ttl", "0s")
	assert.ErrorContains(t, err, "--ttl")

	// restore the default for later tests
	_, err = execute(t, "blacklist", "add", "10.0.0.1", "--ttl", "1h")
	require.NoError(t, err)
}

func TestBlacklistList(t *testing.T) {
	store := useBlacklist(t)
	now := time.Now()
	for _, ip := range []string{"10.0.0.1", "10.0.0.2"} {
		id := admission.NewClientIdentity(netip.MustParseAddr(ip), "")
		require.NoError(t, store.Add(context.Background(), admission.NewBlacklistEntry(id, "Suspicious activity detected", now, time.Hour)))
	}

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, "blacklist", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "IDENTITY")
		assert.Contains(t, out, "ip:10.0.0.1")
		assert.Contains(t, out, "ip:10.0.0.2")
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := execute(t, "blacklist", "list", "-o", "yaml")
		require.NoError(t, err)
		var entries []map[string]any
		require.NoError(t, yaml.Unmarshal([]byte(out), &entries))
		assert.Len(t, entries, 2)
	})

	t.Run("empty json is an array", func(t *testing.T) {
		useBlacklist(t)
		out, err := execute(t, "blacklist", "list", "-o", "json")
		require.NoError(t, err)
		assert.JSONEq(t, "[]", out)
	})
}

func TestUnknownOutputFormat(t *testing.T) {
	useBlacklist(t)
	_, err := execute(t, "blacklist", "list", "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}

func TestWindowsShow(t *testing.T) {
	now := time.Now()
	windows := fakeWindows{
		"ip:10.0.0.5": {
			Key:        "ip:10.0.0.5",
			Timestamps: []time.Time{now.Add(-20 * time.Second), now.Add(-time.Second)},
			Limit:      10,
			LimitUntil: now.Add(5 * time.Minute),
		},
	}
	prev := openWindows
	openWindows = func() (windowReader, func(), error) { return windows, func() {}, nil }
	t.Cleanup(func() { openWindows = prev })

	out, err := execute(t, "windows", "show", "10.0.0.5")
	require.NoError(t, err)
	assert.Contains(t, out, "Requests:    2")
	assert.Contains(t, out, "limit 10")

	out, err = execute(t, "windows", "show", "ip:10.0.0.5", "-o", "json")
	require.NoError(t, err)
	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.EqualValues(t, 2, view["requests"])
	assert.EqualValues(t, 10, view["tightened_limit"])

	_, err = execute(t, "windows", "show", "10.9.9.9")
	assert.ErrorContains(t, err, "no persisted window")
}

func TestNewWindowView_ExpiredTighteningHidden(t *testing.T) {
	now := time.Now()
	v := newWindowView(admission.WindowSnapshot{Key: "k", Limit: 5, LimitUntil: now.Add(-time.Second)}, now)
	assert.Zero(t, v.Limit)
	assert.Nil(t, v.LimitUntil)
	assert.Nil(t, v.Oldest)
	assert.NotNil(t, v.Timestamps)
}

func TestRemaining(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "expired", remaining(now.Add(-time.Second), now))
	assert.Equal(t, "1m30s", remaining(now.Add(90*time.Second+200*time.Millisecond), now))
}
