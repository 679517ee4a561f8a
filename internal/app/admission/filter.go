package admission

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/carebridge/gatekeeper/internal/metrics"
	"github.com/carebridge/gatekeeper/pkg/domain/admission"
	"github.com/carebridge/gatekeeper/pkg/domain/audit"
	"github.com/carebridge/gatekeeper/pkg/logger"
)

// DefaultBlacklistTimeout bounds a single blacklist lookup.
const DefaultBlacklistTimeout = 50 * time.Millisecond

// AllowList is a set of CIDR ranges. An empty list admits every address.
type AllowList struct {
	prefixes []netip.Prefix
}

// ParseAllowList parses CIDR ranges and single addresses. Invalid entries
// are skipped and reported; the remaining entries still form a usable list.
func ParseAllowList(entries []string) (AllowList, []error) {
	var (
		list AllowList
		errs []error
	)
	for _, raw := range entries {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				errs = append(errs, fmt.Errorf("allow-list entry %q: %w", s, err))
				continue
			}
			if p.Addr().Is4In6() && p.Bits() >= 96 {
				p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
			}
			list.prefixes = append(list.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			errs = append(errs, fmt.Errorf("allow-list entry %q: %w", s, err))
			continue
		}
		addr = addr.Unmap()
		list.prefixes = append(list.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return list, errs
}

// Empty reports whether the list has no entries.
func (a AllowList) Empty() bool {
	return len(a.prefixes) == 0
}

// Len returns the number of entries.
func (a AllowList) Len() int {
	return len(a.prefixes)
}

// Contains reports whether ip falls in any range. An empty list contains everything.
func (a AllowList) Contains(ip netip.Addr) bool {
	if a.Empty() {
		return true
	}
	ip = ip.Unmap()
	for _, p := range a.prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Admission is the outcome of the admission filter.
type Admission struct {
	Allowed bool
	// Reason is set when Allowed is false.
	Reason string
	Code   admission.ReasonCode
	// Entry is the matching blacklist entry, if any.
	Entry *admission.BlacklistEntry
}

// FilterConfig configures the admission filter.
type FilterConfig struct {
	AllowList AllowList
	// AllowListEnabled false skips the allow-list check; blacklist checks still run.
	AllowListEnabled bool
	BlacklistTimeout time.Duration
}

// Filter admits or denies clients by allow-list and blacklist.
type Filter struct {
	cfg       FilterConfig
	blacklist admission.BlacklistStore
	audit     audit.Logger
	logger    *logger.Logger
}

// NewFilter creates a Filter.
func NewFilter(cfg FilterConfig, blacklist admission.BlacklistStore, auditLog audit.Logger, log *logger.Logger) *Filter {
	if cfg.BlacklistTimeout <= 0 {
		cfg.BlacklistTimeout = DefaultBlacklistTimeout
	}
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &Filter{
		cfg:       cfg,
		blacklist: blacklist,
		audit:     auditLog,
		logger:    log.With("component", "admission_filter"),
	}
}

// Admit checks the blacklist, then the allow-list. A blacklist hit wins over
// an allow-list match. An unreachable blacklist is treated as no hit.
func (f *Filter) Admit(ctx context.Context, sample *admission.RequestSample) Admission {
	id := sample.Identity()

	if entry := f.lookup(ctx, sample); entry != nil {
		reason := "Access temporarily blocked due to suspicious activity"
		f.deny(sample, admission.ReasonBlacklisted, "request from blacklisted identity", map[string]any{
			"blacklist_reason": entry.Reason,
			"expires_at":       entry.ExpiresAt,
		})
		return Admission{Reason: reason, Code: admission.ReasonBlacklisted, Entry: entry}
	}

	if f.cfg.AllowListEnabled && !f.cfg.AllowList.Contains(id.IP()) {
		f.deny(sample, admission.ReasonNotAllowed, "address not in allow-list", nil)
		return Admission{Reason: "Access denied", Code: admission.ReasonNotAllowed}
	}

	return Admission{Allowed: true}
}

// lookup checks the identity key and, for API-key identities, the bare IP
// key, since a block written for an address applies to every key behind it.
func (f *Filter) lookup(ctx context.Context, sample *admission.RequestSample) *admission.BlacklistEntry {
	if f.blacklist == nil {
		return nil
	}
	id := sample.Identity()
	keys := []string{id.Key()}
	if id.HasAPIKey() {
		keys = append(keys, admission.NewClientIdentity(id.IP(), "").Key())
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.BlacklistTimeout)
	defer cancel()

	for _, key := range keys {
		entry, err := f.blacklist.Lookup(ctx, key)
		if err != nil {
			f.failOpen(sample, err)
			return nil
		}
		if entry != nil {
			return entry
		}
	}
	return nil
}

func (f *Filter) failOpen(sample *admission.RequestSample, err error) {
	metrics.BlacklistLookupFailuresTotal.Inc()
	cause := "error"
	if errors.Is(err, context.DeadlineExceeded) {
		cause = "timeout"
	}
	f.logger.Warn("security: blacklist lookup failed, admitting request",
		"error", err,
		"cause", cause,
		"identity", sample.Identity().Key(),
	)

	ev, evErr := audit.NewEvent(audit.EventBlacklistUnavailable, audit.SeverityMedium,
		"blacklist lookup failed; request admitted without blacklist check")
	if evErr != nil {
		return
	}
	_ = f.audit.Log(ev.
		WithSource(sample.IP(), sample.UserID()).
		WithRequestID(sample.RequestID()).
		WithDetail("cause", cause).
		WithDetail("error", err.Error()))
}

func (f *Filter) deny(sample *admission.RequestSample, code admission.ReasonCode, description string, details map[string]any) {
	ev, err := audit.NewEvent(audit.EventRequestDenied, audit.SeverityLow, description)
	if err != nil {
		return
	}
	ev.WithSource(sample.IP(), sample.UserID()).
		WithRequestID(sample.RequestID()).
		WithDetail("reason", string(code)).
		WithDetail("path", sample.Path()).
		WithDetail("method", sample.Method()).
		WithDetails(details)
	_ = f.audit.Log(ev)
}
