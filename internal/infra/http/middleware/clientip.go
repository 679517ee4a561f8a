package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the client address for r. Forwarding headers are consulted
// only when trustProxy is set: X-Real-IP first, then the left-most
// X-Forwarded-For entry. Otherwise, or when the headers do not parse, the
// connection's RemoteAddr is used. ok is false when no address could be parsed.
func ClientIP(r *http.Request, trustProxy bool) (ip netip.Addr, ok bool) {
	if trustProxy {
		if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
			if ip, err := netip.ParseAddr(strings.TrimSpace(xrip)); err == nil {
				return ip.Unmap(), true
			}
		}

		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return ip.Unmap(), true
			}
		}
	}

	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), true
	}
	return netip.IPv4Unspecified(), false
}
