package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver extracts the caller address used for rate limiting and
// audit records.
//
// Forwarding headers are only honoured when TrustProxy is set. TrustedProxies
// is the number of proxies we operate in front of the issuer; the client
// address is taken that many hops from the right of X-Forwarded-For, so a
// client cannot spoof it by prepending entries.
type ClientIPResolver struct {
	TrustProxy     bool
	TrustedProxies int
}

// ClientIP returns the best-effort client address for r.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := fromForwardedFor(r.Header.Get("X-Forwarded-For"), c.TrustedProxies); ip != "" {
			return ip
		}
		if ip := parseAddr(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func fromForwardedFor(xff string, trusted int) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")
	if trusted < 1 {
		trusted = 1
	}
	idx := len(hops) - trusted - 1
	if idx < 0 {
		idx = 0
	}
	return parseAddr(hops[idx])
}

func parseAddr(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
