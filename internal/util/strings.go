package util

import (
	"net/netip"
	"net/url"
	"strings"
)

// SafeTruncate returns at most the first maxLen bytes of s. It is used to log
// identifier prefixes without logging whole identifiers.
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
//	SafeTruncate("test", -1)                  // ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL drops trailing slashes so that "https://a/" and "https://a"
// compare equal. Issuer URLs are normalized this way before use.
func NormalizeURL(u string) string {
	return strings.TrimRight(u, "/")
}

// IsLoopbackHostname reports whether hostname (without port) is "localhost"
// or a loopback IP, including the whole 127.0.0.0/8 range.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(strings.Trim(hostname, "[]"))
	if err != nil {
		return false
	}
	return addr.Unmap().IsLoopback()
}

// IsSecureOrLoopbackURL reports whether raw is an https URL, or an http URL
// pointing at a loopback host.
func IsSecureOrLoopbackURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		return IsLoopbackHostname(u.Hostname())
	}
	return false
}
