package server

import (
	"fmt"
	"slices"
	"strings"
)

// Scopes understood by the issuer.
const (
	ScopeOpenID       = "openid"
	ScopeProfileRead  = "profile:read"
	ScopeProfileWrite = "profile:write"
	ScopeAppsRead     = "apps:read"
	ScopeAppsWrite    = "apps:write"
)

// DefaultSupportedScopes is the fixed scope vocabulary.
var DefaultSupportedScopes = []string{ScopeProfileRead, ScopeProfileWrite, ScopeAppsRead, ScopeAppsWrite}

// DefaultImplicitScopes are granted to every client without registration.
var DefaultImplicitScopes = []string{ScopeOpenID}

// ParseScope splits a space-delimited scope string (RFC 6749 section 3.3).
func ParseScope(scope string) []string {
	return strings.Fields(scope)
}

// FormatScope joins scopes into the space-delimited wire form.
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// normalizeScope deduplicates, adds the implicit scopes and sorts.
func normalizeScope(requested, implicit []string) []string {
	out := make([]string, 0, len(requested)+len(implicit))
	out = append(out, requested...)
	out = append(out, implicit...)
	slices.Sort(out)
	return slices.Compact(out)
}

// validateClientScopes checks that every requested scope is known and
// registered for the client. Implicit scopes need no registration. A client
// without registered scopes may only request implicit ones.
func (s *Server) validateClientScopes(requested, clientScopes []string) error {
	for _, scope := range requested {
		if slices.Contains(s.config.ImplicitScopes, scope) {
			continue
		}
		if !slices.Contains(s.config.SupportedScopes, scope) {
			return fmt.Errorf("unsupported scope %q", scope)
		}
		if !slices.Contains(clientScopes, scope) {
			return fmt.Errorf("scope %q is not registered for the client", scope)
		}
	}
	return nil
}

// isSubset reports whether every element of narrow is in wide.
func isSubset(narrow, wide []string) bool {
	for _, s := range narrow {
		if !slices.Contains(wide, s) {
			return false
		}
	}
	return true
}
