package server

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-issuer/internal/util"
)

// RedirectURISecurityError is returned when a redirect URI cannot be
// registered. Reason is for operators; Error() is safe to show to clients.
type RedirectURISecurityError struct {
	Category      string
	URI           string
	Reason        string
	ClientMessage string
}

func (e *RedirectURISecurityError) Error() string {
	return e.ClientMessage
}

// Redirect URI error categories for logging.
const (
	RedirectURIErrorCategoryBlockedScheme  = "blocked_scheme"
	RedirectURIErrorCategoryLoopback       = "loopback_not_allowed"
	RedirectURIErrorCategoryHTTPNotAllowed = "http_not_allowed"
	RedirectURIErrorCategoryInvalidFormat  = "invalid_format"
	RedirectURIErrorCategoryFragment       = "fragment_not_allowed"
	RedirectURIErrorCategoryUserInfo       = "userinfo_not_allowed"
)

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes are never accepted as redirect URI schemes.
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// customSchemePattern is the RFC 3986 scheme grammar, used for native
	// app redirect URIs such as com.example.app:/callback.
	customSchemePattern = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)
)

// ValidateRedirectURIForRegistration checks a redirect URI before it is
// stored for a client (OAuth 2.0 Security BCP section 4.1):
//   - no fragment and no userinfo
//   - no dangerous scheme
//   - https, or http on a loopback host (RFC 8252 section 7.3)
//   - custom schemes must follow RFC 3986
//
// Matching at authorize time is exact string comparison; this only guards
// what gets registered.
func (s *Server) ValidateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme == "" {
		reason := "missing scheme"
		if err != nil {
			reason = fmt.Sprintf("URL parse error: %v", err)
		}
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        reason,
			ClientMessage: "redirect_uri: invalid URI format",
		}
	}

	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryFragment,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "URI contains a fragment",
			ClientMessage: "redirect_uri: fragments are not allowed",
		}
	}
	if parsed.User != nil {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryUserInfo,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "URI contains userinfo",
			ClientMessage: "redirect_uri: credentials in the URI are not allowed",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if slices.Contains(s.config.BlockedRedirectSchemes, scheme) {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryBlockedScheme,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        fmt.Sprintf("scheme '%s' is in blocked list", scheme),
			ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is blocked for security reasons", scheme),
		}
	}

	switch scheme {
	case SchemeHTTPS:
		if parsed.Host == "" {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryInvalidFormat,
				URI:           sanitizeURIForLogging(redirectURI),
				Reason:        "https URI without host",
				ClientMessage: "redirect_uri: invalid URI format",
			}
		}
		return nil
	case SchemeHTTP:
		if !util.IsLoopbackHostname(parsed.Hostname()) {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryHTTPNotAllowed,
				URI:           sanitizeURIForLogging(redirectURI),
				Reason:        "plain http on a non-loopback host",
				ClientMessage: "redirect_uri: HTTPS is required (HTTP only allowed for loopback hosts)",
			}
		}
		if !*s.config.AllowLocalhostRedirectURIs {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryLoopback,
				URI:           sanitizeURIForLogging(redirectURI),
				Reason:        "loopback redirect URIs disabled via AllowLocalhostRedirectURIs=false",
				ClientMessage: "redirect_uri: loopback addresses are not allowed",
			}
		}
		return nil
	}

	if !customSchemePattern.MatchString(scheme) {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryBlockedScheme,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        fmt.Sprintf("scheme '%s' is not RFC 3986 compliant", scheme),
			ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is not allowed", scheme),
		}
	}
	return nil
}

// ValidateRedirectURIsForRegistration validates every URI and requires at least one.
func (s *Server) ValidateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return fmt.Errorf("redirect_uri: at least one redirect URI is required")
	}
	for _, uri := range redirectURIs {
		if err := s.ValidateRedirectURIForRegistration(uri); err != nil {
			return err
		}
	}
	return nil
}

// sanitizeURIForLogging drops query, fragment and userinfo.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > 100 {
			return uri[:100] + "...[truncated]"
		}
		return uri
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}

// GetRedirectURIErrorCategory returns the category of a RedirectURISecurityError, or "".
func GetRedirectURIErrorCategory(err error) string {
	var secErr *RedirectURISecurityError
	if errors.As(err, &secErr) {
		return secErr.Category
	}
	return ""
}
