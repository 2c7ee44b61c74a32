package security

import (
	"net/http"
	"net/url"
	"strconv"
)

// SetSecurityHeaders sets the response headers shared by every issuer
// endpoint. HSTS is only sent when the issuer is served over https.
func SetSecurityHeaders(w http.ResponseWriter, issuerURL string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuerURL); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}

// SetNoStore marks a response as uncacheable. Responses carrying codes or
// tokens must send it (RFC 6749 section 5.1).
func SetNoStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// SetPublicCache allows shared caching of public documents such as the key set.
func SetPublicCache(w http.ResponseWriter, maxAgeSeconds int) {
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(maxAgeSeconds))
}
