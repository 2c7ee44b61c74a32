package oauth

import (
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/security"
)

// Default HTTP layer settings.
const (
	DefaultMaxBodyBytes   = 64 << 10
	DefaultDiscoveryCache = 5 * time.Minute
)

// Config holds the HTTP handler configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// MaxBodyBytes caps request bodies. Default: 64 KiB.
	MaxBodyBytes int64

	// DiscoveryCacheMaxAge is the public cache lifetime of the JWKS and
	// discovery documents. Default: 5 minutes.
	DiscoveryCacheMaxAge time.Duration

	// Instrumentation records HTTP metrics. Nil disables them.
	Instrumentation *instrumentation.Instrumentation

	// Auditor records rate limit violations. Nil disables auditing.
	Auditor *security.Auditor

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries bounds the number of tracked client addresses.
	// Zero uses the limiter default.
	MaxEntries int
}

// SecurityConfig holds HTTP security settings
type SecurityConfig struct {
	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxies is the number of proxies in front of the issuer.
	TrustedProxies int

	// AuthorizeAPIKey, when set, must be presented as a bearer token on
	// POST /oauth/authorize. The authorize endpoint asserts an already
	// authenticated resource owner, so it must not be reachable by clients.
	AuthorizeAPIKey string
}

func (c Config) withDefaults() Config {
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.DiscoveryCacheMaxAge <= 0 {
		c.DiscoveryCacheMaxAge = DefaultDiscoveryCache
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RateLimit.MaxEntries <= 0 {
		c.RateLimit.MaxEntries = security.DefaultRateLimiterMaxEntries
	}
	if c.Security.TrustedProxies <= 0 {
		c.Security.TrustedProxies = 1
	}
	return c
}
