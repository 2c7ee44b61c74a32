package server

import (
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-issuer/grant"
	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/token"
)

// Config holds authorization server settings.
type Config struct {
	// Issuer is the public base URL of the issuer (e.g. https://auth.example.com).
	// It must match the issuer the codec signs with.
	Issuer string

	// AuthorizationCodeTTL is the code lifetime (default: 2 minutes).
	AuthorizationCodeTTL time.Duration

	// AccessTokenTTL is the access token lifetime (default: 2 hours).
	AccessTokenTTL time.Duration

	// IDTokenTTL is the ID token lifetime (default: 2 hours).
	IDTokenTTL time.Duration

	// SupportedScopes is the scope vocabulary clients may register and request
	// (default: DefaultSupportedScopes).
	SupportedScopes []string

	// ImplicitScopes are granted on every authorization (default: openid).
	ImplicitScopes []string

	// RevokeLineageOnReuse retires a whole refresh lineage when a superseded
	// refresh token is presented again.
	RevokeLineageOnReuse bool

	// AllowInsecureHTTP permits a plain http issuer on a non-loopback host.
	AllowInsecureHTTP bool

	// AllowLocalhostRedirectURIs permits http redirect URIs on loopback
	// hosts for registered clients (RFC 8252 section 7.3). Default true.
	AllowLocalhostRedirectURIs *bool

	// BlockedRedirectSchemes are never accepted as redirect URI schemes
	// (default: DangerousSchemes).
	BlockedRedirectSchemes []string
}

// Endpoint paths, relative to the issuer.
const (
	AuthorizePath     = "/oauth/authorize"
	TokenPath         = "/oauth/token"
	RevokePath        = "/oauth/revoke"
	JWKSPath          = "/.well-known/jwks.json"
	OIDCDiscoveryPath = "/.well-known/openid-configuration"
)

// applySecureDefaults fills in unset values and warns about weakened settings.
func applySecureDefaults(config Config, logger *slog.Logger) Config {
	config.Issuer = util.NormalizeURL(config.Issuer)

	if config.AuthorizationCodeTTL <= 0 {
		config.AuthorizationCodeTTL = grant.DefaultCodeTTL
	}
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = token.DefaultAccessTokenTTL
	}
	if config.IDTokenTTL <= 0 {
		config.IDTokenTTL = token.DefaultIDTokenTTL
	}
	if len(config.SupportedScopes) == 0 {
		config.SupportedScopes = DefaultSupportedScopes
	}
	if config.ImplicitScopes == nil {
		config.ImplicitScopes = DefaultImplicitScopes
	}
	if config.AllowLocalhostRedirectURIs == nil {
		allow := true
		config.AllowLocalhostRedirectURIs = &allow
	}
	if len(config.BlockedRedirectSchemes) == 0 {
		config.BlockedRedirectSchemes = DangerousSchemes
	}

	logSecurityWarnings(config, logger)
	return config
}

func logSecurityWarnings(config Config, logger *slog.Logger) {
	if config.AuthorizationCodeTTL > 10*time.Minute {
		logger.Warn("Authorization code lifetime exceeds 10 minutes",
			"ttl", config.AuthorizationCodeTTL,
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc6749#section-4.1.2")
	}
	if !config.RevokeLineageOnReuse {
		logger.Info("Refresh token reuse only rejects the replayed token",
			"recommendation", "Set RevokeLineageOnReuse=true to retire the lineage on replay")
	}
}
