package server

import (
	"fmt"
	"log/slog"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/oauth-issuer/grant"
	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/jwtcodec"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/token"
)

// Deps are the collaborators of a Server.
type Deps struct {
	// Codec signs every code and token (required).
	Codec *jwtcodec.Codec

	// Revocations records redeemed codes and refresh counters (required).
	Revocations storage.RevocationStore

	// Clients and Owners are the registered data (required).
	Clients storage.ClientStore
	Owners  storage.ResourceOwnerStore

	// Auditor receives security events (optional).
	Auditor *security.Auditor

	// Instrumentation provides metrics and tracing (optional).
	Instrumentation *instrumentation.Instrumentation

	// Logger (default slog.Default()).
	Logger *slog.Logger
}

// Server runs the authorize, token and revocation flows.
type Server struct {
	config  Config
	clients storage.ClientStore
	owners  storage.ResourceOwnerStore
	codec   *jwtcodec.Codec
	grants  *grant.Manager
	tokens  *token.Manager

	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger

	logClientIPs bool
}

// New creates an authorization server.
func New(config Config, deps Deps) (*Server, error) {
	if deps.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if deps.Revocations == nil {
		return nil, fmt.Errorf("revocation store is required")
	}
	if deps.Clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if deps.Owners == nil {
		return nil, fmt.Errorf("resource owner store is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	config = applySecureDefaults(config, logger)

	srv := &Server{
		config:  config,
		clients: deps.Clients,
		owners:  deps.Owners,
		codec:   deps.Codec,
		auditor: deps.Auditor,
		tracer:  noop.NewTracerProvider().Tracer(""),
		logger:  logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}
	if util.NormalizeURL(deps.Codec.Issuer()) != config.Issuer {
		return nil, fmt.Errorf("codec issuer %q does not match issuer %q", deps.Codec.Issuer(), config.Issuer)
	}

	if inst := deps.Instrumentation; inst != nil {
		srv.metrics = inst.Metrics()
		srv.tracer = inst.Tracer("server")
		srv.logClientIPs = inst.ShouldLogClientIPs()
	}

	var err error
	srv.grants, err = grant.NewManager(grant.Config{
		Codec:  deps.Codec,
		Store:  deps.Revocations,
		TTL:    config.AuthorizationCodeTTL,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	srv.tokens, err = token.NewManager(token.Config{
		Codec:          deps.Codec,
		Store:          deps.Revocations,
		Clients:        deps.Clients,
		Owners:         deps.Owners,
		ImplicitScopes: config.ImplicitScopes,
		AccessTokenTTL: config.AccessTokenTTL,
		IDTokenTTL:     config.IDTokenTTL,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return srv, nil
}

// Config returns the effective configuration, defaults applied.
func (s *Server) Config() Config {
	return s.config
}

// Tokens exposes the token manager, for resource servers that share the key.
func (s *Server) Tokens() *token.Manager {
	return s.tokens
}

// JWKS returns the public key set used to verify issued tokens.
func (s *Server) JWKS() jose.JSONWebKeySet {
	return s.codec.JWKS()
}

// Metadata is the OpenID Provider discovery document.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

// Metadata builds the discovery document from the configuration.
func (s *Server) Metadata() Metadata {
	issuer := s.config.Issuer
	scopes := normalizeScope(s.config.SupportedScopes, s.config.ImplicitScopes)
	return Metadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + AuthorizePath,
		TokenEndpoint:                     issuer + TokenPath,
		RevocationEndpoint:                issuer + RevokePath,
		JWKSURI:                           issuer + JWKSPath,
		ScopesSupported:                   scopes,
		ResponseTypesSupported:            []string{ResponseTypeCode},
		GrantTypesSupported:               []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{string(jose.ES256)},
		TokenEndpointAuthMethodsSupported: []string{TokenEndpointAuthMethodNone, TokenEndpointAuthMethodPost, TokenEndpointAuthMethodBasic},
		CodeChallengeMethodsSupported:     []string{grant.PKCEMethodPlain, grant.PKCEMethodS256},
		ClaimsSupported:                   []string{"sub", "iss", "aud", "exp", "iat", "nonce", "email", "email_verified", "name"},
	}
}
