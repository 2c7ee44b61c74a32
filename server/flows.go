package server

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/oauth-issuer/grant"
	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/token"
)

// Protocol values.
const (
	ResponseTypeCode           = "code"
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	TokenTypeBearer            = "Bearer"

	// TokenTypeHintRefreshToken and TokenTypeHintAccessToken are the RFC 7009 hints.
	TokenTypeHintRefreshToken = "refresh_token"
	TokenTypeHintAccessToken  = "access_token"

	tokenLogPrefixLength = 8
)

// AuthorizeRequest is issued by the trusted front end once the resource
// owner has authenticated and consented.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	ResourceOwnerID     string
	RedirectURI         string
	Scope               []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string

	// ClientIP is only used for audit records.
	ClientIP string
}

// AuthorizeResult carries the code to deliver to the redirect URI.
type AuthorizeResult struct {
	Code        string
	State       string
	RedirectURI string
	Scope       []string
}

// TokenRequest is a token endpoint request (RFC 6749 sections 4.1.3 and 6).
type TokenRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string

	// authorization_code
	Code         string
	RedirectURI  string
	CodeVerifier string

	// refresh_token
	RefreshToken string
	Scope        []string

	ClientIP string
}

// RevokeRequest is a revocation request (RFC 7009).
type RevokeRequest struct {
	Token         string
	TokenTypeHint string
	ClientID      string
	ClientSecret  string
	ClientIP      string
}

// Authorize validates an authorization request and issues a code.
// Checks run in this order: response type, client and redirect URI,
// resource owner, scope, PKCE.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (result *AuthorizeResult, err error) {
	ctx, span := s.tracer.Start(ctx, "server.Authorize")
	defer span.End()
	defer func() { s.finishOperation(ctx, span, "authorize", req.ClientID, req.ClientIP, err) }()

	if req.ResponseType != ResponseTypeCode {
		return nil, newError(KindUnsupportedResponseType, "response_type must be code", nil)
	}

	if req.ClientID == "" || req.RedirectURI == "" {
		return nil, newError(KindInvalidClientOrRedirect, "client_id and redirect_uri are required", nil)
	}
	client, err := s.lookupClient(ctx, req.ClientID, KindInvalidClientOrRedirect)
	if err != nil {
		return nil, err
	}
	if !client.HasRedirectURI(req.RedirectURI) {
		return nil, newError(KindInvalidClientOrRedirect, "redirect_uri is not registered for the client", nil)
	}

	if req.ResourceOwnerID == "" {
		return nil, newError(KindInvalidResourceOwner, "resource owner is required", nil)
	}
	if _, err := s.owners.GetResourceOwner(ctx, req.ResourceOwnerID); err != nil {
		if errors.Is(err, storage.ErrResourceOwnerNotFound) {
			return nil, newError(KindInvalidResourceOwner, "unknown resource owner", err)
		}
		return nil, newError(KindServerError, "failed to look up resource owner", err)
	}

	if err := s.validateClientScopes(req.Scope, client.Scopes); err != nil {
		return nil, newError(KindInvalidScope, err.Error(), nil)
	}

	if client.IsPublic() && (req.CodeChallenge == "" || req.CodeChallengeMethod == "") {
		return nil, newError(KindInvalidRequest, "public clients must use PKCE (code_challenge and code_challenge_method)", nil)
	}
	if req.CodeChallenge != "" || req.CodeChallengeMethod != "" {
		if err := grant.ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
			return nil, newError(KindInvalidRequest, err.Error(), err)
		}
	}
	if err := validateStateParameter(req.State); err != nil {
		return nil, newError(KindInvalidRequest, err.Error(), nil)
	}
	if err := validateNonce(req.Nonce); err != nil {
		return nil, newError(KindInvalidRequest, err.Error(), nil)
	}

	scope := normalizeScope(req.Scope, s.config.ImplicitScopes)
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, req.ResourceOwnerID, FormatScope(scope))

	code, err := s.grants.CreateCodeGrant(grant.CreateRequest{
		ClientID:            client.ClientID,
		UserID:              req.ResourceOwnerID,
		Scope:               scope,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		Nonce:               req.Nonce,
	})
	if err != nil {
		return nil, newError(KindServerError, "failed to issue authorization code", err)
	}

	s.auditor.LogGrantIssued(ctx, req.ResourceOwnerID, client.ClientID, req.ClientIP, FormatScope(scope), req.CodeChallengeMethod)
	if s.metrics != nil {
		s.metrics.RecordGrantIssued(ctx, client.ClientID, pkceLabel(req.CodeChallengeMethod))
	}

	return &AuthorizeResult{
		Code:        code,
		State:       req.State,
		RedirectURI: req.RedirectURI,
		Scope:       scope,
	}, nil
}

// ExchangeToken runs the token endpoint. The returned token carries the
// granted scope under Extra("scope") and, for code exchanges, the ID token
// under Extra("id_token").
func (s *Server) ExchangeToken(ctx context.Context, req TokenRequest) (tok *oauth2.Token, err error) {
	ctx, span := s.tracer.Start(ctx, "server.ExchangeToken")
	defer span.End()
	defer func() { s.finishOperation(ctx, span, "token", req.ClientID, req.ClientIP, err) }()

	switch req.GrantType {
	case GrantTypeAuthorizationCode:
		return s.exchangeAuthorizationCode(ctx, span, req)
	case GrantTypeRefreshToken:
		return s.refreshAccessToken(ctx, span, req)
	case "":
		return nil, newError(KindInvalidRequest, "grant_type is required", nil)
	default:
		return nil, newError(KindUnsupportedGrantType, "unsupported grant_type "+req.GrantType, nil)
	}
}

func (s *Server) exchangeAuthorizationCode(ctx context.Context, span trace.Span, req TokenRequest) (*oauth2.Token, error) {
	if req.Code == "" || req.ClientID == "" || req.RedirectURI == "" {
		return nil, newError(KindInvalidRequest, "code, client_id and redirect_uri are required", nil)
	}

	client, err := s.lookupClient(ctx, req.ClientID, KindInvalidClient)
	if err != nil {
		return nil, err
	}

	g, err := s.grants.VerifyCodeGrant(ctx, req.Code, req.ClientID, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		if !errors.Is(err, grant.ErrInvalidGrant) {
			return nil, newError(KindServerError, "failed to verify authorization code", err)
		}
		s.logger.Debug("Authorization code rejected",
			"client_id", req.ClientID,
			"code_prefix", util.SafeTruncate(req.Code, tokenLogPrefixLength),
			"error", err)
		switch {
		case errors.Is(err, grant.ErrAlreadyRedeemed):
			s.recordCodeReplay(ctx, "", req.ClientID, req.ClientIP)
		case errors.Is(err, grant.ErrVerifierMismatch), errors.Is(err, grant.ErrVerifierRequired), errors.Is(err, grant.ErrMalformedChallenge):
			if s.metrics != nil {
				s.metrics.RecordPKCEValidationFailed(ctx, "verify")
			}
		}
		return nil, newError(KindInvalidGrant, "authorization code is invalid, expired or already used", err)
	}
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, g.UserID, FormatScope(g.Scope))

	// Without PKCE the client secret is the only proof of possession.
	if !g.HasPKCE() || (!client.IsPublic() && req.ClientSecret != "") {
		if err := storage.ValidateClientSecret(client, req.ClientSecret); err != nil {
			return nil, newError(KindInvalidClient, "client authentication failed", err)
		}
	}

	owner, err := s.owners.GetResourceOwner(ctx, g.UserID)
	if err != nil {
		return nil, newError(KindServerError, "resource owner of the grant is unavailable", err)
	}
	user := token.User{ID: owner.ID, Email: owner.Email}

	// Redemption and signing run concurrently; the tokens are only handed
	// out if this request is the one that revoked the code. Signing writes
	// no store state, the refresh lineage is created once the code is won.
	var (
		won             bool
		access, idToken string
	)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		won, err = s.grants.RevokeGrant(egCtx, g.ID)
		return err
	})
	eg.Go(func() error {
		var err error
		if access, err = s.tokens.CreateAccessToken(client.ClientID, user, g.Scope); err != nil {
			return err
		}
		idToken, err = s.tokens.CreateIDToken(client.ClientID, owner, g.Nonce)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, newError(KindServerError, "failed to issue tokens", err)
	}
	if !won {
		s.recordCodeReplay(ctx, g.UserID, client.ClientID, req.ClientIP)
		return nil, newError(KindInvalidGrant, "authorization code already used", grant.ErrAlreadyRedeemed)
	}

	refresh, err := s.tokens.CreateRefreshToken(ctx, client.ClientID, user, g.Scope, "")
	if err != nil {
		return nil, newError(KindServerError, "failed to issue tokens", err)
	}

	s.auditor.LogCodeExchanged(ctx, g.UserID, client.ClientID, req.ClientIP, FormatScope(g.Scope))
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, client.ClientID, pkceLabel(g.CodeChallengeMethod))
	}
	s.logger.Debug("Exchanged authorization code",
		"client_id", client.ClientID,
		"jti_prefix", util.SafeTruncate(g.ID, tokenLogPrefixLength))

	return s.tokenResponse(access, refresh, idToken, g.Scope), nil
}

func (s *Server) refreshAccessToken(ctx context.Context, span trace.Span, req TokenRequest) (*oauth2.Token, error) {
	if req.RefreshToken == "" || req.ClientID == "" {
		return nil, newError(KindInvalidRequest, "refresh_token and client_id are required", nil)
	}

	t, err := s.tokens.ParseToken(req.RefreshToken)
	if err != nil {
		return nil, newError(KindInvalidGrant, "refresh token is invalid", err)
	}
	if t.ClientID != req.ClientID {
		return nil, newError(KindInvalidGrant, "refresh token was not issued to this client", nil)
	}
	lineage := t.Lineage()
	instrumentation.AddOAuthFlowAttributes(span, t.ClientID, t.User.ID, FormatScope(t.Scope))
	instrumentation.AddLineageAttributes(span, util.SafeTruncate(lineage.Base, tokenLogPrefixLength), lineage.Counter)

	if err := s.tokens.VerifyToken(ctx, t, token.KindRefresh, token.ValidateAll); err != nil {
		switch {
		case errors.Is(err, token.ErrRevoked):
			s.handleRefreshReplay(ctx, t, req)
			return nil, newError(KindInvalidGrant, "refresh token has been superseded or revoked", err)
		case errors.Is(err, token.ErrWrongKind), errors.Is(err, token.ErrStale), errors.Is(err, token.ErrInvalidToken):
			return nil, newError(KindInvalidGrant, "refresh token is invalid", err)
		default:
			return nil, newError(KindServerError, "failed to verify refresh token", err)
		}
	}

	client, err := s.lookupClient(ctx, req.ClientID, KindInvalidClient)
	if err != nil {
		return nil, err
	}
	if err := authenticateClient(client, req.ClientSecret); err != nil {
		return nil, err
	}

	scope := t.Scope
	if len(req.Scope) > 0 {
		if !isSubset(req.Scope, t.Scope) {
			return nil, newError(KindInvalidScope, "requested scope exceeds the original grant", nil)
		}
		scope = normalizeScope(req.Scope, s.config.ImplicitScopes)
	}

	// The refresh token keeps the original scope (RFC 6749 section 6).
	refresh, err := s.tokens.RotateRefreshToken(ctx, t.ID, t.ClientID, t.User, t.Scope)
	if err != nil {
		if errors.Is(err, token.ErrRevoked) {
			s.handleRefreshReplay(ctx, t, req)
			return nil, newError(KindInvalidGrant, "refresh token has been superseded or revoked", err)
		}
		return nil, newError(KindServerError, "failed to rotate refresh token", err)
	}
	access, err := s.tokens.CreateAccessToken(t.ClientID, t.User, scope)
	if err != nil {
		return nil, newError(KindServerError, "failed to issue access token", err)
	}

	s.auditor.LogTokenRotated(ctx, t.User.ID, t.ClientID, req.ClientIP,
		util.SafeTruncate(lineage.Base, tokenLogPrefixLength), lineage.Counter+1)
	if s.metrics != nil {
		s.metrics.RecordTokenRotation(ctx, t.ClientID)
	}

	return s.tokenResponse(access, refresh, "", scope), nil
}

// handleRefreshReplay records a presented superseded refresh token and, when
// configured, retires its lineage. Retirement requires the client to pass
// authentication so that a leaked token alone cannot end a session of a
// confidential client.
func (s *Server) handleRefreshReplay(ctx context.Context, t *token.Token, req TokenRequest) {
	if s.metrics != nil {
		s.metrics.RecordRefreshReplayDetected(ctx)
	}
	base := util.SafeTruncate(t.Lineage().Base, tokenLogPrefixLength)

	retired := false
	if s.config.RevokeLineageOnReuse {
		client, err := s.clients.GetClient(ctx, t.ClientID)
		if err == nil && authenticateClient(client, req.ClientSecret) == nil {
			if err := s.tokens.RevokeRefreshToken(ctx, t); err != nil {
				s.logger.Error("Failed to retire refresh lineage after replay", "lineage_prefix", base, "error", err)
			} else {
				retired = true
				s.auditor.LogLineageRetired(ctx, t.User.ID, t.ClientID, req.ClientIP, base)
			}
		}
	}

	s.logger.Warn("Superseded refresh token presented",
		"client_id", t.ClientID,
		"lineage_prefix", base,
		"lineage_retired", retired)
	s.auditor.LogRefreshReplay(ctx, t.User.ID, t.ClientID, req.ClientIP, base, retired)
}

func (s *Server) recordCodeReplay(ctx context.Context, userID, clientID, ip string) {
	if s.metrics != nil {
		s.metrics.RecordCodeReplayDetected(ctx)
	}
	s.logger.Warn("Authorization code replay detected", "client_id", clientID)
	s.auditor.LogCodeReplay(ctx, userID, clientID, ip)
}

// Revoke implements RFC 7009. Refresh tokens retire their whole lineage.
// Access and ID tokens are self-contained and expire on their own; like
// unknown or malformed tokens, revoking them succeeds without effect.
func (s *Server) Revoke(ctx context.Context, req RevokeRequest) (err error) {
	ctx, span := s.tracer.Start(ctx, "server.Revoke")
	defer span.End()
	defer func() { s.finishOperation(ctx, span, "revoke", req.ClientID, req.ClientIP, err) }()

	if req.Token == "" || req.ClientID == "" {
		return newError(KindInvalidRequest, "token and client_id are required", nil)
	}
	client, err := s.lookupClient(ctx, req.ClientID, KindInvalidClient)
	if err != nil {
		return err
	}
	if err := authenticateClient(client, req.ClientSecret); err != nil {
		return err
	}

	t, err := s.tokens.ParseToken(req.Token)
	if err != nil {
		s.logger.Debug("Ignoring revocation of an invalid token", "client_id", client.ClientID)
		return nil
	}
	if t.ClientID != client.ClientID {
		s.logger.Warn("Client attempted to revoke a token issued to another client",
			"client_id", client.ClientID,
			"token_client_id", t.ClientID)
		return nil
	}
	if t.Kind != token.KindRefresh {
		return nil
	}

	if err := s.tokens.RevokeRefreshToken(ctx, t); err != nil {
		return newError(KindServerError, "failed to revoke refresh token", err)
	}
	s.auditor.LogTokenRevoked(ctx, t.User.ID, t.ClientID, req.ClientIP, string(t.Kind))
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, t.ClientID, string(t.Kind))
	}
	return nil
}

func (s *Server) tokenResponse(access, refresh, idToken string, scope []string) *oauth2.Token {
	ttl := s.tokens.AccessTokenTTL()
	tok := &oauth2.Token{
		AccessToken:  access,
		TokenType:    TokenTypeBearer,
		RefreshToken: refresh,
		Expiry:       s.codec.Now().Add(ttl),
		ExpiresIn:    int64(ttl / time.Second),
	}
	extra := map[string]any{"scope": FormatScope(scope)}
	if idToken != "" {
		extra["id_token"] = idToken
	}
	return tok.WithExtra(extra)
}

// finishOperation closes the span of a flow and records failures.
func (s *Server) finishOperation(ctx context.Context, span trace.Span, operation, clientID, ip string, err error) {
	if s.logClientIPs {
		instrumentation.AddSecurityAttributes(span, ip)
	}
	if err == nil {
		instrumentation.SetSpanSuccess(span)
		return
	}

	instrumentation.RecordError(span, err)
	e := AsError(err)
	code := e.Kind.Code()
	if s.metrics != nil {
		s.metrics.RecordRequestFailure(ctx, operation, code)
	}
	s.auditor.LogRequestFailure(ctx, operation, clientID, ip, code)

	if e.Kind == KindServerError {
		s.logger.Error("Request failed", "operation", operation, "client_id", clientID, "error", err)
		return
	}
	s.logger.Debug("Request rejected", "operation", operation, "client_id", clientID, "code", code, "error", err)
}

func pkceLabel(method string) string {
	if method == "" {
		return "none"
	}
	return method
}
