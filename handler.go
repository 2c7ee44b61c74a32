package oauth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/server"
)

const (
	contentTypeJSON = "application/json"
	bearerPrefix    = "Bearer "
)

// Handler serves the issuer endpoints over HTTP.
type Handler struct {
	server  *server.Server
	config  Config
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	limiter *security.RateLimiter
	ips     security.ClientIPResolver
}

// NewHandler creates a new HTTP handler for srv. Call Close to release the
// rate limiter.
func NewHandler(srv *server.Server, config Config) *Handler {
	config = config.withDefaults()
	h := &Handler{
		server: srv,
		config: config,
		logger: config.Logger,
		ips: security.ClientIPResolver{
			TrustProxy:     config.Security.TrustProxy,
			TrustedProxies: config.Security.TrustedProxies,
		},
	}
	if config.Instrumentation != nil {
		h.metrics = config.Instrumentation.Metrics()
	}
	if config.RateLimit.Rate > 0 {
		burst := config.RateLimit.Burst
		if burst <= 0 {
			burst = config.RateLimit.Rate
		}
		h.limiter = security.NewRateLimiterWithConfig(config.RateLimit.Rate, burst, config.RateLimit.MaxEntries, h.logger)
	}
	if config.Security.AuthorizeAPIKey == "" {
		h.logger.Warn("Authorize endpoint is not protected by an API key; expose it to the trusted front end only")
	}
	return h
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// Routes returns the issuer's HTTP routes wrapped in request ID handling.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(server.AuthorizePath, h.endpoint("authorize", http.MethodPost, h.ServeAuthorize))
	mux.Handle(server.TokenPath, h.endpoint("token", http.MethodPost, h.ServeToken))
	mux.Handle(server.RevokePath, h.endpoint("revoke", http.MethodPost, h.ServeRevoke))
	mux.Handle(server.JWKSPath, h.endpoint("jwks", http.MethodGet, h.ServeJWKS))
	mux.Handle(server.OIDCDiscoveryPath, h.endpoint("discovery", http.MethodGet, h.ServeOpenIDConfiguration))
	mux.Handle("/", h.endpoint("not_found", "", func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, NewOAuthError(ErrorCodeNotFound, "unknown endpoint", http.StatusNotFound))
	}))
	return security.RequestIDMiddleware(mux)
}

// endpoint applies method enforcement, rate limiting and HTTP metrics. An
// empty method accepts anything.
func (h *Handler) endpoint(name, method string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if h.metrics != nil {
				h.metrics.RecordHTTPRequest(r.Context(), r.Method, name, rec.status, float64(time.Since(start).Milliseconds()))
			}
			h.logger.Debug("HTTP request",
				"method", r.Method,
				"endpoint", name,
				"status", rec.status,
				"duration", time.Since(start),
				"request_id", security.GetRequestID(r.Context()))
		}()

		if h.limiter != nil {
			ip := h.ips.ClientIP(r)
			if !h.limiter.Allow(ip) {
				if h.metrics != nil {
					h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
				}
				h.config.Auditor.LogRateLimitExceeded(r.Context(), ip)
				rec.Header().Set("Retry-After", "1")
				h.writeError(rec, ErrRateLimitExceeded("too many requests"))
				return
			}
		}

		if method != "" && r.Method != method {
			rec.Header().Set("Allow", method)
			h.writeError(rec, ErrMethodNotAllowed(r.Method+" is not allowed on this endpoint"))
			return
		}

		r.Body = http.MaxBytesReader(rec, r.Body, h.config.MaxBodyBytes)
		next(rec, r)
	})
}

// ServeAuthorize handles POST /oauth/authorize. The body is a JSON
// AuthorizeRequest; the response carries the code instead of redirecting.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeKeyValid(r) {
		h.writeError(w, ErrUnauthorized("missing or invalid API key"))
		return
	}

	var body AuthorizeRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed authorize request body"))
		return
	}

	result, err := h.server.Authorize(r.Context(), server.AuthorizeRequest{
		ResponseType:        body.ResponseType,
		ClientID:            body.ClientID,
		ResourceOwnerID:     body.ResourceOwnerID,
		RedirectURI:         body.RedirectURI,
		Scope:               body.Scope,
		State:               body.State,
		Nonce:               body.Nonce,
		CodeChallenge:       body.CodeChallenge,
		CodeChallengeMethod: body.CodeChallengeMethod,
		ClientIP:            h.ips.ClientIP(r),
	})
	if err != nil {
		oerr := FromServerError(err)
		oerr.State = body.State
		h.writeError(w, oerr)
		return
	}

	h.writeJSON(w, http.StatusOK, AuthorizeResponse{
		Code:        result.Code,
		State:       result.State,
		RedirectURI: result.RedirectURI,
		Scope:       server.FormatScope(result.Scope),
	})
}

// ServeToken handles POST /oauth/token for the authorization_code and
// refresh_token grants. Form encoded and JSON bodies are accepted; client
// credentials may come from HTTP Basic authentication.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	params, oerr := h.readTokenParams(r)
	if oerr != nil {
		h.writeError(w, oerr)
		return
	}

	tok, err := h.server.ExchangeToken(r.Context(), server.TokenRequest{
		GrantType:    params.GrantType,
		ClientID:     params.ClientID,
		ClientSecret: params.ClientSecret,
		Code:         params.Code,
		RedirectURI:  params.RedirectURI,
		CodeVerifier: params.CodeVerifier,
		RefreshToken: params.RefreshToken,
		Scope:        server.ParseScope(params.Scope),
		ClientIP:     h.ips.ClientIP(r),
	})
	if err != nil {
		h.writeError(w, FromServerError(err))
		return
	}

	resp := TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    tok.ExpiresIn,
		RefreshToken: tok.RefreshToken,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		resp.IDToken = idToken
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ServeRevoke handles POST /oauth/revoke (RFC 7009). Unknown and foreign
// tokens still answer 200.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	params, oerr := h.readTokenParams(r)
	if oerr != nil {
		h.writeError(w, oerr)
		return
	}

	err := h.server.Revoke(r.Context(), server.RevokeRequest{
		Token:         params.Token,
		TokenTypeHint: params.TokenTypeHint,
		ClientID:      params.ClientID,
		ClientSecret:  params.ClientSecret,
		ClientIP:      h.ips.ClientIP(r),
	})
	if err != nil {
		h.writeError(w, FromServerError(err))
		return
	}

	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	security.SetNoStore(w)
	w.WriteHeader(http.StatusOK)
}

// ServeJWKS handles GET /.well-known/jwks.json.
func (h *Handler) ServeJWKS(w http.ResponseWriter, _ *http.Request) {
	h.writeCacheableJSON(w, h.server.JWKS())
}

// ServeOpenIDConfiguration handles GET /.well-known/openid-configuration.
func (h *Handler) ServeOpenIDConfiguration(w http.ResponseWriter, _ *http.Request) {
	h.writeCacheableJSON(w, h.server.Metadata())
}

func (h *Handler) authorizeKeyValid(r *http.Request) bool {
	key := h.config.Security.AuthorizeAPIKey
	if key == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, bearerPrefix) {
		return false
	}
	presented := strings.TrimPrefix(header, bearerPrefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(key)) == 1
}

// readTokenParams reads a token or revocation request and merges HTTP Basic
// client credentials into it (RFC 6749 section 2.3.1).
func (h *Handler) readTokenParams(r *http.Request) (tokenRequestBody, *OAuthError) {
	var params tokenRequestBody

	if isJSON(r) {
		if err := decodeJSON(r, &params); err != nil {
			return params, ErrInvalidRequest("malformed JSON body")
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return params, ErrInvalidRequest("malformed form body")
		}
		params = tokenRequestBody{
			GrantType:     r.PostForm.Get("grant_type"),
			Code:          r.PostForm.Get("code"),
			RedirectURI:   r.PostForm.Get("redirect_uri"),
			CodeVerifier:  r.PostForm.Get("code_verifier"),
			RefreshToken:  r.PostForm.Get("refresh_token"),
			Scope:         r.PostForm.Get("scope"),
			ClientID:      r.PostForm.Get("client_id"),
			ClientSecret:  r.PostForm.Get("client_secret"),
			Token:         r.PostForm.Get("token"),
			TokenTypeHint: r.PostForm.Get("token_type_hint"),
		}
	}

	authClientID, authClientSecret, ok, err := h.parseBasicAuth(r)
	if err != nil {
		return params, ErrInvalidRequest("malformed basic authentication")
	}
	if ok {
		if params.ClientSecret != "" {
			return params, ErrInvalidRequest("multiple client authentication methods")
		}
		if params.ClientID != "" && params.ClientID != authClientID {
			return params, ErrInvalidRequest("client_id does not match the authenticated client")
		}
		params.ClientID = authClientID
		params.ClientSecret = authClientSecret
	}
	return params, nil
}

// parseBasicAuth decodes client credentials, which are form encoded before
// being placed in the header.
func (h *Handler) parseBasicAuth(r *http.Request) (clientID, secret string, ok bool, err error) {
	rawID, rawSecret, ok := r.BasicAuth()
	if !ok {
		return "", "", false, nil
	}
	if clientID, err = url.QueryUnescape(rawID); err != nil {
		return "", "", false, err
	}
	if secret, err = url.QueryUnescape(rawSecret); err != nil {
		return "", "", false, err
	}
	return clientID, secret, true, nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	security.SetNoStore(w)
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeCacheableJSON(w http.ResponseWriter, v any) {
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	security.SetPublicCache(w, int(h.config.DiscoveryCacheMaxAge/time.Second))
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, oerr *OAuthError) {
	security.SetSecurityHeaders(w, h.server.Config().Issuer)
	security.SetNoStore(w)
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(oerr.Status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            oerr.Code,
		ErrorDescription: oerr.Description,
		State:            oerr.State,
	})
}

func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == contentTypeJSON
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(status int) {
	if !s.wroteHeader {
		s.status = status
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(status)
}
