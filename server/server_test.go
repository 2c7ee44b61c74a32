package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/memory"
)

type testEnv struct {
	srv   *Server
	store *memory.Store
	clock *testutil.MockTime
}

// newTestServer returns a server over a seeded memory store. public-app is
// registered for profile:read only, backend-app for profile:read and apps:read.
func newTestServer(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	clock := testutil.NewMockTime(time.Now())
	store := memory.New()
	t.Cleanup(store.Stop)

	ctx := context.Background()
	public := testutil.GenerateTestClient()
	public.Scopes = []string{ScopeProfileRead}
	confidential := testutil.GenerateTestConfidentialClient()
	confidential.Scopes = []string{ScopeProfileRead, ScopeAppsRead}
	for _, c := range []*storage.Client{public, confidential} {
		if err := store.SaveClient(ctx, c); err != nil {
			t.Fatalf("SaveClient() error = %v", err)
		}
	}
	if err := store.SaveResourceOwner(ctx, testutil.GenerateTestResourceOwner()); err != nil {
		t.Fatalf("SaveResourceOwner() error = %v", err)
	}

	if cfg.Issuer == "" {
		cfg.Issuer = testutil.TestIssuer
	}
	srv, err := New(cfg, Deps{
		Codec:       testutil.NewTestCodec(t, clock.Now),
		Revocations: store,
		Clients:     store,
		Owners:      store,
		Auditor:     security.NewAuditor(testutil.DiscardLogger(), true),
		Logger:      testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testEnv{srv: srv, store: store, clock: clock}
}

func TestNew_RequiresDependencies(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	codec := testutil.NewTestCodec(t, nil)

	tests := []struct {
		name string
		deps Deps
	}{
		{"no codec", Deps{Revocations: store, Clients: store, Owners: store}},
		{"no revocations", Deps{Codec: codec, Clients: store, Owners: store}},
		{"no clients", Deps{Codec: codec, Revocations: store, Owners: store}},
		{"no owners", Deps{Codec: codec, Revocations: store, Clients: store}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(Config{Issuer: testutil.TestIssuer}, tt.deps); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

func TestNew_IssuerValidation(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	codec := testutil.NewTestCodec(t, nil)
	deps := Deps{Codec: codec, Revocations: store, Clients: store, Owners: store, Logger: testutil.DiscardLogger()}

	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"matching https issuer", Config{Issuer: testutil.TestIssuer}, false},
		{"trailing slash is normalized", Config{Issuer: testutil.TestIssuer + "/"}, false},
		{"empty issuer", Config{}, true},
		{"issuer differs from codec", Config{Issuer: "https://other.test"}, true},
		{"plain http on public host", Config{Issuer: "http://issuer.test"}, true},
		{"unknown scheme", Config{Issuer: "ftp://issuer.test"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.config, deps)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	env := newTestServer(t, Config{})
	cfg := env.srv.Config()

	if cfg.AuthorizationCodeTTL != 2*time.Minute {
		t.Errorf("AuthorizationCodeTTL = %v", cfg.AuthorizationCodeTTL)
	}
	if cfg.AccessTokenTTL != 2*time.Hour || cfg.IDTokenTTL != 2*time.Hour {
		t.Errorf("token TTLs = %v, %v", cfg.AccessTokenTTL, cfg.IDTokenTTL)
	}
	if !slices.Equal(cfg.ImplicitScopes, []string{ScopeOpenID}) {
		t.Errorf("ImplicitScopes = %v", cfg.ImplicitScopes)
	}
	if cfg.AllowLocalhostRedirectURIs == nil || !*cfg.AllowLocalhostRedirectURIs {
		t.Error("loopback redirect URIs should be allowed by default")
	}
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		kind       ErrorKind
		sentinel   error
		wantCode   string
		wantStatus int
	}{
		{KindInvalidClientOrRedirect, ErrInvalidClientOrRedirect, "invalid_client_or_redirect_uri", http.StatusBadRequest},
		{KindInvalidResourceOwner, ErrInvalidResourceOwner, "invalid_resource_owner", http.StatusBadRequest},
		{KindUnsupportedResponseType, ErrUnsupportedResponseType, "unsupported_response_type", http.StatusBadRequest},
		{KindUnsupportedGrantType, ErrUnsupportedGrantType, "unsupported_grant_type", http.StatusBadRequest},
		{KindInvalidRequest, ErrInvalidRequest, "invalid_request", http.StatusBadRequest},
		{KindInvalidGrant, ErrInvalidGrant, "invalid_grant", http.StatusBadRequest},
		{KindInvalidClient, ErrInvalidClient, "invalid_client", http.StatusBadRequest},
		{KindInvalidScope, ErrInvalidScope, "invalid_scope", http.StatusBadRequest},
		{KindServerError, ErrServerError, "server_error", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			if tt.kind.Code() != tt.wantCode {
				t.Errorf("Code() = %q", tt.kind.Code())
			}
			if tt.kind.HTTPStatus() != tt.wantStatus {
				t.Errorf("HTTPStatus() = %d", tt.kind.HTTPStatus())
			}

			cause := errors.New("cause")
			err := error(newError(tt.kind, "described", cause))
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v, sentinel) = false", err)
			}
			if !errors.Is(err, cause) {
				t.Error("cause not reachable through Unwrap")
			}
			if KindOf(err) != tt.kind {
				t.Errorf("KindOf() = %v", KindOf(err))
			}
		})
	}

	if errors.Is(newError(KindInvalidGrant, "", nil), ErrInvalidClient) {
		t.Error("different kinds must not match")
	}
	if KindOf(errors.New("plain")) != KindServerError {
		t.Error("unknown errors must be server errors")
	}
	if AsError(errors.New("plain")).Description == "plain" {
		t.Error("AsError must not leak internal messages")
	}
}

func TestMetadata(t *testing.T) {
	env := newTestServer(t, Config{})
	md := env.srv.Metadata()

	if md.Issuer != testutil.TestIssuer {
		t.Errorf("issuer = %q", md.Issuer)
	}
	if md.TokenEndpoint != testutil.TestIssuer+TokenPath || md.JWKSURI != testutil.TestIssuer+JWKSPath {
		t.Errorf("endpoints = %q, %q", md.TokenEndpoint, md.JWKSURI)
	}
	if !slices.Equal(md.CodeChallengeMethodsSupported, []string{"plain", "S256"}) {
		t.Errorf("code challenge methods = %v", md.CodeChallengeMethodsSupported)
	}
	for _, scope := range []string{ScopeOpenID, ScopeProfileRead, ScopeProfileWrite, ScopeAppsRead, ScopeAppsWrite} {
		if !slices.Contains(md.ScopesSupported, scope) {
			t.Errorf("scopes_supported misses %q", scope)
		}
	}
	if !slices.Equal(md.GrantTypesSupported, []string{GrantTypeAuthorizationCode, GrantTypeRefreshToken}) {
		t.Errorf("grant types = %v", md.GrantTypesSupported)
	}
}

func TestJWKS(t *testing.T) {
	env := newTestServer(t, Config{})
	set := env.srv.JWKS()
	if len(set.Keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(set.Keys))
	}
	if !set.Keys[0].IsPublic() {
		t.Error("JWKS must only publish the public key")
	}
	if set.Keys[0].Algorithm != "ES256" {
		t.Errorf("alg = %q", set.Keys[0].Algorithm)
	}
}
