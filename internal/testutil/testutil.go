package testutil

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-issuer/jwtcodec"
	"github.com/giantswarm/oauth-issuer/storage"
)

// PKCE example from RFC 7636 appendix B.
const (
	RFC7636Verifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	RFC7636Challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

// Fixture identifiers.
const (
	PublicClientID       = "public-app"
	ConfidentialClientID = "backend-app"
	ConfidentialSecret   = "backend-secret"
	RedirectURI          = "https://a/cb"
	ResourceOwnerID      = "user-1"
)

// MockTime is a controllable clock, safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a clock frozen at t.
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time.
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GeneratePKCEPair returns a fresh S256 challenge and its verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	return oauth2.S256ChallengeFromVerifier(verifier), verifier
}

// GenerateTestClient returns the public fixture client.
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:     PublicClientID,
		Type:         storage.ClientTypePublic,
		Name:         "Public Test App",
		RedirectURIs: []string{RedirectURI},
		CreatedAt:    time.Now(),
	}
}

// GenerateTestConfidentialClient returns a confidential client whose secret
// is ConfidentialSecret.
func GenerateTestConfidentialClient() *storage.Client {
	hash, err := storage.HashClientSecret(ConfidentialSecret)
	if err != nil {
		panic(err)
	}
	return &storage.Client{
		ClientID:     ConfidentialClientID,
		SecretHash:   hash,
		Type:         storage.ClientTypeConfidential,
		Name:         "Confidential Test App",
		RedirectURIs: []string{"https://backend.example.com/callback"},
		CreatedAt:    time.Now(),
	}
}

// GenerateTestResourceOwner returns the fixture user.
func GenerateTestResourceOwner() *storage.ResourceOwner {
	return &storage.ResourceOwner{
		ID:            ResourceOwnerID,
		Email:         "user-1@example.com",
		Name:          "Test User",
		EmailVerified: true,
		CreatedAt:     time.Now(),
	}
}

// Seed saves the fixture clients and resource owner.
func Seed(ctx context.Context, clients storage.ClientWriter, owners storage.ResourceOwnerWriter) error {
	for _, c := range []*storage.Client{GenerateTestClient(), GenerateTestConfidentialClient()} {
		if err := clients.SaveClient(ctx, c); err != nil {
			return err
		}
	}
	return owners.SaveResourceOwner(ctx, GenerateTestResourceOwner())
}

// HTTPRequest builds requests for handler tests.
type HTTPRequest struct {
	method  string
	target  string
	headers http.Header
	form    url.Values
}

// NewHTTPRequest starts building a request.
func NewHTTPRequest(method, target string) *HTTPRequest {
	return &HTTPRequest{method: method, target: target, headers: make(http.Header)}
}

// WithHeader adds a header.
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.headers.Set(key, value)
	return r
}

// WithForm sets an application/x-www-form-urlencoded body.
func (r *HTTPRequest) WithForm(form url.Values) *HTTPRequest {
	r.form = form
	return r
}

// Do serves the request with handler and returns the recorded response.
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var req *http.Request
	if r.form != nil {
		req = httptest.NewRequest(r.method, r.target, strings.NewReader(r.form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(r.method, r.target, nil)
	}
	for k, v := range r.headers {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// TestIssuer is the issuer of NewTestCodec.
const TestIssuer = "https://issuer.test"

// NewTestCodec returns a codec with a fresh key. now may be nil.
func NewTestCodec(t testing.TB, now func() time.Time) *jwtcodec.Codec {
	t.Helper()
	key, err := jwtcodec.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	pemData, err := jwtcodec.EncodePrivateKeyPEM(key)
	if err != nil {
		t.Fatalf("EncodePrivateKeyPEM() error = %v", err)
	}
	codec, err := jwtcodec.New(context.Background(), jwtcodec.Config{
		Issuer: TestIssuer,
		Source: jwtcodec.PEMSource{PEM: pemData},
		Logger: DiscardLogger(),
		Now:    now,
	})
	if err != nil {
		t.Fatalf("jwtcodec.New() error = %v", err)
	}
	return codec
}
