package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	oauth "github.com/giantswarm/oauth-issuer"
	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/server"
)

func testConfig(t *testing.T, storageType string) *Config {
	t.Helper()
	config, err := LoadConfig("", false)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	config.Storage.Type = storageType
	config.Server.CORSAllowedOrigins = []string{"https://app.example.com"}
	config.Clients = []ClientConfig{{
		ID:           testutil.PublicClientID,
		Type:         "public",
		RedirectURIs: []string{testutil.RedirectURI},
		Scopes:       []string{server.ScopeProfileRead},
	}}
	config.ResourceOwners = []ResourceOwnerConfig{{ID: testutil.ResourceOwnerID, Email: "user-1@example.com"}}
	return config
}

func newTestApp(t *testing.T, config *Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), config, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("newApp() error = %v", err)
	}
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

func postForm(t *testing.T, target string, form url.Values) int {
	t.Helper()
	resp, err := http.PostForm(target, form)
	if err != nil {
		t.Fatalf("POST %s error = %v", target, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestAppCodeFlow(t *testing.T) {
	for _, storageType := range []string{StorageMemory, StorageMemorySQLite} {
		t.Run(storageType, func(t *testing.T) {
			a := newTestApp(t, testConfig(t, storageType))
			ts := httptest.NewServer(a.routes())
			defer ts.Close()

			body, err := json.Marshal(oauth.AuthorizeRequest{
				ClientID:            testutil.PublicClientID,
				ResourceOwnerID:     testutil.ResourceOwnerID,
				ResponseType:        server.ResponseTypeCode,
				RedirectURI:         testutil.RedirectURI,
				Scope:               []string{server.ScopeProfileRead},
				CodeChallenge:       testutil.RFC7636Challenge,
				CodeChallengeMethod: "S256",
			})
			if err != nil {
				t.Fatal(err)
			}
			resp, err := http.Post(ts.URL+server.AuthorizePath, "application/json", bytes.NewReader(body))
			if err != nil {
				t.Fatalf("authorize error = %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("authorize status = %d, want %d", resp.StatusCode, http.StatusOK)
			}
			var authz oauth.AuthorizeResponse
			if err := json.NewDecoder(resp.Body).Decode(&authz); err != nil {
				t.Fatal(err)
			}

			form := url.Values{
				"grant_type":    {server.GrantTypeAuthorizationCode},
				"client_id":     {testutil.PublicClientID},
				"code":          {authz.Code},
				"redirect_uri":  {testutil.RedirectURI},
				"code_verifier": {testutil.RFC7636Verifier},
			}
			if got := postForm(t, ts.URL+server.TokenPath, form); got != http.StatusOK {
				t.Fatalf("token status = %d, want %d", got, http.StatusOK)
			}
			if got := postForm(t, ts.URL+server.TokenPath, form); got != http.StatusBadRequest {
				t.Errorf("replay status = %d, want %d", got, http.StatusBadRequest)
			}
		})
	}
}

func TestAppRoutes(t *testing.T) {
	a := newTestApp(t, testConfig(t, StorageMemory))
	routes := a.routes()

	for _, path := range []string{healthPath, server.OIDCDiscoveryPath} {
		if w := testutil.NewHTTPRequest(http.MethodGet, path).Do(routes); w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, w.Code, http.StatusOK)
		}
	}

	// Exercise a flow metric before scraping.
	_ = testutil.NewHTTPRequest(http.MethodPost, server.TokenPath).
		WithForm(url.Values{"grant_type": {"password"}, "client_id": {testutil.PublicClientID}}).
		Do(routes)
	w := testutil.NewHTTPRequest(http.MethodGet, metricsPath).Do(routes)
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s status = %d", metricsPath, w.Code)
	}
	if !strings.Contains(w.Body.String(), "oauth") {
		t.Error("metrics do not expose issuer series")
	}

	w = testutil.NewHTTPRequest(http.MethodOptions, server.TokenPath).
		WithHeader("Origin", "https://app.example.com").
		WithHeader("Access-Control-Request-Method", http.MethodPost).
		Do(routes)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("token preflight Access-Control-Allow-Origin = %q", got)
	}

	w = testutil.NewHTTPRequest(http.MethodOptions, server.AuthorizePath).
		WithHeader("Origin", "https://app.example.com").
		WithHeader("Access-Control-Request-Method", http.MethodPost).
		Do(routes)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("authorize preflight Access-Control-Allow-Origin = %q, want none", got)
	}
}

func TestAppRejectsInvalidSeed(t *testing.T) {
	config := testConfig(t, StorageMemory)
	config.Clients[0].RedirectURIs = []string{"http://app.example.com/cb"}

	if _, err := newApp(context.Background(), config, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("newApp() accepted a non-HTTPS redirect URI")
	}
}

func TestOpenStoresUnknownType(t *testing.T) {
	config := testConfig(t, "cassandra")
	if _, err := openStores(context.Background(), config, slog.Default(), nil); err == nil {
		t.Error("openStores() accepted unknown type")
	}

	config.Storage.Type = StoragePostgres
	if _, err := openStores(context.Background(), config, slog.Default(), nil); err == nil {
		t.Error("openStores(postgres) without dsn succeeded")
	}
}

func TestAppPurge(t *testing.T) {
	a := newTestApp(t, testConfig(t, StorageMemorySQLite))
	if a.stores.purge == nil {
		t.Fatal("sqlite store has no purge")
	}
	a.purge(context.Background())

	m := newTestApp(t, testConfig(t, StorageMemory))
	if m.stores.purge != nil {
		t.Error("memory store has a purge")
	}
}
