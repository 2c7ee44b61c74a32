package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/storage/memory"
	"github.com/giantswarm/oauth-issuer/storage/mock"
)

var testUser = User{ID: testutil.ResourceOwnerID, Email: "user-1@example.com"}

type fixture struct {
	manager *Manager
	store   *memory.Store
	clock   *testutil.MockTime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := testutil.NewMockTime(time.Now())
	store := memory.New()
	t.Cleanup(store.Stop)

	ctx := context.Background()
	client := testutil.GenerateTestClient()
	client.Scopes = []string{"profile:read"}
	if err := store.SaveClient(ctx, client); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveResourceOwner(ctx, testutil.GenerateTestResourceOwner()); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(Config{
		Codec:          testutil.NewTestCodec(t, clock.Now),
		Store:          store,
		Clients:        store,
		Owners:         store,
		ImplicitScopes: []string{"openid"},
		Logger:         testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return &fixture{manager: m, store: store, clock: clock}
}

func (f *fixture) mustParse(t *testing.T, raw string) *Token {
	t.Helper()
	tok, err := f.manager.ParseToken(raw)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	return tok
}

func TestCreateAccessToken(t *testing.T) {
	f := newFixture(t)

	raw, err := f.manager.CreateAccessToken(testutil.PublicClientID, testUser, []string{"openid", "profile:read"})
	if err != nil {
		t.Fatalf("CreateAccessToken() error = %v", err)
	}
	tok := f.mustParse(t, raw)

	if tok.Kind != KindAccess {
		t.Errorf("Kind = %q", tok.Kind)
	}
	if tok.ClientID != testutil.PublicClientID || tok.Subject != testUser.ID || tok.User != testUser {
		t.Errorf("token = %+v", tok)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != DefaultAccessTokenTTL {
		t.Errorf("lifetime = %v, want %v", got, DefaultAccessTokenTTL)
	}
	if err := f.manager.VerifyToken(context.Background(), tok, KindAccess, ValidateAll); err != nil {
		t.Errorf("VerifyToken() error = %v", err)
	}
}

func TestAccessTokenExpires(t *testing.T) {
	f := newFixture(t)
	raw, err := f.manager.CreateAccessToken(testutil.PublicClientID, testUser, nil)
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(DefaultAccessTokenTTL + time.Minute)
	if _, err := f.manager.ParseToken(raw); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ParseToken() of expired token error = %v, want ErrInvalidToken", err)
	}
}

func TestCreateRefreshToken_StartsLineage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw, err := f.manager.CreateRefreshToken(ctx, testutil.PublicClientID, testUser, []string{"profile:read"}, "")
	if err != nil {
		t.Fatalf("CreateRefreshToken() error = %v", err)
	}
	tok := f.mustParse(t, raw)

	if tok.Kind != KindRefresh {
		t.Errorf("Kind = %q", tok.Kind)
	}
	if !tok.ExpiresAt.IsZero() {
		t.Errorf("refresh token expires at %v, want no expiry", tok.ExpiresAt)
	}
	lineage := tok.Lineage()
	if lineage.Counter != 1 {
		t.Errorf("first counter = %d, want 1", lineage.Counter)
	}
	got, err := f.store.RefreshCounter(ctx, lineage.Base)
	if err != nil || got != 1 {
		t.Errorf("stored counter = %d, %v; want 1", got, err)
	}

	// Far in the future the token is still valid.
	f.clock.Advance(365 * 24 * time.Hour)
	if err := f.manager.VerifyToken(ctx, f.mustParse(t, raw), KindRefresh, nil); err != nil {
		t.Errorf("VerifyToken() error = %v", err)
	}
}

func TestCreateIDToken(t *testing.T) {
	f := newFixture(t)
	owner := testutil.GenerateTestResourceOwner()

	raw, err := f.manager.CreateIDToken(testutil.PublicClientID, owner, "n-0S6_WzA2Mj")
	if err != nil {
		t.Fatalf("CreateIDToken() error = %v", err)
	}
	tok := f.mustParse(t, raw)
	if tok.Kind != KindID || tok.Nonce != "n-0S6_WzA2Mj" || tok.Name != owner.Name || !tok.EmailVerified {
		t.Errorf("ID token = %+v", tok)
	}
	if got := tok.ExpiresAt.Sub(tok.IssuedAt); got != DefaultIDTokenTTL {
		t.Errorf("lifetime = %v, want %v", got, DefaultIDTokenTTL)
	}
	if _, err := f.manager.CreateIDToken(testutil.PublicClientID, nil, ""); err == nil {
		t.Error("CreateIDToken(nil) should fail")
	}
}

func TestVerifyToken_TypeConfusion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	access, err := f.manager.CreateAccessToken(testutil.PublicClientID, testUser, nil)
	if err != nil {
		t.Fatal(err)
	}
	refresh, err := f.manager.CreateRefreshToken(ctx, testutil.PublicClientID, testUser, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	id, err := f.manager.CreateIDToken(testutil.PublicClientID, testutil.GenerateTestResourceOwner(), "")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		raw      string
		expected Kind
	}{
		{"access as refresh", access, KindRefresh},
		{"refresh as access", refresh, KindAccess},
		{"id as access", id, KindAccess},
		{"id as refresh", id, KindRefresh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.manager.VerifyToken(ctx, f.mustParse(t, tt.raw), tt.expected, nil)
			if !errors.Is(err, ErrWrongKind) {
				t.Errorf("VerifyToken() error = %v, want ErrWrongKind", err)
			}
		})
	}
}

func TestRotateRefreshToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1raw, err := f.manager.CreateRefreshToken(ctx, testutil.PublicClientID, testUser, []string{"profile:read"}, "")
	if err != nil {
		t.Fatal(err)
	}
	r1 := f.mustParse(t, r1raw)

	r2raw, err := f.manager.RotateRefreshToken(ctx, r1.ID, testutil.PublicClientID, testUser, r1.Scope)
	if err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}
	r2 := f.mustParse(t, r2raw)
	if want := r1.Lineage().Base + ":2"; r2.ID != want {
		t.Errorf("rotated jti = %q, want %q", r2.ID, want)
	}

	if err := f.manager.VerifyToken(ctx, r1, KindRefresh, nil); !errors.Is(err, ErrRevoked) {
		t.Errorf("superseded token error = %v, want ErrRevoked", err)
	}
	if err := f.manager.VerifyToken(ctx, r2, KindRefresh, nil); err != nil {
		t.Errorf("successor error = %v", err)
	}

	if _, err := f.manager.RotateRefreshToken(ctx, r1.ID, testutil.PublicClientID, testUser, nil); !errors.Is(err, ErrRevoked) {
		t.Errorf("rotating superseded token error = %v, want ErrRevoked", err)
	}

	r3raw, err := f.manager.RotateRefreshToken(ctx, r2.ID, testutil.PublicClientID, testUser, r2.Scope)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.mustParse(t, r3raw).Lineage().Counter; got != 3 {
		t.Errorf("third counter = %d, want 3", got)
	}
}

func TestRotateRefreshToken_ConcurrentSingleSuccessor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw, err := f.manager.CreateRefreshToken(ctx, testutil.PublicClientID, testUser, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	jti := f.mustParse(t, raw).ID

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.RotateRefreshToken(ctx, jti, testutil.PublicClientID, testUser, nil)
			switch {
			case err == nil:
				wins.Add(1)
			case !errors.Is(err, ErrRevoked):
				t.Errorf("RotateRefreshToken() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("successful rotations = %d, want 1", wins.Load())
	}
}

func TestLegacyRefreshTokenWithoutCounter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A token whose lineage has no counter record is at the initial counter.
	raw, err := f.manager.CreateRefreshToken(ctx, testutil.PublicClientID, testUser, nil, "legacy-jti")
	if err != nil {
		t.Fatal(err)
	}
	tok := f.mustParse(t, raw)
	if err := f.manager.VerifyToken(ctx, tok, KindRefresh, nil); err != nil {
		t.Fatalf("VerifyToken() error = %v", err)
	}
	next, err := f.manager.RotateRefreshToken(ctx, tok.ID, testutil.PublicClientID, testUser, nil)
	if err != nil {
		t.Fatalf("RotateRefreshToken() error = %v", err)
	}
	if got := f.mustParse(t, next).ID; got != "legacy-jti:2" {
		t.Errorf("rotated jti = %q", got)
	}
}

func TestRevokeRefreshToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	raw, err := f.manager.CreateRefreshToken(ctx, testutil.PublicClientID, testUser, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	r1 := f.mustParse(t, raw)
	r2raw, err := f.manager.RotateRefreshToken(ctx, r1.ID, testutil.PublicClientID, testUser, nil)
	if err != nil {
		t.Fatal(err)
	}
	r2 := f.mustParse(t, r2raw)

	if err := f.manager.RevokeRefreshToken(ctx, r1); err != nil {
		t.Fatalf("RevokeRefreshToken() error = %v", err)
	}
	for _, tok := range []*Token{r1, r2} {
		if err := f.manager.VerifyToken(ctx, tok, KindRefresh, nil); !errors.Is(err, ErrRevoked) {
			t.Errorf("VerifyToken(%s) after retirement error = %v, want ErrRevoked", tok.ID, err)
		}
	}

	access, err := f.manager.CreateAccessToken(testutil.PublicClientID, testUser, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.manager.RevokeRefreshToken(ctx, f.mustParse(t, access)); !errors.Is(err, ErrWrongKind) {
		t.Errorf("RevokeRefreshToken(access) error = %v, want ErrWrongKind", err)
	}
}

func TestVerifyToken_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		user     User
		scope    []string
		wantErr  error
	}{
		{"registered", testutil.PublicClientID, testUser, []string{"openid", "profile:read"}, nil},
		{"unknown user", testutil.PublicClientID, User{ID: "ghost"}, nil, ErrStale},
		{"unknown client", "gone-app", testUser, nil, ErrStale},
		{"scope no longer registered", testutil.PublicClientID, testUser, []string{"apps:write"}, ErrStale},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := f.manager.CreateAccessToken(tt.clientID, tt.user, tt.scope)
			if err != nil {
				t.Fatal(err)
			}
			err = f.manager.VerifyToken(ctx, f.mustParse(t, raw), KindAccess, ValidateAll)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("VerifyToken() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyToken() error = %v, want %v", err, tt.wantErr)
			}
			// Without validation only the kind is checked.
			if err := f.manager.VerifyToken(ctx, f.mustParse(t, raw), KindAccess, nil); err != nil {
				t.Errorf("VerifyToken(nil validation) error = %v", err)
			}
		})
	}
}

func TestVerifyToken_StoreFailure(t *testing.T) {
	boom := errors.New("store down")
	store := mock.NewMockRevocationStore(t)
	m, err := NewManager(Config{Codec: testutil.NewTestCodec(t, nil), Store: store, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	raw, err := m.CreateRefreshToken(ctx, testutil.PublicClientID, testUser, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := m.ParseToken(raw)
	if err != nil {
		t.Fatal(err)
	}

	store.RefreshCounterFunc = func(context.Context, string) (int64, error) { return 0, boom }
	err = m.VerifyToken(ctx, tok, KindRefresh, nil)
	if !errors.Is(err, boom) || errors.Is(err, ErrRevoked) {
		t.Errorf("VerifyToken() error = %v, want store error", err)
	}

	store.AdvanceRefreshCounterFunc = func(context.Context, string, int64) (int64, error) { return 0, boom }
	_, err = m.RotateRefreshToken(ctx, tok.ID, testutil.PublicClientID, testUser, nil)
	if !errors.Is(err, boom) || errors.Is(err, ErrRevoked) {
		t.Errorf("RotateRefreshToken() error = %v, want store error", err)
	}
	if store.Calls("InitRefreshCounter") != 1 {
		t.Errorf("InitRefreshCounter calls = %d, want 1", store.Calls("InitRefreshCounter"))
	}
}

func TestParseToken_Rejects(t *testing.T) {
	f := newFixture(t)
	other := newFixture(t)

	foreign, err := other.manager.CreateAccessToken(testutil.PublicClientID, testUser, nil)
	if err != nil {
		t.Fatal(err)
	}
	for name, raw := range map[string]string{"foreign key": foreign, "garbage": "a.b.c", "empty": ""} {
		t.Run(name, func(t *testing.T) {
			if _, err := f.manager.ParseToken(raw); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ParseToken() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}
