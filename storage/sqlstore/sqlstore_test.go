package sqlstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/storage"
)

func prepare(t *testing.T, s *Store, err error) *Store {
	t.Helper()
	if err != nil {
		t.Fatalf("open error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if _, _, err := s.UpdateSchema(context.Background()); err != nil {
		t.Fatalf("UpdateSchema() error = %v", err)
	}
	return s
}

func openSQLite3(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite3(filepath.Join(t.TempDir(), "sqlite3.db"), testutil.DiscardLogger())
	return prepare(t, s, err)
}

func TestUpdateSchema(t *testing.T) {
	s, err := OpenSQLite3(filepath.Join(t.TempDir(), "sqlite3.db"), testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("OpenSQLite3() error = %v", err)
	}
	defer s.Close()

	from, to, err := s.UpdateSchema(context.Background())
	if err != nil {
		t.Fatalf("UpdateSchema() error = %v", err)
	}
	if from != SchemaNone || to != Schema1 {
		t.Errorf("UpdateSchema() = %v -> %v, want %v -> %v", from, to, SchemaNone, Schema1)
	}

	from, to, err = s.UpdateSchema(context.Background())
	if err != nil {
		t.Fatalf("second UpdateSchema() error = %v", err)
	}
	if from != Schema1 || to != Schema1 {
		t.Errorf("second UpdateSchema() = %v -> %v, want no-op at %v", from, to, Schema1)
	}
}

func TestScriptReader(t *testing.T) {
	r := newScriptReader([]byte("-- comment\n\nCREATE TABLE a (\n  id TEXT\n);\nINSERT INTO a VALUES ('x');\nSELECT"))

	for _, want := range []string{"CREATE TABLE a ( id TEXT );", "INSERT INTO a VALUES ('x');"} {
		stmt, err := r.readStatement()
		if err != nil {
			t.Fatalf("readStatement() error = %v", err)
		}
		if stmt != want {
			t.Errorf("readStatement() = %q, want %q", stmt, want)
		}
	}

	if _, err := r.readStatement(); err == nil || !strings.Contains(err.Error(), "unclosed statement") {
		t.Errorf("readStatement() error = %v, want unclosed statement", err)
	}
}

func TestSQLite3RevocationContract(t *testing.T) {
	testutil.RunRevocationStoreSuite(t, func(t *testing.T) storage.RevocationStore {
		return openSQLite3(t)
	})
}

func TestMemoryRevocationContract(t *testing.T) {
	testutil.RunRevocationStoreSuite(t, func(t *testing.T) storage.RevocationStore {
		s, err := OpenMemory(testutil.DiscardLogger())
		return prepare(t, s, err)
	})
}

func TestPostgresRevocationContract(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	testutil.RunRevocationStoreSuite(t, func(t *testing.T) storage.RevocationStore {
		s, err := OpenPostgres(dsn, testutil.DiscardLogger())
		s = prepare(t, s, err)
		for _, table := range []string{"grant_revocation", "refresh_counter"} {
			if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
				t.Fatal(err)
			}
		}
		return s
	})
}

func TestGrantMarkerExpiry(t *testing.T) {
	s := openSQLite3(t)
	clock := testutil.NewMockTime(time.Now())
	s.now = clock.Now
	ctx := context.Background()

	revokeOnce := func(jti string, ttl time.Duration) {
		t.Helper()
		ok, err := s.RevokeGrant(ctx, jti, ttl)
		if err != nil {
			t.Fatalf("RevokeGrant(%s) error = %v", jti, err)
		}
		if !ok {
			t.Fatalf("RevokeGrant(%s) = false, want true", jti)
		}
	}

	revokeOnce("jti", 2*time.Minute)

	clock.Advance(3 * time.Minute)
	revoked, err := s.IsGrantRevoked(ctx, "jti")
	if err != nil {
		t.Fatal(err)
	}
	if revoked {
		t.Error("expired marker still reported as revoked")
	}

	// An expired marker is replaced by the next revocation.
	revokeOnce("jti", 2*time.Minute)
	revokeOnce("forever", 0)

	clock.Advance(3 * time.Minute)
	purged, err := s.PurgeExpiredGrants(ctx)
	if err != nil {
		t.Fatalf("PurgeExpiredGrants() error = %v", err)
	}
	if purged != 1 {
		t.Errorf("PurgeExpiredGrants() = %d, want 1", purged)
	}

	revoked, err = s.IsGrantRevoked(ctx, "forever")
	if err != nil {
		t.Fatal(err)
	}
	if !revoked {
		t.Error("marker without TTL was purged")
	}
}

func TestClientsAndOwners(t *testing.T) {
	s := openSQLite3(t)
	ctx := context.Background()
	if err := testutil.Seed(ctx, s, s); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	client, err := s.GetClient(ctx, testutil.PublicClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if !client.IsPublic() || !client.HasRedirectURI(testutil.RedirectURI) {
		t.Errorf("public client = %+v", client)
	}

	confidential, err := s.GetClient(ctx, testutil.ConfidentialClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if confidential.IsPublic() {
		t.Error("confidential client reported as public")
	}
	if err := storage.ValidateClientSecret(confidential, testutil.ConfidentialSecret); err != nil {
		t.Errorf("ValidateClientSecret() error = %v", err)
	}

	// Saving again replaces redirect URIs.
	client.RedirectURIs = []string{"https://b/cb"}
	client.Scopes = []string{"profile:read", "apps:read"}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	client, err = s.GetClient(ctx, testutil.PublicClientID)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(client.RedirectURIs, []string{"https://b/cb"}) {
		t.Errorf("RedirectURIs = %v", client.RedirectURIs)
	}
	if !slices.Equal(client.Scopes, []string{"apps:read", "profile:read"}) {
		t.Errorf("Scopes = %v", client.Scopes)
	}

	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v, want ErrClientNotFound", err)
	}

	owner, err := s.GetResourceOwner(ctx, testutil.ResourceOwnerID)
	if err != nil {
		t.Fatalf("GetResourceOwner() error = %v", err)
	}
	if owner.ID != testutil.ResourceOwnerID {
		t.Errorf("owner.ID = %q", owner.ID)
	}

	if _, err := s.GetResourceOwner(ctx, "nobody"); !errors.Is(err, storage.ErrResourceOwnerNotFound) {
		t.Errorf("GetResourceOwner(nobody) error = %v, want ErrResourceOwnerNotFound", err)
	}

	if err := s.SaveClient(ctx, &storage.Client{}); !errors.Is(err, storage.ErrEmptyKey) {
		t.Errorf("SaveClient(empty) error = %v, want ErrEmptyKey", err)
	}
}
