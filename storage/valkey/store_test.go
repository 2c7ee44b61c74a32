package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
	"github.com/giantswarm/oauth-issuer/storage"
)

// testStore connects to VALKEY_TEST_ADDR (default localhost:6379) and skips
// the test when no server answers. Each test gets its own key prefix.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("issuertest:%s:", strings.ReplaceAll(t.Name(), "/", "_"))
	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
		Logger:    testutil.DiscardLogger(),
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})
	cleanupTestKeys(t, store)
	return store
}

func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(s.prefix+"*").Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}
		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}
		cursor = result.Cursor
		if cursor == 0 {
			return
		}
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() without address should fail")
	}
}

func TestStore_RevocationContract(t *testing.T) {
	testutil.RunRevocationStoreSuite(t, func(t *testing.T) storage.RevocationStore {
		return testStore(t)
	})
}

func TestStore_GrantMarkerExpires(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.RevokeGrant(ctx, "short", 100*time.Millisecond); err != nil {
		t.Fatalf("RevokeGrant() error = %v", err)
	}
	time.Sleep(250 * time.Millisecond)

	revoked, err := s.IsGrantRevoked(ctx, "short")
	if err != nil {
		t.Fatalf("IsGrantRevoked() error = %v", err)
	}
	if revoked {
		t.Error("marker should have expired")
	}
}

func TestStore_KeySchema(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.RevokeGrant(ctx, "abc", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.InitRefreshCounter(ctx, "base"); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{s.prefix + "code-grant-revoked-abc", s.prefix + "refresh-token-revoke-base"} {
		n, err := s.client.Do(ctx, s.client.B().Exists().Key(key).Build()).AsInt64()
		if err != nil || n != 1 {
			t.Errorf("key %s missing: %d, %v", key, n, err)
		}
	}
}

func TestStore_ClientsAndOwners(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := testutil.Seed(ctx, s, s); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	c, err := s.GetClient(ctx, testutil.PublicClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if !c.HasRedirectURI(testutil.RedirectURI) || c.ID == "" {
		t.Errorf("unexpected client %+v", c)
	}

	conf, err := s.GetClient(ctx, testutil.ConfidentialClientID)
	if err != nil {
		t.Fatal(err)
	}
	if err := storage.ValidateClientSecret(conf, testutil.ConfidentialSecret); err != nil {
		t.Errorf("ValidateClientSecret() error = %v", err)
	}

	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v", err)
	}

	o, err := s.GetResourceOwner(ctx, testutil.ResourceOwnerID)
	if err != nil || !o.EmailVerified {
		t.Errorf("GetResourceOwner() = %+v, %v", o, err)
	}
	if _, err := s.GetResourceOwner(ctx, "missing"); !errors.Is(err, storage.ErrResourceOwnerNotFound) {
		t.Errorf("GetResourceOwner(missing) error = %v", err)
	}
}
