package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-issuer/storage"
)

// RunRevocationStoreSuite checks the storage.RevocationStore contract against
// a fresh store returned by newStore.
func RunRevocationStoreSuite(t *testing.T, newStore func(t *testing.T) storage.RevocationStore) {
	t.Helper()

	t.Run("grant revoked once", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.RevokeGrant(ctx, "jti-a", time.Minute)
		if err != nil || !ok {
			t.Fatalf("first RevokeGrant() = %v, %v", ok, err)
		}
		ok, err = s.RevokeGrant(ctx, "jti-a", time.Minute)
		if err != nil || ok {
			t.Fatalf("second RevokeGrant() = %v, %v", ok, err)
		}
		revoked, err := s.IsGrantRevoked(ctx, "jti-a")
		if err != nil || !revoked {
			t.Fatalf("IsGrantRevoked() = %v, %v", revoked, err)
		}
		revoked, err = s.IsGrantRevoked(ctx, "jti-b")
		if err != nil || revoked {
			t.Fatalf("IsGrantRevoked(unknown) = %v, %v", revoked, err)
		}
	})

	t.Run("concurrent grant revocation has one winner", func(t *testing.T) {
		s := newStore(t)
		var wins atomic.Int32
		parallel(t, 20, func() error {
			ok, err := s.RevokeGrant(context.Background(), "contended", time.Minute)
			if ok {
				wins.Add(1)
			}
			return err
		})
		if wins.Load() != 1 {
			t.Errorf("winners = %d, want 1", wins.Load())
		}
	})

	t.Run("counter defaults and advances", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		got, err := s.RefreshCounter(ctx, "absent")
		if err != nil || got != storage.InitialRefreshCounter {
			t.Fatalf("RefreshCounter(absent) = %d, %v", got, err)
		}
		if err := s.InitRefreshCounter(ctx, "l"); err != nil {
			t.Fatalf("InitRefreshCounter() error = %v", err)
		}
		next, err := s.AdvanceRefreshCounter(ctx, "l", 1)
		if err != nil || next != 2 {
			t.Fatalf("AdvanceRefreshCounter(1) = %d, %v", next, err)
		}
		if err := s.InitRefreshCounter(ctx, "l"); err != nil {
			t.Fatalf("InitRefreshCounter() error = %v", err)
		}
		if got, _ := s.RefreshCounter(ctx, "l"); got != 2 {
			t.Errorf("counter reset by re-init: %d", got)
		}
		if _, err := s.AdvanceRefreshCounter(ctx, "l", 1); !errors.Is(err, storage.ErrCounterMismatch) {
			t.Errorf("stale advance error = %v, want ErrCounterMismatch", err)
		}
		next, err = s.AdvanceRefreshCounter(ctx, "legacy", 1)
		if err != nil || next != 2 {
			t.Errorf("advance of absent lineage = %d, %v", next, err)
		}
	})

	t.Run("concurrent advance has one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.InitRefreshCounter(ctx, "race"); err != nil {
			t.Fatal(err)
		}
		var wins atomic.Int32
		parallel(t, 20, func() error {
			_, err := s.AdvanceRefreshCounter(ctx, "race", 1)
			if err == nil {
				wins.Add(1)
				return nil
			}
			if errors.Is(err, storage.ErrCounterMismatch) {
				return nil
			}
			return err
		})
		if wins.Load() != 1 {
			t.Errorf("winners = %d, want 1", wins.Load())
		}
		if got, _ := s.RefreshCounter(ctx, "race"); got != 2 {
			t.Errorf("RefreshCounter() = %d, want 2", got)
		}
	})

	t.Run("retired lineage matches nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := s.RetireRefreshLineage(ctx, "gone"); err != nil {
			t.Fatalf("RetireRefreshLineage() error = %v", err)
		}
		if got, _ := s.RefreshCounter(ctx, "gone"); got != storage.RetiredRefreshCounter {
			t.Errorf("RefreshCounter() = %d, want %d", got, storage.RetiredRefreshCounter)
		}
		if _, err := s.AdvanceRefreshCounter(ctx, "gone", 1); !errors.Is(err, storage.ErrCounterMismatch) {
			t.Errorf("advance on retired lineage error = %v", err)
		}
	})

	t.Run("empty keys rejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.RevokeGrant(ctx, "", time.Minute); !errors.Is(err, storage.ErrEmptyKey) {
			t.Errorf("RevokeGrant(\"\") error = %v", err)
		}
		if _, err := s.AdvanceRefreshCounter(ctx, "", 1); !errors.Is(err, storage.ErrEmptyKey) {
			t.Errorf("AdvanceRefreshCounter(\"\") error = %v", err)
		}
	})
}

func parallel(t *testing.T, n int, fn func() error) {
	t.Helper()
	var wg sync.WaitGroup
	errs := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if err := fn(); err != nil {
				errs <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}
}
