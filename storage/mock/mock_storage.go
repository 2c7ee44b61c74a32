// Package mock provides mock implementations of storage interfaces for testing.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/oauth-issuer/storage"
	"github.com/giantswarm/oauth-issuer/storage/memory"
)

// MockRevocationStore is a mock implementation of RevocationStore for testing.
// Each Func field defaults to an in-memory implementation and can be replaced
// to inject failures.
type MockRevocationStore struct {
	mu sync.Mutex

	RevokeGrantFunc           func(ctx context.Context, jti string, ttl time.Duration) (bool, error)
	IsGrantRevokedFunc        func(ctx context.Context, jti string) (bool, error)
	InitRefreshCounterFunc    func(ctx context.Context, base string) error
	RefreshCounterFunc        func(ctx context.Context, base string) (int64, error)
	AdvanceRefreshCounterFunc func(ctx context.Context, base string, expected int64) (int64, error)
	RetireRefreshLineageFunc  func(ctx context.Context, base string) error

	CallCounts map[string]int
}

// NewMockRevocationStore creates a mock backed by a memory store.
// The store is stopped when the test finishes.
func NewMockRevocationStore(t interface{ Cleanup(func()) }) *MockRevocationStore {
	backing := memory.New()
	t.Cleanup(backing.Stop)

	return &MockRevocationStore{
		RevokeGrantFunc:           backing.RevokeGrant,
		IsGrantRevokedFunc:        backing.IsGrantRevoked,
		InitRefreshCounterFunc:    backing.InitRefreshCounter,
		RefreshCounterFunc:        backing.RefreshCounter,
		AdvanceRefreshCounterFunc: backing.AdvanceRefreshCounter,
		RetireRefreshLineageFunc:  backing.RetireRefreshLineage,
		CallCounts:                make(map[string]int),
	}
}

func (m *MockRevocationStore) count(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[name]++
}

// Calls returns how often the named method was called.
func (m *MockRevocationStore) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[name]
}

// RevokeGrant implements storage.RevocationStore.
func (m *MockRevocationStore) RevokeGrant(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	m.count("RevokeGrant")
	return m.RevokeGrantFunc(ctx, jti, ttl)
}

// IsGrantRevoked implements storage.RevocationStore.
func (m *MockRevocationStore) IsGrantRevoked(ctx context.Context, jti string) (bool, error) {
	m.count("IsGrantRevoked")
	return m.IsGrantRevokedFunc(ctx, jti)
}

// InitRefreshCounter implements storage.RevocationStore.
func (m *MockRevocationStore) InitRefreshCounter(ctx context.Context, base string) error {
	m.count("InitRefreshCounter")
	return m.InitRefreshCounterFunc(ctx, base)
}

// RefreshCounter implements storage.RevocationStore.
func (m *MockRevocationStore) RefreshCounter(ctx context.Context, base string) (int64, error) {
	m.count("RefreshCounter")
	return m.RefreshCounterFunc(ctx, base)
}

// AdvanceRefreshCounter implements storage.RevocationStore.
func (m *MockRevocationStore) AdvanceRefreshCounter(ctx context.Context, base string, expected int64) (int64, error) {
	m.count("AdvanceRefreshCounter")
	return m.AdvanceRefreshCounterFunc(ctx, base, expected)
}

// RetireRefreshLineage implements storage.RevocationStore.
func (m *MockRevocationStore) RetireRefreshLineage(ctx context.Context, base string) error {
	m.count("RetireRefreshLineage")
	return m.RetireRefreshLineageFunc(ctx, base)
}

// MockClientStore is a mock implementation of ClientStore and ResourceOwnerStore.
type MockClientStore struct {
	mu      sync.RWMutex
	clients map[string]*storage.Client
	owners  map[string]*storage.ResourceOwner

	GetClientFunc        func(ctx context.Context, clientID string) (*storage.Client, error)
	GetResourceOwnerFunc func(ctx context.Context, id string) (*storage.ResourceOwner, error)
}

// NewMockClientStore creates a new mock client store.
func NewMockClientStore() *MockClientStore {
	m := &MockClientStore{
		clients: make(map[string]*storage.Client),
		owners:  make(map[string]*storage.ResourceOwner),
	}

	m.GetClientFunc = func(_ context.Context, clientID string) (*storage.Client, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		c, ok := m.clients[clientID]
		if !ok {
			return nil, storage.ErrClientNotFound
		}
		cp := *c
		return &cp, nil
	}

	m.GetResourceOwnerFunc = func(_ context.Context, id string) (*storage.ResourceOwner, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		o, ok := m.owners[id]
		if !ok {
			return nil, storage.ErrResourceOwnerNotFound
		}
		cp := *o
		return &cp, nil
	}

	return m
}

// SaveClient implements storage.ClientWriter.
func (m *MockClientStore) SaveClient(_ context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return storage.ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *client
	if cp.Type == "" {
		cp.Type = storage.ClientTypePublic
	}
	m.clients[client.ClientID] = &cp
	return nil
}

// SaveResourceOwner implements storage.ResourceOwnerWriter.
func (m *MockClientStore) SaveResourceOwner(_ context.Context, owner *storage.ResourceOwner) error {
	if owner == nil || owner.ID == "" {
		return storage.ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *owner
	m.owners[owner.ID] = &cp
	return nil
}

// GetClient implements storage.ClientStore.
func (m *MockClientStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return m.GetClientFunc(ctx, clientID)
}

// GetResourceOwner implements storage.ResourceOwnerStore.
func (m *MockClientStore) GetResourceOwner(ctx context.Context, id string) (*storage.ResourceOwner, error) {
	return m.GetResourceOwnerFunc(ctx, id)
}

var (
	_ storage.RevocationStore     = (*MockRevocationStore)(nil)
	_ storage.ClientStore         = (*MockClientStore)(nil)
	_ storage.ResourceOwnerStore  = (*MockClientStore)(nil)
	_ storage.ClientWriter        = (*MockClientStore)(nil)
	_ storage.ResourceOwnerWriter = (*MockClientStore)(nil)
)
