package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-issuer/instrumentation"
	"github.com/giantswarm/oauth-issuer/storage"
)

const storageType = "memory"

// Store keeps revocation state, clients and resource owners in memory.
type Store struct {
	mu sync.RWMutex

	grants   *ttlcache.Cache[string, struct{}]
	counters map[string]int64
	clients  map[string]*storage.Client
	owners   map[string]*storage.ResourceOwner

	lineagesCount atomic.Int64

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	logger   *slog.Logger
	stopOnce sync.Once
}

var (
	_ storage.RevocationStore     = (*Store)(nil)
	_ storage.ClientStore         = (*Store)(nil)
	_ storage.ResourceOwnerStore  = (*Store)(nil)
	_ storage.ClientWriter        = (*Store)(nil)
	_ storage.ResourceOwnerWriter = (*Store)(nil)
)

// New creates an empty store and starts expiry of grant markers.
func New() *Store {
	s := &Store{
		grants:   ttlcache.New[string, struct{}](ttlcache.WithDisableTouchOnHit[string, struct{}]()),
		counters: make(map[string]int64),
		clients:  make(map[string]*storage.Client),
		owners:   make(map[string]*storage.ResourceOwner),
		logger:   slog.Default(),
	}
	go s.grants.Start()
	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation enables spans and storage metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.lineagesCount.Store(int64(len(s.counters)))
	logger := s.logger
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return int64(s.grants.Len()) },
		func() int64 { return s.lineagesCount.Load() },
	)
	if err != nil {
		logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop ends background expiry. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(s.grants.Stop)
}

// RevokeGrant implements storage.RevocationStore.
func (s *Store) RevokeGrant(ctx context.Context, jti string, ttl time.Duration) (revoked bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "revoke_grant")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "revoke_grant", err, start) }()

	if jti == "" {
		return false, storage.ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}

	_, existed := s.grants.GetOrSet(storage.GrantRevokedKey(jti), struct{}{}, ttlcache.WithTTL[string, struct{}](ttl))
	return !existed, nil
}

// IsGrantRevoked implements storage.RevocationStore.
func (s *Store) IsGrantRevoked(ctx context.Context, jti string) (revoked bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "is_grant_revoked")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "is_grant_revoked", err, start) }()

	if jti == "" {
		return false, storage.ErrEmptyKey
	}
	return s.grants.Has(storage.GrantRevokedKey(jti)), nil
}

// InitRefreshCounter implements storage.RevocationStore.
func (s *Store) InitRefreshCounter(ctx context.Context, base string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "init_refresh_counter")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "init_refresh_counter", err, start) }()

	if base == "" {
		return storage.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := storage.RefreshCounterKey(base)
	if _, ok := s.counters[key]; !ok {
		s.counters[key] = storage.InitialRefreshCounter
		s.lineagesCount.Add(1)
	}
	return nil
}

// RefreshCounter implements storage.RevocationStore.
func (s *Store) RefreshCounter(ctx context.Context, base string) (counter int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_refresh_counter")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_refresh_counter", err, start) }()

	if base == "" {
		return 0, storage.ErrEmptyKey
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.counters[storage.RefreshCounterKey(base)]; ok {
		return v, nil
	}
	return storage.InitialRefreshCounter, nil
}

// AdvanceRefreshCounter implements storage.RevocationStore.
func (s *Store) AdvanceRefreshCounter(ctx context.Context, base string, expected int64) (next int64, err error) {
	ctx, span := s.startStorageSpan(ctx, "advance_refresh_counter")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "advance_refresh_counter", err, start) }()

	if base == "" {
		return 0, storage.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := storage.RefreshCounterKey(base)
	current, ok := s.counters[key]
	if !ok {
		current = storage.InitialRefreshCounter
	}
	if current != expected {
		return 0, fmt.Errorf("%w: lineage at %d, presented %d", storage.ErrCounterMismatch, current, expected)
	}

	if !ok {
		s.lineagesCount.Add(1)
	}
	next = current + 1
	s.counters[key] = next
	return next, nil
}

// RetireRefreshLineage implements storage.RevocationStore.
func (s *Store) RetireRefreshLineage(ctx context.Context, base string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "retire_refresh_lineage")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "retire_refresh_lineage", err, start) }()

	if base == "" {
		return storage.ErrEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := storage.RefreshCounterKey(base)
	if _, ok := s.counters[key]; !ok {
		s.lineagesCount.Add(1)
	}
	s.counters[key] = storage.RetiredRefreshCounter
	return nil
}

// SaveClient stores a client, assigning an id and creation time when unset.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_client", err, start) }()

	if client == nil || client.ClientID == "" {
		return storage.ErrEmptyKey
	}

	c := cloneClient(client)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Type == "" {
		c.Type = storage.ClientTypePublic
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ClientID] = c
	s.logger.Debug("Saved client", "client_id", c.ClientID, "type", c.Type)
	return nil
}

// GetClient implements storage.ClientStore.
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_client", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return cloneClient(c), nil
}

// ListClients returns all clients.
func (s *Store) ListClients(_ context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, cloneClient(c))
	}
	slices.SortFunc(out, func(a, b *storage.Client) int {
		switch {
		case a.ClientID < b.ClientID:
			return -1
		case a.ClientID > b.ClientID:
			return 1
		}
		return 0
	})
	return out, nil
}

// SaveResourceOwner stores a resource owner.
func (s *Store) SaveResourceOwner(ctx context.Context, owner *storage.ResourceOwner) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_resource_owner")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "save_resource_owner", err, start) }()

	if owner == nil || owner.ID == "" {
		return storage.ErrEmptyKey
	}
	o := *owner
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[o.ID] = &o
	return nil
}

// GetResourceOwner implements storage.ResourceOwnerStore.
func (s *Store) GetResourceOwner(ctx context.Context, id string) (owner *storage.ResourceOwner, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_resource_owner")
	defer span.End()
	start := time.Now()
	defer func() { s.recordStorageOperation(ctx, span, "get_resource_owner", err, start) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.owners[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrResourceOwnerNotFound, id)
	}
	cp := *o
	return &cp, nil
}

func cloneClient(c *storage.Client) *storage.Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// Callers must not hold s.mu.
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()
	if tracer == nil {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, storageType)
	return ctx, span
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	s.mu.RLock()
	inst := s.instrumentation
	s.mu.RUnlock()
	if inst == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	inst.Metrics().RecordStorageOperation(ctx, operation, result, float64(time.Since(start).Microseconds())/1000)
}
