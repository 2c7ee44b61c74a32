package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/storage"
)

const (
	// DefaultKeyPrefix matches the valkey backend.
	DefaultKeyPrefix = "oauth:"

	connectionVerifyTimeout = 5 * time.Second
	keyLogLength            = 8
)

var (
	revokeGrantScript    = goredis.NewScript(storage.ScriptRevokeGrant)
	advanceCounterScript = goredis.NewScript(storage.ScriptAdvanceCounter)
)

// Config configures the Redis backend.
type Config struct {
	// URL is a redis:// or rediss:// URL (required).
	URL string

	// KeyPrefix is the prefix for all keys (default "oauth:").
	KeyPrefix string

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Store is the Redis-backed storage.
type Store struct {
	client *goredis.Client
	prefix string
	logger *slog.Logger
}

var (
	_ storage.RevocationStore     = (*Store)(nil)
	_ storage.ClientStore         = (*Store)(nil)
	_ storage.ResourceOwnerStore  = (*Store)(nil)
	_ storage.ClientWriter        = (*Store)(nil)
	_ storage.ResourceOwnerWriter = (*Store)(nil)
)

// New parses the URL, connects and pings the server.
func New(cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Connected to Redis storage", "address", opts.Addr, "db", opts.DB, "prefix", prefix)
	return &Store{client: client, prefix: prefix, logger: logger}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if err := s.client.Close(); err != nil {
		s.logger.Warn("Failed to close redis client", "error", err)
		return
	}
	s.logger.Info("Redis storage connection closed")
}

// RevokeGrant implements storage.RevocationStore.
func (s *Store) RevokeGrant(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, storage.ErrEmptyKey
	}
	created, err := revokeGrantScript.Run(ctx, s.client,
		[]string{s.prefix + storage.GrantRevokedKey(jti)},
		max(ttl.Milliseconds(), 0),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to revoke grant: %w", err)
	}
	if created == 1 {
		s.logger.Debug("Revoked grant", "jti_prefix", util.SafeTruncate(jti, keyLogLength))
	}
	return created == 1, nil
}

// IsGrantRevoked implements storage.RevocationStore.
func (s *Store) IsGrantRevoked(ctx context.Context, jti string) (bool, error) {
	if jti == "" {
		return false, storage.ErrEmptyKey
	}
	n, err := s.client.Exists(ctx, s.prefix+storage.GrantRevokedKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check grant: %w", err)
	}
	return n > 0, nil
}

// InitRefreshCounter implements storage.RevocationStore.
func (s *Store) InitRefreshCounter(ctx context.Context, base string) error {
	if base == "" {
		return storage.ErrEmptyKey
	}
	if err := s.client.SetNX(ctx, s.counterKey(base), storage.InitialRefreshCounter, 0).Err(); err != nil {
		return fmt.Errorf("failed to init refresh counter: %w", err)
	}
	return nil
}

// RefreshCounter implements storage.RevocationStore.
func (s *Store) RefreshCounter(ctx context.Context, base string) (int64, error) {
	if base == "" {
		return 0, storage.ErrEmptyKey
	}
	v, err := s.client.Get(ctx, s.counterKey(base)).Int64()
	if errors.Is(err, goredis.Nil) {
		return storage.InitialRefreshCounter, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read refresh counter: %w", err)
	}
	return v, nil
}

// AdvanceRefreshCounter implements storage.RevocationStore.
func (s *Store) AdvanceRefreshCounter(ctx context.Context, base string, expected int64) (int64, error) {
	if base == "" {
		return 0, storage.ErrEmptyKey
	}
	res, err := advanceCounterScript.Run(ctx, s.client,
		[]string{s.counterKey(base)},
		expected, storage.InitialRefreshCounter,
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("failed to advance refresh counter: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("unexpected reply from counter script: %v", res)
	}
	if res[0] != 1 {
		return 0, fmt.Errorf("%w: lineage at %d, presented %d", storage.ErrCounterMismatch, res[1], expected)
	}
	return res[1], nil
}

// RetireRefreshLineage implements storage.RevocationStore.
func (s *Store) RetireRefreshLineage(ctx context.Context, base string) error {
	if base == "" {
		return storage.ErrEmptyKey
	}
	if err := s.client.Set(ctx, s.counterKey(base), storage.RetiredRefreshCounter, 0).Err(); err != nil {
		return fmt.Errorf("failed to retire refresh lineage: %w", err)
	}
	return nil
}

// SaveClient stores a client as JSON.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return storage.ErrEmptyKey
	}
	c := *client
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Type == "" {
		c.Type = storage.ClientTypePublic
	}
	return s.putJSON(ctx, s.prefix+"client:"+c.ClientID, &c)
}

// GetClient implements storage.ClientStore.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	var c storage.Client
	found, err := s.getJSON(ctx, s.prefix+"client:"+clientID, &c)
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return &c, nil
}

// SaveResourceOwner stores a resource owner as JSON.
func (s *Store) SaveResourceOwner(ctx context.Context, owner *storage.ResourceOwner) error {
	if owner == nil || owner.ID == "" {
		return storage.ErrEmptyKey
	}
	o := *owner
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	return s.putJSON(ctx, s.prefix+"owner:"+o.ID, &o)
}

// GetResourceOwner implements storage.ResourceOwnerStore.
func (s *Store) GetResourceOwner(ctx context.Context, id string) (*storage.ResourceOwner, error) {
	var o storage.ResourceOwner
	found, err := s.getJSON(ctx, s.prefix+"owner:"+id, &o)
	if err != nil {
		return nil, fmt.Errorf("failed to get resource owner: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", storage.ErrResourceOwnerNotFound, id)
	}
	return &o, nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) counterKey(base string) string {
	return s.prefix + storage.RefreshCounterKey(base)
}
