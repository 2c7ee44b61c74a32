package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "oauth:"

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second

	// keyLogLength is how much of a jti or lineage id is logged.
	keyLogLength = 8
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for Valkey authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Store is the Valkey-backed storage.
type Store struct {
	client valkeygo.Client
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

// New connects to Valkey and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{client: client, prefix: prefix, logger: logger}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// RevokeGrant implements storage.RevocationStore.
func (s *Store) RevokeGrant(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if jti == "" {
		return false, storage.ErrEmptyKey
	}
	ms := max(ttl.Milliseconds(), 0)

	created, err := s.client.Do(ctx,
		s.client.B().Eval().Script(storage.ScriptRevokeGrant).
			Numkeys(1).
			Key(s.prefix+storage.GrantRevokedKey(jti)).
			Arg(strconv.FormatInt(ms, 10)).
			Build(),
	).AsInt64()
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
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.prefix+storage.GrantRevokedKey(jti)).Build()).AsInt64()
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
	err := s.client.Do(ctx,
		s.client.B().Set().Key(s.counterKey(base)).
			Value(strconv.FormatInt(storage.InitialRefreshCounter, 10)).
			Nx().
			Build(),
	).Error()
	if err != nil && !isNilError(err) {
		return fmt.Errorf("failed to init refresh counter: %w", err)
	}
	return nil
}

// RefreshCounter implements storage.RevocationStore.
func (s *Store) RefreshCounter(ctx context.Context, base string) (int64, error) {
	if base == "" {
		return 0, storage.ErrEmptyKey
	}
	v, err := s.client.Do(ctx, s.client.B().Get().Key(s.counterKey(base)).Build()).AsInt64()
	if err != nil {
		if isNilError(err) {
			return storage.InitialRefreshCounter, nil
		}
		return 0, fmt.Errorf("failed to read refresh counter: %w", err)
	}
	return v, nil
}

// AdvanceRefreshCounter implements storage.RevocationStore.
func (s *Store) AdvanceRefreshCounter(ctx context.Context, base string, expected int64) (int64, error) {
	if base == "" {
		return 0, storage.ErrEmptyKey
	}

	res, err := s.client.Do(ctx,
		s.client.B().Eval().Script(storage.ScriptAdvanceCounter).
			Numkeys(1).
			Key(s.counterKey(base)).
			Arg(strconv.FormatInt(expected, 10), strconv.FormatInt(storage.InitialRefreshCounter, 10)).
			Build(),
	).AsIntSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to advance refresh counter: %w", err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("unexpected reply from counter script: %v", res)
	}
	if res[0] != 1 {
		return 0, fmt.Errorf("%w: lineage at %d, presented %d", storage.ErrCounterMismatch, res[1], expected)
	}

	s.logger.Debug("Advanced refresh counter",
		"lineage_prefix", util.SafeTruncate(base, keyLogLength),
		"counter", res[1])
	return res[1], nil
}

// RetireRefreshLineage implements storage.RevocationStore.
func (s *Store) RetireRefreshLineage(ctx context.Context, base string) error {
	if base == "" {
		return storage.ErrEmptyKey
	}
	err := s.client.Do(ctx,
		s.client.B().Set().Key(s.counterKey(base)).
			Value(strconv.FormatInt(storage.RetiredRefreshCounter, 10)).
			Build(),
	).Error()
	if err != nil {
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

	data, err := json.Marshal(&c)
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.clientKey(c.ClientID)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", c.ClientID)
	return nil
}

// GetClient implements storage.ClientStore.
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var c storage.Client
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
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
	data, err := json.Marshal(&o)
	if err != nil {
		return fmt.Errorf("failed to marshal resource owner: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Set().Key(s.ownerKey(o.ID)).Value(string(data)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to save resource owner: %w", err)
	}
	return nil
}

// GetResourceOwner implements storage.ResourceOwnerStore.
func (s *Store) GetResourceOwner(ctx context.Context, id string) (*storage.ResourceOwner, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.ownerKey(id)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrResourceOwnerNotFound, id)
		}
		return nil, fmt.Errorf("failed to get resource owner: %w", err)
	}

	var o storage.ResourceOwner
	if err := json.Unmarshal([]byte(data), &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal resource owner: %w", err)
	}
	return &o, nil
}

func (s *Store) counterKey(base string) string {
	return s.prefix + storage.RefreshCounterKey(base)
}

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) ownerKey(id string) string {
	return s.prefix + "owner:" + id
}

func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
