package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/jwtcodec"
	"github.com/giantswarm/oauth-issuer/storage"
)

// Kind discriminates the token classes. It is carried in the "type" claim.
type Kind string

const (
	KindAccess  Kind = "access_token"
	KindRefresh Kind = "refresh_token"
	KindID      Kind = "id_token"
)

// Default lifetimes. Refresh tokens do not expire; their validity is gated by
// the lineage counter.
const (
	DefaultAccessTokenTTL = 2 * time.Hour
	DefaultIDTokenTTL     = 2 * time.Hour

	jtiLogLength = 8
)

var (
	// ErrInvalidToken is returned when a token fails signature, issuer or expiry checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrWrongKind is returned when a token of another kind is presented.
	ErrWrongKind = errors.New("unexpected token type")

	// ErrRevoked is returned for refresh tokens that were superseded or whose lineage was retired.
	ErrRevoked = errors.New("token revoked")

	// ErrStale is returned by validation when the user, client or scope of a
	// token no longer exist.
	ErrStale = errors.New("token no longer matches registered data")
)

// User is the "user" claim.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}

// Token is a decoded access, refresh or ID token.
type Token struct {
	Kind      Kind
	ID        string
	ClientID  string
	Subject   string
	User      User
	Scope     []string
	IssuedAt  time.Time
	ExpiresAt time.Time // zero for refresh tokens

	// ID token profile claims.
	Nonce         string
	Name          string
	EmailVerified bool
}

// Lineage returns the lineage id of a refresh token.
func (t *Token) Lineage() LineageID {
	return ParseLineageID(t.ID)
}

// Validation selects the existence checks of VerifyToken.
type Validation struct {
	// User requires the token's user to exist.
	User bool

	// Client requires the audience to be a registered client.
	Client bool

	// Scope requires the token's scope to be within the client's registered scope.
	Scope bool
}

// ValidateAll enables every existence check.
var ValidateAll = &Validation{User: true, Client: true, Scope: true}

type tokenClaims struct {
	Type  Kind     `json:"type"`
	User  User     `json:"user"`
	Scope []string `json:"scope,omitempty"`

	Nonce         string `json:"nonce,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
}

// Config configures a Manager.
type Config struct {
	// Codec signs and verifies tokens (required).
	Codec *jwtcodec.Codec

	// Store holds refresh lineage counters (required).
	Store storage.RevocationStore

	// Clients and Owners back Validation. Optional unless Validation is used.
	Clients storage.ClientStore
	Owners  storage.ResourceOwnerStore

	// ImplicitScopes are accepted for every client during scope validation.
	ImplicitScopes []string

	AccessTokenTTL time.Duration // default DefaultAccessTokenTTL
	IDTokenTTL     time.Duration // default DefaultIDTokenTTL

	// Logger (default slog.Default()).
	Logger *slog.Logger
}

// Manager mints, parses, verifies and rotates tokens.
type Manager struct {
	codec          *jwtcodec.Codec
	store          storage.RevocationStore
	clients        storage.ClientStore
	owners         storage.ResourceOwnerStore
	implicitScopes []string
	accessTTL      time.Duration
	idTTL          time.Duration
	logger         *slog.Logger
}

// NewManager creates a token manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("revocation store is required")
	}
	m := &Manager{
		codec:          cfg.Codec,
		store:          cfg.Store,
		clients:        cfg.Clients,
		owners:         cfg.Owners,
		implicitScopes: cfg.ImplicitScopes,
		accessTTL:      cfg.AccessTokenTTL,
		idTTL:          cfg.IDTokenTTL,
		logger:         cfg.Logger,
	}
	if m.accessTTL <= 0 {
		m.accessTTL = DefaultAccessTokenTTL
	}
	if m.idTTL <= 0 {
		m.idTTL = DefaultIDTokenTTL
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m, nil
}

// AccessTokenTTL returns the access token lifetime.
func (m *Manager) AccessTokenTTL() time.Duration {
	return m.accessTTL
}

// CreateAccessToken mints an access token.
func (m *Manager) CreateAccessToken(clientID string, user User, scope []string) (string, error) {
	token, _, err := m.createToken(KindAccess, m.accessTTL, clientID, user, tokenClaims{Scope: scope}, "")
	return token, err
}

// CreateRefreshToken mints a refresh token. With an empty jti a new lineage
// is started and its counter initialised.
func (m *Manager) CreateRefreshToken(ctx context.Context, clientID string, user User, scope []string, jti string) (string, error) {
	if jti == "" {
		base, err := jwtcodec.NewJTI()
		if err != nil {
			return "", err
		}
		if err := m.store.InitRefreshCounter(ctx, base); err != nil {
			return "", fmt.Errorf("failed to start refresh lineage: %w", err)
		}
		jti = FormatLineageID(LineageID{Base: base, Counter: storage.InitialRefreshCounter})
	}
	token, _, err := m.createToken(KindRefresh, 0, clientID, user, tokenClaims{Scope: scope}, jti)
	return token, err
}

// CreateIDToken mints an OpenID Connect ID token for the resource owner.
func (m *Manager) CreateIDToken(clientID string, owner *storage.ResourceOwner, nonce string) (string, error) {
	if owner == nil {
		return "", fmt.Errorf("resource owner is required")
	}
	verified := owner.EmailVerified
	extra := tokenClaims{
		Nonce:         nonce,
		Email:         owner.Email,
		EmailVerified: &verified,
		Name:          owner.Name,
	}
	token, _, err := m.createToken(KindID, m.idTTL, clientID, User{ID: owner.ID, Email: owner.Email}, extra, "")
	return token, err
}

func (m *Manager) createToken(kind Kind, ttl time.Duration, clientID string, user User, claims tokenClaims, jti string) (string, string, error) {
	if clientID == "" || user.ID == "" {
		return "", "", fmt.Errorf("client id and user id are required")
	}
	claims.Type = kind
	claims.User = user

	token, id, err := m.codec.Sign(claims, jwtcodec.SignOptions{
		Audience: clientID,
		Subject:  user.ID,
		TTL:      ttl,
		ID:       jti,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to sign %s: %w", kind, err)
	}
	return token, id, nil
}

// ParseToken verifies signature, issuer and expiry without pinning the
// audience, and decodes the token.
func (m *Manager) ParseToken(raw string) (*Token, error) {
	var claims tokenClaims
	registered, err := m.codec.Verify(raw, &claims, jwtcodec.VerifyOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if len(registered.Audience) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one audience", ErrInvalidToken)
	}
	if claims.User.ID == "" || claims.User.ID != registered.Subject {
		return nil, fmt.Errorf("%w: user does not match subject", ErrInvalidToken)
	}

	t := &Token{
		Kind:     claims.Type,
		ID:       registered.ID,
		ClientID: registered.Audience[0],
		Subject:  registered.Subject,
		User:     claims.User,
		Scope:    claims.Scope,
		Nonce:    claims.Nonce,
		Name:     claims.Name,
	}
	if claims.EmailVerified != nil {
		t.EmailVerified = *claims.EmailVerified
	}
	if registered.IssuedAt != nil {
		t.IssuedAt = registered.IssuedAt.Time()
	}
	if registered.Expiry != nil {
		t.ExpiresAt = registered.Expiry.Time()
	}
	return t, nil
}

// VerifyToken checks that a parsed token is of the expected kind and, for
// refresh tokens, that its counter is the current one of its lineage. A
// non-nil validate additionally checks the token against registered data.
// Store failures are returned unwrapped from the sentinels.
func (m *Manager) VerifyToken(ctx context.Context, t *Token, expected Kind, validate *Validation) error {
	if t == nil {
		return ErrInvalidToken
	}
	if t.Kind != expected {
		return fmt.Errorf("%w: got %q, want %q", ErrWrongKind, t.Kind, expected)
	}

	if expected == KindRefresh {
		lineage := t.Lineage()
		current, err := m.store.RefreshCounter(ctx, lineage.Base)
		if err != nil {
			return fmt.Errorf("failed to read refresh counter: %w", err)
		}
		if current != lineage.Counter {
			m.logger.Debug("Refresh token superseded",
				"lineage_prefix", util.SafeTruncate(lineage.Base, jtiLogLength),
				"presented", lineage.Counter,
				"current", current)
			return fmt.Errorf("%w: lineage at %d, token at %d", ErrRevoked, current, lineage.Counter)
		}
	}

	if validate != nil {
		return m.validate(ctx, t, validate)
	}
	return nil
}

func (m *Manager) validate(ctx context.Context, t *Token, v *Validation) error {
	if v.User {
		if m.owners == nil {
			return fmt.Errorf("user validation requires a resource owner store")
		}
		if _, err := m.owners.GetResourceOwner(ctx, t.User.ID); err != nil {
			if errors.Is(err, storage.ErrResourceOwnerNotFound) {
				return fmt.Errorf("%w: user %s", ErrStale, t.User.ID)
			}
			return err
		}
	}

	if !v.Client && !v.Scope {
		return nil
	}
	if m.clients == nil {
		return fmt.Errorf("client validation requires a client store")
	}
	client, err := m.clients.GetClient(ctx, t.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return fmt.Errorf("%w: client %s", ErrStale, t.ClientID)
		}
		return err
	}
	if v.Scope {
		for _, s := range t.Scope {
			if !slices.Contains(client.Scopes, s) && !slices.Contains(m.implicitScopes, s) {
				return fmt.Errorf("%w: scope %q not registered", ErrStale, s)
			}
		}
	}
	return nil
}

// RotateRefreshToken advances the lineage of previousJTI and mints its
// successor. Exactly one of several concurrent rotations of the same token
// succeeds; the others get ErrRevoked.
func (m *Manager) RotateRefreshToken(ctx context.Context, previousJTI, clientID string, user User, scope []string) (string, error) {
	lineage := ParseLineageID(previousJTI)
	next, err := m.store.AdvanceRefreshCounter(ctx, lineage.Base, lineage.Counter)
	if err != nil {
		if errors.Is(err, storage.ErrCounterMismatch) {
			return "", fmt.Errorf("%w: %w", ErrRevoked, err)
		}
		return "", fmt.Errorf("failed to advance refresh counter: %w", err)
	}

	jti := FormatLineageID(LineageID{Base: lineage.Base, Counter: next})
	token, err := m.CreateRefreshToken(ctx, clientID, user, scope, jti)
	if err != nil {
		return "", err
	}

	m.logger.Debug("Rotated refresh token",
		"lineage_prefix", util.SafeTruncate(lineage.Base, jtiLogLength),
		"counter", next)
	return token, nil
}

// RevokeRefreshToken retires the token's whole lineage.
func (m *Manager) RevokeRefreshToken(ctx context.Context, t *Token) error {
	if t == nil || t.Kind != KindRefresh {
		return ErrWrongKind
	}
	base := t.Lineage().Base
	if err := m.store.RetireRefreshLineage(ctx, base); err != nil {
		return fmt.Errorf("failed to retire refresh lineage: %w", err)
	}
	m.logger.Debug("Retired refresh lineage", "lineage_prefix", util.SafeTruncate(base, jtiLogLength))
	return nil
}
