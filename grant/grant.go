package grant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/giantswarm/oauth-issuer/internal/util"
	"github.com/giantswarm/oauth-issuer/jwtcodec"
	"github.com/giantswarm/oauth-issuer/security"
	"github.com/giantswarm/oauth-issuer/storage"
)

const (
	// DefaultCodeTTL is the lifetime of an authorization code.
	DefaultCodeTTL = 2 * time.Minute

	// TypeAccessCode is the "type" claim of an authorization code.
	TypeAccessCode = "access_code"

	jtiLogLength = 8
)

var (
	// ErrInvalidGrant wraps every reason a code is rejected.
	ErrInvalidGrant = errors.New("invalid grant")

	ErrWrongType        = errors.New("not an authorization code")
	ErrAlreadyRedeemed  = errors.New("authorization code already redeemed")
	ErrRedirectMismatch = errors.New("redirect_uri does not match")
	ErrClientMismatch   = errors.New("client_id does not match")
	ErrVerifierRequired = errors.New("code_verifier is required")
	ErrVerifierMismatch = errors.New("code_verifier does not match code_challenge")
)

// CreateRequest describes a grant to issue.
type CreateRequest struct {
	ClientID            string
	UserID              string
	Scope               []string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Nonce               string
}

// CodeGrant is a verified authorization code.
type CodeGrant struct {
	ID                  string
	ClientID            string
	UserID              string
	Scope               []string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Nonce               string
	IssuedAt            time.Time
	ExpiresAt           time.Time
}

// HasPKCE reports whether the grant is bound to a code challenge.
func (g *CodeGrant) HasPKCE() bool {
	return g.CodeChallenge != ""
}

// codeClaims is the private claim set of an authorization code.
type codeClaims struct {
	Scope               []string `json:"scope"`
	RedirectURI         string   `json:"redirectURI"`
	CodeChallenge       string   `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string   `json:"codeChallengeMethod,omitempty"`
	State               string   `json:"state,omitempty"`
	Nonce               string   `json:"nonce,omitempty"`
	Type                string   `json:"type"`
}

// Config configures a Manager.
type Config struct {
	// Codec signs and verifies codes (required).
	Codec *jwtcodec.Codec

	// Store records redeemed codes (required).
	Store storage.RevocationStore

	// TTL is the code lifetime (default DefaultCodeTTL).
	TTL time.Duration

	// Logger (default slog.Default()).
	Logger *slog.Logger
}

// Manager issues and redeems authorization codes.
type Manager struct {
	codec  *jwtcodec.Codec
	store  storage.RevocationStore
	ttl    time.Duration
	logger *slog.Logger
}

// NewManager creates a grant manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("revocation store is required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{codec: cfg.Codec, store: cfg.Store, ttl: ttl, logger: logger}, nil
}

// TTL returns the code lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// CreateCodeGrant signs a new authorization code. Nothing is stored.
func (m *Manager) CreateCodeGrant(req CreateRequest) (string, error) {
	if req.ClientID == "" || req.UserID == "" || req.RedirectURI == "" {
		return "", fmt.Errorf("client_id, user id and redirect_uri are required")
	}
	if req.CodeChallenge != "" {
		if err := ValidateChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
			return "", err
		}
	}

	code, jti, err := m.codec.Sign(codeClaims{
		Scope:               req.Scope,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		State:               req.State,
		Nonce:               req.Nonce,
		Type:                TypeAccessCode,
	}, jwtcodec.SignOptions{
		Audience: req.ClientID,
		Subject:  req.UserID,
		TTL:      m.ttl,
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign authorization code: %w", err)
	}

	m.logger.Debug("Issued authorization code",
		"client_id", req.ClientID,
		"jti_prefix", util.SafeTruncate(jti, jtiLogLength),
		"pkce", req.CodeChallengeMethod)
	return code, nil
}

// VerifyCodeGrant checks a presented code for the client and redirect URI.
// The code is not consumed; callers redeem it with RevokeGrant. Protocol
// failures wrap ErrInvalidGrant; store failures are returned as they are.
func (m *Manager) VerifyCodeGrant(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*CodeGrant, error) {
	var claims codeClaims
	registered, err := m.codec.Verify(code, &claims, jwtcodec.VerifyOptions{Audience: clientID})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, err)
	}
	if claims.Type != TypeAccessCode {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, ErrWrongType)
	}

	revoked, err := m.store.IsGrantRevoked(ctx, registered.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check grant revocation: %w", err)
	}
	if revoked {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, ErrAlreadyRedeemed)
	}

	if claims.RedirectURI != redirectURI {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, ErrRedirectMismatch)
	}
	if len(registered.Audience) != 1 || !slices.Contains(registered.Audience, clientID) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, ErrClientMismatch)
	}

	if claims.CodeChallenge != "" {
		if err := VerifyPKCE(claims.CodeChallenge, claims.CodeChallengeMethod, codeVerifier); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidGrant, err)
		}
	}

	g := &CodeGrant{
		ID:                  registered.ID,
		ClientID:            clientID,
		UserID:              registered.Subject,
		Scope:               claims.Scope,
		RedirectURI:         claims.RedirectURI,
		CodeChallenge:       claims.CodeChallenge,
		CodeChallengeMethod: claims.CodeChallengeMethod,
		State:               claims.State,
		Nonce:               claims.Nonce,
	}
	if registered.IssuedAt != nil {
		g.IssuedAt = registered.IssuedAt.Time()
	}
	if registered.Expiry != nil {
		g.ExpiresAt = registered.Expiry.Time()
	}
	return g, nil
}

// RevokeGrant marks the code jti as redeemed. It reports whether this call
// performed the transition; exactly one of several concurrent callers wins.
// The marker outlives the code by the verification leeway.
func (m *Manager) RevokeGrant(ctx context.Context, jti string) (bool, error) {
	won, err := m.store.RevokeGrant(ctx, jti, m.ttl+security.DefaultClockSkewGracePeriod)
	if err != nil {
		return false, fmt.Errorf("failed to revoke grant: %w", err)
	}
	if !won {
		m.logger.Warn("Authorization code already redeemed",
			"jti_prefix", util.SafeTruncate(jti, jtiLogLength))
	}
	return won, nil
}
