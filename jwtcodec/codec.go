// Package jwtcodec signs and verifies the compact JWTs used for authorization
// codes and bearer tokens, and publishes the public signing key as a JWK Set.
//
// The codec holds exactly one ES256 key pair. The key is loaded once, when the
// codec is constructed, from a KeySource.
package jwtcodec

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oauth-issuer/security"
)

const (
	// Algorithm is the only signature algorithm issued and accepted.
	Algorithm = jose.ES256

	// TokenType is the value of the "typ" header.
	TokenType = "JWT"

	// jtiBytes is the entropy of generated JWT ids.
	jtiBytes = 12
)

// ErrInvalidToken is returned for every verification failure. The wrapped
// error carries the reason for logging only.
var ErrInvalidToken = errors.New("invalid token")

// Config configures a Codec.
type Config struct {
	// Issuer is written to and required in the "iss" claim (required).
	Issuer string

	// Source provides the private key. Defaults to DevelopmentSource.
	Source KeySource

	// Leeway is the tolerated clock skew for exp/iat checks.
	// Default: security.DefaultClockSkewGracePeriod
	Leeway time.Duration

	// Logger for structured logging (default slog.Default()).
	Logger *slog.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Codec signs and verifies JWTs with a single ES256 key.
type Codec struct {
	issuer string
	key    *ecdsa.PrivateKey
	keyID  string
	signer jose.Signer
	leeway time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// SignOptions controls the registered claims added by Sign.
type SignOptions struct {
	Audience string
	Subject  string

	// TTL sets "exp" to now+TTL. Zero means the token does not expire.
	TTL time.Duration

	// ID is used as "jti" when set, otherwise a random id is generated.
	ID string
}

// VerifyOptions pins optional registered claims during Verify.
type VerifyOptions struct {
	Audience string
	Subject  string
}

// New loads the signing key and builds a Codec.
func New(ctx context.Context, cfg Config) (*Codec, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	source := cfg.Source
	if source == nil {
		source = DevelopmentSource{Logger: logger}
	}
	leeway := cfg.Leeway
	if leeway == 0 {
		leeway = security.DefaultClockSkewGracePeriod
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	key, err := source.LoadSigningKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	if err := checkCurve(key); err != nil {
		return nil, err
	}

	keyID, err := KeyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	opts := (&jose.SignerOptions{}).
		WithType(TokenType).
		WithHeader("kid", keyID)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: Algorithm, Key: key}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	logger.Info("Signing key loaded", "kid", keyID, "alg", string(Algorithm))

	return &Codec{
		issuer: cfg.Issuer,
		key:    key,
		keyID:  keyID,
		signer: signer,
		leeway: leeway,
		now:    now,
		logger: logger,
	}, nil
}

// Issuer returns the configured issuer.
func (c *Codec) Issuer() string {
	return c.issuer
}

// KeyID returns the "kid" of the signing key.
func (c *Codec) KeyID() string {
	return c.keyID
}

// Now returns the codec clock.
func (c *Codec) Now() time.Time {
	return c.now()
}

// Sign serializes claims together with iss, iat, jti and the optional aud, sub
// and exp. It returns the compact token and the jti used.
func (c *Codec) Sign(claims any, opts SignOptions) (string, string, error) {
	jti := opts.ID
	if jti == "" {
		var err error
		if jti, err = NewJTI(); err != nil {
			return "", "", err
		}
	}

	now := c.now()
	registered := jwt.Claims{
		Issuer:   c.issuer,
		Subject:  opts.Subject,
		IssuedAt: jwt.NewNumericDate(now),
		ID:       jti,
	}
	if opts.Audience != "" {
		registered.Audience = jwt.Audience{opts.Audience}
	}
	if opts.TTL > 0 {
		registered.Expiry = jwt.NewNumericDate(now.Add(opts.TTL))
	}

	builder := jwt.Signed(c.signer).Claims(registered)
	if claims != nil {
		builder = builder.Claims(claims)
	}

	token, err := builder.Serialize()
	if err != nil {
		return "", "", fmt.Errorf("failed to sign token: %w", err)
	}
	return token, jti, nil
}

// Verify checks the signature, "typ" header, issuer, optional audience and
// subject, and expiry. On success the custom claims are decoded into out
// (which may be nil) and the registered claims are returned.
func (c *Codec) Verify(token string, out any, opts VerifyOptions) (*jwt.Claims, error) {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{Algorithm})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(parsed.Headers) != 1 {
		return nil, fmt.Errorf("%w: unexpected number of signatures", ErrInvalidToken)
	}
	if typ, _ := parsed.Headers[0].ExtraHeaders[jose.HeaderType].(string); typ != TokenType {
		return nil, fmt.Errorf("%w: unexpected typ header %q", ErrInvalidToken, typ)
	}

	var registered jwt.Claims
	dest := []any{&registered}
	if out != nil {
		dest = append(dest, out)
	}
	if err := parsed.Claims(&c.key.PublicKey, dest...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	expected := jwt.Expected{
		Issuer:  c.issuer,
		Subject: opts.Subject,
		Time:    c.now(),
	}
	if opts.Audience != "" {
		expected.AnyAudience = jwt.Audience{opts.Audience}
	}
	if err := registered.ValidateWithLeeway(expected, c.leeway); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if registered.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}

	return &registered, nil
}

// JWKS returns the public half of the signing key as a JWK Set.
func (c *Codec) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &c.key.PublicKey,
			KeyID:     c.keyID,
			Algorithm: string(Algorithm),
			Use:       "sig",
		}},
	}
}

// NewJTI returns a random JWT id: 12 bytes, hex encoded.
func NewJTI() (string, error) {
	b := make([]byte, jtiBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate jti: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// KeyID derives the key id as base64url(SHA-256(PKIX public key)).
func KeyID(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}
