package storage

import (
	"context"
	"errors"
	"slices"
	"time"
)

const (
	// GrantRevokedKeyPrefix prefixes the marker written when an authorization code is redeemed.
	GrantRevokedKeyPrefix = "code-grant-revoked-"

	// RefreshCounterKeyPrefix prefixes the last issued counter of a refresh-token lineage.
	RefreshCounterKeyPrefix = "refresh-token-revoke-"

	// InitialRefreshCounter is the counter of the first refresh token of a lineage.
	// It is also assumed for lineages that have no counter record.
	InitialRefreshCounter int64 = 1

	// RetiredRefreshCounter marks a lineage that no token can match anymore.
	RetiredRefreshCounter int64 = 0
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

var (
	// ErrClientNotFound is returned when a client lookup has no result.
	ErrClientNotFound = errors.New("client not found")

	// ErrResourceOwnerNotFound is returned when a resource owner lookup has no result.
	ErrResourceOwnerNotFound = errors.New("resource owner not found")

	// ErrCounterMismatch is returned by AdvanceRefreshCounter when the stored
	// counter differs from the expected one. The presented token was superseded.
	ErrCounterMismatch = errors.New("refresh counter mismatch")

	// ErrEmptyKey is returned when a jti, lineage base or record id is empty.
	ErrEmptyKey = errors.New("empty storage key")

	// ErrInvalidCredentials is the generic client authentication failure.
	ErrInvalidCredentials = errors.New("invalid client credentials")
)

// RevocationStore records spent authorization codes and refresh-token lineage counters.
//
// Implementations MUST make RevokeGrant a set-if-absent and AdvanceRefreshCounter
// a compare-and-increment. Both are single round trips, so a cancelled call
// leaves either the old or the new state behind.
type RevocationStore interface {
	// RevokeGrant marks the grant jti as spent for ttl.
	// It returns true only for the call that performed the transition.
	RevokeGrant(ctx context.Context, jti string, ttl time.Duration) (bool, error)

	// IsGrantRevoked reports whether the grant jti has been spent.
	IsGrantRevoked(ctx context.Context, jti string) (bool, error)

	// InitRefreshCounter creates the counter of a new lineage at InitialRefreshCounter.
	// An existing counter is left untouched.
	InitRefreshCounter(ctx context.Context, base string) error

	// RefreshCounter returns the last issued counter of a lineage,
	// or InitialRefreshCounter if the lineage has no record.
	RefreshCounter(ctx context.Context, base string) (int64, error)

	// AdvanceRefreshCounter increments the lineage counter if it currently equals expected
	// and returns the new value. Otherwise it returns ErrCounterMismatch.
	AdvanceRefreshCounter(ctx context.Context, base string, expected int64) (int64, error)

	// RetireRefreshLineage invalidates every token of the lineage.
	RetireRefreshLineage(ctx context.Context, base string) error
}

// ClientStore provides read access to registered clients.
type ClientStore interface {
	// GetClient retrieves a client by its public client_id.
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// ResourceOwnerStore provides read access to resource owners.
type ResourceOwnerStore interface {
	// GetResourceOwner retrieves a resource owner by id.
	GetResourceOwner(ctx context.Context, id string) (*ResourceOwner, error)
}

// ClientWriter persists clients. Stores that support seeding from
// configuration implement it.
type ClientWriter interface {
	SaveClient(ctx context.Context, client *Client) error
}

// ResourceOwnerWriter persists resource owners.
type ResourceOwnerWriter interface {
	SaveResourceOwner(ctx context.Context, owner *ResourceOwner) error
}

// Client represents a registered application.
type Client struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id"`
	SecretHash   string    `json:"secret_hash,omitempty"` // bcrypt hash, empty for public clients
	Type         string    `json:"type"`                  // ClientTypePublic or ClientTypeConfidential
	Name         string    `json:"name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	Scopes       []string  `json:"scopes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// IsPublic reports whether the client cannot keep a secret.
func (c *Client) IsPublic() bool {
	return c.Type == ClientTypePublic
}

// HasRedirectURI reports whether uri is registered for the client. Comparison is exact.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// ResourceOwner represents an end user.
type ResourceOwner struct {
	ID            string    `json:"id"`
	Email         string    `json:"email,omitempty"`
	Name          string    `json:"name,omitempty"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

// GrantRevokedKey returns the revocation key for a grant jti.
func GrantRevokedKey(jti string) string {
	return GrantRevokedKeyPrefix + jti
}

// RefreshCounterKey returns the counter key for a lineage base.
func RefreshCounterKey(base string) string {
	return RefreshCounterKeyPrefix + base
}
