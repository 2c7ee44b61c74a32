package storage

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// dummySecretHash is compared against when the client has no usable hash, so
// that unknown clients and wrong secrets take the same time.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashClientSecret returns the bcrypt hash stored for a confidential client.
func HashClientSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("client secret cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// ValidateClientSecret checks secret against the client's stored hash.
// A bcrypt comparison is always performed, even for a nil client or a client
// without a hash. Any failure returns ErrInvalidCredentials.
func ValidateClientSecret(client *Client, secret string) error {
	hash := dummySecretHash
	usable := client != nil && client.SecretHash != ""
	if usable {
		hash = client.SecretHash
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if !usable || err != nil || secret == "" {
		return ErrInvalidCredentials
	}
	return nil
}
