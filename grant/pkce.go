package grant

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
)

// PKCE constants (RFC 7636)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"

	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128

	// s256ChallengeLength is the length of base64url(SHA-256(x)) without padding.
	s256ChallengeLength = 43
)

var (
	// ErrUnsupportedChallengeMethod is returned for methods other than plain and S256.
	ErrUnsupportedChallengeMethod = errors.New("unsupported code_challenge_method")

	// ErrMalformedChallenge is returned for challenges or verifiers outside the RFC 7636 grammar.
	ErrMalformedChallenge = errors.New("malformed code_challenge or code_verifier")
)

// S256Challenge returns base64url(SHA-256(verifier)) without padding.
func S256Challenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// ValidateChallenge checks a challenge and its method at authorization time.
func ValidateChallenge(challenge, method string) error {
	switch method {
	case PKCEMethodS256:
		if len(challenge) != s256ChallengeLength || !isUnreserved(challenge) {
			return fmt.Errorf("%w: S256 challenge must be %d base64url characters", ErrMalformedChallenge, s256ChallengeLength)
		}
	case PKCEMethodPlain:
		// A plain challenge is the verifier itself.
		if err := validateVerifier(challenge); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %q (supported: %s, %s)", ErrUnsupportedChallengeMethod, method, PKCEMethodS256, PKCEMethodPlain)
	}
	return nil
}

// VerifyPKCE checks verifier against challenge for the given method.
// The comparison is constant time.
func VerifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return ErrVerifierRequired
	}
	if err := validateVerifier(verifier); err != nil {
		return err
	}

	var computed string
	switch method {
	case PKCEMethodS256:
		computed = S256Challenge(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedChallengeMethod, method)
	}

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrVerifierMismatch
	}
	return nil
}

// validateVerifier enforces 43-128 characters of [A-Za-z0-9-._~].
func validateVerifier(v string) error {
	if len(v) < MinCodeVerifierLength || len(v) > MaxCodeVerifierLength {
		return fmt.Errorf("%w: length must be %d-%d characters", ErrMalformedChallenge, MinCodeVerifierLength, MaxCodeVerifierLength)
	}
	if !isUnreserved(v) {
		return fmt.Errorf("%w: must contain only [A-Za-z0-9-._~]", ErrMalformedChallenge)
	}
	return nil
}

func isUnreserved(s string) bool {
	for _, ch := range s {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return false
		}
	}
	return true
}
