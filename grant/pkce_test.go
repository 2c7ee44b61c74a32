package grant

import (
	"errors"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-issuer/internal/testutil"
)

func TestS256Challenge_RFC7636Vector(t *testing.T) {
	if got := S256Challenge(testutil.RFC7636Verifier); got != testutil.RFC7636Challenge {
		t.Errorf("S256Challenge() = %q, want %q", got, testutil.RFC7636Challenge)
	}
}

func TestVerifyPKCE(t *testing.T) {
	_, otherVerifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   error
	}{
		{"s256 rfc vector", testutil.RFC7636Challenge, PKCEMethodS256, testutil.RFC7636Verifier, nil},
		{"s256 other verifier", testutil.RFC7636Challenge, PKCEMethodS256, otherVerifier, ErrVerifierMismatch},
		{"plain equal", testutil.RFC7636Verifier, PKCEMethodPlain, testutil.RFC7636Verifier, nil},
		{"plain differs", testutil.RFC7636Verifier, PKCEMethodPlain, otherVerifier, ErrVerifierMismatch},
		{"plain is not s256", testutil.RFC7636Challenge, PKCEMethodPlain, testutil.RFC7636Verifier, ErrVerifierMismatch},
		{"missing verifier", testutil.RFC7636Challenge, PKCEMethodS256, "", ErrVerifierRequired},
		{"short verifier", testutil.RFC7636Challenge, PKCEMethodS256, "short", ErrMalformedChallenge},
		{"long verifier", testutil.RFC7636Challenge, PKCEMethodS256, strings.Repeat("a", 129), ErrMalformedChallenge},
		{"bad characters", testutil.RFC7636Challenge, PKCEMethodS256, strings.Repeat("a", 42) + "+", ErrMalformedChallenge},
		{"unknown method", testutil.RFC7636Challenge, "S512", testutil.RFC7636Verifier, ErrUnsupportedChallengeMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyPKCE(tt.challenge, tt.method, tt.verifier)
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("VerifyPKCE() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("VerifyPKCE() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestVerifyPKCE_GeneratedPairs(t *testing.T) {
	for range 20 {
		challenge, verifier := testutil.GeneratePKCEPair()
		if err := VerifyPKCE(challenge, PKCEMethodS256, verifier); err != nil {
			t.Fatalf("VerifyPKCE(%q) error = %v", verifier, err)
		}
		if strings.ContainsAny(challenge, "=+/") {
			t.Fatalf("challenge %q is not unpadded base64url", challenge)
		}
	}
}

func TestValidateChallenge(t *testing.T) {
	tests := []struct {
		name      string
		challenge string
		method    string
		wantErr   bool
	}{
		{"s256", testutil.RFC7636Challenge, PKCEMethodS256, false},
		{"plain", testutil.RFC7636Verifier, PKCEMethodPlain, false},
		{"s256 wrong length", testutil.RFC7636Challenge + "A", PKCEMethodS256, true},
		{"s256 padded", testutil.RFC7636Challenge[:42] + "=", PKCEMethodS256, true},
		{"plain too short", "abc", PKCEMethodPlain, true},
		{"empty method", testutil.RFC7636Challenge, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChallenge(tt.challenge, tt.method)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateChallenge() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
