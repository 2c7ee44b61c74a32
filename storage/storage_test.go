package storage

import (
	"errors"
	"testing"
)

func TestClientHasRedirectURI(t *testing.T) {
	c := &Client{RedirectURIs: []string{"https://a/cb", "http://localhost:8080/callback"}}

	tests := []struct {
		uri  string
		want bool
	}{
		{"https://a/cb", true},
		{"http://localhost:8080/callback", true},
		{"https://a/cb/", false},
		{"https://A/cb", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := c.HasRedirectURI(tt.uri); got != tt.want {
			t.Errorf("HasRedirectURI(%q) = %v, want %v", tt.uri, got, tt.want)
		}
	}
}

func TestKeys(t *testing.T) {
	if got := GrantRevokedKey("abc"); got != "code-grant-revoked-abc" {
		t.Errorf("GrantRevokedKey() = %q", got)
	}
	if got := RefreshCounterKey("abc"); got != "refresh-token-revoke-abc" {
		t.Errorf("RefreshCounterKey() = %q", got)
	}
}

func TestValidateClientSecret(t *testing.T) {
	hash, err := HashClientSecret("s3cret")
	if err != nil {
		t.Fatalf("HashClientSecret() error = %v", err)
	}
	client := &Client{ClientID: "app", Type: ClientTypeConfidential, SecretHash: hash}

	tests := []struct {
		name    string
		client  *Client
		secret  string
		wantErr bool
	}{
		{"correct secret", client, "s3cret", false},
		{"wrong secret", client, "wrong", true},
		{"empty secret", client, "", true},
		{"nil client", nil, "s3cret", true},
		{"client without hash", &Client{ClientID: "pub", Type: ClientTypePublic}, "s3cret", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateClientSecret(tt.client, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateClientSecret() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("ValidateClientSecret() error = %v, want ErrInvalidCredentials", err)
			}
		})
	}
}

func TestHashClientSecretEmpty(t *testing.T) {
	if _, err := HashClientSecret(""); err == nil {
		t.Error("HashClientSecret(\"\") expected error")
	}
}
