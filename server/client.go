package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-issuer/storage"
)

// Token endpoint authentication methods (RFC 7591).
const (
	TokenEndpointAuthMethodNone  = "none"
	TokenEndpointAuthMethodBasic = "client_secret_basic"
	TokenEndpointAuthMethodPost  = "client_secret_post"
)

// ClientRegistration describes a client provisioned by the operator.
type ClientRegistration struct {
	ClientID     string
	Name         string
	Type         string // storage.ClientTypePublic or storage.ClientTypeConfidential
	Secret       string // required for confidential clients, plaintext
	RedirectURIs []string
	Scopes       []string
}

// RegisterClient validates reg and saves it through w. Redirect URIs go
// through the registration checks; scopes must be supported ones.
func (s *Server) RegisterClient(ctx context.Context, w storage.ClientWriter, reg ClientRegistration) (*storage.Client, error) {
	if reg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	if err := s.ValidateRedirectURIsForRegistration(reg.RedirectURIs); err != nil {
		s.logger.Warn("Rejected client redirect URI",
			"client_id", reg.ClientID,
			"category", GetRedirectURIErrorCategory(err),
			"error", err)
		return nil, err
	}
	if err := s.validateClientScopes(reg.Scopes, reg.Scopes); err != nil {
		return nil, err
	}

	client := &storage.Client{
		ClientID:     reg.ClientID,
		Type:         reg.Type,
		Name:         reg.Name,
		RedirectURIs: reg.RedirectURIs,
		Scopes:       reg.Scopes,
		CreatedAt:    time.Now(),
	}

	switch reg.Type {
	case storage.ClientTypePublic:
		if reg.Secret != "" {
			return nil, fmt.Errorf("public client %s must not have a secret", reg.ClientID)
		}
	case storage.ClientTypeConfidential:
		hash, err := storage.HashClientSecret(reg.Secret)
		if err != nil {
			return nil, fmt.Errorf("confidential client %s: %w", reg.ClientID, err)
		}
		client.SecretHash = hash
	default:
		return nil, fmt.Errorf("invalid client type %q", reg.Type)
	}

	if err := w.SaveClient(ctx, client); err != nil {
		return nil, fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Info("Registered client",
		"client_id", client.ClientID,
		"type", client.Type,
		"redirect_uris", len(client.RedirectURIs))
	return client, nil
}

// RegisterResourceOwner saves a resource owner through w.
func (s *Server) RegisterResourceOwner(ctx context.Context, w storage.ResourceOwnerWriter, owner *storage.ResourceOwner) error {
	if owner == nil || owner.ID == "" {
		return fmt.Errorf("resource owner id is required")
	}
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = time.Now()
	}
	if err := w.SaveResourceOwner(ctx, owner); err != nil {
		return fmt.Errorf("failed to save resource owner: %w", err)
	}
	return nil
}

// lookupClient maps a missing client to kind and other failures to a server error.
func (s *Server) lookupClient(ctx context.Context, clientID string, kind ErrorKind) (*storage.Client, error) {
	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, newError(kind, "unknown client", err)
		}
		return nil, newError(KindServerError, "failed to look up client", err)
	}
	return client, nil
}

// authenticateClient checks a confidential client's secret. A missing
// secret is invalid_request, a wrong one invalid_client.
func authenticateClient(client *storage.Client, secret string) error {
	if client.IsPublic() {
		return nil
	}
	if secret == "" {
		return newError(KindInvalidRequest, "client_secret is required", nil)
	}
	if err := storage.ValidateClientSecret(client, secret); err != nil {
		return newError(KindInvalidClient, "client authentication failed", err)
	}
	return nil
}
