package oauth

import (
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-issuer/server"
)

// Error codes produced by the HTTP layer itself. Flow errors carry the code
// of their server.ErrorKind.
const (
	ErrorCodeInvalidRequest    = "invalid_request"
	ErrorCodeUnauthorized      = "unauthorized"
	ErrorCodeMethodNotAllowed  = "method_not_allowed"
	ErrorCodeNotFound          = "not_found"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrorCodeServerError       = "server_error"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
	State       string // echoed on authorize errors when the client sent one
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

var (
	// ErrInvalidRequest indicates the request body could not be decoded
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrUnauthorized indicates a missing or wrong API key on the authorize endpoint
	ErrUnauthorized = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorized, desc, http.StatusUnauthorized)
	}

	// ErrMethodNotAllowed indicates the endpoint does not accept the HTTP method
	ErrMethodNotAllowed = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeMethodNotAllowed, desc, http.StatusMethodNotAllowed)
	}

	// ErrRateLimitExceeded indicates the caller exceeded its request budget
	ErrRateLimitExceeded = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)

// FromServerError converts a flow error into its wire form. Errors that are
// not *server.Error become server_error without leaking their message.
func FromServerError(err error) *OAuthError {
	e := server.AsError(err)
	desc := e.Description
	switch {
	case e.Kind == server.KindServerError:
		desc = "internal server error"
	case desc == "":
		desc = e.Kind.String()
	}
	return NewOAuthError(e.Kind.Code(), desc, e.Kind.HTTPStatus())
}
