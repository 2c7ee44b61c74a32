package server

import (
	"errors"
	"net/http"
)

// ErrorKind classifies authorization server failures. Every kind except
// KindServerError is the caller's fault.
type ErrorKind int

const (
	KindServerError ErrorKind = iota
	KindInvalidClientOrRedirect
	KindInvalidResourceOwner
	KindUnsupportedResponseType
	KindUnsupportedGrantType
	KindInvalidRequest
	KindInvalidGrant
	KindInvalidClient
	KindInvalidScope
)

var kindCodes = map[ErrorKind]string{
	KindServerError:             "server_error",
	KindInvalidClientOrRedirect: "invalid_client_or_redirect_uri",
	KindInvalidResourceOwner:    "invalid_resource_owner",
	KindUnsupportedResponseType: "unsupported_response_type",
	KindUnsupportedGrantType:    "unsupported_grant_type",
	KindInvalidRequest:          "invalid_request",
	KindInvalidGrant:            "invalid_grant",
	KindInvalidClient:           "invalid_client",
	KindInvalidScope:            "invalid_scope",
}

// Code returns the wire error code.
func (k ErrorKind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindServerError]
}

func (k ErrorKind) String() string {
	return k.Code()
}

// HTTPStatus is 500 for KindServerError and 400 for everything else.
func (k ErrorKind) HTTPStatus() int {
	if k == KindServerError {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// Error is returned by Authorize, ExchangeToken and Revoke.
//
// Description is safe to show to the client. Err carries the internal cause
// and is only logged.
type Error struct {
	Kind        ErrorKind
	Description string
	Err         error
}

func (e *Error) Error() string {
	msg := e.Kind.Code()
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the bare sentinels below by kind, so that
// errors.Is(err, ErrInvalidGrant) holds for any invalid_grant failure.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Description != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrServerError             = &Error{Kind: KindServerError}
	ErrInvalidClientOrRedirect = &Error{Kind: KindInvalidClientOrRedirect}
	ErrInvalidResourceOwner    = &Error{Kind: KindInvalidResourceOwner}
	ErrUnsupportedResponseType = &Error{Kind: KindUnsupportedResponseType}
	ErrUnsupportedGrantType    = &Error{Kind: KindUnsupportedGrantType}
	ErrInvalidRequest          = &Error{Kind: KindInvalidRequest}
	ErrInvalidGrant            = &Error{Kind: KindInvalidGrant}
	ErrInvalidClient           = &Error{Kind: KindInvalidClient}
	ErrInvalidScope            = &Error{Kind: KindInvalidScope}
)

func newError(kind ErrorKind, description string, cause error) *Error {
	return &Error{Kind: kind, Description: description, Err: cause}
}

// KindOf returns the kind of err. Errors that are not *Error are server errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServerError
}

// AsError converts err into an *Error, wrapping unknown errors as
// server errors with a generic description.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindServerError, "internal server error", err)
}
