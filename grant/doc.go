// Package grant issues and redeems authorization codes.
//
// An authorization code is a signed JWT with type "access_code", a two minute
// lifetime and the client as audience. Nothing is stored when a code is
// issued. Redemption writes a set-if-absent marker keyed by the code's jti,
// so a code can be exchanged exactly once even under concurrent requests.
//
// Codes may be bound to a PKCE challenge (RFC 7636) using the plain or S256
// method.
package grant
