// Package token mints and verifies access, refresh and ID tokens.
//
// All three kinds are ES256 JWTs signed by the same key and told apart by the
// "type" claim. Access and ID tokens expire after two hours. Refresh tokens
// never expire; each carries a jti of the form "base:counter" and is valid
// only while the stored counter of its lineage equals the token's counter.
// Rotation advances the counter with a compare-and-increment, which
// invalidates the superseded token.
package token
