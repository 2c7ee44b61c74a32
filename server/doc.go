// Package server implements the authorization server flows on top of the
// grant and token managers.
//
// Authorize issues authorization codes for an authenticated resource owner.
// ExchangeToken redeems codes and rotates refresh tokens. Revoke retires
// refresh token lineages (RFC 7009). Every failure is an *Error whose Kind
// maps to an OAuth error code and an HTTP status:
//
//	srv, err := server.New(server.Config{Issuer: "https://auth.example.com"}, server.Deps{
//	    Codec:       codec,
//	    Revocations: store,
//	    Clients:     repo,
//	    Owners:      repo,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	tok, err := srv.ExchangeToken(ctx, server.TokenRequest{...})
//	if errors.Is(err, server.ErrInvalidGrant) {
//	    // code reused, expired or PKCE mismatch
//	}
//
// Code redemption is single use: the code is revoked concurrently with
// minting, and tokens are only returned to the request that won the
// revocation.
package server
