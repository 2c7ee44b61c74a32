// Package valkey is the Valkey storage backend. It implements
// storage.RevocationStore, storage.ClientStore and storage.ResourceOwnerStore
// and is the recommended backend when several issuer replicas share state.
//
// # Key Schema
//
// All keys carry a configurable prefix (default "oauth:"):
//
//	{prefix}code-grant-revoked-{jti}      -> "1" (expires with the code)
//	{prefix}refresh-token-revoke-{base}   -> last issued counter
//	{prefix}client:{clientID}             -> JSON(Client)
//	{prefix}owner:{id}                    -> JSON(ResourceOwner)
//
// # Atomic Operations
//
// RevokeGrant and AdvanceRefreshCounter run as Lua scripts so concurrent
// redemptions of the same code or refresh token have exactly one winner, even
// across replicas.
//
// # Example
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "issuer:",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
package valkey
