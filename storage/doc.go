// Package storage defines the persistence boundary of the issuer.
//
// Two kinds of state live behind it:
//   - RevocationStore: spent authorization-code markers and refresh-token
//     lineage counters. Both mutations are atomic at the store boundary.
//   - ClientStore and ResourceOwnerStore: read access to registered clients
//     and resource owners.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-process storage for development, tests and single instances
//   - storage/valkey: Valkey-backed revocation store for distributed deployments
//   - storage/redis: Redis-backed revocation store using go-redis
//   - storage/sqlstore: relational client and resource owner repository (SQLite, PostgreSQL)
//   - storage/mock: function-field mocks for unit tests
package storage
