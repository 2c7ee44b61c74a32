// Package memory is the in-process storage backend. It implements
// storage.RevocationStore, storage.ClientStore and storage.ResourceOwnerStore.
//
// Grant markers live in a TTL cache and disappear once the authorization code
// they guard has expired. Lineage counters never expire. Nothing survives a
// restart, and instances do not share state, so use storage/valkey,
// storage/redis or storage/sqlstore when running more than one replica.
//
//	store := memory.New()
//	defer store.Stop()
package memory
