// Package redis is a storage backend for Redis, and anything else that speaks
// the Redis protocol, built on go-redis. It shares its key schema and Lua
// scripts with storage/valkey, so the two can be swapped over the same data.
//
//	store, err := redis.New(redis.Config{URL: "redis://localhost:6379/0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
package redis
