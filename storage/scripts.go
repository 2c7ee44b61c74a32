package storage

// Lua scripts shared by the Redis-protocol backends (valkey and redis).
// Each runs atomically on the server, which is what makes RevokeGrant a
// set-if-absent and AdvanceRefreshCounter a compare-and-increment across
// replicas.
const (
	// ScriptRevokeGrant: KEYS[1] marker, ARGV[1] ttl in ms (0 = no expiry).
	// Returns 1 if the marker was created, 0 if it already existed.
	ScriptRevokeGrant = `
local ok
if tonumber(ARGV[1]) > 0 then
    ok = redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[1])
else
    ok = redis.call('SET', KEYS[1], '1', 'NX')
end
if ok then
    return 1
end
return 0
`

	// ScriptAdvanceCounter: KEYS[1] counter, ARGV[1] expected, ARGV[2] value
	// assumed when the key is absent. Returns {1, next} on success or
	// {0, current} on mismatch.
	ScriptAdvanceCounter = `
local current = redis.call('GET', KEYS[1])
if current then
    current = tonumber(current)
else
    current = tonumber(ARGV[2])
end
if current ~= tonumber(ARGV[1]) then
    return {0, current}
end
local nextValue = current + 1
redis.call('SET', KEYS[1], nextValue)
return {1, nextValue}
`
)
