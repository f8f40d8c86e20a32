package redis

import "github.com/redis/rueidis"

// KEYS[1]=balances KEYS[2]=maxbalances KEYS[3]=names
// ARGV[1]=balance ARGV[2]=identity ARGV[3]=name
var setBalanceScript = rueidis.NewLuaScript(`
redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
local peak = redis.call('ZSCORE', KEYS[2], ARGV[2])
if (not peak) or tonumber(ARGV[1]) > tonumber(peak) then
  redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
end
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[3], ARGV[3], ARGV[2])
end
return 1
`)

// KEYS[1]=transactions ARGV[1]=record
var appendScript = rueidis.NewLuaScript(`
local id = redis.call('HLEN', KEYS[1])
redis.call('HSET', KEYS[1], id, ARGV[1])
return id
`)

// KEYS[1]=transactions ARGV[1]=original id ARGV[2]=opposite record
//
// Returns {status, id}: status -1 missing, -2 malformed, 0 already
// reverted with id, 1 appended opposite as id.
var revertScript = rueidis.NewLuaScript(`
local original = redis.call('HGET', KEYS[1], ARGV[1])
if not original then
  return {-1, -1}
end
local separators = 0
for _ in string.gmatch(original, ';') do
  separators = separators + 1
end
if separators == 6 then
  local ref = tonumber(string.match(original, ';([^;]*)$'))
  if not ref then
    return {-2, -1}
  end
  return {0, ref}
end
if separators ~= 5 then
  return {-2, -1}
end
local id = redis.call('HLEN', KEYS[1])
redis.call('HSET', KEYS[1], id, ARGV[2])
redis.call('HSET', KEYS[1], ARGV[1], original .. ';' .. id)
return {1, id}
`)
