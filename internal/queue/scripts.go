package queue

import r "github.com/redis/go-redis/v9"

// Every script receives the queue key base ("<prefix>:{<queue>}:") as
// KEYS[1] and the current time in unix ms from the caller. Scripts that can
// fail a job for good take the dead-letter list as an optional KEYS[2]. Wait scores are
// priority*1e12 + seq, so lower priority values pop first and equal
// priorities pop in arrival order. Scores are formatted with %.0f so large
// integers reach Redis without exponent notation.

const luaHelpers = `
local base = KEYS[1]

local function score(n)
  return string.format('%.0f', n)
end

local function pushWait(id)
  local prio = tonumber(redis.call('HGET', base .. 'job:' .. id, 'priority')) or 0
  local seq = redis.call('INCR', base .. 'seq')
  redis.call('ZADD', base .. 'wait', score(prio * 1000000000000 + seq), id)
  redis.call('HSET', base .. 'job:' .. id, 'state', 'waiting')
end

local function promote(now, limit)
  local due = redis.call('ZRANGEBYSCORE', base .. 'delayed', '-inf', now, 'LIMIT', 0, limit)
  for _, id in ipairs(due) do
    redis.call('ZREM', base .. 'delayed', id)
    pushWait(id)
  end
  return #due
end

local function releaseDedup(id)
  local jobKey = base .. 'job:' .. id
  local dedup = redis.call('HGET', jobKey, 'dedupId')
  if dedup and dedup ~= '' then
    local key = base .. 'dedup:' .. dedup
    if redis.call('GET', key) == id then
      redis.call('DEL', key)
    end
  end
end

local function trim(set, keep)
  if keep < 0 then
    return
  end
  local excess = redis.call('ZRANGE', base .. set, 0, -(keep + 1))
  for _, old in ipairs(excess) do
    redis.call('DEL', base .. 'job:' .. old)
  end
  if #excess > 0 then
    redis.call('ZREMRANGEBYRANK', base .. set, 0, -(keep + 1))
  end
end

local function owns(id, token)
  return redis.call('HGET', base .. 'job:' .. id, 'token') == token
end

local function bury(id, deadKey, failedAt)
  if not deadKey then
    return
  end
  local f = redis.call('HMGET', base .. 'job:' .. id, 'type', 'data', 'attemptsMade', 'failedReason', 'queue')
  local data = f[2]
  if not data or data == '' then
    data = '{}'
  end
  redis.call('LPUSH', deadKey, '{"name":' .. cjson.encode(f[1] or '') ..
    ',"data":' .. data ..
    ',"queue":' .. cjson.encode(f[5] or '') ..
    ',"jobId":' .. cjson.encode(id) ..
    ',"attemptsMade":' .. (f[3] or '0') ..
    ',"failedReason":' .. cjson.encode(f[4] or '') ..
    ',"failedAt":' .. cjson.encode(failedAt) .. '}')
end
`

var enqueueScript = r.NewScript(luaHelpers + `
local id = ARGV[1]
local jobKey = base .. 'job:' .. id
if redis.call('EXISTS', jobKey) == 1 then
  return {0, id}
end
local dedup = ARGV[7]
if dedup ~= '' then
  local existing = redis.call('GET', base .. 'dedup:' .. dedup)
  if existing then
    return {0, existing}
  end
  redis.call('SET', base .. 'dedup:' .. dedup, id)
end

local delay = tonumber(ARGV[6])
local now = tonumber(ARGV[10])
redis.call('HSET', jobKey,
  'id', id, 'queue', ARGV[12], 'type', ARGV[2], 'data', ARGV[3],
  'attemptsMade', 0, 'maxAttempts', ARGV[4], 'priority', ARGV[5], 'delay', ARGV[6],
  'dedupId', dedup, 'backoffType', ARGV[8], 'backoffDelay', ARGV[9], 'trace', ARGV[11],
  'stalledCount', 0, 'createdAt', ARGV[10])

if delay > 0 then
  redis.call('ZADD', base .. 'delayed', score(now + delay), id)
  redis.call('HSET', jobKey, 'state', 'delayed')
else
  pushWait(id)
end
return {1, id}
`)

var dequeueScript = r.NewScript(luaHelpers + `
promote(ARGV[1], tonumber(ARGV[4]))
local popped = redis.call('ZPOPMIN', base .. 'wait')
if #popped == 0 then
  return false
end
local id = popped[1]
local jobKey = base .. 'job:' .. id
redis.call('ZADD', base .. 'active', ARGV[2], id)
redis.call('HSET', jobKey, 'state', 'active', 'token', ARGV[3], 'processedAt', ARGV[1])
return redis.call('HGETALL', jobKey)
`)

var promoteScript = r.NewScript(luaHelpers + `
return promote(ARGV[1], tonumber(ARGV[2]))
`)

var extendLockScript = r.NewScript(luaHelpers + `
if not owns(ARGV[1], ARGV[2]) then
  return 0
end
redis.call('ZADD', base .. 'active', 'XX', ARGV[3], ARGV[1])
return 1
`)

var ackScript = r.NewScript(luaHelpers + `
local id = ARGV[1]
if not owns(id, ARGV[2]) then
  return 0
end
local jobKey = base .. 'job:' .. id
redis.call('ZREM', base .. 'active', id)
releaseDedup(id)
redis.call('HDEL', jobKey, 'token')
redis.call('HSET', jobKey, 'state', 'completed', 'finishedAt', ARGV[3])
redis.call('ZADD', base .. 'completed', ARGV[3], id)
trim('completed', tonumber(ARGV[4]))
return 1
`)

var failScript = r.NewScript(luaHelpers + `
local id = ARGV[1]
if not owns(id, ARGV[2]) then
  return 0
end
local jobKey = base .. 'job:' .. id
redis.call('ZREM', base .. 'active', id)
releaseDedup(id)
redis.call('HDEL', jobKey, 'token')
redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
redis.call('HSET', jobKey, 'state', 'failed', 'failedReason', ARGV[5], 'finishedAt', ARGV[3])
redis.call('ZADD', base .. 'failed', ARGV[3], id)
bury(id, KEYS[2], ARGV[6])
trim('failed', tonumber(ARGV[4]))
return 1
`)

var requeueScript = r.NewScript(luaHelpers + `
local id = ARGV[1]
if not owns(id, ARGV[2]) then
  return 0
end
local jobKey = base .. 'job:' .. id
local delay = tonumber(ARGV[4])
redis.call('ZREM', base .. 'active', id)
redis.call('HDEL', jobKey, 'token')
redis.call('HINCRBY', jobKey, 'attemptsMade', 1)
redis.call('HSET', jobKey, 'failedReason', ARGV[5])
if delay > 0 then
  redis.call('ZADD', base .. 'delayed', score(tonumber(ARGV[3]) + delay), id)
  redis.call('HSET', jobKey, 'state', 'delayed')
else
  pushWait(id)
end
return 1
`)

var reclaimScript = r.NewScript(luaHelpers + `
local maxStalled = tonumber(ARGV[2])
local stalled = redis.call('ZRANGEBYSCORE', base .. 'active', '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local requeued = {}
local failed = {}
for _, id in ipairs(stalled) do
  local jobKey = base .. 'job:' .. id
  redis.call('ZREM', base .. 'active', id)
  redis.call('HDEL', jobKey, 'token')
  local count = redis.call('HINCRBY', jobKey, 'stalledCount', 1)
  if count > maxStalled then
    releaseDedup(id)
    redis.call('HSET', jobKey, 'state', 'failed',
      'failedReason', 'job stalled more than allowable limit', 'finishedAt', ARGV[1])
    redis.call('ZADD', base .. 'failed', ARGV[1], id)
    bury(id, KEYS[2], ARGV[4])
    table.insert(failed, id)
  else
    pushWait(id)
    table.insert(requeued, id)
  end
end
return {requeued, failed}
`)
