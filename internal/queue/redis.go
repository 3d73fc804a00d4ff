package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue keeps a queue in five Redis keys that share a hash tag, so a
// cluster places them on one slot:
//
//	ready    LIST of visible message ids, head first
//	inflight ZSET of leased ids scored by lease deadline (unix ms)
//	msgs     HASH id -> JSON record
//	groups   HASH group key -> id currently leased
//	dead     LIST of dead-letter JSON records
//
// Every state change is a single Lua script, so concurrent workers on many
// hosts never observe a half-moved message.
type RedisQueue struct {
	rdb  redis.UniversalClient
	name string
	opts Options
	keys []string
	scan int64
}

// redisRecord is the JSON stored in the msgs hash and the dead list.  Body
// is base64 on the wire so arbitrary bytes survive cjson.
type redisRecord struct {
	ID         string `json:"id"`
	Group      string `json:"group"`
	Body       []byte `json:"body"`
	Attempts   int    `json:"attempts"`
	EnqueuedAt int64  `json:"enqueued_at"`
	Reason     string `json:"reason,omitempty"`
	DeadAt     int64  `json:"dead_at,omitempty"`
}

// DefaultRedisScanWindow bounds how many ready ids one Dequeue inspects.
// Ids of blocked groups inside the window are skipped, not popped.
const DefaultRedisScanWindow = 200

// NewRedisQueue binds a queue to rdb.  prefix namespaces the keys
// ("bn" gives bn:{notifications.email}:ready and so on).
func NewRedisQueue(rdb redis.UniversalClient, prefix, name string, opts ...Option) *RedisQueue {
	base := fmt.Sprintf("%s:{%s}:", prefix, name)
	return &RedisQueue{
		rdb:  rdb,
		name: name,
		opts: buildOptions(opts),
		keys: []string{base + "ready", base + "inflight", base + "msgs", base + "groups", base + "dead"},
		scan: DefaultRedisScanWindow,
	}
}

// Keys returns ready, inflight, msgs, groups and dead key names in the order
// the scripts expect them.
func (q *RedisQueue) Keys() []string { return append([]string(nil), q.keys...) }

func (q *RedisQueue) Name() string { return q.name }

const luaRelease = `
local function release(groups, rec, id)
  if rec.group ~= nil and rec.group ~= '' and redis.call('HGET', groups, rec.group) == id then
    redis.call('HDEL', groups, rec.group)
  end
end
`

var enqueueScript = redis.NewScript(`
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
redis.call('RPUSH', KEYS[1], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(luaRelease + `
local ready, inflight, msgs, groups, dead = KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]
local now = tonumber(ARGV[1])
local vis = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local max_attempts = tonumber(ARGV[4])
local scan = tonumber(ARGV[5])

local expired = redis.call('ZRANGEBYSCORE', inflight, '-inf', now)
for i = #expired, 1, -1 do
  local id = expired[i]
  redis.call('ZREM', inflight, id)
  local raw = redis.call('HGET', msgs, id)
  if raw then
    release(groups, cjson.decode(raw), id)
    redis.call('LPUSH', ready, id)
  end
end

local out, gone, taken = {}, {}, {}
local ids = redis.call('LRANGE', ready, 0, scan - 1)
for _, id in ipairs(ids) do
  if #out >= max then break end
  local raw = redis.call('HGET', msgs, id)
  if not raw then
    redis.call('LREM', ready, 1, id)
  else
    local rec = cjson.decode(raw)
    local g = rec.group or ''
    local free = g == '' or (not taken[g] and redis.call('HEXISTS', groups, g) == 0)
    if free then
      redis.call('LREM', ready, 1, id)
      if rec.attempts >= max_attempts then
        redis.call('HDEL', msgs, id)
        rec.reason = 'max attempts exceeded'
        rec.dead_at = now
        local enc = cjson.encode(rec)
        redis.call('RPUSH', dead, enc)
        table.insert(gone, enc)
      else
        rec.attempts = rec.attempts + 1
        local enc = cjson.encode(rec)
        redis.call('HSET', msgs, id, enc)
        redis.call('ZADD', inflight, now + vis, id)
        if g ~= '' then
          redis.call('HSET', groups, g, id)
          taken[g] = true
        end
        table.insert(out, enc)
      end
    end
  end
end
return {out, gone}
`)

var ackScript = redis.NewScript(luaRelease + `
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then return 0 end
local raw = redis.call('HGET', KEYS[3], ARGV[1])
if raw then
  release(KEYS[4], cjson.decode(raw), ARGV[1])
  redis.call('HDEL', KEYS[3], ARGV[1])
end
return 1
`)

var nackScript = redis.NewScript(luaRelease + `
local id = ARGV[1]
local now = tonumber(ARGV[2])
local delay = tonumber(ARGV[3])
if not redis.call('ZSCORE', KEYS[2], id) then return 0 end
if delay > 0 then
  redis.call('ZADD', KEYS[2], now + delay, id)
  return 1
end
redis.call('ZREM', KEYS[2], id)
local raw = redis.call('HGET', KEYS[3], id)
if raw then
  release(KEYS[4], cjson.decode(raw), id)
  redis.call('LPUSH', KEYS[1], id)
end
return 1
`)

var extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then return 0 end
redis.call('ZADD', KEYS[2], tonumber(ARGV[2]), ARGV[1])
return 1
`)

var deadLetterScript = redis.NewScript(luaRelease + `
local id = ARGV[1]
if redis.call('ZREM', KEYS[2], id) == 0 then return false end
local raw = redis.call('HGET', KEYS[3], id)
if not raw then return false end
local rec = cjson.decode(raw)
release(KEYS[4], rec, id)
redis.call('HDEL', KEYS[3], id)
rec.reason = ARGV[2]
rec.dead_at = tonumber(ARGV[3])
local enc = cjson.encode(rec)
redis.call('RPUSH', KEYS[5], enc)
return enc
`)

func (q *RedisQueue) Enqueue(ctx context.Context, groupKey string, body []byte) (string, error) {
	rec := redisRecord{
		ID:         q.opts.NewID(),
		Group:      groupKey,
		Body:       body,
		EnqueuedAt: q.opts.Now().UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", &EnqueueError{Queue: q.name, Err: err}
	}
	if err := enqueueScript.Run(ctx, q.rdb, q.keys, rec.ID, string(raw)).Err(); err != nil {
		return "", &EnqueueError{Queue: q.name, Err: err}
	}
	return rec.ID, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, max int, visibility time.Duration) ([]RawMessage, error) {
	if max <= 0 {
		return nil, nil
	}
	args := []interface{}{
		q.opts.Now().UnixMilli(),
		visibility.Milliseconds(),
		int64(max),
		int64(q.opts.MaxAttempts),
		q.scan,
	}
	vals, err := dequeueScript.Run(ctx, q.rdb, q.keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", q.name, err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("dequeue %s: unexpected script result %#v", q.name, vals)
	}

	var out []RawMessage
	for _, raw := range asStrings(vals[0]) {
		var rec redisRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return out, fmt.Errorf("dequeue %s: decode record: %w", q.name, err)
		}
		out = append(out, rec.message())
	}

	var dead []DeadLetter
	for _, raw := range asStrings(vals[1]) {
		dead = append(dead, decodeDeadLetter(q.name, raw))
	}
	q.opts.notifyDead(dead)
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	n, err := ackScript.Run(ctx, q.rdb, q.keys, id).Int64()
	if err != nil {
		return fmt.Errorf("ack %s/%s: %w", q.name, id, err)
	}
	if n == 0 {
		return ErrNotLeased
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, id string, delay time.Duration) error {
	n, err := nackScript.Run(ctx, q.rdb, q.keys, id, q.opts.Now().UnixMilli(), delay.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("nack %s/%s: %w", q.name, id, err)
	}
	if n == 0 {
		return ErrNotLeased
	}
	return nil
}

func (q *RedisQueue) ExtendVisibility(ctx context.Context, id string, d time.Duration) error {
	deadline := q.opts.Now().Add(d).UnixMilli()
	n, err := extendScript.Run(ctx, q.rdb, q.keys, id, deadline).Int64()
	if err != nil {
		return fmt.Errorf("extend %s/%s: %w", q.name, id, err)
	}
	if n == 0 {
		return ErrNotLeased
	}
	return nil
}

func (q *RedisQueue) DeadLetter(ctx context.Context, id, reason string) error {
	raw, err := deadLetterScript.Run(ctx, q.rdb, q.keys, id, reason, q.opts.Now().UnixMilli()).Text()
	if err == redis.Nil {
		return ErrNotLeased
	}
	if err != nil {
		return fmt.Errorf("dead-letter %s/%s: %w", q.name, id, err)
	}
	q.opts.notifyDead([]DeadLetter{decodeDeadLetter(q.name, raw)})
	return nil
}

// DeadLetters reads the dead list, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := q.rdb.LRange(ctx, q.keys[4], 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letters %s: %w", q.name, err)
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, raw := range raws {
		out = append(out, decodeDeadLetter(q.name, raw))
	}
	return out, nil
}

// Close is a no-op; the Redis client is shared and closed by its owner.
func (q *RedisQueue) Close() error { return nil }

func (r redisRecord) message() RawMessage {
	return RawMessage{
		ID:         r.ID,
		GroupKey:   r.Group,
		Body:       r.Body,
		Attempts:   r.Attempts,
		EnqueuedAt: time.UnixMilli(r.EnqueuedAt),
	}
}

// ReasonUnreadable prefixes the reason of a dead-letter record that no
// longer parses; its Body holds the stored bytes as they are.
const ReasonUnreadable = "unreadable dead-letter record"

func decodeDeadLetter(queue, raw string) DeadLetter {
	var rec redisRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return DeadLetter{Queue: queue, Body: []byte(raw), Reason: ReasonUnreadable + ": " + err.Error()}
	}
	return rec.deadLetter(queue)
}

func (r redisRecord) deadLetter(queue string) DeadLetter {
	return DeadLetter{
		Queue:     queue,
		MessageID: r.ID,
		GroupKey:  r.Group,
		Body:      r.Body,
		Attempts:  r.Attempts,
		Reason:    r.Reason,
		DeadAt:    time.UnixMilli(r.DeadAt),
	}
}

func asStrings(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, x := range arr {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
