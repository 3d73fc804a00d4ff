package notify

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"

	"github.com/iliyamo/booking-notifications/internal/model"
)

// ClaimResult is the outcome of DedupStore.Claim.
type ClaimResult uint8

const (
	// Claimed means the caller owns the send.
	Claimed ClaimResult = iota + 1
	// AlreadySent means an earlier delivery completed; the caller acks.
	AlreadySent
	// InFlight means another consumer holds the claim right now.
	InFlight
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case AlreadySent:
		return "already_sent"
	case InFlight:
		return "in_flight"
	}
	return "unknown"
}

// DedupStore remembers which notifications were sent.  A claim is a short
// lease taken before the send and identified by the returned token;
// Complete turns it into a sent marker kept for the dedup window; Release
// drops the claim after a failed send, but only while the key still holds
// that token, so a late Release never removes a newer claim or a sent
// marker.
type DedupStore interface {
	Claim(ctx context.Context, key string, lease time.Duration) (ClaimResult, string, error)
	Complete(ctx context.Context, key string, window time.Duration) error
	Release(ctx context.Context, key, token string) error
}

// DedupKey identifies one logical notification: the same booking change
// sent on the same channel to the same recipient.  Redeliveries and
// re-routed copies of a message map to the same key.
func DedupKey(channel, recipient string, op model.Operation, bookingID string, occurredAt time.Time) string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{
		channel,
		recipient,
		string(op),
		bookingID,
		strconv.FormatInt(occurredAt.UTC().UnixMilli(), 10),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

const (
	dedupInFlight = "inflight:"
	dedupSent     = "sent"
)

// RedisDedup keeps claims as plain keys: "inflight:<token>" with the lease
// TTL, then "sent" with the dedup window TTL.
type RedisDedup struct {
	rdb    redis.UniversalClient
	prefix string
	token  func() string
}

var dedupReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func NewRedisDedup(rdb redis.UniversalClient, prefix string) *RedisDedup {
	return &RedisDedup{rdb: rdb, prefix: prefix, token: uuid.NewString}
}

func (d *RedisDedup) key(k string) string { return d.prefix + ":dedup:" + k }

func (d *RedisDedup) Claim(ctx context.Context, key string, lease time.Duration) (ClaimResult, string, error) {
	tok := d.token()
	ok, err := d.rdb.SetNX(ctx, d.key(key), dedupInFlight+tok, lease).Result()
	if err != nil {
		return 0, "", fmt.Errorf("dedup claim: %w", err)
	}
	if ok {
		return Claimed, tok, nil
	}
	v, err := d.rdb.Get(ctx, d.key(key)).Result()
	if err == redis.Nil {
		// expired between the two calls; the next delivery will claim it
		return InFlight, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("dedup lookup: %w", err)
	}
	if v == dedupSent {
		return AlreadySent, "", nil
	}
	return InFlight, "", nil
}

func (d *RedisDedup) Complete(ctx context.Context, key string, window time.Duration) error {
	if err := d.rdb.Set(ctx, d.key(key), dedupSent, window).Err(); err != nil {
		return fmt.Errorf("dedup complete: %w", err)
	}
	return nil
}

func (d *RedisDedup) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	if err := dedupReleaseScript.Run(ctx, d.rdb, []string{d.key(key)}, dedupInFlight+token).Err(); err != nil {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}

// MemoryDedup is the in-process DedupStore.
type MemoryDedup struct {
	mu      sync.Mutex
	entries map[string]dedupEntry
	now     func() time.Time
	token   func() string
}

type dedupEntry struct {
	sent    bool
	token   string
	expires time.Time
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{entries: make(map[string]dedupEntry), now: time.Now, token: uuid.NewString}
}

func (d *MemoryDedup) Claim(_ context.Context, key string, lease time.Duration) (ClaimResult, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if e, ok := d.entries[key]; ok && now.Before(e.expires) {
		if e.sent {
			return AlreadySent, "", nil
		}
		return InFlight, "", nil
	}
	tok := d.token()
	d.entries[key] = dedupEntry{token: tok, expires: now.Add(lease)}
	return Claimed, tok, nil
}

func (d *MemoryDedup) Complete(_ context.Context, key string, window time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.entries[key] = dedupEntry{sent: true, expires: now.Add(window)}
	d.sweepLocked(now)
	return nil
}

func (d *MemoryDedup) Release(_ context.Context, key, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[key]; ok && !e.sent && token != "" && e.token == token {
		delete(d.entries, key)
	}
	return nil
}

func (d *MemoryDedup) sweepLocked(now time.Time) {
	for k, e := range d.entries {
		if !now.Before(e.expires) {
			delete(d.entries, k)
		}
	}
}
