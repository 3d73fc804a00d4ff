package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/booking-notifications/internal/model"
)

func TestDedupKey(t *testing.T) {
	base := DedupKey(ChannelEmail, "ann@example.com", model.OperationConfirmed, "b1", occurred)
	assert.Len(t, base, 64)
	assert.Equal(t, base, DedupKey(ChannelEmail, "ann@example.com", model.OperationConfirmed, "b1", occurred.In(time.FixedZone("CET", 3600))))

	assert.NotEqual(t, base, DedupKey(ChannelPhone, "ann@example.com", model.OperationConfirmed, "b1", occurred))
	assert.NotEqual(t, base, DedupKey(ChannelEmail, "bob@example.com", model.OperationConfirmed, "b1", occurred))
	assert.NotEqual(t, base, DedupKey(ChannelEmail, "ann@example.com", model.OperationCanceled, "b1", occurred))
	assert.NotEqual(t, base, DedupKey(ChannelEmail, "ann@example.com", model.OperationConfirmed, "b2", occurred))
	assert.NotEqual(t, base, DedupKey(ChannelEmail, "ann@example.com", model.OperationConfirmed, "b1", occurred.Add(time.Second)))
	// parts are separated, so shifting a boundary changes the key
	assert.NotEqual(t,
		DedupKey("ab", "c", model.OperationConfirmed, "b1", occurred),
		DedupKey("a", "bc", model.OperationConfirmed, "b1", occurred))
}

func TestMemoryDedup_Lifecycle(t *testing.T) {
	ctx := context.Background()
	now := occurred
	d := NewMemoryDedup()
	d.now = func() time.Time { return now }

	res, first, err := d.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Claimed, res)
	assert.NotEmpty(t, first)

	res, tok, _ := d.Claim(ctx, "k", time.Minute)
	assert.Equal(t, InFlight, res)
	assert.Empty(t, tok)

	// an abandoned claim lapses with its lease
	now = now.Add(2 * time.Minute)
	res, second, _ := d.Claim(ctx, "k", time.Minute)
	assert.Equal(t, Claimed, res)
	assert.NotEqual(t, first, second)

	// the lapsed owner cannot release the newer claim
	require.NoError(t, d.Release(ctx, "k", first))
	res, _, _ = d.Claim(ctx, "k", time.Minute)
	assert.Equal(t, InFlight, res)

	require.NoError(t, d.Complete(ctx, "k", time.Hour))
	res, _, _ = d.Claim(ctx, "k", time.Minute)
	assert.Equal(t, AlreadySent, res)

	// release never drops a sent marker
	require.NoError(t, d.Release(ctx, "k", second))
	res, _, _ = d.Claim(ctx, "k", time.Minute)
	assert.Equal(t, AlreadySent, res)

	now = now.Add(2 * time.Hour)
	res, third, _ := d.Claim(ctx, "k", time.Minute)
	assert.Equal(t, Claimed, res)

	require.NoError(t, d.Release(ctx, "k", third))
	res, _, _ = d.Claim(ctx, "k", time.Minute)
	assert.Equal(t, Claimed, res)
}

func newTestRedisDedup(t *testing.T) (*RedisDedup, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	d := NewRedisDedup(db, "notif")
	d.token = func() string { return "tok" }
	return d, mock
}

func TestRedisDedup_Claim(t *testing.T) {
	ctx := context.Background()
	d, mock := newTestRedisDedup(t)

	mock.ExpectSetNX("notif:dedup:k1", "inflight:tok", time.Minute).SetVal(true)
	res, tok, err := d.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Claimed, res)
	assert.Equal(t, "tok", tok)

	mock.ExpectSetNX("notif:dedup:k2", "inflight:tok", time.Minute).SetVal(false)
	mock.ExpectGet("notif:dedup:k2").SetVal(dedupSent)
	res, tok, err = d.Claim(ctx, "k2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, AlreadySent, res)
	assert.Empty(t, tok)

	mock.ExpectSetNX("notif:dedup:k3", "inflight:tok", time.Minute).SetVal(false)
	mock.ExpectGet("notif:dedup:k3").SetVal("inflight:other")
	res, _, err = d.Claim(ctx, "k3", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, InFlight, res)

	mock.ExpectSetNX("notif:dedup:k4", "inflight:tok", time.Minute).SetVal(false)
	mock.ExpectGet("notif:dedup:k4").RedisNil()
	res, _, err = d.Claim(ctx, "k4", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, InFlight, res)

	mock.ExpectSetNX("notif:dedup:k5", "inflight:tok", time.Minute).SetErr(errors.New("connection refused"))
	_, _, err = d.Claim(ctx, "k5", time.Minute)
	require.Error(t, err)
	assert.False(t, errors.Is(err, redis.Nil))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisDedup_CompleteAndRelease(t *testing.T) {
	ctx := context.Background()
	d, mock := newTestRedisDedup(t)

	mock.ExpectSet("notif:dedup:k1", dedupSent, 24*time.Hour).SetVal("OK")
	require.NoError(t, d.Complete(ctx, "k1", 24*time.Hour))

	// release is a compare-and-delete on the claim token
	mock.ExpectEvalSha(dedupReleaseScript.Hash(), []string{"notif:dedup:k2"}, "inflight:tok").SetVal(int64(1))
	require.NoError(t, d.Release(ctx, "k2", "tok"))

	// no token means nothing was claimed; nothing to send to redis
	require.NoError(t, d.Release(ctx, "k3", ""))

	mock.ExpectEvalSha(dedupReleaseScript.Hash(), []string{"notif:dedup:k4"}, "inflight:tok").SetErr(errors.New("connection refused"))
	require.Error(t, d.Release(ctx, "k4", "tok"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

// A claimant whose lease ran out releases after a second claimant already
// sent: the sent marker must survive, so redis only sees the scripted
// compare-and-delete and never a plain DEL.
func TestRedisDedup_LateReleaseKeepsSentMarker(t *testing.T) {
	ctx := context.Background()
	d, mock := newTestRedisDedup(t)

	tokens := []string{"a", "b"}
	d.token = func() string {
		tok := tokens[0]
		tokens = tokens[1:]
		return tok
	}

	mock.ExpectSetNX("notif:dedup:k", "inflight:a", time.Minute).SetVal(true)
	res, first, err := d.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.Equal(t, Claimed, res)

	// lease of "a" expired
	mock.ExpectSetNX("notif:dedup:k", "inflight:b", time.Minute).SetVal(true)
	res, _, err = d.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.Equal(t, Claimed, res)

	mock.ExpectSet("notif:dedup:k", dedupSent, time.Hour).SetVal("OK")
	require.NoError(t, d.Complete(ctx, "k", time.Hour))

	// the key holds "sent", so the script deletes nothing
	mock.ExpectEvalSha(dedupReleaseScript.Hash(), []string{"notif:dedup:k"}, "inflight:a").SetVal(int64(0))
	require.NoError(t, d.Release(ctx, "k", first))

	mock.ExpectSetNX("notif:dedup:k", "inflight:c", time.Minute).SetVal(false)
	mock.ExpectGet("notif:dedup:k").SetVal(dedupSent)
	d.token = func() string { return "c" }
	res, _, err = d.Claim(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, AlreadySent, res)

	assert.NoError(t, mock.ExpectationsWereMet())
}
