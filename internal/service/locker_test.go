package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerialisesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background(), "event:e1")
			require.NoError(t, err)
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, m.locks, "entries are dropped once unused")
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	m := NewKeyedMutex()
	unlock, err := m.Lock(context.Background(), "k")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = m.Lock(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := m.Lock(context.Background(), "other")
	require.NoError(t, err)
	other()
	unlock()
	unlock()
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLocker(db, "bn", 5*time.Second)
	l.token = func() string { return "tok" }

	mock.ExpectSetNX("bn:lock:event:e1", "tok", 5*time.Second).SetVal(false)
	mock.ExpectSetNX("bn:lock:event:e1", "tok", 5*time.Second).SetVal(true)
	mock.ExpectEvalSha(releaseScript.Hash(), []string{"bn:lock:event:e1"}, "tok").SetVal(int64(1))

	unlock, err := l.Lock(context.Background(), eventKey("e1"))
	require.NoError(t, err)
	unlock()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLocker_Error(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLocker(db, "bn", time.Second)
	l.token = func() string { return "tok" }
	mock.ExpectSetNX("bn:lock:booking:b1", "tok", time.Second).SetErr(assert.AnError)

	_, err := l.Lock(context.Background(), bookingKey("b1"))
	assert.ErrorIs(t, err, assert.AnError)
}
