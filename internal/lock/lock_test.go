package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rcliao/support-memory/internal/logger"
)

func exerciseExclusion(t *testing.T, l Locker) {
	t.Helper()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), ThreadKey("T1"))
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

func TestLocalExclusion(t *testing.T) {
	l := NewLocal()
	exerciseExclusion(t, l)
	assert.Equal(t, 0, l.Len())
}

func TestLocalIndependentKeys(t *testing.T) {
	l := NewLocal()
	u1, err := l.Lock(context.Background(), ThreadKey("A"))
	require.NoError(t, err)
	u2, err := l.Lock(context.Background(), ThreadKey("B"))
	require.NoError(t, err)
	u1()
	u2()
	u2() // idempotent
	assert.Equal(t, 0, l.Len())
}

func TestLocalContextCancel(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), SourceKey("T1"))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, SourceKey("T1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func setupRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(fmt.Sprintf("redis://%s", mr.Addr()), time.Minute, logger.Nop())
	require.NoError(t, err)
	r.poll = time.Millisecond
	t.Cleanup(func() { _ = r.Close() })
	return r, mr
}

func TestRedisExclusion(t *testing.T) {
	r, _ := setupRedis(t)
	exerciseExclusion(t, r)
}

func TestRedisReleaseOnlyOwnToken(t *testing.T) {
	r, mr := setupRedis(t)
	unlock, err := r.Lock(context.Background(), RecordKey("R1"))
	require.NoError(t, err)

	key := "support-memory:lock:record:R1"
	require.True(t, mr.Exists(key))

	// Simulate expiry and takeover by another holder.
	mr.Del(key)
	require.NoError(t, mr.Set(key, "someone-else"))
	unlock()
	got, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisContextCancel(t *testing.T) {
	r, _ := setupRedis(t)
	unlock, err := r.Lock(context.Background(), ThreadKey("T1"))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Lock(ctx, ThreadKey("T1"))
	assert.Error(t, err)
}

func TestRedisReleaseFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	mr := miniredis.RunT(t)
	r, err := NewRedis(fmt.Sprintf("redis://%s", mr.Addr()), time.Minute, &logger.Logger{SugaredLogger: zap.New(core).Sugar()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	unlock, err := r.Lock(context.Background(), ThreadKey("T1"))
	require.NoError(t, err)
	mr.Close()
	unlock()

	entries := logs.FilterMessage("lock release failed, held until expiry").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "thread:T1", entries[0].ContextMap()["key"])
}
