package lock

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
)

// assertExclusive runs n goroutines that each take key and checks that no
// two ever hold it together.
func assertExclusive(t *testing.T, l SourceLocker, key string, n int) {
	t.Helper()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			cur := inside.Add(1)
			for {
				prev := maxInside.Load()
				if cur <= prev || maxInside.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside.Load())
}

// ============================================================================
// KeyedMutex
// ============================================================================

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	assertExclusive(t, k, "source-1", 8)
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	// Given: source-1 is held
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "source-1")
	require.NoError(t, err)
	defer unlock()

	// When: source-2 is requested with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlock2, err := k.Lock(ctx, "source-2")

	// Then: it is granted immediately
	require.NoError(t, err)
	unlock2()
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "source-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "source-1")

	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeLockFailed, kberrors.GetCode(err))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	unlock()
	assert.Equal(t, 0, k.Len())
}

func TestKeyedMutex_UnlockTwiceIsSafe(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)

	unlock()
	unlock()

	unlock, err = k.Lock(context.Background(), "a")
	require.NoError(t, err)
	unlock()
}

// ============================================================================
// FileLocker
// ============================================================================

func TestFileLocker_CreatesLockFile(t *testing.T) {
	dir := t.TempDir() + "/locks"
	l := NewFileLocker(dir)

	unlock, err := l.Lock(context.Background(), "source/1")
	require.NoError(t, err)
	defer unlock()

	_, err = os.Stat(l.Path("source/1"))
	assert.NoError(t, err)
	assert.False(t, strings.Contains(l.Path("source/1")[len(dir)+1:], "/"))
}

func TestFileLocker_SecondHolderWaits(t *testing.T) {
	// Given: two lockers sharing a directory, the first holding the key
	dir := t.TempDir()
	a := NewFileLocker(dir)
	b := NewFileLocker(dir)
	b.retryDelay = 5 * time.Millisecond

	unlock, err := a.Lock(context.Background(), "source-1")
	require.NoError(t, err)

	// When: the second asks with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = b.Lock(ctx, "source-1")

	// Then: it times out, and succeeds once the first releases
	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeLockFailed, kberrors.GetCode(err))

	unlock()
	unlock2, err := b.Lock(context.Background(), "source-1")
	require.NoError(t, err)
	unlock2()
	unlock2()
}

// ============================================================================
// RedisLocker
// ============================================================================

// fakeRedis implements RedisClient over a map.
type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	setErr   error
	evals    int
	renewals int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return goredis.NewBoolResult(false, f.setErr)
	}
	if _, ok := f.values[key]; ok {
		return goredis.NewBoolResult(false, nil)
	}
	f.values[key] = value.(string)
	f.ttls[key] = expiration
	return goredis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if script == renewScript {
		if f.values[keys[0]] != args[0].(string) {
			return goredis.NewCmdResult(int64(0), nil)
		}
		f.renewals++
		f.ttls[keys[0]] = time.Duration(args[1].(int64)) * time.Millisecond
		return goredis.NewCmdResult(int64(1), nil)
	}
	f.evals++
	if f.values[keys[0]] == args[0].(string) {
		delete(f.values, keys[0])
		return goredis.NewCmdResult(int64(1), nil)
	}
	return goredis.NewCmdResult(int64(0), nil)
}

func (f *fakeRedis) get(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	// Given: an empty store
	rdb := newFakeRedis()
	l := NewRedisLocker(rdb, 0)

	// When: a source is locked
	unlock, err := l.Lock(context.Background(), "source-1")
	require.NoError(t, err)

	// Then: the key holds a token with the default TTL, and unlock removes it
	_, held := rdb.get("vitalkb:lock:source-1")
	assert.True(t, held)
	assert.Equal(t, DefaultRedisTTL, rdb.ttls["vitalkb:lock:source-1"])

	unlock()
	unlock()
	_, held = rdb.get("vitalkb:lock:source-1")
	assert.False(t, held)
	assert.Equal(t, 1, rdb.evals)
}

func TestRedisLocker_ReleaseKeepsForeignToken(t *testing.T) {
	// Given: our lock expired and another holder took the key
	rdb := newFakeRedis()
	l := NewRedisLocker(rdb, time.Second)
	unlock, err := l.Lock(context.Background(), "source-1")
	require.NoError(t, err)

	rdb.mu.Lock()
	rdb.values["vitalkb:lock:source-1"] = "someone-else"
	rdb.mu.Unlock()

	// When: we release
	unlock()

	// Then: the other holder's key survives
	v, held := rdb.get("vitalkb:lock:source-1")
	assert.True(t, held)
	assert.Equal(t, "someone-else", v)
}

func TestRedisLocker_WaitsForHolder(t *testing.T) {
	rdb := newFakeRedis()
	l := NewRedisLocker(rdb, time.Second)
	l.poll = 2 * time.Millisecond
	assertExclusive(t, l, "source-1", 4)
}

func TestRedisLocker_ContextCancelled(t *testing.T) {
	rdb := newFakeRedis()
	l := NewRedisLocker(rdb, time.Second)
	l.poll = 5 * time.Millisecond
	_, err := l.Lock(context.Background(), "source-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "source-1")

	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeLockFailed, kberrors.GetCode(err))
}

func TestRedisLocker_ClientError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.setErr = errors.New("connection refused")
	l := NewRedisLocker(rdb, time.Second)

	_, err := l.Lock(context.Background(), "source-1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func (f *fakeRedis) renewCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.renewals
}

func TestRedisLocker_RenewsLeaseWhileHeld(t *testing.T) {
	// Given: a short lease
	rdb := newFakeRedis()
	l := NewRedisLocker(rdb, 30*time.Millisecond)
	unlock, err := l.Lock(context.Background(), "source-1")
	require.NoError(t, err)

	// When: the holder keeps working past several TTLs
	require.Eventually(t, func() bool { return rdb.renewCount() >= 3 }, time.Second, 5*time.Millisecond)

	// Then: the key is still ours, and renewal stops once released
	_, held := rdb.get("vitalkb:lock:source-1")
	assert.True(t, held)

	unlock()
	after := rdb.renewCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, rdb.renewCount())
	_, held = rdb.get("vitalkb:lock:source-1")
	assert.False(t, held)
}

func TestRedisLocker_StopsRenewingLostLease(t *testing.T) {
	// Given: a held lease taken over by another holder
	rdb := newFakeRedis()
	l := NewRedisLocker(rdb, 30*time.Millisecond)
	unlock, err := l.Lock(context.Background(), "source-1")
	require.NoError(t, err)

	rdb.mu.Lock()
	rdb.values["vitalkb:lock:source-1"] = "someone-else"
	rdb.ttls["vitalkb:lock:source-1"] = time.Minute
	rdb.mu.Unlock()

	// When: renewal runs
	time.Sleep(50 * time.Millisecond)

	// Then: the other holder's TTL is untouched and release keeps their key
	rdb.mu.Lock()
	assert.Equal(t, time.Minute, rdb.ttls["vitalkb:lock:source-1"])
	rdb.mu.Unlock()

	unlock()
	v, held := rdb.get("vitalkb:lock:source-1")
	assert.True(t, held)
	assert.Equal(t, "someone-else", v)
}
