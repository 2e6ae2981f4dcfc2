package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisTTL bounds how long a crashed holder blocks a source.
	DefaultRedisTTL = 2 * time.Minute

	// DefaultRedisPoll is the wait between acquisition attempts.
	DefaultRedisPoll = 100 * time.Millisecond

	redisKeyPrefix = "vitalkb:lock:"
)

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// renewScript extends the key's TTL only if it still holds our token.
const renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

// RedisClient is the subset of go-redis the locker needs. *goredis.Client
// and *goredis.ClusterClient satisfy it.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *goredis.Cmd
}

// RedisLocker locks sources across hosts with SET NX PX and a token-checked
// release. While a lock is held its TTL is renewed every ttl/3, so the TTL
// only bounds how long a crashed holder blocks the source.
type RedisLocker struct {
	client RedisClient
	ttl    time.Duration
	poll   time.Duration
}

var _ SourceLocker = (*RedisLocker)(nil)

// NewRedisLocker creates a RedisLocker. ttl <= 0 uses DefaultRedisTTL.
func NewRedisLocker(client RedisClient, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultRedisTTL
	}
	return &RedisLocker{client: client, ttl: ttl, poll: DefaultRedisPoll}
}

// NewRedisClient connects to addr and pings it.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Lock polls SET NX until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisKeyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, lockFailed(key, ctxErr)
			}
			return nil, lockFailed(key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, lockFailed(key, ctx.Err())
		case <-timer.C:
		}
	}

	lease := &redisLease{
		client: l.client,
		key:    redisKey,
		token:  token,
		ttl:    l.ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lease.keepAlive()

	var once sync.Once
	return func() {
		once.Do(lease.release)
	}, nil
}

// redisLease renews one held lock until it is released.
type redisLease struct {
	client RedisClient
	key    string
	token  string
	ttl    time.Duration
	stop   chan struct{}
	done   chan struct{}
}

func (r *redisLease) keepAlive() {
	defer close(r.done)

	ticker := time.NewTicker(max(r.ttl/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3+time.Second)
		n, err := r.client.Eval(ctx, renewScript, []string{r.key}, r.token, r.ttl.Milliseconds()).Int64()
		cancel()
		if err != nil {
			slog.Warn("redis_lock_renew_failed",
				slog.String("key", r.key),
				slog.String("error", err.Error()))
			continue
		}
		if n == 0 {
			slog.Error("redis_lock_lost",
				slog.String("key", r.key),
				slog.Duration("ttl", r.ttl))
			return
		}
	}
}

func (r *redisLease) release() {
	close(r.stop)
	<-r.done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.client.Eval(ctx, releaseScript, []string{r.key}, r.token).Err()
	if err != nil && !errors.Is(err, goredis.Nil) {
		slog.Warn("redis_unlock_failed",
			slog.String("key", r.key),
			slog.String("error", err.Error()))
	}
}
