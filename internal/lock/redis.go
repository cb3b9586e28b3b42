package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaultgrid/vaultgrid/internal/uid"
)

const (
	// redisLockExpiry bounds how long a crashed holder keeps an object locked.
	redisLockExpiry = 30 * time.Second

	// redisRenewalInterval must stay well below redisLockExpiry.
	redisRenewalInterval = 10 * time.Second

	redisRetryInterval = 50 * time.Millisecond
)

// acquireWriteScript takes the write key only when no reader holds the
// object. KEYS[1] write key, KEYS[2] reader set, ARGV[1] owner, ARGV[2] ttl ms.
const acquireWriteScript = `
if redis.call("exists", KEYS[2]) == 1 and redis.call("scard", KEYS[2]) > 0 then
    return 0
end
if redis.call("set", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
    return 1
end
return 0
`

// acquireReadScript joins the reader set only when no writer holds the
// object. KEYS[1] write key, KEYS[2] reader set, ARGV[1] owner, ARGV[2] ttl ms.
const acquireReadScript = `
if redis.call("exists", KEYS[1]) == 1 then
    return 0
end
redis.call("sadd", KEYS[2], ARGV[1])
redis.call("pexpire", KEYS[2], ARGV[2])
return 1
`

// releaseWriteScript deletes the write key if ARGV[1] still owns it.
const releaseWriteScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// renewWriteScript extends the write key if ARGV[1] still owns it.
const renewWriteScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

// renewReadScript extends the reader set while ARGV[1] is a member.
const renewReadScript = `
if redis.call("sismember", KEYS[1], ARGV[1]) == 1 then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

// RedisOptions configures NewRedisLocker.
type RedisOptions struct {
	Addrs    []string
	Password string
	DB       int
	// Prefix namespaces lock keys; defaults to "vaultgrid".
	Prefix string
}

// RedisLocker shares object locks between daemons through Redis. Each lock
// is held under a random owner token and kept alive by a renewal goroutine
// until released.
type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(ctx context.Context, opts RedisOptions) (*RedisLocker, error) {
	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("redis lock requires at least one address")
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    opts.Addrs,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return NewRedisLockerWithClient(rdb, opts.Prefix), nil
}

// NewRedisLockerWithClient wraps an existing client.
func NewRedisLockerWithClient(rdb redis.UniversalClient, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = "vaultgrid"
	}
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisLocker) Backend() string {
	return "redis"
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.rdb.Close()
}

func (l *RedisLocker) keys(logicalPath string) (writeKey, readKey string) {
	return fmt.Sprintf("%s:lock:write:%s", l.prefix, logicalPath),
		fmt.Sprintf("%s:lock:read:%s", l.prefix, logicalPath)
}

func (l *RedisLocker) Lock(ctx context.Context, logicalPath string, mode Mode) (*Handle, error) {
	start := time.Now()
	writeKey, readKey := l.keys(logicalPath)
	owner := uid.Token()

	script := acquireReadScript
	if mode == Write {
		script = acquireWriteScript
	}

	for {
		n, err := l.rdb.Eval(ctx, script, []string{writeKey, readKey}, owner, redisLockExpiry.Milliseconds()).Int()
		if err != nil {
			return nil, lockError(logicalPath, mode, err)
		}
		if n == 1 {
			break
		}
		select {
		case <-time.After(redisRetryInterval):
		case <-ctx.Done():
			return nil, lockError(logicalPath, mode, ctx.Err())
		}
	}
	observeWait(l.Backend(), start)

	renewCtx, cancel := context.WithCancel(context.Background())
	heldKey := writeKey
	if mode == Read {
		heldKey = readKey
	}
	go l.renew(renewCtx, heldKey, owner, mode)

	return newHandle(logicalPath, mode, func() error {
		cancel()
		if mode == Write {
			return l.rdb.Eval(context.Background(), releaseWriteScript, []string{writeKey}, owner).Err()
		}
		return l.rdb.SRem(context.Background(), readKey, owner).Err()
	}), nil
}

func (l *RedisLocker) renew(ctx context.Context, key, owner string, mode Mode) {
	ticker := time.NewTicker(redisRenewalInterval)
	defer ticker.Stop()

	script := renewReadScript
	if mode == Write {
		script = renewWriteScript
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.rdb.Eval(ctx, script, []string{key}, owner, redisLockExpiry.Milliseconds()).Int()
			if err != nil && ctx.Err() == nil {
				slog.Warn("Object lock renewal failed", "key", key, "error", err)
				return
			}
			if n == 0 && ctx.Err() == nil {
				slog.Warn("Object lock lost before release", "key", key)
				return
			}
		}
	}
}

var _ Locker = (*RedisLocker)(nil)
