package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var errBusy = errors.New("lock busy")

// RedisLocker is a best-effort distributed lock using SET NX with a TTL.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	wait   time.Duration
	logger *slog.Logger
}

// RedisOption configures a RedisLocker.
type RedisOption func(*RedisLocker)

// WithTTL sets how long a lock survives a crashed holder.
func WithTTL(d time.Duration) RedisOption { return func(l *RedisLocker) { l.ttl = d } }

// WithWait bounds how long Lock retries before giving up.
func WithWait(d time.Duration) RedisOption { return func(l *RedisLocker) { l.wait = d } }

// WithPrefix namespaces the lock keys.
func WithPrefix(p string) RedisOption { return func(l *RedisLocker) { l.prefix = p } }

func NewRedisLocker(client redis.Cmdable, logger *slog.Logger, opts ...RedisOption) *RedisLocker {
	if logger == nil {
		logger = slog.Default()
	}
	l := &RedisLocker{
		client: client,
		prefix: "payment-lock:",
		ttl:    30 * time.Second,
		wait:   10 * time.Second,
		logger: logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = l.wait

	err := backoff.Retry(func() error {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("redis setnx: %w", err))
		}
		if !ok {
			return errBusy
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if errors.Is(err, errBusy) || ctx.Err() != nil {
			return nil, errors.Join(ErrNotAcquired, err)
		}
		return nil, err
	}

	return func() {
		// release must outlive a cancelled request context
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(relCtx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.logger.Warn("failed to release lock", "key", redisKey, "error", err)
		}
	}, nil
}
