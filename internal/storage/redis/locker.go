package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"serialhub/internal/infrastructure"
)

const (
	DefaultLockTTL   = 10 * time.Second
	minRetryInterval = 5 * time.Millisecond
	maxRetryInterval = 100 * time.Millisecond
)

// Only the holder's token may release or extend a lease.
var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker is a lease lock shared by every instance using the same Redis.
// Held leases are extended in the background until released.
type Locker struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewLocker(client *goredis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{
		client: client,
		prefix: prefix + "lock:",
		ttl:    ttl,
		logger: infrastructure.WithComponent(logger, "redis_locker"),
	}
}

// Lock polls SET NX until it wins or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	unlock, _, err := l.LockWithLease(ctx, key)
	return unlock, err
}

// LockWithLease is Lock that also reports lease loss: lost is closed when
// the lease could not be extended before it lapsed (another holder took it,
// or Redis stayed unreachable for a full TTL). A holder that sees lost must
// stop its critical section.
func (l *Locker) LockWithLease(ctx context.Context, key string) (func(), <-chan struct{}, error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	wait := minRetryInterval

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			return nil, nil, fmt.Errorf("acquire lease %s: %w", key, err)
		}
		if ok {
			unlock, lost := l.hold(redisKey, token)
			return unlock, lost, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-timer.C:
		}
		wait = min(wait*2, maxRetryInterval)
	}
}

func (l *Locker) hold(redisKey, token string) (func(), <-chan struct{}) {
	stop := make(chan struct{})
	done := make(chan struct{})
	lost := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 3)
		defer ticker.Stop()
		extended := time.Now()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
				n, err := extendScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
				cancel()
				if err == nil && n == 1 {
					extended = time.Now()
					continue
				}
				gone := err == nil || time.Since(extended) >= l.ttl
				l.logger.Warn("lease extension failed",
					slog.String("key", redisKey),
					slog.Bool("lost", gone),
					slog.Any("error", err),
				)
				if gone {
					close(lost)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
				l.logger.Warn("lease release failed",
					slog.String("key", redisKey),
					slog.String("error", err.Error()),
				)
			}
		})
	}, lost
}
