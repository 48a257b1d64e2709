package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/pkg/constants"
)

// releaseScript deletes the key only while it still carries our token, so an
// expired lock that someone else took over is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisLocker struct {
	client *redis.Client
	opts   Options
	logger *zap.SugaredLogger
}

func NewRedisLocker(ctx context.Context, addr string, opts Options) (Locker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return NewRedisLockerWithClient(client, opts), nil
}

func NewRedisLockerWithClient(client *redis.Client, opts Options) Locker {
	log := newLogger()
	log.Infof("Using redis locks [Addr: %s, TTL: %s]", client.Options().Addr, opts.TTL)
	return &redisLocker{client: client, opts: opts, logger: log}
}

func (l *redisLocker) Acquire(ctx context.Context, key string) (Release, error) {
	token := uuid.NewString()
	err := retry(ctx, l.logger, key, l.opts, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, key, token, l.opts.TTL).Result()
		if err != nil {
			return false, fmt.Errorf("failed to take lock %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), constants.CleanupTimeout)
			defer cancel()
			if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Errorf("Failed to release lock [Key: %s]: %s", key, err)
			}
		})
	}, nil
}
