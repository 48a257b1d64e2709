// Package lock serializes lifecycle operations per user and per instance.
package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/remote-exercises/ref-core/internal/config"
	"github.com/remote-exercises/ref-core/internal/logger"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

// Release gives a held lock back.
type Release func()

type Locker interface {
	// Acquire takes key, retrying on contention. It fails with
	// ErrLockNotAcquired once the retries are used up.
	Acquire(ctx context.Context, key string) (Release, error)
}

type Options struct {
	RetryCount int
	RetryDelay time.Duration
	// TTL bounds how long a distributed lock survives a crashed holder.
	TTL time.Duration
}

func UserKey(userID int64) string {
	return "ref:lock:user:" + strconv.FormatInt(userID, 10)
}

func InstanceKey(instanceID int64) string {
	return "ref:lock:instance:" + strconv.FormatInt(instanceID, 10)
}

// NewFromConfig returns a Redis backed Locker when an address is configured,
// otherwise one that only works inside this process.
func NewFromConfig(ctx context.Context, cfg config.LockConfig) (Locker, error) {
	opts := Options{RetryCount: cfg.RetryCount, RetryDelay: cfg.RetryDelay, TTL: cfg.TTL}
	if cfg.RedisAddr == "" {
		return NewLocalLocker(opts), nil
	}
	return NewRedisLocker(ctx, cfg.RedisAddr, opts)
}

// retry calls try until it reports success, the retries are exhausted or ctx
// is done.
func retry(ctx context.Context, log *zap.SugaredLogger, key string, opts Options, try func() (bool, error)) error {
	for attempt := 0; ; attempt++ {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt >= opts.RetryCount {
			log.Warnf("Giving up on lock [Key: %s] after %d attempts", key, attempt+1)
			return fmt.Errorf("%w: %s", pkgerrors.ErrLockNotAcquired, key)
		}
		log.Debugf("Lock busy [Key: %s], retry in %s (%d of %d)", key, opts.RetryDelay, attempt+1, opts.RetryCount)

		timer := time.NewTimer(opts.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func newLogger() *zap.SugaredLogger {
	return logger.NewNamedLogger("lock")
}
