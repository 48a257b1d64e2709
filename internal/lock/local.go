package lock

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type localLocker struct {
	mu     sync.Mutex
	held   map[string]struct{}
	opts   Options
	logger *zap.SugaredLogger
}

// NewLocalLocker returns a keyed mutex. Waiters poll with the configured retry
// policy instead of queueing.
func NewLocalLocker(opts Options) Locker {
	return &localLocker{
		held:   make(map[string]struct{}),
		opts:   opts,
		logger: newLogger(),
	}
}

func (l *localLocker) Acquire(ctx context.Context, key string) (Release, error) {
	err := retry(ctx, l.logger, key, l.opts, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, busy := l.held[key]; busy {
			return false, nil
		}
		l.held[key] = struct{}{}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
