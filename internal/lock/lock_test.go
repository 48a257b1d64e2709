package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-exercises/ref-core/internal/lock"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

func TestLocalLockerExcludes(t *testing.T) {
	l := lock.NewLocalLocker(lock.Options{RetryCount: 1000, RetryDelay: time.Millisecond})

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background(), lock.InstanceKey(1))
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocalLockerGivesUp(t *testing.T) {
	l := lock.NewLocalLocker(lock.Options{RetryCount: 2, RetryDelay: time.Millisecond})

	release, err := l.Acquire(context.Background(), lock.UserKey(3))
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(context.Background(), lock.UserKey(3))
	assert.ErrorIs(t, err, pkgerrors.ErrLockNotAcquired)

	other, err := l.Acquire(context.Background(), lock.UserKey(4))
	require.NoError(t, err)
	other()
}

func TestLocalLockerReleaseIsIdempotent(t *testing.T) {
	l := lock.NewLocalLocker(lock.Options{RetryCount: 0})

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	release()
	release()

	again, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	again()
}

func TestLocalLockerHonoursContext(t *testing.T) {
	l := lock.NewLocalLocker(lock.Options{RetryCount: 100, RetryDelay: time.Second})

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "ref:lock:user:5", lock.UserKey(5))
	assert.Equal(t, "ref:lock:instance:5", lock.InstanceKey(5))
}
