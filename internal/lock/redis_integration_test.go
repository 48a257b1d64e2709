//go:build integration

package lock_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-exercises/ref-core/internal/lock"
	pkgerrors "github.com/remote-exercises/ref-core/pkg/errors"
)

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx := context.Background()
	l, err := lock.NewRedisLocker(ctx, addr, lock.Options{RetryCount: 1, RetryDelay: 10 * time.Millisecond, TTL: 5 * time.Second})
	if err != nil {
		t.Skipf("redis not available: %s", err)
	}

	key := "ref:lock:test:" + t.Name()
	release, err := l.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, key)
	assert.ErrorIs(t, err, pkgerrors.ErrLockNotAcquired)

	release()
	again, err := l.Acquire(ctx, key)
	require.NoError(t, err)
	again()
}
