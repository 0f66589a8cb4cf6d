package xredis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// needs a local redis; skipped otherwise
func newTestClient(t *testing.T) *Locker {
	t.Helper()
	rdb, err := NewRedis(context.Background(), &Config{Addr: "127.0.0.1:6379"})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return NewLocker(rdb, "test:lock:")
}

func TestDistLock_Exclusive(t *testing.T) {
	locker := newTestClient(t)
	ctx := context.Background()

	first := locker.New("order:1", 5*time.Second)
	second := locker.New("order:1", 5*time.Second)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire")

	released, err := second.Unlock(ctx)
	require.NoError(t, err)
	assert.False(t, released, "non-owner must not release")

	released, err = first.Unlock(ctx)
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = second.Lock(ctx, 3, 10*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)
	_, _ = second.Unlock(ctx)
}
