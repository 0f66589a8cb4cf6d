package xredis

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS[1] lock key, ARGV[1] owner token
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// Locker hands out token-owned locks on a shared client.
type Locker struct {
	client *redis.Client
	prefix string
}

func NewLocker(client *redis.Client, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// New returns an unacquired lock for key.
func (l *Locker) New(key string, ttl time.Duration) *DistLock {
	return NewDistLock(l.client, l.prefix+key, ttl)
}

type DistLock struct {
	client     *redis.Client
	key        string
	token      string
	expiration time.Duration
}

func NewDistLock(client *redis.Client, key string, expiration time.Duration) *DistLock {
	return &DistLock{
		client:     client,
		key:        key,
		token:      uuid.New().String(),
		expiration: expiration,
	}
}

func (l *DistLock) Key() string { return l.key }

// TryLock makes one SET NX attempt.
func (l *DistLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
}

// Lock spins up to retryTimes with jittered sleeps.
func (l *DistLock) Lock(ctx context.Context, retryTimes int, retryInterval time.Duration) (bool, error) {
	for i := 0; i < retryTimes; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		sleep := retryInterval + time.Duration(rand.IntN(10))*time.Millisecond
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return false, nil
}

// Unlock deletes the key only if this lock still owns it.
func (l *DistLock) Unlock(ctx context.Context) (bool, error) {
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}
