package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// A Redis lock: SET key value NX PX ttl to acquire, compare-and-delete in
// Lua to release so a holder whose lease expired cannot drop a newer
// holder's lock.

var ErrLockFailed = errors.New("could not acquire distributed lock")

const releaseScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock attempts the lock once.
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

// Lock retries TryLock every retryInterval up to maxRetries times.
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return ErrLockFailed
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	_, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.value).Result()
	return err
}

// BatchLocker serialises pipeline stages on one batch across workers. It
// narrows the window in which two workers race on the same batch; the
// unique indexes remain the correctness backstop.
type BatchLocker struct {
	client        *redis.Client
	ttl           time.Duration
	retryInterval time.Duration
	maxRetries    int
}

func NewBatchLocker(client *redis.Client, ttl time.Duration) *BatchLocker {
	return &BatchLocker{
		client:        client,
		ttl:           ttl,
		retryInterval: 100 * time.Millisecond,
		maxRetries:    30,
	}
}

func BatchLockKey(batchID int64) string {
	return fmt.Sprintf("export:lock:batch:%d", batchID)
}

// LockBatch blocks until the batch lock is held and returns its release.
func (b *BatchLocker) LockBatch(ctx context.Context, batchID int64, owner string) (func(), error) {
	l := NewDistributedLock(b.client, BatchLockKey(batchID), owner, b.ttl)
	if err := l.Lock(ctx, b.retryInterval, b.maxRetries); err != nil {
		return nil, err
	}
	return func() {
		// release on a fresh context; the caller's may already be cancelled
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Unlock(ctx)
	}, nil
}
