// Package lock provides a Redis-backed advisory lock that keeps two
// pipeline runs from overlapping across processes. The lock is best effort;
// the store's per-day render claims stay authoritative.
package lock

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// unlock deletes the key only while we still hold it, so an expired lock
// taken over by another process is never released from here.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

type RunLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func New(client *redis.Client, key string, ttl time.Duration) *RunLock {
	if key == "" {
		key = "content-bot:run-lock"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RunLock{client: client, key: key, ttl: ttl}
}

// TryLock attempts to take the lock without blocking. When taken, the
// returned release func frees it; release uses its own short deadline so a
// canceled run context cannot leak the lock.
func (l *RunLock) TryLock(ctx context.Context) (func(), bool, error) {
	token := ulid.Make().String()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = unlockScript.Run(rctx, l.client, []string{l.key}, token).Err()
	}
	return release, true, nil
}
