package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTTL caps how long a crashed holder can block a key.
const DefaultLockTTL = 2 * time.Minute

// unlockScript releases a lock only if the caller still owns it, so an
// expired-and-reacquired key is never deleted by the previous holder.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// Lock is a best-effort distributed lock over SET NX. It serializes
// scheduler jobs across replicas; correctness of the work itself does not
// depend on it, since checkpoints and inserts are idempotent.
type Lock struct {
	client *Client
	ttl    time.Duration
}

func NewLock(client *Client, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Lock{client: client, ttl: ttl}
}

// TryLock attempts to take the key for the configured TTL. It returns false
// when another holder has it, and on Redis errors it fails open: the
// in-process guard still prevents overlap within one replica.
func (l *Lock) TryLock(ctx context.Context, key string) (func(), bool) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, "setu:lock:"+key, token, l.ttl).Result()
	if err != nil {
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		_ = l.client.Eval(context.Background(), unlockScript, []string{"setu:lock:" + key}, token).Err()
	}, true
}
