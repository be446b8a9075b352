package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces lock keys when the redis database is shared.
const redisKeyPrefix = "mailrice:lock:"

// ownerScript deletes KEYS[1], or resets its expiry to ARGV[2] ms when
// given, as long as it still stores the token ARGV[1].
var ownerScript = redis.NewScript(`
if redis.call("get", KEYS[1]) ~= ARGV[1] then
	return 0
end
if ARGV[2] == "" then
	return redis.call("del", KEYS[1])
end
return redis.call("pexpire", KEYS[1], ARGV[2])
`)

// errLockLost reports a Refresh on a lock whose key expired or changed hands.
var errLockLost = errors.New("distlock: redis lock no longer held")

// RedisLock is a SET NX PX lease shared by every mailrice process that
// talks to the same redis. Each Acquire stores a new random token so a
// holder whose lease ran out cannot release or refresh a successor's lease.
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	token  string
}

// NewRedisLock returns a lease on key that expires ttl after the last
// Acquire or Refresh.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	return &RedisLock{client: client, key: redisKeyPrefix + key, ttl: ttl}
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token, err := newToken()
	if err != nil {
		return false, err
	}
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("distlock: redis set %s: %w", l.key, err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release drops the lease if this instance still holds it. Releasing a
// lease that was never taken, or already lost, does nothing.
func (l *RedisLock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	if err := ownerScript.Run(ctx, l.client, []string{l.key}, l.token, "").Err(); err != nil {
		return fmt.Errorf("distlock: redis release %s: %w", l.key, err)
	}
	l.token = ""
	return nil
}

// Refresh pushes the expiry out by another ttl.
func (l *RedisLock) Refresh(ctx context.Context) error {
	if l.token == "" {
		return errLockLost
	}
	n, err := ownerScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("distlock: redis refresh %s: %w", l.key, err)
	}
	if n == 0 {
		return errLockLost
	}
	return nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("distlock: lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
