package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript moves the expiry of a lock the caller still owns. ARGV[2] is
// the new lockUntil and ARGV[3] the provider's now, both in Unix milliseconds.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	if tonumber(ARGV[2]) <= tonumber(ARGV[3]) then
		return redis.call("DEL", KEYS[1])
	end
	return redis.call("PEXPIREAT", KEYS[1], ARGV[2])
end
return 0
`

// redisClient is the subset of *redis.Client the store needs.
type redisClient interface {
	SetArgs(ctx context.Context, key string, value any, a redis.SetArgs) *redis.StatusCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStore keeps each lock as a key holding the owner token, expiring at
// lockUntil. Key expiry is what makes a lock free again.
type RedisStore struct {
	client redisClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore stores locks under prefix+name (e.g. "shedlock:report").
func NewRedisStore(client redisClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(name string) string { return s.prefix + name }

func (s *RedisStore) Acquire(ctx context.Context, name, owner string, now, until time.Time) (bool, error) {
	if !until.After(now) {
		return false, fmt.Errorf("lock %q: until %s is not after now %s", name, until, now)
	}
	// TTL is sent as PX, keeping millisecond precision.
	err := s.client.SetArgs(ctx, s.key(name), owner, redis.SetArgs{
		Mode: "NX",
		TTL:  until.Sub(now),
	}).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis SET NX: %w", err)
	}
	return true, nil
}

func (s *RedisStore) Release(ctx context.Context, name, owner string, now, until time.Time) error {
	err := s.client.Eval(ctx, releaseScript, []string{s.key(name)},
		owner, until.UnixMilli(), now.UnixMilli()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release script: %w", err)
	}
	return nil
}

// Ping checks connectivity for health probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
