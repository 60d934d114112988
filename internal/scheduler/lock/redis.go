package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLeasePrefix = "lease:vehicle:"

// RedisLease serializes vehicle operations across scheduler instances using
// Redis SET NX semantics. A TTL is attached to every lease so a crashed
// holder cannot wedge the vehicle.
type RedisLease struct {
	client    redis.Cmdable
	keyPrefix string
}

func NewRedisLease(client redis.Cmdable, prefix string) *RedisLease {
	if prefix == "" {
		prefix = defaultLeasePrefix
	}
	return &RedisLease{client: client, keyPrefix: prefix}
}

// TryAcquire attempts to take the vehicle lease for the owner token.
func (r *RedisLease) TryAcquire(ctx context.Context, vehicleID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	key := r.keyPrefix + vehicleID.String()
	ok, err := r.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Acquire polls TryAcquire until the lease is held or the context ends.
func (r *RedisLease) Acquire(ctx context.Context, vehicleID uuid.UUID, owner string, ttl, retryEvery time.Duration) error {
	if retryEvery <= 0 {
		retryEvery = 50 * time.Millisecond
	}
	for {
		ok, err := r.TryAcquire(ctx, vehicleID, owner, ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-time.After(retryEvery):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release drops the lease if it is still held by the owner. A lease that
// expired and was re-acquired by another instance is left untouched.
func (r *RedisLease) Release(ctx context.Context, vehicleID uuid.UUID, owner string) error {
	key := r.keyPrefix + vehicleID.String()
	if err := releaseScript.Run(ctx, r.client, []string{key}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
