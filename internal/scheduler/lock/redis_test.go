package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/fleetsched/internal/scheduler/lock"
)

func newRedisClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return client, cleanup
}

func TestRedisLeaseTryAcquireAndRelease(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	lease := lock.NewRedisLease(client, "")
	ctx := context.Background()
	vehicleID := uuid.New()

	held, err := lease.TryAcquire(ctx, vehicleID, "owner-a", time.Second)
	require.NoError(t, err)
	require.True(t, held)

	held, err = lease.TryAcquire(ctx, vehicleID, "owner-b", time.Second)
	require.NoError(t, err)
	require.False(t, held)

	require.NoError(t, lease.Release(ctx, vehicleID, "owner-a"))

	held, err = lease.TryAcquire(ctx, vehicleID, "owner-b", time.Second)
	require.NoError(t, err)
	require.True(t, held)
}

func TestRedisLeaseReleaseByNonOwnerLeavesLease(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	lease := lock.NewRedisLease(client, "")
	ctx := context.Background()
	vehicleID := uuid.New()

	held, err := lease.TryAcquire(ctx, vehicleID, "owner-a", time.Second)
	require.NoError(t, err)
	require.True(t, held)

	// a stale holder must not clobber the current owner's lease
	require.NoError(t, lease.Release(ctx, vehicleID, "owner-b"))

	held, err = lease.TryAcquire(ctx, vehicleID, "owner-c", time.Second)
	require.NoError(t, err)
	require.False(t, held)
}

func TestRedisLeaseAcquireWaitsForRelease(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	lease := lock.NewRedisLease(client, "")
	ctx := context.Background()
	vehicleID := uuid.New()

	held, err := lease.TryAcquire(ctx, vehicleID, "owner-a", time.Second)
	require.NoError(t, err)
	require.True(t, held)

	done := make(chan error, 1)
	go func() {
		done <- lease.Acquire(ctx, vehicleID, "owner-b", time.Second, 10*time.Millisecond)
	}()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, lease.Release(ctx, vehicleID, "owner-a"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not complete after release")
	}
}

func TestRedisLeaseAcquireRespectsContext(t *testing.T) {
	client, cleanup := newRedisClient(t)
	defer cleanup()

	lease := lock.NewRedisLease(client, "")
	vehicleID := uuid.New()

	held, err := lease.TryAcquire(context.Background(), vehicleID, "owner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = lease.Acquire(ctx, vehicleID, "owner-b", time.Minute, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
