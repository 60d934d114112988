package lock_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/fleetsched/internal/scheduler/lock"
)

func TestKeyedSerializesSameVehicle(t *testing.T) {
	locks := lock.NewKeyed()
	vehicleID := uuid.New()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := locks.Lock(vehicleID)
			defer release()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
}

func TestKeyedDistinctVehiclesDoNotBlock(t *testing.T) {
	locks := lock.NewKeyed()

	releaseA := locks.Lock(uuid.New())
	defer releaseA()

	done := make(chan struct{})
	go func() {
		release := locks.Lock(uuid.New())
		release()
		close(done)
	}()
	<-done
}

func TestKeyedReleaseAllowsReacquire(t *testing.T) {
	locks := lock.NewKeyed()
	vehicleID := uuid.New()

	release := locks.Lock(vehicleID)
	release()

	again := locks.Lock(vehicleID)
	again()
}
