// Package lock provides per-vehicle mutual exclusion. Every scheduler
// operation that reads or writes a vehicle's availability runs under the
// vehicle's lock, so check-then-commit is atomic per vehicle while distinct
// vehicles proceed in parallel.
package lock

import (
	"sync"

	"github.com/google/uuid"
)

// Keyed hands out one mutex per vehicle id. Idle entries are removed once
// the last holder releases.
type Keyed struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{locks: make(map[uuid.UUID]*keyedEntry)}
}

// Lock blocks until the vehicle's lock is held and returns the release
// function. Acquisition order across callers defines the effective order of
// admissions on the vehicle.
func (k *Keyed) Lock(vehicleID uuid.UUID) func() {
	k.mu.Lock()
	entry, ok := k.locks[vehicleID]
	if !ok {
		entry = &keyedEntry{}
		k.locks[vehicleID] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, vehicleID)
		}
		k.mu.Unlock()
	}
}
