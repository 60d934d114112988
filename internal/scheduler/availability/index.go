// Package availability maintains the per-vehicle committed-interval cache the
// conflict detector reads. The repository stays the source of truth; entries
// here are rebuilt from it on first access and after any write that could not
// be confirmed.
package availability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fleetsched/internal/scheduler/domain"
)

// Entry is one committed booking interval on a vehicle.
type Entry struct {
	BookingID uuid.UUID
	Start     time.Time
	End       time.Time
	Mode      domain.BookingMode
	Occupancy int
	Status    domain.BookingStatus
}

// Overlaps reports half-open intersection with [from, to).
func (e Entry) Overlaps(from, to time.Time) bool {
	return e.Start.Before(to) && from.Before(e.End)
}

// Index caches committed booking intervals per vehicle, ordered by start
// time. Bookings in pending, approved or in_progress status hold their
// interval; terminal bookings are dropped on the next Apply.
type Index struct {
	repo domain.Repository

	mu       sync.RWMutex
	vehicles map[uuid.UUID][]Entry
}

func NewIndex(repo domain.Repository) *Index {
	return &Index{repo: repo, vehicles: make(map[uuid.UUID][]Entry)}
}

// IntervalsFor returns the committed entries intersecting [from, to) on the
// vehicle, ordered by start time. The vehicle's entry list is rebuilt from
// the repository if it is not cached.
func (i *Index) IntervalsFor(ctx context.Context, vehicleID uuid.UUID, from, to time.Time) ([]Entry, error) {
	i.mu.RLock()
	entries, ok := i.vehicles[vehicleID]
	i.mu.RUnlock()
	if !ok {
		var err error
		entries, err = i.Rebuild(ctx, vehicleID)
		if err != nil {
			return nil, err
		}
	}

	var out []Entry
	for _, e := range entries {
		if e.Overlaps(from, to) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Rebuild replaces the vehicle's cached entries from repository state.
func (i *Index) Rebuild(ctx context.Context, vehicleID uuid.UUID) ([]Entry, error) {
	bookings, err := i.repo.ListBookingsForVehicle(ctx, vehicleID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(bookings))
	for _, b := range bookings {
		if !b.Status.Committed() {
			continue
		}
		entries = append(entries, entryFromBooking(b))
	}
	sortEntries(entries)

	i.mu.Lock()
	i.vehicles[vehicleID] = entries
	i.mu.Unlock()
	return entries, nil
}

// Apply updates the cached entry for the booking: committed bookings are
// inserted or replaced, terminal ones removed. A vehicle that has never been
// loaded is left alone; its first read rebuilds anyway.
func (i *Index) Apply(booking domain.Booking) {
	i.mu.Lock()
	defer i.mu.Unlock()

	entries, ok := i.vehicles[booking.VehicleID]
	if !ok {
		return
	}
	// Readers iterate entry slices outside the lock, so compacting must not
	// touch the old backing array.
	filtered := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.BookingID != booking.ID {
			filtered = append(filtered, e)
		}
	}
	if booking.Status.Committed() {
		filtered = append(filtered, entryFromBooking(booking))
		sortEntries(filtered)
	}
	i.vehicles[booking.VehicleID] = filtered
}

// Invalidate drops the vehicle's cached entries so the next read rebuilds
// from the repository. Called when a write could not be confirmed.
func (i *Index) Invalidate(vehicleID uuid.UUID) {
	i.mu.Lock()
	delete(i.vehicles, vehicleID)
	i.mu.Unlock()
}

func entryFromBooking(b domain.Booking) Entry {
	return Entry{
		BookingID: b.ID,
		Start:     b.Start,
		End:       b.End,
		Mode:      b.Mode,
		Occupancy: b.Occupancy,
		Status:    b.Status,
	}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].Start.Equal(entries[b].Start) {
			return entries[a].End.Before(entries[b].End)
		}
		return entries[a].Start.Before(entries[b].Start)
	})
}
