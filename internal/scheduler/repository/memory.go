package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fleetsched/internal/scheduler/domain"
)

// MemoryRepository provides an in-memory implementation suitable for tests
// and single-instance deployments.
type MemoryRepository struct {
	mu          sync.RWMutex
	vehicles    map[uuid.UUID]domain.Vehicle
	bookings    map[uuid.UUID]domain.Booking
	memberships map[uuid.UUID][]domain.Membership
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		vehicles:    make(map[uuid.UUID]domain.Vehicle),
		bookings:    make(map[uuid.UUID]domain.Booking),
		memberships: make(map[uuid.UUID][]domain.Membership),
	}
}

func (m *MemoryRepository) LoadVehicle(_ context.Context, id uuid.UUID) (domain.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vehicle, ok := m.vehicles[id]
	if !ok {
		return domain.Vehicle{}, domain.ErrNotFound
	}
	return vehicle, nil
}

func (m *MemoryRepository) SaveVehicle(_ context.Context, vehicle domain.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[vehicle.ID] = vehicle
	return nil
}

func (m *MemoryRepository) LoadBooking(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, domain.ErrNotFound
	}
	return booking, nil
}

// ListBookingsForVehicle returns bookings intersecting [from, to) ordered by
// start time. Zero bounds mean unbounded on that side.
func (m *MemoryRepository) ListBookingsForVehicle(_ context.Context, vehicleID uuid.UUID, from, to time.Time) ([]domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Booking
	for _, b := range m.bookings {
		if b.VehicleID != vehicleID {
			continue
		}
		if !from.IsZero() && !from.Before(b.End) {
			continue
		}
		if !to.IsZero() && !b.Start.Before(to) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Start.Before(out[b].Start) })
	return out, nil
}

// SaveBooking inserts or replaces the booking, performing optimistic
// version bumping on updates.
func (m *MemoryRepository) SaveBooking(_ context.Context, booking domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.bookings[booking.ID]; ok {
		booking.Version = existing.Version + 1
	} else if booking.Version == 0 {
		booking.Version = 1
	}
	m.bookings[booking.ID] = booking
	return booking, nil
}

// SaveMembership inserts or replaces the (booking, rider) membership.
func (m *MemoryRepository) SaveMembership(_ context.Context, membership domain.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.memberships[membership.BookingID]
	for idx, existing := range list {
		if existing.RiderID == membership.RiderID {
			list[idx] = membership
			return nil
		}
	}
	m.memberships[membership.BookingID] = append(list, membership)
	return nil
}

func (m *MemoryRepository) ListMemberships(_ context.Context, bookingID uuid.UUID) ([]domain.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Membership(nil), m.memberships[bookingID]...), nil
}
