package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type BookingStatus string

const (
	StatusPending    BookingStatus = "pending"
	StatusApproved   BookingStatus = "approved"
	StatusInProgress BookingStatus = "in_progress"
	StatusCompleted  BookingStatus = "completed"
	StatusRejected   BookingStatus = "rejected"
	StatusCancelled  BookingStatus = "cancelled"
)

type BookingMode string

const (
	ModeExclusive BookingMode = "exclusive"
	ModeShared    BookingMode = "shared"
)

// Scheduler error kinds. Conflict and validation failures are returned as-is
// to the immediate caller; ErrStorage wraps repository failures and is the
// only kind callers should treat as retryable.
var (
	ErrInvalidInterval    = errors.New("end must be after start")
	ErrVehicleUnavailable = errors.New("vehicle not available for booking")
	ErrExclusiveConflict  = errors.New("interval conflicts with an exclusive booking")
	ErrCapacityExceeded   = errors.New("vehicle capacity exceeded")
	ErrInvalidTransition  = errors.New("invalid booking state transition")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("actor lacks required capability")
	ErrStorage            = errors.New("storage failure")
)

var allowedTransitions = map[BookingStatus][]BookingStatus{
	StatusPending:    {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are permitted.
func (s BookingStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// Committed reports whether the booking holds its interval against other
// bookings. Pending bookings hold their interval from admission so that a
// concurrent identical request is refused rather than double-admitted.
func (s BookingStatus) Committed() bool {
	switch s {
	case StatusPending, StatusApproved, StatusInProgress:
		return true
	default:
		return false
	}
}

type AdminStatus string

const (
	AdminAvailable   AdminStatus = "available"
	AdminMaintenance AdminStatus = "maintenance"
	AdminUnavailable AdminStatus = "unavailable"
)

// VehicleStatus is the externally visible status. available/in_use are
// derived from bookings at query time; maintenance/unavailable are the
// administrative overrides carried on the vehicle record.
type VehicleStatus string

const (
	VehicleAvailable   VehicleStatus = "available"
	VehicleInUse       VehicleStatus = "in_use"
	VehicleMaintenance VehicleStatus = "maintenance"
	VehicleUnavailable VehicleStatus = "unavailable"
)

type Vehicle struct {
	ID          uuid.UUID
	Capacity    int
	AdminStatus AdminStatus
}

// Bookable reports whether new bookings may be requested for the vehicle.
func (v Vehicle) Bookable() bool {
	return v.AdminStatus == AdminAvailable
}

// EffectiveStatus derives the visible status from the admin flag and whether
// an approved or in-progress booking overlaps the given instant.
func (v Vehicle) EffectiveStatus(activeNow bool) VehicleStatus {
	switch v.AdminStatus {
	case AdminMaintenance:
		return VehicleMaintenance
	case AdminUnavailable:
		return VehicleUnavailable
	}
	if activeNow {
		return VehicleInUse
	}
	return VehicleAvailable
}

type Booking struct {
	ID          uuid.UUID
	VehicleID   uuid.UUID
	RequesterID uuid.UUID
	Start       time.Time
	End         time.Time
	Purpose     string
	Mode        BookingMode
	Status      BookingStatus
	Occupancy   int

	RequestedAt time.Time
	DecidedAt   *time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time
	Version     int64
}

// Overlaps reports half-open interval intersection: a booking ending exactly
// when another starts does not overlap it.
func (b Booking) Overlaps(from, to time.Time) bool {
	return b.Start.Before(to) && from.Before(b.End)
}

type Membership struct {
	BookingID uuid.UUID
	RiderID   uuid.UUID
	Seats     int
	JoinedAt  time.Time
	LeftAt    *time.Time
}

// Open reports whether the rider is still attached.
func (m Membership) Open() bool { return m.LeftAt == nil }

type BookingEventType string

const (
	EventBookingRequested BookingEventType = "BookingRequested"
	EventBookingApproved  BookingEventType = "BookingApproved"
	EventBookingRejected  BookingEventType = "BookingRejected"
	EventBookingCancelled BookingEventType = "BookingCancelled"
	EventBookingStarted   BookingEventType = "BookingStarted"
	EventBookingCompleted BookingEventType = "BookingCompleted"
	EventRiderJoined      BookingEventType = "RiderJoined"
	EventRiderLeft        BookingEventType = "RiderLeft"
)

type BookingEvent struct {
	ID        int64
	BookingID uuid.UUID
	VehicleID uuid.UUID
	Type      BookingEventType
	Payload   map[string]any
	CreatedAt time.Time
}

// Repository is the durable owner of vehicle, booking and membership state.
// Implementations return ErrNotFound for unknown ids and wrap everything
// else in ErrStorage.
type Repository interface {
	LoadVehicle(ctx context.Context, id uuid.UUID) (Vehicle, error)
	SaveVehicle(ctx context.Context, vehicle Vehicle) error
	LoadBooking(ctx context.Context, id uuid.UUID) (Booking, error)
	ListBookingsForVehicle(ctx context.Context, vehicleID uuid.UUID, from, to time.Time) ([]Booking, error)
	SaveBooking(ctx context.Context, booking Booking) (Booking, error)
	SaveMembership(ctx context.Context, membership Membership) error
	ListMemberships(ctx context.Context, bookingID uuid.UUID) ([]Membership, error)
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event BookingEvent) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
