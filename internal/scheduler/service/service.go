package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/fleetsched/internal/scheduler/availability"
	"github.com/example/fleetsched/internal/scheduler/conflict"
	"github.com/example/fleetsched/internal/scheduler/domain"
	"github.com/example/fleetsched/internal/scheduler/lock"
)

// DefaultGraceWindow is how far before the booked start a driver may start
// the booking.
const DefaultGraceWindow = 15 * time.Minute

// Service orchestrates booking admission and lifecycle. Every operation that
// touches a vehicle's availability runs under that vehicle's lock, so
// check-then-commit and re-check-then-approve are atomic per vehicle while
// distinct vehicles proceed in parallel.
type Service struct {
	repo       domain.Repository
	index      *availability.Index
	locks      *lock.Keyed
	events     domain.EventPublisher
	clock      domain.Clock
	idempotent domain.IdempotencyRepository
	grace      time.Duration

	lease    *lock.RedisLease
	leaseTTL time.Duration
	owner    string
}

// Config carries service tunables.
type Config struct {
	// GraceWindow is the head start allowed on the start transition.
	GraceWindow time.Duration
}

// New constructs a Service with the required collaborators.
func New(repo domain.Repository, index *availability.Index, events domain.EventPublisher, clock domain.Clock, idem domain.IdempotencyRepository, cfg Config) *Service {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	return &Service{
		repo:       repo,
		index:      index,
		locks:      lock.NewKeyed(),
		events:     events,
		clock:      clock,
		idempotent: idem,
		grace:      cfg.GraceWindow,
	}
}

// UseLease layers a Redis lease under the in-process lock so that multiple
// scheduler instances sharing one repository still serialize per vehicle.
// The owner token identifies this instance.
func (s *Service) UseLease(lease *lock.RedisLease, owner string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	s.lease = lease
	s.owner = owner
	s.leaseTTL = ttl
}

// lockVehicle takes the in-process vehicle lock and, when configured, the
// cross-instance lease. Waiting here is the only blocking point in the
// scheduler.
func (s *Service) lockVehicle(ctx context.Context, vehicleID uuid.UUID) (func(), error) {
	unlock := s.locks.Lock(vehicleID)
	if s.lease == nil {
		return unlock, nil
	}
	if err := s.lease.Acquire(ctx, vehicleID, s.owner, s.leaseTTL, 0); err != nil {
		unlock()
		return nil, err
	}
	// Another instance may have admitted against the shared repository while
	// this one last read the vehicle. Drop the cached entries so the critical
	// section rebuilds from repository truth.
	s.index.Invalidate(vehicleID)
	return func() {
		_ = s.lease.Release(context.WithoutCancel(ctx), vehicleID, s.owner)
		unlock()
	}, nil
}

// RequestBookingInput contains the payload for a new booking request.
type RequestBookingInput struct {
	VehicleID uuid.UUID
	Requester domain.Actor
	Start     time.Time
	End       time.Time
	Mode      domain.BookingMode
	Occupancy int
	Purpose   string
}

// RequestBooking validates the interval and vehicle, runs the conflict
// detector under the vehicle lock and persists the booking in pending
// status. A repeated call with the same idempotency key returns the original
// booking instead of admitting twice.
func (s *Service) RequestBooking(ctx context.Context, key string, input RequestBookingInput) (domain.Booking, error) {
	if !input.Requester.Can(domain.CapBookingRequest) {
		return domain.Booking{}, domain.ErrUnauthorized
	}
	if !input.Start.Before(input.End) {
		return domain.Booking{}, domain.ErrInvalidInterval
	}

	if key != "" && s.idempotent != nil {
		cached, ok, err := s.idempotent.GetResponse(ctx, key)
		if err != nil {
			// Admitting anyway would double-book exactly when the caller is
			// retrying, so the lookup failure is surfaced as retryable.
			return domain.Booking{}, fmt.Errorf("%w: idempotency lookup: %v", domain.ErrStorage, err)
		}
		if ok {
			return s.replayBooking(ctx, cached)
		}
	}

	occupancy := input.Occupancy
	switch input.Mode {
	case domain.ModeShared:
		if occupancy <= 0 {
			occupancy = 1
		}
	case domain.ModeExclusive:
		occupancy = 0
	}

	unlock, err := s.lockVehicle(ctx, input.VehicleID)
	if err != nil {
		return domain.Booking{}, err
	}
	defer unlock()

	vehicle, err := s.repo.LoadVehicle(ctx, input.VehicleID)
	if err != nil {
		return domain.Booking{}, err
	}
	if !vehicle.Bookable() {
		return domain.Booking{}, domain.ErrVehicleUnavailable
	}

	entries, err := s.index.IntervalsFor(ctx, input.VehicleID, input.Start, input.End)
	if err != nil {
		return domain.Booking{}, err
	}
	if err := conflict.Check(vehicle, entries, conflict.Candidate{
		Start:     input.Start,
		End:       input.End,
		Mode:      input.Mode,
		Occupancy: occupancy,
	}); err != nil {
		return domain.Booking{}, err
	}

	booking := domain.Booking{
		ID:          uuid.New(),
		VehicleID:   input.VehicleID,
		RequesterID: input.Requester.ID,
		Start:       input.Start,
		End:         input.End,
		Purpose:     input.Purpose,
		Mode:        input.Mode,
		Status:      domain.StatusPending,
		Occupancy:   occupancy,
		RequestedAt: s.clock.Now(),
	}
	saved, err := s.repo.SaveBooking(ctx, booking)
	if err != nil {
		return domain.Booking{}, err
	}
	s.index.Apply(saved)

	s.publish(ctx, saved, domain.EventBookingRequested, map[string]any{
		"requester_id": saved.RequesterID.String(),
		"mode":         string(saved.Mode),
	})

	if key != "" && s.idempotent != nil {
		_ = s.idempotent.PutResponse(ctx, key, []byte(saved.ID.String()))
	}
	return saved, nil
}

// Approve re-runs the conflict detector against current committed state
// before flipping status: other approvals or admissions may have landed
// since this booking was admitted, and the first caller to take the vehicle
// lock wins.
func (s *Service) Approve(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	if !actor.Can(domain.CapBookingApprove) {
		return domain.Booking{}, domain.ErrUnauthorized
	}
	booking, unlock, err := s.lockBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	defer unlock()

	if !booking.Status.CanTransitionTo(domain.StatusApproved) {
		return domain.Booking{}, domain.ErrInvalidTransition
	}

	vehicle, err := s.repo.LoadVehicle(ctx, booking.VehicleID)
	if err != nil {
		return domain.Booking{}, err
	}
	entries, err := s.index.IntervalsFor(ctx, booking.VehicleID, booking.Start, booking.End)
	if err != nil {
		return domain.Booking{}, err
	}
	// The re-check runs against approved and in-progress bookings only.
	// Other pending holds admitted off the same stale view lose the race
	// when their own approval re-checks against this one.
	decided := entries[:0:0]
	for _, e := range entries {
		if e.Status == domain.StatusPending {
			continue
		}
		decided = append(decided, e)
	}
	if err := conflict.Check(vehicle, decided, conflict.Candidate{
		Start:          booking.Start,
		End:            booking.End,
		Mode:           booking.Mode,
		Occupancy:      booking.Occupancy,
		ExcludeBooking: booking.ID,
	}); err != nil {
		return domain.Booking{}, err
	}

	now := s.clock.Now()
	booking.Status = domain.StatusApproved
	booking.DecidedAt = &now
	return s.commit(ctx, booking, domain.EventBookingApproved, map[string]any{
		"approver_id": actor.ID.String(),
	})
}

// Reject moves a pending booking to rejected and releases its interval.
func (s *Service) Reject(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	if !actor.Can(domain.CapBookingReject) {
		return domain.Booking{}, domain.ErrUnauthorized
	}
	booking, unlock, err := s.lockBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	defer unlock()

	if booking.Status != domain.StatusPending {
		return domain.Booking{}, domain.ErrInvalidTransition
	}
	now := s.clock.Now()
	booking.Status = domain.StatusRejected
	booking.DecidedAt = &now
	return s.commit(ctx, booking, domain.EventBookingRejected, map[string]any{
		"approver_id": actor.ID.String(),
	})
}

// Cancel withdraws a pending or approved booking. Only the requester may
// cancel their own booking unless the actor holds the override capability.
func (s *Service) Cancel(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	if !actor.Can(domain.CapBookingCancel) {
		return domain.Booking{}, domain.ErrUnauthorized
	}
	booking, unlock, err := s.lockBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	defer unlock()

	if !booking.Status.CanTransitionTo(domain.StatusCancelled) {
		return domain.Booking{}, domain.ErrInvalidTransition
	}
	if booking.RequesterID != actor.ID && !actor.Can(domain.CapBookingOverride) {
		return domain.Booking{}, domain.ErrUnauthorized
	}

	now := s.clock.Now()
	booking.Status = domain.StatusCancelled
	booking.DecidedAt = &now
	if err := s.closeMemberships(ctx, booking, now); err != nil {
		return domain.Booking{}, err
	}
	return s.commit(ctx, booking, domain.EventBookingCancelled, map[string]any{
		"actor_id": actor.ID.String(),
	})
}

// Start moves an approved booking to in_progress. The driver may start up to
// the grace window before the booked start, never earlier.
func (s *Service) Start(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	if !actor.Can(domain.CapBookingDrive) {
		return domain.Booking{}, domain.ErrUnauthorized
	}
	booking, unlock, err := s.lockBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	defer unlock()

	if booking.Status != domain.StatusApproved {
		return domain.Booking{}, domain.ErrInvalidTransition
	}
	now := s.clock.Now()
	if now.Before(booking.Start.Add(-s.grace)) {
		return domain.Booking{}, domain.ErrInvalidTransition
	}
	booking.Status = domain.StatusInProgress
	booking.StartedAt = &now
	return s.commit(ctx, booking, domain.EventBookingStarted, nil)
}

// End completes an in-progress booking and closes any open memberships.
func (s *Service) End(ctx context.Context, bookingID uuid.UUID, actor domain.Actor) (domain.Booking, error) {
	if !actor.Can(domain.CapBookingDrive) {
		return domain.Booking{}, domain.ErrUnauthorized
	}
	booking, unlock, err := s.lockBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	defer unlock()

	if booking.Status != domain.StatusInProgress {
		return domain.Booking{}, domain.ErrInvalidTransition
	}
	now := s.clock.Now()
	booking.Status = domain.StatusCompleted
	booking.EndedAt = &now
	if err := s.closeMemberships(ctx, booking, now); err != nil {
		return domain.Booking{}, err
	}
	return s.commit(ctx, booking, domain.EventBookingCompleted, nil)
}

// JoinShared attaches a rider to a shared booking, re-checking capacity
// against all overlapping shared bookings on the vehicle.
func (s *Service) JoinShared(ctx context.Context, bookingID uuid.UUID, rider domain.Actor, seats int) (domain.Membership, error) {
	if !rider.Can(domain.CapRideJoin) {
		return domain.Membership{}, domain.ErrUnauthorized
	}
	if seats <= 0 {
		seats = 1
	}
	booking, unlock, err := s.lockBooking(ctx, bookingID)
	if err != nil {
		return domain.Membership{}, err
	}
	defer unlock()

	if booking.Mode != domain.ModeShared {
		return domain.Membership{}, domain.ErrInvalidTransition
	}
	if booking.Status != domain.StatusApproved && booking.Status != domain.StatusInProgress {
		return domain.Membership{}, domain.ErrInvalidTransition
	}

	memberships, err := s.repo.ListMemberships(ctx, bookingID)
	if err != nil {
		return domain.Membership{}, err
	}
	for _, m := range memberships {
		if m.RiderID == rider.ID && m.Open() {
			return domain.Membership{}, domain.ErrInvalidTransition
		}
	}

	vehicle, err := s.repo.LoadVehicle(ctx, booking.VehicleID)
	if err != nil {
		return domain.Membership{}, err
	}
	entries, err := s.index.IntervalsFor(ctx, booking.VehicleID, booking.Start, booking.End)
	if err != nil {
		return domain.Membership{}, err
	}
	// The booking's own entry already carries its current occupancy, so the
	// extra seats are checked as an additional shared candidate on the same
	// window.
	if err := conflict.Check(vehicle, entries, conflict.Candidate{
		Start:     booking.Start,
		End:       booking.End,
		Mode:      domain.ModeShared,
		Occupancy: seats,
	}); err != nil {
		return domain.Membership{}, err
	}

	// The occupancy-bearing booking row commits first: a failure here leaves
	// no membership behind, so the caller's retry starts clean.
	now := s.clock.Now()
	booking.Occupancy += seats
	saved, err := s.repo.SaveBooking(ctx, booking)
	if err != nil {
		s.index.Invalidate(booking.VehicleID)
		return domain.Membership{}, err
	}
	membership := domain.Membership{
		BookingID: bookingID,
		RiderID:   rider.ID,
		Seats:     seats,
		JoinedAt:  now,
	}
	if err := s.repo.SaveMembership(ctx, membership); err != nil {
		// Give the seats back, otherwise a retry is refused for capacity the
		// rider never actually holds.
		saved.Occupancy -= seats
		if reverted, revertErr := s.repo.SaveBooking(ctx, saved); revertErr == nil {
			s.index.Apply(reverted)
		} else {
			s.index.Invalidate(booking.VehicleID)
		}
		return domain.Membership{}, err
	}
	s.index.Apply(saved)
	s.publish(ctx, saved, domain.EventRiderJoined, map[string]any{
		"rider_id": rider.ID.String(),
		"seats":    seats,
	})
	return membership, nil
}

// LeaveShared detaches a rider from a shared booking. Occupancy is released
// immediately, freeing capacity for the remainder of the window.
func (s *Service) LeaveShared(ctx context.Context, bookingID uuid.UUID, rider domain.Actor) error {
	booking, unlock, err := s.lockBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	defer unlock()

	if booking.Status.Terminal() {
		return domain.ErrInvalidTransition
	}
	memberships, err := s.repo.ListMemberships(ctx, bookingID)
	if err != nil {
		return err
	}
	var open *domain.Membership
	for i := range memberships {
		if memberships[i].RiderID == rider.ID && memberships[i].Open() {
			open = &memberships[i]
			break
		}
	}
	if open == nil {
		return domain.ErrNotFound
	}

	now := s.clock.Now()
	open.LeftAt = &now
	if err := s.repo.SaveMembership(ctx, *open); err != nil {
		return err
	}
	booking.Occupancy -= open.Seats
	if booking.Occupancy < 0 {
		booking.Occupancy = 0
	}
	_, err = s.commit(ctx, booking, domain.EventRiderLeft, map[string]any{
		"rider_id": rider.ID.String(),
	})
	return err
}

// GetBooking retrieves a booking by identifier.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	return s.repo.LoadBooking(ctx, id)
}

// VehicleStatus derives the vehicle's visible status at the current instant
// from its admin flag and active bookings. Nothing is stored.
func (s *Service) VehicleStatus(ctx context.Context, vehicleID uuid.UUID) (domain.VehicleStatus, error) {
	vehicle, err := s.repo.LoadVehicle(ctx, vehicleID)
	if err != nil {
		return "", err
	}
	now := s.clock.Now()
	bookings, err := s.repo.ListBookingsForVehicle(ctx, vehicleID, now, now.Add(time.Nanosecond))
	if err != nil {
		return "", err
	}
	active := false
	for _, b := range bookings {
		if b.Status == domain.StatusApproved || b.Status == domain.StatusInProgress {
			active = true
			break
		}
	}
	return vehicle.EffectiveStatus(active), nil
}

// SetVehicleAdminStatus applies a fleet-administration override. Taking a
// vehicle out of service is refused while approved or in-progress bookings
// exist on it.
func (s *Service) SetVehicleAdminStatus(ctx context.Context, vehicleID uuid.UUID, status domain.AdminStatus) (domain.Vehicle, error) {
	unlock, err := s.lockVehicle(ctx, vehicleID)
	if err != nil {
		return domain.Vehicle{}, err
	}
	defer unlock()

	vehicle, err := s.repo.LoadVehicle(ctx, vehicleID)
	if err != nil {
		return domain.Vehicle{}, err
	}
	if status != domain.AdminAvailable {
		bookings, err := s.repo.ListBookingsForVehicle(ctx, vehicleID, time.Time{}, time.Time{})
		if err != nil {
			return domain.Vehicle{}, err
		}
		for _, b := range bookings {
			if b.Status == domain.StatusApproved || b.Status == domain.StatusInProgress {
				return domain.Vehicle{}, domain.ErrVehicleUnavailable
			}
		}
	}
	vehicle.AdminStatus = status
	if err := s.repo.SaveVehicle(ctx, vehicle); err != nil {
		return domain.Vehicle{}, err
	}
	return vehicle, nil
}

// lockBooking resolves the booking's vehicle, takes that vehicle's lock and
// reloads the booking under it, since its state may have moved while the
// caller waited.
func (s *Service) lockBooking(ctx context.Context, bookingID uuid.UUID) (domain.Booking, func(), error) {
	booking, err := s.repo.LoadBooking(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, nil, err
	}
	unlock, err := s.lockVehicle(ctx, booking.VehicleID)
	if err != nil {
		return domain.Booking{}, nil, err
	}
	booking, err = s.repo.LoadBooking(ctx, bookingID)
	if err != nil {
		unlock()
		return domain.Booking{}, nil, err
	}
	return booking, unlock, nil
}

// commit persists the mutated booking, refreshes the vehicle's index entry
// and publishes the lifecycle event. On a save failure the vehicle's cached
// entries are invalidated so the next read rebuilds from the repository.
func (s *Service) commit(ctx context.Context, booking domain.Booking, event domain.BookingEventType, payload map[string]any) (domain.Booking, error) {
	saved, err := s.repo.SaveBooking(ctx, booking)
	if err != nil {
		s.index.Invalidate(booking.VehicleID)
		return domain.Booking{}, err
	}
	s.index.Apply(saved)
	s.publish(ctx, saved, event, payload)
	return saved, nil
}

func (s *Service) closeMemberships(ctx context.Context, booking domain.Booking, at time.Time) error {
	if booking.Mode != domain.ModeShared {
		return nil
	}
	memberships, err := s.repo.ListMemberships(ctx, booking.ID)
	if err != nil {
		return err
	}
	for _, m := range memberships {
		if !m.Open() {
			continue
		}
		left := at
		m.LeftAt = &left
		if err := s.repo.SaveMembership(ctx, m); err != nil {
			s.index.Invalidate(booking.VehicleID)
			return fmt.Errorf("close membership: %w", err)
		}
	}
	return nil
}

func (s *Service) publish(ctx context.Context, booking domain.Booking, event domain.BookingEventType, payload map[string]any) {
	if s.events == nil {
		return
	}
	_ = s.events.Publish(ctx, domain.BookingEvent{
		BookingID: booking.ID,
		VehicleID: booking.VehicleID,
		Type:      event,
		Payload:   payload,
		CreatedAt: s.clock.Now(),
	})
}

func (s *Service) replayBooking(ctx context.Context, cached []byte) (domain.Booking, error) {
	id, err := uuid.Parse(string(cached))
	if err != nil {
		return domain.Booking{}, errors.New("corrupt idempotency payload")
	}
	return s.repo.LoadBooking(ctx, id)
}
