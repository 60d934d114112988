package domain

import "github.com/google/uuid"

// Capability tags gate scheduler operations. They are resolved by the
// caller's auth layer; the scheduler only checks set membership.
type Capability string

const (
	CapBookingRequest Capability = "booking:request"
	CapBookingApprove Capability = "booking:approve"
	CapBookingReject  Capability = "booking:reject"
	CapBookingCancel  Capability = "booking:cancel"
	// CapBookingOverride lets an actor cancel bookings they do not own.
	CapBookingOverride Capability = "booking:override"
	CapBookingDrive    Capability = "booking:drive"
	CapRideJoin        Capability = "ride:join"
)

// CapabilitySet is the set of capability tags granted to an actor.
type CapabilitySet map[Capability]struct{}

func NewCapabilitySet(caps ...Capability) CapabilitySet {
	set := make(CapabilitySet, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// AdminCapabilities is the universal set held by fleet administrators.
func AdminCapabilities() CapabilitySet {
	return NewCapabilitySet(
		CapBookingRequest, CapBookingApprove, CapBookingReject,
		CapBookingCancel, CapBookingOverride, CapBookingDrive, CapRideJoin,
	)
}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Actor identifies the principal invoking a scheduler operation together
// with the capabilities already resolved for it.
type Actor struct {
	ID           uuid.UUID
	Capabilities CapabilitySet
}

func (a Actor) Can(c Capability) bool { return a.Capabilities.Has(c) }
