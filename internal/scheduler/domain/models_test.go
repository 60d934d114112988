package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/fleetsched/internal/scheduler/domain"
)

func TestTransitionTable(t *testing.T) {
	require.True(t, domain.StatusPending.CanTransitionTo(domain.StatusApproved))
	require.True(t, domain.StatusPending.CanTransitionTo(domain.StatusRejected))
	require.True(t, domain.StatusPending.CanTransitionTo(domain.StatusCancelled))
	require.True(t, domain.StatusApproved.CanTransitionTo(domain.StatusInProgress))
	require.True(t, domain.StatusApproved.CanTransitionTo(domain.StatusCancelled))
	require.True(t, domain.StatusInProgress.CanTransitionTo(domain.StatusCompleted))

	require.False(t, domain.StatusPending.CanTransitionTo(domain.StatusInProgress))
	require.False(t, domain.StatusApproved.CanTransitionTo(domain.StatusRejected))
	require.False(t, domain.StatusInProgress.CanTransitionTo(domain.StatusCancelled))
}

func TestTerminalStatesAreClosed(t *testing.T) {
	all := []domain.BookingStatus{
		domain.StatusPending, domain.StatusApproved, domain.StatusInProgress,
		domain.StatusCompleted, domain.StatusRejected, domain.StatusCancelled,
	}
	for _, terminal := range []domain.BookingStatus{domain.StatusCompleted, domain.StatusRejected, domain.StatusCancelled} {
		require.True(t, terminal.Terminal())
		for _, next := range all {
			require.False(t, terminal.CanTransitionTo(next), "%s -> %s must be refused", terminal, next)
		}
	}
}

func TestCommittedStatuses(t *testing.T) {
	require.True(t, domain.StatusPending.Committed())
	require.True(t, domain.StatusApproved.Committed())
	require.True(t, domain.StatusInProgress.Committed())
	require.False(t, domain.StatusCompleted.Committed())
	require.False(t, domain.StatusRejected.Committed())
	require.False(t, domain.StatusCancelled.Committed())
}

func TestBookingOverlapsHalfOpen(t *testing.T) {
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	b := domain.Booking{Start: base, End: base.Add(time.Hour)}

	require.True(t, b.Overlaps(base.Add(30*time.Minute), base.Add(90*time.Minute)))
	// touching endpoints do not overlap
	require.False(t, b.Overlaps(base.Add(time.Hour), base.Add(2*time.Hour)))
	require.False(t, b.Overlaps(base.Add(-time.Hour), base))
}

func TestVehicleEffectiveStatus(t *testing.T) {
	v := domain.Vehicle{Capacity: 4, AdminStatus: domain.AdminAvailable}
	require.Equal(t, domain.VehicleAvailable, v.EffectiveStatus(false))
	require.Equal(t, domain.VehicleInUse, v.EffectiveStatus(true))

	v.AdminStatus = domain.AdminMaintenance
	require.Equal(t, domain.VehicleMaintenance, v.EffectiveStatus(true))
	v.AdminStatus = domain.AdminUnavailable
	require.Equal(t, domain.VehicleUnavailable, v.EffectiveStatus(false))
}

func TestCapabilitySets(t *testing.T) {
	actor := domain.Actor{Capabilities: domain.NewCapabilitySet(domain.CapBookingRequest)}
	require.True(t, actor.Can(domain.CapBookingRequest))
	require.False(t, actor.Can(domain.CapBookingApprove))

	admin := domain.Actor{Capabilities: domain.AdminCapabilities()}
	require.True(t, admin.Can(domain.CapBookingOverride))
}
