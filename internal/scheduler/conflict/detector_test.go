package conflict_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/fleetsched/internal/scheduler/availability"
	"github.com/example/fleetsched/internal/scheduler/conflict"
	"github.com/example/fleetsched/internal/scheduler/domain"
)

var day = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

func entry(start, end time.Time, mode domain.BookingMode, occupancy int) availability.Entry {
	return availability.Entry{
		BookingID: uuid.New(),
		Start:     start,
		End:       end,
		Mode:      mode,
		Occupancy: occupancy,
		Status:    domain.StatusApproved,
	}
}

func TestExclusiveRejectsAnyOverlap(t *testing.T) {
	solo := domain.Vehicle{ID: uuid.New(), Capacity: 1, AdminStatus: domain.AdminAvailable}
	existing := []availability.Entry{entry(at(8, 0), at(9, 0), domain.ModeExclusive, 0)}

	err := conflict.Check(solo, existing, conflict.Candidate{
		Start: at(8, 30), End: at(9, 30), Mode: domain.ModeExclusive,
	})
	require.ErrorIs(t, err, domain.ErrExclusiveConflict)

	// shared candidate against exclusive holder
	err = conflict.Check(solo, existing, conflict.Candidate{
		Start: at(8, 30), End: at(9, 30), Mode: domain.ModeShared, Occupancy: 1,
	})
	require.ErrorIs(t, err, domain.ErrExclusiveConflict)

	// exclusive candidate against shared holder
	shared := []availability.Entry{entry(at(8, 0), at(9, 0), domain.ModeShared, 1)}
	err = conflict.Check(solo, shared, conflict.Candidate{
		Start: at(8, 30), End: at(9, 30), Mode: domain.ModeExclusive,
	})
	require.ErrorIs(t, err, domain.ErrExclusiveConflict)
}

func TestTouchingIntervalsDoNotConflict(t *testing.T) {
	solo := domain.Vehicle{ID: uuid.New(), Capacity: 1, AdminStatus: domain.AdminAvailable}
	existing := []availability.Entry{entry(at(8, 0), at(9, 0), domain.ModeExclusive, 0)}

	require.NoError(t, conflict.Check(solo, existing, conflict.Candidate{
		Start: at(9, 0), End: at(10, 0), Mode: domain.ModeExclusive,
	}))
	require.NoError(t, conflict.Check(solo, existing, conflict.Candidate{
		Start: at(7, 0), End: at(8, 0), Mode: domain.ModeExclusive,
	}))
}

func TestSharedCapacitySweep(t *testing.T) {
	van := domain.Vehicle{ID: uuid.New(), Capacity: 4, AdminStatus: domain.AdminAvailable}

	// A: 2 riders 09:00-10:00, B: 2 riders 09:30-10:30 -> peak 4, admissible
	existing := []availability.Entry{entry(at(9, 0), at(10, 0), domain.ModeShared, 2)}
	require.NoError(t, conflict.Check(van, existing, conflict.Candidate{
		Start: at(9, 30), End: at(10, 30), Mode: domain.ModeShared, Occupancy: 2,
	}))

	// C: one more rider inside the 09:30-10:00 overlap would reach 5
	existing = append(existing, entry(at(9, 30), at(10, 30), domain.ModeShared, 2))
	err := conflict.Check(van, existing, conflict.Candidate{
		Start: at(9, 45), End: at(9, 50), Mode: domain.ModeShared, Occupancy: 1,
	})
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)

	// after A ends the same rider fits
	require.NoError(t, conflict.Check(van, existing, conflict.Candidate{
		Start: at(10, 0), End: at(10, 15), Mode: domain.ModeShared, Occupancy: 1,
	}))
}

func TestSharedPeakCountsCandidateInducedBoundaries(t *testing.T) {
	van := domain.Vehicle{ID: uuid.New(), Capacity: 3, AdminStatus: domain.AdminAvailable}
	existing := []availability.Entry{
		entry(at(9, 0), at(9, 30), domain.ModeShared, 2),
		entry(at(9, 30), at(10, 0), domain.ModeShared, 2),
	}
	// candidate spans both entries but they never overlap each other:
	// peak is 2+1, within capacity
	require.NoError(t, conflict.Check(van, existing, conflict.Candidate{
		Start: at(9, 0), End: at(10, 0), Mode: domain.ModeShared, Occupancy: 1,
	}))
	// two seats would peak at 4 in each half
	err := conflict.Check(van, existing, conflict.Candidate{
		Start: at(9, 0), End: at(10, 0), Mode: domain.ModeShared, Occupancy: 2,
	})
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)
}

func TestExcludeBookingSkipsOwnEntry(t *testing.T) {
	solo := domain.Vehicle{ID: uuid.New(), Capacity: 1, AdminStatus: domain.AdminAvailable}
	own := entry(at(8, 0), at(9, 0), domain.ModeExclusive, 0)

	require.NoError(t, conflict.Check(solo, []availability.Entry{own}, conflict.Candidate{
		Start: at(8, 0), End: at(9, 0), Mode: domain.ModeExclusive, ExcludeBooking: own.BookingID,
	}))
}

func TestEmptyScheduleAdmits(t *testing.T) {
	van := domain.Vehicle{ID: uuid.New(), Capacity: 4, AdminStatus: domain.AdminAvailable}
	require.NoError(t, conflict.Check(van, nil, conflict.Candidate{
		Start: at(9, 0), End: at(10, 0), Mode: domain.ModeShared, Occupancy: 4,
	}))
	err := conflict.Check(van, nil, conflict.Candidate{
		Start: at(9, 0), End: at(10, 0), Mode: domain.ModeShared, Occupancy: 5,
	})
	require.ErrorIs(t, err, domain.ErrCapacityExceeded)
}
