// Package conflict decides whether a candidate booking may be admitted
// against the committed intervals already held on a vehicle. The decision is
// a pure function of the supplied state; callers serialize per vehicle.
package conflict

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/fleetsched/internal/scheduler/availability"
	"github.com/example/fleetsched/internal/scheduler/domain"
)

// Candidate is the interval a caller wants to admit.
type Candidate struct {
	Start     time.Time
	End       time.Time
	Mode      domain.BookingMode
	Occupancy int
	// ExcludeBooking is skipped when scanning existing entries, so a
	// booking's own index entry does not conflict with itself during
	// re-checks.
	ExcludeBooking uuid.UUID
}

// Check returns nil when the candidate is admissible, ErrExclusiveConflict
// when it collides with (or is) an exclusive booking on an overlapping
// interval, and ErrCapacityExceeded when summed shared occupancy would
// exceed the vehicle capacity at any instant. Intervals are half-open
// [start, end): touching endpoints do not overlap.
func Check(vehicle domain.Vehicle, entries []availability.Entry, cand Candidate) error {
	start := time.Now()
	err := check(vehicle, entries, cand)
	result := "admit"
	switch err {
	case domain.ErrExclusiveConflict:
		result = "exclusive_conflict"
	case domain.ErrCapacityExceeded:
		result = "capacity_exceeded"
	}
	checkDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	decisionsTotal.WithLabelValues(result).Inc()
	return err
}

func check(vehicle domain.Vehicle, entries []availability.Entry, cand Candidate) error {
	overlapping := entries[:0:0]
	for _, e := range entries {
		if e.BookingID == cand.ExcludeBooking {
			continue
		}
		if !e.Overlaps(cand.Start, cand.End) {
			continue
		}
		if e.Mode == domain.ModeExclusive || cand.Mode == domain.ModeExclusive {
			return domain.ErrExclusiveConflict
		}
		overlapping = append(overlapping, e)
	}
	if cand.Mode == domain.ModeExclusive {
		return nil
	}
	if peakOccupancy(overlapping, cand) > vehicle.Capacity {
		return domain.ErrCapacityExceeded
	}
	return nil
}

// peakOccupancy sweeps the boundary points induced by the overlapping shared
// entries and returns the maximum simultaneous occupancy including the
// candidate. Occupancy can only change at an interval start, so checking
// starts clipped into the candidate window is sufficient.
func peakOccupancy(overlapping []availability.Entry, cand Candidate) int {
	points := []time.Time{cand.Start}
	for _, e := range overlapping {
		if e.Start.After(cand.Start) && e.Start.Before(cand.End) {
			points = append(points, e.Start)
		}
	}
	sort.Slice(points, func(a, b int) bool { return points[a].Before(points[b]) })

	peak := 0
	for _, t := range points {
		sum := cand.Occupancy
		for _, e := range overlapping {
			if !t.Before(e.Start) && t.Before(e.End) {
				sum += e.Occupancy
			}
		}
		if sum > peak {
			peak = sum
		}
	}
	return peak
}
