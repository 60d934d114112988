package availability_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/fleetsched/internal/scheduler/availability"
	"github.com/example/fleetsched/internal/scheduler/domain"
	"github.com/example/fleetsched/internal/scheduler/repository"
)

func seedBooking(t *testing.T, repo *repository.MemoryRepository, vehicleID uuid.UUID, start, end time.Time, status domain.BookingStatus) domain.Booking {
	t.Helper()
	booking, err := repo.SaveBooking(context.Background(), domain.Booking{
		ID:          uuid.New(),
		VehicleID:   vehicleID,
		RequesterID: uuid.New(),
		Start:       start,
		End:         end,
		Mode:        domain.ModeExclusive,
		Status:      status,
		RequestedAt: start.Add(-time.Hour),
	})
	require.NoError(t, err)
	return booking
}

func TestIntervalsForRebuildsFromRepository(t *testing.T) {
	repo := repository.NewMemoryRepository()
	vehicleID := uuid.New()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	later := seedBooking(t, repo, vehicleID, base.Add(3*time.Hour), base.Add(4*time.Hour), domain.StatusApproved)
	earlier := seedBooking(t, repo, vehicleID, base, base.Add(time.Hour), domain.StatusPending)
	seedBooking(t, repo, vehicleID, base.Add(time.Hour), base.Add(2*time.Hour), domain.StatusCancelled)

	index := availability.NewIndex(repo)
	entries, err := index.IntervalsFor(context.Background(), vehicleID, base, base.Add(6*time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 2, "cancelled booking must not appear")
	require.Equal(t, earlier.ID, entries[0].BookingID, "entries ordered by start")
	require.Equal(t, later.ID, entries[1].BookingID)
}

func TestIntervalsForFiltersWindow(t *testing.T) {
	repo := repository.NewMemoryRepository()
	vehicleID := uuid.New()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	seedBooking(t, repo, vehicleID, base, base.Add(time.Hour), domain.StatusApproved)

	index := availability.NewIndex(repo)

	// half-open: a query starting exactly at the booking end sees nothing
	entries, err := index.IntervalsFor(context.Background(), vehicleID, base.Add(time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Empty(t, entries)

	entries, err = index.IntervalsFor(context.Background(), vehicleID, base.Add(30*time.Minute), base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestApplyReplacesAndRemovesEntries(t *testing.T) {
	repo := repository.NewMemoryRepository()
	vehicleID := uuid.New()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	booking := seedBooking(t, repo, vehicleID, base, base.Add(time.Hour), domain.StatusPending)

	index := availability.NewIndex(repo)
	_, err := index.IntervalsFor(context.Background(), vehicleID, base, base.Add(time.Hour))
	require.NoError(t, err)

	booking.Status = domain.StatusApproved
	index.Apply(booking)
	entries, err := index.IntervalsFor(context.Background(), vehicleID, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.StatusApproved, entries[0].Status)

	booking.Status = domain.StatusCancelled
	index.Apply(booking)
	entries, err = index.IntervalsFor(context.Background(), vehicleID, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, entries, "terminal booking releases its interval")
}

func TestInvalidateForcesRebuild(t *testing.T) {
	repo := repository.NewMemoryRepository()
	vehicleID := uuid.New()
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	index := availability.NewIndex(repo)
	entries, err := index.IntervalsFor(context.Background(), vehicleID, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, entries)

	// a write lands behind the cache's back; a plain read still misses it
	seedBooking(t, repo, vehicleID, base, base.Add(time.Hour), domain.StatusApproved)
	entries, err = index.IntervalsFor(context.Background(), vehicleID, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, entries)

	index.Invalidate(vehicleID)
	entries, err = index.IntervalsFor(context.Background(), vehicleID, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}
