package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/fleetsched/internal/scheduler/domain"
)

// PostgresRepository persists scheduler state through database/sql with the
// pgx stdlib driver. It is the authoritative store in multi-instance
// deployments; the availability index is rebuilt from it on demand.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the scheduler tables if they do not exist.
func (p *PostgresRepository) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS vehicles (
    id UUID PRIMARY KEY,
    capacity INT NOT NULL CHECK (capacity >= 1),
    admin_status TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS bookings (
    id UUID PRIMARY KEY,
    vehicle_id UUID NOT NULL REFERENCES vehicles(id),
    requester_id UUID NOT NULL,
    start_at TIMESTAMPTZ NOT NULL,
    end_at TIMESTAMPTZ NOT NULL,
    purpose TEXT NOT NULL DEFAULT '',
    mode TEXT NOT NULL,
    status TEXT NOT NULL,
    occupancy INT NOT NULL DEFAULT 0,
    requested_at TIMESTAMPTZ NOT NULL,
    decided_at TIMESTAMPTZ,
    started_at TIMESTAMPTZ,
    ended_at TIMESTAMPTZ,
    version BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS bookings_vehicle_window ON bookings (vehicle_id, start_at, end_at);
CREATE TABLE IF NOT EXISTS memberships (
    booking_id UUID NOT NULL REFERENCES bookings(id),
    rider_id UUID NOT NULL,
    seats INT NOT NULL DEFAULT 1,
    joined_at TIMESTAMPTZ NOT NULL,
    left_at TIMESTAMPTZ,
    PRIMARY KEY (booking_id, rider_id)
);`
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: migrate: %v", domain.ErrStorage, err)
	}
	return nil
}

func (p *PostgresRepository) LoadVehicle(ctx context.Context, id uuid.UUID) (domain.Vehicle, error) {
	var v domain.Vehicle
	err := p.db.QueryRowContext(ctx,
		`SELECT id, capacity, admin_status FROM vehicles WHERE id = $1`, id,
	).Scan(&v.ID, &v.Capacity, &v.AdminStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Vehicle{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Vehicle{}, fmt.Errorf("%w: load vehicle: %v", domain.ErrStorage, err)
	}
	return v, nil
}

func (p *PostgresRepository) SaveVehicle(ctx context.Context, vehicle domain.Vehicle) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO vehicles (id, capacity, admin_status) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET capacity = EXCLUDED.capacity, admin_status = EXCLUDED.admin_status`,
		vehicle.ID, vehicle.Capacity, vehicle.AdminStatus)
	if err != nil {
		return fmt.Errorf("%w: save vehicle: %v", domain.ErrStorage, err)
	}
	return nil
}

const bookingColumns = `id, vehicle_id, requester_id, start_at, end_at, purpose, mode, status,
occupancy, requested_at, decided_at, started_at, ended_at, version`

func (p *PostgresRepository) LoadBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Booking{}, fmt.Errorf("%w: load booking: %v", domain.ErrStorage, err)
	}
	return b, nil
}

// ListBookingsForVehicle returns bookings intersecting [from, to) ordered by
// start time; zero bounds are unbounded.
func (p *PostgresRepository) ListBookingsForVehicle(ctx context.Context, vehicleID uuid.UUID, from, to time.Time) ([]domain.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE vehicle_id = $1`
	args := []any{vehicleID}
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND end_at > $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND start_at < $%d", len(args))
	}
	query += " ORDER BY start_at"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list bookings: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan booking: %v", domain.ErrStorage, err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list bookings: %v", domain.ErrStorage, err)
	}
	return out, nil
}

// SaveBooking upserts the booking. Updates are guarded by the stored
// version so a stale writer fails instead of clobbering newer state.
func (p *PostgresRepository) SaveBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	if booking.Version == 0 {
		booking.Version = 1
		_, err := p.db.ExecContext(ctx, `
INSERT INTO bookings (`+bookingColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			booking.ID, booking.VehicleID, booking.RequesterID, booking.Start, booking.End,
			booking.Purpose, booking.Mode, booking.Status, booking.Occupancy,
			booking.RequestedAt, booking.DecidedAt, booking.StartedAt, booking.EndedAt, booking.Version)
		if err != nil {
			return domain.Booking{}, fmt.Errorf("%w: insert booking: %v", domain.ErrStorage, err)
		}
		return booking, nil
	}

	next := booking
	next.Version = booking.Version + 1
	res, err := p.db.ExecContext(ctx, `
UPDATE bookings SET status = $2, occupancy = $3, decided_at = $4, started_at = $5,
ended_at = $6, version = $7 WHERE id = $1 AND version = $8`,
		booking.ID, booking.Status, booking.Occupancy, booking.DecidedAt,
		booking.StartedAt, booking.EndedAt, next.Version, booking.Version)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("%w: update booking: %v", domain.ErrStorage, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Booking{}, fmt.Errorf("%w: update booking: %v", domain.ErrStorage, err)
	}
	if affected == 0 {
		return domain.Booking{}, fmt.Errorf("%w: booking version conflict", domain.ErrStorage)
	}
	return next, nil
}

func (p *PostgresRepository) SaveMembership(ctx context.Context, membership domain.Membership) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO memberships (booking_id, rider_id, seats, joined_at, left_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (booking_id, rider_id) DO UPDATE SET seats = EXCLUDED.seats, left_at = EXCLUDED.left_at`,
		membership.BookingID, membership.RiderID, membership.Seats, membership.JoinedAt, membership.LeftAt)
	if err != nil {
		return fmt.Errorf("%w: save membership: %v", domain.ErrStorage, err)
	}
	return nil
}

func (p *PostgresRepository) ListMemberships(ctx context.Context, bookingID uuid.UUID) ([]domain.Membership, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT booking_id, rider_id, seats, joined_at, left_at FROM memberships
WHERE booking_id = $1 ORDER BY joined_at`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("%w: list memberships: %v", domain.ErrStorage, err)
	}
	defer rows.Close()

	var out []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.BookingID, &m.RiderID, &m.Seats, &m.JoinedAt, &m.LeftAt); err != nil {
			return nil, fmt.Errorf("%w: scan membership: %v", domain.ErrStorage, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list memberships: %v", domain.ErrStorage, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (domain.Booking, error) {
	var b domain.Booking
	err := row.Scan(&b.ID, &b.VehicleID, &b.RequesterID, &b.Start, &b.End,
		&b.Purpose, &b.Mode, &b.Status, &b.Occupancy,
		&b.RequestedAt, &b.DecidedAt, &b.StartedAt, &b.EndedAt, &b.Version)
	return b, err
}
