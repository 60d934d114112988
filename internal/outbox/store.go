package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/example/fleetsched/internal/scheduler/domain"
)

// Store implements domain.EventPublisher by appending events to the
// booking_outbox table. The worker delivers them to NATS asynchronously, so
// event emission commits or fails together with the scheduler's database.
type Store struct {
	db      *sql.DB
	subject string
}

func NewStore(db *sql.DB, subject string) *Store {
	if subject == "" {
		subject = "booking.events"
	}
	return &Store{db: db, subject: subject}
}

// Migrate creates the outbox table if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS booking_outbox (
    id BIGSERIAL PRIMARY KEY,
    subject TEXT NOT NULL,
    payload BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    published BOOLEAN NOT NULL DEFAULT false
);`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migrate outbox: %w", err)
	}
	return nil
}

// Publish appends the event to the outbox.
func (s *Store) Publish(ctx context.Context, event domain.BookingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO booking_outbox (subject, payload) VALUES ($1, $2)`,
		s.subject, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
