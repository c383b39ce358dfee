package booking

import (
	"context"
	"database/sql"
	"fmt"
)

// IdempotencyStore records a booking attempt before the external call
// so a retried turn never double-books.
type IdempotencyStore interface {
	// Reserve inserts the key. Returns false with the stored event id
	// when the key was already reserved.
	Reserve(ctx context.Context, key string) (fresh bool, eventID string, err error)
	// Complete stores the external event id for the key.
	Complete(ctx context.Context, key, eventID string) error
}

// PGIdempotencyStore persists attempts in booking_idempotency.
type PGIdempotencyStore struct {
	db *sql.DB
}

// NewPGIdempotencyStore creates the Postgres-backed ledger.
func NewPGIdempotencyStore(db *sql.DB) *PGIdempotencyStore {
	if db == nil {
		panic("booking: db required")
	}
	return &PGIdempotencyStore{db: db}
}

// Reserve implements IdempotencyStore.
func (s *PGIdempotencyStore) Reserve(ctx context.Context, key string) (bool, string, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO booking_idempotency (key, created_at)
		VALUES ($1, NOW())
		ON CONFLICT (key) DO NOTHING
	`, key)
	if err != nil {
		return false, "", fmt.Errorf("booking: idempotency reserve failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", fmt.Errorf("booking: idempotency reserve failed: %w", err)
	}
	if n == 1 {
		return true, "", nil
	}
	var eventID sql.NullString
	err = s.db.QueryRowContext(ctx,
		`SELECT event_id FROM booking_idempotency WHERE key = $1`, key,
	).Scan(&eventID)
	if err != nil {
		return false, "", fmt.Errorf("booking: idempotency lookup failed: %w", err)
	}
	return false, eventID.String, nil
}

// Complete implements IdempotencyStore.
func (s *PGIdempotencyStore) Complete(ctx context.Context, key, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE booking_idempotency SET event_id = $2 WHERE key = $1`, key, eventID)
	if err != nil {
		return fmt.Errorf("booking: idempotency complete failed: %w", err)
	}
	return nil
}

// memoryIdempotency backs tests and single-process deployments.
type memoryIdempotency struct {
	keys map[string]string
}

// NewMemoryIdempotencyStore creates an in-memory ledger. Not safe for
// concurrent use; callers hold the call lock.
func NewMemoryIdempotencyStore() IdempotencyStore {
	return &memoryIdempotency{keys: make(map[string]string)}
}

func (m *memoryIdempotency) Reserve(_ context.Context, key string) (bool, string, error) {
	if id, ok := m.keys[key]; ok {
		return false, id, nil
	}
	m.keys[key] = ""
	return true, "", nil
}

func (m *memoryIdempotency) Complete(_ context.Context, key, eventID string) error {
	m.keys[key] = eventID
	return nil
}
