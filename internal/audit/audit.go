// Package audit records compliance events for calls. Events carry
// category names only, never symptom text or contact details.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vocalys/rdv-platform/pkg/logging"
)

// Event is one immutable audit record.
type Event struct {
	ID        string    `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	CallID    string    `json:"call_id"`
	Event     string    `json:"event"`
	CreatedAt time.Time `json:"created_at"`
}

// PGSink writes ivr_events rows. Duplicate (tenant, call, event,
// created_at) inserts are absorbed by the unique constraint.
type PGSink struct {
	db     *sql.DB
	logger *logging.Logger
}

// NewPGSink creates the Postgres audit sink.
func NewPGSink(db *sql.DB, logger *logging.Logger) *PGSink {
	if db == nil {
		panic("audit: db required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &PGSink{db: db, logger: logger}
}

// Record implements dialog.AuditSink.
func (s *PGSink) Record(ctx context.Context, tenantID int64, callID, event string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ivr_events (id, tenant_id, call_id, event, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id, call_id, event, created_at) DO NOTHING
	`, uuid.NewString(), tenantID, callID, event)
	if err != nil {
		return fmt.Errorf("audit: event insert failed: %w", err)
	}
	return nil
}

// List returns the events of one call, oldest first.
func (s *PGSink) List(ctx context.Context, tenantID int64, callID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, call_id, event, created_at
		FROM ivr_events
		WHERE tenant_id = $1 AND call_id = $2
		ORDER BY created_at
	`, tenantID, callID)
	if err != nil {
		return nil, fmt.Errorf("audit: event query failed: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.TenantID, &e.CallID, &e.Event, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: event scan failed: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MemorySink keeps events in memory for tests and degraded runs.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record implements dialog.AuditSink.
func (s *MemorySink) Record(_ context.Context, tenantID int64, callID, event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		CallID:    callID,
		Event:     event,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
