package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vocalys/rdv-platform/internal/session"
	"github.com/vocalys/rdv-platform/internal/tenancy"
)

// InternalAdapter books against the platform's own slots and
// appointments tables instead of an external calendar.
type InternalAdapter struct {
	db       *sql.DB
	tenantID int64
	location *time.Location
	idem     IdempotencyStore
}

// NewInternalAdapter binds the shared database to one tenant.
func NewInternalAdapter(db *sql.DB, t *tenancy.Tenant, idem IdempotencyStore) *InternalAdapter {
	if db == nil {
		panic("booking: db required")
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &InternalAdapter{db: db, tenantID: t.ID, location: loc, idem: idem}
}

// CanProposeSlots implements Adapter.
func (a *InternalAdapter) CanProposeSlots() bool { return true }

// ListFreeSlots implements Adapter.
func (a *InternalAdapter) ListFreeSlots(ctx context.Context, q ListQuery) ([]session.CanonicalSlot, error) {
	if q.Limit <= 0 {
		q.Limit = 3
	}
	if q.WindowDays <= 0 {
		q.WindowDays = 14
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT id, start_at, end_at
		FROM slots
		WHERE tenant_id = $1 AND NOT booked AND start_at >= $2 AND start_at < $3
		ORDER BY start_at
	`, a.tenantID, q.From, q.From.AddDate(0, 0, q.WindowDays))
	if err != nil {
		return nil, fmt.Errorf("booking: slot query failed: %w", err)
	}
	defer rows.Close()

	var out []session.CanonicalSlot
	for rows.Next() && len(out) < q.Limit {
		var id string
		var start, end time.Time
		if err := rows.Scan(&id, &start, &end); err != nil {
			return nil, fmt.Errorf("booking: slot scan failed: %w", err)
		}
		if !matchesPreference(start.In(a.location), q.Preference) {
			continue
		}
		out = append(out, CanonicalizeSlot(id, start, end, a.location, session.SlotSourceInternal))
	}
	return out, rows.Err()
}

// Book implements Adapter. Marking the slot booked is the contention
// point: zero rows affected means someone took it first.
func (a *InternalAdapter) Book(ctx context.Context, req Request) (BookResult, error) {
	if a.idem != nil && req.IdempotencyKey != "" {
		fresh, prior, err := a.idem.Reserve(ctx, req.IdempotencyKey)
		if err != nil {
			return BookResult{Outcome: BookTechnicalError}, err
		}
		if !fresh {
			if prior != "" {
				return BookResult{Outcome: BookOK, ExternalEventID: prior}, nil
			}
			return BookResult{Outcome: BookTechnicalError}, errors.New("booking: attempt in flight for key")
		}
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return BookResult{Outcome: BookTechnicalError}, fmt.Errorf("booking: begin failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE slots SET booked = TRUE
		WHERE id = $1 AND tenant_id = $2 AND NOT booked
	`, req.Slot.ID, a.tenantID)
	if err != nil {
		return BookResult{Outcome: BookTechnicalError}, fmt.Errorf("booking: slot claim failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return BookResult{Outcome: BookSlotTaken}, nil
	}

	apptID := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO appointments (id, tenant_id, slot_id, patient_name, contact, motif, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'booked', NOW())
	`, apptID, a.tenantID, req.Slot.ID, req.Name, req.Contact, req.Motif)
	if err != nil {
		return BookResult{Outcome: BookTechnicalError}, fmt.Errorf("booking: appointment insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return BookResult{Outcome: BookTechnicalError}, fmt.Errorf("booking: commit failed: %w", err)
	}
	if a.idem != nil && req.IdempotencyKey != "" {
		_ = a.idem.Complete(ctx, req.IdempotencyKey, apptID)
	}
	return BookResult{Outcome: BookOK, ExternalEventID: apptID}, nil
}

// FindBookingByName implements Adapter.
func (a *InternalAdapter) FindBookingByName(ctx context.Context, name string) (*Booking, error) {
	var (
		id, slotID string
		start, end time.Time
	)
	err := a.db.QueryRowContext(ctx, `
		SELECT ap.id, ap.slot_id, s.start_at, s.end_at
		FROM appointments ap
		JOIN slots s ON s.id = ap.slot_id
		WHERE ap.tenant_id = $1 AND LOWER(ap.patient_name) = LOWER($2)
		  AND ap.status = 'booked' AND s.start_at >= NOW()
		ORDER BY s.start_at
		LIMIT 1
	`, a.tenantID, name).Scan(&id, &slotID, &start, &end)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("booking: appointment lookup failed: %w", err)
	}
	slot := CanonicalizeSlot(slotID, start, end, a.location, session.SlotSourceInternal)
	return &Booking{
		ID:              id,
		ExternalEventID: id,
		PatientName:     name,
		Label:           slot.Label,
		StartISO:        slot.StartISO,
	}, nil
}

// Cancel implements Adapter. Frees the slot and marks the appointment
// cancelled in one transaction.
func (a *InternalAdapter) Cancel(ctx context.Context, b *Booking) (bool, error) {
	if b == nil || b.ID == "" {
		return false, nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("booking: begin failed: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE appointments SET status = 'cancelled'
		WHERE id = $1 AND tenant_id = $2 AND status = 'booked'
	`, b.ID, a.tenantID)
	if err != nil {
		return false, fmt.Errorf("booking: appointment cancel failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE slots SET booked = FALSE
		WHERE tenant_id = $1 AND id = (SELECT slot_id FROM appointments WHERE id = $2)
	`, a.tenantID, b.ID)
	if err != nil {
		return false, fmt.Errorf("booking: slot release failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("booking: commit failed: %w", err)
	}
	return true, nil
}
