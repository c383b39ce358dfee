// Package billing keeps tenant subscription state in sync with the
// payment provider: webhook ingestion, the suspension sweep and the
// daily metered-usage push.
package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Billing statuses mirrored from the provider.
const (
	StatusActive   = "active"
	StatusTrialing = "trialing"
	StatusPastDue  = "past_due"
	StatusUnpaid   = "unpaid"
	StatusCanceled = "canceled"
)

// Suspension reasons and modes.
const (
	ReasonPastDue = "past_due"
	ReasonManual  = "manual"

	ModeHard = "hard"
	ModeSoft = "soft"
)

// Row is the per-tenant billing record.
type Row struct {
	TenantID            int64
	CustomerID          string
	SubscriptionID      string
	Status              string
	Plan                string
	PeriodStart         time.Time
	PeriodEnd           time.Time
	TrialEnd            *time.Time
	Suspended           bool
	SuspensionReason    string
	SuspensionMode      string
	ForceActiveOverride bool
	ForceActiveUntil    *time.Time
	MeteredItemID       string
	UpdatedAt           time.Time
}

// ForcedActive reports whether the override keeps the tenant active at
// the given instant.
func (r *Row) ForcedActive(now time.Time) bool {
	if r == nil || !r.ForceActiveOverride {
		return false
	}
	return r.ForceActiveUntil == nil || r.ForceActiveUntil.After(now)
}

// Store persists billing rows and the webhook idempotence ledger.
type Store struct {
	db *sql.DB
}

// NewStore creates the billing store.
func NewStore(db *sql.DB) *Store {
	if db == nil {
		panic("billing: db required")
	}
	return &Store{db: db}
}

const rowColumns = `tenant_id, customer_id, subscription_id, billing_status, plan,
		current_period_start, current_period_end, trial_end,
		is_suspended, suspension_reason, suspension_mode,
		force_active_override, force_active_until, metered_item_id, updated_at`

func scanRow(s interface{ Scan(...any) error }) (*Row, error) {
	var r Row
	var subID, reason, mode, metered sql.NullString
	var trialEnd, forceUntil sql.NullTime
	err := s.Scan(
		&r.TenantID, &r.CustomerID, &subID, &r.Status, &r.Plan,
		&r.PeriodStart, &r.PeriodEnd, &trialEnd,
		&r.Suspended, &reason, &mode,
		&r.ForceActiveOverride, &forceUntil, &metered, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.SubscriptionID = subID.String
	r.SuspensionReason = reason.String
	r.SuspensionMode = mode.String
	r.MeteredItemID = metered.String
	if trialEnd.Valid {
		t := trialEnd.Time
		r.TrialEnd = &t
	}
	if forceUntil.Valid {
		t := forceUntil.Time
		r.ForceActiveUntil = &t
	}
	return &r, nil
}

// Upsert writes the subscription fields of the billing row, leaving the
// suspension and override columns untouched on update.
func (s *Store) Upsert(ctx context.Context, r *Row) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_billing (
			tenant_id, customer_id, subscription_id, billing_status, plan,
			current_period_start, current_period_end, trial_end,
			metered_item_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id) DO UPDATE SET
			customer_id = EXCLUDED.customer_id,
			subscription_id = EXCLUDED.subscription_id,
			billing_status = EXCLUDED.billing_status,
			plan = EXCLUDED.plan,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			trial_end = EXCLUDED.trial_end,
			metered_item_id = EXCLUDED.metered_item_id,
			updated_at = EXCLUDED.updated_at
	`, r.TenantID, r.CustomerID, nullStr(r.SubscriptionID), r.Status, r.Plan,
		r.PeriodStart, r.PeriodEnd, nullTime(r.TrialEnd),
		nullStr(r.MeteredItemID), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing: upsert failed: %w", err)
	}
	return nil
}

// ByTenant returns the billing row, or (nil, nil) when absent.
func (s *Store) ByTenant(ctx context.Context, tenantID int64) (*Row, error) {
	r, err := scanRow(s.db.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM tenant_billing WHERE tenant_id = $1`, tenantID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("billing: row lookup failed: %w", err)
	}
	return r, nil
}

// ByCustomer returns the billing row for a provider customer id, or
// (nil, nil) when absent.
func (s *Store) ByCustomer(ctx context.Context, customerID string) (*Row, error) {
	r, err := scanRow(s.db.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM tenant_billing WHERE customer_id = $1`, customerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("billing: customer lookup failed: %w", err)
	}
	return r, nil
}

// SetStatus updates only the billing status.
func (s *Store) SetStatus(ctx context.Context, tenantID int64, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tenant_billing SET billing_status = $2, updated_at = $3
		WHERE tenant_id = $1
	`, tenantID, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing: status update failed: %w", err)
	}
	return nil
}

// ClearSubscription handles subscription deletion: the subscription id
// is nulled and the status set to canceled.
func (s *Store) ClearSubscription(ctx context.Context, tenantID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tenant_billing
		SET subscription_id = NULL, billing_status = $2, updated_at = $3
		WHERE tenant_id = $1
	`, tenantID, StatusCanceled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing: clear subscription failed: %w", err)
	}
	return nil
}

// Suspend marks the billing row suspended.
func (s *Store) Suspend(ctx context.Context, tenantID int64, reason, mode string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tenant_billing
		SET is_suspended = TRUE, suspension_reason = $2, suspension_mode = $3, updated_at = $4
		WHERE tenant_id = $1
	`, tenantID, reason, mode, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing: suspend failed: %w", err)
	}
	return nil
}

// ClearSuspension lifts a suspension after reactivation.
func (s *Store) ClearSuspension(ctx context.Context, tenantID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tenant_billing
		SET is_suspended = FALSE, suspension_reason = NULL, suspension_mode = NULL, updated_at = $2
		WHERE tenant_id = $1
	`, tenantID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing: clear suspension failed: %w", err)
	}
	return nil
}

// DueForSuspension lists tenants past due beyond the grace window and
// not shielded by an active force-active override.
func (s *Store) DueForSuspension(ctx context.Context, now time.Time, grace time.Duration) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rowColumns+` FROM tenant_billing
		WHERE billing_status IN ($1, $2)
		  AND is_suspended = FALSE
		  AND current_period_end + $3::interval < $4
		  AND NOT (force_active_override AND (force_active_until IS NULL OR force_active_until > $4))
	`, StatusPastDue, StatusUnpaid, fmt.Sprintf("%d seconds", int64(grace.Seconds())), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("billing: suspension query failed: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: suspension scan failed: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// MarkEventProcessed claims a webhook event id in the idempotence
// ledger. fresh is false when the event was already processed.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_webhook_events (event_id, received_at)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("billing: event ledger insert failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("billing: event ledger result failed: %w", err)
	}
	return n > 0, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
