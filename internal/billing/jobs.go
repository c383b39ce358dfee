package billing

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vocalys/rdv-platform/internal/observability/metrics"
	"github.com/vocalys/rdv-platform/internal/tenancy"
	"github.com/vocalys/rdv-platform/pkg/logging"
)

// DefaultGrace is how long a past-due tenant keeps service before the
// sweep suspends it.
const DefaultGrace = 72 * time.Hour

// SuspensionJob is the daily sweep that suspends tenants whose billing
// stayed past due beyond the grace window.
type SuspensionJob struct {
	store   *Store
	tenants tenancy.Store
	grace   time.Duration
	logger  *logging.Logger
}

// NewSuspensionJob wires the sweep. grace defaults to DefaultGrace.
func NewSuspensionJob(store *Store, tenants tenancy.Store, grace time.Duration, logger *logging.Logger) *SuspensionJob {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SuspensionJob{store: store, tenants: tenants, grace: grace, logger: logger}
}

// Run suspends every due tenant and returns how many were suspended.
// Past-due suspensions are always hard.
func (j *SuspensionJob) Run(ctx context.Context, now time.Time) (int, error) {
	due, err := j.store.DueForSuspension(ctx, now, j.grace)
	if err != nil {
		return 0, err
	}
	suspended := 0
	for _, row := range due {
		if err := j.store.Suspend(ctx, row.TenantID, ReasonPastDue, ModeHard); err != nil {
			return suspended, err
		}
		if err := j.tenants.SetStatus(ctx, row.TenantID, tenancy.StatusSuspended); err != nil {
			return suspended, err
		}
		j.logger.Info("tenant suspended for non-payment", "tenant_id", row.TenantID, "status", row.Status, "period_end", row.PeriodEnd)
		suspended++
	}
	return suspended, nil
}

// Usage push statuses.
const (
	pushPending = "pending"
	pushSent    = "sent"
	pushFailed  = "failed"
)

// Quota alert thresholds, percent of plan minutes.
const (
	QuotaWarn = 80
	QuotaFull = 100
)

// UsagePusher sets the usage record for a metered subscription item.
type UsagePusher interface {
	PushUsage(ctx context.Context, itemID string, quantity int64, ts time.Time) error
}

// UsageJob aggregates the previous day's call minutes per tenant and
// pushes them to the provider through a pending→sent ledger. Failed
// pushes are retried on the next two daily runs, so a one-day provider
// outage loses no revenue.
type UsageJob struct {
	db      *sql.DB
	store   *Store
	pusher  UsagePusher
	metrics *metrics.BillingMetrics
	quotas  map[string]int64 // plan -> included minutes per month
	logger  *logging.Logger
}

// NewUsageJob wires the usage push. quotas and m may be nil.
func NewUsageJob(db *sql.DB, store *Store, pusher UsagePusher, quotas map[string]int64, m *metrics.BillingMetrics, logger *logging.Logger) *UsageJob {
	if db == nil || store == nil || pusher == nil {
		panic("billing: db, store and pusher required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &UsageJob{db: db, store: store, pusher: pusher, metrics: m, quotas: quotas, logger: logger}
}

// Run processes one usage day (normally yesterday, midnight UTC).
func (j *UsageJob) Run(ctx context.Context, day time.Time) error {
	day = day.UTC().Truncate(24 * time.Hour)

	if err := j.aggregate(ctx, day); err != nil {
		return err
	}
	if err := j.push(ctx, day); err != nil {
		return err
	}
	return j.alertQuotas(ctx, day)
}

// aggregate seeds the push ledger from the day's call sessions. The
// insert is idempotent per (tenant, day).
func (j *UsageJob) aggregate(ctx context.Context, day time.Time) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO usage_push_log (tenant_id, usage_day, minutes, status, attempts, updated_at)
		SELECT tenant_id, $1,
		       CEIL(SUM(EXTRACT(EPOCH FROM (updated_at - started_at))) / 60)::bigint,
		       $2, 0, $3
		FROM call_sessions
		WHERE started_at >= $1 AND started_at < $1 + INTERVAL '1 day'
		GROUP BY tenant_id
		ON CONFLICT (tenant_id, usage_day) DO NOTHING
	`, day, pushPending, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing: usage aggregation failed: %w", err)
	}
	return nil
}

type pushRow struct {
	tenantID int64
	day      time.Time
	minutes  int64
}

// push sends pending rows for the day plus failed rows from the two
// prior days.
func (j *UsageJob) push(ctx context.Context, day time.Time) error {
	rows, err := j.db.QueryContext(ctx, `
		SELECT tenant_id, usage_day, minutes FROM usage_push_log
		WHERE (status = $1 AND usage_day = $2)
		   OR (status = $3 AND usage_day >= $2 - INTERVAL '2 days')
		ORDER BY usage_day, tenant_id
	`, pushPending, day, pushFailed)
	if err != nil {
		return fmt.Errorf("billing: usage ledger query failed: %w", err)
	}
	defer rows.Close()

	var pending []pushRow
	for rows.Next() {
		var r pushRow
		if err := rows.Scan(&r.tenantID, &r.day, &r.minutes); err != nil {
			return fmt.Errorf("billing: usage ledger scan failed: %w", err)
		}
		pending = append(pending, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range pending {
		if err := j.pushOne(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (j *UsageJob) pushOne(ctx context.Context, r pushRow) error {
	row, err := j.store.ByTenant(ctx, r.tenantID)
	if err != nil {
		return err
	}
	if row == nil || row.MeteredItemID == "" {
		// No metered subscription; mark sent so the row stops retrying.
		return j.mark(ctx, r, pushSent)
	}

	endOfDay := r.day.Add(24*time.Hour - time.Second)
	if err := j.pusher.PushUsage(ctx, row.MeteredItemID, r.minutes, endOfDay); err != nil {
		j.logger.Warn("usage push failed", "tenant_id", r.tenantID, "usage_day", r.day.Format("2006-01-02"), "error", err)
		j.observePush("error")
		return j.mark(ctx, r, pushFailed)
	}
	j.observePush("ok")
	return j.mark(ctx, r, pushSent)
}

func (j *UsageJob) mark(ctx context.Context, r pushRow, status string) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE usage_push_log
		SET status = $3, attempts = attempts + 1, updated_at = $4
		WHERE tenant_id = $1 AND usage_day = $2
	`, r.tenantID, r.day, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing: usage ledger update failed: %w", err)
	}
	return nil
}

// alertQuotas writes a quota alert the first time a tenant crosses 80%
// then 100% of its plan minutes in the calendar month of the usage day.
func (j *UsageJob) alertQuotas(ctx context.Context, day time.Time) error {
	if len(j.quotas) == 0 {
		return nil
	}
	monthStart := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, time.UTC)

	rows, err := j.db.QueryContext(ctx, `
		SELECT tenant_id, COALESCE(SUM(minutes), 0) FROM usage_push_log
		WHERE usage_day >= $1 AND usage_day <= $2
		GROUP BY tenant_id
	`, monthStart, day)
	if err != nil {
		return fmt.Errorf("billing: quota query failed: %w", err)
	}
	defer rows.Close()

	type usage struct {
		tenantID int64
		minutes  int64
	}
	var usages []usage
	for rows.Next() {
		var u usage
		if err := rows.Scan(&u.tenantID, &u.minutes); err != nil {
			return fmt.Errorf("billing: quota scan failed: %w", err)
		}
		usages = append(usages, u)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range usages {
		row, err := j.store.ByTenant(ctx, u.tenantID)
		if err != nil {
			return err
		}
		if row == nil {
			continue
		}
		quota := j.quotas[row.Plan]
		if quota <= 0 {
			continue
		}
		pct := u.minutes * 100 / quota
		threshold := 0
		switch {
		case pct >= QuotaFull:
			threshold = QuotaFull
		case pct >= QuotaWarn:
			threshold = QuotaWarn
		default:
			continue
		}
		if err := j.writeAlert(ctx, u.tenantID, monthStart, threshold); err != nil {
			return err
		}
	}
	return nil
}

func (j *UsageJob) writeAlert(ctx context.Context, tenantID int64, month time.Time, threshold int) error {
	res, err := j.db.ExecContext(ctx, `
		INSERT INTO quota_alert_log (tenant_id, month, threshold, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, month, threshold) DO NOTHING
	`, tenantID, month, threshold, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("billing: quota alert insert failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		j.logger.Warn("tenant crossed usage quota", "tenant_id", tenantID, "month", month.Format("2006-01"), "threshold_pct", threshold)
	}
	return nil
}

func (j *UsageJob) observePush(result string) {
	if j.metrics != nil {
		j.metrics.ObserveUsagePush(result)
	}
}
