package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vocalys/rdv-platform/pkg/logging"
)

// ErrLockBusy is returned when the per-call lock cannot be acquired
// within the wait timeout. The caller returns a retryable status; the
// telephony bridge retries.
var ErrLockBusy = errors.New("journal: call lock busy")

// pgLockNotAvailable is the Postgres error code raised when
// lock_timeout expires while waiting on the row lock.
const pgLockNotAvailable = "55P03"

// CallLock serializes FSM transitions per (tenant, call) with a
// row-level exclusive lock on the call-session row. The lock lives in a
// transaction; if the process crashes mid-turn the backing connection
// closes and Postgres releases the lock.
type CallLock struct {
	pool    Pool
	log     *Log
	timeout time.Duration
	logger  *logging.Logger
}

// NewCallLock creates the lock manager. timeout defaults to 2s.
func NewCallLock(pool Pool, log *Log, timeout time.Duration, logger *logging.Logger) *CallLock {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CallLock{pool: pool, log: log, timeout: timeout, logger: logger}
}

// LockedCall is a held per-call lock. Journal writes for the turn must
// go through Tx so they share the locked connection.
type LockedCall struct {
	Tx       pgx.Tx
	TenantID int64
	CallID   string
	released bool
}

// Acquire takes the exclusive row lock for (tenant, call), creating the
// call-session row on first contact. Returns ErrLockBusy when another
// webhook holds the lock past the wait timeout. A nil pool yields a
// lock-free LockedCall for degraded in-memory operation.
func (c *CallLock) Acquire(ctx context.Context, tenantID int64, callID string) (*LockedCall, error) {
	if c.pool == nil {
		return &LockedCall{TenantID: tenantID, CallID: callID}, nil
	}

	if err := c.log.EnsureCall(ctx, c.pool, tenantID, callID); err != nil {
		return nil, err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("journal: lock tx begin failed: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", c.timeout.Milliseconds())); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("journal: lock timeout setup failed: %w", err)
	}

	var status string
	err = tx.QueryRow(ctx, `
		SELECT status FROM call_sessions
		WHERE tenant_id = $1 AND call_id = $2
		FOR UPDATE
	`, tenantID, callID).Scan(&status)
	if err != nil {
		_ = tx.Rollback(ctx)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			c.logger.Warn("journal: call lock wait timed out", "tenant_id", tenantID, "call_id", callID)
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("journal: lock acquire failed: %w", err)
	}

	return &LockedCall{Tx: tx, TenantID: tenantID, CallID: callID}, nil
}

// Querier returns the handle journal writes must use while the lock is
// held. Falls back to nil in degraded mode, which turns writes into
// no-ops.
func (lc *LockedCall) Querier() Querier {
	if lc == nil || lc.Tx == nil {
		return nil
	}
	return lc.Tx
}

// Released reports whether the lock was already released. Degraded
// (lock-free) handles count as released.
func (lc *LockedCall) Released() bool {
	return lc == nil || lc.Tx == nil || lc.released
}

// Release commits the turn's writes and drops the lock. With commit
// false the transaction rolls back, discarding the turn's journal
// writes.
func (lc *LockedCall) Release(ctx context.Context, commit bool) error {
	if lc == nil || lc.Tx == nil || lc.released {
		return nil
	}
	lc.released = true
	if commit {
		if err := lc.Tx.Commit(ctx); err != nil {
			return fmt.Errorf("journal: lock commit failed: %w", err)
		}
		return nil
	}
	if err := lc.Tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("journal: lock rollback failed: %w", err)
	}
	return nil
}
