// Package journal is the durable substrate for voice calls: an
// append-only per-call message log with a gap-free monotonic sequence,
// periodic state checkpoints, and the advisory per-call lock that
// serializes webhook processing.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vocalys/rdv-platform/pkg/logging"
)

// Roles of journal entries.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Call session statuses.
const (
	CallActive = "active"
	CallEnded  = "ended"
)

// Querier is satisfied by pgxpool.Pool, pgx.Tx and pgxmock. Journal
// writes issued during a locked turn pass the lock's transaction so
// they reuse its connection and cannot deadlock with themselves.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Pool adds transaction support on top of Querier.
type Pool interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Entry is one persisted journal line.
type Entry struct {
	TenantID int64     `json:"tenant_id"`
	CallID   string    `json:"call_id"`
	Seq      int64     `json:"seq"`
	Role     string    `json:"role"`
	Text     string    `json:"text"`
	TS       time.Time `json:"ts"`
}

// Log appends messages and checkpoints for voice calls. A nil pool runs
// the log in degraded in-memory mode where every write is a no-op; the
// engine still serves the call from its cached session.
type Log struct {
	pool   Pool
	logger *logging.Logger
}

// NewLog creates a journal over the given pool. pool may be nil.
func NewLog(pool Pool, logger *logging.Logger) *Log {
	if logger == nil {
		logger = logging.Default()
	}
	return &Log{pool: pool, logger: logger}
}

// Durable reports whether journal writes actually persist.
func (l *Log) Durable() bool {
	return l.pool != nil
}

// transient reports connection-level failures worth one retry.
func transient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "timeout"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// EnsureCall creates the call-session row if it does not exist yet.
func (l *Log) EnsureCall(ctx context.Context, q Querier, tenantID int64, callID string) error {
	if q == nil {
		return nil
	}
	_, err := q.Exec(ctx, `
		INSERT INTO call_sessions (tenant_id, call_id, status, last_state, last_seq, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5)
		ON CONFLICT (tenant_id, call_id) DO NOTHING
	`, tenantID, callID, CallActive, "START", time.Now().UTC())
	if err != nil {
		return fmt.Errorf("journal: ensure call failed: %w", err)
	}
	return nil
}

// NextSeq atomically increments and returns the per-call sequence.
// Sequences are strictly increasing with no gaps within a call; the
// counter lives on the call-session row so the increment rides the row
// lock held for the turn.
func (l *Log) NextSeq(ctx context.Context, q Querier, tenantID int64, callID string) (int64, error) {
	if q == nil {
		return 0, nil
	}
	var seq int64
	err := q.QueryRow(ctx, `
		UPDATE call_sessions
		SET last_seq = last_seq + 1, updated_at = $3
		WHERE tenant_id = $1 AND call_id = $2
		RETURNING last_seq
	`, tenantID, callID, time.Now().UTC()).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("journal: next seq failed: %w", err)
	}
	return seq, nil
}

// AppendMessage persists a journal entry at the next sequence and
// returns the assigned seq. On an unreachable store it degrades to a
// no-op after one transient retry and returns seq 0.
func (l *Log) AppendMessage(ctx context.Context, q Querier, tenantID int64, callID, role, text string, ts time.Time) (int64, error) {
	if q == nil {
		return 0, nil
	}
	seq, err := l.appendOnce(ctx, q, tenantID, callID, role, text, ts)
	if err != nil && transient(err) {
		time.Sleep(50 * time.Millisecond)
		seq, err = l.appendOnce(ctx, q, tenantID, callID, role, text, ts)
	}
	if err != nil {
		if transient(err) {
			l.logger.Warn("journal: append degraded to no-op", "tenant_id", tenantID, "call_id", callID, "error", err)
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}

func (l *Log) appendOnce(ctx context.Context, q Querier, tenantID int64, callID, role, text string, ts time.Time) (int64, error) {
	seq, err := l.NextSeq(ctx, q, tenantID, callID)
	if err != nil {
		return 0, err
	}
	_, err = q.Exec(ctx, `
		INSERT INTO call_messages (tenant_id, call_id, seq, role, text, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tenantID, callID, seq, role, text, ts.UTC())
	if err != nil {
		return 0, fmt.Errorf("journal: append failed: %w", err)
	}
	return seq, nil
}

// WriteCheckpoint snapshots session state at the given seq. Idempotent:
// a conflicting (tenant, call, seq) insert is a no-op. The state blob
// contains no secrets.
func (l *Log) WriteCheckpoint(ctx context.Context, q Querier, tenantID int64, callID string, seq int64, state []byte) error {
	if q == nil || seq == 0 {
		return nil
	}
	err := l.checkpointOnce(ctx, q, tenantID, callID, seq, state)
	if err != nil && transient(err) {
		time.Sleep(50 * time.Millisecond)
		err = l.checkpointOnce(ctx, q, tenantID, callID, seq, state)
	}
	if err != nil {
		if transient(err) {
			l.logger.Warn("journal: checkpoint degraded to no-op", "tenant_id", tenantID, "call_id", callID, "error", err)
			return nil
		}
		return err
	}
	return nil
}

func (l *Log) checkpointOnce(ctx context.Context, q Querier, tenantID int64, callID string, seq int64, state []byte) error {
	_, err := q.Exec(ctx, `
		INSERT INTO call_state_checkpoints (tenant_id, call_id, seq, state_json)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, call_id, seq) DO NOTHING
	`, tenantID, callID, seq, state)
	if err != nil {
		return fmt.Errorf("journal: checkpoint failed: %w", err)
	}
	return nil
}

// LoadLatestCheckpoint returns the newest snapshot for the call, or
// (0, nil, nil) when none exists. Resume rebuilds the session from the
// snapshot; messages are not replayed.
func (l *Log) LoadLatestCheckpoint(ctx context.Context, q Querier, tenantID int64, callID string) (int64, []byte, error) {
	if q == nil {
		return 0, nil, nil
	}
	var seq int64
	var state []byte
	err := q.QueryRow(ctx, `
		SELECT seq, state_json FROM call_state_checkpoints
		WHERE tenant_id = $1 AND call_id = $2
		ORDER BY seq DESC
		LIMIT 1
	`, tenantID, callID).Scan(&seq, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("journal: checkpoint load failed: %w", err)
	}
	return seq, state, nil
}

// UpdateCallState records the FSM state on the call-session row.
func (l *Log) UpdateCallState(ctx context.Context, q Querier, tenantID int64, callID, state string) error {
	if q == nil {
		return nil
	}
	_, err := q.Exec(ctx, `
		UPDATE call_sessions SET last_state = $3, updated_at = $4
		WHERE tenant_id = $1 AND call_id = $2
	`, tenantID, callID, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("journal: state update failed: %w", err)
	}
	return nil
}

// EndCall marks the call-session row ended.
func (l *Log) EndCall(ctx context.Context, q Querier, tenantID int64, callID string) error {
	if q == nil {
		return nil
	}
	_, err := q.Exec(ctx, `
		UPDATE call_sessions SET status = $3, updated_at = $4
		WHERE tenant_id = $1 AND call_id = $2
	`, tenantID, callID, CallEnded, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("journal: end call failed: %w", err)
	}
	return nil
}

// Messages lists the journal for a call in sequence order.
func (l *Log) Messages(ctx context.Context, tenantID int64, callID string, limit int) ([]Entry, error) {
	if l.pool == nil {
		return nil, nil
	}
	query := `
		SELECT tenant_id, call_id, seq, role, text, ts
		FROM call_messages
		WHERE tenant_id = $1 AND call_id = $2
		ORDER BY seq ASC
	`
	args := []any{tenantID, callID}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: messages query failed: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TenantID, &e.CallID, &e.Seq, &e.Role, &e.Text, &e.TS); err != nil {
			return nil, fmt.Errorf("journal: messages scan failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
