// Package engine orchestrates one webhook turn: call lock, session
// resume, journal writes, the dialog FSM, checkpoints and side effects.
// Channel adapters stay pure; everything stateful happens here.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vocalys/rdv-platform/internal/channels"
	"github.com/vocalys/rdv-platform/internal/dialog"
	"github.com/vocalys/rdv-platform/internal/journal"
	"github.com/vocalys/rdv-platform/internal/notify"
	"github.com/vocalys/rdv-platform/internal/observability/metrics"
	"github.com/vocalys/rdv-platform/internal/session"
	"github.com/vocalys/rdv-platform/internal/tenancy"
	"github.com/vocalys/rdv-platform/internal/transcript"
	"github.com/vocalys/rdv-platform/pkg/logging"
)

// ErrTenantSuspended is returned before any state is touched when the
// tenant must not be served. The router maps it to 403.
var ErrTenantSuspended = errors.New("engine: tenant suspended")

// ErrBusy wraps the journal lock timeout; the router maps it to a
// retryable status so the telephony bridge redelivers the webhook.
var ErrBusy = journal.ErrLockBusy

// Engine runs the per-turn pipeline.
type Engine struct {
	dialog      *dialog.Engine
	sessions    *session.HybridStore
	journal     *journal.Log
	lock        *journal.CallLock
	transcripts *transcript.Store
	notifier    *notify.Service
	metrics     *metrics.EngineMetrics
	logger      *logging.Logger
	now         func() time.Time
}

// New wires the pipeline. transcripts, notifier and metrics may be nil.
func New(
	d *dialog.Engine,
	sessions *session.HybridStore,
	log *journal.Log,
	lock *journal.CallLock,
	transcripts *transcript.Store,
	notifier *notify.Service,
	m *metrics.EngineMetrics,
	logger *logging.Logger,
) *Engine {
	if d == nil || sessions == nil || log == nil {
		panic("engine: dialog, sessions and journal required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		dialog:      d,
		sessions:    sessions,
		journal:     log,
		lock:        lock,
		transcripts: transcripts,
		notifier:    notifier,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// HandleTurn processes one inbound message for an already-resolved
// tenant and returns the agent reply. Voice turns run under the per-call
// lock; journal writes for the turn commit atomically with its release.
func (e *Engine) HandleTurn(ctx context.Context, tenant *tenancy.Tenant, msg channels.Message) (*channels.Reply, error) {
	if tenant == nil {
		return nil, fmt.Errorf("engine: tenant required")
	}
	if tenant.Suspended() {
		return nil, ErrTenantSuspended
	}
	if msg.CallID == "" {
		return nil, fmt.Errorf("engine: conversation id required")
	}
	start := e.now()

	var locked *journal.LockedCall
	var q journal.Querier
	if msg.Channel == session.ChannelVoice && e.lock != nil {
		lc, err := e.lock.Acquire(ctx, tenant.ID, msg.CallID)
		if err != nil {
			if errors.Is(err, journal.ErrLockBusy) {
				e.metrics.ObserveLockTimeout()
			}
			return nil, err
		}
		locked = lc
		q = lc.Querier()
		defer func() {
			if !locked.Released() {
				_ = locked.Release(ctx, false)
			}
		}()
	}

	sess, err := e.resumeSession(ctx, tenant, msg, q)
	if err != nil {
		return nil, err
	}

	if _, err := e.journal.AppendMessage(ctx, q, tenant.ID, msg.CallID, journal.RoleUser, msg.Text, e.now()); err != nil {
		return nil, err
	}

	turn, err := e.dialog.HandleTurn(ctx, tenant, sess, msg.Text)
	if err != nil {
		return nil, err
	}

	agentSeq, err := e.journal.AppendMessage(ctx, q, tenant.ID, msg.CallID, journal.RoleAgent, turn.Reply, e.now())
	if err != nil {
		return nil, err
	}

	if turn.StateChanged {
		blob, err := sess.Encode()
		if err != nil {
			return nil, err
		}
		if err := e.journal.WriteCheckpoint(ctx, q, tenant.ID, msg.CallID, agentSeq, blob); err != nil {
			return nil, err
		}
	}

	if err := e.journal.UpdateCallState(ctx, q, tenant.ID, msg.CallID, sess.State); err != nil {
		return nil, err
	}
	if turn.EndCall {
		if err := e.journal.EndCall(ctx, q, tenant.ID, msg.CallID); err != nil {
			return nil, err
		}
	}

	if err := e.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	if locked != nil {
		if err := locked.Release(ctx, true); err != nil {
			return nil, err
		}
	}

	// Post-commit side effects: best effort, never fail the turn.
	e.appendTranscript(ctx, tenant.ID, msg.CallID, msg.Text, turn.Reply)
	if turn.StateChanged && sess.State == session.StateConfirmed {
		e.sendConfirmation(ctx, tenant, sess)
	}

	e.metrics.ObserveTurn(msg.Channel, sess.State, e.now().Sub(start).Seconds())

	return &channels.Reply{Text: turn.Reply, EndCall: turn.EndCall}, nil
}

// SessionState reports the FSM state of a live conversation, or empty
// when none is cached.
func (e *Engine) SessionState(_ context.Context, tenantID int64, convID string) (string, error) {
	sess := e.sessions.Peek(tenantID, convID)
	if sess == nil {
		return "", nil
	}
	return sess.State, nil
}

// resumeSession returns the live session, rebuilding a voice session
// from the latest journal checkpoint when the process-local cache lost
// it (restart, different instance).
func (e *Engine) resumeSession(ctx context.Context, tenant *tenancy.Tenant, msg channels.Message, q journal.Querier) (*session.Session, error) {
	sess, err := e.sessions.GetOrCreate(ctx, tenant.ID, msg.CallID, msg.Channel)
	if err != nil {
		return nil, err
	}
	if msg.Channel != session.ChannelVoice || sess.TurnCount > 0 || q == nil {
		return sess, nil
	}

	seq, blob, err := e.journal.LoadLatestCheckpoint(ctx, q, tenant.ID, msg.CallID)
	if err != nil {
		return nil, err
	}
	if seq == 0 || len(blob) == 0 {
		return sess, nil
	}
	restored, err := session.Decode(blob)
	if err != nil {
		e.logger.Warn("checkpoint rejected, starting fresh", "tenant_id", tenant.ID, "call_id", msg.CallID, "error", err)
		return sess, nil
	}
	restored.TenantID = tenant.ID
	restored.ConvID = msg.CallID
	restored.Channel = msg.Channel
	if err := e.sessions.Save(ctx, restored); err != nil {
		return nil, err
	}
	e.logger.Info("session resumed from checkpoint", "tenant_id", tenant.ID, "call_id", msg.CallID, "seq", seq, "state", restored.State)
	return restored, nil
}

func (e *Engine) appendTranscript(ctx context.Context, tenantID int64, callID, userText, agentText string) {
	if e.transcripts == nil {
		return
	}
	if err := e.transcripts.Append(ctx, tenantID, callID, transcript.Message{Role: journal.RoleUser, Text: userText}); err != nil {
		e.logger.Warn("transcript append failed", "call_id", callID, "error", err)
		return
	}
	if err := e.transcripts.Append(ctx, tenantID, callID, transcript.Message{Role: journal.RoleAgent, Text: agentText}); err != nil {
		e.logger.Warn("transcript append failed", "call_id", callID, "error", err)
	}
}

func (e *Engine) sendConfirmation(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session) {
	if e.notifier == nil || sess.Qualif.ContactKind != session.ContactEmail {
		return
	}
	slot, ok := sess.ChosenSlot()
	if !ok {
		return
	}
	e.notifier.SendBookingConfirmation(ctx, notify.Confirmation{
		To:           sess.Qualif.Contact,
		PatientName:  sess.Qualif.Name,
		BusinessName: tenant.Config.BusinessName,
		SlotLabel:    slot.Label,
		Motif:        sess.Qualif.Motif,
	})
}
