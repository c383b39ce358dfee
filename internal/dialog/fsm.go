// Package dialog drives each conversation through a deterministic
// finite-state machine. All routing is keyword and regex based; the FSM
// is the only mutator of session state.
package dialog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vocalys/rdv-platform/internal/booking"
	"github.com/vocalys/rdv-platform/internal/session"
	"github.com/vocalys/rdv-platform/internal/tenancy"
	"github.com/vocalys/rdv-platform/pkg/logging"
)

// Audit event names. Emergency events carry the triage category, never
// the raw symptom text.
const (
	AuditTransfer      = "human_transfer"
	AuditCancelHandoff = "cancel_handoff"
	AuditNoCalendar    = "no_calendar_handoff"
	auditEmergency     = "emergency_"
)

// AuditSink records compliance events for a call.
type AuditSink interface {
	Record(ctx context.Context, tenantID int64, callID, event string) error
}

// FAQStore answers practice questions (hours, address, pricing).
type FAQStore interface {
	Answer(ctx context.Context, tenantID int64, question string) (string, bool)
}

// AdapterFactory builds the booking adapter for one tenant.
type AdapterFactory func(t *tenancy.Tenant) booking.Adapter

// Turn is the outcome of one user turn.
type Turn struct {
	Reply        string
	StateChanged bool
	EndCall      bool
}

// Engine is the conversation state machine.
type Engine struct {
	adapters  AdapterFactory
	audit     AuditSink
	faq       FAQStore
	logger    *logging.Logger
	now       func() time.Time
	slotLimit int
}

// NewEngine wires the FSM dependencies. audit and faq may be nil.
func NewEngine(adapters AdapterFactory, audit AuditSink, faq FAQStore, logger *logging.Logger) *Engine {
	if adapters == nil {
		panic("dialog: adapter factory required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		adapters:  adapters,
		audit:     audit,
		faq:       faq,
		logger:    logger,
		now:       time.Now,
		slotLimit: 3,
	}
}

// HandleTurn advances the FSM by one user turn. The caller holds the
// call lock and owns persistence; the engine only mutates the session.
func (e *Engine) HandleTurn(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string) (*Turn, error) {
	if tenant == nil || sess == nil {
		return nil, fmt.Errorf("dialog: tenant and session required")
	}
	p := PromptsFor(tenant.Config.Language)
	prevState := sess.State
	sess.TurnCount++

	reply, endCall, err := e.step(ctx, tenant, sess, text, p)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(strings.TrimSpace(reply), "?") {
		sess.ConsecutiveQuestions++
	} else {
		sess.ConsecutiveQuestions = 0
	}
	changed := sess.State != prevState
	if changed {
		sess.LastState = prevState
	}
	return &Turn{
		Reply:        reply,
		StateChanged: changed,
		EndCall:      endCall || session.IsTerminal(sess.State),
	}, nil
}

// step applies the per-turn contract: empty guard, turn-count guard,
// emergency guard, intent override, barge-in, then the state handler.
func (e *Engine) step(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	trimmed := strings.TrimSpace(text)

	if trimmed == "" {
		sess.EmptyMessageCount++
		if sess.EmptyMessageCount >= 2 && !session.IsTerminal(sess.State) {
			return e.enterIntentRouter(ctx, tenant, sess, p), false, nil
		}
		return p.EmptyReprompt, false, nil
	}
	sess.EmptyMessageCount = 0

	if sess.TurnCount > session.MaxTurns && !session.IsTerminal(sess.State) {
		return e.enterIntentRouter(ctx, tenant, sess, p), false, nil
	}

	if sess.State == session.StateEmergency {
		return p.Emergency, true, nil
	}
	if tri := Triage(trimmed); tri.Level == TriageEmergency {
		sess.State = session.StateEmergency
		e.recordAudit(ctx, tenant, sess, auditEmergency+tri.Category)
		return p.Emergency, true, nil
	}

	switch sess.State {
	case session.StateConfirmed:
		return p.ConfirmedAgain, true, nil
	case session.StateTransferred:
		return p.TransferredEnd, true, nil
	}

	if intent := DetectIntent(trimmed); intent != IntentNone {
		if string(intent) == sess.LastIntent {
			// same override twice in a row: acknowledge once, collapse
			// to the menu
			return p.AckIntentOnce + e.enterIntentRouter(ctx, tenant, sess, p), false, nil
		}
		sess.LastIntent = string(intent)
		switch intent {
		case IntentHuman:
			return e.transfer(ctx, tenant, sess, p.Transferred), false, nil
		case IntentCancel:
			sess.State = session.StateCancelName
			return p.CancelAskName, false, nil
		case IntentModify:
			sess.State = session.StateModifyName
			return p.ModifyAskName, false, nil
		case IntentFAQ:
			return e.answerInlineFAQ(ctx, tenant, sess, trimmed, p), false, nil
		}
	} else {
		sess.LastIntent = ""
	}

	// Barge-in while the agent is enumerating slots: a valid choice
	// confirms immediately, without reproposal.
	if sess.State == session.StateWaitConfirm && sess.IsReadingSlots {
		if idx, ok := ParseSlotChoice(trimmed, sess.PendingSlots); ok {
			return e.acceptSlotChoice(sess, idx, p), false, nil
		}
	}

	return e.dispatch(ctx, tenant, sess, trimmed, p)
}

func (e *Engine) dispatch(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	switch sess.State {
	case session.StateStart, session.StateExtract:
		return e.handleStart(ctx, tenant, sess, text, p)
	case session.StateQualifName:
		return e.handleQualifName(ctx, tenant, sess, text, p), false, nil
	case session.StateQualifMotif:
		return e.handleQualifMotif(sess, text, p), false, nil
	case session.StateQualifPref:
		return e.handleQualifPref(ctx, tenant, sess, text, p)
	case session.StateProposeSlots:
		reply := e.proposeSlots(ctx, tenant, sess, p)
		return reply, false, nil
	case session.StateWaitConfirm:
		return e.handleWaitConfirm(ctx, tenant, sess, text, p)
	case session.StateQualifContact:
		return e.handleQualifContact(ctx, tenant, sess, text, p)
	case session.StateContactConfirm:
		return e.handleContactConfirm(ctx, tenant, sess, text, p)
	case session.StateIntentRouter:
		return e.handleIntentRouter(ctx, tenant, sess, text, p)
	case session.StateCancelName:
		return e.handleCancelName(ctx, tenant, sess, text, p)
	case session.StateCancelConfirm:
		return e.handleCancelConfirm(ctx, tenant, sess, text, p)
	case session.StateModifyName:
		return e.handleModifyName(ctx, tenant, sess, text, p)
	case session.StateModifySlotPick:
		return e.handleModifySlotPick(ctx, tenant, sess, text, p)
	case session.StateFAQAnswer:
		return e.handleFAQAnswer(ctx, tenant, sess, text, p)
	default:
		e.logger.Warn("unknown session state, resetting", "state", sess.State, "conv_id", sess.ConvID)
		sess.State = session.StateStart
		return p.Greeting, false, nil
	}
}

// enterIntentRouter presents the action menu. A second visit within the
// same call ends to human transfer.
func (e *Engine) enterIntentRouter(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, p Prompts) string {
	sess.IntentRouterVisits++
	if sess.IntentRouterVisits > 1 {
		return e.transfer(ctx, tenant, sess, p.Transferred)
	}
	sess.State = session.StateIntentRouter
	sess.IsReadingSlots = false
	return p.IntentMenu
}

// transfer moves the call to the terminal transferred state, writing
// the audit event at most once per call.
func (e *Engine) transfer(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, reply string) string {
	sess.State = session.StateTransferred
	sess.IsReadingSlots = false
	if !sess.TransferLogged {
		sess.TransferLogged = true
		e.recordAudit(ctx, tenant, sess, AuditTransfer)
	}
	return reply
}

func (e *Engine) recordAudit(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, event string) {
	if e.audit == nil || tenant == nil {
		return
	}
	if err := e.audit.Record(ctx, tenant.ID, sess.ConvID, event); err != nil {
		e.logger.Error("audit write failed", "event", event, "conv_id", sess.ConvID, "error", err)
	}
}

// questionFor re-states the question the current state is waiting on.
func (e *Engine) questionFor(sess *session.Session, p Prompts) string {
	switch sess.State {
	case session.StateQualifName:
		return p.AskName
	case session.StateQualifMotif:
		return p.AskMotif
	case session.StateQualifPref:
		return p.AskPref
	case session.StateWaitConfirm:
		return p.FormatSlots(sess.PendingSlots, sess.Channel)
	case session.StateQualifContact:
		return p.AskContact
	case session.StateContactConfirm:
		return fmt.Sprintf(p.ConfirmContact, sess.Qualif.Contact)
	case session.StateCancelName:
		return p.CancelAskName
	case session.StateModifyName:
		return p.ModifyAskName
	case session.StateIntentRouter:
		return p.IntentMenu
	default:
		return p.IntentMenu
	}
}

// resume places the session at the first unanswered question of the
// booking flow and returns it.
func (e *Engine) resume(sess *session.Session, p Prompts) string {
	switch {
	case sess.Qualif.Name == "":
		sess.State = session.StateQualifName
		return p.AskName
	case sess.Qualif.Motif == "":
		sess.State = session.StateQualifMotif
		return p.AskMotif
	case sess.Qualif.TimePref == "":
		sess.State = session.StateQualifPref
		return p.AskPref
	case len(sess.PendingSlots) > 0 && sess.PendingSlotChoice == nil:
		sess.State = session.StateWaitConfirm
		sess.IsReadingSlots = true
		return p.FormatSlots(sess.PendingSlots, sess.Channel)
	case sess.Qualif.Contact == "":
		sess.State = session.StateQualifContact
		return p.AskContact
	default:
		sess.State = session.StateContactConfirm
		return fmt.Sprintf(p.ConfirmContact, sess.Qualif.Contact)
	}
}

// answerInlineFAQ handles a practice question raised mid-flow: answer,
// then restate the pending question without leaving the current state.
func (e *Engine) answerInlineFAQ(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) string {
	if e.faq != nil {
		if answer, ok := e.faq.Answer(ctx, tenant.ID, text); ok {
			sess.Recovery.Reset("faq")
			return answer + " " + e.questionFor(sess, p)
		}
	}
	sess.Recovery.Inc("faq.fails")
	if sess.Recovery.Escalated("faq.fails") {
		return e.enterIntentRouter(ctx, tenant, sess, p)
	}
	return p.FAQFallback + " " + e.questionFor(sess, p)
}
