package dialog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vocalys/rdv-platform/internal/booking"
	"github.com/vocalys/rdv-platform/internal/session"
	"github.com/vocalys/rdv-platform/internal/tenancy"
)

type fakeAdapter struct {
	slots       []session.CanonicalSlot
	bookOutcome booking.BookOutcome
	bookErr     error
	bookCalls   int
	found       *booking.Booking
	findErr     error
	cancelOK    bool
	cancelErr   error
	canPropose  bool
}

func (f *fakeAdapter) ListFreeSlots(context.Context, booking.ListQuery) ([]session.CanonicalSlot, error) {
	return f.slots, nil
}

func (f *fakeAdapter) Book(_ context.Context, req booking.Request) (booking.BookResult, error) {
	f.bookCalls++
	if f.bookErr != nil {
		return booking.BookResult{Outcome: f.bookOutcome}, f.bookErr
	}
	return booking.BookResult{Outcome: f.bookOutcome, ExternalEventID: "evt-1"}, nil
}

func (f *fakeAdapter) FindBookingByName(context.Context, string) (*booking.Booking, error) {
	return f.found, f.findErr
}

func (f *fakeAdapter) Cancel(context.Context, *booking.Booking) (bool, error) {
	return f.cancelOK, f.cancelErr
}

func (f *fakeAdapter) CanProposeSlots() bool { return f.canPropose }

type fakeAudit struct {
	events []string
}

func (f *fakeAudit) Record(_ context.Context, _ int64, _, event string) error {
	f.events = append(f.events, event)
	return nil
}

func frTenant() *tenancy.Tenant {
	t := &tenancy.Tenant{ID: 1, Name: "Cabinet Martin", Timezone: "Europe/Paris",
		Config: tenancy.Config{CalendarProvider: tenancy.CalendarGoogle}}
	t.Normalize()
	return t
}

func newTestEngine(adapter booking.Adapter, audit *fakeAudit) *Engine {
	return NewEngine(func(*tenancy.Tenant) booking.Adapter { return adapter }, audit, nil, nil)
}

func turnOK(t *testing.T, e *Engine, tenant *tenancy.Tenant, sess *session.Session, text string) *Turn {
	t.Helper()
	turn, err := e.HandleTurn(context.Background(), tenant, sess, text)
	require.NoError(t, err)
	return turn
}

func TestHappyPathVoice(t *testing.T) {
	adapter := &fakeAdapter{slots: threeSlots(), bookOutcome: booking.BookOK, canPropose: true}
	audit := &fakeAudit{}
	e := newTestEngine(adapter, audit)
	tenant := frTenant()
	sess := session.New(1, "call-1", session.ChannelVoice)

	turnOK(t, e, tenant, sess, "bonjour")
	assert.Equal(t, session.StateQualifName, sess.State)

	turnOK(t, e, tenant, sess, "Jean Dupont")
	assert.Equal(t, session.StateQualifMotif, sess.State)
	assert.Equal(t, "Jean Dupont", sess.Qualif.Name)

	turnOK(t, e, tenant, sess, "consultation")
	assert.Equal(t, session.StateQualifPref, sess.State)

	turn := turnOK(t, e, tenant, sess, "matin")
	assert.Equal(t, session.StateWaitConfirm, sess.State)
	assert.True(t, sess.IsReadingSlots)
	assert.Len(t, sess.PendingSlots, 3)
	assert.Contains(t, turn.Reply, "dites 1")

	turnOK(t, e, tenant, sess, "1")
	assert.Equal(t, session.StateQualifContact, sess.State)

	turnOK(t, e, tenant, sess, "jean@ex.com")
	assert.Equal(t, session.StateContactConfirm, sess.State)
	assert.Equal(t, "jean@ex.com", sess.Qualif.Contact)
	assert.Equal(t, session.ContactEmail, sess.Qualif.ContactKind)

	turn = turnOK(t, e, tenant, sess, "oui")
	assert.Equal(t, session.StateConfirmed, sess.State)
	assert.Contains(t, turn.Reply, "confirmé")
	assert.True(t, turn.EndCall)
	assert.Equal(t, 1, adapter.bookCalls)
	assert.False(t, sess.TransferLogged)
	assert.Empty(t, audit.events)
	assert.True(t, sess.Qualif.Complete())
}

func TestBargeInDuringSlotReading(t *testing.T) {
	adapter := &fakeAdapter{slots: threeSlots(), canPropose: true}
	e := newTestEngine(adapter, &fakeAudit{})
	sess := session.New(1, "call-2", session.ChannelVoice)
	sess.State = session.StateWaitConfirm
	sess.PendingSlots = threeSlots()
	sess.IsReadingSlots = true

	turn := turnOK(t, e, frTenant(), sess, "un")
	assert.Equal(t, session.StateQualifContact, sess.State)
	require.NotNil(t, sess.PendingSlotChoice)
	assert.Equal(t, 1, *sess.PendingSlotChoice)
	assert.False(t, sess.IsReadingSlots)
	// no reproposal of the remaining slots
	assert.NotContains(t, turn.Reply, "mardi")
	assert.NotContains(t, turn.Reply, "dites 2")
}

func TestAmbiguousDigitReasks(t *testing.T) {
	adapter := &fakeAdapter{slots: threeSlots(), canPropose: true}
	e := newTestEngine(adapter, &fakeAudit{})
	sess := session.New(1, "call-3", session.ChannelVoice)
	sess.State = session.StateWaitConfirm
	sess.PendingSlots = threeSlots()
	sess.IsReadingSlots = true

	turn := turnOK(t, e, frTenant(), sess, "j'ai 2 questions")
	assert.Equal(t, session.StateWaitConfirm, sess.State)
	assert.Nil(t, sess.PendingSlotChoice)
	assert.Equal(t, 1, sess.Recovery.Get("slot_choice.fails"))
	assert.Contains(t, turn.Reply, "1, 2 ou 3")
}

func TestEmergencyPreemptsBooking(t *testing.T) {
	adapter := &fakeAdapter{slots: threeSlots(), canPropose: true}
	audit := &fakeAudit{}
	e := newTestEngine(adapter, audit)
	tenant := frTenant()
	sess := session.New(1, "call-4", session.ChannelVoice)
	sess.State = session.StateQualifMotif
	sess.Qualif.Name = "Jean Dupont"

	turn := turnOK(t, e, tenant, sess, "mal au cœur")
	assert.Equal(t, session.StateEmergency, sess.State)
	assert.Contains(t, turn.Reply, EmergencyNumbersToken)
	assert.True(t, turn.EndCall)
	require.Len(t, audit.events, 1)
	assert.Contains(t, audit.events[0], CategoryCardioRespiratory)

	// terminal: the emergency script repeats, state never leaves
	turn = turnOK(t, e, tenant, sess, "je veux un rdv")
	assert.Equal(t, session.StateEmergency, sess.State)
	assert.Contains(t, turn.Reply, EmergencyNumbersToken)
	assert.Len(t, audit.events, 1)
}

func TestProviderNoneCancelHandsOff(t *testing.T) {
	audit := &fakeAudit{}
	e := newTestEngine(booking.NoneAdapter{}, audit)
	tenant := frTenant()
	tenant.Config.CalendarProvider = tenancy.CalendarNone
	sess := session.New(1, "call-5", session.ChannelVoice)
	sess.State = session.StateCancelConfirm
	sess.PendingCancel = &session.PendingCancel{Label: "lundi 7 septembre à 9h00", PatientName: "Jean Dupont"}

	turn := turnOK(t, e, tenant, sess, "oui")
	assert.Equal(t, session.StateTransferred, sess.State)
	assert.NotContains(t, turn.Reply, "est annulé")
	assert.Contains(t, audit.events, AuditCancelHandoff)
	assert.Contains(t, audit.events, AuditTransfer)
}

func TestProviderNoneNeverProposes(t *testing.T) {
	audit := &fakeAudit{}
	e := newTestEngine(booking.NoneAdapter{}, audit)
	tenant := frTenant()
	tenant.Config.CalendarProvider = tenancy.CalendarNone
	sess := session.New(1, "call-6", session.ChannelVoice)
	sess.State = session.StateQualifPref
	sess.Qualif = session.Qualif{Name: "Jean Dupont", Motif: "consultation"}

	turn := turnOK(t, e, tenant, sess, "le matin")
	assert.Equal(t, session.StateTransferred, sess.State)
	assert.NotContains(t, turn.Reply, "confirmé")
	assert.Contains(t, audit.events, AuditNoCalendar)
}

func TestTurnCountGuardForcesRouter(t *testing.T) {
	e := newTestEngine(&fakeAdapter{canPropose: true}, &fakeAudit{})
	sess := session.New(1, "call-7", session.ChannelVoice)
	sess.State = session.StateQualifMotif
	sess.TurnCount = session.MaxTurns

	turn := turnOK(t, e, frTenant(), sess, "heu je réfléchis")
	assert.Equal(t, session.StateIntentRouter, sess.State)
	assert.Equal(t, PromptsFor("fr").IntentMenu, turn.Reply)
}

func TestEmptyMessagesEscalate(t *testing.T) {
	e := newTestEngine(&fakeAdapter{canPropose: true}, &fakeAudit{})
	sess := session.New(1, "call-8", session.ChannelVoice)
	sess.State = session.StateQualifName

	turn := turnOK(t, e, frTenant(), sess, "   ")
	assert.Equal(t, 1, sess.EmptyMessageCount)
	assert.Equal(t, session.StateQualifName, sess.State)
	assert.Contains(t, turn.Reply, "entendu")

	turnOK(t, e, frTenant(), sess, "")
	assert.Equal(t, session.StateIntentRouter, sess.State)
}

func TestIntentPingPongCollapses(t *testing.T) {
	e := newTestEngine(&fakeAdapter{canPropose: true, found: &booking.Booking{ID: "b1", ExternalEventID: "evt", Label: "lundi"}}, &fakeAudit{})
	tenant := frTenant()
	sess := session.New(1, "call-9", session.ChannelVoice)
	sess.State = session.StateQualifMotif

	turnOK(t, e, tenant, sess, "je veux annuler")
	assert.Equal(t, session.StateCancelName, sess.State)

	turn := turnOK(t, e, tenant, sess, "je veux annuler")
	assert.Equal(t, session.StateIntentRouter, sess.State)
	assert.Contains(t, turn.Reply, "Que souhaitez-vous faire")
}

func TestSecondRouterVisitTransfers(t *testing.T) {
	audit := &fakeAudit{}
	e := newTestEngine(&fakeAdapter{canPropose: true}, audit)
	sess := session.New(1, "call-10", session.ChannelVoice)
	sess.State = session.StateIntentRouter
	sess.IntentRouterVisits = 1
	sess.GlobalRecoveryFails = session.EscalationThreshold - 1

	turnOK(t, e, frTenant(), sess, "heu")
	assert.Equal(t, session.StateTransferred, sess.State)
	assert.True(t, sess.TransferLogged)
	assert.Equal(t, []string{AuditTransfer}, audit.events)
}

func TestSlotTakenReproposesThenTransfers(t *testing.T) {
	adapter := &fakeAdapter{slots: threeSlots(), bookOutcome: booking.BookSlotTaken, canPropose: true}
	e := newTestEngine(adapter, &fakeAudit{})
	tenant := frTenant()
	sess := session.New(1, "call-11", session.ChannelVoice)
	sess.State = session.StateContactConfirm
	sess.Qualif = session.Qualif{Name: "Jean Dupont", Motif: "consultation", TimePref: session.PrefMorning,
		Contact: "0612345678", ContactKind: session.ContactPhone}
	sess.PendingSlots = threeSlots()
	choice := 1
	sess.PendingSlotChoice = &choice

	turn := turnOK(t, e, tenant, sess, "oui")
	assert.Equal(t, session.StateWaitConfirm, sess.State)
	assert.Equal(t, 1, sess.SlotTakenFails)
	assert.Contains(t, turn.Reply, "vient d'être pris")

	// pick again: contact is already collected, go straight to read-back
	turnOK(t, e, tenant, sess, "1")
	assert.Equal(t, session.StateContactConfirm, sess.State)

	// still taken: hand off instead of looping
	turnOK(t, e, tenant, sess, "oui")
	assert.Equal(t, session.StateTransferred, sess.State)
}

func TestPhoneAccumulationAcrossTurns(t *testing.T) {
	e := newTestEngine(&fakeAdapter{canPropose: true}, &fakeAudit{})
	tenant := frTenant()
	sess := session.New(1, "call-12", session.ChannelVoice)
	sess.State = session.StateQualifContact
	sess.Qualif = session.Qualif{Name: "Jean Dupont", Motif: "consultation", TimePref: session.PrefMorning}

	turn := turnOK(t, e, tenant, sess, "zéro six")
	assert.Equal(t, session.StateQualifContact, sess.State)
	assert.Equal(t, "06", sess.Recovery.Phone.Partial)
	assert.Contains(t, turn.Reply, "continuez")

	turn = turnOK(t, e, tenant, sess, "12 34 56 78")
	assert.Equal(t, session.StateContactConfirm, sess.State)
	assert.Equal(t, "0612345678", sess.Qualif.Contact)
	assert.Equal(t, session.ContactPhone, sess.Qualif.ContactKind)
	assert.Contains(t, turn.Reply, "06 12 34 56 78")
}

func TestContactNegationReasks(t *testing.T) {
	e := newTestEngine(&fakeAdapter{canPropose: true}, &fakeAudit{})
	sess := session.New(1, "call-13", session.ChannelVoice)
	sess.State = session.StateContactConfirm
	sess.Qualif.Contact = "0612345678"
	sess.Qualif.ContactKind = session.ContactPhone

	turnOK(t, e, frTenant(), sess, "non")
	assert.Equal(t, session.StateQualifContact, sess.State)
	assert.Empty(t, sess.Qualif.Contact)
}

func TestConfirmedIsTerminal(t *testing.T) {
	e := newTestEngine(&fakeAdapter{canPropose: true}, &fakeAudit{})
	sess := session.New(1, "call-14", session.ChannelWeb)
	sess.State = session.StateConfirmed

	turn := turnOK(t, e, frTenant(), sess, "et sinon")
	assert.Equal(t, session.StateConfirmed, sess.State)
	assert.Contains(t, turn.Reply, "confirmé")
}

func TestCancelFlowSucceeds(t *testing.T) {
	adapter := &fakeAdapter{canPropose: true, cancelOK: true,
		found: &booking.Booking{ID: "b1", ExternalEventID: "evt-1", PatientName: "Jean Dupont", Label: "lundi 7 septembre à 9h00"}}
	e := newTestEngine(adapter, &fakeAudit{})
	tenant := frTenant()
	sess := session.New(1, "call-15", session.ChannelWhatsApp)
	sess.State = session.StateCancelName

	turn := turnOK(t, e, tenant, sess, "Jean Dupont")
	assert.Equal(t, session.StateCancelConfirm, sess.State)
	assert.Contains(t, turn.Reply, "lundi 7 septembre")

	turn = turnOK(t, e, tenant, sess, "oui")
	assert.Contains(t, turn.Reply, "annulé")
	assert.True(t, turn.EndCall)
}
