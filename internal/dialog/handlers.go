package dialog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/vocalys/rdv-platform/internal/booking"
	"github.com/vocalys/rdv-platform/internal/session"
	"github.com/vocalys/rdv-platform/internal/tenancy"
)

var negations = map[string]bool{
	"non": true, "non non": true, "pas du tout": true, "c'est faux": true,
	"erreur": true, "pas ça": true, "pas ca": true,
}

func isAffirmation(t string) bool {
	if bareAffirmations[t] {
		return true
	}
	return strings.Contains(t, "c'est bien ça") || strings.Contains(t, "c'est bien ca") ||
		strings.Contains(t, "exact") || strings.Contains(t, "tout à fait") ||
		strings.Contains(t, "tout a fait") || strings.HasPrefix(t, "oui")
}

func isNegation(t string) bool {
	if negations[t] {
		return true
	}
	return strings.HasPrefix(t, "non ") || strings.Contains(t, "pas bon") ||
		strings.Contains(t, "me suis trompé") || strings.Contains(t, "me suis trompe")
}

// --- qualification -------------------------------------------------

var nameLeadIns = []string{
	"je m'appelle", "je m appelle", "mon nom est", "c'est au nom de",
	"au nom de", "c'est", "ici", "monsieur", "madame", "docteur",
}

var namePattern = regexp.MustCompile(`^[\p{L}][\p{L}' \-]{1,59}$`)

// extractName strips lead-ins and validates what remains as a person
// name. Returns "" when the utterance cannot be one.
func extractName(text string) string {
	t := strings.Trim(strings.TrimSpace(text), ".!?")
	lower := strings.ToLower(t)
	for _, lead := range nameLeadIns {
		if strings.HasPrefix(lower, lead+" ") {
			t = strings.TrimSpace(t[len(lead):])
			lower = strings.ToLower(t)
		}
	}
	if lower == "" || bareAffirmations[lower] || negations[lower] ||
		lower == "je ne sais pas" || lower == "bonjour" {
		return ""
	}
	if !namePattern.MatchString(t) {
		return ""
	}
	return titleCase(t)
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// ParsePreference maps French time-of-day vocabulary onto the canonical
// preference values.
func ParsePreference(text string) (string, bool) {
	t := normalizeText(text)
	switch {
	case strings.Contains(t, "matin"):
		return session.PrefMorning, true
	case strings.Contains(t, "après-midi"), strings.Contains(t, "apres-midi"),
		strings.Contains(t, "après midi"), strings.Contains(t, "apres midi"),
		strings.Contains(t, "aprem"):
		return session.PrefAfternoon, true
	case strings.Contains(t, "soir"), strings.Contains(t, "fin de journée"),
		strings.Contains(t, "fin de journee"):
		return session.PrefEvening, true
	case strings.Contains(t, "peu importe"), strings.Contains(t, "n'importe"),
		strings.Contains(t, "importe quand"), strings.Contains(t, "indifférent"),
		strings.Contains(t, "indifferent"), strings.Contains(t, "quand vous voulez"):
		return session.PrefAny, true
	}
	return "", false
}

var motifVocabulary = []string{
	"consultation", "contrôle", "controle", "renouvellement", "ordonnance",
	"vaccin", "bilan", "suivi", "résultat", "resultat", "certificat",
}

// handleStart greets and opportunistically extracts whatever the first
// utterance already carries, then asks the first missing question.
func (e *Engine) handleStart(_ context.Context, _ *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	sess.State = session.StateExtract
	t := normalizeText(text)

	if name := extractFromLeadIn(text); name != "" {
		sess.Qualif.Name = name
	}
	for _, m := range motifVocabulary {
		if strings.Contains(t, m) {
			sess.Qualif.Motif = m
			break
		}
	}
	if pref, ok := ParsePreference(text); ok {
		sess.Qualif.TimePref = pref
	}

	if sess.Qualif.Name == "" {
		sess.State = session.StateQualifName
		return p.Greeting, false, nil
	}
	return e.resume(sess, p), false, nil
}

// extractFromLeadIn only trusts explicit self-introductions on the
// opening turn; a bare "bonjour" is not a name.
func extractFromLeadIn(text string) string {
	lower := strings.ToLower(text)
	for _, lead := range []string{"je m'appelle ", "je m appelle ", "mon nom est ", "au nom de "} {
		if i := strings.Index(lower, lead); i >= 0 {
			return extractName(text[i+len(lead):])
		}
	}
	return ""
}

func (e *Engine) handleQualifName(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) string {
	name := extractName(text)
	if name == "" {
		sess.Recovery.Inc("name.fails")
		sess.GlobalRecoveryFails++
		if sess.Recovery.Escalated("name.fails") {
			return e.enterIntentRouter(ctx, tenant, sess, p)
		}
		return p.ReAskName
	}
	sess.Qualif.Name = name
	sess.Recovery.Reset("name")
	sess.State = session.StateQualifMotif
	return p.AskMotif
}

func (e *Engine) handleQualifMotif(sess *session.Session, text string, p Prompts) string {
	t := normalizeText(text)
	prefix := ""
	if Triage(text).Level == TriageCaution {
		prefix = p.AckCaution
	}

	if t == "je ne sais pas" || t == "aucune idée" || t == "aucune idee" || len(t) < 3 {
		if !sess.MotifHelpUsed {
			sess.MotifHelpUsed = true
			return p.MotifHelp
		}
		sess.Qualif.Motif = "consultation"
	} else {
		sess.Qualif.Motif = strings.TrimSpace(text)
	}
	sess.State = session.StateQualifPref
	return prefix + p.AskPref
}

func (e *Engine) handleQualifPref(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	pref, ok := ParsePreference(text)
	if !ok {
		sess.Recovery.Inc("preference.fails")
		sess.GlobalRecoveryFails++
		if sess.Recovery.Escalated("preference.fails") {
			return e.enterIntentRouter(ctx, tenant, sess, p), false, nil
		}
		return p.ReAskPref, false, nil
	}
	sess.Qualif.TimePref = pref
	sess.Recovery.Reset("preference")
	return e.proposeSlots(ctx, tenant, sess, p), false, nil
}

// --- slot proposal and confirmation --------------------------------

// proposeSlots freezes up to three free slots into the session and
// starts the enumeration. No calendar or no availability hands off.
func (e *Engine) proposeSlots(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, p Prompts) string {
	adapter := e.adapters(tenant)
	if !adapter.CanProposeSlots() {
		e.recordAudit(ctx, tenant, sess, AuditNoCalendar)
		return e.transfer(ctx, tenant, sess, p.NoSlots)
	}
	slots, err := adapter.ListFreeSlots(ctx, booking.ListQuery{
		From:       e.now(),
		Limit:      e.slotLimit,
		Preference: sess.Qualif.TimePref,
	})
	if err != nil {
		e.logger.Error("slot listing failed", "tenant_id", tenant.ID, "conv_id", sess.ConvID, "error", err)
		return e.transfer(ctx, tenant, sess, p.TechnicalIssue)
	}
	if len(slots) == 0 {
		e.recordAudit(ctx, tenant, sess, AuditNoCalendar)
		return e.transfer(ctx, tenant, sess, p.NoSlots)
	}
	sess.PendingSlots = slots
	sess.PendingSlotChoice = nil
	sess.State = session.StateWaitConfirm
	sess.IsReadingSlots = true
	return p.FormatSlots(slots, sess.Channel)
}

func (e *Engine) acceptSlotChoice(sess *session.Session, idx int, p Prompts) string {
	if err := sess.ChooseSlot(idx); err != nil {
		sess.Recovery.Inc("slot_choice.fails")
		return p.ReAskSlotStrict
	}
	sess.Recovery.Reset("slot_choice")
	sess.IsReadingSlots = false
	if sess.Qualif.Contact != "" {
		// contact already collected (reproposal after a taken slot)
		sess.State = session.StateContactConfirm
		return fmt.Sprintf(p.ConfirmContact, spellForChannel(sess.Qualif.Contact, sess.Channel))
	}
	sess.State = session.StateQualifContact
	return p.AskContact
}

func (e *Engine) handleWaitConfirm(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	sess.IsReadingSlots = false
	idx, ok := ParseSlotChoice(text, sess.PendingSlots)
	if ok {
		return e.acceptSlotChoice(sess, idx, p), false, nil
	}
	sess.NoMatchTurns++
	sess.Recovery.Inc("slot_choice.fails")
	sess.GlobalRecoveryFails++
	if sess.Recovery.Escalated("slot_choice.fails") {
		return e.enterIntentRouter(ctx, tenant, sess, p), false, nil
	}
	// stricter wording at most once; after that repeat the enumeration
	if sess.Recovery.Inc("confirm_contact.intent_repeat") == 1 {
		return p.ReAskSlotStrict, false, nil
	}
	return p.FormatSlots(sess.PendingSlots, sess.Channel) + " " + p.ReAskSlotStrict, false, nil
}

// --- contact collection --------------------------------------------

func (e *Engine) handleQualifContact(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	if email, ok := ExtractEmail(text); ok {
		sess.Qualif.Contact = email
		sess.Qualif.ContactKind = session.ContactEmail
		sess.Recovery.Reset("contact")
		sess.Recovery.Reset("phone")
		sess.State = session.StateContactConfirm
		return fmt.Sprintf(p.ConfirmContact, spellForChannel(email, sess.Channel)), false, nil
	}

	if digits := ExtractDigits(text); digits != "" {
		partial := sess.Recovery.Phone.Partial + digits
		sess.Recovery.Phone.Partial = partial
		sess.Recovery.Inc("phone.turns")
		if phone, ok := NormalizeFrenchPhone(partial); ok {
			sess.Qualif.Contact = phone
			sess.Qualif.ContactKind = session.ContactPhone
			sess.Recovery.Reset("contact")
			sess.Recovery.Reset("phone")
			sess.State = session.StateContactConfirm
			return fmt.Sprintf(p.ConfirmContact, spellForChannel(phone, sess.Channel)), false, nil
		}
		if len(partial) < 10 {
			return p.ContactPartial, false, nil
		}
		// too many digits for a French number: start over
		sess.Recovery.Phone.Partial = ""
	}

	fails := sess.Recovery.Inc("contact.fails")
	sess.GlobalRecoveryFails++
	switch {
	case fails == session.EscalationThreshold:
		tried := session.ContactEmail
		if sess.Recovery.Phone.Turns > 0 {
			tried = session.ContactPhone
		}
		sess.Recovery.Contact.Mode = tried
		return fmt.Sprintf(p.AskContactOther, contactKindLabel(tried)), false, nil
	case fails > session.EscalationThreshold+1:
		return e.enterIntentRouter(ctx, tenant, sess, p), false, nil
	default:
		return p.AskContact, false, nil
	}
}

func contactKindLabel(kind string) string {
	if kind == session.ContactPhone {
		return "numéro"
	}
	return "contact"
}

// spellForChannel renders a contact value for read-back; voice gets the
// digits spaced out.
func spellForChannel(contact, channel string) string {
	if channel != session.ChannelVoice {
		return contact
	}
	if strings.ContainsAny(contact, "@") {
		return contact
	}
	var pairs []string
	for i := 0; i+1 < len(contact); i += 2 {
		pairs = append(pairs, contact[i:i+2])
	}
	if len(contact)%2 == 1 {
		pairs = append(pairs, contact[len(contact)-1:])
	}
	return strings.Join(pairs, " ")
}

func (e *Engine) handleContactConfirm(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	t := normalizeText(strings.Trim(text, " .!?"))
	switch {
	case isAffirmation(t):
		return e.book(ctx, tenant, sess, p)
	case isNegation(t):
		sess.Qualif.Contact = ""
		sess.Qualif.ContactKind = ""
		sess.Recovery.Reset("contact")
		sess.Recovery.Reset("phone")
		sess.State = session.StateQualifContact
		return p.AskContact, false, nil
	default:
		sess.Recovery.Inc("confirm_contact.fails")
		sess.GlobalRecoveryFails++
		if sess.Recovery.Escalated("confirm_contact.fails") {
			return e.enterIntentRouter(ctx, tenant, sess, p), false, nil
		}
		return p.ReConfirm, false, nil
	}
}

// book creates the calendar event for the chosen slot. The idempotency
// key is stable per (conversation, slot), so a replayed webhook cannot
// double-book.
func (e *Engine) book(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, p Prompts) (string, bool, error) {
	slot, ok := sess.ChosenSlot()
	if !ok {
		return e.transfer(ctx, tenant, sess, p.TechnicalIssue), false, nil
	}
	adapter := e.adapters(tenant)
	res, err := adapter.Book(ctx, booking.Request{
		Slot:           slot,
		Name:           sess.Qualif.Name,
		Contact:        sess.Qualif.Contact,
		Motif:          sess.Qualif.Motif,
		IdempotencyKey: fmt.Sprintf("book:%d:%s:%s", tenant.ID, sess.ConvID, slot.ID),
	})
	if err != nil {
		if errors.Is(err, booking.ErrNoCalendar) {
			e.recordAudit(ctx, tenant, sess, AuditNoCalendar)
			return e.transfer(ctx, tenant, sess, p.NoSlots), false, nil
		}
		e.logger.Error("booking failed", "tenant_id", tenant.ID, "conv_id", sess.ConvID, "error", err)
	}
	switch res.Outcome {
	case booking.BookOK:
		sess.State = session.StateConfirmed
		label := slot.Label
		if sess.Channel == session.ChannelVoice && slot.LabelVocal != "" {
			label = slot.LabelVocal
		}
		return fmt.Sprintf(p.Confirmed, label), false, nil
	case booking.BookSlotTaken:
		sess.SlotTakenFails++
		if sess.SlotTakenFails >= 2 {
			return e.transfer(ctx, tenant, sess, p.TechnicalIssue), false, nil
		}
		sess.PendingSlotChoice = nil
		return p.SlotTaken + e.proposeSlots(ctx, tenant, sess, p), false, nil
	default:
		return e.transfer(ctx, tenant, sess, p.TechnicalIssue), false, nil
	}
}

// --- cancel and modify ---------------------------------------------

func (e *Engine) handleCancelName(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	name := extractName(text)
	if name == "" {
		sess.Recovery.Inc("cancel_name.fails")
		sess.GlobalRecoveryFails++
		if sess.Recovery.Escalated("cancel_name.fails") {
			return e.enterIntentRouter(ctx, tenant, sess, p), false, nil
		}
		return p.ReAskName, false, nil
	}
	adapter := e.adapters(tenant)
	found, err := adapter.FindBookingByName(ctx, name)
	if err != nil {
		if errors.Is(err, booking.ErrNoCalendar) {
			e.recordAudit(ctx, tenant, sess, AuditCancelHandoff)
			return e.transfer(ctx, tenant, sess, p.CancelHandoff), false, nil
		}
		e.logger.Error("booking lookup failed", "tenant_id", tenant.ID, "conv_id", sess.ConvID, "error", err)
		return e.transfer(ctx, tenant, sess, p.TechnicalIssue), false, nil
	}
	if found == nil {
		e.recordAudit(ctx, tenant, sess, AuditCancelHandoff)
		return e.transfer(ctx, tenant, sess, p.NoBookingFound), false, nil
	}
	sess.PendingCancel = &session.PendingCancel{
		BookingID:       found.ID,
		ExternalEventID: found.ExternalEventID,
		Label:           found.Label,
		PatientName:     found.PatientName,
	}
	sess.Recovery.Reset("cancel_name")
	sess.State = session.StateCancelConfirm
	return fmt.Sprintf(p.CancelConfirm, found.Label), false, nil
}

// handleCancelConfirm never claims a cancellation that did not occur: a
// missing external handle, a disconnected calendar or a failed cancel
// all hand off to a human.
func (e *Engine) handleCancelConfirm(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	t := normalizeText(strings.Trim(text, " .!?"))
	switch {
	case isNegation(t):
		sess.PendingCancel = nil
		return e.enterIntentRouter(ctx, tenant, sess, p), false, nil
	case !isAffirmation(t):
		sess.Recovery.Inc("cancel_name.fails")
		if sess.Recovery.Escalated("cancel_name.fails") {
			return e.enterIntentRouter(ctx, tenant, sess, p), false, nil
		}
		return fmt.Sprintf(p.CancelConfirm, sess.PendingCancel.Label), false, nil
	}

	pc := sess.PendingCancel
	adapter := e.adapters(tenant)
	if pc == nil || (pc.ExternalEventID == "" && !adapter.CanProposeSlots()) {
		e.recordAudit(ctx, tenant, sess, AuditCancelHandoff)
		return e.transfer(ctx, tenant, sess, p.CancelHandoff), false, nil
	}
	ok, err := adapter.Cancel(ctx, &booking.Booking{
		ID:              pc.BookingID,
		ExternalEventID: pc.ExternalEventID,
		PatientName:     pc.PatientName,
		Label:           pc.Label,
	})
	if err != nil || !ok {
		if err != nil && !errors.Is(err, booking.ErrNoCalendar) {
			e.logger.Error("cancel failed", "tenant_id", tenant.ID, "conv_id", sess.ConvID, "error", err)
		}
		e.recordAudit(ctx, tenant, sess, AuditCancelHandoff)
		return e.transfer(ctx, tenant, sess, p.CancelHandoff), false, nil
	}
	sess.PendingCancel = nil
	sess.State = session.StateStart
	return p.CancelDone, true, nil
}

func (e *Engine) handleModifyName(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	name := extractName(text)
	if name == "" {
		sess.Recovery.Inc("modify_name.fails")
		sess.GlobalRecoveryFails++
		if sess.Recovery.Escalated("modify_name.fails") {
			return e.enterIntentRouter(ctx, tenant, sess, p), false, nil
		}
		return p.ReAskName, false, nil
	}
	adapter := e.adapters(tenant)
	found, err := adapter.FindBookingByName(ctx, name)
	if err != nil {
		if errors.Is(err, booking.ErrNoCalendar) {
			e.recordAudit(ctx, tenant, sess, AuditCancelHandoff)
			return e.transfer(ctx, tenant, sess, p.CancelHandoff), false, nil
		}
		return e.transfer(ctx, tenant, sess, p.TechnicalIssue), false, nil
	}
	if found == nil {
		return e.transfer(ctx, tenant, sess, p.NoBookingFound), false, nil
	}
	sess.PendingModify = &session.PendingModify{
		BookingID:       found.ID,
		ExternalEventID: found.ExternalEventID,
		Label:           found.Label,
		PatientName:     found.PatientName,
	}
	sess.Recovery.Reset("modify_name")
	reply := e.proposeSlots(ctx, tenant, sess, p)
	if sess.State == session.StateWaitConfirm {
		// reuse the enumeration machinery but land in the modify picker
		sess.State = session.StateModifySlotPick
	}
	return reply, false, nil
}

func (e *Engine) handleModifySlotPick(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	sess.IsReadingSlots = false
	idx, ok := ParseSlotChoice(text, sess.PendingSlots)
	if !ok {
		sess.Recovery.Inc("slot_choice.fails")
		sess.GlobalRecoveryFails++
		if sess.Recovery.Escalated("slot_choice.fails") {
			return e.enterIntentRouter(ctx, tenant, sess, p), false, nil
		}
		return p.ReAskSlotStrict, false, nil
	}
	if err := sess.ChooseSlot(idx); err != nil {
		return p.ReAskSlotStrict, false, nil
	}
	pm := sess.PendingModify
	slot := sess.PendingSlots[idx-1]
	adapter := e.adapters(tenant)
	res, err := adapter.Book(ctx, booking.Request{
		Slot:           slot,
		Name:           pm.PatientName,
		Contact:        sess.Qualif.Contact,
		Motif:          "modification",
		IdempotencyKey: fmt.Sprintf("modify:%d:%s:%s", tenant.ID, sess.ConvID, slot.ID),
	})
	if err != nil || res.Outcome != booking.BookOK {
		return e.transfer(ctx, tenant, sess, p.TechnicalIssue), false, nil
	}
	if ok, err := adapter.Cancel(ctx, &booking.Booking{
		ID:              pm.BookingID,
		ExternalEventID: pm.ExternalEventID,
		PatientName:     pm.PatientName,
	}); err != nil || !ok {
		e.logger.Warn("old booking not released after reschedule",
			"tenant_id", tenant.ID, "conv_id", sess.ConvID, "booking_id", pm.BookingID, "error", err)
	}
	sess.PendingModify = nil
	sess.State = session.StateStart
	label := slot.Label
	if sess.Channel == session.ChannelVoice && slot.LabelVocal != "" {
		label = slot.LabelVocal
	}
	return fmt.Sprintf(p.ModifyDone, label), true, nil
}

// --- router and FAQ -------------------------------------------------

func (e *Engine) handleIntentRouter(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	t := normalizeText(text)
	switch {
	case strings.Contains(t, "rendez-vous") || strings.Contains(t, "rendez vous") ||
		strings.Contains(t, "réserver") || strings.Contains(t, "reserver") ||
		strings.Contains(t, "prendre"):
		return e.resume(sess, p), false, nil
	case strings.Contains(t, "question") || strings.Contains(t, "renseignement"):
		sess.State = session.StateFAQAnswer
		return p.AskFAQ, false, nil
	case strings.Contains(t, "humain") || strings.Contains(t, "quelqu'un") ||
		strings.Contains(t, "personne") || strings.Contains(t, "conseiller"):
		return e.transfer(ctx, tenant, sess, p.Transferred), false, nil
	default:
		sess.GlobalRecoveryFails++
		if sess.GlobalRecoveryFails >= session.EscalationThreshold {
			return e.transfer(ctx, tenant, sess, p.Transferred), false, nil
		}
		return p.IntentMenuAgain, false, nil
	}
}

func (e *Engine) handleFAQAnswer(ctx context.Context, tenant *tenancy.Tenant, sess *session.Session, text string, p Prompts) (string, bool, error) {
	if e.faq != nil {
		if answer, ok := e.faq.Answer(ctx, tenant.ID, text); ok {
			sess.Recovery.Reset("faq")
			return answer + " " + e.resume(sess, p), false, nil
		}
	}
	sess.Recovery.Inc("faq.fails")
	if sess.Recovery.Escalated("faq.fails") {
		return e.enterIntentRouter(ctx, tenant, sess, p), false, nil
	}
	return p.FAQFallback + " " + e.resume(sess, p), false, nil
}
