// Package session holds the durable per-conversation state: the FSM
// state, qualification data, proposed slots and recovery counters. The
// session is a concrete record; legacy serialized blobs are migrated in
// exactly one place, on decode.
package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Channels a conversation can arrive on.
const (
	ChannelVoice    = "voice"
	ChannelWhatsApp = "whatsapp"
	ChannelWeb      = "web"
)

// FSM states. Terminal states end progression; any further message
// re-emits the terminal utterance.
const (
	StateStart          = "START"
	StateExtract        = "EXTRACT"
	StateQualifName     = "QUALIF_NAME"
	StateQualifMotif    = "QUALIF_MOTIF"
	StateQualifPref     = "QUALIF_PREF"
	StateProposeSlots   = "PROPOSE_SLOTS"
	StateWaitConfirm    = "WAIT_CONFIRM"
	StateQualifContact  = "QUALIF_CONTACT"
	StateContactConfirm = "CONTACT_CONFIRM"
	StateConfirmed      = "CONFIRMED"
	StateEmergency      = "EMERGENCY"
	StateTransferred    = "TRANSFERRED"
	StateIntentRouter   = "INTENT_ROUTER"
	StateCancelName     = "CANCEL_NAME"
	StateCancelConfirm  = "CANCEL_CONFIRM"
	StateModifyName     = "MODIFY_NAME"
	StateModifySlotPick = "MODIFY_SLOT_PICK"
	StateFAQAnswer      = "FAQ_ANSWER"
)

// IsTerminal reports whether the state ends FSM progression.
func IsTerminal(state string) bool {
	switch state {
	case StateConfirmed, StateEmergency, StateTransferred:
		return true
	}
	return false
}

// Time-of-day preferences.
const (
	PrefMorning   = "morning"
	PrefAfternoon = "afternoon"
	PrefEvening   = "evening"
	PrefAny       = "any"
)

// Contact kinds.
const (
	ContactEmail = "email"
	ContactPhone = "phone"
)

// MaxTurns forces escalation to the intent router once exceeded.
const MaxTurns = 25

// DefaultTTL is the inactivity window after which a session expires.
const DefaultTTL = 15 * time.Minute

// Slot sources.
const (
	SlotSourceCalendar = "calendar"
	SlotSourceInternal = "internal"
)

// CanonicalSlot is the uniform slot representation. Provider-specific
// and legacy shapes are normalized into it at every boundary crossing.
type CanonicalSlot struct {
	ID         string `json:"id"`
	StartISO   string `json:"start_iso"`
	EndISO     string `json:"end_iso"`
	Label      string `json:"label"`
	LabelVocal string `json:"label_vocal"`
	Day        string `json:"day"`
	Source     string `json:"source"`
}

// Start parses the slot start instant.
func (s CanonicalSlot) Start() (time.Time, error) {
	return time.Parse(time.RFC3339, s.StartISO)
}

// Qualif is the partial booking data collected during qualification.
type Qualif struct {
	Name        string `json:"name,omitempty"`
	Motif       string `json:"motif,omitempty"`
	TimePref    string `json:"time_pref,omitempty"`
	Contact     string `json:"contact,omitempty"`
	ContactKind string `json:"contact_kind,omitempty"`
}

// Complete reports whether the three mandatory fields are collected.
func (q Qualif) Complete() bool {
	return q.Name != "" && q.Motif != "" && q.Contact != ""
}

// PendingCancel carries the booking surfaced during a cancel flow.
type PendingCancel struct {
	BookingID       string `json:"booking_id,omitempty"`
	ExternalEventID string `json:"external_event_id,omitempty"`
	Label           string `json:"label,omitempty"`
	PatientName     string `json:"patient_name,omitempty"`
}

// PendingModify carries the booking being rescheduled.
type PendingModify struct {
	BookingID       string `json:"booking_id,omitempty"`
	ExternalEventID string `json:"external_event_id,omitempty"`
	Label           string `json:"label,omitempty"`
	PatientName     string `json:"patient_name,omitempty"`
}

// Session is the per-conversation state record.
type Session struct {
	TenantID int64  `json:"tenant_id"`
	ConvID   string `json:"conv_id"`
	Channel  string `json:"channel"`
	State    string `json:"state"`

	Qualif            Qualif          `json:"qualif"`
	PendingSlots      []CanonicalSlot `json:"pending_slots,omitempty"`
	PendingSlotChoice *int            `json:"pending_slot_choice,omitempty"`
	PendingCancel     *PendingCancel  `json:"pending_cancel,omitempty"`
	PendingModify     *PendingModify  `json:"pending_modify,omitempty"`

	Recovery Recovery `json:"recovery"`

	TurnCount            int `json:"turn_count"`
	ConsecutiveQuestions int `json:"consecutive_questions"`
	NoMatchTurns         int `json:"no_match_turns"`
	GlobalRecoveryFails  int `json:"global_recovery_fails"`
	EmptyMessageCount    int `json:"empty_message_count"`
	SlotTakenFails       int `json:"slot_taken_fails"`
	IntentRouterVisits   int `json:"intent_router_visits"`

	TransferLogged bool `json:"transfer_logged"`
	MotifHelpUsed  bool `json:"motif_help_used"`
	IsReadingSlots bool `json:"is_reading_slots"`

	LastIntent string `json:"last_intent,omitempty"`
	LastState  string `json:"last_state,omitempty"`

	LastSeenAt time.Time `json:"last_seen_at"`
}

// New creates a session in the initial state.
func New(tenantID int64, convID, channel string) *Session {
	return &Session{
		TenantID:   tenantID,
		ConvID:     convID,
		Channel:    channel,
		State:      StateStart,
		LastSeenAt: time.Now().UTC(),
	}
}

// Expired reports whether the session passed its inactivity TTL.
func (s *Session) Expired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return now.Sub(s.LastSeenAt) > ttl
}

// Touch refreshes the activity timestamp.
func (s *Session) Touch() {
	s.LastSeenAt = time.Now().UTC()
}

// ChooseSlot records a 1-based choice into the frozen pending_slots
// sequence. Out-of-range choices are rejected.
func (s *Session) ChooseSlot(idx int) error {
	if idx < 1 || idx > len(s.PendingSlots) {
		return fmt.Errorf("session: slot choice %d out of range 1..%d", idx, len(s.PendingSlots))
	}
	s.PendingSlotChoice = &idx
	return nil
}

// ChosenSlot returns the slot picked by the caller, if any.
func (s *Session) ChosenSlot() (CanonicalSlot, bool) {
	if s.PendingSlotChoice == nil {
		return CanonicalSlot{}, false
	}
	k := *s.PendingSlotChoice
	if k < 1 || k > len(s.PendingSlots) {
		return CanonicalSlot{}, false
	}
	return s.PendingSlots[k-1], true
}

// Encode serializes the session for checkpoints and the web session
// store. The blob carries no secrets.
func (s *Session) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("session: encode failed: %w", err)
	}
	return data, nil
}

// Decode rebuilds a session from a serialized blob. Unknown fields are
// rejected unless they belong to the known legacy flat-counter set, in
// which case they are migrated into the recovery structure. This is the
// single place legacy blobs are converted.
func Decode(data []byte) (*Session, error) {
	var s Session
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		migrated, merr := decodeLegacy(data)
		if merr != nil {
			return nil, fmt.Errorf("session: decode failed: %w", err)
		}
		return migrated, nil
	}
	normalizeDecoded(&s)
	return &s, nil
}

// decodeLegacy accepts blobs with the legacy flat counter fields and
// legacy slot shapes, converting both into the canonical record.
func decodeLegacy(data []byte) (*Session, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	legacy := make(map[string]json.RawMessage)
	for key := range raw {
		if _, ok := legacyCounterFields[key]; ok {
			legacy[key] = raw[key]
			delete(raw, key)
		}
	}
	if len(legacy) == 0 {
		return nil, fmt.Errorf("session: blob has unknown non-legacy fields")
	}

	// Legacy slot shapes hide inside pending_slots; strip and renormalize.
	var legacySlots []json.RawMessage
	if rawSlots, ok := raw["pending_slots"]; ok {
		if err := json.Unmarshal(rawSlots, &legacySlots); err == nil {
			delete(raw, "pending_slots")
		}
	}

	cleaned, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var s Session
	dec := json.NewDecoder(bytes.NewReader(cleaned))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, err
	}

	for _, rawSlot := range legacySlots {
		slot, err := NormalizeSlotJSON(rawSlot)
		if err != nil {
			return nil, fmt.Errorf("session: legacy slot rejected: %w", err)
		}
		s.PendingSlots = append(s.PendingSlots, slot)
	}

	if s.Recovery.Empty() {
		s.Recovery.MigrateLegacy(legacy)
	}
	normalizeDecoded(&s)
	return &s, nil
}

func normalizeDecoded(s *Session) {
	if s.State == "" {
		s.State = StateStart
	}
	for i := range s.PendingSlots {
		if s.PendingSlots[i].Source == "" {
			s.PendingSlots[i].Source = SlotSourceInternal
		}
	}
	if s.PendingSlotChoice != nil {
		k := *s.PendingSlotChoice
		if k < 1 || k > len(s.PendingSlots) {
			s.PendingSlotChoice = nil
		}
	}
}

// NormalizeSlotJSON converts a slot blob, canonical or legacy, into a
// CanonicalSlot. Legacy shapes carry "start"/"end"/"horaire" keys from
// the previous serializer.
func NormalizeSlotJSON(data []byte) (CanonicalSlot, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return CanonicalSlot{}, err
	}
	return NormalizeSlotMap(m)
}

// NormalizeSlotMap normalizes a decoded slot map.
func NormalizeSlotMap(m map[string]any) (CanonicalSlot, error) {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := m[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	slot := CanonicalSlot{
		ID:         str("id", "slot_id", "event_id"),
		StartISO:   str("start_iso", "start", "debut"),
		EndISO:     str("end_iso", "end", "fin"),
		Label:      str("label", "horaire", "display"),
		LabelVocal: str("label_vocal", "vocal"),
		Day:        str("day", "jour"),
		Source:     str("source"),
	}
	if slot.Source == "" {
		if slot.ID != "" && strings.HasPrefix(slot.ID, "evt_") {
			slot.Source = SlotSourceCalendar
		} else {
			slot.Source = SlotSourceInternal
		}
	}
	if slot.StartISO == "" {
		return CanonicalSlot{}, fmt.Errorf("slot missing start instant")
	}
	if slot.Label == "" {
		slot.Label = slot.StartISO
	}
	if slot.LabelVocal == "" {
		slot.LabelVocal = slot.Label
	}
	return slot, nil
}
