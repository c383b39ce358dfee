package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSession() *Session {
	s := New(4, "CA-42", ChannelVoice)
	s.State = StateWaitConfirm
	s.Qualif = Qualif{
		Name:        "Jean Dupont",
		Motif:       "consultation",
		TimePref:    PrefMorning,
		Contact:     "jean@example.com",
		ContactKind: ContactEmail,
	}
	s.PendingSlots = []CanonicalSlot{
		{ID: "s1", StartISO: "2026-09-07T09:00:00+02:00", EndISO: "2026-09-07T09:30:00+02:00", Label: "lundi 7 septembre 9h00", LabelVocal: "lundi neuf heures", Day: "lundi", Source: SlotSourceCalendar},
		{ID: "s2", StartISO: "2026-09-08T10:00:00+02:00", EndISO: "2026-09-08T10:30:00+02:00", Label: "mardi 8 septembre 10h00", LabelVocal: "mardi dix heures", Day: "mardi", Source: SlotSourceInternal},
	}
	s.TurnCount = 6
	s.Recovery.Inc("slot_choice.fails")
	s.Recovery.Contact.Mode = "email"
	s.IsReadingSlots = true
	s.LastSeenAt = time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	return s
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := sampleSession()
	require.NoError(t, s.ChooseSlot(2))

	blob, err := s.Encode()
	require.NoError(t, err)

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode([]byte(`{"state":"START","surprise_field":true}`))
	assert.Error(t, err)
}

func TestDecodeMigratesLegacyCounters(t *testing.T) {
	blob := []byte(`{
		"tenant_id": 2,
		"conv_id": "CA-7",
		"channel": "voice",
		"state": "QUALIF_CONTACT",
		"qualif": {"name": "Marie"},
		"contact_fails": 2,
		"phone_partial": "0612",
		"phone_turns": "3",
		"slot_choice_fails": 1,
		"contact_mode": "phone"
	}`)

	s, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Recovery.Get("contact.fails"))
	assert.Equal(t, 3, s.Recovery.Get("phone.turns"))
	assert.Equal(t, 1, s.Recovery.Get("slot_choice.fails"))
	assert.Equal(t, "0612", s.Recovery.Phone.Partial)
	assert.Equal(t, "phone", s.Recovery.Contact.Mode)
}

func TestDecodeLegacyDoesNotClobberExistingRecovery(t *testing.T) {
	blob := []byte(`{
		"state": "QUALIF_CONTACT",
		"recovery": {"contact": {"fails": 1}},
		"contact_fails": 9
	}`)
	s, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Recovery.Get("contact.fails"))
}

func TestDecodeLegacySlotShapes(t *testing.T) {
	blob := []byte(`{
		"state": "WAIT_CONFIRM",
		"contact_fails": 0,
		"pending_slots": [
			{"event_id": "evt_abc", "start": "2026-09-07T09:00:00+02:00", "horaire": "lundi 9h", "jour": "lundi"},
			{"debut": "2026-09-08T14:00:00+02:00"}
		]
	}`)
	s, err := Decode(blob)
	require.NoError(t, err)
	require.Len(t, s.PendingSlots, 2)
	assert.Equal(t, "evt_abc", s.PendingSlots[0].ID)
	assert.Equal(t, SlotSourceCalendar, s.PendingSlots[0].Source)
	assert.Equal(t, "lundi 9h", s.PendingSlots[0].Label)
	assert.Equal(t, "lundi 9h", s.PendingSlots[0].LabelVocal)
	assert.Equal(t, SlotSourceInternal, s.PendingSlots[1].Source)
	assert.Equal(t, "2026-09-08T14:00:00+02:00", s.PendingSlots[1].Label)
}

func TestDecodeDropsOutOfRangeChoice(t *testing.T) {
	blob := []byte(`{"state":"WAIT_CONFIRM","pending_slot_choice":3,"pending_slots":[{"id":"a","start_iso":"2026-09-07T09:00:00+02:00","end_iso":"","label":"l","label_vocal":"l","day":"lundi","source":"internal"}]}`)
	s, err := Decode(blob)
	require.NoError(t, err)
	assert.Nil(t, s.PendingSlotChoice)
}

func TestChooseSlotBounds(t *testing.T) {
	s := sampleSession()
	assert.Error(t, s.ChooseSlot(0))
	assert.Error(t, s.ChooseSlot(3))
	require.NoError(t, s.ChooseSlot(1))
	slot, ok := s.ChosenSlot()
	require.True(t, ok)
	assert.Equal(t, "s1", slot.ID)
}

func TestExpired(t *testing.T) {
	s := New(1, "c", ChannelWeb)
	s.LastSeenAt = time.Now().Add(-20 * time.Minute)
	assert.True(t, s.Expired(0, time.Now()))
	assert.False(t, s.Expired(30*time.Minute, time.Now()))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(StateConfirmed))
	assert.True(t, IsTerminal(StateEmergency))
	assert.True(t, IsTerminal(StateTransferred))
	assert.False(t, IsTerminal(StateWaitConfirm))
	assert.False(t, IsTerminal(StateIntentRouter))
}
