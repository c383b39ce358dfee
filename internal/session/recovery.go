package session

import (
	"encoding/json"
	"strconv"
	"strings"
)

// EscalationThreshold is the number of failures on a single context
// that triggers a transition to the intent router.
const EscalationThreshold = 3

// Recovery holds the namespaced failure counters that drive per-context
// escalation. Counters are addressed by dotted path (e.g.
// "contact.fails"); the two string fields ("contact.mode",
// "phone.partial") have their own accessors.
type Recovery struct {
	Contact struct {
		Fails int    `json:"fails,omitempty"`
		Retry int    `json:"retry,omitempty"`
		Mode  string `json:"mode,omitempty"`
	} `json:"contact,omitempty"`
	Phone struct {
		Partial string `json:"partial,omitempty"`
		Turns   int    `json:"turns,omitempty"`
	} `json:"phone,omitempty"`
	ConfirmContact struct {
		Fails        int `json:"fails,omitempty"`
		IntentRepeat int `json:"intent_repeat,omitempty"`
	} `json:"confirm_contact,omitempty"`
	SlotChoice struct {
		Fails int `json:"fails,omitempty"`
	} `json:"slot_choice,omitempty"`
	Name struct {
		Fails int `json:"fails,omitempty"`
	} `json:"name,omitempty"`
	Preference struct {
		Fails int `json:"fails,omitempty"`
	} `json:"preference,omitempty"`
	ConfirmSlot struct {
		Retry int `json:"retry,omitempty"`
	} `json:"confirm_slot,omitempty"`
	FAQ struct {
		Fails int `json:"fails,omitempty"`
	} `json:"faq,omitempty"`
	CancelName struct {
		Fails int `json:"fails,omitempty"`
	} `json:"cancel_name,omitempty"`
	ModifyName struct {
		Fails int `json:"fails,omitempty"`
	} `json:"modify_name,omitempty"`
}

func (r *Recovery) counter(path string) *int {
	switch path {
	case "contact.fails":
		return &r.Contact.Fails
	case "contact.retry":
		return &r.Contact.Retry
	case "phone.turns":
		return &r.Phone.Turns
	case "confirm_contact.fails":
		return &r.ConfirmContact.Fails
	case "confirm_contact.intent_repeat":
		return &r.ConfirmContact.IntentRepeat
	case "slot_choice.fails":
		return &r.SlotChoice.Fails
	case "name.fails":
		return &r.Name.Fails
	case "preference.fails":
		return &r.Preference.Fails
	case "confirm_slot.retry":
		return &r.ConfirmSlot.Retry
	case "faq.fails":
		return &r.FAQ.Fails
	case "cancel_name.fails":
		return &r.CancelName.Fails
	case "modify_name.fails":
		return &r.ModifyName.Fails
	}
	return nil
}

// Get returns the counter at the dotted path, 0 for unknown paths.
func (r *Recovery) Get(path string) int {
	if c := r.counter(path); c != nil {
		return *c
	}
	return 0
}

// Set assigns the counter at the dotted path. Unknown paths are ignored.
func (r *Recovery) Set(path string, v int) {
	if c := r.counter(path); c != nil {
		*c = v
	}
}

// Inc increments the counter at the dotted path and returns its new
// value.
func (r *Recovery) Inc(path string) int {
	c := r.counter(path)
	if c == nil {
		return 0
	}
	*c++
	return *c
}

// Escalated reports whether the context behind the path reached the
// escalation threshold.
func (r *Recovery) Escalated(path string) bool {
	return r.Get(path) >= EscalationThreshold
}

// Reset clears every counter under the given top-level key.
func (r *Recovery) Reset(topKey string) {
	switch topKey {
	case "contact":
		r.Contact.Fails, r.Contact.Retry, r.Contact.Mode = 0, 0, ""
	case "phone":
		r.Phone.Partial, r.Phone.Turns = "", 0
	case "confirm_contact":
		r.ConfirmContact.Fails, r.ConfirmContact.IntentRepeat = 0, 0
	case "slot_choice":
		r.SlotChoice.Fails = 0
	case "name":
		r.Name.Fails = 0
	case "preference":
		r.Preference.Fails = 0
	case "confirm_slot":
		r.ConfirmSlot.Retry = 0
	case "faq":
		r.FAQ.Fails = 0
	case "cancel_name":
		r.CancelName.Fails = 0
	case "modify_name":
		r.ModifyName.Fails = 0
	}
}

// Empty reports whether no counter or string field is set.
func (r *Recovery) Empty() bool {
	return *r == Recovery{}
}

// legacyCounterFields maps the flat counter fields of the previous
// session serializer onto dotted recovery paths. The two string-valued
// entries use an empty path and are handled explicitly.
var legacyCounterFields = map[string]string{
	"contact_fails":         "contact.fails",
	"contact_retry":         "contact.retry",
	"contact_mode":          "",
	"phone_partial":         "",
	"phone_turns":           "phone.turns",
	"confirm_contact_fails": "confirm_contact.fails",
	"intent_repeat_count":   "confirm_contact.intent_repeat",
	"slot_choice_fails":     "slot_choice.fails",
	"name_fails":            "name.fails",
	"preference_fails":      "preference.fails",
	"confirm_slot_retry":    "confirm_slot.retry",
	"faq_fails":             "faq.fails",
	"cancel_name_fails":     "cancel_name.fails",
	"modify_name_fails":     "modify_name.fails",
}

// MigrateLegacy copies legacy flat counters into the dotted paths.
// Called on load when the recovery structure is empty.
func (r *Recovery) MigrateLegacy(flat map[string]json.RawMessage) {
	for field, raw := range flat {
		path, known := legacyCounterFields[field]
		if !known {
			continue
		}
		switch field {
		case "contact_mode":
			var s string
			if json.Unmarshal(raw, &s) == nil {
				r.Contact.Mode = s
			}
		case "phone_partial":
			var s string
			if json.Unmarshal(raw, &s) == nil {
				r.Phone.Partial = s
			}
		default:
			var n int
			if json.Unmarshal(raw, &n) == nil {
				r.Set(path, n)
				continue
			}
			// Some legacy writers stored counters as strings.
			var s string
			if json.Unmarshal(raw, &s) == nil {
				if parsed, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
					r.Set(path, parsed)
				}
			}
		}
	}
}
