package dialog

import (
	"regexp"
	"strings"
	"time"

	"github.com/vocalys/rdv-platform/internal/session"
)

// Slot-choice parsing is rule-ordered and deterministic. It returns a
// 1-based index into the pending slots, or ok=false when the utterance
// is ambiguous. Digits embedded in longer sentences without a choice
// marker never select ("j'ai 2 questions", "mon numéro c'est 06...").

var bareAffirmations = map[string]bool{
	"oui": true, "ok": true, "okay": true, "d'accord": true, "daccord": true,
	"parfait": true, "très bien": true, "tres bien": true, "ça marche": true,
	"ca marche": true, "c'est bon": true, "oui oui": true, "volontiers": true,
}

var wordDigits = map[string]int{
	"1": 1, "2": 2, "3": 3,
	"un": 1, "une": 1, "deux": 2, "trois": 3,
}

var ordinalIndex = map[string]int{
	"premier": 1, "première": 1, "premiere": 1, "1er": 1, "1ère": 1, "1ere": 1,
	"deuxième": 2, "deuxieme": 2, "second": 2, "seconde": 2, "2ème": 2, "2eme": 2,
	"troisième": 3, "troisieme": 3, "dernier": 3, "dernière": 3, "derniere": 3,
	"3ème": 3, "3eme": 3,
}

var (
	ordinalPattern = regexp.MustCompile(`^(?:le |la )?([[:alpha:]0-9èéê']+)(?: cr[ée]neau| choix| option)?$`)
	markerPattern  = regexp.MustCompile(`(?:^|\s)(?:oui|choix|option|cr[ée]neau|num[ée]ro|n°|le|la)[ ,]+(?:le |la |num[ée]ro )?([[:alpha:]0-9èéê']+)\b`)
	timePattern    = regexp.MustCompile(`\b(\d{1,2})\s*(?:h|:)\s*(\d{2})?\b`)
)

var frenchWeekdays = map[string]time.Weekday{
	"lundi": time.Monday, "mardi": time.Tuesday, "mercredi": time.Wednesday,
	"jeudi": time.Thursday, "vendredi": time.Friday, "samedi": time.Saturday,
	"dimanche": time.Sunday,
}

// ParseSlotChoice resolves a user utterance against the frozen pending
// slots. Returned index is 1-based; ok=false means ambiguous.
func ParseSlotChoice(text string, slots []session.CanonicalSlot) (int, bool) {
	n := len(slots)
	if n == 0 {
		return 0, false
	}
	t := normalizeText(strings.Trim(text, " .!?"))
	if t == "" {
		return 0, false
	}

	// Whole message is a digit or its French word form.
	if idx, ok := wordDigits[t]; ok {
		return boundsCheck(idx, n)
	}

	// Bare affirmations never pick a slot.
	if bareAffirmations[t] {
		return 0, false
	}

	// Ordinal with optional article: "le premier", "deuxième créneau".
	if m := ordinalPattern.FindStringSubmatch(t); m != nil {
		if idx, ok := ordinalIndex[m[1]]; ok {
			return boundsCheck(idx, n)
		}
	}

	// Marker followed by a digit or ordinal: "oui le 2", "option deux",
	// "créneau numéro 3".
	if m := markerPattern.FindStringSubmatch(t); m != nil {
		if idx, ok := wordDigits[m[1]]; ok {
			return boundsCheck(idx, n)
		}
		if idx, ok := ordinalIndex[m[1]]; ok {
			return boundsCheck(idx, n)
		}
	}

	// Day+time match against the pending slots: exactly one hit wins.
	if idx, ok := matchDayTime(t, slots); ok {
		return idx, true
	}

	return 0, false
}

func boundsCheck(idx, n int) (int, bool) {
	if idx < 1 || idx > n {
		return 0, false
	}
	return idx, true
}

func matchDayTime(t string, slots []session.CanonicalSlot) (int, bool) {
	var weekday time.Weekday
	haveDay := false
	for name, wd := range frenchWeekdays {
		if strings.Contains(t, name) {
			weekday = wd
			haveDay = true
			break
		}
	}
	tm := timePattern.FindStringSubmatch(t)
	if !haveDay && tm == nil {
		return 0, false
	}

	matched := 0
	matchIdx := 0
	for i, slot := range slots {
		start, err := time.Parse(time.RFC3339, slot.StartISO)
		if err != nil {
			continue
		}
		if haveDay && start.Weekday() != weekday {
			continue
		}
		if tm != nil {
			hour := atoiSafe(tm[1])
			minute := 0
			if tm[2] != "" {
				minute = atoiSafe(tm[2])
			}
			if start.Hour() != hour || start.Minute() != minute {
				continue
			}
		}
		matched++
		matchIdx = i + 1
	}
	if matched == 1 {
		return matchIdx, true
	}
	return 0, false
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return -1
		}
		n = n*10 + int(r-'0')
	}
	return n
}
