package booking

import (
	"fmt"
	"time"

	"github.com/vocalys/rdv-platform/internal/session"
)

var frenchDays = [...]string{"dimanche", "lundi", "mardi", "mercredi", "jeudi", "vendredi", "samedi"}

var frenchMonths = [...]string{"", "janvier", "février", "mars", "avril", "mai", "juin",
	"juillet", "août", "septembre", "octobre", "novembre", "décembre"}

// CanonicalizeSlot builds the canonical record for a free interval,
// with display and vocal labels in the tenant's timezone.
func CanonicalizeSlot(id string, start, end time.Time, loc *time.Location, source string) session.CanonicalSlot {
	if loc != nil {
		start = start.In(loc)
		end = end.In(loc)
	}
	day := frenchDays[int(start.Weekday())]
	date := fmt.Sprintf("%s %d %s", day, start.Day(), frenchMonths[int(start.Month())])
	label := fmt.Sprintf("%s à %dh%02d", date, start.Hour(), start.Minute())
	vocal := fmt.Sprintf("%s à %d heures", date, start.Hour())
	if start.Minute() != 0 {
		vocal = fmt.Sprintf("%s à %d heures %d", date, start.Hour(), start.Minute())
	}
	return session.CanonicalSlot{
		ID:         id,
		StartISO:   start.Format(time.RFC3339),
		EndISO:     end.Format(time.RFC3339),
		Label:      label,
		LabelVocal: vocal,
		Day:        day,
		Source:     source,
	}
}

// matchesPreference filters a start time by the caller's stated time of
// day. Any/unknown preferences accept everything.
func matchesPreference(start time.Time, pref string) bool {
	switch pref {
	case session.PrefMorning:
		return start.Hour() < 12
	case session.PrefAfternoon:
		return start.Hour() >= 12 && start.Hour() < 18
	case session.PrefEvening:
		return start.Hour() >= 18
	default:
		return true
	}
}
