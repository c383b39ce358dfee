package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/vocalys/rdv-platform/internal/tenancy"
	"github.com/vocalys/rdv-platform/pkg/logging"

	"github.com/vocalys/rdv-platform/internal/session"
)

// Office hours scanned for free slots, in the tenant's timezone.
const (
	officeOpenHour  = 9
	officeCloseHour = 19
	slotGridMinutes = 30
)

// GoogleAdapter books against a tenant's Google Calendar.
type GoogleAdapter struct {
	svc        *calendar.Service
	calendarID string
	location   *time.Location
	idem       IdempotencyStore
	logger     *logging.Logger
}

// NewGoogleService builds the shared calendar client from service
// account credentials JSON.
func NewGoogleService(ctx context.Context, credentialsJSON string) (*calendar.Service, error) {
	svc, err := calendar.NewService(ctx,
		option.WithCredentialsJSON([]byte(credentialsJSON)),
		option.WithScopes(calendar.CalendarScope),
	)
	if err != nil {
		return nil, fmt.Errorf("booking: calendar client init failed: %w", err)
	}
	return svc, nil
}

// NewGoogleAdapter binds the shared client to one tenant's calendar.
func NewGoogleAdapter(svc *calendar.Service, t *tenancy.Tenant, idem IdempotencyStore, logger *logging.Logger) *GoogleAdapter {
	if logger == nil {
		logger = logging.Default()
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &GoogleAdapter{
		svc:        svc,
		calendarID: t.Config.CalendarID,
		location:   loc,
		idem:       idem,
		logger:     logger,
	}
}

// CanProposeSlots implements Adapter.
func (a *GoogleAdapter) CanProposeSlots() bool { return true }

// ListFreeSlots implements Adapter. Busy intervals come from a
// free/busy query; candidates walk a fixed grid inside office hours.
func (a *GoogleAdapter) ListFreeSlots(ctx context.Context, q ListQuery) ([]session.CanonicalSlot, error) {
	if q.Limit <= 0 {
		q.Limit = 3
	}
	if q.WindowDays <= 0 {
		q.WindowDays = 14
	}
	if q.Duration <= 0 {
		q.Duration = 30 * time.Minute
	}
	from := q.From.In(a.location)
	to := from.AddDate(0, 0, q.WindowDays)

	fb, err := a.svc.Freebusy.Query(&calendar.FreeBusyRequest{
		TimeMin: from.Format(time.RFC3339),
		TimeMax: to.Format(time.RFC3339),
		Items:   []*calendar.FreeBusyRequestItem{{Id: a.calendarID}},
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("booking: freebusy query failed: %w", err)
	}
	busy := fb.Calendars[a.calendarID].Busy

	var out []session.CanonicalSlot
	for day := 0; day <= q.WindowDays && len(out) < q.Limit; day++ {
		d := from.AddDate(0, 0, day)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		for h := officeOpenHour; h < officeCloseHour && len(out) < q.Limit; h++ {
			for m := 0; m < 60; m += slotGridMinutes {
				start := time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, a.location)
				end := start.Add(q.Duration)
				if start.Before(from) || end.Hour() > officeCloseHour {
					continue
				}
				if !matchesPreference(start, q.Preference) || overlapsBusy(start, end, busy) {
					continue
				}
				id := fmt.Sprintf("gcal_%d", start.Unix())
				out = append(out, CanonicalizeSlot(id, start, end, a.location, session.SlotSourceCalendar))
				if len(out) >= q.Limit {
					break
				}
			}
		}
	}
	return out, nil
}

func overlapsBusy(start, end time.Time, busy []*calendar.TimePeriod) bool {
	for _, p := range busy {
		bs, err1 := time.Parse(time.RFC3339, p.Start)
		be, err2 := time.Parse(time.RFC3339, p.End)
		if err1 != nil || err2 != nil {
			continue
		}
		if start.Before(be) && bs.Before(end) {
			return true
		}
	}
	return false
}

// Book implements Adapter. The idempotency key is reserved before the
// insert; a replayed key returns the original event.
func (a *GoogleAdapter) Book(ctx context.Context, req Request) (BookResult, error) {
	if a.idem != nil && req.IdempotencyKey != "" {
		fresh, prior, err := a.idem.Reserve(ctx, req.IdempotencyKey)
		if err != nil {
			return BookResult{Outcome: BookTechnicalError}, err
		}
		if !fresh {
			if prior != "" {
				return BookResult{Outcome: BookOK, ExternalEventID: prior}, nil
			}
			return BookResult{Outcome: BookTechnicalError}, errors.New("booking: attempt in flight for key")
		}
	}

	event := &calendar.Event{
		Summary:     fmt.Sprintf("RDV %s - %s", req.Name, req.Motif),
		Description: fmt.Sprintf("Contact : %s", req.Contact),
		Start:       &calendar.EventDateTime{DateTime: req.Slot.StartISO},
		End:         &calendar.EventDateTime{DateTime: req.Slot.EndISO},
	}
	created, err := a.svc.Events.Insert(a.calendarID, event).Context(ctx).Do()
	if err != nil {
		return BookResult{Outcome: mapGoogleError(err)}, fmt.Errorf("booking: event insert failed: %w", err)
	}
	if a.idem != nil && req.IdempotencyKey != "" {
		if err := a.idem.Complete(ctx, req.IdempotencyKey, created.Id); err != nil {
			a.logger.Warn("idempotency complete failed", "error", err)
		}
	}
	return BookResult{Outcome: BookOK, ExternalEventID: created.Id}, nil
}

func mapGoogleError(err error) BookOutcome {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 403:
			return BookPermissionDenied
		case 409, 412:
			return BookSlotTaken
		}
	}
	return BookTechnicalError
}

// FindBookingByName implements Adapter. Looks for the next upcoming
// event whose summary carries the patient name.
func (a *GoogleAdapter) FindBookingByName(ctx context.Context, name string) (*Booking, error) {
	events, err := a.svc.Events.List(a.calendarID).
		Q(name).
		TimeMin(time.Now().Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(5).
		Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("booking: event search failed: %w", err)
	}
	lower := strings.ToLower(name)
	for _, ev := range events.Items {
		if !strings.Contains(strings.ToLower(ev.Summary), lower) {
			continue
		}
		start, err := time.Parse(time.RFC3339, ev.Start.DateTime)
		if err != nil {
			continue
		}
		slot := CanonicalizeSlot(ev.Id, start, start.Add(30*time.Minute), a.location, session.SlotSourceCalendar)
		return &Booking{
			ID:              ev.Id,
			ExternalEventID: ev.Id,
			PatientName:     name,
			Label:           slot.Label,
			StartISO:        slot.StartISO,
		}, nil
	}
	return nil, nil
}

// Cancel implements Adapter. Already-deleted events count as not
// cancelled so the FSM hands off instead of claiming success.
func (a *GoogleAdapter) Cancel(ctx context.Context, b *Booking) (bool, error) {
	if b == nil || b.ExternalEventID == "" {
		return false, nil
	}
	err := a.svc.Events.Delete(a.calendarID, b.ExternalEventID).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == 404 || gerr.Code == 410) {
			return false, nil
		}
		return false, fmt.Errorf("booking: event delete failed: %w", err)
	}
	return true, nil
}
