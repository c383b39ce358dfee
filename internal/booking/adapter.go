// Package booking provides a unified adapter interface over calendar
// providers. Variants: Google Calendar, the internal slot table, and
// "none" for tenants without a connected calendar. The adapter is
// selected per session from tenant configuration; a tenant without a
// calendar never falls back to another tenant's provider.
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/vocalys/rdv-platform/internal/session"
	"github.com/vocalys/rdv-platform/internal/tenancy"
)

// ErrNoCalendar is the sentinel for tenants without a connected
// calendar. Find/cancel callers route to human transfer instead of
// claiming success.
var ErrNoCalendar = errors.New("booking: no calendar connected")

// Book outcomes.
type BookOutcome int

const (
	BookOK BookOutcome = iota
	BookSlotTaken
	BookPermissionDenied
	BookTechnicalError
)

// BookResult carries the outcome of a booking attempt.
type BookResult struct {
	Outcome         BookOutcome
	ExternalEventID string
}

// Booking is an existing appointment surfaced by name lookup.
type Booking struct {
	ID              string
	ExternalEventID string
	PatientName     string
	Label           string
	StartISO        string
}

// Request is the qualified data a booking is created from.
type Request struct {
	Slot    session.CanonicalSlot
	Name    string
	Contact string
	Motif   string
	// IdempotencyKey is recorded before the external call so a retried
	// turn never double-books.
	IdempotencyKey string
}

// ListQuery bounds a free-slot search.
type ListQuery struct {
	From       time.Time
	Duration   time.Duration
	WindowDays int
	Limit      int
	Preference string // session.Pref* value, filters by time of day
}

// Adapter is the uniform calendar surface the FSM talks to.
type Adapter interface {
	ListFreeSlots(ctx context.Context, q ListQuery) ([]session.CanonicalSlot, error)
	Book(ctx context.Context, req Request) (BookResult, error)
	FindBookingByName(ctx context.Context, name string) (*Booking, error)
	Cancel(ctx context.Context, b *Booking) (bool, error)
	CanProposeSlots() bool
}

// Selector builds the adapter for one tenant.
type Selector struct {
	google   func(t *tenancy.Tenant) Adapter
	internal func(t *tenancy.Tenant) Adapter
}

// NewSelector wires the provider constructors. Either may be nil when
// the deployment does not carry that provider.
func NewSelector(google, internal func(t *tenancy.Tenant) Adapter) *Selector {
	return &Selector{google: google, internal: internal}
}

// ForTenant returns the adapter matching the tenant's configured
// provider. Unknown or unconfigured providers get the none adapter.
func (s *Selector) ForTenant(t *tenancy.Tenant) Adapter {
	if t == nil {
		return NoneAdapter{}
	}
	switch t.Config.CalendarProvider {
	case tenancy.CalendarGoogle:
		if s != nil && s.google != nil {
			return s.google(t)
		}
	case tenancy.CalendarInternal:
		if s != nil && s.internal != nil {
			return s.internal(t)
		}
	}
	return NoneAdapter{}
}

// NoneAdapter serves tenants without a connected calendar.
type NoneAdapter struct{}

// ListFreeSlots implements Adapter. Always empty.
func (NoneAdapter) ListFreeSlots(context.Context, ListQuery) ([]session.CanonicalSlot, error) {
	return nil, nil
}

// Book implements Adapter.
func (NoneAdapter) Book(context.Context, Request) (BookResult, error) {
	return BookResult{}, ErrNoCalendar
}

// FindBookingByName implements Adapter.
func (NoneAdapter) FindBookingByName(context.Context, string) (*Booking, error) {
	return nil, ErrNoCalendar
}

// Cancel implements Adapter.
func (NoneAdapter) Cancel(context.Context, *Booking) (bool, error) {
	return false, ErrNoCalendar
}

// CanProposeSlots implements Adapter.
func (NoneAdapter) CanProposeSlots() bool { return false }
