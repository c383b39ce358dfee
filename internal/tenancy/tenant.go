// Package tenancy resolves inbound identifiers to tenants and owns the
// tenant directory. Every row and cache in the platform is scoped by the
// tenant id this package hands out.
package tenancy

import (
	"errors"
	"time"
)

// Tenant statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// Calendar providers a tenant can be configured with.
const (
	CalendarGoogle   = "google"
	CalendarInternal = "internal"
	CalendarNone     = "none"
)

// Consent modes for recording the caller's data.
const (
	ConsentImplicit = "implicit"
	ConsentExplicit = "explicit"
)

var (
	// ErrUnknownRoute is returned when no tenant owns the inbound number.
	ErrUnknownRoute = errors.New("tenancy: no tenant for inbound route")
	// ErrUnauthenticated is returned for unknown or revoked API keys.
	ErrUnauthenticated = errors.New("tenancy: unauthenticated")
	// ErrNotFound is returned when a tenant id does not exist.
	ErrNotFound = errors.New("tenancy: tenant not found")
)

// Config is the per-tenant configuration blob.
type Config struct {
	CalendarProvider string `json:"calendar_provider"`
	CalendarID       string `json:"calendar_id,omitempty"`
	BusinessName     string `json:"business_name"`
	TransferPhone    string `json:"transfer_phone,omitempty"`
	ConsentMode      string `json:"consent_mode"`
	Language         string `json:"language"`
}

// Tenant is a customer of the service.
type Tenant struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Timezone  string    `json:"timezone"`
	Status    string    `json:"status"`
	Config    Config    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Suspended reports whether the tenant must not be served.
func (t *Tenant) Suspended() bool {
	return t == nil || t.Status == StatusSuspended
}

// Normalize fills config defaults so downstream code never branches on
// empty strings.
func (t *Tenant) Normalize() {
	if t.Status == "" {
		t.Status = StatusActive
	}
	if t.Timezone == "" {
		t.Timezone = "Europe/Paris"
	}
	if t.Config.CalendarProvider == "" {
		t.Config.CalendarProvider = CalendarNone
	}
	if t.Config.ConsentMode == "" {
		t.Config.ConsentMode = ConsentImplicit
	}
	if t.Config.Language == "" {
		t.Config.Language = "fr"
	}
}
