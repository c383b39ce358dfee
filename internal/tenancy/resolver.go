package tenancy

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

var e164Pattern = regexp.MustCompile(`^\+[0-9]{8,15}$`)

// NormalizeE164 strips transport prefixes and separators and validates
// the +CC form. Returns an empty string when the input cannot be a
// routable number.
func NormalizeE164(raw string) string {
	s := strings.TrimSpace(raw)
	for _, prefix := range []string{"whatsapp:", "tel:", "sip:"} {
		if strings.HasPrefix(strings.ToLower(s), prefix) {
			s = s[len(prefix):]
			break
		}
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '-', '.', '\t':
		default:
			b.WriteRune(r)
		}
	}
	s = b.String()
	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	}
	if !e164Pattern.MatchString(s) {
		return ""
	}
	return s
}

// HashAPIKey is the storage form of an API key. Keys are opaque random
// tokens; only the digest is persisted.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// RouteStore looks up routing entries keyed by (channel, key).
type RouteStore interface {
	LookupRoute(ctx context.Context, channel, key string) (int64, error)
	PutRoute(ctx context.Context, channel, key string, tenantID int64) error
}

// Resolver maps inbound identifiers to tenant ids.
type Resolver struct {
	routes RouteStore
}

// NewResolver creates a resolver over the given route store.
func NewResolver(routes RouteStore) *Resolver {
	if routes == nil {
		panic("tenancy: route store required")
	}
	return &Resolver{routes: routes}
}

// ResolveByInboundNumber maps (channel, E.164) to a tenant id.
func (r *Resolver) ResolveByInboundNumber(ctx context.Context, channel, e164 string) (int64, error) {
	normalized := NormalizeE164(e164)
	if normalized == "" {
		return 0, fmt.Errorf("%w: unroutable number %q", ErrUnknownRoute, e164)
	}
	tenantID, err := r.routes.LookupRoute(ctx, channel, normalized)
	if err != nil {
		return 0, err
	}
	return tenantID, nil
}

// ResolveByAPIKey maps a web API key to a tenant id.
func (r *Resolver) ResolveByAPIKey(ctx context.Context, key string) (int64, error) {
	if strings.TrimSpace(key) == "" {
		return 0, ErrUnauthenticated
	}
	tenantID, err := r.routes.LookupRoute(ctx, "web", HashAPIKey(key))
	if err != nil {
		if errors.Is(err, ErrUnknownRoute) {
			return 0, ErrUnauthenticated
		}
		return 0, err
	}
	return tenantID, nil
}

// MemoryRouteStore is the in-memory routing table used in single-tenant
// deployments and tests.
type MemoryRouteStore struct {
	mu     sync.RWMutex
	routes map[string]int64
}

// NewMemoryRouteStore creates an empty routing table.
func NewMemoryRouteStore() *MemoryRouteStore {
	return &MemoryRouteStore{routes: make(map[string]int64)}
}

func routeKey(channel, key string) string {
	return channel + "|" + key
}

// LookupRoute implements RouteStore.
func (s *MemoryRouteStore) LookupRoute(_ context.Context, channel, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenantID, ok := s.routes[routeKey(channel, key)]
	if !ok {
		return 0, ErrUnknownRoute
	}
	return tenantID, nil
}

// PutRoute implements RouteStore.
func (s *MemoryRouteStore) PutRoute(_ context.Context, channel, key string, tenantID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[routeKey(channel, key)] = tenantID
	return nil
}

// PGRouteStore reads the tenant_routing table.
type PGRouteStore struct {
	db *sql.DB
}

// NewPGRouteStore creates a Postgres-backed route store.
func NewPGRouteStore(db *sql.DB) *PGRouteStore {
	if db == nil {
		panic("tenancy: db required")
	}
	return &PGRouteStore{db: db}
}

// LookupRoute implements RouteStore.
func (s *PGRouteStore) LookupRoute(ctx context.Context, channel, key string) (int64, error) {
	var tenantID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM tenant_routing WHERE channel = $1 AND key = $2`,
		channel, key,
	).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return 0, ErrUnknownRoute
	}
	if err != nil {
		return 0, fmt.Errorf("tenancy: route lookup failed: %w", err)
	}
	return tenantID, nil
}

// PutRoute implements RouteStore.
func (s *PGRouteStore) PutRoute(ctx context.Context, channel, key string, tenantID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_routing (channel, key, tenant_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel, key) DO UPDATE SET tenant_id = EXCLUDED.tenant_id
	`, channel, key, tenantID)
	if err != nil {
		return fmt.Errorf("tenancy: route upsert failed: %w", err)
	}
	return nil
}
