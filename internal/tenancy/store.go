package tenancy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Store is the tenant directory.
type Store interface {
	Get(ctx context.Context, tenantID int64) (*Tenant, error)
	Create(ctx context.Context, t *Tenant) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	SetStatus(ctx context.Context, tenantID int64, status string) error
}

// MemoryStore keeps tenants in memory for tests and single-tenant mode.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	tenants map[int64]*Tenant
}

// NewMemoryStore creates an empty tenant directory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, tenants: make(map[int64]*Tenant)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID int64) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, t *Tenant) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	if cp.ID == 0 {
		cp.ID = s.nextID
		s.nextID++
	} else if cp.ID >= s.nextID {
		s.nextID = cp.ID + 1
	}
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.Normalize()
	s.tenants[cp.ID] = &cp
	out := cp
	return &out, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	cp.Normalize()
	s.tenants[t.ID] = &cp
	return nil
}

// SetStatus implements Store.
func (s *MemoryStore) SetStatus(_ context.Context, tenantID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// PGStore persists tenants in the tenants + tenant_config tables.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates a Postgres-backed tenant store.
func NewPGStore(db *sql.DB) *PGStore {
	if db == nil {
		panic("tenancy: db required")
	}
	return &PGStore{db: db}
}

// Get implements Store.
func (s *PGStore) Get(ctx context.Context, tenantID int64) (*Tenant, error) {
	var t Tenant
	var configJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT t.id, t.name, t.timezone, t.status, t.created_at, t.updated_at,
		       COALESCE(c.config, '{}'::jsonb)
		FROM tenants t
		LEFT JOIN tenant_config c ON c.tenant_id = t.id
		WHERE t.id = $1
	`, tenantID).Scan(&t.ID, &t.Name, &t.Timezone, &t.Status, &t.CreatedAt, &t.UpdatedAt, &configJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("tenancy: tenant load failed: %w", err)
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &t.Config); err != nil {
			return nil, fmt.Errorf("tenancy: tenant %d config corrupt: %w", tenantID, err)
		}
	}
	t.Normalize()
	return &t, nil
}

// Create implements Store.
func (s *PGStore) Create(ctx context.Context, t *Tenant) (*Tenant, error) {
	cp := *t
	cp.Normalize()
	now := time.Now().UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (name, timezone, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id
	`, cp.Name, cp.Timezone, cp.Status, now).Scan(&cp.ID)
	if err != nil {
		return nil, fmt.Errorf("tenancy: tenant insert failed: %w", err)
	}
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if err := s.writeConfig(ctx, cp.ID, cp.Config); err != nil {
		return nil, err
	}
	return &cp, nil
}

// Update implements Store.
func (s *PGStore) Update(ctx context.Context, t *Tenant) error {
	cp := *t
	cp.Normalize()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET name = $1, timezone = $2, status = $3, updated_at = $4
		WHERE id = $5
	`, cp.Name, cp.Timezone, cp.Status, time.Now().UTC(), cp.ID)
	if err != nil {
		return fmt.Errorf("tenancy: tenant update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return s.writeConfig(ctx, cp.ID, cp.Config)
}

// SetStatus implements Store.
func (s *PGStore) SetStatus(ctx context.Context, tenantID int64, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET status = $1, updated_at = $2 WHERE id = $3
	`, status, time.Now().UTC(), tenantID)
	if err != nil {
		return fmt.Errorf("tenancy: status update failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) writeConfig(ctx context.Context, tenantID int64, cfg Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("tenancy: config marshal failed: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_config (tenant_id, config)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO UPDATE SET config = EXCLUDED.config
	`, tenantID, data)
	if err != nil {
		return fmt.Errorf("tenancy: config upsert failed: %w", err)
	}
	return nil
}

// CachedStore wraps a Store with a short-lived read cache. Writes go
// through and invalidate. Safe for concurrent use.
type CachedStore struct {
	inner Store
	ttl   time.Duration

	mu    sync.RWMutex
	cache map[int64]cachedTenant
}

type cachedTenant struct {
	tenant  *Tenant
	expires time.Time
}

// NewCachedStore wraps inner with a read cache.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{inner: inner, ttl: ttl, cache: make(map[int64]cachedTenant)}
}

// Get implements Store.
func (s *CachedStore) Get(ctx context.Context, tenantID int64) (*Tenant, error) {
	s.mu.RLock()
	entry, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		cp := *entry.tenant
		return &cp, nil
	}

	t, err := s.inner.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[tenantID] = cachedTenant{tenant: t, expires: time.Now().Add(s.ttl)}
	s.mu.Unlock()
	cp := *t
	return &cp, nil
}

// Create implements Store.
func (s *CachedStore) Create(ctx context.Context, t *Tenant) (*Tenant, error) {
	return s.inner.Create(ctx, t)
}

// Update implements Store.
func (s *CachedStore) Update(ctx context.Context, t *Tenant) error {
	if err := s.inner.Update(ctx, t); err != nil {
		return err
	}
	s.invalidate(t.ID)
	return nil
}

// SetStatus implements Store.
func (s *CachedStore) SetStatus(ctx context.Context, tenantID int64, status string) error {
	if err := s.inner.SetStatus(ctx, tenantID, status); err != nil {
		return err
	}
	s.invalidate(tenantID)
	return nil
}

func (s *CachedStore) invalidate(tenantID int64) {
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
}
