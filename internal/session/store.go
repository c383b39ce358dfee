package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vocalys/rdv-platform/pkg/logging"
)

// ErrTenantBoundary is returned when a single-tenant-only path is used
// while multi-tenant mode is on. Callers must treat it as fatal; the
// alternative is silently serving the wrong tenant.
var ErrTenantBoundary = errors.New("session: single-tenant path used in multi-tenant mode")

// transientSubstrings identify connection-level failures worth one retry.
var transientSubstrings = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"timeout",
}

// IsTransient reports whether an error looks like a connection-level
// failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

type cacheKey struct {
	tenantID int64
	convID   string
}

// Cache is the process-local session cache. Safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	sessions map[cacheKey]*Session
	ttl      time.Duration
}

// NewCache creates an empty cache with the given inactivity TTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{sessions: make(map[cacheKey]*Session), ttl: ttl}
}

// Get returns the cached session or nil. Expired entries are dropped.
func (c *Cache) Get(tenantID int64, convID string) *Session {
	c.mu.RLock()
	s := c.sessions[cacheKey{tenantID, convID}]
	c.mu.RUnlock()
	if s == nil {
		return nil
	}
	if s.Expired(c.ttl, time.Now()) {
		c.Delete(tenantID, convID)
		return nil
	}
	return s
}

// Put stores a session.
func (c *Cache) Put(s *Session) {
	c.mu.Lock()
	c.sessions[cacheKey{s.TenantID, s.ConvID}] = s
	c.mu.Unlock()
}

// Delete removes a session.
func (c *Cache) Delete(tenantID int64, convID string) {
	c.mu.Lock()
	delete(c.sessions, cacheKey{tenantID, convID})
	c.mu.Unlock()
}

// Sweep drops every expired session and returns how many were removed.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, s := range c.sessions {
		if s.Expired(c.ttl, now) {
			delete(c.sessions, k)
			removed++
		}
	}
	return removed
}

// WebSessionRepo is the durable store for web sessions.
type WebSessionRepo interface {
	Load(ctx context.Context, tenantID int64, convID string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, tenantID int64, convID string) error
}

// PGWebSessionRepo persists web sessions as jsonb rows.
type PGWebSessionRepo struct {
	db *sql.DB
}

// NewPGWebSessionRepo creates a Postgres-backed web session repository.
func NewPGWebSessionRepo(db *sql.DB) *PGWebSessionRepo {
	if db == nil {
		panic("session: db required")
	}
	return &PGWebSessionRepo{db: db}
}

// Load implements WebSessionRepo. Returns (nil, nil) when absent.
func (r *PGWebSessionRepo) Load(ctx context.Context, tenantID int64, convID string) (*Session, error) {
	var blob []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT state FROM web_sessions WHERE tenant_id = $1 AND conv_id = $2`,
		tenantID, convID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: web session load failed: %w", err)
	}
	s, err := Decode(blob)
	if err != nil {
		return nil, err
	}
	s.TenantID = tenantID
	s.ConvID = convID
	return s, nil
}

// Save implements WebSessionRepo.
func (r *PGWebSessionRepo) Save(ctx context.Context, s *Session) error {
	blob, err := s.Encode()
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO web_sessions (tenant_id, conv_id, state, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, conv_id) DO UPDATE
		SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`, s.TenantID, s.ConvID, blob, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("session: web session upsert failed: %w", err)
	}
	return nil
}

// Delete implements WebSessionRepo.
func (r *PGWebSessionRepo) Delete(ctx context.Context, tenantID int64, convID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM web_sessions WHERE tenant_id = $1 AND conv_id = $2`,
		tenantID, convID,
	)
	if err != nil {
		return fmt.Errorf("session: web session delete failed: %w", err)
	}
	return nil
}

// HybridStore composes the process-local cache with the durable web
// session repository. For web sessions in multi-tenant mode the durable
// store is authoritative and the cache is write-through; for voice
// sessions the journal checkpoints are authoritative and the cache only
// holds the live object during a call.
type HybridStore struct {
	cache       *Cache
	durable     WebSessionRepo
	multiTenant bool
	logger      *logging.Logger
}

// NewHybridStore composes the two backends. durable may be nil, in
// which case the store runs cache-only (single-tenant deployments).
func NewHybridStore(cache *Cache, durable WebSessionRepo, multiTenant bool, logger *logging.Logger) *HybridStore {
	if cache == nil {
		cache = NewCache(DefaultTTL)
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &HybridStore{cache: cache, durable: durable, multiTenant: multiTenant, logger: logger}
}

// Durable reports whether a durable backend is configured; callers use
// this instead of guessing at call sites.
func (h *HybridStore) Durable() bool {
	return h.durable != nil
}

// GetOrCreate returns the live session for (tenant, conv), reading
// through to the durable store for web sessions, creating a fresh one
// when nothing exists.
func (h *HybridStore) GetOrCreate(ctx context.Context, tenantID int64, convID, channel string) (*Session, error) {
	if s := h.cache.Get(tenantID, convID); s != nil {
		return s, nil
	}

	if channel == ChannelWeb && h.multiTenant && h.durable != nil {
		s, err := h.loadDurable(ctx, tenantID, convID)
		if err != nil {
			return nil, err
		}
		if s != nil {
			h.cache.Put(s)
			return s, nil
		}
	}

	s := New(tenantID, convID, channel)
	h.cache.Put(s)
	return s, nil
}

// loadDurable reads the durable store with one transient retry.
func (h *HybridStore) loadDurable(ctx context.Context, tenantID int64, convID string) (*Session, error) {
	s, err := h.durable.Load(ctx, tenantID, convID)
	if err != nil && IsTransient(err) {
		time.Sleep(50 * time.Millisecond)
		s, err = h.durable.Load(ctx, tenantID, convID)
	}
	if err != nil {
		if IsTransient(err) {
			h.logger.Warn("session: durable store unreachable, serving cache only", "error", err)
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// Peek returns the cached session without creating one.
func (h *HybridStore) Peek(tenantID int64, convID string) *Session {
	return h.cache.Get(tenantID, convID)
}

// Save upserts the session into the cache and, for web sessions in
// multi-tenant mode, writes through to the durable store.
func (h *HybridStore) Save(ctx context.Context, s *Session) error {
	s.Touch()
	h.cache.Put(s)

	if s.Channel == ChannelWeb && h.multiTenant && h.durable != nil {
		err := h.durable.Save(ctx, s)
		if err != nil && IsTransient(err) {
			time.Sleep(50 * time.Millisecond)
			err = h.durable.Save(ctx, s)
		}
		if err != nil {
			if IsTransient(err) {
				h.logger.Warn("session: durable save degraded to cache only", "error", err)
				return nil
			}
			return err
		}
	}
	return nil
}

// Delete purges both layers.
func (h *HybridStore) Delete(ctx context.Context, tenantID int64, convID string) error {
	h.cache.Delete(tenantID, convID)
	if h.durable != nil {
		return h.durable.Delete(ctx, tenantID, convID)
	}
	return nil
}

// SingleTenantGet is the legacy lookup by conversation id alone. It is
// only legal in single-tenant deployments; in multi-tenant mode it
// fails loudly instead of guessing a tenant.
func (h *HybridStore) SingleTenantGet(convID string) (*Session, error) {
	if h.multiTenant {
		h.logger.Error("session: single-tenant lookup refused", "conv_id", convID)
		return nil, ErrTenantBoundary
	}
	return h.cache.Get(1, convID), nil
}
