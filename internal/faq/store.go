// Package faq answers practice questions from a per-tenant keyword
// table. Matching is deterministic: the entry with the most keyword
// hits wins.
package faq

import (
	"context"
	"database/sql"
	"strings"
	"sync"
)

// Entry is one question/answer pair with its trigger keywords.
type Entry struct {
	ID       int64
	TenantID int64
	Keywords []string
	Answer   string
}

func matches(question string, keywords []string) int {
	q := strings.ToLower(question)
	hits := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(q, strings.ToLower(kw)) {
			hits++
		}
	}
	return hits
}

func best(question string, entries []Entry) (string, bool) {
	bestHits := 0
	answer := ""
	for _, e := range entries {
		if hits := matches(question, e.Keywords); hits > bestHits {
			bestHits = hits
			answer = e.Answer
		}
	}
	return answer, bestHits > 0
}

// MemoryStore holds FAQ entries in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[int64][]Entry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64][]Entry)}
}

// Put adds an entry for a tenant.
func (s *MemoryStore) Put(tenantID int64, keywords []string, answer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[tenantID] = append(s.entries[tenantID], Entry{
		TenantID: tenantID, Keywords: keywords, Answer: answer,
	})
}

// Answer implements dialog.FAQStore.
func (s *MemoryStore) Answer(_ context.Context, tenantID int64, question string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return best(question, s.entries[tenantID])
}

// PGStore reads the faq_entries table.
type PGStore struct {
	db *sql.DB
}

// NewPGStore creates the Postgres-backed store.
func NewPGStore(db *sql.DB) *PGStore {
	if db == nil {
		panic("faq: db required")
	}
	return &PGStore{db: db}
}

// Answer implements dialog.FAQStore.
func (s *PGStore) Answer(ctx context.Context, tenantID int64, question string) (string, bool) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, keywords, answer FROM faq_entries WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return "", false
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var keywords string
		if err := rows.Scan(&e.ID, &keywords, &e.Answer); err != nil {
			continue
		}
		e.TenantID = tenantID
		e.Keywords = strings.Split(keywords, ",")
		entries = append(entries, e)
	}
	return best(question, entries)
}
