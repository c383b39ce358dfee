package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vocalys/rdv-platform/internal/journal"
	"github.com/vocalys/rdv-platform/internal/session"
	"github.com/vocalys/rdv-platform/internal/tenancy"
	"github.com/vocalys/rdv-platform/internal/transcript"
	"github.com/vocalys/rdv-platform/pkg/logging"
)

// Admin serves the JWT-protected tenant management API.
type Admin struct {
	tenants     tenancy.Store
	routes      tenancy.RouteStore
	transcripts *transcript.Store
	journal     *journal.Log
	logger      *logging.Logger
}

// NewAdmin wires the admin API. transcripts and journal may be nil.
func NewAdmin(tenants tenancy.Store, routes tenancy.RouteStore, transcripts *transcript.Store, jl *journal.Log, logger *logging.Logger) *Admin {
	if tenants == nil || routes == nil {
		panic("handlers: tenants and routes required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Admin{tenants: tenants, routes: routes, transcripts: transcripts, journal: jl, logger: logger}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func tenantID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tenantID"), 10, 64)
	return id, err == nil && id > 0
}

// CreateTenant handles POST /admin/tenants.
func (h *Admin) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var t tenancy.Tenant
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil || t.Name == "" {
		http.Error(w, "invalid tenant", http.StatusBadRequest)
		return
	}
	t.Normalize()
	created, err := h.tenants.Create(r.Context(), &t)
	if err != nil {
		h.logger.Error("tenant create failed", "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetTenant handles GET /admin/tenants/{tenantID}.
func (h *Admin) GetTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(r)
	if !ok {
		http.Error(w, "invalid tenant id", http.StatusBadRequest)
		return
	}
	t, err := h.tenants.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, tenancy.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTenant handles PUT /admin/tenants/{tenantID}.
func (h *Admin) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(r)
	if !ok {
		http.Error(w, "invalid tenant id", http.StatusBadRequest)
		return
	}
	var t tenancy.Tenant
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		http.Error(w, "invalid tenant", http.StatusBadRequest)
		return
	}
	t.ID = id
	t.Normalize()
	if err := h.tenants.Update(r.Context(), &t); err != nil {
		if errors.Is(err, tenancy.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, &t)
}

type routingRequest struct {
	Channel string `json:"channel"`
	Key     string `json:"key"`
}

// PutRouting handles PUT /admin/tenants/{tenantID}/routing. For phone
// channels the key is an inbound number, stored normalized.
func (h *Admin) PutRouting(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(r)
	if !ok {
		http.Error(w, "invalid tenant id", http.StatusBadRequest)
		return
	}
	var req routingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
		http.Error(w, "invalid routing entry", http.StatusBadRequest)
		return
	}

	key := req.Key
	switch req.Channel {
	case session.ChannelVoice, session.ChannelWhatsApp:
		key = tenancy.NormalizeE164(req.Key)
		if key == "" {
			http.Error(w, "unroutable number", http.StatusBadRequest)
			return
		}
	case session.ChannelWeb:
	default:
		http.Error(w, "unknown channel", http.StatusBadRequest)
		return
	}

	if err := h.routes.PutRoute(r.Context(), req.Channel, key, id); err != nil {
		h.logger.Error("routing upsert failed", "tenant_id", id, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"channel": req.Channel, "key": key})
}

// MintAPIKey handles POST /admin/tenants/{tenantID}/api-keys. The key
// is returned exactly once; only its digest is stored.
func (h *Admin) MintAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(r)
	if !ok {
		http.Error(w, "invalid tenant id", http.StatusBadRequest)
		return
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	key := "wk_" + hex.EncodeToString(buf)
	if err := h.routes.PutRoute(r.Context(), session.ChannelWeb, tenancy.HashAPIKey(key), id); err != nil {
		h.logger.Error("api key store failed", "tenant_id", id, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"api_key": key})
}

type transcriptResponse struct {
	CallID   string               `json:"call_id"`
	Messages []transcript.Message `json:"messages"`
}

// GetCallTranscript handles GET /admin/tenants/{tenantID}/calls/{callID}.
// The redis live transcript is preferred; the journal is the fallback
// once the cache expired.
func (h *Admin) GetCallTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := tenantID(r)
	if !ok {
		http.Error(w, "invalid tenant id", http.StatusBadRequest)
		return
	}
	callID := chi.URLParam(r, "callID")
	if callID == "" {
		http.Error(w, "missing call id", http.StatusBadRequest)
		return
	}

	msgs, err := h.transcripts.List(r.Context(), id, callID, 250)
	if err != nil {
		h.logger.Warn("transcript read failed, falling back to journal", "call_id", callID, "error", err)
	}
	if len(msgs) == 0 && h.journal != nil {
		entries, err := h.journal.Messages(r.Context(), id, callID, 250)
		if err != nil {
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		}
		for _, e := range entries {
			msgs = append(msgs, transcript.Message{Role: e.Role, Text: e.Text, Seq: e.Seq, Timestamp: e.TS})
		}
	}
	if len(msgs) == 0 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{CallID: callID, Messages: msgs})
}
