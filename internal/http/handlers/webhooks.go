// Package handlers holds the HTTP handlers in front of the turn engine:
// the three channel webhooks, the admin API and the health probes.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vocalys/rdv-platform/internal/channels"
	"github.com/vocalys/rdv-platform/internal/channels/voice"
	"github.com/vocalys/rdv-platform/internal/channels/webchat"
	"github.com/vocalys/rdv-platform/internal/channels/whatsapp"
	"github.com/vocalys/rdv-platform/internal/engine"
	"github.com/vocalys/rdv-platform/internal/observability/metrics"
	"github.com/vocalys/rdv-platform/internal/session"
	"github.com/vocalys/rdv-platform/internal/tenancy"
	"github.com/vocalys/rdv-platform/pkg/logging"
)

// ChannelSecrets holds the per-channel webhook validation material.
type ChannelSecrets struct {
	VoiceSecret   string
	WhatsAppToken string
	// WhatsAppURL is the public webhook URL the gateway signed. Empty
	// means reconstruct from the request.
	WhatsAppURL string
}

// Webhooks serves the inbound channel webhooks.
type Webhooks struct {
	engine   *engine.Engine
	tenants  tenancy.Store
	resolver *tenancy.Resolver
	secrets  ChannelSecrets
	metrics  *metrics.EngineMetrics
	logger   *logging.Logger
}

// NewWebhooks wires the webhook handlers. m may be nil.
func NewWebhooks(e *engine.Engine, tenants tenancy.Store, resolver *tenancy.Resolver, secrets ChannelSecrets, m *metrics.EngineMetrics, logger *logging.Logger) *Webhooks {
	if e == nil || tenants == nil || resolver == nil {
		panic("handlers: engine, tenants and resolver required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Webhooks{engine: e, tenants: tenants, resolver: resolver, secrets: secrets, metrics: m, logger: logger}
}

// Voice handles the telephony-bridge webhook.
func (h *Webhooks) Voice(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.reject(w, session.ChannelVoice, "invalid body", http.StatusBadRequest)
		return
	}
	if !voice.Validate(body, r.Header.Get(voice.SignatureHeader), h.secrets.VoiceSecret) {
		h.reject(w, session.ChannelVoice, "bad signature", http.StatusForbidden)
		return
	}

	msg := voice.ParseIncoming(body)
	if msg == nil {
		// Non-speech bridge events are acknowledged with an empty doc.
		h.observe(session.ChannelVoice, "ignored")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[]}`))
		return
	}

	tenantID, err := h.resolver.ResolveByInboundNumber(r.Context(), session.ChannelVoice, msg.To)
	if err != nil {
		h.routeError(w, session.ChannelVoice, err)
		return
	}

	reply, status := h.turn(w, r, tenantID, *msg)
	if reply == nil {
		h.observe(session.ChannelVoice, status)
		return
	}
	doc, err := voice.FormatResponse(*reply)
	if err != nil {
		h.reject(w, session.ChannelVoice, "server error", http.StatusInternalServerError)
		return
	}
	h.observe(session.ChannelVoice, "ok")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

// WhatsApp handles the messaging-gateway webhook.
func (h *Webhooks) WhatsApp(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.reject(w, session.ChannelWhatsApp, "invalid form", http.StatusBadRequest)
		return
	}
	webhookURL := h.secrets.WhatsAppURL
	if webhookURL == "" {
		webhookURL = requestURL(r)
	}
	if !whatsapp.Validate(r, h.secrets.WhatsAppToken, webhookURL) {
		h.reject(w, session.ChannelWhatsApp, "bad signature", http.StatusForbidden)
		return
	}

	msg := whatsapp.ParseIncoming(r.PostForm)
	if msg == nil {
		h.reject(w, session.ChannelWhatsApp, "invalid message", http.StatusBadRequest)
		return
	}

	tenantID, err := h.resolver.ResolveByInboundNumber(r.Context(), session.ChannelWhatsApp, msg.To)
	if err != nil {
		h.routeError(w, session.ChannelWhatsApp, err)
		return
	}

	reply, status := h.turn(w, r, tenantID, *msg)
	if reply == nil {
		h.observe(session.ChannelWhatsApp, status)
		return
	}
	doc, err := whatsapp.FormatResponse(*reply)
	if err != nil {
		h.reject(w, session.ChannelWhatsApp, "server error", http.StatusInternalServerError)
		return
	}
	h.observe(session.ChannelWhatsApp, "ok")
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write(doc)
}

// Chat handles the plain web chat endpoint. The tenant key travels in
// the request body.
func (h *Webhooks) Chat(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.reject(w, session.ChannelWeb, "invalid body", http.StatusBadRequest)
		return
	}
	msg, tenantKey := webchat.ParseIncoming(body)
	if msg == nil {
		h.reject(w, session.ChannelWeb, "invalid message", http.StatusBadRequest)
		return
	}

	tenantID, err := h.resolver.ResolveByAPIKey(r.Context(), tenantKey)
	if err != nil {
		h.reject(w, session.ChannelWeb, "unauthenticated", http.StatusUnauthorized)
		return
	}

	reply, status := h.turn(w, r, tenantID, *msg)
	if reply == nil {
		h.observe(session.ChannelWeb, status)
		return
	}

	state := ""
	if sess, err := h.sessionState(r, tenantID, msg.CallID); err == nil {
		state = sess
	}
	doc, err := webchat.FormatResponse(*reply, state, strings.TrimPrefix(msg.CallID, "web:"))
	if err != nil {
		h.reject(w, session.ChannelWeb, "server error", http.StatusInternalServerError)
		return
	}
	h.observe(session.ChannelWeb, "ok")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(doc)
}

// turn resolves the tenant and runs the engine. On failure it writes
// the HTTP error and returns a nil reply with the metric status.
func (h *Webhooks) turn(w http.ResponseWriter, r *http.Request, tenantID int64, msg channels.Message) (*channels.Reply, string) {
	tenant, err := h.tenants.Get(r.Context(), tenantID)
	if err != nil {
		http.Error(w, "unknown tenant", http.StatusNotFound)
		return nil, "unknown_tenant"
	}

	reply, err := h.engine.HandleTurn(r.Context(), tenant, msg)
	switch {
	case err == nil:
		return reply, "ok"
	case errors.Is(err, engine.ErrBusy):
		// Retryable: the bridge redelivers the webhook.
		http.Error(w, "call busy, retry", http.StatusLocked)
		return nil, "busy"
	case errors.Is(err, engine.ErrTenantSuspended):
		http.Error(w, "tenant suspended", http.StatusForbidden)
		return nil, "suspended"
	default:
		h.logger.Error("turn failed", "channel", msg.Channel, "conv_id", msg.CallID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return nil, "error"
	}
}

func (h *Webhooks) sessionState(r *http.Request, tenantID int64, convID string) (string, error) {
	sess, err := h.engine.SessionState(r.Context(), tenantID, convID)
	if err != nil {
		return "", err
	}
	return sess, nil
}

func (h *Webhooks) routeError(w http.ResponseWriter, channel string, err error) {
	if errors.Is(err, tenancy.ErrUnknownRoute) {
		h.reject(w, channel, "unknown number", http.StatusNotFound)
		return
	}
	h.logger.Error("route lookup failed", "channel", channel, "error", err)
	h.reject(w, channel, "server error", http.StatusInternalServerError)
}

func (h *Webhooks) reject(w http.ResponseWriter, channel, msg string, code int) {
	h.observe(channel, http.StatusText(code))
	http.Error(w, msg, code)
}

func (h *Webhooks) observe(channel, status string) {
	if h.metrics != nil {
		h.metrics.ObserveWebhook(channel, status)
	}
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
