package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vocalys/rdv-platform/internal/observability/metrics"
	"github.com/vocalys/rdv-platform/internal/tenancy"
	"github.com/vocalys/rdv-platform/pkg/logging"
)

// SignatureHeader carries the provider webhook signature.
const SignatureHeader = "Stripe-Signature"

// SubscriptionFetcher resolves a subscription id to its current state.
// checkout.session.completed events carry only the id.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
}

// WebhookHandler ingests payment provider events. Events are idempotent
// on event id: a replay acknowledges without reprocessing.
type WebhookHandler struct {
	secret  string
	store   *Store
	tenants tenancy.Store
	fetcher SubscriptionFetcher
	metrics *metrics.BillingMetrics
	logger  *logging.Logger
}

// NewWebhookHandler wires the billing webhook. fetcher and m may be nil.
func NewWebhookHandler(secret string, store *Store, tenants tenancy.Store, fetcher SubscriptionFetcher, m *metrics.BillingMetrics, logger *logging.Logger) *WebhookHandler {
	if store == nil || tenants == nil {
		panic("billing: store and tenants required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &WebhookHandler{secret: secret, store: store, tenants: tenants, fetcher: fetcher, metrics: m, logger: logger}
}

// webhookEvent is the provider event envelope. The object is decoded
// per event kind.
type webhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if !VerifySignature(h.secret, payload, r.Header.Get(SignatureHeader)) {
		h.observe("unknown", "rejected")
		h.logger.Warn("billing webhook signature rejected", "remote_ip", r.RemoteAddr)
		http.Error(w, "bad signature", http.StatusBadRequest)
		return
	}

	var evt webhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("billing event decode failed", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.ID == "" {
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}

	fresh, err := h.store.MarkEventProcessed(r.Context(), evt.ID)
	if err != nil {
		h.logger.Error("billing event ledger failed", "event_id", evt.ID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !fresh {
		h.observe(evt.Type, "replay")
		writeReceived(w)
		return
	}

	if err := h.dispatch(r.Context(), &evt); err != nil {
		h.logger.Error("billing event failed", "event_id", evt.ID, "type", evt.Type, "error", err)
		h.observe(evt.Type, "error")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	h.observe(evt.Type, "ok")
	writeReceived(w)
}

func writeReceived(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received": true}`))
}

func (h *WebhookHandler) dispatch(ctx context.Context, evt *webhookEvent) error {
	switch evt.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(evt.Data.Object, &sub); err != nil {
			return fmt.Errorf("billing: subscription decode failed: %w", err)
		}
		return h.applySubscription(ctx, &sub)

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(evt.Data.Object, &sub); err != nil {
			return fmt.Errorf("billing: subscription decode failed: %w", err)
		}
		tenantID, err := h.resolveTenant(ctx, sub.Metadata, sub.Customer)
		if err != nil || tenantID == 0 {
			return err
		}
		return h.store.ClearSubscription(ctx, tenantID)

	case "invoice.payment_failed":
		var inv struct {
			Customer string `json:"customer"`
		}
		if err := json.Unmarshal(evt.Data.Object, &inv); err != nil {
			return fmt.Errorf("billing: invoice decode failed: %w", err)
		}
		row, err := h.store.ByCustomer(ctx, inv.Customer)
		if err != nil || row == nil {
			return err
		}
		return h.store.SetStatus(ctx, row.TenantID, StatusPastDue)

	case "checkout.session.completed":
		var sess struct {
			Subscription string `json:"subscription"`
		}
		if err := json.Unmarshal(evt.Data.Object, &sess); err != nil {
			return fmt.Errorf("billing: session decode failed: %w", err)
		}
		if sess.Subscription == "" || h.fetcher == nil {
			return nil
		}
		sub, err := h.fetcher.GetSubscription(ctx, sess.Subscription)
		if err != nil {
			return err
		}
		return h.applySubscription(ctx, sub)

	default:
		// Unhandled kinds are acknowledged so the provider stops retrying.
		return nil
	}
}

// applySubscription upserts the billing row and lifts a suspension when
// the subscription came back to a serving status.
func (h *WebhookHandler) applySubscription(ctx context.Context, sub *Subscription) error {
	tenantID, err := h.resolveTenant(ctx, sub.Metadata, sub.Customer)
	if err != nil {
		return err
	}
	if tenantID == 0 {
		h.logger.Warn("billing event has no resolvable tenant", "subscription_id", sub.ID, "customer_id", sub.Customer)
		return nil
	}

	prior, err := h.store.ByTenant(ctx, tenantID)
	if err != nil {
		return err
	}

	row := &Row{
		TenantID:       tenantID,
		CustomerID:     sub.Customer,
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		Plan:           sub.Plan(),
		PeriodStart:    time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		PeriodEnd:      time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		MeteredItemID:  sub.MeteredItemID(),
	}
	if sub.TrialEnd > 0 {
		t := time.Unix(sub.TrialEnd, 0).UTC()
		row.TrialEnd = &t
	}
	if err := h.store.Upsert(ctx, row); err != nil {
		return err
	}

	serving := sub.Status == StatusActive || sub.Status == StatusTrialing
	if serving && prior != nil && prior.Suspended {
		if err := h.store.ClearSuspension(ctx, tenantID); err != nil {
			return err
		}
		if err := h.tenants.SetStatus(ctx, tenantID, tenancy.StatusActive); err != nil {
			return err
		}
		h.logger.Info("tenant reactivated by billing event", "tenant_id", tenantID, "subscription_id", sub.ID)
	}
	return nil
}

// resolveTenant prefers explicit subscription metadata, falling back to
// the customer id on the existing billing row.
func (h *WebhookHandler) resolveTenant(ctx context.Context, metadata map[string]string, customerID string) (int64, error) {
	if raw := metadata["tenant_id"]; raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err == nil && id > 0 {
			return id, nil
		}
		h.logger.Warn("billing metadata tenant_id invalid", "value", raw)
	}
	if customerID == "" {
		return 0, nil
	}
	row, err := h.store.ByCustomer(ctx, customerID)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return 0, nil
	}
	return row.TenantID, nil
}

func (h *WebhookHandler) observe(eventType, result string) {
	if h.metrics != nil {
		h.metrics.ObserveEvent(eventType, result)
	}
}

// VerifySignature checks the provider signature header against the raw
// payload: HMAC-SHA256 over "<t>.<payload>", hex encoded, with a five
// minute timestamp tolerance. An empty secret disables verification.
func VerifySignature(secret string, payload []byte, header string) bool {
	if secret == "" {
		return true
	}
	if header == "" {
		return false
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if abs64(time.Now().Unix()-ts) > 300 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s.%s", timestamp, payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return true
		}
	}
	return false
}

func abs64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
