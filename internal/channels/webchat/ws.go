package webchat

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/vocalys/rdv-platform/internal/transcript"
	"github.com/vocalys/rdv-platform/pkg/logging"
)

// TurnFunc runs one user turn through the engine and returns the agent
// reply.
type TurnFunc func(ctx context.Context, tenantID int64, convID, text string) (reply string, done bool, err error)

// KeyResolver authenticates a web API key to a tenant.
type KeyResolver interface {
	ResolveByAPIKey(ctx context.Context, key string) (int64, error)
}

// TranscriptReader replays recent history to reconnecting widgets.
type TranscriptReader interface {
	List(ctx context.Context, tenantID int64, callID string, limit int64) ([]transcript.Message, error)
}

// WSHandler serves the live chat websocket.
type WSHandler struct {
	turn       TurnFunc
	resolver   KeyResolver
	transcript TranscriptReader
	logger     *logging.Logger

	mu    sync.RWMutex
	conns map[string]*websocket.Conn
}

// InboundWS is what the widget sends.
type InboundWS struct {
	Type string `json:"type"` // "message", "ping"
	Text string `json:"text,omitempty"`
}

// OutboundWS is what the widget receives.
type OutboundWS struct {
	Type      string           `json:"type"` // "message", "typing", "history", "session", "error", "pong"
	Text      string           `json:"text,omitempty"`
	Role      string           `json:"role,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	Messages  []HistoryMessage `json:"messages,omitempty"`
}

// HistoryMessage is one replayed transcript line.
type HistoryMessage struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
}

// NewWSHandler wires the websocket endpoint.
func NewWSHandler(turn TurnFunc, resolver KeyResolver, tr TranscriptReader, logger *logging.Logger) *WSHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &WSHandler{
		turn:       turn,
		resolver:   resolver,
		transcript: tr,
		logger:     logger,
		conns:      make(map[string]*websocket.Conn),
	}
}

// ServeHTTP upgrades and runs the connection loop.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		h.serve(conn, r)
	}).ServeHTTP(w, r)
}

func (h *WSHandler) serve(conn *websocket.Conn, r *http.Request) {
	tenantID, err := h.resolver.ResolveByAPIKey(r.Context(), r.URL.Query().Get("key"))
	if err != nil {
		_ = websocket.JSON.Send(conn, OutboundWS{Type: "error", Text: "unauthorized"})
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		sessionID = GenerateConvID()
	}
	convID := "web:" + sessionID

	_ = websocket.JSON.Send(conn, OutboundWS{Type: "session", SessionID: sessionID})

	if h.transcript != nil {
		if msgs, err := h.transcript.List(r.Context(), tenantID, convID, 50); err == nil && len(msgs) > 0 {
			history := make([]HistoryMessage, 0, len(msgs))
			for _, m := range msgs {
				history = append(history, HistoryMessage{
					Role:      m.Role,
					Text:      m.Text,
					Timestamp: m.Timestamp.Format(time.RFC3339),
				})
			}
			_ = websocket.JSON.Send(conn, OutboundWS{Type: "history", Messages: history})
		}
	}

	h.mu.Lock()
	h.conns[convID] = conn
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.conns[convID] == conn {
			delete(h.conns, convID)
		}
		h.mu.Unlock()
	}()

	h.logger.Info("webchat connection opened", "tenant_id", tenantID, "session_id", sessionID)

	for {
		var msg InboundWS
		if err := websocket.JSON.Receive(conn, &msg); err != nil {
			h.logger.Debug("webchat connection closed", "session_id", sessionID, "error", err)
			return
		}
		if msg.Type == "ping" {
			_ = websocket.JSON.Send(conn, OutboundWS{Type: "pong"})
			continue
		}
		if msg.Type != "message" || strings.TrimSpace(msg.Text) == "" {
			continue
		}

		_ = websocket.JSON.Send(conn, OutboundWS{Type: "typing"})
		reply, _, err := h.turn(r.Context(), tenantID, convID, msg.Text)
		if err != nil {
			h.logger.Error("webchat turn failed", "tenant_id", tenantID, "session_id", sessionID, "error", err)
			_ = websocket.JSON.Send(conn, OutboundWS{Type: "error", Text: "Une erreur est survenue, merci de réessayer."})
			continue
		}
		_ = websocket.JSON.Send(conn, OutboundWS{
			Type:      "message",
			Role:      "agent",
			Text:      reply,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}
