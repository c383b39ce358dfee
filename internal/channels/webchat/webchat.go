// Package webchat adapts the plain web chat channel: JSON messages over
// HTTP, with an optional live websocket carrying typing indicators and
// history replay.
package webchat

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vocalys/rdv-platform/internal/channels"
	"github.com/vocalys/rdv-platform/internal/session"
)

type inboundPayload struct {
	ConvID    string `json:"conv_id"`
	Text      string `json:"text"`
	TenantKey string `json:"tenant_key"`
}

type responseDoc struct {
	Text   string `json:"text"`
	State  string `json:"state"`
	ConvID string `json:"conv_id"`
}

// ParseIncoming decodes one chat message and returns it with the tenant
// API key the caller presented. A missing conversation id gets a fresh
// one so the caller can thread the conversation.
func ParseIncoming(body []byte) (*channels.Message, string) {
	var p inboundPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ""
	}
	if p.Text == "" {
		return nil, ""
	}
	if p.ConvID == "" {
		p.ConvID = GenerateConvID()
	}
	return &channels.Message{
		Channel: session.ChannelWeb,
		CallID:  "web:" + p.ConvID,
		From:    p.ConvID,
		Text:    p.Text,
	}, p.TenantKey
}

// FormatResponse renders the JSON reply. convID is the caller-facing
// id, without the channel prefix.
func FormatResponse(reply channels.Reply, state, convID string) ([]byte, error) {
	data, err := json.Marshal(responseDoc{
		Text:   reply.Text,
		State:  state,
		ConvID: convID,
	})
	if err != nil {
		return nil, fmt.Errorf("webchat: response encode failed: %w", err)
	}
	return data, nil
}

// GenerateConvID creates a random chat conversation identifier.
func GenerateConvID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}
