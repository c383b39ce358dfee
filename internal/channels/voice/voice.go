// Package voice adapts the telephony-bridge webhook: JSON transcripts
// in, TTS instruction documents out.
package voice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/vocalys/rdv-platform/internal/channels"
	"github.com/vocalys/rdv-platform/internal/session"
)

// SignatureHeader carries the bridge's HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Voice-Signature"

type inboundPayload struct {
	CallID string `json:"call_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Speech string `json:"speech"`
}

type sayResult struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type responseDoc struct {
	Results []sayResult `json:"results"`
}

// ParseIncoming decodes the bridge's transcript payload. Returns nil
// when the body is not a usable turn.
func ParseIncoming(body []byte) *channels.Message {
	var p inboundPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil
	}
	if p.CallID == "" {
		return nil
	}
	return &channels.Message{
		Channel: session.ChannelVoice,
		CallID:  p.CallID,
		From:    p.From,
		To:      p.To,
		Text:    p.Speech,
	}
}

// FormatResponse renders the TTS instruction document.
func FormatResponse(reply channels.Reply) ([]byte, error) {
	doc := responseDoc{Results: []sayResult{{Type: "say", Text: reply.Text}}}
	if reply.EndCall {
		doc.Results = append(doc.Results, sayResult{Type: "hangup"})
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("voice: response encode failed: %w", err)
	}
	return data, nil
}

// Validate checks the bridge signature over the raw body. An empty
// secret disables validation (local development).
func Validate(body []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
