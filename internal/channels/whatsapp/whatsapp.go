// Package whatsapp adapts the messaging-gateway webhook: form-encoded
// messages in, XML reply documents out. Signature validation follows
// the gateway scheme: HMAC-SHA1 of the webhook URL concatenated with
// the sorted form parameters, base64-encoded.
package whatsapp

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/vocalys/rdv-platform/internal/channels"
	"github.com/vocalys/rdv-platform/internal/session"
)

// SignatureHeader carries the gateway's request signature.
const SignatureHeader = "X-Twilio-Signature"

// ParseIncoming reads the gateway's form fields. Returns nil when the
// request carries no usable message.
func ParseIncoming(form url.Values) *channels.Message {
	from := form.Get("From")
	if from == "" {
		return nil
	}
	callID := form.Get("MessageSid")
	if callID == "" {
		callID = from
	}
	return &channels.Message{
		Channel: session.ChannelWhatsApp,
		CallID:  conversationID(from),
		From:    from,
		To:      form.Get("To"),
		Text:    form.Get("Body"),
	}
}

// conversationID keys the session by the sender so a WhatsApp thread
// stays one conversation across messages.
func conversationID(from string) string {
	return "wa:" + strings.TrimPrefix(strings.ToLower(from), "whatsapp:")
}

type messageResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message string   `xml:"Message"`
}

// FormatResponse renders the reply document the gateway relays back.
func FormatResponse(reply channels.Reply) ([]byte, error) {
	data, err := xml.Marshal(messageResponse{Message: reply.Text})
	if err != nil {
		return nil, fmt.Errorf("whatsapp: response encode failed: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

// Validate checks the gateway signature. An empty auth token disables
// validation (local development).
func Validate(r *http.Request, authToken, webhookURL string) bool {
	if authToken == "" {
		return true
	}
	signature := r.Header.Get(SignatureHeader)
	if signature == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	expected := computeSignature(buildSignaturePayload(webhookURL, r.PostForm), authToken)
	return hmac.Equal([]byte(expected), []byte(signature))
}

func buildSignaturePayload(webhookURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(webhookURL)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}
	return payload.String()
}

func computeSignature(data, key string) string {
	h := hmac.New(sha1.New, []byte(key))
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
