// Package channels defines the wire-level types shared by the inbound
// channel adapters. Each adapter is three pure operations: parse the
// incoming request, validate its signature, format the reply document.
package channels

// Message is a normalized inbound user turn.
type Message struct {
	Channel string
	CallID  string
	From    string
	To      string
	Text    string
}

// Reply is the agent turn to render onto the wire.
type Reply struct {
	Text    string
	EndCall bool
}
