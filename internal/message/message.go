// Package message defines the inter-agent message and the mailbox
// filename grammar that gives every message its stable identity.
package message

import "github.com/sengokulabs/shogun/internal/hierarchy"

// Message is one delivered mailbox file. ID equals the filename stem,
// which fully determines the message identity.
type Message struct {
	ID        string `json:"id"`
	ThreadID  string `json:"threadId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
}

// FromKing reports whether the message originates from the human tier.
func (m Message) FromKing() bool {
	return m.From == hierarchy.King
}
