// Package message defines the outbound records the routing engine builds for
// each room: message segments and filtered attachments.
package message

import "time"

// Kind distinguishes the first segment of an email delivered to a room from
// the segments that follow it.
type Kind string

const (
	KindPrimary  Kind = "primary"
	KindFragment Kind = "fragment"
)

// Message is one unit of content destined for one room. When persisted, ID
// and ReceivedAt are assigned by the store.
type Message struct {
	ID           string    `json:"id"`
	EmailID      string    `json:"email_id,omitempty"`
	FromName     string    `json:"from_name"`
	FromEmail    string    `json:"from_email"`
	ToName       string    `json:"to_name"`
	ToEmail      string    `json:"to_email"`
	Subject      string    `json:"subject"`
	TextBody     string    `json:"text_body"`
	HtmlBody     string    `json:"html_body"`
	FullTextBody string    `json:"full_text_body"`
	IsHTML       bool      `json:"is_html"`
	ReceivedAt   time.Time `json:"received_timestamp"`
	TargetRoom   string    `json:"target_room"`

	// Kind is not persisted; the engine reassigns it after a store round trip.
	Kind Kind `json:"-"`
}

// Attachment is an email attachment that passed a room's content-type policy.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte

	// Post reports whether the room forwards attachments at all.
	Post bool
}

// Redacted returns a copy of m without the internal email identifier.
func (m *Message) Redacted() *Message {
	c := *m
	c.EmailID = ""
	return &c
}
