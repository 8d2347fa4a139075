// Package email defines the inbound email data model handed from ingestion
// to the routing engine.
package email

import (
	"net/textproto"
	"strings"
)

// Verdict values used for DKIM and SPF results.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
	VerdictNone = "none"
)

// Email is an immutable snapshot of one received message.
type Email struct {
	// MessageID is the globally unique identifier used for deduplication.
	MessageID string

	// From is ordered; the first entry is the primary sender.
	From []Address
	To   []Address
	Cc   []Address
	Bcc  []Address

	// EnvelopeTo holds the SMTP RCPT TO recipients, when known.
	EnvelopeTo []string

	Subject  string
	TextBody string
	HtmlBody string

	// Headers uses canonical MIME header keys, so Get is case-insensitive.
	Headers textproto.MIMEHeader

	Attachments []Attachment

	// SpamScore is nil when no scanner reported a score.
	SpamScore *float64
	DKIM      string
	SPF       string
}

// Address is a mailbox with an optional display name.
type Address struct {
	Name    string
	Address string
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// PrimaryFrom returns the first from-address, or the zero Address.
func (e *Email) PrimaryFrom() Address {
	if len(e.From) == 0 {
		return Address{}
	}
	return e.From[0]
}

// Header returns the first value of the named header.
func (e *Email) Header(name string) string {
	if e.Headers == nil {
		return ""
	}
	return e.Headers.Get(name)
}

// IsHTML reports whether the top-level content type is anything other than
// text/plain. A missing Content-Type counts as text/plain.
func (e *Email) IsHTML() bool {
	ct := strings.ToLower(strings.TrimSpace(e.Header("Content-Type")))
	if ct == "" {
		return false
	}
	return !strings.HasPrefix(ct, "text/plain")
}

// Score returns the spam score, treating a missing score as zero.
func (e *Email) Score() float64 {
	if e.SpamScore == nil {
		return 0
	}
	return *e.SpamScore
}
