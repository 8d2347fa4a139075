// Package notify defines backends that send short notices back to mail
// senders, such as a rejection notice when a room refuses their message.
package notify

import (
	"context"
	"fmt"
	"strings"
)

// Notice is a plain-text email sent to a single recipient.
type Notice struct {
	To      string
	Subject string
	Body    string

	// InReplyTo is the Message-ID of the email the notice refers to.
	InReplyTo string
}

// Notifier is implemented by every notice backend.
type Notifier interface {
	// Notify sends n. It returns an error if the backend rejected it.
	Notify(ctx context.Context, n Notice) error

	// Name returns the human-readable name of this backend.
	Name() string
}

// Rejection builds the notice sent when a room refuses a sender. Callers
// only send it to senders that passed SPF or DKIM.
func Rejection(to, subject, messageID, recipient string) Notice {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "(no subject)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Your message %q to %s was not delivered.\n\n", subject, recipient)
	b.WriteString("The destination does not accept mail from your address.\n")
	b.WriteString("Contact the room administrators if you believe this is a mistake.\n")

	return Notice{
		To:        to,
		Subject:   "Undelivered: " + subject,
		Body:      b.String(),
		InReplyTo: messageID,
	}
}
