package routing

import (
	"regexp"

	"github.com/shineum/smtp-matrix-bridge/internal/email"
	"github.com/shineum/smtp-matrix-bridge/internal/roompolicy"
)

var receivedForRE = regexp.MustCompile(`for <([^>\s]+)>`)

// Target is one recipient address together with the field it came from.
type Target struct {
	Address string
	Name    string
	Source  roompolicy.Source
}

// Targets expands the recipients of msg in to, cc, bcc, envelope order.
// Envelope targets come from the SMTP RCPT TO list and from "for <addr>"
// clauses of Received headers.
func Targets(msg *email.Email) []Target {
	var out []Target

	add := func(addrs []email.Address, src roompolicy.Source) {
		for _, a := range addrs {
			out = append(out, Target{Address: a.Address, Name: a.Name, Source: src})
		}
	}
	add(msg.To, roompolicy.SourceTo)
	add(msg.Cc, roompolicy.SourceCc)
	add(msg.Bcc, roompolicy.SourceBcc)

	for _, rcpt := range msg.EnvelopeTo {
		out = append(out, Target{Address: rcpt, Source: roompolicy.SourceEnvelope})
	}
	if msg.Headers != nil {
		for _, received := range msg.Headers.Values("Received") {
			if m := receivedForRE.FindStringSubmatch(received); m != nil {
				out = append(out, Target{Address: m[1], Source: roompolicy.SourceEnvelope})
			}
		}
	}

	return out
}
