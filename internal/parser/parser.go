// Package parser turns raw RFC 5322 messages into email.Email values.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/jhillyerd/enmime/v2"

	"github.com/shineum/smtp-matrix-bridge/internal/email"
	"github.com/shineum/smtp-matrix-bridge/internal/mailauth"
)

// ErrMissingMessageID is returned for messages without a Message-ID, which
// cannot be deduplicated.
var ErrMissingMessageID = errors.New("message has no Message-ID header")

type options struct {
	trustedAuthServIDs []string
}

// Option configures Parse.
type Option func(*options)

// WithTrustedAuthServIDs names the servers whose Authentication-Results
// headers are believed. Verdicts from any other server are dropped.
func WithTrustedAuthServIDs(ids ...string) Option {
	return func(o *options) {
		o.trustedAuthServIDs = append(o.trustedAuthServIDs, ids...)
	}
}

// Parse parses a raw message. Text and HTML bodies, attachments and inline
// parts with filenames, all headers, and any spam score or authentication
// verdicts recorded by trusted upstream servers are extracted. Recoverable
// MIME problems are logged as warnings.
func Parse(raw []byte, opts ...Option) (*email.Email, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	for _, perr := range env.Errors {
		slog.Warn("mime problem in message", "error", perr.Error())
	}

	headers := make(textproto.MIMEHeader)
	for _, key := range env.GetHeaderKeys() {
		headers[textproto.CanonicalMIMEHeaderKey(key)] = env.GetHeaderValues(key)
	}

	result := &email.Email{
		MessageID: strings.TrimSpace(headers.Get("Message-Id")),
		From:      addressList(env, "From"),
		To:        addressList(env, "To"),
		Cc:        addressList(env, "Cc"),
		Bcc:       addressList(env, "Bcc"),
		Subject:   env.GetHeader("Subject"),
		TextBody:  env.Text,
		HtmlBody:  env.HTML,
		Headers:   headers,
	}
	if result.MessageID == "" {
		return nil, ErrMissingMessageID
	}

	result.Attachments = append(result.Attachments, attachments(env.Attachments)...)
	result.Attachments = append(result.Attachments, attachments(env.Inlines)...)

	if score, ok := mailauth.SpamScore(headers); ok {
		result.SpamScore = &score
	}
	result.DKIM, result.SPF = mailauth.FromAuthResults(headers.Values("Authentication-Results"), o.trustedAuthServIDs)

	return result, nil
}

// attachments converts enmime parts, skipping inline parts without a
// filename since those are body fragments rather than files.
func attachments(parts []*enmime.Part) []email.Attachment {
	var out []email.Attachment
	for _, part := range parts {
		if part.FileName == "" && part.Disposition != "attachment" {
			continue
		}
		out = append(out, email.Attachment{
			Filename:    filename(part),
			ContentType: strings.ToLower(part.ContentType),
			Content:     part.Content,
		})
	}
	return out
}

// filename falls back to a name derived from the media type.
func filename(part *enmime.Part) string {
	if part.FileName != "" {
		return part.FileName
	}
	if exts, err := mime.ExtensionsByType(part.ContentType); err == nil && len(exts) > 0 {
		return "attachment" + exts[0]
	}
	if _, sub, ok := strings.Cut(part.ContentType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

// addressList parses an address header. Unparseable lists fall back to a
// comma split so a single bad entry does not lose the whole header.
func addressList(env *enmime.Envelope, key string) []email.Address {
	list, err := env.AddressList(key)
	if err != nil {
		if errors.Is(err, mail.ErrHeaderNotPresent) {
			return nil
		}
		slog.Warn("failed to parse address header, falling back to split",
			"header", key,
			"error", err,
		)
		return splitAddresses(env.GetHeader(key))
	}

	out := make([]email.Address, 0, len(list))
	for _, a := range list {
		out = append(out, email.Address{Name: a.Name, Address: a.Address})
	}
	return out
}

func splitAddresses(raw string) []email.Address {
	var out []email.Address
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if a, err := mail.ParseAddress(p); err == nil {
			out = append(out, email.Address{Name: a.Name, Address: a.Address})
			continue
		}
		out = append(out, email.Address{Address: strings.Trim(p, "<>")})
	}
	return out
}
