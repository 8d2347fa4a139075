// Package compose renders stored messages into chat-ready content using the
// room's templates.
package compose

import (
	"html"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/shineum/smtp-matrix-bridge/internal/message"
	"github.com/shineum/smtp-matrix-bridge/internal/roompolicy"
)

// fallbackFormat is used when a room defines no rich template for a kind.
const fallbackFormat = "$text_body"

// Rendered is transport-ready content. HTML is empty for plaintext-only
// rooms.
type Rendered struct {
	Plain string
	HTML  string
}

// field maps a $placeholder to a message value. Raw fields are already
// HTML and are not escaped in the rich rendering.
type field struct {
	name  string
	value func(m *message.Message) string
	raw   bool
}

var fields = []field{
	{name: "id", value: func(m *message.Message) string { return m.ID }},
	{name: "email_id", value: func(m *message.Message) string { return m.EmailID }},
	{name: "from_name", value: func(m *message.Message) string { return m.FromName }},
	{name: "from_email", value: func(m *message.Message) string { return m.FromEmail }},
	{name: "to_name", value: func(m *message.Message) string { return m.ToName }},
	{name: "to_email", value: func(m *message.Message) string { return m.ToEmail }},
	{name: "subject", value: func(m *message.Message) string { return m.Subject }},
	{name: "text_body", value: func(m *message.Message) string { return m.TextBody }},
	{name: "html_body", value: func(m *message.Message) string { return m.HtmlBody }, raw: true},
	{name: "full_text_body", value: func(m *message.Message) string { return m.FullTextBody }},
	{name: "is_html", value: func(m *message.Message) string { return strconv.FormatBool(m.IsHTML) }},
	{name: "received_timestamp", value: func(m *message.Message) string {
		if m.ReceivedAt.IsZero() {
			return ""
		}
		return strconv.FormatInt(m.ReceivedAt.UnixMilli(), 10)
	}},
	{name: "target_room", value: func(m *message.Message) string { return m.TargetRoom }},
}

var (
	fieldIndex    = map[string]field{}
	placeholderRE *regexp.Regexp
)

func init() {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		fieldIndex[f.name] = f
		names = append(names, f.name)
	}
	// Alternation is leftmost-first, so longer names must come first.
	slices.SortFunc(names, func(a, b string) int { return len(b) - len(a) })
	placeholderRE = regexp.MustCompile(`\$(` + strings.Join(names, "|") + `)`)
}

// Composer renders messages. It is safe for concurrent use.
type Composer struct {
	sanitizer *bluemonday.Policy
	stripper  *bluemonday.Policy
}

// New creates a Composer with the Matrix HTML allowlist.
func New() *Composer {
	return &Composer{
		sanitizer: newSanitizer(),
		stripper:  bluemonday.StrictPolicy(),
	}
}

// newSanitizer allows the formatting subset Matrix clients render.
func newSanitizer() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"font", "del",
		"h1", "h2", "h3", "h4", "h5", "h6", "blockquote", "p", "a", "ul", "ol",
		"nl", "li", "b", "i", "u", "strong", "em", "strike", "code", "hr", "br", "div",
		"table", "thead", "caption", "tbody", "tr", "th", "td", "pre",
	)
	p.AllowAttrs("color").OnElements("font")
	p.AllowAttrs("href", "name", "target", "rel").OnElements("a")
	p.AllowURLSchemes("http", "https", "ftp", "mailto")
	p.RequireParseableURLs(true)
	return p
}

// Sanitize applies the allowlist to untrusted HTML.
func (c *Composer) Sanitize(s string) string {
	return c.sanitizer.Sanitize(s)
}

// Compose renders m with the templates of p selected by the message kind.
func (c *Composer) Compose(m *message.Message, p roompolicy.Policy) Rendered {
	rich, plain := p.MessageFormat, p.MessagePlainFormat
	if m.Kind == message.KindFragment {
		rich, plain = p.FragmentFormat, p.FragmentPlainFormat
	}
	if rich == "" {
		rich = fallbackFormat
	}

	sanitizedHTML := c.sanitizer.Sanitize(m.HtmlBody)

	richOut := c.substitute(rich, m, sanitizedHTML, true)

	var plainOut string
	if plain != "" {
		plainOut = c.substitute(plain, m, sanitizedHTML, false)
	} else {
		plainOut = c.strip(richOut)
	}

	if p.PlaintextOnly {
		return Rendered{Plain: plainOut}
	}

	return Rendered{
		Plain: plainOut,
		HTML:  strings.ReplaceAll(richOut, "\n", "<br/>"),
	}
}

// substitute replaces every known placeholder in one pass, so values are
// never themselves scanned for placeholders.
func (c *Composer) substitute(tmpl string, m *message.Message, sanitizedHTML string, escape bool) string {
	return placeholderRE.ReplaceAllStringFunc(tmpl, func(token string) string {
		f := fieldIndex[token[1:]]
		if f.raw {
			return sanitizedHTML
		}
		v := f.value(m)
		if escape {
			return html.EscapeString(v)
		}
		return v
	})
}

// strip removes all markup, leaving readable text.
func (c *Composer) strip(s string) string {
	return html.UnescapeString(c.stripper.Sanitize(s))
}
