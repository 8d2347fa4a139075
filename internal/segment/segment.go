// Package segment splits plaintext email bodies into reply fragments.
//
// The body is scanned bottom-up. Consecutive lines with the same quoting
// state form a fragment; a quote header ("On ... wrote:") or a blank line is
// absorbed into the quoted fragment below it, and a signature delimiter
// preceded by a blank line closes a signature fragment. Trailing quoted,
// signature and blank fragments are hidden until the first visible fragment
// is found.
package segment

import (
	"regexp"
	"strings"
)

var (
	multiLineHeaderRE = regexp.MustCompile(`(?ms)^On\s.{1,500}?wrote:$`)
	quoteHeaderRE     = regexp.MustCompile(`^On\s.+wrote:$`)
	originalMessageRE = regexp.MustCompile(`(?i)^-{2,}\s*original message\s*-{2,}$`)
	signatureRE       = regexp.MustCompile(`^(?:--|__)\s*$|^-- |^Sent from my (?:\S+\s*){1,3}$`)
)

// Fragment is one contiguous block of a body.
type Fragment struct {
	Content   string
	Quoted    bool
	Signature bool
	Hidden    bool
}

type fragment struct {
	lines     []string // bottom-up
	quoted    bool
	signature bool
}

func (f *fragment) content() string {
	out := make([]string, len(f.lines))
	for i, l := range f.lines {
		out[len(f.lines)-1-i] = l
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

type scanner struct {
	fragments    []Fragment // bottom-up
	cur          *fragment
	foundVisible bool
}

// Parse returns the fragments of body in top-to-bottom order.
func Parse(body string) []Fragment {
	text := strings.ReplaceAll(body, "\r\n", "\n")
	text = multiLineHeaderRE.ReplaceAllStringFunc(text, func(m string) string {
		return strings.ReplaceAll(m, "\n", " ")
	})

	lines := strings.Split(text, "\n")

	quotedFrom := len(lines)
	for i, l := range lines {
		if originalMessageRE.MatchString(strings.TrimSpace(l)) {
			quotedFrom = i
			break
		}
	}

	s := &scanner{}
	for i := len(lines) - 1; i >= 0; i-- {
		s.scanLine(lines[i], i >= quotedFrom)
	}
	s.finish()

	out := make([]Fragment, len(s.fragments))
	for i, f := range s.fragments {
		out[len(s.fragments)-1-i] = f
	}
	return out
}

func (s *scanner) scanLine(line string, belowOriginal bool) {
	trimmed := strings.TrimSpace(line)
	blank := trimmed == ""
	quoted := belowOriginal || strings.HasPrefix(trimmed, ">")
	header := quoteHeaderRE.MatchString(trimmed)

	if s.cur != nil && blank {
		last := strings.TrimSpace(s.cur.lines[len(s.cur.lines)-1])
		if signatureRE.MatchString(last) {
			s.cur.signature = true
			s.finish()
		}
	}

	if s.cur != nil && (s.cur.quoted == quoted || (s.cur.quoted && (header || blank))) {
		s.cur.lines = append(s.cur.lines, line)
		return
	}

	s.finish()
	s.cur = &fragment{quoted: quoted, lines: []string{line}}
}

func (s *scanner) finish() {
	if s.cur == nil {
		return
	}

	f := Fragment{
		Content:   s.cur.content(),
		Quoted:    s.cur.quoted,
		Signature: s.cur.signature,
	}
	if !s.foundVisible {
		if f.Quoted || f.Signature || f.Content == "" {
			f.Hidden = true
		} else {
			s.foundVisible = true
		}
	}

	s.fragments = append(s.fragments, f)
	s.cur = nil
}

// Visible returns the body with trailing quoted and signature material
// removed.
func Visible(body string) string {
	var parts []string
	for _, f := range Parse(body) {
		if !f.Hidden {
			parts = append(parts, f.Content)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

// Split returns the deliverable segments of body. With postReplies every
// fragment becomes its own segment; otherwise only the visible text is kept.
// Blank segments are discarded, so the result may be empty.
func Split(body string, postReplies bool) []string {
	var segments []string
	if postReplies {
		for _, f := range Parse(body) {
			segments = append(segments, f.Content)
		}
	} else {
		segments = []string{Visible(body)}
	}

	out := segments[:0]
	for _, s := range segments {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
