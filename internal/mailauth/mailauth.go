// Package mailauth computes sender authentication verdicts for inbound
// mail: SPF for the SMTP session, DKIM for the message, and the verdicts
// and spam scores recorded by upstream MTAs in message headers.
//
// Every verdict is a lower-case string. "pass" is the only value the
// antispam gates accept; "none" means nothing could be checked.
package mailauth

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"

	"blitiri.com.ar/go/spf"
	"github.com/emersion/go-msgauth/authres"
	"github.com/emersion/go-msgauth/dkim"

	"github.com/shineum/smtp-matrix-bridge/internal/email"
)

var spamStatusScoreRE = regexp.MustCompile(`(?i)\bscore=(-?[0-9]+(?:\.[0-9]+)?)`)

// CheckSPF evaluates the SPF policy of the sender's domain for the
// connecting ip. An empty sender (bounce) is checked against the HELO name.
func CheckSPF(ctx context.Context, ip net.IP, helo, sender string, opts ...spf.Option) string {
	if ip == nil {
		return email.VerdictNone
	}

	opts = append([]spf.Option{spf.WithContext(ctx)}, opts...)
	result, err := spf.CheckHostWithSender(ip, helo, sender, opts...)
	if err != nil {
		slog.Debug("spf check returned error", "result", string(result), "error", err)
	}
	if result == "" {
		return email.VerdictNone
	}
	return strings.ToLower(string(result))
}

// VerifyDKIM verifies the DKIM signatures of a raw message. It returns
// "pass" if any signature verifies, "fail" if all signatures fail, and
// "none" for unsigned mail.
func VerifyDKIM(raw []byte) string {
	return verifyDKIM(raw, nil)
}

// VerifyDKIMWithLookup is VerifyDKIM with a custom DNS TXT lookup.
func VerifyDKIMWithLookup(raw []byte, lookupTXT func(domain string) ([]string, error)) string {
	return verifyDKIM(raw, &dkim.VerifyOptions{LookupTXT: lookupTXT})
}

func verifyDKIM(raw []byte, opts *dkim.VerifyOptions) string {
	verifications, err := dkim.VerifyWithOptions(bytes.NewReader(raw), opts)
	if err != nil {
		slog.Warn("dkim verification failed", "error", err)
		return email.VerdictFail
	}
	if len(verifications) == 0 {
		return email.VerdictNone
	}

	for _, v := range verifications {
		if v.Err == nil {
			return email.VerdictPass
		}
		slog.Debug("dkim signature rejected", "domain", v.Domain, "error", v.Err)
	}
	return email.VerdictFail
}

// FromAuthResults extracts the DKIM and SPF verdicts from
// Authentication-Results header values. Only headers whose authserv-id is
// in trusted are read; a sender can write any header it likes, so with no
// trusted ids nothing is returned. Values are ordered top-most first, and
// the first verdict found for each method wins. Missing verdicts are
// returned as empty strings.
func FromAuthResults(values, trusted []string) (dkimVerdict, spfVerdict string) {
	for _, v := range values {
		id, results, err := authres.Parse(v)
		if err != nil {
			slog.Debug("ignoring malformed Authentication-Results", "error", err)
			continue
		}
		if !isTrusted(id, trusted) {
			slog.Debug("ignoring Authentication-Results from untrusted server", "authserv_id", id)
			continue
		}
		for _, r := range results {
			switch r := r.(type) {
			case *authres.DKIMResult:
				if dkimVerdict == "" {
					dkimVerdict = string(r.Value)
				}
			case *authres.SPFResult:
				if spfVerdict == "" {
					spfVerdict = string(r.Value)
				}
			}
		}
		if dkimVerdict != "" && spfVerdict != "" {
			break
		}
	}
	return dkimVerdict, spfVerdict
}

func isTrusted(id string, trusted []string) bool {
	for _, t := range trusted {
		if strings.EqualFold(strings.TrimSpace(t), id) {
			return true
		}
	}
	return false
}

// SpamScore reads the score written by a content scanner, from
// X-Spam-Score or the score= field of X-Spam-Status.
func SpamScore(h textproto.MIMEHeader) (float64, bool) {
	if v := strings.TrimSpace(h.Get("X-Spam-Score")); v != "" {
		if score, err := strconv.ParseFloat(v, 64); err == nil {
			return score, true
		}
	}
	if m := spamStatusScoreRE.FindStringSubmatch(h.Get("X-Spam-Status")); m != nil {
		if score, err := strconv.ParseFloat(m[1], 64); err == nil {
			return score, true
		}
	}
	return 0, false
}
