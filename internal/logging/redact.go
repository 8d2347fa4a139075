// Package logging holds helpers for keeping personal data out of logs.
package logging

import (
	"strings"
	"sync/atomic"
)

var redact atomic.Bool

// SetRedactAddresses turns address masking in log values on or off.
func SetRedactAddresses(on bool) {
	redact.Store(on)
}

// Address returns s unchanged, or masked when redaction is enabled.
func Address(s string) string {
	if !redact.Load() {
		return s
	}
	return MaskEmail(s)
}

// MaskEmail keeps the first and last character of the local part and of
// each domain label: "alice@example.com" becomes "a***e@e*****e.c*m".
func MaskEmail(s string) string {
	s = strings.TrimSpace(s)
	at := strings.LastIndexByte(s, '@')
	if at <= 0 || at == len(s)-1 {
		return s
	}

	labels := strings.Split(s[at+1:], ".")
	for i, l := range labels {
		labels[i] = maskPart(l)
	}
	return maskPart(s[:at]) + "@" + strings.Join(labels, ".")
}

func maskPart(part string) string {
	if len(part) <= 1 {
		return "*"
	}
	return part[:1] + strings.Repeat("*", max(0, len(part)-2)) + part[len(part)-1:]
}
