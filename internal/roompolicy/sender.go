package roompolicy

import (
	"fmt"
	"strings"

	"github.com/shineum/smtp-matrix-bridge/internal/email"
)

// PassesAntispam evaluates the room's antispam gates. Each gate is
// independent; the first failing gate rejects the message for this room and
// its description is returned. A policy without an antispam block passes.
func PassesAntispam(p Policy, msg *email.Email) (bool, string) {
	as := p.Antispam
	if as == nil {
		return true, ""
	}

	if as.MaxScore > 0 && msg.Score() >= as.MaxScore {
		return false, fmt.Sprintf("spam score %.2f reaches threshold %.2f", msg.Score(), as.MaxScore)
	}
	if as.BlockFailedDKIM && msg.DKIM != email.VerdictPass {
		return false, "DKIM verdict is " + verdictOrNone(msg.DKIM)
	}
	if as.BlockFailedSPF && msg.SPF != email.VerdictPass {
		return false, "SPF verdict is " + verdictOrNone(msg.SPF)
	}

	return true, ""
}

// IsAllowed evaluates the room's sender lists. Unless the room accepts mail
// from anyone, every non-empty from-address must be on the allow list.
// Independently, any non-empty from-address on the block list rejects the
// message; the block list wins over both the allow list and AllowFromAnyone.
func IsAllowed(p Policy, msg *email.Email) (bool, string) {
	if !p.AllowFromAnyone {
		for _, from := range msg.From {
			if from.Address == "" {
				continue
			}
			if !containsFold(p.AllowedSenders, from.Address) {
				return false, "sender is not on the allowed senders list"
			}
		}
	}

	for _, from := range msg.From {
		if from.Address == "" {
			continue
		}
		if containsFold(p.BlockedSenders, from.Address) {
			return false, "sender is blocked"
		}
	}

	return true, ""
}

func containsFold(list []string, s string) bool {
	s = strings.TrimSpace(s)
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), s) {
			return true
		}
	}
	return false
}

func verdictOrNone(v string) string {
	if v == "" {
		return email.VerdictNone
	}
	return v
}
