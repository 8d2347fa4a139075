// Package roompolicy resolves email recipients to Matrix room policies and
// evaluates those policies against inbound mail: antispam gates, sender
// allow/block lists and attachment content-type rules.
//
// A Policy is a value built fresh from configuration on every lookup by
// deep-merging the default room configuration with the room's overrides.
// Nothing is cached between messages, so a configuration swap through
// Resolver.SetSettings applies to the next message processed.
package roompolicy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Source identifies which recipient field produced a target address.
type Source string

const (
	SourceTo       Source = "to"
	SourceCc       Source = "cc"
	SourceBcc      Source = "bcc"
	SourceEnvelope Source = "envelope"
)

// DefaultAttachmentMsgType is the Matrix msgtype used for attachments whose
// content type has no entry in the room's content mapping.
const DefaultAttachmentMsgType = "m.file"

// Policy is the merged configuration governing delivery to one room.
type Policy struct {
	RoomID string `yaml:"-"`

	AllowFromAnyone bool     `yaml:"allowFromAnyone"`
	AllowedSenders  []string `yaml:"allowedSenders"`
	BlockedSenders  []string `yaml:"blockedSenders"`

	SkipDatabase bool `yaml:"skipDatabase"`

	UseToAsTarget         bool `yaml:"useToAsTarget"`
	UseCcAsTarget         bool `yaml:"useCcAsTarget"`
	UseBccAsTarget        bool `yaml:"useBccAsTarget"`
	UseEnvelopeToAsTarget bool `yaml:"useEnvelopeToAsTarget"`
	// UseEnvelopeAsTarget is accepted as an alias of UseEnvelopeToAsTarget.
	UseEnvelopeAsTarget bool `yaml:"useEnvelopeAsTarget"`

	PlaintextOnly bool `yaml:"plaintextOnly"`
	PostReplies   bool `yaml:"postReplies"`
	// RejectionNotice mails refused senders a notice. It is only sent when
	// SPF or DKIM passed for the email, so forged senders get nothing.
	RejectionNotice bool `yaml:"rejectionNotice"`

	Attachments AttachmentPolicy `yaml:"attachments"`
	Antispam    *Antispam        `yaml:"antispam"`

	MessageFormat       string `yaml:"messageFormat"`
	MessagePlainFormat  string `yaml:"messagePlainFormat"`
	FragmentFormat      string `yaml:"fragmentFormat"`
	FragmentPlainFormat string `yaml:"fragmentPlainFormat"`
}

// AttachmentPolicy controls which attachments reach a room.
type AttachmentPolicy struct {
	Post          bool     `yaml:"post"`
	AllowAllTypes bool     `yaml:"allowAllTypes"`
	AllowedTypes  []string `yaml:"allowedTypes"`
	BlockedTypes  []string `yaml:"blockedTypes"`

	// ContentMapping maps a MIME type to the Matrix msgtype used when the
	// attachment is posted (for example image/png -> m.image).
	ContentMapping map[string]string `yaml:"contentMapping"`
}

// Antispam holds the spam gates. A nil *Antispam disables all of them.
type Antispam struct {
	MaxScore        float64 `yaml:"maxScore"`
	BlockFailedDKIM bool    `yaml:"blockFailedDkim"`
	BlockFailedSPF  bool    `yaml:"blockFailedSpf"`
}

// AcceptsSource reports whether the policy lets addresses found in the
// given recipient field target the room.
func (p Policy) AcceptsSource(src Source) bool {
	switch src {
	case SourceTo:
		return p.UseToAsTarget
	case SourceCc:
		return p.UseCcAsTarget
	case SourceBcc:
		return p.UseBccAsTarget
	case SourceEnvelope:
		return p.UseEnvelopeToAsTarget || p.UseEnvelopeAsTarget
	default:
		return false
	}
}

// MsgTypeFor returns the Matrix msgtype for an attachment content type.
func (a AttachmentPolicy) MsgTypeFor(contentType string) string {
	if mt, ok := a.ContentMapping[contentType]; ok && mt != "" {
		return mt
	}
	return DefaultAttachmentMsgType
}

// decodePolicy converts a merged configuration tree into a typed Policy.
// The tree is round-tripped through YAML so that field names are checked
// against the struct tags rather than enumerated at runtime.
func decodePolicy(roomID string, tree map[string]any) (Policy, error) {
	raw, err := yaml.Marshal(tree)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to encode room config for %s: %w", roomID, err)
	}

	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("failed to decode room config for %s: %w", roomID, err)
	}
	p.RoomID = roomID
	return p, nil
}
