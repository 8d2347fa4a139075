package roompolicy

import (
	"log/slog"

	"github.com/shineum/smtp-matrix-bridge/internal/email"
	"github.com/shineum/smtp-matrix-bridge/internal/message"
)

// FilterAttachments applies a room's content-type rules. When the room does
// not allow all types, an attachment must be on the allowed list; an
// attachment on the blocked list is always dropped. Survivors carry the
// room-wide Post flag.
func FilterAttachments(attachments []email.Attachment, ap AttachmentPolicy) []message.Attachment {
	var out []message.Attachment

	for _, att := range attachments {
		if !ap.AllowAllTypes && !containsFold(ap.AllowedTypes, att.ContentType) {
			slog.Warn("dropping attachment: content type not allowed",
				"name", att.Filename,
				"content_type", att.ContentType,
			)
			continue
		}
		if containsFold(ap.BlockedTypes, att.ContentType) {
			slog.Warn("dropping attachment: content type blocked",
				"name", att.Filename,
				"content_type", att.ContentType,
			)
			continue
		}

		out = append(out, message.Attachment{
			Name:        att.Filename,
			ContentType: att.ContentType,
			Content:     att.Content,
			Post:        ap.Post,
		})
	}

	return out
}
