// Package transport defines the interface for chat delivery backends.
package transport

import (
	"context"

	"github.com/shineum/smtp-matrix-bridge/internal/compose"
	"github.com/shineum/smtp-matrix-bridge/internal/message"
)

// Transport delivers rendered messages and attachments to chat rooms.
type Transport interface {
	// Send posts rendered content to a room.
	Send(ctx context.Context, roomID string, content compose.Rendered) error

	// SendAttachment uploads an attachment and posts it to a room with the
	// given message type.
	SendAttachment(ctx context.Context, roomID string, att message.Attachment, msgType string) error

	// IsJoined reports whether the bridge currently occupies the room. The
	// answer reflects the latest membership seen and may lag behind.
	IsJoined(roomID string) bool

	// Name returns the human-readable name of this transport.
	Name() string
}
