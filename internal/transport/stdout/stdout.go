// Package stdout implements a Transport that prints room messages to
// standard output. It treats every room as joined, which makes it useful for
// trying out room policies without a homeserver.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/docker/go-units"

	"github.com/shineum/smtp-matrix-bridge/internal/compose"
	"github.com/shineum/smtp-matrix-bridge/internal/message"
)

const separator = "========================================\n"

// Transport prints rendered messages in a human-readable format.
type Transport struct {
	mu sync.Mutex
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Transport that writes to os.Stdout.
func New() *Transport {
	return &Transport{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Transport that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Transport {
	return &Transport{writer: w}
}

// Send prints the rendered message. The HTML rendering is printed only when
// present.
func (t *Transport) Send(_ context.Context, roomID string, content compose.Rendered) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Room: %s\n", roomID)
	b.WriteString("Body:\n")
	b.WriteString(content.Plain + "\n")
	if content.HTML != "" {
		b.WriteString("HTML:\n")
		b.WriteString(content.HTML + "\n")
	}
	b.WriteString(separator)

	return t.write(b.String())
}

// SendAttachment prints the attachment's name, type and size.
func (t *Transport) SendAttachment(_ context.Context, roomID string, att message.Attachment, msgType string) error {
	var b strings.Builder

	b.WriteString(separator)
	fmt.Fprintf(&b, "Room: %s\n", roomID)
	fmt.Fprintf(&b, "Attachment: %s (%s, %s, %s)\n",
		att.Name, att.ContentType, msgType, units.BytesSize(float64(len(att.Content))))
	b.WriteString(separator)

	return t.write(b.String())
}

// IsJoined always reports true.
func (t *Transport) IsJoined(string) bool {
	return true
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "stdout"
}

func (t *Transport) write(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := io.WriteString(t.writer, s); err != nil {
		return fmt.Errorf("failed to write to stdout: %w", err)
	}
	return nil
}
