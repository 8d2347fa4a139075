package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/shineum/smtp-matrix-bridge/internal/compose"
	"github.com/shineum/smtp-matrix-bridge/internal/message"
)

func TestSend_PlainOnly(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tr := NewWithWriter(&buf)

	err := tr.Send(context.Background(), "!alice:room.bridge.example", compose.Rendered{
		Plain: "Bob: Please find the report attached.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Room: !alice:room.bridge.example") {
		t.Error("output missing Room line")
	}
	if !strings.Contains(output, "Bob: Please find the report attached.") {
		t.Error("output missing body text")
	}
	if strings.Contains(output, "HTML:") {
		t.Error("output should not contain HTML section when there is none")
	}
	if !strings.HasPrefix(output, separator) {
		t.Error("output should start with separator line")
	}
	if !strings.HasSuffix(output, separator) {
		t.Error("output should end with separator line")
	}
}

func TestSend_WithHTML(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tr := NewWithWriter(&buf)

	err := tr.Send(context.Background(), "!alice:room", compose.Rendered{
		Plain: "Bob: hi",
		HTML:  "<b>Bob</b>: hi",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(buf.String(), "HTML:\n<b>Bob</b>: hi\n") {
		t.Errorf("output missing HTML section:\n%s", buf.String())
	}
}

func TestSendAttachment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		att  message.Attachment
		want string
	}{
		{
			name: "megabytes",
			att:  message.Attachment{Name: "report.pdf", ContentType: "application/pdf", Content: make([]byte, 1258291)},
			want: "report.pdf (application/pdf, m.file, 1.2MiB)",
		},
		{
			name: "kilobytes",
			att:  message.Attachment{Name: "summary.csv", ContentType: "text/csv", Content: make([]byte, 46080)},
			want: "summary.csv (text/csv, m.file, 45KiB)",
		},
		{
			name: "bytes",
			att:  message.Attachment{Name: "a.txt", ContentType: "text/plain", Content: []byte("hello")},
			want: "a.txt (text/plain, m.file, 5B)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			tr := NewWithWriter(&buf)
			if err := tr.SendAttachment(context.Background(), "!alice:room", tt.att, "m.file"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(buf.String(), "Attachment: "+tt.want) {
				t.Errorf("output:\n%s\nwant line containing %q", buf.String(), tt.want)
			}
		})
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("closed")
}

func TestSend_WriteError(t *testing.T) {
	t.Parallel()

	tr := NewWithWriter(failingWriter{})
	if err := tr.Send(context.Background(), "!a:b", compose.Rendered{Plain: "x"}); err == nil {
		t.Error("expected write error")
	}
}

func TestIsJoinedAndName(t *testing.T) {
	t.Parallel()

	tr := New()
	if !tr.IsJoined("!any:room") {
		t.Error("stdout transport should treat every room as joined")
	}
	if tr.Name() != "stdout" {
		t.Errorf("Name: got %q", tr.Name())
	}
}
