package roompolicy

import (
	"testing"

	"github.com/shineum/smtp-matrix-bridge/internal/email"
)

func TestFilterAttachments(t *testing.T) {
	t.Parallel()

	atts := []email.Attachment{
		{Filename: "photo.png", ContentType: "image/png", Content: []byte("png")},
		{Filename: "doc.pdf", ContentType: "application/pdf", Content: []byte("pdf")},
		{Filename: "run.exe", ContentType: "application/x-msdownload", Content: []byte("exe")},
	}

	tests := []struct {
		name   string
		policy AttachmentPolicy
		want   []string
	}{
		{
			name:   "allow list only",
			policy: AttachmentPolicy{AllowedTypes: []string{"image/png"}},
			want:   []string{"photo.png"},
		},
		{
			name:   "allow all",
			policy: AttachmentPolicy{AllowAllTypes: true},
			want:   []string{"photo.png", "doc.pdf", "run.exe"},
		},
		{
			name: "block list with allow all",
			policy: AttachmentPolicy{
				AllowAllTypes: true,
				BlockedTypes:  []string{"application/x-msdownload"},
			},
			want: []string{"photo.png", "doc.pdf"},
		},
		{
			name: "type in both lists is dropped",
			policy: AttachmentPolicy{
				AllowedTypes: []string{"image/png", "application/pdf"},
				BlockedTypes: []string{"application/pdf"},
			},
			want: []string{"photo.png"},
		},
		{
			name:   "nothing allowed",
			policy: AttachmentPolicy{},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FilterAttachments(atts, tt.policy)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d attachments, want %d", len(got), len(tt.want))
			}
			for i, name := range tt.want {
				if got[i].Name != name {
					t.Errorf("attachment %d: got %q, want %q", i, got[i].Name, name)
				}
			}
		})
	}
}

func TestFilterAttachments_CarriesPostFlag(t *testing.T) {
	t.Parallel()

	atts := []email.Attachment{{Filename: "a.txt", ContentType: "text/plain", Content: []byte("hi")}}

	for _, post := range []bool{true, false} {
		got := FilterAttachments(atts, AttachmentPolicy{AllowAllTypes: true, Post: post})
		if len(got) != 1 {
			t.Fatalf("post=%v: got %d attachments", post, len(got))
		}
		if got[0].Post != post {
			t.Errorf("Post: got %v, want %v", got[0].Post, post)
		}
		if string(got[0].Content) != "hi" || got[0].ContentType != "text/plain" {
			t.Errorf("attachment fields not carried: %+v", got[0])
		}
	}
}

func TestMsgTypeFor(t *testing.T) {
	t.Parallel()

	ap := AttachmentPolicy{ContentMapping: map[string]string{"image/png": "m.image"}}
	if got := ap.MsgTypeFor("image/png"); got != "m.image" {
		t.Errorf("mapped: got %q", got)
	}
	if got := ap.MsgTypeFor("application/pdf"); got != DefaultAttachmentMsgType {
		t.Errorf("default: got %q", got)
	}
}
