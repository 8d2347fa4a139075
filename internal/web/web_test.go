package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/smtp-matrix-bridge/internal/email"
	"github.com/shineum/smtp-matrix-bridge/internal/message"
	"github.com/shineum/smtp-matrix-bridge/internal/store"
)

const testMessage = "From: Bob <b@x.com>\r\n" +
	"To: alice_room@bridge.example\r\n" +
	"Subject: hello\r\n" +
	"Message-ID: <m1@x.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hi there\r\n"

type mockHandler struct {
	mu   sync.Mutex
	msgs []*email.Email
	err  error
}

func (h *mockHandler) ProcessMessage(_ context.Context, msg *email.Email) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return h.err
}

type fakeStore struct {
	messages    map[string]*message.Message
	attachments map[string][]store.StoredAttachment
	err         error
}

func (s *fakeStore) GetMessage(_ context.Context, id string) (*message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.messages[id], nil
}

func (s *fakeStore) ListAttachments(_ context.Context, recordID string) ([]store.StoredAttachment, error) {
	return s.attachments[recordID], nil
}

// scriptSanitizer drops the one script element the fixtures contain.
type scriptSanitizer struct{}

func (scriptSanitizer) Sanitize(s string) string {
	return strings.ReplaceAll(s, "<script>alert(1)</script>", "")
}

func newTestServer(h *mockHandler, st *fakeStore) *Server {
	if st == nil {
		st = &fakeStore{}
	}
	return New(Config{
		Secret:    "s3cret",
		Handler:   h,
		Store:     st,
		Sanitizer: scriptSanitizer{},
	})
}

func TestSubmitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		secret     string
		body       string
		handlerErr error
		wantStatus int
		wantCalls  int
	}{
		{name: "accepted", secret: "s3cret", body: testMessage, wantStatus: http.StatusOK, wantCalls: 1},
		{name: "wrong secret", secret: "nope", body: testMessage, wantStatus: http.StatusUnauthorized},
		{name: "missing secret", body: testMessage, wantStatus: http.StatusUnauthorized},
		{
			name:       "missing message id",
			secret:     "s3cret",
			body:       strings.Replace(testMessage, "Message-ID: <m1@x.com>\r\n", "", 1),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "engine failure",
			secret:     "s3cret",
			body:       testMessage,
			handlerErr: errors.New("database locked"),
			wantStatus: http.StatusInternalServerError,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := &mockHandler{err: tt.handlerErr}
			srv := newTestServer(h, nil)

			target := "/_m.email/api/v1/message"
			if tt.secret != "" {
				target += "?secret=" + tt.secret
			}
			req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "text/plain")
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status: got %d, want %d", rec.Code, tt.wantStatus)
			}
			if len(h.msgs) != tt.wantCalls {
				t.Fatalf("handler calls: got %d, want %d", len(h.msgs), tt.wantCalls)
			}
			if tt.wantCalls > 0 && h.msgs[0].MessageID != "<m1@x.com>" {
				t.Errorf("MessageID: got %q", h.msgs[0].MessageID)
			}
		})
	}
}

func TestSubmitMessage_DisabledWithoutSecret(t *testing.T) {
	t.Parallel()

	h := &mockHandler{}
	srv := New(Config{Handler: h, Store: &fakeStore{}})

	req := httptest.NewRequest(http.MethodPost, "/_m.email/api/v1/message?secret=", strings.NewReader(testMessage))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestSubmitMessage_TooLarge(t *testing.T) {
	t.Parallel()

	h := &mockHandler{}
	srv := New(Config{Secret: "s3cret", MaxBodyBytes: 16, Handler: h, Store: &fakeStore{}})

	req := httptest.NewRequest(http.MethodPost, "/_m.email/api/v1/message?secret=s3cret", strings.NewReader(testMessage))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
	if len(h.msgs) != 0 {
		t.Errorf("handler should not be called, got %d calls", len(h.msgs))
	}
}

func storedMessage() *message.Message {
	return &message.Message{
		ID:           "rec-1",
		EmailID:      "<m1@x.com>",
		FromName:     "Bob",
		FromEmail:    "b@x.com",
		ToEmail:      "alice_room@bridge.example",
		Subject:      "hello",
		TextBody:     "Hi",
		FullTextBody: "Hi there",
		HtmlBody:     "<p>Hi <b>there</b></p><script>alert(1)</script>",
		IsHTML:       true,
		ReceivedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		TargetRoom:   "!alice:room.bridge.example",
	}
}

func TestGetMessage(t *testing.T) {
	t.Parallel()

	st := &fakeStore{messages: map[string]*message.Message{"rec-1": storedMessage()}}
	srv := newTestServer(&mockHandler{}, st)

	req := httptest.NewRequest(http.MethodGet, "/_m.email/api/v1/message/rec-1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q", ct)
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, ok := body["email_id"]; ok {
		t.Errorf("email_id should be redacted: %v", body)
	}
	if body["subject"] != "hello" || body["target_room"] != "!alice:room.bridge.example" {
		t.Errorf("unexpected body: %v", body)
	}
	if st.messages["rec-1"].EmailID != "<m1@x.com>" {
		t.Error("redaction must not modify the stored record")
	}
}

func TestGetMessage_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		store      *fakeStore
		wantStatus int
	}{
		{name: "not found", store: &fakeStore{}, wantStatus: http.StatusNotFound},
		{name: "store failure", store: &fakeStore{err: errors.New("disk I/O error")}, wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := newTestServer(&mockHandler{}, tt.store)

			for _, path := range []string{"/_m.email/api/v1/message/missing", "/m/missing"} {
				req := httptest.NewRequest(http.MethodGet, path, nil)
				rec := httptest.NewRecorder()
				srv.ServeHTTP(rec, req)
				if rec.Code != tt.wantStatus {
					t.Errorf("%s: got %d, want %d", path, rec.Code, tt.wantStatus)
				}
			}
		})
	}
}

func TestRenderMessage(t *testing.T) {
	t.Parallel()

	st := &fakeStore{
		messages: map[string]*message.Message{"rec-1": storedMessage()},
		attachments: map[string][]store.StoredAttachment{
			"rec-1": {{ID: "a1", RecordID: "rec-1", FileName: "report.pdf", ContentType: "application/pdf"}},
		},
	}
	srv := newTestServer(&mockHandler{}, st)

	req := httptest.NewRequest(http.MethodGet, "/m/rec-1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rec.Code, http.StatusOK)
	}
	page := rec.Body.String()
	for _, want := range []string{
		"<title>hello</title>",
		"Bob &lt;b@x.com&gt;",
		"<p>Hi <b>there</b></p>",
		"report.pdf (application/pdf)",
		"Fri, 01 Mar 2024 12:00:00 UTC",
	} {
		if !strings.Contains(page, want) {
			t.Errorf("page missing %q:\n%s", want, page)
		}
	}
	if strings.Contains(page, "<script>") {
		t.Errorf("page contains unsanitized script:\n%s", page)
	}
}

func TestRenderMessage_TextBody(t *testing.T) {
	t.Parallel()

	m := storedMessage()
	m.IsHTML = false
	m.HtmlBody = ""
	m.FullTextBody = "<not a tag> & more"
	st := &fakeStore{messages: map[string]*message.Message{"rec-1": m}}
	srv := newTestServer(&mockHandler{}, st)

	req := httptest.NewRequest(http.MethodGet, "/m/rec-1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	page := rec.Body.String()
	if !strings.Contains(page, `<pre class="body">&lt;not a tag&gt; &amp; more</pre>`) {
		t.Errorf("text body not escaped into <pre>:\n%s", page)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := newTestServer(&mockHandler{}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/m/missing")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status: got %d, want %d", resp.StatusCode, http.StatusNotFound)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
