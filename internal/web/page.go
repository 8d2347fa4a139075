package web

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shineum/smtp-matrix-bridge/internal/message"
	"github.com/shineum/smtp-matrix-bridge/internal/store"
)

var pageTemplate = template.Must(template.New("message").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Subject}}</title>
</head>
<body>
<h1>{{.Subject}}</h1>
<p class="from">From: {{if .FromName}}{{.FromName}} &lt;{{.FromEmail}}&gt;{{else}}{{.FromEmail}}{{end}}</p>
<p class="to">To: {{.ToEmail}}</p>
<p class="date">{{.Received}}</p>
<hr>
{{if .HTML}}<div class="body">{{.HTML}}</div>{{else}}<pre class="body">{{.Text}}</pre>{{end}}
{{if .Attachments}}<hr>
<ul class="attachments">
{{range .Attachments}}<li>{{.FileName}} ({{.ContentType}})</li>
{{end}}</ul>{{end}}
</body>
</html>
`))

var notFoundTemplate = template.Must(template.New("404").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>404: Message Not Found</title></head>
<body><h1>404: Message Not Found</h1></body>
</html>
`))

type pageData struct {
	Subject     string
	FromName    string
	FromEmail   string
	ToEmail     string
	Received    string
	HTML        template.HTML
	Text        string
	Attachments []store.StoredAttachment
}

// renderMessage shows a stored record as a standalone HTML page. The HTML
// body is sanitized before it is marked safe.
func (s *Server) renderMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.config.Store.GetMessage(r.Context(), id)
	if err != nil {
		slog.Error("failed to load message", "id", id, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if m == nil {
		render(w, http.StatusNotFound, notFoundTemplate, nil)
		return
	}

	attachments, err := s.config.Store.ListAttachments(r.Context(), m.ID)
	if err != nil {
		slog.Warn("failed to list attachments", "id", m.ID, "error", err)
	}

	render(w, http.StatusOK, pageTemplate, s.pageData(m, attachments))
}

func (s *Server) pageData(m *message.Message, attachments []store.StoredAttachment) pageData {
	data := pageData{
		Subject:     m.Subject,
		FromName:    m.FromName,
		FromEmail:   m.FromEmail,
		ToEmail:     m.ToEmail,
		Text:        m.FullTextBody,
		Attachments: attachments,
	}
	if data.Text == "" {
		data.Text = m.TextBody
	}
	if !m.ReceivedAt.IsZero() {
		data.Received = m.ReceivedAt.UTC().Format("Mon, 02 Jan 2006 15:04:05 MST")
	}
	if m.IsHTML && m.HtmlBody != "" && s.config.Sanitizer != nil {
		data.HTML = template.HTML(s.config.Sanitizer.Sanitize(m.HtmlBody))
	}
	return data
}

func render(w http.ResponseWriter, status int, t *template.Template, data any) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		slog.Error("failed to render page", "template", t.Name(), "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
