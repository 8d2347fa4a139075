// Package web serves the HTTP surface of the bridge: message submission,
// the message lookup API and rendered message pages.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/shineum/smtp-matrix-bridge/internal/email"
	"github.com/shineum/smtp-matrix-bridge/internal/message"
	"github.com/shineum/smtp-matrix-bridge/internal/parser"
	"github.com/shineum/smtp-matrix-bridge/internal/store"
)

const shutdownTimeout = 10 * time.Second

// DefaultMaxBodyBytes bounds submitted messages when Config.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 25 * units.MiB

// Handler receives every submitted message.
type Handler interface {
	ProcessMessage(ctx context.Context, msg *email.Email) error
}

// Store looks up delivered message records.
type Store interface {
	GetMessage(ctx context.Context, id string) (*message.Message, error)
	ListAttachments(ctx context.Context, recordID string) ([]store.StoredAttachment, error)
}

// Sanitizer cleans untrusted HTML before it is rendered.
type Sanitizer interface {
	Sanitize(s string) string
}

// Config holds the collaborators and settings of a Server.
type Config struct {
	ListenAddr string

	// Secret authorizes message submission. An empty secret disables it.
	Secret string

	MaxBodyBytes int64

	// TrustedAuthServIDs names the servers whose Authentication-Results
	// headers are believed in submitted messages.
	TrustedAuthServIDs []string

	Handler   Handler
	Store     Store
	Sanitizer Sanitizer
}

// Server is the bridge's HTTP server.
type Server struct {
	config Config
	router chi.Router
}

// New creates a Server and mounts its routes.
func New(cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &Server{config: cfg}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLog)
	r.Use(chimw.Recoverer)

	r.Route("/_m.email/api/v1/message", func(r chi.Router) {
		r.Post("/", s.submitMessage)
		r.Get("/{id}", s.getMessage)
	})
	r.Get("/m/{id}", s.renderMessage)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on Config.ListenAddr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts HTTP connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown timeout reached, forcing close", "error", err)
			srv.Close()
		}
	}()

	slog.Info("HTTP server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// submitMessage accepts a raw RFC 5322 message and routes it.
func (s *Server) submitMessage(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r.URL.Query().Get("secret")) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	msg, err := parser.Parse(raw, parser.WithTrustedAuthServIDs(s.config.TrustedAuthServIDs...))
	if err != nil {
		slog.Warn("rejecting submitted message", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := s.config.Handler.ProcessMessage(r.Context(), msg); err != nil {
		slog.Error("failed to process submitted message",
			"message_id", msg.MessageID,
			"error", err,
		)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) authorized(secret string) bool {
	if s.config.Secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(s.config.Secret)) == 1
}

// getMessage returns a stored record as JSON without its email id.
func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	m, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, m.Redacted())
}

// lookup loads the record named by the id URL parameter, writing 404 or 500
// itself when it cannot.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*message.Message, bool) {
	id := chi.URLParam(r, "id")
	m, err := s.config.Store.GetMessage(r.Context(), id)
	if err != nil {
		slog.Error("failed to load message", "id", id, "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	if m == nil {
		w.WriteHeader(http.StatusNotFound)
		return nil, false
	}
	return m, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// requestLog logs every request once it completes.
func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}
