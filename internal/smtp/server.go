package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"blitiri.com.ar/go/spf"
	gosmtp "github.com/emersion/go-smtp"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

const (
	idleTimeout = 60 * time.Second

	// DefaultMaxMessageBytes is used when ServerConfig.MaxMessageBytes is zero.
	DefaultMaxMessageBytes = 25 * 1024 * 1024

	// DefaultMaxRecipients is used when ServerConfig.MaxRecipients is zero.
	DefaultMaxRecipients = 50
)

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// Handler processes every accepted message.
	Handler Handler

	// AcceptRecipient decides whether RCPT TO is accepted. A nil func
	// accepts every recipient.
	AcceptRecipient func(address string) bool

	// TLSConfig is the TLS configuration for STARTTLS support.
	// If nil, STARTTLS is not advertised.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If both are empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	MaxMessageBytes int64
	MaxRecipients   int

	// VerifySPF and VerifyDKIM replace any verdicts found in the message
	// headers with ones computed by this server.
	VerifySPF  bool
	VerifyDKIM bool

	// TrustedAuthServIDs names the upstream servers whose
	// Authentication-Results headers are believed.
	TrustedAuthServIDs []string

	// SPFOptions are passed to every SPF check, after the session context.
	SPFOptions []spf.Option

	// DKIMLookupTXT overrides the DNS lookup used for DKIM keys.
	DKIMLookupTXT func(domain string) ([]string, error)
}

// Server is an SMTP server that accepts mail for configured rooms and hands
// it to a Handler.
type Server struct {
	config   ServerConfig
	auth     *Authenticator
	listener net.Listener
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = DefaultMaxRecipients
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
	}
}

// ListenAndServe starts the SMTP server and blocks until the context is cancelled.
// On context cancellation, it stops accepting new connections and waits up to
// 30 seconds for in-flight sessions to complete.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until the context is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.Handler == nil {
		return errors.New("smtp server has no handler")
	}
	s.listener = ln

	srv := s.newServer(ctx)

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"verify_spf", s.config.VerifySPF,
		"verify_dkim", s.config.VerifyDKIM,
	)

	// Monitor context for shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("shutdown timeout reached, forcing close", "error", err)
			srv.Close()
			return
		}
		slog.Info("all sessions completed")
	}()

	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) newServer(ctx context.Context) *gosmtp.Server {
	srv := gosmtp.NewServer(&backend{
		ctx:    ctx,
		auth:   s.auth,
		config: s.config,
	})
	srv.Domain = s.config.Hostname
	srv.ReadTimeout = idleTimeout
	srv.WriteTimeout = idleTimeout
	srv.MaxMessageBytes = s.config.MaxMessageBytes
	srv.MaxRecipients = s.config.MaxRecipients
	srv.TLSConfig = s.config.TLSConfig
	// Without TLS there is nothing to upgrade to, so AUTH is offered in clear.
	srv.AllowInsecureAuth = s.config.TLSConfig == nil
	srv.ErrorLog = errorLog{}
	return srv
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// errorLog routes go-smtp's internal errors to slog.
type errorLog struct{}

func (errorLog) Printf(format string, v ...any) {
	slog.Warn("smtp server error", "detail", fmt.Sprintf(format, v...))
}

func (errorLog) Println(v ...any) {
	slog.Warn("smtp server error", "detail", fmt.Sprint(v...))
}
