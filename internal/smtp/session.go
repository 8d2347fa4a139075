package smtp

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-matrix-bridge/internal/email"
	"github.com/shineum/smtp-matrix-bridge/internal/logging"
	"github.com/shineum/smtp-matrix-bridge/internal/mailauth"
	"github.com/shineum/smtp-matrix-bridge/internal/parser"
)

var (
	errAuthRequired = &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errAuthFailed = &gosmtp.SMTPError{
		Code:         535,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication failed",
	}
	errAuthMechanism = &gosmtp.SMTPError{
		Code:         504,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 4},
		Message:      "Unsupported authentication mechanism",
	}
	errRecipientUnknown = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
		Message:      "No such mailbox",
	}
	errMessageInvalid = &gosmtp.SMTPError{
		Code:         550,
		EnhancedCode: gosmtp.EnhancedCode{5, 6, 0},
		Message:      "Failed to process message",
	}
	errTemporary = &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary failure, please try again later",
	}
)

// Handler receives every accepted message.
type Handler interface {
	ProcessMessage(ctx context.Context, msg *email.Email) error
}

// backend creates sessions for the go-smtp server.
type backend struct {
	ctx    context.Context
	auth   *Authenticator
	config ServerConfig
}

// NewSession implements gosmtp.Backend.
func (b *backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	var ip net.IP
	if addr, ok := c.Conn().RemoteAddr().(*net.TCPAddr); ok {
		ip = addr.IP
	}
	return newSession(b, ip, c.Hostname), nil
}

// Session holds the state of one SMTP mail transaction.
type Session struct {
	backend  *backend
	remoteIP net.IP
	helo     func() string

	authenticated bool
	mailFrom      string
	rcptTo        []string
}

func newSession(b *backend, remoteIP net.IP, helo func() string) *Session {
	return &Session{
		backend:  b,
		remoteIP: remoteIP,
		helo:     helo,
	}
}

// AuthMechanisms implements gosmtp.AuthSession.
func (s *Session) AuthMechanisms() []string {
	return s.backend.auth.Mechanisms()
}

// Auth implements gosmtp.AuthSession.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain || !s.backend.auth.Enabled() {
		return nil, errAuthMechanism
	}
	inner := s.backend.auth.PlainServer(func(username string) {
		s.authenticated = true
		slog.Debug("smtp client authenticated", "username", username)
	})
	return saslFailure{inner}, nil
}

// saslFailure maps credential errors to a 535 reply.
type saslFailure struct {
	sasl.Server
}

func (f saslFailure) Next(response []byte) ([]byte, bool, error) {
	challenge, done, err := f.Server.Next(response)
	if err != nil {
		return nil, false, errAuthFailed
	}
	return challenge, done, nil
}

// Mail records the reverse path. An empty address is a bounce.
func (s *Session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.backend.auth.Enabled() && !s.authenticated {
		return errAuthRequired
	}
	s.mailFrom = from
	s.rcptTo = nil
	return nil
}

// Rcpt accepts only recipients that map to at least one room.
func (s *Session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	to = strings.TrimSpace(to)
	if accept := s.backend.config.AcceptRecipient; accept != nil && !accept(to) {
		slog.Info("rejecting unknown recipient", "to", logging.Address(to))
		return errRecipientUnknown
	}
	s.rcptTo = append(s.rcptTo, to)
	return nil
}

// Data parses the message, attaches the envelope and authentication
// verdicts, and hands it to the handler.
func (s *Session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	msg, err := parser.Parse(raw, parser.WithTrustedAuthServIDs(s.backend.config.TrustedAuthServIDs...))
	if err != nil {
		slog.Warn("failed to parse message",
			"from", logging.Address(s.mailFrom),
			"error", err,
		)
		return errMessageInvalid
	}

	msg.EnvelopeTo = append([]string(nil), s.rcptTo...)
	if len(msg.From) == 0 && s.mailFrom != "" {
		msg.From = []email.Address{{Address: s.mailFrom}}
	}

	cfg := s.backend.config
	if cfg.VerifySPF {
		msg.SPF = mailauth.CheckSPF(s.backend.ctx, s.remoteIP, s.helo(), s.mailFrom, cfg.SPFOptions...)
	}
	if cfg.VerifyDKIM {
		if cfg.DKIMLookupTXT != nil {
			msg.DKIM = mailauth.VerifyDKIMWithLookup(raw, cfg.DKIMLookupTXT)
		} else {
			msg.DKIM = mailauth.VerifyDKIM(raw)
		}
	}

	slog.Info("message received",
		"message_id", msg.MessageID,
		"from", logging.Address(s.mailFrom),
		"recipients", len(s.rcptTo),
		"size", len(raw),
		"spf", msg.SPF,
		"dkim", msg.DKIM,
	)

	if err := cfg.Handler.ProcessMessage(s.backend.ctx, msg); err != nil {
		slog.Error("failed to process message",
			"message_id", msg.MessageID,
			"error", err,
		)
		return errTemporary
	}
	return nil
}

// Reset clears the current transaction without touching authentication.
func (s *Session) Reset() {
	s.mailFrom = ""
	s.rcptTo = nil
}

// Logout implements gosmtp.Session.
func (s *Session) Logout() error {
	return nil
}
