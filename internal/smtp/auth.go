// Package smtp implements the inbound SMTP server that feeds received mail
// into the routing engine.
package smtp

import (
	"crypto/subtle"
	"errors"

	"github.com/emersion/go-sasl"
)

// ErrInvalidCredentials is returned when a client presents the wrong
// username or password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Authenticator handles SMTP AUTH verification against configured credentials.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If both username and password are empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Mechanisms returns the SASL mechanisms offered to clients.
func (a *Authenticator) Mechanisms() []string {
	if !a.Enabled() {
		return nil
	}
	return []string{sasl.Plain}
}

// Verify checks a username and password. Both comparisons always run so the
// response time does not reveal which one was wrong.
func (a *Authenticator) Verify(username, password string) error {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(a.password))
	if userOK&passOK != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// PlainServer returns a SASL PLAIN server that calls onSuccess once the
// client's credentials verify. The authorization identity is ignored.
func (a *Authenticator) PlainServer(onSuccess func(username string)) sasl.Server {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if err := a.Verify(username, password); err != nil {
			return err
		}
		onSuccess(username)
		return nil
	})
}
