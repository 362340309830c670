package sasl

import (
	"fmt"
	"strings"
)

// Login state constants
const (
	loginStateInitial = iota
	loginStateUsername
	loginStatePassword
	loginStateDone
)

// LOGIN challenges as sent by servers, before base64 encoding.
const (
	LoginChallengeUsername = "Username:"
	LoginChallengePassword = "Password:"
)

// Login implements the client side of the LOGIN mechanism.
// DEPRECATED: Use PLAIN instead. Only for legacy server compatibility.
type Login struct {
	state    int
	username string
	password string
}

// NewLogin creates a LOGIN mechanism for username and password.
func NewLogin(username, password string) *Login {
	return &Login{
		state:    loginStateInitial,
		username: username,
		password: password,
	}
}

// Name returns "LOGIN".
func (l *Login) Name() string {
	return "LOGIN"
}

// InitialResponse returns nil: LOGIN waits for the username prompt.
func (l *Login) InitialResponse() ([]byte, error) {
	l.state = loginStateUsername
	return nil, nil
}

// Respond answers the username and password prompts. Servers word the
// prompts differently, so an unrecognized prompt is answered by position.
func (l *Login) Respond(challenge []byte) ([]byte, error) {
	prompt := strings.ToLower(strings.TrimSpace(string(challenge)))

	switch {
	case l.state == loginStateDone:
		return nil, fmt.Errorf("%w: %w after password", ErrAborted, ErrUnexpectedChallenge)
	case strings.HasPrefix(prompt, "user"):
		l.state = loginStatePassword
		return []byte(l.username), nil
	case strings.HasPrefix(prompt, "pass"):
		l.state = loginStateDone
		return []byte(l.password), nil
	case l.state == loginStateUsername:
		l.state = loginStatePassword
		return []byte(l.username), nil
	default:
		l.state = loginStateDone
		return []byte(l.password), nil
	}
}

// Complete reports whether the password was sent.
func (l *Login) Complete() bool {
	return l.state == loginStateDone
}
