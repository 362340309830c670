// Package sasl implements client-side SASL mechanisms for SMTP
// authentication (RFC 4954) and the registry a transport picks them from.
package sasl

import (
	"errors"
)

var (
	// ErrAborted is returned by a mechanism that cannot continue the
	// exchange. The transport cancels the exchange with "*".
	ErrAborted = errors.New("sasl: mechanism aborted")

	// ErrUnknownMechanism is returned by a Registry for an unregistered name.
	ErrUnknownMechanism = errors.New("sasl: unknown mechanism")

	// ErrUnexpectedChallenge is returned when the server sends a challenge
	// the mechanism has no answer for.
	ErrUnexpectedChallenge = errors.New("sasl: unexpected challenge")

	// ErrNoCredentials is returned by a CredentialSource that has nothing to
	// offer.
	ErrNoCredentials = errors.New("sasl: no credentials available")
)

// Credentials are what a mechanism authenticates with.
type Credentials struct {
	AuthorizationID string // Identity to act as (authzid)
	Username        string // Identity being authenticated (authcid)
	Password        string
}

// Identity returns the effective identity for authorization.
func (c *Credentials) Identity() string {
	if c.AuthorizationID != "" {
		return c.AuthorizationID
	}
	return c.Username
}

// Mechanism is one client-side SASL exchange. A Mechanism is used for a
// single authentication attempt.
type Mechanism interface {
	// Name is the mechanism name as advertised by servers.
	Name() string
	// InitialResponse returns the response sent along with AUTH. A nil
	// slice means the mechanism has none; an empty one is sent as "=".
	InitialResponse() ([]byte, error)
	// Respond answers one decoded server challenge.
	Respond(challenge []byte) ([]byte, error)
	// Complete reports whether the mechanism sent everything it needed to.
	Complete() bool
}
