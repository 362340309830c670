package sasl

import (
	"fmt"

	gosasl "github.com/emersion/go-sasl"
)

// Client adapts a github.com/emersion/go-sasl client to Mechanism. The
// mechanism counts as complete once the initial response and rounds
// further challenges have been answered.
type Client struct {
	name     string
	client   gosasl.Client
	rounds   int
	answered int
	started  bool
}

// NewClient wraps client, announced to the server as name.
func NewClient(name string, client gosasl.Client, rounds int) *Client {
	return &Client{name: name, client: client, rounds: rounds}
}

// NewPlain returns the PLAIN mechanism (RFC 4616). The whole exchange fits
// in the initial response.
func NewPlain(creds *Credentials) *Client {
	return NewClient("PLAIN", gosasl.NewPlainClient(creds.AuthorizationID, creds.Username, creds.Password), 0)
}

// NewAnonymous returns the ANONYMOUS mechanism (RFC 4505) sending trace.
func NewAnonymous(trace string) *Client {
	return NewClient("ANONYMOUS", gosasl.NewAnonymousClient(trace), 0)
}

// Name returns the mechanism name.
func (c *Client) Name() string {
	return c.name
}

// InitialResponse starts the wrapped client.
func (c *Client) InitialResponse() ([]byte, error) {
	_, ir, err := c.client.Start()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	c.started = true
	return ir, nil
}

// Respond hands challenge to the wrapped client.
func (c *Client) Respond(challenge []byte) ([]byte, error) {
	resp, err := c.client.Next(challenge)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAborted, err)
	}
	c.answered++
	return resp, nil
}

// Complete reports whether every expected round was answered.
func (c *Client) Complete() bool {
	return c.started && c.answered >= c.rounds
}
