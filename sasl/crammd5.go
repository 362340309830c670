package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// CramMD5 implements the client side of CRAM-MD5 (RFC 2195): the single
// server challenge is answered with the username and the hex HMAC-MD5 of
// the challenge keyed with the password.
type CramMD5 struct {
	username string
	secret   string
	done     bool
}

// NewCramMD5 creates a CRAM-MD5 mechanism.
func NewCramMD5(username, secret string) *CramMD5 {
	return &CramMD5{username: username, secret: secret}
}

// Name returns "CRAM-MD5".
func (c *CramMD5) Name() string {
	return "CRAM-MD5"
}

// InitialResponse returns nil: the server speaks first.
func (c *CramMD5) InitialResponse() ([]byte, error) {
	return nil, nil
}

// Respond computes the digest response.
func (c *CramMD5) Respond(challenge []byte) ([]byte, error) {
	if c.done {
		return nil, fmt.Errorf("%w: %w", ErrAborted, ErrUnexpectedChallenge)
	}
	if len(challenge) == 0 {
		return nil, fmt.Errorf("%w: empty challenge", ErrAborted)
	}
	mac := hmac.New(md5.New, []byte(c.secret))
	mac.Write(challenge)
	c.done = true
	return fmt.Appendf(nil, "%s %s", c.username, hex.EncodeToString(mac.Sum(nil))), nil
}

// Complete reports whether the challenge was answered.
func (c *CramMD5) Complete() bool {
	return c.done
}
