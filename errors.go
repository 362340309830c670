package kestrel

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error kinds. Every error returned by a Transport matches at least one of
// these with errors.Is.
var (
	ErrIO                     = errors.New("smtp: i/o failure")
	ErrProtocolViolation      = errors.New("smtp: malformed server reply")
	ErrUnavailable            = errors.New("smtp: service unavailable")
	ErrSecureUpgradeFailed    = errors.New("smtp: secure connection could not be established")
	ErrMechanismUnsupported   = errors.New("smtp: authentication mechanism not supported")
	ErrAuthenticationRejected = errors.New("smtp: authentication rejected")
	ErrAuthenticationAborted  = errors.New("smtp: authentication aborted")
	ErrRecipientRejected      = errors.New("smtp: recipient rejected")
	ErrSenderRejected         = errors.New("smtp: sender rejected")
	ErrDataPhaseRejected      = errors.New("smtp: message data rejected")
)

var (
	ErrNoConnection     = errors.New("smtp: no connection established")
	ErrAlreadyConnected = errors.New("smtp: already connected")
	ErrNoRecipients     = errors.New("smtp: envelope has no recipients")
	ErrNoBody           = errors.New("smtp: envelope has no body")
)

// IOError reports a failure of the connection itself: dial, read, write,
// handshake or an expired deadline. The connection is unusable afterwards.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("smtp: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() []error {
	return []error{ErrIO, e.Err}
}

// Timeout reports whether the failure was an expired deadline.
func (e *IOError) Timeout() bool {
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// withCause records why ctx ended on an I/O failure it provoked, so that
// errors.Is matches context.Canceled or context.DeadlineExceeded.
func withCause(ctx context.Context, err error) error {
	var ioErr *IOError
	if err == nil || ctx.Err() == nil || !errors.As(err, &ioErr) {
		return err
	}
	cause := context.Cause(ctx)
	if !errors.Is(ioErr.Err, cause) {
		ioErr.Err = fmt.Errorf("%w: %w", cause, ioErr.Err)
	}
	return err
}

// SMTPError is a negative or unexpected server reply to one protocol step.
// Kind is one of the error kinds above; Message is the decoded reply text.
type SMTPError struct {
	Kind    error
	Command string
	Code    int
	Message string
	Address string
}

func (e *SMTPError) Error() string {
	cmd := e.Command
	if e.Address != "" {
		cmd = fmt.Sprintf("%s <%s>", cmd, e.Address)
	}
	return fmt.Sprintf("%v: %s: %d %s", e.Kind, cmd, e.Code, e.Message)
}

func (e *SMTPError) Unwrap() []error {
	if e.Code == 0 {
		return []error{e.Kind, ErrProtocolViolation}
	}
	return []error{e.Kind}
}

// IsPermanent returns true if this is a permanent failure (5xx).
func (e *SMTPError) IsPermanent() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTransient returns true if this is a transient failure (4xx).
func (e *SMTPError) IsTransient() bool {
	return e.Code >= 400 && e.Code < 500
}

func replyError(kind error, command string, reply *Reply) *SMTPError {
	return &SMTPError{
		Kind:    kind,
		Command: command,
		Code:    reply.Code,
		Message: reply.Message,
	}
}
