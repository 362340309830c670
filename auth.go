package kestrel

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/synqronlabs/kestrel/sasl"
)

// Authenticate runs one SASL exchange with mech over the open connection.
// The mechanism must have been advertised by the server; otherwise
// ErrMechanismUnsupported is returned without any traffic.
func (t *Transport) Authenticate(ctx context.Context, mech sasl.Mechanism) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch == nil {
		return ErrNoConnection
	}
	if err := t.checkMechanism(mech.Name()); err != nil {
		return err
	}
	t.watch(ctx)
	defer t.unwatch()

	return withCause(ctx, t.fail(t.authenticate(mech)))
}

func (t *Transport) checkMechanism(name string) error {
	if t.caps == nil || !t.caps.SupportsAuth(name) {
		return fmt.Errorf("%w: %s", ErrMechanismUnsupported, name)
	}
	return nil
}

// authenticate drives mech through AUTH. A 235 reply ends the exchange
// successfully even if the mechanism expected more rounds. When the
// mechanism gives up mid-exchange the server is told with "*".
func (t *Transport) authenticate(mech sasl.Mechanism) error {
	name := mech.Name()
	if err := t.checkMechanism(name); err != nil {
		return err
	}

	ir, err := mech.InitialResponse()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrAuthenticationAborted, name, err)
	}

	command := "AUTH " + name
	if ir != nil {
		if err := t.writeSecret(command+" "+encodeResponse(ir), command+" <redacted>"); err != nil {
			return err
		}
	} else if err := t.writeLine(command); err != nil {
		return err
	}

	for {
		reply, err := t.readReply()
		if err != nil {
			return err
		}
		switch reply.Code {
		case int(CodeAuthSuccess):
			if !mech.Complete() {
				t.logger.Debug("server accepted authentication before the mechanism finished",
					slog.String("mechanism", name))
			}
			t.authenticated = true
			t.logger.Info("authenticated", slog.String("mechanism", name))
			return nil

		case int(CodeAuthContinue):
			challenge := ""
			if len(reply.Lines) > 0 {
				challenge = strings.TrimLeft(reply.Lines[0], " \t")
			}
			decoded, err := base64.StdEncoding.DecodeString(challenge)
			if err != nil {
				return t.cancelAuth(name, fmt.Errorf("malformed challenge: %w", err))
			}
			resp, err := mech.Respond(decoded)
			if err != nil {
				return t.cancelAuth(name, err)
			}
			if err := t.writeSecret(base64.StdEncoding.EncodeToString(resp), "<redacted>"); err != nil {
				return err
			}

		default:
			return replyError(ErrAuthenticationRejected, command, reply)
		}
	}
}

// cancelAuth sends "*" and consumes the server's acknowledgement.
func (t *Transport) cancelAuth(name string, cause error) error {
	if _, err := t.cmd("*"); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrAuthenticationAborted, name, cause)
}

func encodeResponse(ir []byte) string {
	if len(ir) == 0 {
		return "="
	}
	return base64.StdEncoding.EncodeToString(ir)
}

// login authenticates with the configured mechanism. Credentials rejected
// by the server are forgotten and requested again, up to MaxAuthAttempts.
func (t *Transport) login(ctx context.Context) error {
	name := t.config.Mechanism
	if err := t.checkMechanism(name); err != nil {
		return err
	}

	req := sasl.Request{
		Mechanism: name,
		Host:      t.config.Host,
	}
	var rejected error
	for attempt := 1; ; attempt++ {
		var creds *sasl.Credentials
		if t.config.Credentials != nil {
			c, err := t.config.Credentials.Credentials(ctx, req)
			if err != nil {
				if rejected != nil {
					return fmt.Errorf("%w (%w)", rejected, err)
				}
				return fmt.Errorf("%w: %s: %w", ErrAuthenticationAborted, name, err)
			}
			creds = c
		}
		mech, err := t.config.Mechanisms.New(name, creds)
		if err != nil {
			if errors.Is(err, sasl.ErrUnknownMechanism) {
				return fmt.Errorf("%w: %w", ErrMechanismUnsupported, err)
			}
			return fmt.Errorf("%w: %s: %w", ErrAuthenticationAborted, name, err)
		}

		err = t.authenticate(mech)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrAuthenticationRejected) || attempt >= t.config.MaxAuthAttempts || t.config.Credentials == nil {
			return err
		}

		t.logger.Warn("authentication rejected, asking for new credentials",
			slog.String("mechanism", name),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		t.config.Credentials.Forget(req)
		rejected = err
		req.Retry = true
		req.Reason = err.Error()
	}
}
