package kestrel

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/docker/go-units"

	kio "github.com/synqronlabs/kestrel/io"
	"github.com/synqronlabs/kestrel/utils"
)

// Envelope is one message to hand over: the envelope addresses and the
// message text, read once.
type Envelope struct {
	From string
	// To lists the recipients in the order RCPT is issued. Duplicates are
	// sent as given.
	To   []string
	Body io.Reader
	// EightBit marks a body that is not 7-bit clean. BODY=8BITMIME is
	// declared when the server supports it.
	EightBit bool
	// Size is the message size in bytes when known in advance, or zero.
	Size int64
}

// strippedHeaders never leave the client.
var strippedHeaders = []string{"Bcc"}

// Send runs one mail transaction: MAIL FROM, RCPT TO for every recipient,
// DATA and the message body. No RSET is sent on failure; callers reuse the
// connection by calling Reset.
func (t *Transport) Send(ctx context.Context, env *Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch == nil {
		return ErrNoConnection
	}
	if len(env.To) == 0 {
		return ErrNoRecipients
	}
	if env.Body == nil {
		return ErrNoBody
	}
	if err := t.checkSize(env); err != nil {
		return err
	}
	t.watch(ctx)
	defer t.unwatch()

	return withCause(ctx, t.fail(t.send(env)))
}

func (t *Transport) checkSize(env *Envelope) error {
	if env.Size <= 0 || t.caps == nil || t.caps.Size <= 0 || env.Size <= t.caps.Size {
		return nil
	}
	return &SMTPError{
		Kind:    ErrSenderRejected,
		Command: "MAIL FROM",
		Code:    int(CodeExceededStorage),
		Message: fmt.Sprintf("message size %s exceeds the server limit of %s",
			units.HumanSize(float64(env.Size)), units.HumanSize(float64(t.caps.Size))),
		Address: env.From,
	}
}

func (t *Transport) send(env *Envelope) error {
	reply, err := t.cmd(t.mailCommand(env))
	if err != nil {
		return err
	}
	if reply.Code != int(CodeOK) {
		e := replyError(ErrSenderRejected, "MAIL FROM", reply)
		e.Address = env.From
		return e
	}

	for _, rcpt := range env.To {
		reply, err := t.cmd("RCPT TO:<" + rcpt + ">")
		if err != nil {
			return err
		}
		if reply.Code != int(CodeOK) && reply.Code != int(CodeUserNotLocalWillForward) {
			e := replyError(ErrRecipientRejected, "RCPT TO", reply)
			e.Address = rcpt
			return e
		}
	}

	reply, err = t.cmd("DATA")
	if err != nil {
		return err
	}
	if reply.Code != int(CodeStartMailInput) {
		return replyError(ErrDataPhaseRejected, "DATA", reply)
	}

	n, err := t.writeBody(env.Body)
	if err != nil {
		return err
	}

	reply, err = t.readReply()
	if err != nil {
		return err
	}
	if reply.Code != int(CodeOK) {
		return replyError(ErrDataPhaseRejected, "DATA", reply)
	}
	t.logger.Info("message accepted",
		slog.String("from", env.From),
		slog.Int("recipients", len(env.To)),
		slog.String("size", units.HumanSize(float64(n))),
	)
	return nil
}

func (t *Transport) mailCommand(env *Envelope) string {
	command := "MAIL FROM:<" + env.From + ">"
	if env.EightBit {
		if t.caps.EightBitMIME {
			command += " BODY=8BITMIME"
		} else {
			t.logger.Debug("server lacks 8BITMIME, sending 8-bit body as is")
		}
	}
	if env.Size > 0 && t.caps.HasExtension(ExtSize) {
		command += " SIZE=" + strconv.FormatInt(env.Size, 10)
	}
	if t.caps.SMTPUTF8 && hasNonASCIIAddress(env) {
		command += " SMTPUTF8"
	}
	return command
}

func hasNonASCIIAddress(env *Envelope) bool {
	if utils.ContainsNonASCII(env.From) {
		return true
	}
	for _, rcpt := range env.To {
		if utils.ContainsNonASCII(rcpt) {
			return true
		}
	}
	return false
}

// writeBody streams the body through the DATA filters and the terminator.
// A failure reading the body leaves the server in the data phase, so the
// connection is reported broken.
func (t *Transport) writeBody(body io.Reader) (int64, error) {
	w := kio.NewDataWriter(t.ch, strippedHeaders...)
	src := &readTracker{r: body}
	n, err := io.Copy(w, src)
	if err != nil {
		if src.err != nil {
			return n, &IOError{Op: "read message", Err: src.err}
		}
		return n, &IOError{Op: "write message", Err: err}
	}
	if err := w.Close(); err != nil {
		return n, &IOError{Op: "write message", Err: err}
	}
	if err := t.ch.Flush(); err != nil {
		return n, &IOError{Op: "write message", Err: err}
	}
	return n, nil
}

// readTracker remembers a read failure so it can be told apart from a
// write failure after io.Copy.
type readTracker struct {
	r   io.Reader
	err error
}

func (r *readTracker) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return n, err
}
