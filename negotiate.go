package kestrel

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/net/idna"

	"github.com/synqronlabs/kestrel/utils"
)

// negotiate runs the greeting exchange. Unless force is set the server
// greeting is read first and EHLO is only tried when the greeting mentions
// ESMTP. A rejected EHLO is retried once with HELO. With force the greeting
// has already been consumed, EHLO is mandatory and a rejection is final.
func (t *Transport) negotiate(ctx context.Context, force bool) error {
	esmtp := force
	if !force {
		reply, err := t.readReply()
		if err != nil {
			return err
		}
		if reply.Code != int(CodeServiceReady) {
			return replyError(ErrUnavailable, "greeting", reply)
		}
		t.greeting = reply.Text()
		esmtp = strings.Contains(t.greeting, "ESMTP")
	}

	t.caps = nil
	identity := t.identity(ctx)

	if esmtp {
		reply, err := t.cmd("EHLO " + identity)
		if err != nil {
			return err
		}
		if reply.Code == int(CodeOK) {
			t.caps = parseCapabilities(reply.Lines)
			t.logger.Debug("server capabilities", slog.String("capabilities", t.caps.String()))
			return nil
		}
		if force {
			return replyError(ErrUnavailable, "EHLO", reply)
		}
		t.logger.Debug("EHLO rejected, falling back to HELO", slog.Int("code", reply.Code))
	}

	reply, err := t.cmd("HELO " + identity)
	if err != nil {
		return err
	}
	if reply.Code != int(CodeOK) {
		return replyError(ErrUnavailable, "HELO", reply)
	}
	caps := newCapabilities()
	if f := strings.Fields(reply.Text()); len(f) > 0 {
		caps.Hostname = f[0]
	}
	t.caps = caps
	return nil
}

// identity is the name sent with EHLO/HELO: the configured local name, the
// reverse DNS name of the local address, or the address literal.
func (t *Transport) identity(ctx context.Context) string {
	if t.config.LocalName != "" {
		return toASCII(t.config.LocalName)
	}
	ip, err := utils.GetIPFromAddr(t.conn.LocalAddr())
	if err != nil {
		return "localhost"
	}
	if t.config.Resolver != nil {
		res, err := t.config.Resolver.LookupAddr(ctx, ip)
		if err == nil && len(res.Records) > 0 {
			if name := strings.TrimSuffix(res.Records[0], "."); name != "" {
				return toASCII(name)
			}
		}
		if err != nil {
			t.logger.Debug("reverse lookup of local address failed",
				slog.String("ip", ip.String()),
				slog.Any("error", err),
			)
		}
	}
	return utils.AddressLiteral(ip)
}

func toASCII(name string) string {
	if ascii, err := idna.Lookup.ToASCII(name); err == nil {
		return ascii
	}
	return name
}
