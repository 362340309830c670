package kestrel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
)

var errStartTLSNotOffered = fmt.Errorf("%w: STARTTLS not offered by server", ErrSecureUpgradeFailed)

// Dialer opens the transport connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Upgrader turns an established connection into a secure one, either
// right after connecting to the dedicated TLS port or after STARTTLS.
type Upgrader interface {
	Upgrade(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error)
}

// TLSUpgrader is the default Upgrader, a crypto/tls client handshake.
type TLSUpgrader struct {
	Config *tls.Config
}

// Upgrade performs the handshake. serverName is used for certificate
// verification unless Config already names a server.
func (u *TLSUpgrader) Upgrade(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	cfg := u.Config
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg = cfg.Clone()
		cfg.ServerName = serverName
	}
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// secure applies the security policy after the first greeting exchange.
func (t *Transport) secure(ctx context.Context) error {
	switch t.config.Security {
	case SecurityStartTLS:
		if t.isTLS {
			return nil
		}
		if !t.caps.StartTLS {
			t.logger.Info("server does not offer STARTTLS, continuing in plaintext")
			return nil
		}
		err := t.startTLS(ctx)
		if err == nil {
			return t.negotiate(ctx, true)
		}
		if errors.Is(err, ErrIO) {
			return err
		}
		t.logger.Warn("STARTTLS refused, continuing in plaintext", slog.Any("error", err))
		return nil

	case SecurityStartTLSRequired:
		if t.isTLS {
			return nil
		}
		err := errStartTLSNotOffered
		if t.caps.StartTLS {
			err = t.startTLS(ctx)
		}
		if err == nil {
			return t.negotiate(ctx, true)
		}
		t.logger.Warn("STARTTLS failed, falling back to the TLS port",
			slog.Int("port", t.config.TLSPort),
			slog.Any("error", err),
		)
		t.disconnect(ctx, !errors.Is(err, ErrIO))
		if err := t.dial(ctx, t.config.TLSPort, true); err != nil {
			return secureFailed(err)
		}
		if err := t.negotiate(ctx, false); err != nil {
			return secureFailed(err)
		}
		return nil
	}
	return nil
}

// startTLS issues STARTTLS and upgrades the connection in place. The
// capabilities are invalid afterwards and the caller decides whether to
// renegotiate.
func (t *Transport) startTLS(ctx context.Context) error {
	reply, err := t.cmd("STARTTLS")
	if err != nil {
		return err
	}
	if reply.Code != int(CodeServiceReady) {
		return replyError(ErrSecureUpgradeFailed, "STARTTLS", reply)
	}

	tlsConn, err := t.config.Upgrader.Upgrade(ctx, t.conn, t.serverName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSecureUpgradeFailed, &IOError{Op: "tls handshake", Err: err})
	}
	if n := t.ch.Reset(tlsConn); n > 0 {
		t.logger.Warn("discarded plaintext received after STARTTLS", slog.Int("bytes", n))
	}
	t.conn = tlsConn
	t.isTLS = true
	t.caps = nil
	t.logger.Debug("connection upgraded with STARTTLS")
	return nil
}

func secureFailed(err error) error {
	if errors.Is(err, ErrSecureUpgradeFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSecureUpgradeFailed, err)
}
