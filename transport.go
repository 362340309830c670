package kestrel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/synqronlabs/kestrel/dns"
	kio "github.com/synqronlabs/kestrel/io"
	"github.com/synqronlabs/kestrel/sasl"
	"github.com/synqronlabs/kestrel/utils"
)

// MailTransport is the outbound side of a mail system: connect, optionally
// authenticate, hand over messages, disconnect.
type MailTransport interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context, mech sasl.Mechanism) error
	Send(ctx context.Context, env *Envelope) error
	Reset(ctx context.Context) error
	Disconnect(ctx context.Context, clean bool) error
}

var _ MailTransport = (*Transport)(nil)

// aLongTimeAgo is a deadline in the past, used to abort blocked I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Transport is an SMTP client connection to a single server. Methods are
// safe for concurrent use but exchanges are strictly sequential.
type Transport struct {
	config *Config
	logger *slog.Logger

	mu            sync.Mutex
	conn          net.Conn
	ch            *kio.Channel
	caps          *ServerCapabilities
	greeting      string
	serverName    string
	sessionID     string
	isTLS         bool
	authenticated bool
	dnsAuthentic  bool
	stops         []func() bool
}

// NewTransport validates config and returns a disconnected Transport.
func NewTransport(config *Config) (*Transport, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Transport{
		config:     &cfg,
		logger:     cfg.Logger,
		serverName: cfg.Host,
	}, nil
}

// Connect dials the server and runs the connect sequence: greeting and
// EHLO, the security policy, and authentication when a mechanism is
// configured. On failure the connection is closed.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch != nil {
		return ErrAlreadyConnected
	}
	defer t.unwatch()

	port, implicitTLS := t.config.Port, false
	if t.config.Security == SecurityTLS {
		port, implicitTLS = t.config.TLSPort, true
	}
	if err := t.dial(ctx, port, implicitTLS); err != nil {
		if implicitTLS {
			return withCause(ctx, secureFailed(err))
		}
		return withCause(ctx, err)
	}
	return withCause(ctx, t.abort(ctx, t.establish(ctx)))
}

// Attach runs the connect sequence over conn, an already established
// connection on which the server greeting has not been read yet. With
// SecurityTLS the connection is upgraded before the greeting.
func (t *Transport) Attach(ctx context.Context, conn net.Conn) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch != nil {
		return ErrAlreadyConnected
	}
	defer t.unwatch()

	if t.config.Security == SecurityTLS {
		tlsConn, err := t.config.Upgrader.Upgrade(ctx, conn, t.serverName)
		if err != nil {
			conn.Close()
			return secureFailed(&IOError{Op: "tls handshake", Err: err})
		}
		conn = tlsConn
	}
	t.attach(ctx, conn, t.config.Security == SecurityTLS)
	return withCause(ctx, t.abort(ctx, t.establish(ctx)))
}

func (t *Transport) establish(ctx context.Context) error {
	if err := t.negotiate(ctx, false); err != nil {
		if t.config.Security == SecurityTLS {
			return secureFailed(err)
		}
		return err
	}
	if err := t.secure(ctx); err != nil {
		return err
	}
	if t.config.Mechanism != "" {
		if err := t.login(ctx); err != nil {
			return err
		}
		if t.config.RehelloAfterAuth {
			if err := t.negotiate(ctx, true); err != nil {
				return err
			}
		}
	}
	t.logger.Info("connected",
		slog.Bool("tls", t.isTLS),
		slog.Bool("esmtp", t.caps.ESMTP),
		slog.Bool("authenticated", t.authenticated),
		slog.Bool("dnssec", t.dnsAuthentic),
	)
	return nil
}

// Reset sends RSET, abandoning the current mail transaction.
func (t *Transport) Reset(ctx context.Context) error {
	return t.simple(ctx, "RSET")
}

// Noop sends NOOP.
func (t *Transport) Noop(ctx context.Context) error {
	return t.simple(ctx, "NOOP")
}

func (t *Transport) simple(ctx context.Context, command string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch == nil {
		return ErrNoConnection
	}
	t.watch(ctx)
	defer t.unwatch()

	reply, err := t.cmd(command)
	if err != nil {
		return withCause(ctx, t.fail(err))
	}
	if reply.Code != int(CodeOK) {
		return replyError(ErrUnavailable, command, reply)
	}
	return nil
}

// Disconnect closes the connection. With clean set QUIT is sent first and
// its reply awaited; a failure there does not prevent the close.
func (t *Transport) Disconnect(ctx context.Context, clean bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch == nil {
		return nil
	}
	t.watch(ctx)
	defer t.unwatch()

	return withCause(ctx, t.disconnect(ctx, clean))
}

func (t *Transport) disconnect(_ context.Context, clean bool) error {
	if t.ch == nil {
		return nil
	}
	var quitErr error
	if clean {
		if reply, err := t.cmd("QUIT"); err != nil {
			quitErr = err
		} else if reply.Code != int(CodeServiceClosing) {
			t.logger.Debug("unexpected reply to QUIT", slog.Int("code", reply.Code))
		}
	}
	err := t.ch.Close()
	t.drop()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &IOError{Op: "close", Err: err}
	}
	t.logger.Debug("disconnected")
	return quitErr
}

// Capabilities returns what the server advertised, or nil when not
// connected.
func (t *Transport) Capabilities() *ServerCapabilities {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.caps
}

// Greeting returns the text of the server greeting.
func (t *Transport) Greeting() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.greeting
}

// IsTLS reports whether the connection is encrypted.
func (t *Transport) IsTLS() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isTLS
}

// IsAuthenticated reports whether an AUTH exchange succeeded on this
// connection.
func (t *Transport) IsAuthenticated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authenticated
}

// SessionID identifies the current connection in log records.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// dial connects to port on the first reachable address of the host.
func (t *Transport) dial(ctx context.Context, port int, implicitTLS bool) error {
	hosts, err := t.endpoints(ctx)
	if err != nil {
		return err
	}

	var conn net.Conn
	for _, host := range hosts {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		conn, err = t.config.Dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
		t.logger.Debug("connect attempt failed", slog.String("address", addr), slog.Any("error", err))
	}
	if conn == nil {
		return &IOError{Op: "dial", Err: err}
	}

	if implicitTLS {
		tlsConn, err := t.config.Upgrader.Upgrade(ctx, conn, t.serverName)
		if err != nil {
			conn.Close()
			return secureFailed(&IOError{Op: "tls handshake", Err: err})
		}
		conn = tlsConn
	}
	t.attach(ctx, conn, implicitTLS)
	return nil
}

// endpoints lists the addresses to try. Without a resolver, or for an IP
// literal, the host itself is handed to the dialer. With RequireDNSSEC an
// answer the resolver could not authenticate is refused.
func (t *Transport) endpoints(ctx context.Context) ([]string, error) {
	host := t.config.Host
	t.dnsAuthentic = false
	if t.config.Resolver == nil || utils.IsIPLiteral(host) {
		return []string{host}, nil
	}
	res, err := t.config.Resolver.LookupIP(ctx, host)
	if t.config.RequireDNSSEC {
		if err == nil && !res.Authentic {
			err = dns.ErrDNSInsecure
		}
		if err != nil {
			return nil, &IOError{Op: "resolve", Err: err}
		}
	}
	if err != nil || len(res.Records) == 0 {
		t.logger.Debug("address lookup failed, dialing by name", slog.String("host", host), slog.Any("error", err))
		return []string{host}, nil
	}
	t.dnsAuthentic = res.Authentic
	hosts := make([]string, len(res.Records))
	for i, ip := range res.Records {
		hosts[i] = ip.String()
	}
	return hosts, nil
}

func (t *Transport) attach(ctx context.Context, conn net.Conn, secure bool) {
	t.conn = conn
	t.ch = kio.NewChannelSize(conn, t.config.BufferSize)
	t.caps = nil
	t.greeting = ""
	t.isTLS = secure
	t.authenticated = false
	t.sessionID = ulid.Make().String()
	t.logger = t.config.Logger.With(
		slog.String("session_id", t.sessionID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)
	t.watch(ctx)
}

// drop forgets the connection. The channel must already be closed or be
// abandoned.
func (t *Transport) drop() {
	t.unwatch()
	t.conn = nil
	t.ch = nil
	t.caps = nil
	t.isTLS = false
	t.authenticated = false
}

// fail closes the connection when err left it in an unknown state.
func (t *Transport) fail(err error) error {
	if err == nil || t.ch == nil {
		return err
	}
	if errors.Is(err, ErrIO) {
		t.ch.Close()
		t.drop()
	}
	return err
}

// abort ends a connect sequence that failed. A connection still in a known
// state is closed with QUIT.
func (t *Transport) abort(ctx context.Context, err error) error {
	if err == nil || t.ch == nil {
		return err
	}
	if errors.Is(err, ErrIO) {
		t.ch.Close()
		t.drop()
		return err
	}
	t.disconnect(ctx, true)
	return err
}

// watch applies the context deadline, capped by CommandTimeout, to the
// connection and aborts blocked I/O when the context is cancelled.
func (t *Transport) watch(ctx context.Context) {
	conn := t.conn
	deadline, ok := ctx.Deadline()
	if d := t.config.CommandTimeout; d > 0 {
		if cmdDeadline := time.Now().Add(d); !ok || cmdDeadline.Before(deadline) {
			deadline, ok = cmdDeadline, true
		}
	}
	if ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Time{})
	}
	t.stops = append(t.stops, context.AfterFunc(ctx, func() {
		conn.SetDeadline(aLongTimeAgo)
	}))
}

func (t *Transport) unwatch() {
	for _, stop := range t.stops {
		stop()
	}
	t.stops = t.stops[:0]
}

// readReply reads one reply, decoding it with enhanced status codes when
// the server advertised them.
func (t *Transport) readReply() (*Reply, error) {
	enhanced := t.caps != nil && t.caps.EnhancedStatusCodes
	reply, err := readReply(t.ch, enhanced)
	if err != nil {
		return nil, err
	}
	if t.logger.Enabled(context.Background(), slog.LevelDebug) {
		for _, line := range reply.Lines {
			t.logger.Debug("server reply", slog.Int("code", reply.Code), slog.String("line", line))
		}
	}
	return reply, nil
}

// writeLine sends one command line and flushes it.
func (t *Transport) writeLine(line string) error {
	return t.writeSecret(line, line)
}

// writeSecret sends line but logs logged in its place.
func (t *Transport) writeSecret(line, logged string) error {
	t.logger.Debug("client command", slog.String("line", logged))
	if _, err := t.ch.WriteString(line + "\r\n"); err != nil {
		return &IOError{Op: "write command", Err: err}
	}
	if err := t.ch.Flush(); err != nil {
		return &IOError{Op: "write command", Err: err}
	}
	return nil
}

// cmd sends a command and reads its reply.
func (t *Transport) cmd(command string) (*Reply, error) {
	if err := t.writeLine(command); err != nil {
		return nil, err
	}
	return t.readReply()
}
