package kestrel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// scriptConn is a net.Conn that answers each Read with the next scripted
// server reply and records everything written to it.
type scriptConn struct {
	mu      sync.Mutex
	replies []string
	written bytes.Buffer
	reads   int
	writes  int
	closed  bool
	local   net.Addr
	remote  net.Addr
}

func newScriptConn(replies ...string) *scriptConn {
	return &scriptConn{
		replies: replies,
		local:   &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 40000},
		remote:  &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 25},
	}
}

func (c *scriptConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if c.closed {
		return 0, net.ErrClosed
	}
	if len(c.replies) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.replies[0])
	if n < len(c.replies[0]) {
		c.replies[0] = c.replies[0][n:]
	} else {
		c.replies = c.replies[1:]
	}
	return n, nil
}

func (c *scriptConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes++
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.written.Write(p)
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *scriptConn) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

func (c *scriptConn) LocalAddr() net.Addr              { return c.local }
func (c *scriptConn) RemoteAddr() net.Addr             { return c.remote }
func (c *scriptConn) SetDeadline(time.Time) error      { return nil }
func (c *scriptConn) SetReadDeadline(time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(time.Time) error { return nil }

// fakeUpgrader pretends to secure a connection by handing it back as is.
type fakeUpgrader struct {
	calls int
	names []string
	err   error
}

func (u *fakeUpgrader) Upgrade(_ context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	u.calls++
	u.names = append(u.names, serverName)
	if u.err != nil {
		return nil, u.err
	}
	return conn, nil
}

// scriptDialer hands out connections by address and records dial order.
type scriptDialer struct {
	conns  map[string]net.Conn
	dialed []string
}

func (d *scriptDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.dialed = append(d.dialed, address)
	if c, ok := d.conns[address]; ok {
		return c, nil
	}
	return nil, errors.New("connection refused")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Host = "mail.example.com"
	cfg.LocalName = "client.example.com"
	cfg.Security = SecurityNone
	cfg.Upgrader = &fakeUpgrader{}
	cfg.Logger = discardLogger()
	return cfg
}

func newTestTransport(t *testing.T, mutate func(*Config)) *Transport {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	tr, err := NewTransport(cfg)
	require.NoError(t, err)
	return tr
}

// connected returns a Transport attached to conn with caps in place, as if
// the greeting exchange had already happened.
func connected(t *testing.T, conn *scriptConn, caps *ServerCapabilities, mutate func(*Config)) *Transport {
	t.Helper()
	tr := newTestTransport(t, mutate)
	tr.attach(context.Background(), conn, false)
	tr.unwatch()
	tr.caps = caps
	return tr
}

func esmtpCaps(lines ...string) *ServerCapabilities {
	return parseCapabilities(append([]string{"mail.example.com"}, lines...))
}
