package kestrel

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/sasl"
)

func TestConnectStartTLSAuthSend(t *testing.T) {
	conn := newScriptConn(
		"220 mail.example.com ESMTP ready\r\n",
		"250-mail.example.com\r\n250-STARTTLS\r\n250 AUTH PLAIN\r\n",
		"220 2.0.0 Ready to start TLS\r\n",
		"250-mail.example.com\r\n250-8BITMIME\r\n250 AUTH PLAIN LOGIN\r\n",
		"235 2.7.0 Authentication successful\r\n",
		"250 OK\r\n",
		"250 OK\r\n",
		"354 End data with <CR><LF>.<CR><LF>\r\n",
		"250 OK queued\r\n",
		"221 Bye\r\n",
	)
	up := &fakeUpgrader{}
	tr := newTestTransport(t, func(c *Config) {
		c.Security = SecurityStartTLS
		c.Upgrader = up
		c.Mechanism = "PLAIN"
		c.Credentials = &sasl.StaticCredentials{Username: "user", Password: "pass"}
	})
	ctx := context.Background()

	require.NoError(t, tr.Attach(ctx, conn))
	assert.True(t, tr.IsTLS())
	assert.True(t, tr.IsAuthenticated())
	assert.Equal(t, 1, up.calls)
	assert.Equal(t, []string{"mail.example.com"}, up.names)
	assert.Equal(t, "mail.example.com ESMTP ready", tr.Greeting())
	assert.NotEmpty(t, tr.SessionID())

	// Capabilities are the ones announced over the secured connection.
	caps := tr.Capabilities()
	require.NotNil(t, caps)
	assert.True(t, caps.EightBitMIME)
	assert.False(t, caps.StartTLS)

	require.NoError(t, tr.Send(ctx, &Envelope{
		From: "a@example.com",
		To:   []string{"b@example.com"},
		Body: strings.NewReader("Subject: hi\r\n\r\nhello\r\n"),
	}))
	require.NoError(t, tr.Disconnect(ctx, true))

	assert.Equal(t, "EHLO client.example.com\r\n"+
		"STARTTLS\r\n"+
		"EHLO client.example.com\r\n"+
		"AUTH PLAIN AHVzZXIAcGFzcw==\r\n"+
		"MAIL FROM:<a@example.com>\r\n"+
		"RCPT TO:<b@example.com>\r\n"+
		"DATA\r\n"+
		"Subject: hi\r\n\r\nhello\r\n.\r\n"+
		"QUIT\r\n", conn.Written())
	assert.True(t, conn.closed)
	assert.Nil(t, tr.Capabilities())
	assert.False(t, tr.IsTLS())
}

func TestAttachNegotiation(t *testing.T) {
	tests := []struct {
		name     string
		replies  []string
		written  string
		esmtp    bool
		hostname string
	}{
		{
			name:     "EHLO accepted",
			replies:  []string{"220 mail.example.com ESMTP\r\n", "250-mail.example.com greets you\r\n250 PIPELINING\r\n"},
			written:  "EHLO client.example.com\r\n",
			esmtp:    true,
			hostname: "mail.example.com",
		},
		{
			name:     "greeting without ESMTP",
			replies:  []string{"220 mail.example.com Service ready\r\n", "250 mail.example.com\r\n"},
			written:  "HELO client.example.com\r\n",
			hostname: "mail.example.com",
		},
		{
			name:     "EHLO rejected",
			replies:  []string{"220 mail.example.com ESMTP\r\n", "502 5.5.2 Command not recognized\r\n", "250 mail.example.com\r\n"},
			written:  "EHLO client.example.com\r\nHELO client.example.com\r\n",
			hostname: "mail.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newScriptConn(tt.replies...)
			tr := newTestTransport(t, nil)

			require.NoError(t, tr.Attach(context.Background(), conn))
			assert.Equal(t, tt.written, conn.Written())
			caps := tr.Capabilities()
			require.NotNil(t, caps)
			assert.Equal(t, tt.esmtp, caps.ESMTP)
			assert.Equal(t, tt.hostname, caps.Hostname)
		})
	}
}

func TestAttachGreetingFailures(t *testing.T) {
	tests := []struct {
		name     string
		replies  []string
		command  string
		code     int
		protocol bool
	}{
		{name: "rejected greeting", replies: []string{"554 5.3.2 No service\r\n"}, command: "greeting", code: 554},
		{name: "malformed greeting", replies: []string{"garbage\r\n"}, command: "greeting", code: 0, protocol: true},
		{
			name:    "EHLO and HELO rejected",
			replies: []string{"220 x ESMTP\r\n", "500 no\r\n", "501 go away\r\n"},
			command: "HELO",
			code:    501,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newScriptConn(tt.replies...)
			tr := newTestTransport(t, nil)

			err := tr.Attach(context.Background(), conn)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnavailable)
			assert.Equal(t, tt.protocol, errors.Is(err, ErrProtocolViolation))

			var smtpErr *SMTPError
			require.True(t, errors.As(err, &smtpErr))
			assert.Equal(t, tt.command, smtpErr.Command)
			assert.Equal(t, tt.code, smtpErr.Code)

			// The connection is given up politely.
			assert.True(t, strings.HasSuffix(conn.Written(), "QUIT\r\n"))
			assert.True(t, conn.closed)
			assert.Nil(t, tr.Capabilities())
		})
	}
}

func TestAttachTwice(t *testing.T) {
	tr := newTestTransport(t, nil)
	require.NoError(t, tr.Attach(context.Background(), newScriptConn("220 x ESMTP\r\n", "250 x\r\n")))
	assert.ErrorIs(t, tr.Attach(context.Background(), newScriptConn()), ErrAlreadyConnected)
	assert.ErrorIs(t, tr.Connect(context.Background()), ErrAlreadyConnected)
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		name      string
		localName string
		localIP   string
		resolver  dns.Resolver
		want      string
	}{
		{name: "configured name", localName: "client.example.com", want: "client.example.com"},
		{name: "internationalized name", localName: "bücher.example", want: "xn--bcher-kva.example"},
		{
			name:     "reverse lookup",
			resolver: dns.MockResolver{PTR: map[string][]string{"192.0.2.10": {"host.example.net."}}},
			want:     "host.example.net",
		},
		{name: "reverse lookup fails", resolver: dns.MockResolver{}, want: "[192.0.2.10]"},
		{name: "no resolver", want: "[192.0.2.10]"},
		{name: "ipv6 literal", localIP: "2001:db8::10", want: "[IPv6:2001:db8::10]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newScriptConn("220 x ESMTP\r\n", "250 x\r\n")
			if tt.localIP != "" {
				conn.local = &net.TCPAddr{IP: net.ParseIP(tt.localIP), Port: 40000}
			}
			tr := newTestTransport(t, func(c *Config) {
				c.LocalName = tt.localName
				c.Resolver = tt.resolver
			})

			require.NoError(t, tr.Attach(context.Background(), conn))
			assert.Equal(t, "EHLO "+tt.want+"\r\n", conn.Written())
		})
	}
}

func TestOpportunisticStartTLS(t *testing.T) {
	t.Run("not offered", func(t *testing.T) {
		conn := newScriptConn("220 x ESMTP\r\n", "250-x\r\n250 8BITMIME\r\n")
		up := &fakeUpgrader{}
		tr := newTestTransport(t, func(c *Config) {
			c.Security = SecurityStartTLS
			c.Upgrader = up
		})

		require.NoError(t, tr.Attach(context.Background(), conn))
		assert.False(t, tr.IsTLS())
		assert.Zero(t, up.calls)
		assert.Equal(t, "EHLO client.example.com\r\n", conn.Written())
	})

	t.Run("refused by server", func(t *testing.T) {
		conn := newScriptConn("220 x ESMTP\r\n", "250-x\r\n250 STARTTLS\r\n", "454 4.7.0 TLS not available\r\n")
		up := &fakeUpgrader{}
		tr := newTestTransport(t, func(c *Config) {
			c.Security = SecurityStartTLS
			c.Upgrader = up
		})

		require.NoError(t, tr.Attach(context.Background(), conn))
		assert.False(t, tr.IsTLS())
		assert.Zero(t, up.calls)
		assert.Equal(t, "EHLO client.example.com\r\nSTARTTLS\r\n", conn.Written())
		require.NotNil(t, tr.Capabilities())
		assert.True(t, tr.Capabilities().StartTLS)
	})

	t.Run("handshake fails", func(t *testing.T) {
		conn := newScriptConn("220 x ESMTP\r\n", "250-x\r\n250 STARTTLS\r\n", "220 go ahead\r\n")
		up := &fakeUpgrader{err: errors.New("certificate signed by unknown authority")}
		tr := newTestTransport(t, func(c *Config) {
			c.Security = SecurityStartTLS
			c.Upgrader = up
		})

		err := tr.Attach(context.Background(), conn)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSecureUpgradeFailed)
		assert.ErrorIs(t, err, ErrIO)
		// Never fall back to plaintext once the handshake was attempted.
		assert.Equal(t, "EHLO client.example.com\r\nSTARTTLS\r\n", conn.Written())
		assert.True(t, conn.closed)
	})

	t.Run("EHLO after upgrade rejected", func(t *testing.T) {
		conn := newScriptConn("220 x ESMTP\r\n", "250-x\r\n250 STARTTLS\r\n", "220 go ahead\r\n", "554 no\r\n", "221 bye\r\n")
		tr := newTestTransport(t, func(c *Config) { c.Security = SecurityStartTLS })

		err := tr.Attach(context.Background(), conn)
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Equal(t, "EHLO client.example.com\r\nSTARTTLS\r\nEHLO client.example.com\r\nQUIT\r\n", conn.Written())
	})
}

func TestStartTLSRequiredFallback(t *testing.T) {
	plain := newScriptConn("220 mail.example.com ESMTP\r\n", "250-mail.example.com\r\n250 8BITMIME\r\n", "221 Bye\r\n")
	secure := newScriptConn("220 mail.example.com ESMTP\r\n", "250-mail.example.com\r\n250 AUTH PLAIN\r\n")
	dialer := &scriptDialer{conns: map[string]net.Conn{
		"mail.example.com:25":  plain,
		"mail.example.com:465": secure,
	}}
	up := &fakeUpgrader{}
	tr := newTestTransport(t, func(c *Config) {
		c.Security = SecurityStartTLSRequired
		c.Dialer = dialer
		c.Upgrader = up
	})

	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, []string{"mail.example.com:25", "mail.example.com:465"}, dialer.dialed)
	assert.Equal(t, "EHLO client.example.com\r\nQUIT\r\n", plain.Written())
	assert.True(t, plain.closed)
	assert.Equal(t, "EHLO client.example.com\r\n", secure.Written())
	assert.Equal(t, 1, up.calls)
	assert.True(t, tr.IsTLS())
	assert.True(t, tr.Capabilities().SupportsAuth("PLAIN"))
}

func TestStartTLSRequired(t *testing.T) {
	t.Run("upgrade succeeds", func(t *testing.T) {
		conn := newScriptConn("220 x ESMTP\r\n", "250-x\r\n250 STARTTLS\r\n", "220 go ahead\r\n", "250 x\r\n")
		dialer := &scriptDialer{conns: map[string]net.Conn{"mail.example.com:25": conn}}
		tr := newTestTransport(t, func(c *Config) {
			c.Security = SecurityStartTLSRequired
			c.Dialer = dialer
		})

		require.NoError(t, tr.Connect(context.Background()))
		assert.Equal(t, []string{"mail.example.com:25"}, dialer.dialed)
		assert.True(t, tr.IsTLS())
	})

	t.Run("fallback port unreachable", func(t *testing.T) {
		conn := newScriptConn("220 x ESMTP\r\n", "250 x\r\n", "221 Bye\r\n")
		dialer := &scriptDialer{conns: map[string]net.Conn{"mail.example.com:25": conn}}
		tr := newTestTransport(t, func(c *Config) {
			c.Security = SecurityStartTLSRequired
			c.Dialer = dialer
		})

		err := tr.Connect(context.Background())
		assert.ErrorIs(t, err, ErrSecureUpgradeFailed)
		assert.ErrorIs(t, err, ErrIO)
		assert.Equal(t, []string{"mail.example.com:25", "mail.example.com:465"}, dialer.dialed)
		assert.Nil(t, tr.Capabilities())
	})
}

func TestImplicitTLS(t *testing.T) {
	t.Run("handshake before greeting", func(t *testing.T) {
		conn := newScriptConn("220 x ESMTP\r\n", "250-x\r\n250 STARTTLS\r\n")
		dialer := &scriptDialer{conns: map[string]net.Conn{"mail.example.com:465": conn}}
		up := &fakeUpgrader{}
		tr := newTestTransport(t, func(c *Config) {
			c.Security = SecurityTLS
			c.Dialer = dialer
			c.Upgrader = up
		})

		require.NoError(t, tr.Connect(context.Background()))
		assert.Equal(t, []string{"mail.example.com:465"}, dialer.dialed)
		assert.Equal(t, 1, up.calls)
		assert.True(t, tr.IsTLS())
		assert.Equal(t, "EHLO client.example.com\r\n", conn.Written())
	})

	t.Run("handshake fails", func(t *testing.T) {
		conn := newScriptConn()
		dialer := &scriptDialer{conns: map[string]net.Conn{"mail.example.com:465": conn}}
		tr := newTestTransport(t, func(c *Config) {
			c.Security = SecurityTLS
			c.Dialer = dialer
			c.Upgrader = &fakeUpgrader{err: errors.New("handshake failure")}
		})

		err := tr.Connect(context.Background())
		assert.ErrorIs(t, err, ErrSecureUpgradeFailed)
		assert.ErrorIs(t, err, ErrIO)
		assert.True(t, conn.closed)
		assert.Empty(t, conn.Written())
	})
}

func TestConnectAddressList(t *testing.T) {
	resolver := dns.MockResolver{A: map[string][]string{"mail.example.com.": {"192.0.2.1", "192.0.2.2"}}}

	t.Run("first reachable address", func(t *testing.T) {
		conn := newScriptConn("220 x ESMTP\r\n", "250 x\r\n")
		dialer := &scriptDialer{conns: map[string]net.Conn{"192.0.2.2:25": conn}}
		tr := newTestTransport(t, func(c *Config) {
			c.Dialer = dialer
			c.Resolver = resolver
		})

		require.NoError(t, tr.Connect(context.Background()))
		assert.Equal(t, []string{"192.0.2.1:25", "192.0.2.2:25"}, dialer.dialed)
	})

	t.Run("authenticated answer required and given", func(t *testing.T) {
		signed := resolver
		signed.AllAuthentic = true
		conn := newScriptConn("220 x ESMTP\r\n", "250 x\r\n")
		dialer := &scriptDialer{conns: map[string]net.Conn{"192.0.2.1:25": conn}}
		tr := newTestTransport(t, func(c *Config) {
			c.Dialer = dialer
			c.Resolver = signed
			c.RequireDNSSEC = true
		})

		require.NoError(t, tr.Connect(context.Background()))
		assert.Equal(t, []string{"192.0.2.1:25"}, dialer.dialed)
		assert.True(t, tr.dnsAuthentic)
	})

	t.Run("unauthenticated answer refused", func(t *testing.T) {
		dialer := &scriptDialer{}
		tr := newTestTransport(t, func(c *Config) {
			c.Dialer = dialer
			c.Resolver = resolver
			c.RequireDNSSEC = true
		})

		err := tr.Connect(context.Background())
		assert.ErrorIs(t, err, ErrIO)
		assert.ErrorIs(t, err, dns.ErrDNSInsecure)
		var ioErr *IOError
		require.True(t, errors.As(err, &ioErr))
		assert.Equal(t, "resolve", ioErr.Op)
		assert.Empty(t, dialer.dialed)
	})

	t.Run("failed lookup refused when authentication required", func(t *testing.T) {
		dialer := &scriptDialer{}
		tr := newTestTransport(t, func(c *Config) {
			c.Dialer = dialer
			c.Resolver = dns.MockResolver{AllAuthentic: true}
			c.RequireDNSSEC = true
		})

		err := tr.Connect(context.Background())
		assert.ErrorIs(t, err, dns.ErrDNSNotFound)
		assert.Empty(t, dialer.dialed)
	})

	t.Run("nothing reachable", func(t *testing.T) {
		dialer := &scriptDialer{}
		tr := newTestTransport(t, func(c *Config) {
			c.Dialer = dialer
			c.Resolver = resolver
		})

		err := tr.Connect(context.Background())
		assert.ErrorIs(t, err, ErrIO)
		var ioErr *IOError
		require.True(t, errors.As(err, &ioErr))
		assert.Equal(t, "dial", ioErr.Op)
		assert.Len(t, dialer.dialed, 2)
	})

	t.Run("lookup fails", func(t *testing.T) {
		dialer := &scriptDialer{}
		tr := newTestTransport(t, func(c *Config) {
			c.Dialer = dialer
			c.Resolver = dns.MockResolver{}
		})

		assert.ErrorIs(t, tr.Connect(context.Background()), ErrIO)
		assert.Equal(t, []string{"mail.example.com:25"}, dialer.dialed)
	})

	t.Run("ip literal host", func(t *testing.T) {
		dialer := &scriptDialer{}
		tr := newTestTransport(t, func(c *Config) {
			c.Host = "192.0.2.7"
			c.Dialer = dialer
			c.Resolver = resolver
		})

		assert.ErrorIs(t, tr.Connect(context.Background()), ErrIO)
		assert.Equal(t, []string{"192.0.2.7:25"}, dialer.dialed)
	})
}

func TestResetAndNoop(t *testing.T) {
	conn := newScriptConn("250 2.0.0 OK\r\n", "250 OK\r\n", "500 what\r\n")
	tr := connected(t, conn, esmtpCaps(), nil)
	ctx := context.Background()

	require.NoError(t, tr.Reset(ctx))
	require.NoError(t, tr.Noop(ctx))

	err := tr.Reset(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	var smtpErr *SMTPError
	require.True(t, errors.As(err, &smtpErr))
	assert.Equal(t, 500, smtpErr.Code)

	assert.Equal(t, "RSET\r\nNOOP\r\nRSET\r\n", conn.Written())
	assert.NotNil(t, tr.Capabilities())
}

func TestNotConnected(t *testing.T) {
	tr := newTestTransport(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, tr.Reset(ctx), ErrNoConnection)
	assert.ErrorIs(t, tr.Noop(ctx), ErrNoConnection)
	assert.ErrorIs(t, tr.Authenticate(ctx, sasl.NewAnonymous("")), ErrNoConnection)
	assert.ErrorIs(t, tr.Send(ctx, &Envelope{To: []string{"b@example.com"}, Body: strings.NewReader("")}), ErrNoConnection)
	assert.NoError(t, tr.Disconnect(ctx, true))
	assert.Nil(t, tr.Capabilities())
}

func TestDisconnect(t *testing.T) {
	t.Run("abrupt", func(t *testing.T) {
		conn := newScriptConn()
		tr := connected(t, conn, esmtpCaps(), nil)

		require.NoError(t, tr.Disconnect(context.Background(), false))
		assert.Empty(t, conn.Written())
		assert.True(t, conn.closed)
	})

	t.Run("QUIT unanswered", func(t *testing.T) {
		conn := newScriptConn()
		tr := connected(t, conn, esmtpCaps(), nil)

		err := tr.Disconnect(context.Background(), true)
		assert.ErrorIs(t, err, ErrIO)
		assert.Equal(t, "QUIT\r\n", conn.Written())
		assert.True(t, conn.closed)
		assert.Nil(t, tr.Capabilities())
	})
}

func TestCancellationAbortsExchange(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go io.Copy(io.Discard, server)

	tr := newTestTransport(t, nil)
	tr.attach(context.Background(), client, false)
	tr.unwatch()
	tr.caps = esmtpCaps()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	err := tr.Noop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, context.Canceled)

	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.True(t, ioErr.Timeout())

	// The connection is no longer usable.
	assert.Nil(t, tr.Capabilities())
	assert.ErrorIs(t, tr.Noop(context.Background()), ErrNoConnection)
}

func TestDeadlineAbortsExchange(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go io.Copy(io.Discard, server)

	tr := newTestTransport(t, func(c *Config) { c.CommandTimeout = 50 * time.Millisecond })
	tr.attach(context.Background(), client, false)
	tr.unwatch()
	tr.caps = esmtpCaps()

	err := tr.Reset(context.Background())
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.True(t, ioErr.Timeout())
	assert.NotErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancellationCauseReported(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go io.Copy(io.Discard, server)

	tr := newTestTransport(t, nil)
	tr.attach(context.Background(), client, false)
	tr.unwatch()
	tr.caps = esmtpCaps()

	errShutdown := errors.New("shutting down")
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(50*time.Millisecond, func() { cancel(errShutdown) })

	err := tr.Send(ctx, &Envelope{
		From: "a@example.com",
		To:   []string{"b@example.com"},
		Body: strings.NewReader("hi\r\n"),
	})
	assert.ErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, errShutdown)
	assert.ErrorContains(t, err, "shutting down")
}
