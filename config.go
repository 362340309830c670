package kestrel

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/idna"

	"github.com/synqronlabs/kestrel/dns"
	kio "github.com/synqronlabs/kestrel/io"
	"github.com/synqronlabs/kestrel/sasl"
)

// SecurityPolicy selects how the connection is protected.
type SecurityPolicy string

const (
	// SecurityNone never uses TLS.
	SecurityNone SecurityPolicy = "none"
	// SecurityStartTLS upgrades with STARTTLS when the server offers it and
	// otherwise stays in plaintext.
	SecurityStartTLS SecurityPolicy = "starttls"
	// SecurityStartTLSRequired upgrades with STARTTLS and, when that is not
	// possible, reconnects once to the dedicated TLS port.
	SecurityStartTLSRequired SecurityPolicy = "starttls-required"
	// SecurityTLS connects to the dedicated TLS port and handshakes before
	// any SMTP traffic.
	SecurityTLS SecurityPolicy = "tls"
)

const (
	DefaultPort            = 25
	DefaultTLSPort         = 465
	DefaultMaxAuthAttempts = 3
	DefaultConnectTimeout  = 30 * time.Second
	DefaultCommandTimeout  = 5 * time.Minute
)

// Config holds configuration for a Transport. It is copied by NewTransport
// and not modified afterwards.
type Config struct {
	Host      string         `validate:"required,hostname_rfc1123|ip"`
	Port      int            `validate:"gte=1,lte=65535"`
	TLSPort   int            `validate:"gte=1,lte=65535"`
	Security  SecurityPolicy `validate:"oneof=none starttls starttls-required tls"`
	LocalName string         `validate:"omitempty,max=255"` // EHLO identity; derived from the local address if empty
	LocalAddr string         `validate:"omitempty,ip"`      // Local address to bind to

	// Mechanism is the SASL mechanism used during Connect. Empty disables
	// authentication.
	Mechanism        string `validate:"omitempty,max=64"`
	MaxAuthAttempts  int    `validate:"gte=1,lte=10"`
	RehelloAfterAuth bool

	// RequireDNSSEC refuses to connect unless Resolver returns a
	// DNSSEC-authenticated address list for Host.
	RequireDNSSEC bool

	ConnectTimeout time.Duration `validate:"gte=0"`
	CommandTimeout time.Duration `validate:"gte=0"`
	BufferSize     int           `validate:"gte=0"`

	TLSConfig   *tls.Config           `validate:"-"`
	Credentials sasl.CredentialSource `validate:"-"`
	Mechanisms  *sasl.Registry        `validate:"-"`
	Dialer      Dialer                `validate:"-"`
	Upgrader    Upgrader              `validate:"-"`
	Resolver    dns.Resolver          `validate:"-"`
	Logger      *slog.Logger          `validate:"-"`
}

// DefaultConfig returns a Config with sensible defaults. Host must still be
// set.
func DefaultConfig() *Config {
	return &Config{
		Port:            DefaultPort,
		TLSPort:         DefaultTLSPort,
		Security:        SecurityStartTLS,
		MaxAuthAttempts: DefaultMaxAuthAttempts,
		ConnectTimeout:  DefaultConnectTimeout,
		CommandTimeout:  DefaultCommandTimeout,
		BufferSize:      kio.DefaultBufferSize,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("smtp: invalid config: %w", err)
	}
	if c.RequireDNSSEC && c.Resolver == nil {
		return errors.New("smtp: invalid config: RequireDNSSEC needs a Resolver")
	}
	if c.Mechanism != "" && c.Mechanisms != nil && !c.Mechanisms.Has(c.Mechanism) {
		return fmt.Errorf("%w: %s is not registered", ErrMechanismUnsupported, c.Mechanism)
	}
	return nil
}

func (c *Config) applyDefaults() {
	// Internationalized names are used in their A-label form on the wire,
	// for the TLS server name and for lookups.
	if ascii, err := idna.Lookup.ToASCII(c.Host); err == nil {
		c.Host = ascii
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.TLSPort == 0 {
		c.TLSPort = DefaultTLSPort
	}
	if c.Security == "" {
		c.Security = SecurityStartTLS
	}
	if c.MaxAuthAttempts == 0 {
		c.MaxAuthAttempts = DefaultMaxAuthAttempts
	}
	if c.BufferSize == 0 {
		c.BufferSize = kio.DefaultBufferSize
	}
	if c.Mechanisms == nil {
		c.Mechanisms = sasl.DefaultRegistry()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Upgrader == nil {
		c.Upgrader = &TLSUpgrader{Config: c.TLSConfig}
	}
	if c.Dialer == nil {
		d := &net.Dialer{Timeout: c.ConnectTimeout}
		if ip := net.ParseIP(c.LocalAddr); ip != nil {
			d.LocalAddr = &net.TCPAddr{IP: ip}
		}
		c.Dialer = d
	}
}
