// Package config loads the kestrel-send configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/synqronlabs/kestrel"
	"github.com/synqronlabs/kestrel/dns"
	"github.com/synqronlabs/kestrel/sasl"
)

// defaultMaxMessageSize is 25 MiB.
const defaultMaxMessageSize = 25 * units.MiB

// Config holds the complete kestrel-send configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	DNS     DNSConfig     `yaml:"dns"`
	Message MessageConfig `yaml:"message"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig describes the server to deliver to.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	TLSPort        int           `yaml:"tls_port"`
	Security       string        `yaml:"security"`
	LocalName      string        `yaml:"local_name"`
	LocalAddr      string        `yaml:"local_addr"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	CAFile         string        `yaml:"ca_file"`
	SkipVerify     bool          `yaml:"insecure_skip_verify"`
}

// AuthConfig holds SMTP AUTH settings. An empty mechanism disables
// authentication.
type AuthConfig struct {
	Mechanism        string `yaml:"mechanism"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	AuthorizationID  string `yaml:"authorization_id"`
	MaxAttempts      int    `yaml:"max_attempts"`
	RehelloAfterAuth bool   `yaml:"rehello_after_auth"`
}

// DNSConfig selects the resolver. Without nameservers the system resolver
// used by the dialer is relied upon.
type DNSConfig struct {
	Nameservers []string      `yaml:"nameservers"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	DNSSEC      bool          `yaml:"dnssec"`

	// RequireDNSSEC refuses servers whose address records are not
	// DNSSEC-authenticated. It implies DNSSEC.
	RequireDNSSEC bool `yaml:"require_dnssec"`
}

// MessageConfig limits what is sent.
type MessageConfig struct {
	MaxSize Size `yaml:"max_size"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Size is a byte count written either as a number or in human-readable
// form such as "10MB" or "512k". Units are binary.
type Size int64

// UnmarshalYAML accepts both integers and size strings.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = n
	return nil
}

// String renders the size the way it is accepted.
func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// ParseSize parses a human-readable size.
func ParseSize(v string) (Size, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	return Size(n), nil
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// AuthEnabled returns true if a mechanism is configured.
func (c *Config) AuthEnabled() bool {
	return c.Auth.Mechanism != ""
}

// Transport builds the transport configuration. Validation is left to
// kestrel.NewTransport.
func (c *Config) Transport(logger *slog.Logger) (*kestrel.Config, error) {
	cfg := kestrel.DefaultConfig()
	cfg.Host = c.Server.Host
	cfg.Port = c.Server.Port
	cfg.TLSPort = c.Server.TLSPort
	cfg.Security = kestrel.SecurityPolicy(c.Server.Security)
	cfg.LocalName = c.Server.LocalName
	cfg.LocalAddr = c.Server.LocalAddr
	cfg.ConnectTimeout = c.Server.ConnectTimeout
	cfg.CommandTimeout = c.Server.CommandTimeout
	cfg.Mechanism = c.Auth.Mechanism
	cfg.MaxAuthAttempts = c.Auth.MaxAttempts
	cfg.RehelloAfterAuth = c.Auth.RehelloAfterAuth
	cfg.Logger = logger

	tlsConfig, err := c.tlsConfig()
	if err != nil {
		return nil, err
	}
	cfg.TLSConfig = tlsConfig

	if c.Auth.Username != "" || c.Auth.Password != "" {
		cfg.Credentials = &sasl.StaticCredentials{
			AuthorizationID: c.Auth.AuthorizationID,
			Username:        c.Auth.Username,
			Password:        c.Auth.Password,
		}
	}

	// Authenticated answers need a resolver of our own; the system
	// resolver used by the dialer does not report them.
	if len(c.DNS.Nameservers) > 0 || c.DNS.RequireDNSSEC {
		servers := make([]string, len(c.DNS.Nameservers))
		for i, ns := range c.DNS.Nameservers {
			servers[i] = withPort(strings.TrimSpace(ns), "53")
		}
		cfg.Resolver = dns.NewResolver(dns.ResolverConfig{
			Nameservers: servers,
			Timeout:     c.DNS.Timeout,
			Retries:     c.DNS.Retries,
			DNSSEC:      c.DNS.DNSSEC || c.DNS.RequireDNSSEC,
		})
	}
	cfg.RequireDNSSEC = c.DNS.RequireDNSSEC
	return cfg, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.Server.SkipVerify,
	}
	if c.Server.CAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(c.Server.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", c.Server.CAFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// withPort adds port to a host given without one.
func withPort(hostport, port string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(strings.Trim(hostport, "[]"), port)
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Server.Port = kestrel.DefaultPort
	c.Server.TLSPort = kestrel.DefaultTLSPort
	c.Server.Security = string(kestrel.SecurityStartTLS)
	c.Server.ConnectTimeout = kestrel.DefaultConnectTimeout
	c.Server.CommandTimeout = kestrel.DefaultCommandTimeout
	c.Auth.MaxAttempts = kestrel.DefaultMaxAuthAttempts
	c.Message.MaxSize = defaultMaxMessageSize
	c.Logging.Level = "info"
	c.Logging.Format = "text"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	if v := os.Getenv("KESTREL_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid KESTREL_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("KESTREL_SECURITY"); v != "" {
		c.Server.Security = strings.ToLower(v)
	}
	if v := os.Getenv("KESTREL_LOCAL_NAME"); v != "" {
		c.Server.LocalName = v
	}

	if v := os.Getenv("KESTREL_AUTH_MECHANISM"); v != "" {
		c.Auth.Mechanism = strings.ToUpper(v)
	}
	if v := os.Getenv("KESTREL_USERNAME"); v != "" {
		c.Auth.Username = v
	}
	if v := os.Getenv("KESTREL_PASSWORD"); v != "" {
		c.Auth.Password = v
	}

	if v := os.Getenv("KESTREL_NAMESERVERS"); v != "" {
		c.DNS.Nameservers = strings.Split(v, ",")
	}

	if v := os.Getenv("KESTREL_MAX_MESSAGE_SIZE"); v != "" {
		size, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("invalid KESTREL_MAX_MESSAGE_SIZE: %w", err)
		}
		c.Message.MaxSize = size
	}

	if v := os.Getenv("KESTREL_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("KESTREL_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	return nil
}
