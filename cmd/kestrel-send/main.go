// Package main is a command-line client that delivers one message read from
// a file or standard input to the configured SMTP server.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/synqronlabs/kestrel"
	"github.com/synqronlabs/kestrel/internal/config"
	"github.com/synqronlabs/kestrel/utils"
)

// recipients collects -to flags. Each value may hold a comma-separated list.
type recipients []string

func (r *recipients) String() string {
	return strings.Join(*r, ",")
}

func (r *recipients) Set(v string) error {
	for addr := range strings.SplitSeq(v, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			*r = append(*r, addr)
		}
	}
	return nil
}

func main() {
	var to recipients
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	from := flag.String("from", "", "envelope sender")
	file := flag.String("file", "", "message file (default: standard input)")
	eightBit := flag.Bool("8bit", false, "declare the body as 8-bit even if it is 7-bit clean")
	flag.Var(&to, "to", "envelope recipient; repeatable or comma-separated")
	flag.Parse()

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	if *from == "" || len(to) == 0 {
		logger.Error("-from and at least one -to are required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, cfg, logger, *file, &kestrel.Envelope{
		From:     *from,
		To:       to,
		EightBit: *eightBit,
	}); err != nil {
		logger.Error("delivery failed", "error", err)
		os.Exit(exitCode(err))
	}
}

// run reads the message and delivers it over a fresh connection.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, path string, env *kestrel.Envelope) error {
	in := io.Reader(os.Stdin)
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open message: %w", err)
		}
		defer f.Close()
		in = f
	}

	body, err := readMessage(in, cfg.Message.MaxSize)
	if err != nil {
		return err
	}
	env.Body = bytes.NewReader(body)
	env.Size = int64(len(body))
	env.EightBit = env.EightBit || utils.HasNonASCII(body)

	tc, err := cfg.Transport(logger)
	if err != nil {
		return err
	}
	tr, err := kestrel.NewTransport(tc)
	if err != nil {
		return err
	}

	logger.Info("connecting",
		"host", tc.Host,
		"port", tc.Port,
		"security", tc.Security,
		"auth_enabled", cfg.AuthEnabled(),
		"size", config.Size(env.Size),
	)

	if err := tr.Connect(ctx); err != nil {
		return err
	}

	if err := tr.Send(ctx, env); err != nil {
		var smtpErr *kestrel.SMTPError
		if errors.As(err, &smtpErr) {
			// The session is still usable; leave it politely.
			_ = tr.Reset(ctx)
			_ = tr.Disconnect(ctx, true)
		} else {
			_ = tr.Disconnect(ctx, false)
		}
		return err
	}

	logger.Info("message delivered",
		"session_id", tr.SessionID(),
		"recipients", len(env.To),
		"tls", tr.IsTLS(),
	)
	return tr.Disconnect(ctx, true)
}

// readMessage reads the whole message, refusing anything over limit bytes.
// A zero limit disables the check.
func readMessage(r io.Reader, limit config.Size) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, int64(limit)+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	if limit > 0 && int64(len(body)) > int64(limit) {
		return nil, fmt.Errorf("message exceeds the configured limit of %s", limit)
	}
	return body, nil
}

// exitCode maps permanent failures to 1 and everything that may succeed on
// a later attempt to 75 (EX_TEMPFAIL).
func exitCode(err error) int {
	var smtpErr *kestrel.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return 1
	}
	if errors.Is(err, kestrel.ErrIO) || errors.As(err, &smtpErr) {
		return 75
	}
	return 1
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with the specified level
// and format, and returns it. Logs go to stderr so stdout stays clean.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
