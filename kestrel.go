// Package kestrel is an outbound SMTP transport: it connects to a mail
// server, negotiates ESMTP extensions, secures the connection, authenticates
// with SASL and runs mail transactions.
//
// # Quick Start
//
//	cfg := kestrel.DefaultConfig()
//	cfg.Host = "smtp.example.com"
//	cfg.Port = 587
//	cfg.Security = kestrel.SecurityStartTLSRequired
//	cfg.Mechanism = "PLAIN"
//	cfg.Credentials = &sasl.StaticCredentials{Username: "user", Password: "secret"}
//
//	tr, err := kestrel.NewTransport(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := tr.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer tr.Disconnect(ctx, true)
//
//	err = tr.Send(ctx, &kestrel.Envelope{
//	    From: "sender@example.com",
//	    To:   []string{"rcpt@example.com"},
//	    Body: strings.NewReader(message),
//	})
//
// # Security Policies
//
//   - SecurityNone never upgrades the connection.
//   - SecurityStartTLS upgrades when the server offers STARTTLS and continues
//     in plaintext otherwise. A failed handshake is always fatal.
//   - SecurityStartTLSRequired refuses plaintext. When STARTTLS is not
//     available it retries on TLSPort with implicit TLS.
//   - SecurityTLS performs the TLS handshake before the greeting.
//
// # Errors
//
// Every failure matches one of the Err* sentinels with errors.Is. Replies
// the server rejected are reported as *SMTPError, transport failures as
// *IOError. An *IOError always closes the connection, as does any failure
// during Connect. A rejected transaction leaves the session usable: call
// Reset and try again.
//
// # Logging
//
// Commands and replies are logged at debug level through Config.Logger with
// the session ID attached. AUTH payloads are never logged.
package kestrel
