// Package dns resolves the names an SMTP client needs: the addresses of
// the server it connects to and the reverse name of its own address.
package dns

import (
	"context"
	"errors"
	"net"
)

var (
	ErrDNSNotFound = errors.New("dns: no such record")
	ErrDNSTimeout  = errors.New("dns: query timed out")
	ErrDNSServFail = errors.New("dns: server failure")
	ErrDNSRefused  = errors.New("dns: query refused")
	ErrDNSBogus    = errors.New("dns: DNSSEC validation failed")
	ErrDNSInsecure = errors.New("dns: answer is not DNSSEC-authenticated")
)

// Resolver looks up the records used while connecting.
type Resolver interface {
	// LookupIP returns the A and AAAA records of domain, A first.
	LookupIP(ctx context.Context, domain string) (Result[net.IP], error)
	// LookupAddr returns the PTR names of ip, absolute with trailing dot.
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
}

// Result holds the records of one lookup. Authentic is set when the answer
// was DNSSEC-validated by the upstream resolver.
type Result[T any] struct {
	Records   []T
	Authentic bool
}

// IsNotFound reports whether err means the name or record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrDNSNotFound)
}

// IsTemporary reports whether a retry may succeed.
func IsTemporary(err error) bool {
	return errors.Is(err, ErrDNSTimeout) || errors.Is(err, ErrDNSServFail)
}
