package dns

import (
	"context"
	"net"
	"slices"
)

// MockResolver is a Resolver used for testing. A and AAAA map FQDNs (with
// trailing dot) to addresses, PTR maps IP strings to names.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string

	// Fail contains lookups that return a temporary error (SERVFAIL).
	// Format: "type name", e.g. "a example.com." or "ptr 192.0.2.1".
	Fail []string

	// AllAuthentic sets Authentic on every answer.
	AllAuthentic bool
}

var _ Resolver = MockResolver{}

// ensureFQDN ensures the name ends with a dot.
func ensureFQDN(name string) string {
	if len(name) == 0 || name[len(name)-1] != '.' {
		return name + "."
	}
	return name
}

func (r MockResolver) fails(kind, name string) bool {
	return slices.Contains(r.Fail, kind+" "+name)
}

// LookupIP returns A and AAAA records for the given domain.
func (r MockResolver) LookupIP(ctx context.Context, domain string) (Result[net.IP], error) {
	result := Result[net.IP]{Authentic: r.AllAuthentic}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	fqdn := ensureFQDN(domain)
	if r.fails("a", fqdn) || r.fails("aaaa", fqdn) {
		return result, ErrDNSServFail
	}

	for _, ip := range r.A[fqdn] {
		result.Records = append(result.Records, net.ParseIP(ip))
	}
	for _, ip := range r.AAAA[fqdn] {
		result.Records = append(result.Records, net.ParseIP(ip))
	}
	if len(result.Records) == 0 {
		return result, ErrDNSNotFound
	}
	return result, nil
}

// LookupAddr performs a reverse DNS lookup.
func (r MockResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	result := Result[string]{Authentic: r.AllAuthentic}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	key := ip.String()
	if r.fails("ptr", key) {
		return result, ErrDNSServFail
	}

	records := r.PTR[key]
	if len(records) == 0 {
		return result, ErrDNSNotFound
	}
	result.Records = records
	return result, nil
}
