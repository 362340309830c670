package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	mdns "github.com/miekg/dns"
)

const resolvConf = "/etc/resolv.conf"

// fallbackNameservers are used when resolv.conf lists none.
var fallbackNameservers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// ResolverConfig contains configuration for the DNS resolver.
type ResolverConfig struct {
	// Nameservers are queried in order, as "host:port". Empty means the
	// servers from /etc/resolv.conf.
	Nameservers []string

	// DNSSEC sets the DO bit; Result.Authentic then reports whether the
	// upstream resolver validated the answer.
	DNSSEC bool

	// Timeout bounds a single exchange with one nameserver. Default is 5 seconds.
	Timeout time.Duration

	// Retries is how many extra passes over Nameservers are made. Default is 2.
	Retries int
}

// DNSResolver implements Resolver by querying nameservers directly with
// github.com/miekg/dns.
type DNSResolver struct {
	config ResolverConfig
	client *mdns.Client
}

// NewResolver creates a DNSResolver, filling in defaults.
func NewResolver(config ResolverConfig) *DNSResolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries == 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}
	return &DNSResolver{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

// Config returns the resolver's current configuration.
func (r *DNSResolver) Config() ResolverConfig {
	return r.config
}

func systemNameservers() []string {
	cc, err := mdns.ClientConfigFromFile(resolvConf)
	if err != nil || len(cc.Servers) == 0 {
		return fallbackNameservers
	}
	servers := make([]string, len(cc.Servers))
	for i, s := range cc.Servers {
		servers[i] = net.JoinHostPort(s, cc.Port)
	}
	return servers
}

// answer is one successful response.
type answer struct {
	rrs       []mdns.RR
	authentic bool
}

// LookupIP returns the A records of domain followed by its AAAA records.
// A failure of one family is tolerated when the other has addresses.
func (r *DNSResolver) LookupIP(ctx context.Context, domain string) (Result[net.IP], error) {
	var res Result[net.IP]
	var errs []error
	res.Authentic = true

	for _, qtype := range []uint16{mdns.TypeA, mdns.TypeAAAA} {
		ans, err := r.query(ctx, domain, qtype)
		if err != nil {
			if !IsNotFound(err) {
				errs = append(errs, err)
			}
			continue
		}
		res.Authentic = res.Authentic && ans.authentic
		for _, rr := range ans.rrs {
			switch rr := rr.(type) {
			case *mdns.A:
				res.Records = append(res.Records, rr.A)
			case *mdns.AAAA:
				res.Records = append(res.Records, rr.AAAA)
			}
		}
	}

	switch {
	case len(res.Records) > 0:
		return res, nil
	case len(errs) > 0:
		return Result[net.IP]{}, errs[0]
	default:
		return Result[net.IP]{}, ErrDNSNotFound
	}
}

// LookupAddr returns the PTR names of ip.
func (r *DNSResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, errors.New("dns: nil IP address")
	}
	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return Result[string]{}, fmt.Errorf("dns: invalid IP for reverse lookup: %w", err)
	}

	ans, err := r.query(ctx, arpa, mdns.TypePTR)
	if err != nil {
		return Result[string]{}, err
	}
	res := Result[string]{Authentic: ans.authentic}
	for _, rr := range ans.rrs {
		if ptr, ok := rr.(*mdns.PTR); ok {
			res.Records = append(res.Records, ptr.Ptr)
		}
	}
	if len(res.Records) == 0 {
		return Result[string]{}, ErrDNSNotFound
	}
	return res, nil
}

// query asks every nameserver in turn, for 1+Retries passes, and returns
// the first conclusive answer. NXDOMAIN is conclusive; SERVFAIL, REFUSED
// and transport errors move on to the next server.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (answer, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	m.RecursionDesired = true
	if r.config.DNSSEC {
		m.SetEdns0(4096, true)
	}

	lastErr := ErrDNSServFail
	for range r.config.Retries + 1 {
		for _, server := range r.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return answer{}, err
			}
			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = exchangeError(server, err)
				continue
			}
			if resp.Rcode == mdns.RcodeSuccess {
				return answer{
					rrs:       resp.Answer,
					authentic: r.config.DNSSEC && resp.AuthenticatedData,
				}, nil
			}
			if resp.Rcode == mdns.RcodeNameError {
				return answer{}, ErrDNSNotFound
			}
			lastErr = r.rcodeError(resp.Rcode)
		}
	}
	return answer{}, lastErr
}

func (r *DNSResolver) rcodeError(rcode int) error {
	switch rcode {
	case mdns.RcodeServerFailure:
		// Validating resolvers answer SERVFAIL for bogus data.
		if r.config.DNSSEC {
			return ErrDNSBogus
		}
		return ErrDNSServFail
	case mdns.RcodeRefused:
		return ErrDNSRefused
	default:
		return fmt.Errorf("dns: unexpected rcode %s", mdns.RcodeToString[rcode])
	}
}

func exchangeError(server string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s: %w", ErrDNSTimeout, server, err)
	}
	return fmt.Errorf("dns: query to %s failed: %w", server, err)
}
