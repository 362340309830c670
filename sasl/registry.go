package sasl

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Factory builds a Mechanism for one attempt. creds is nil when the
// transport has no credential source.
type Factory func(creds *Credentials) (Mechanism, error)

// Registry maps mechanism names to factories. Names are matched exactly,
// as servers advertise them.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a new Registry holding PLAIN, LOGIN, CRAM-MD5 and
// ANONYMOUS.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("PLAIN", func(creds *Credentials) (Mechanism, error) {
		if creds == nil {
			return nil, ErrNoCredentials
		}
		return NewPlain(creds), nil
	})
	r.Register("LOGIN", func(creds *Credentials) (Mechanism, error) {
		if creds == nil {
			return nil, ErrNoCredentials
		}
		return NewLogin(creds.Username, creds.Password), nil
	})
	r.Register("CRAM-MD5", func(creds *Credentials) (Mechanism, error) {
		if creds == nil {
			return nil, ErrNoCredentials
		}
		return NewCramMD5(creds.Username, creds.Password), nil
	})
	r.Register("ANONYMOUS", func(creds *Credentials) (Mechanism, error) {
		trace := ""
		if creds != nil {
			trace = creds.Username
		}
		return NewAnonymous(trace), nil
	})
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered mechanism names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// New builds the mechanism registered as name.
func (r *Registry) New(name string, creds *Credentials) (Mechanism, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMechanism, name)
	}
	return f(creds)
}

// Request describes what credentials are needed for.
type Request struct {
	Mechanism string
	Host      string
	// Retry is set when earlier credentials were rejected; Reason carries
	// the server's answer.
	Retry  bool
	Reason string
}

// CredentialSource supplies credentials, typically by asking a user or a
// secret store.
type CredentialSource interface {
	Credentials(ctx context.Context, req Request) (*Credentials, error)
	// Forget discards credentials the server rejected.
	Forget(req Request)
}

// StaticCredentials is a CredentialSource with a fixed set of credentials.
// Rejected credentials are not offered again.
type StaticCredentials Credentials

// Credentials returns the fixed credentials on the first request.
func (s *StaticCredentials) Credentials(_ context.Context, req Request) (*Credentials, error) {
	if req.Retry {
		return nil, fmt.Errorf("%w: %s rejected the configured credentials", ErrNoCredentials, req.Host)
	}
	c := Credentials(*s)
	return &c, nil
}

// Forget is a no-op.
func (s *StaticCredentials) Forget(Request) {}

// CredentialFunc adapts a function to CredentialSource. Forget is a no-op.
type CredentialFunc func(ctx context.Context, req Request) (*Credentials, error)

func (f CredentialFunc) Credentials(ctx context.Context, req Request) (*Credentials, error) {
	return f(ctx, req)
}

func (f CredentialFunc) Forget(Request) {}
