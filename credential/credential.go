package credential

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/c360/wsfeed/errors"
)

// Provider yields the handshake headers for one profile
type Provider interface {
	Headers(ctx context.Context) (map[string]string, error)
}

// invalidator is implemented by providers that cache what they resolve
type invalidator interface {
	Invalidate()
}

// Static is a provider with fixed headers
type Static map[string]string

// Headers returns a copy of the fixed headers
func (s Static) Headers(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// Set maps profile names to providers. It satisfies the supervisor's credential
// resolver and invalidator contracts.
type Set struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewSet creates an empty credential set
func NewSet() *Set {
	return &Set{providers: make(map[string]Provider)}
}

// Add registers provider under name, replacing any earlier registration
func (s *Set) Add(name string, provider Provider) error {
	if name == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: profile name", errors.ErrMissingConfig),
			"CredentialSet", "Add", "register profile")
	}
	if provider == nil {
		return errors.WrapInvalid(fmt.Errorf("%w: provider for %q", errors.ErrMissingConfig, name),
			"CredentialSet", "Add", "register profile")
	}

	s.mu.Lock()
	s.providers[name] = provider
	s.mu.Unlock()
	return nil
}

// Profiles lists the registered profile names in order
func (s *Set) Profiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveHeaders returns the headers of the named profile
func (s *Set) ResolveHeaders(ctx context.Context, profile string) (map[string]string, error) {
	s.mu.RLock()
	p, ok := s.providers[profile]
	s.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown profile %q", errors.ErrNoCredential, profile),
			"CredentialSet", "ResolveHeaders", "lookup profile")
	}
	return p.Headers(ctx)
}

// Invalidate drops whatever the named profile has cached
func (s *Set) Invalidate(profile string) {
	s.mu.RLock()
	p, ok := s.providers[profile]
	s.mu.RUnlock()

	if !ok {
		return
	}
	if inv, ok := p.(invalidator); ok {
		inv.Invalidate()
	}
}
