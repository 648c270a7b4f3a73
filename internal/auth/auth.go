package auth

import (
	"errors"
	"sync"
)

// ErrNotWhitelisted rejects a store mutation from an unregistered caller.
var ErrNotWhitelisted = errors.New("caller not whitelisted")

// Credential identifies a caller allowed to mutate the ledger and position
// stores. Handlers receive their credential at wiring time; the stores check
// it on every mutating entry point.
type Credential string

// Registry is the allow-list consulted by store mutators.
type Registry struct {
	mu      sync.RWMutex
	allowed map[Credential]bool
}

func NewRegistry() *Registry {
	return &Registry{allowed: make(map[Credential]bool)}
}

// Allow registers a credential.
func (r *Registry) Allow(c Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowed[c] = true
}

// Revoke removes a credential.
func (r *Registry) Revoke(c Credential) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.allowed, c)
}

// IsAuthorized reports whether c may mutate protected state.
func (r *Registry) IsAuthorized(c Credential) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allowed[c]
}

// Check returns ErrNotWhitelisted unless c is registered.
func (r *Registry) Check(c Credential) error {
	if !r.IsAuthorized(c) {
		return ErrNotWhitelisted
	}
	return nil
}
