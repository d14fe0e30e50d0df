package mutation

import "sync"

// OwnerFunc returns the authenticated owner id, or "" when signed out.
type OwnerFunc func() string

// Identity holds the current owner for a session. Safe for concurrent use.
type Identity struct {
	mu    sync.RWMutex
	owner string
}

// NewIdentity returns an identity signed in as owner ("" for signed out).
func NewIdentity(owner string) *Identity {
	return &Identity{owner: owner}
}

// Owner returns the current owner id.
func (i *Identity) Owner() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.owner
}

// Set replaces the current owner and returns the previous one.
func (i *Identity) Set(owner string) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	prev := i.owner
	i.owner = owner
	return prev
}
