// Package proxy implements the opaque-handle system that lets one side of
// the bridge hold a live reference to an object owned by the other side,
// and the forwarding protocol those references speak.
package proxy

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Direction says which side of the bridge owns the real object behind a
// handle.
type Direction int

const (
	// CoreOwned objects live in the cognitive core; the substrate holds
	// the proxy.
	CoreOwned Direction = iota

	// SubstrateOwned objects live in a worker; the core holds the proxy.
	SubstrateOwned
)

func (d Direction) String() string {
	if d == CoreOwned {
		return "core"
	}
	return "substrate"
}

// entry is the store's bookkeeping for one live proxy.
type entry struct {
	proxy    *Proxy
	owner    Direction
	display  string
	created  time.Time
	lastUsed time.Time
}

// Store maps opaque string IDs to live proxies. IDs come from a monotonic
// counter and are never reused within a process, so a stale ID simply
// fails lookup instead of aliasing a newer object.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	nextID  atomic.Uint64
}

// NewStore creates an empty handle store.
func NewStore() *Store {
	return &Store{entries: make(map[string]*entry)}
}

// Create registers a new proxy for an object owned by the given side and
// returns it. The forwarding capability must be non-nil.
func (s *Store) Create(owner Direction, display string, fwd Forwarder) (*Proxy, error) {
	id := fmt.Sprintf("h-%d", s.nextID.Add(1))
	p, err := NewProxy(id, fwd)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.entries[id] = &entry{
		proxy:    p,
		owner:    owner,
		display:  display,
		created:  now,
		lastUsed: now,
	}
	return p, nil
}

// Lookup retrieves the proxy for a handle ID, refreshing its last-used
// stamp. Unknown or already-released IDs return false.
func (s *Store) Lookup(id string) (*Proxy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.proxy, true
}

// Owner reports which side owns the object behind a handle.
func (s *Store) Owner(id string) (Direction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return 0, false
	}
	return e.owner, true
}

// Release removes a handle. Releasing an unknown ID is a no-op.
func (s *Store) Release(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// ReleaseOwner removes every handle whose object is owned by the given
// side. Returns the number removed.
func (s *Store) ReleaseOwner(owner Direction) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.owner == owner {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Clear drops every handle. Used on bridge shutdown.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
}

// Len reports the number of live handles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Sweep removes handles that haven't been accessed within the TTL.
func (s *Store) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for id, e := range s.entries {
		if e.lastUsed.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *Store) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}
