package dispatch

import "sync"

// OpInfo declares dispatch-relevant properties of one operation.
type OpInfo struct {
	// Idempotent marks the operation safe to retry once after a worker
	// crash. Side-effecting operations must leave this false.
	Idempotent bool
}

// OpRegistry declares per-operation properties up front so the pool never
// has to guess at retry time. Operations that were never declared are
// treated as side-effecting.
type OpRegistry struct {
	mu  sync.RWMutex
	ops map[string]OpInfo
}

// NewOpRegistry creates an empty registry.
func NewOpRegistry() *OpRegistry {
	return &OpRegistry{ops: make(map[string]OpInfo)}
}

// Declare records the properties of an operation, replacing any prior
// declaration.
func (r *OpRegistry) Declare(name string, info OpInfo) {
	r.mu.Lock()
	r.ops[name] = info
	r.mu.Unlock()
}

// Idempotent reports whether the named operation was declared idempotent.
func (r *OpRegistry) Idempotent(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ops[name].Idempotent
}

// DefaultOps declares the built-in operations. Forwarding-protocol and
// rendering-class operations (createWorld, createMorph, draw,
// handleEvent) mutate owner state, so only the pure reads are marked
// safe to retry.
func DefaultOps() *OpRegistry {
	r := NewOpRegistry()
	r.Declare("ping", OpInfo{Idempotent: true})
	r.Declare("echo", OpInfo{Idempotent: true})
	r.Declare("sum", OpInfo{Idempotent: true})
	return r
}
