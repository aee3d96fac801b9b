// Package vsa is the symbolic binding registry: a small fixed-capacity
// table mapping names to opaque vector-symbol handles, so persistent
// symbolic objects can be referenced cheaply across many calls instead of
// being re-marshaled each time.
package vsa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/calyptra/synapse/shm"
)

const (
	// Capacity is the fixed number of binding slots.
	Capacity = 64

	// MaxNameLen bounds binding names; a name at or above the bound is
	// rejected.
	MaxNameLen = 128
)

var (
	// ErrNameTooLong is returned for names at or above MaxNameLen, and
	// for empty names.
	ErrNameTooLong = errors.New("vsa: invalid binding name")

	// ErrTableFull is returned when no free slot remains.
	ErrTableFull = errors.New("vsa: binding table full")

	// ErrAlreadyBound is returned when the name is already bound.
	ErrAlreadyBound = errors.New("vsa: name already bound")

	// ErrNotBound is returned when the name has no binding.
	ErrNotBound = errors.New("vsa: name not bound")
)

// Binding is one name → handle entry.
type Binding struct {
	Name   string
	Handle string
}

// QueryEngine performs the actual symbolic computation behind Query. The
// registry is indirection only; real vector-symbolic matching is an
// external collaborator injected here.
type QueryEngine interface {
	Query(ctx context.Context, handle string, query json.RawMessage) (interface{}, error)
}

// EchoEngine is the placeholder engine. It returns a canned result that
// names the handle and echoes the query, which is enough to exercise the
// registry plumbing end to end.
type EchoEngine struct{}

func (EchoEngine) Query(ctx context.Context, handle string, query json.RawMessage) (interface{}, error) {
	return map[string]interface{}{
		"handle":  handle,
		"matches": []interface{}{},
		"echo":    json.RawMessage(query),
	}, nil
}

// Registry is the fixed-capacity binding table. Mutations take the
// registry mutex; the linear scans are O(Capacity), fine at this size.
type Registry struct {
	mu     sync.Mutex
	slots  [Capacity]*Binding
	engine QueryEngine
}

// NewRegistry creates an empty registry delegating queries to engine.
// A nil engine falls back to EchoEngine.
func NewRegistry(engine QueryEngine) *Registry {
	if engine == nil {
		engine = EchoEngine{}
	}
	return &Registry{engine: engine}
}

// Bind occupies the first free slot with name → handle.
func (r *Registry) Bind(name, handle string) error {
	if name == "" || len(name) >= MaxNameLen {
		return fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	free := -1
	for i, b := range r.slots {
		if b == nil {
			if free < 0 {
				free = i
			}
			continue
		}
		if b.Name == name {
			return fmt.Errorf("%w: %q", ErrAlreadyBound, name)
		}
	}
	if free < 0 {
		return ErrTableFull
	}
	r.slots[free] = &Binding{Name: name, Handle: handle}
	return nil
}

// Unbind clears the slot holding name.
func (r *Registry) Unbind(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, b := range r.slots {
		if b != nil && b.Name == name {
			r.slots[i] = nil
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNotBound, name)
}

// Resolve returns the handle bound to name.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.slots {
		if b != nil && b.Name == name {
			return b.Handle, true
		}
	}
	return "", false
}

// Len reports the number of occupied slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, b := range r.slots {
		if b != nil {
			n++
		}
	}
	return n
}

// Bindings returns a copy of every occupied slot, in slot order.
func (r *Registry) Bindings() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Binding
	for _, b := range r.slots {
		if b != nil {
			out = append(out, *b)
		}
	}
	return out
}

// Clear drops every binding. Used on bridge shutdown.
func (r *Registry) Clear() {
	r.mu.Lock()
	for i := range r.slots {
		r.slots[i] = nil
	}
	r.mu.Unlock()
}

// Query looks up a binding, reads a JSON query payload from the input
// shared-memory block, delegates to the engine and writes the JSON result
// into the output block. Views are released on every path.
func (r *Registry) Query(ctx context.Context, name, queryBlock, resultBlock string, arena *shm.Arena) error {
	handle, ok := r.Resolve(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotBound, name)
	}

	in, err := arena.Map(queryBlock)
	if err != nil {
		return err
	}
	defer arena.Unmap(queryBlock, in)

	// The payload is JSON text; the block tail past the payload is zero.
	payload := bytes.TrimRight(in, "\x00")
	if !json.Valid(payload) {
		return fmt.Errorf("vsa: query block %s does not hold valid json", queryBlock)
	}

	result, err := r.engine.Query(ctx, handle, json.RawMessage(payload))
	if err != nil {
		return fmt.Errorf("vsa: query %q: %w", name, err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("vsa: encode result for %q: %w", name, err)
	}

	out, err := arena.Map(resultBlock)
	if err != nil {
		return err
	}
	defer arena.Unmap(resultBlock, out)

	if len(encoded) > len(out) {
		return fmt.Errorf("vsa: result (%d bytes) exceeds block %s (%d bytes)", len(encoded), resultBlock, len(out))
	}
	copy(out, encoded)
	for i := len(encoded); i < len(out); i++ {
		out[i] = 0
	}
	return nil
}
