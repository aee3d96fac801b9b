package vsa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/calyptra/synapse/shm"
)

func TestBindUnbindRebind(t *testing.T) {
	r := NewRegistry(nil)

	if err := r.Bind("v1", "h-1"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if err := r.Bind("v1", "h-2"); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("duplicate Bind = %v, want ErrAlreadyBound", err)
	}

	if err := r.Unbind("v1"); err != nil {
		t.Fatalf("Unbind failed: %v", err)
	}
	if err := r.Bind("v1", "h-2"); err != nil {
		t.Errorf("rebind after unbind failed: %v", err)
	}

	handle, ok := r.Resolve("v1")
	if !ok || handle != "h-2" {
		t.Errorf("Resolve = %q, %v; want h-2", handle, ok)
	}
}

func TestUnbindMissing(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.Unbind("ghost"); !errors.Is(err, ErrNotBound) {
		t.Errorf("Unbind = %v, want ErrNotBound", err)
	}
}

func TestNameLengthBound(t *testing.T) {
	r := NewRegistry(nil)

	atBound := strings.Repeat("a", MaxNameLen)
	if err := r.Bind(atBound, "h"); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("Bind(len %d) = %v, want ErrNameTooLong", MaxNameLen, err)
	}

	underBound := strings.Repeat("a", MaxNameLen-1)
	if err := r.Bind(underBound, "h"); err != nil {
		t.Errorf("Bind(len %d) failed: %v", MaxNameLen-1, err)
	}

	if err := r.Bind("", "h"); !errors.Is(err, ErrNameTooLong) {
		t.Errorf("Bind(\"\") = %v, want ErrNameTooLong", err)
	}
}

func TestCapacityAndSlotReuse(t *testing.T) {
	r := NewRegistry(nil)

	for i := 0; i < Capacity; i++ {
		if err := r.Bind(fmt.Sprintf("v%d", i), "h"); err != nil {
			t.Fatalf("Bind %d failed: %v", i, err)
		}
	}
	if err := r.Bind("overflow", "h"); !errors.Is(err, ErrTableFull) {
		t.Errorf("Bind beyond capacity = %v, want ErrTableFull", err)
	}

	// One unbind frees exactly one slot.
	if err := r.Unbind("v17"); err != nil {
		t.Fatal(err)
	}
	if err := r.Bind("overflow", "h"); err != nil {
		t.Errorf("Bind after unbind failed: %v", err)
	}
	if r.Len() != Capacity {
		t.Errorf("Len = %d, want %d", r.Len(), Capacity)
	}
}

func TestFirstFit(t *testing.T) {
	r := NewRegistry(nil)
	r.Bind("a", "h1")
	r.Bind("b", "h2")
	r.Bind("c", "h3")
	r.Unbind("a")
	r.Bind("d", "h4")

	// "d" takes the freed first slot, so slot order starts with it.
	bindings := r.Bindings()
	if bindings[0].Name != "d" {
		t.Errorf("first slot = %q, want d (first-fit reuse)", bindings[0].Name)
	}
}

func TestQueryThroughSharedMemory(t *testing.T) {
	arena := shm.NewArena()
	defer arena.DestroyAll()

	r := NewRegistry(nil) // EchoEngine placeholder

	if err := r.Bind("scene", "h-scene"); err != nil {
		t.Fatal(err)
	}

	queryBlock, err := arena.Create(1024)
	if err != nil {
		t.Fatal(err)
	}
	resultBlock, err := arena.Create(4096)
	if err != nil {
		t.Fatal(err)
	}

	// Write the query payload.
	in, err := arena.Map(queryBlock)
	if err != nil {
		t.Fatal(err)
	}
	copy(in, []byte(`{"similar-to":"red-ball"}`))
	if err := arena.Unmap(queryBlock, in); err != nil {
		t.Fatal(err)
	}

	if err := r.Query(context.Background(), "scene", queryBlock, resultBlock, arena); err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	// All transient views were released.
	if n, _ := arena.MappedCount(queryBlock); n != 0 {
		t.Errorf("query block still has %d views", n)
	}
	if n, _ := arena.MappedCount(resultBlock); n != 0 {
		t.Errorf("result block still has %d views", n)
	}

	// The result block holds the engine's JSON.
	out, err := arena.Map(resultBlock)
	if err != nil {
		t.Fatal(err)
	}
	defer arena.Unmap(resultBlock, out)

	var result map[string]interface{}
	if err := json.Unmarshal(bytes.TrimRight(out, "\x00"), &result); err != nil {
		t.Fatalf("result block does not hold json: %v", err)
	}
	if result["handle"] != "h-scene" {
		t.Errorf("result handle = %v, want h-scene", result["handle"])
	}
	echo, _ := result["echo"].(map[string]interface{})
	if echo["similar-to"] != "red-ball" {
		t.Errorf("echoed query = %v", result["echo"])
	}
}

func TestQueryUnboundName(t *testing.T) {
	arena := shm.NewArena()
	defer arena.DestroyAll()

	r := NewRegistry(nil)
	err := r.Query(context.Background(), "ghost", "b1", "b2", arena)
	if !errors.Is(err, ErrNotBound) {
		t.Errorf("Query = %v, want ErrNotBound", err)
	}
}

func TestQueryInvalidPayload(t *testing.T) {
	arena := shm.NewArena()
	defer arena.DestroyAll()

	r := NewRegistry(nil)
	r.Bind("v", "h")

	queryBlock, _ := arena.Create(64)
	resultBlock, _ := arena.Create(64)

	in, err := arena.Map(queryBlock)
	if err != nil {
		t.Fatal(err)
	}
	copy(in, []byte(`{broken`))
	arena.Unmap(queryBlock, in)

	if err := r.Query(context.Background(), "v", queryBlock, resultBlock, arena); err == nil {
		t.Error("Query accepted an invalid payload")
	}
	if n, _ := arena.MappedCount(queryBlock); n != 0 {
		t.Errorf("failed query leaked %d views", n)
	}
}
