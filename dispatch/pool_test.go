package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeTransport scripts worker behavior for pool tests.
type fakeTransport struct {
	mu     sync.Mutex
	id     int
	calls  int
	dead   bool
	block  bool // never answer; wait for ctx deadline
	crash  bool // report ErrWorkerDead on the next round trip
	reply  func(req *Request) *Response
	closed bool
}

func (f *fakeTransport) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	dead, block, crash := f.dead, f.block, f.crash
	f.mu.Unlock()

	if dead {
		return nil, ErrWorkerDead
	}
	if crash {
		f.mu.Lock()
		f.dead = true
		f.mu.Unlock()
		return nil, ErrWorkerDead
	}
	if block {
		<-ctx.Done()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	resp := &Response{Success: true, Result: fmt.Sprintf("worker-%d", f.id)}
	if f.reply != nil {
		resp = f.reply(&req)
	}
	return json.Marshal(resp)
}

func (f *fakeTransport) alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.dead
}

func (f *fakeTransport) close(grace time.Duration) {
	f.mu.Lock()
	f.dead = true
	f.closed = true
	f.mu.Unlock()
}

// fakeSpawner hands out fakes in order, then plain echo fakes.
type fakeSpawner struct {
	mu      sync.Mutex
	scripts []*fakeTransport
	spawned []*fakeTransport
}

func (s *fakeSpawner) spawn() (transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var t *fakeTransport
	if len(s.scripts) > 0 {
		t = s.scripts[0]
		s.scripts = s.scripts[1:]
	} else {
		t = &fakeTransport{id: 100 + len(s.spawned)}
	}
	s.spawned = append(s.spawned, t)
	return t, nil
}

func task(t *testing.T, operation string) []byte {
	t.Helper()
	raw, err := MarshalRequest(&Request{Operation: operation})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func result(t *testing.T, body []byte) *Response {
	t.Helper()
	resp, err := UnmarshalResponse(body)
	if err != nil {
		t.Fatalf("bad response body %s: %v", body, err)
	}
	return resp
}

func TestSubmitRoundRobin(t *testing.T) {
	s := &fakeSpawner{scripts: []*fakeTransport{{id: 0}, {id: 1}}}
	p, err := newPoolWithSpawn(PoolConfig{MaxWorkers: 2}, nil, s.spawn)
	if err != nil {
		t.Fatalf("pool start failed: %v", err)
	}
	defer p.Close()

	var served []string
	for i := 0; i < 4; i++ {
		body, err := p.Submit(context.Background(), task(t, "echo"))
		if err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
		served = append(served, result(t, body).Result.(string))
	}

	want := []string{"worker-0", "worker-1", "worker-0", "worker-1"}
	for i := range want {
		if served[i] != want[i] {
			t.Errorf("submit %d served by %s, want %s", i, served[i], want[i])
		}
	}
}

func TestSubmitMissingOperation(t *testing.T) {
	s := &fakeSpawner{}
	p, err := newPoolWithSpawn(PoolConfig{MaxWorkers: 1}, nil, s.spawn)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	body, err := p.Submit(context.Background(), []byte(`{"args":[]}`))
	if err != nil {
		t.Fatalf("schema failure must be application-level, got transport error %v", err)
	}
	resp := result(t, body)
	if resp.Success {
		t.Error("missing operation reported success")
	}
	if resp.Error == "" {
		t.Error("missing operation produced no error text")
	}

	// The invalid task must not consume a worker turn.
	if s.spawned[0].calls != 0 {
		t.Errorf("worker saw %d calls, want 0", s.spawned[0].calls)
	}
}

func TestSubmitTimeoutReplacesWorker(t *testing.T) {
	slow := &fakeTransport{id: 0, block: true}
	s := &fakeSpawner{scripts: []*fakeTransport{slow}}
	p, err := newPoolWithSpawn(PoolConfig{MaxWorkers: 1, Timeout: 20 * time.Millisecond}, nil, s.spawn)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	_, err = p.Submit(context.Background(), task(t, "slow"))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Submit = %v, want ErrTimeout", err)
	}

	// The timed-out worker was discarded; its replacement serves.
	if !slow.closed {
		t.Error("timed-out worker was not closed")
	}
	body, err := p.Submit(context.Background(), task(t, "echo"))
	if err != nil {
		t.Fatalf("Submit after timeout failed: %v", err)
	}
	if got := result(t, body).Result.(string); got != "worker-101" {
		t.Errorf("served by %s, want replacement worker-101", got)
	}
}

func TestCrashRetriesIdempotentOnce(t *testing.T) {
	ops := NewOpRegistry()
	ops.Declare("lookup", OpInfo{Idempotent: true})

	crashy := &fakeTransport{id: 0, crash: true}
	s := &fakeSpawner{scripts: []*fakeTransport{crashy}}
	p, err := newPoolWithSpawn(PoolConfig{MaxWorkers: 1}, ops, s.spawn)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	body, err := p.Submit(context.Background(), task(t, "lookup"))
	if err != nil {
		t.Fatalf("idempotent retry failed: %v", err)
	}
	if got := result(t, body).Result.(string); got != "worker-101" {
		t.Errorf("served by %s, want replacement worker-101", got)
	}
	if len(s.spawned) != 2 {
		t.Errorf("spawned %d workers, want 2", len(s.spawned))
	}
	if s.spawned[1].calls != 1 {
		t.Errorf("replacement saw %d calls, want exactly 1", s.spawned[1].calls)
	}
}

func TestCrashNeverRetriesSideEffecting(t *testing.T) {
	ops := NewOpRegistry() // "transfer" never declared → side-effecting

	crashy := &fakeTransport{id: 0, crash: true}
	s := &fakeSpawner{scripts: []*fakeTransport{crashy}}
	p, err := newPoolWithSpawn(PoolConfig{MaxWorkers: 1}, ops, s.spawn)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	_, err = p.Submit(context.Background(), task(t, "transfer"))
	if !errors.Is(err, ErrWorkerDead) {
		t.Fatalf("Submit = %v, want ErrWorkerDead", err)
	}

	// A replacement exists but never saw the request.
	if len(s.spawned) != 2 {
		t.Fatalf("spawned %d workers, want 2", len(s.spawned))
	}
	if s.spawned[1].calls != 0 {
		t.Errorf("replacement saw %d calls, want 0", s.spawned[1].calls)
	}
}

func TestResponseTooLarge(t *testing.T) {
	big := &fakeTransport{id: 0, reply: func(req *Request) *Response {
		return &Response{Success: true, Result: string(make([]byte, 2048))}
	}}
	s := &fakeSpawner{scripts: []*fakeTransport{big}}
	p, err := newPoolWithSpawn(PoolConfig{MaxWorkers: 1, MaxResponseBytes: 512}, nil, s.spawn)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	_, err = p.Submit(context.Background(), task(t, "dump"))
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("Submit = %v, want ErrResponseTooLarge", err)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	s := &fakeSpawner{}
	p, err := newPoolWithSpawn(PoolConfig{MaxWorkers: 1}, nil, s.spawn)
	if err != nil {
		t.Fatal(err)
	}
	p.Close()

	if _, err := p.Submit(context.Background(), task(t, "echo")); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit after Close = %v, want ErrPoolClosed", err)
	}
	if !s.spawned[0].closed {
		t.Error("Close did not close the worker")
	}
}

func TestPing(t *testing.T) {
	echo := &fakeTransport{id: 0, reply: func(req *Request) *Response {
		if req.Operation != "ping" {
			return &Response{Success: false, Error: "not a ping"}
		}
		return &Response{Success: true, Result: req.Args[0]}
	}}
	s := &fakeSpawner{scripts: []*fakeTransport{echo}}
	p, err := newPoolWithSpawn(PoolConfig{MaxWorkers: 1}, nil, s.spawn)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	got, err := p.Ping(context.Background(), "heartbeat")
	if err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if got != "heartbeat" {
		t.Errorf("Ping echo = %q, want heartbeat", got)
	}
}

func TestActiveWorkers(t *testing.T) {
	w0 := &fakeTransport{id: 0}
	w1 := &fakeTransport{id: 1}
	s := &fakeSpawner{scripts: []*fakeTransport{w0, w1}}
	p, err := newPoolWithSpawn(PoolConfig{MaxWorkers: 2}, nil, s.spawn)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if n := p.ActiveWorkers(); n != 2 {
		t.Errorf("ActiveWorkers = %d, want 2", n)
	}
	w1.mu.Lock()
	w1.dead = true
	w1.mu.Unlock()
	if n := p.ActiveWorkers(); n != 1 {
		t.Errorf("ActiveWorkers after death = %d, want 1", n)
	}
}

func TestSubmitAsyncFuture(t *testing.T) {
	s := &fakeSpawner{}
	p, err := newPoolWithSpawn(PoolConfig{MaxWorkers: 1}, nil, s.spawn)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	f := p.SubmitAsync(context.Background(), task(t, "echo"))
	body, err := f.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !result(t, body).Success {
		t.Error("async response not successful")
	}
	if !f.Done() {
		t.Error("future not done after Wait")
	}
}

func TestDefaultOpsClassification(t *testing.T) {
	ops := DefaultOps()
	for _, name := range []string{"ping", "echo", "sum"} {
		if !ops.Idempotent(name) {
			t.Errorf("%s not declared idempotent", name)
		}
	}
	for _, name := range []string{"setSlot", "forwardMessage", "createObject", "never-declared"} {
		if ops.Idempotent(name) {
			t.Errorf("%s must not be retryable", name)
		}
	}
}
