// synapse-worker is the reference substrate worker. It reads one task
// per line from stdin and writes one response per line to stdout, per the
// bridge task schema. Real substrates reimplement this loop around their
// own operation set.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"
)

// object is a substrate-owned object: a bag of named slots reachable
// through the forwarding protocol.
type object struct {
	slots map[string]interface{}
}

// worker holds the operation table and the owned-object graph.
type worker struct {
	mu      sync.Mutex
	objects map[string]*object
	dnu     []string // objectIds that received proxyDidNotUnderstand_
}

func newWorker() *worker {
	return &worker{objects: make(map[string]*object)}
}

type request struct {
	Operation string                 `json:"operation"`
	Args      []interface{}          `json:"args"`
	Kwargs    map[string]interface{} `json:"kwargs"`
}

type response struct {
	Success bool        `json:"success"`
	Result  interface{} `json:"result,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func fail(format string, args ...interface{}) *response {
	return &response{Success: false, Error: fmt.Sprintf(format, args...)}
}

func ok(result interface{}) *response {
	return &response{Success: true, Result: result}
}

// handle runs one operation, converting panics into application-level
// failures so a bad task never kills the worker loop.
func (w *worker) handle(req *request) (resp *response) {
	defer func() {
		if r := recover(); r != nil {
			resp = fail("panic in %s: %v", req.Operation, r)
		}
	}()

	switch req.Operation {
	case "ping":
		if len(req.Args) == 0 {
			return ok("")
		}
		return ok(req.Args[0])

	case "echo":
		return ok(req.Args)

	case "sum":
		total := 0.0
		for _, a := range req.Args {
			n, isNum := a.(float64)
			if !isNum {
				return fail("sum: %v is not a number", a)
			}
			total += n
		}
		return ok(total)

	case "sleep-ms":
		if len(req.Args) != 1 {
			return fail("sleep-ms: want 1 arg, got %d", len(req.Args))
		}
		ms, isNum := req.Args[0].(float64)
		if !isNum {
			return fail("sleep-ms: %v is not a number", req.Args[0])
		}
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return ok(ms)

	case "createObject":
		return w.createObject(req)
	case "forwardMessage":
		return w.forwardMessage(req)
	case "setSlot":
		return w.setSlot(req)
	case "removeSlot":
		return w.removeSlot(req)
	case "proxyDidNotUnderstand_":
		return w.didNotUnderstand(req)

	default:
		return fail("unknown operation %q", req.Operation)
	}
}

// createObject registers a fresh substrate-owned object under the given
// id, with optional initial slots in kwargs.
func (w *worker) createObject(req *request) *response {
	id, r := stringArg(req, 0, "objectId")
	if r != nil {
		return r
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.objects[id]; exists {
		return fail("object %s already exists", id)
	}
	o := &object{slots: make(map[string]interface{})}
	for k, v := range req.Kwargs {
		o.slots[k] = v
	}
	w.objects[id] = o
	return ok(id)
}

// forwardMessage resolves args[1] as a slot of object args[0]. Missing
// slots report in AttributeError form so the core side can classify.
func (w *worker) forwardMessage(req *request) *response {
	id, r := stringArg(req, 0, "objectId")
	if r != nil {
		return r
	}
	name, r := stringArg(req, 1, "message")
	if r != nil {
		return r
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	o, exists := w.objects[id]
	if !exists {
		return fail("no such object %s", id)
	}
	value, exists := o.slots[name]
	if !exists {
		return fail("AttributeError: '%s' has no attribute '%s'", id, name)
	}
	return ok(value)
}

func (w *worker) setSlot(req *request) *response {
	id, r := stringArg(req, 0, "objectId")
	if r != nil {
		return r
	}
	name, r := stringArg(req, 1, "slot")
	if r != nil {
		return r
	}
	if len(req.Args) < 3 {
		return fail("setSlot: missing value")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	o, exists := w.objects[id]
	if !exists {
		return fail("no such object %s", id)
	}
	o.slots[name] = req.Args[2]
	return ok(true)
}

func (w *worker) removeSlot(req *request) *response {
	id, r := stringArg(req, 0, "objectId")
	if r != nil {
		return r
	}
	name, r := stringArg(req, 1, "slot")
	if r != nil {
		return r
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	o, exists := w.objects[id]
	if !exists {
		return fail("no such object %s", id)
	}
	if _, exists := o.slots[name]; !exists {
		return fail("AttributeError: '%s' has no attribute '%s'", id, name)
	}
	delete(o.slots, name)
	return ok(true)
}

// didNotUnderstand records the escalation and acknowledges it. The
// return value is advisory; the caller's outcome is already decided.
func (w *worker) didNotUnderstand(req *request) *response {
	if len(req.Args) == 0 {
		return fail("proxyDidNotUnderstand_: missing payload")
	}
	payload, isMap := req.Args[0].(map[string]interface{})
	if !isMap {
		return fail("proxyDidNotUnderstand_: payload is %T, want object", req.Args[0])
	}

	w.mu.Lock()
	if id, isStr := payload["objectId"].(string); isStr {
		w.dnu = append(w.dnu, id)
	}
	w.mu.Unlock()
	return ok(true)
}

func stringArg(req *request, i int, what string) (string, *response) {
	if len(req.Args) <= i {
		return "", fail("%s: missing %s", req.Operation, what)
	}
	s, isStr := req.Args[i].(string)
	if !isStr {
		return "", fail("%s: %s is %T, want string", req.Operation, what, req.Args[i])
	}
	return s, nil
}

func main() {
	flag.Parse()

	w := newWorker()
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	out := bufio.NewWriter(os.Stdout)
	enc := json.NewEncoder(out)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		var resp *response
		if err := json.Unmarshal(line, &req); err != nil {
			resp = fail("malformed task json: %v", err)
		} else if req.Operation == "" {
			resp = fail("task is missing \"operation\"")
		} else {
			resp = w.handle(&req)
		}

		if err := enc.Encode(resp); err != nil {
			fmt.Fprintf(os.Stderr, "synapse-worker: write response: %v\n", err)
			os.Exit(1)
		}
		out.Flush()
	}
}
