package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("synapse.dispatch")

var (
	// ErrPoolClosed is returned by calls made after Close.
	ErrPoolClosed = errors.New("dispatch: pool is closed")

	// ErrResponseTooLarge is returned when a worker response exceeds the
	// configured bound. The call fails whole; truncated JSON is never
	// handed back.
	ErrResponseTooLarge = errors.New("dispatch: response exceeds buffer bound")
)

// PoolConfig sizes and paces a worker pool.
type PoolConfig struct {
	MaxWorkers       int
	WorkerPath       string
	Timeout          time.Duration // per-request bound; 0 means 30s
	Grace            time.Duration // shutdown grace per worker; 0 means 2s
	MaxResponseBytes int           // response size bound; 0 means 8 MiB
}

func (c *PoolConfig) fill() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Grace == 0 {
		c.Grace = 2 * time.Second
	}
	if c.MaxResponseBytes == 0 {
		c.MaxResponseBytes = 8 << 20
	}
}

// slot pairs one worker transport with an in-flight lock. The slot mutex
// is held for the whole request/response turn so a worker never sees
// interleaved requests.
type slot struct {
	mu sync.Mutex
	t  transport
	id int
}

// Pool runs MaxWorkers substrate processes and routes tasks to them
// round-robin. Dead workers are replaced in place; a request in flight on
// a crashed worker is retried once only when its operation was declared
// idempotent.
type Pool struct {
	cfg     PoolConfig
	ops     *OpRegistry
	journal *Journal
	spawn   func() (transport, error)

	mu     sync.Mutex
	slots  []*slot
	next   int
	closed bool
}

// NewPool starts MaxWorkers worker processes. On partial failure every
// already-started worker is stopped before the error is returned.
func NewPool(cfg PoolConfig, ops *OpRegistry, journal *Journal) (*Pool, error) {
	cfg.fill()
	p := &Pool{
		cfg:     cfg,
		ops:     ops,
		journal: journal,
	}
	p.spawn = func() (transport, error) { return startWorker(cfg.WorkerPath) }
	if err := p.start(); err != nil {
		return nil, err
	}
	return p, nil
}

// newPoolWithSpawn is the test seam: same pool logic, caller-provided
// transports.
func newPoolWithSpawn(cfg PoolConfig, ops *OpRegistry, spawn func() (transport, error)) (*Pool, error) {
	cfg.fill()
	p := &Pool{cfg: cfg, ops: ops, spawn: spawn}
	if err := p.start(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) start() error {
	if p.cfg.MaxWorkers <= 0 {
		return fmt.Errorf("dispatch: max workers must be > 0, got %d", p.cfg.MaxWorkers)
	}
	for i := 0; i < p.cfg.MaxWorkers; i++ {
		t, err := p.spawn()
		if err != nil {
			for _, s := range p.slots {
				s.t.close(p.cfg.Grace)
			}
			return fmt.Errorf("dispatch: start worker %d: %w", i, err)
		}
		p.slots = append(p.slots, &slot{t: t, id: i})
	}
	log.Infof("started %d workers", p.cfg.MaxWorkers)
	return nil
}

// acquire picks the next slot round-robin and locks it for one turn.
func (p *Pool) acquire() (*slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	s := p.slots[p.next%len(p.slots)]
	p.next++
	p.mu.Unlock()

	s.mu.Lock()
	return s, nil
}

// replace swaps a slot's transport for a freshly spawned worker. The slot
// lock must be held.
func (p *Pool) replace(s *slot) error {
	s.t.close(p.cfg.Grace)
	t, err := p.spawn()
	if err != nil {
		return fmt.Errorf("dispatch: replace worker %d: %w", s.id, err)
	}
	log.Noticef("worker %d replaced", s.id)
	s.t = t
	return nil
}

// Submit sends raw task JSON to a worker and blocks for the response.
//
// A task that fails schema validation yields an application-level
// {success:false} body and a nil error; transport problems (timeout,
// crash, oversized response) yield a non-nil error and no body. Callers
// must inspect both layers.
func (p *Pool) Submit(ctx context.Context, task []byte) ([]byte, error) {
	req, err := ParseTask(task)
	if err != nil {
		return ErrorBody(err.Error()), nil
	}
	payload, err := MarshalRequest(req)
	if err != nil {
		return nil, err
	}

	s, err := p.acquire()
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	start := time.Now()
	body, err := p.turn(ctx, s, req.Operation, payload)
	p.record(req.Operation, s.id, err, time.Since(start))
	return body, err
}

// turn runs one request/response exchange on a locked slot, handling
// crash replacement and the single idempotent retry.
func (p *Pool) turn(ctx context.Context, s *slot, operation string, payload []byte) ([]byte, error) {
	if !s.t.alive() {
		if err := p.replace(s); err != nil {
			return nil, err
		}
	}

	tctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	body, err := s.t.roundTrip(tctx, payload)
	switch {
	case err == nil:
		if len(body) > p.cfg.MaxResponseBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, len(body))
		}
		return body, nil

	case errors.Is(err, ErrTimeout):
		// The worker may still answer later; its pipe is out of sync
		// with the turn discipline, so it cannot be reused.
		if rerr := p.replace(s); rerr != nil {
			log.Errorf("replace after timeout: %v", rerr)
		}
		return nil, err

	case errors.Is(err, ErrWorkerDead):
		if rerr := p.replace(s); rerr != nil {
			return nil, rerr
		}
		if p.ops != nil && p.ops.Idempotent(operation) {
			log.Noticef("retrying idempotent operation %q after crash", operation)
			body, err = s.t.roundTrip(tctx, payload)
			if err == nil && len(body) > p.cfg.MaxResponseBytes {
				return nil, fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, len(body))
			}
			return body, err
		}
		return nil, err

	default:
		return nil, err
	}
}

func (p *Pool) record(operation string, worker int, err error, d time.Duration) {
	if p.journal == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = err.Error()
	}
	if jerr := p.journal.Record(operation, worker, outcome, d); jerr != nil {
		log.Errorf("journal: %v", jerr)
	}
}

// Ping round-trips a message through a worker without touching user
// operations. Returns the echoed message.
func (p *Pool) Ping(ctx context.Context, message string) (string, error) {
	task, err := MarshalRequest(&Request{Operation: "ping", Args: []interface{}{message}})
	if err != nil {
		return "", err
	}
	body, err := p.Submit(ctx, task)
	if err != nil {
		return "", err
	}
	resp, err := UnmarshalResponse(body)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("dispatch: ping failed: %s", resp.Error)
	}
	echo, ok := resp.Result.(string)
	if !ok {
		return "", fmt.Errorf("dispatch: ping returned %T, want string", resp.Result)
	}
	return echo, nil
}

// ActiveWorkers counts workers whose process is currently live.
func (p *Pool) ActiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.t.alive() {
			n++
		}
	}
	return n
}

// Close stops every worker, waiting up to the grace period each before
// force-terminating. Safe to call once; later Submits fail.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	slots := p.slots
	p.mu.Unlock()

	for _, s := range slots {
		s.mu.Lock()
		s.t.close(p.cfg.Grace)
		s.mu.Unlock()
	}
	log.Info("pool closed")
}
