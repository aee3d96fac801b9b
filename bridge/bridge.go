package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tliron/commonlog"

	"github.com/calyptra/synapse/dispatch"
	"github.com/calyptra/synapse/proxy"
	"github.com/calyptra/synapse/shm"
	"github.com/calyptra/synapse/vsa"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("synapse.bridge")

// Exactly one live bridge may exist per process. New and Shutdown hold
// liveMu across the whole transition so concurrent initializations can
// never race two states into existence.
var (
	liveMu sync.Mutex
	live   *Bridge
)

// errorBuffer is the process-wide last-error record. Matching the ABI
// surface, it is overwritten by the most recent failing call and cleared
// explicitly.
var errorBuffer ErrorBuffer

// LastError returns the most recent bridge-level failure message.
func LastError() (string, bool) { return errorBuffer.Last() }

// ClearError resets the last-error record.
func ClearError() { errorBuffer.Clear() }

// Status is the snapshot returned by (*Bridge).Status.
type Status struct {
	Initialized   bool `json:"initialized"`
	MaxWorkers    int  `json:"max_workers"`
	ActiveWorkers int  `json:"active_workers"`
}

// Bridge owns every subsystem of one core↔substrate connection: the
// worker pool, the shared-memory arena, the handle store and the
// symbolic binding registry.
type Bridge struct {
	mu      sync.Mutex
	config  Config
	arena   *shm.Arena
	pool    *dispatch.Pool
	handles *proxy.Store
	vsa     *vsa.Registry
	journal *dispatch.Journal

	stopSweeper func()
	down        bool
}

// Option configures optional bridge behavior.
type Option func(*bridgeOptions)

type bridgeOptions struct {
	engine      vsa.QueryEngine
	journalPath string
	taskTimeout time.Duration
	ops         *dispatch.OpRegistry
}

// WithQueryEngine injects the symbolic-query collaborator used by QueryVSA.
func WithQueryEngine(engine vsa.QueryEngine) Option {
	return func(o *bridgeOptions) { o.engine = engine }
}

// WithJournal enables the SQLite task journal at the given path.
func WithJournal(path string) Option {
	return func(o *bridgeOptions) { o.journalPath = path }
}

// WithTaskTimeout overrides the per-task dispatch bound.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *bridgeOptions) { o.taskTimeout = d }
}

// WithOpRegistry supplies the per-operation declarations the dispatcher
// consults for crash-retry decisions.
func WithOpRegistry(ops *dispatch.OpRegistry) Option {
	return func(o *bridgeOptions) { o.ops = ops }
}

// New initializes the bridge: validates the config, builds the arena,
// starts the worker pool and opens the log sink. At most one live bridge
// may exist per process; a second New without Shutdown fails with
// already-initialized. On partial failure everything built by this call
// is rolled back before the error returns.
func New(cfg Config, opts ...Option) (*Bridge, error) {
	liveMu.Lock()
	defer liveMu.Unlock()

	if live != nil {
		return nil, record(coded(ResultAlreadyInitialized, "bridge is already initialized"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, record(err)
	}

	o := bridgeOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	configureLogging(&cfg)

	b := &Bridge{
		config:  cfg,
		arena:   shm.NewArena(),
		handles: proxy.NewStore(),
		vsa:     vsa.NewRegistry(o.engine),
	}

	if o.journalPath != "" {
		journal, err := dispatch.OpenJournal(o.journalPath)
		if err != nil {
			return nil, record(coded(ResultIOFailed, "bridge: open journal: %v", err))
		}
		b.journal = journal
	}

	pool, err := dispatch.NewPool(dispatch.PoolConfig{
		MaxWorkers: cfg.MaxWorkers,
		WorkerPath: cfg.WorkerPath,
		Timeout:    o.taskTimeout,
	}, o.ops, b.journal)
	if err != nil {
		// Roll back everything this call built.
		if b.journal != nil {
			b.journal.Close()
		}
		b.arena.DestroyAll()
		return nil, record(coded(ResultWorkerFailed, "bridge: start worker pool: %v", err))
	}
	b.pool = pool

	b.stopSweeper = b.handles.StartSweeper(5*time.Minute, 30*time.Minute)

	live = b
	log.Infof("bridge initialized with %d workers", cfg.MaxWorkers)
	return b, nil
}

// configureLogging routes commonlog per the config.
func configureLogging(cfg *Config) {
	if cfg.LogFile != "" {
		path := cfg.LogFile
		commonlog.Configure(cfg.LogLevel, &path)
	} else {
		commonlog.Configure(cfg.LogLevel, nil)
	}
}

// Shutdown stops the workers with a bounded grace period, releases the
// shared-memory arena, clears the handle and binding tables and frees
// the live-state guard. A second Shutdown returns not-initialized.
func (b *Bridge) Shutdown() error {
	liveMu.Lock()
	defer liveMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return record(coded(ResultNotInitialized, "bridge is not initialized"))
	}

	b.stopSweeper()
	b.pool.Close()
	b.arena.DestroyAll()
	b.handles.Clear()
	b.vsa.Clear()
	if b.journal != nil {
		b.journal.Close()
	}

	b.down = true
	if live == b {
		live = nil
	}
	log.Info("bridge shut down")
	return nil
}

// ensureUp fails with not-initialized once the bridge is shut down.
func (b *Bridge) ensureUp() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return coded(ResultNotInitialized, "bridge is not initialized")
	}
	return nil
}

// Status returns a point-in-time snapshot of the bridge.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return Status{}
	}
	return Status{
		Initialized:   true,
		MaxWorkers:    b.config.MaxWorkers,
		ActiveWorkers: b.pool.ActiveWorkers(),
	}
}

// StatusSimple reports only whether the bridge is up.
func (b *Bridge) StatusSimple() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.down
}

// Config returns a copy of the bridge configuration.
func (b *Bridge) Config() Config {
	return b.config
}

// record stores a failing call's message in the last-error buffer and
// passes the error through.
func record(err error) error {
	if err != nil {
		errorBuffer.Record(err.Error())
	}
	return err
}

// mapErr lifts subsystem sentinel errors to coded bridge errors. Errors
// that already carry a code pass through.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}

	code := ResultUnknown
	switch {
	case errors.Is(err, shm.ErrUnknownBlock), errors.Is(err, shm.ErrViewMismatch):
		code = ResultInvalidHandle
	case errors.Is(err, shm.ErrStillMapped):
		code = ResultSharedMemory
	case errors.Is(err, shm.ErrBadSize):
		code = ResultInvalidArgument
	case errors.Is(err, shm.ErrAllocate):
		code = ResultMemoryAllocation
	case errors.Is(err, shm.ErrOS):
		code = ResultSharedMemory
	case errors.Is(err, dispatch.ErrTimeout):
		code = ResultTimeout
	case errors.Is(err, dispatch.ErrWorkerDead):
		code = ResultWorkerFailed
	case errors.Is(err, dispatch.ErrPoolClosed):
		code = ResultNotInitialized
	case errors.Is(err, dispatch.ErrResponseTooLarge):
		code = ResultResourceExhausted
	case errors.Is(err, vsa.ErrNameTooLong):
		code = ResultInvalidArgument
	case errors.Is(err, vsa.ErrTableFull):
		code = ResultResourceExhausted
	case errors.Is(err, vsa.ErrAlreadyBound):
		code = ResultAlreadyExists
	case errors.Is(err, vsa.ErrNotBound):
		code = ResultNotFound
	}
	return &Error{Code: code, Message: err.Error()}
}

// ---------------------------------------------------------------------------
// Task dispatch
// ---------------------------------------------------------------------------

// SubmitTask routes raw task JSON to a worker and returns the response
// body. Transport failures return a coded error; a failure inside the
// operation itself comes back as a {success:false} body with a nil error.
func (b *Bridge) SubmitTask(ctx context.Context, task []byte) ([]byte, error) {
	if err := b.ensureUp(); err != nil {
		return nil, record(err)
	}
	body, err := b.pool.Submit(ctx, task)
	if err != nil {
		return nil, record(mapErr(err))
	}
	return body, nil
}

// Future is the pending result of SubmitTaskAsync. Failures delivered
// through Wait carry result codes and feed the last-error buffer, same
// as the synchronous path.
type Future struct {
	inner *dispatch.Future
}

// Wait blocks until the response arrives or ctx is cancelled.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	body, err := f.inner.Wait(ctx)
	if err != nil {
		return nil, record(mapErr(err))
	}
	return body, nil
}

// Done reports whether the result is ready without blocking.
func (f *Future) Done() bool { return f.inner.Done() }

// SubmitTaskAsync is the non-blocking submit half of the async pair.
func (b *Bridge) SubmitTaskAsync(ctx context.Context, task []byte) (*Future, error) {
	if err := b.ensureUp(); err != nil {
		return nil, record(err)
	}
	return &Future{inner: b.pool.SubmitAsync(ctx, task)}, nil
}

// Ping round-trips a message through a worker for liveness checking.
func (b *Bridge) Ping(ctx context.Context, message string) (string, error) {
	if err := b.ensureUp(); err != nil {
		return "", record(err)
	}
	echo, err := b.pool.Ping(ctx, message)
	if err != nil {
		return "", record(mapErr(err))
	}
	return echo, nil
}

// ---------------------------------------------------------------------------
// Shared memory
// ---------------------------------------------------------------------------

// CreateBlock allocates a shared-memory block and returns its name.
func (b *Bridge) CreateBlock(size int) (string, error) {
	if err := b.ensureUp(); err != nil {
		return "", record(err)
	}
	name, err := b.arena.Create(size)
	if err != nil {
		return "", record(mapErr(err))
	}
	return name, nil
}

// CreateDefaultBlock allocates a block of the configured default size.
// Bulk payloads that don't know better use this.
func (b *Bridge) CreateDefaultBlock() (string, error) {
	return b.CreateBlock(b.config.SharedMemorySize)
}

// MapBlock maps a block into this process.
func (b *Bridge) MapBlock(name string) ([]byte, error) {
	if err := b.ensureUp(); err != nil {
		return nil, record(err)
	}
	view, err := b.arena.Map(name)
	if err != nil {
		return nil, record(mapErr(err))
	}
	return view, nil
}

// UnmapBlock releases a view; the exact view returned by MapBlock is
// required.
func (b *Bridge) UnmapBlock(name string, view []byte) error {
	if err := b.ensureUp(); err != nil {
		return record(err)
	}
	return record(mapErr(b.arena.Unmap(name, view)))
}

// DestroyBlock unlinks a block; it fails while views are outstanding.
func (b *Bridge) DestroyBlock(name string) error {
	if err := b.ensureUp(); err != nil {
		return record(err)
	}
	return record(mapErr(b.arena.Destroy(name)))
}

// Arena exposes the shared-memory arena to collaborators that take one
// directly, like the VSA query path.
func (b *Bridge) Arena() *shm.Arena {
	return b.arena
}

// ---------------------------------------------------------------------------
// Handles and proxies
// ---------------------------------------------------------------------------

// CreateHandle registers a proxy for an object owned by the given side.
func (b *Bridge) CreateHandle(owner proxy.Direction, display string, fwd proxy.Forwarder) (*proxy.Proxy, error) {
	if err := b.ensureUp(); err != nil {
		return nil, record(err)
	}
	p, err := b.handles.Create(owner, display, fwd)
	if err != nil {
		return nil, record(coded(ResultNullPointer, "bridge: create handle: %v", err))
	}
	return p, nil
}

// LookupHandle resolves a handle ID to its proxy.
func (b *Bridge) LookupHandle(id string) (*proxy.Proxy, error) {
	p, ok := b.handles.Lookup(id)
	if !ok {
		return nil, record(coded(ResultInvalidHandle, "bridge: no handle %q", id))
	}
	return p, nil
}

// ReleaseHandle drops a handle.
func (b *Bridge) ReleaseHandle(id string) {
	b.handles.Release(id)
}

// Handles exposes the handle store.
func (b *Bridge) Handles() *proxy.Store {
	return b.handles
}

// ---------------------------------------------------------------------------
// Symbolic bindings
// ---------------------------------------------------------------------------

// BindVSA binds a name to a vector-symbol handle.
func (b *Bridge) BindVSA(name, handle string) error {
	if err := b.ensureUp(); err != nil {
		return record(err)
	}
	return record(mapErr(b.vsa.Bind(name, handle)))
}

// UnbindVSA removes a binding.
func (b *Bridge) UnbindVSA(name string) error {
	if err := b.ensureUp(); err != nil {
		return record(err)
	}
	return record(mapErr(b.vsa.Unbind(name)))
}

// QueryVSA runs a symbolic query: the JSON payload is read from
// queryBlock and the engine's JSON result written to resultBlock.
func (b *Bridge) QueryVSA(ctx context.Context, name, queryBlock, resultBlock string) error {
	if err := b.ensureUp(); err != nil {
		return record(err)
	}
	return record(mapErr(b.vsa.Query(ctx, name, queryBlock, resultBlock, b.arena)))
}

// VSA exposes the binding registry.
func (b *Bridge) VSA() *vsa.Registry {
	return b.vsa
}

// Journal returns the most recent task journal entries, newest first.
// Returns nil when journaling is disabled.
func (b *Bridge) Journal(n int) ([]dispatch.JournalEntry, error) {
	if b.journal == nil {
		return nil, nil
	}
	entries, err := b.journal.Tail(n)
	if err != nil {
		return nil, record(coded(ResultIOFailed, "bridge: read journal: %v", err))
	}
	return entries, nil
}
