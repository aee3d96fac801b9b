// Package shm provides the OS-backed shared-memory arena used to move
// bulk payloads between the core and substrate processes without
// round-tripping through the JSON channel.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var (
	// ErrUnknownBlock is returned when a block name has no live entry.
	ErrUnknownBlock = errors.New("shm: unknown block")

	// ErrStillMapped is returned by Destroy while views are outstanding.
	ErrStillMapped = errors.New("shm: block still mapped")

	// ErrViewMismatch is returned by Unmap when the view was not produced
	// by a Map call on that block.
	ErrViewMismatch = errors.New("shm: view does not belong to block")

	// ErrBadSize is returned by Create for non-positive sizes.
	ErrBadSize = errors.New("shm: size must be > 0")

	// ErrOS wraps operating-system failures from block creation and
	// mapping calls.
	ErrOS = errors.New("shm: os failure")

	// ErrAllocate wraps failures to reserve a block's backing storage.
	ErrAllocate = errors.New("shm: allocation failed")
)

// blockCounter feeds block names process-wide, so blocks from different
// arenas never collide on disk.
var blockCounter atomic.Uint64

// block is the arena's bookkeeping for one OS-backed memory object.
type block struct {
	name  string
	size  int
	file  *os.File
	views map[*byte][]byte // keyed by backing-array pointer of each view
}

// Arena owns named shared-memory blocks. Block names are generated from
// the process ID plus a process-wide monotonic counter so two arenas
// never collide. Contents carry no internal locking; writers are
// serialized by the request/response turn-taking of the task protocol.
type Arena struct {
	mu     sync.Mutex
	blocks map[string]*block
	dir    string
}

// NewArena creates an empty arena. Blocks are backed by files under
// /dev/shm where available, the system temp directory otherwise.
func NewArena() *Arena {
	dir := "/dev/shm"
	if runtime.GOOS != "linux" {
		dir = os.TempDir()
	} else if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		dir = os.TempDir()
	}
	return &Arena{
		blocks: make(map[string]*block),
		dir:    dir,
	}
}

// Create allocates a new block of the given size and returns its unique
// name. The block starts unmapped.
func (a *Arena) Create(size int) (string, error) {
	if size <= 0 {
		return "", ErrBadSize
	}

	name := fmt.Sprintf("synapse-%d-%d", os.Getpid(), blockCounter.Add(1))
	f, err := os.OpenFile(filepath.Join(a.dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", ErrOS, name, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: size %s to %d bytes: %v", ErrAllocate, name, size, err)
	}

	a.mu.Lock()
	a.blocks[name] = &block{
		name:  name,
		size:  size,
		file:  f,
		views: make(map[*byte][]byte),
	}
	a.mu.Unlock()

	return name, nil
}

// Map returns a writable view of the block and increments its map count.
// A block may be mapped by several callers at once.
func (a *Arena) Map(name string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.blocks[name]
	if !ok {
		return nil, ErrUnknownBlock
	}

	view, err := unix.Mmap(int(b.file.Fd()), 0, b.size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: map %s: %v", ErrOS, name, err)
	}
	b.views[&view[0]] = view
	return view, nil
}

// Unmap releases a view previously returned by Map. The exact view is
// required; a slice that was not handed out for this block is rejected.
func (a *Arena) Unmap(name string, view []byte) error {
	if len(view) == 0 {
		return ErrViewMismatch
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.blocks[name]
	if !ok {
		return ErrUnknownBlock
	}
	key := &view[0]
	stored, ok := b.views[key]
	if !ok {
		return ErrViewMismatch
	}
	delete(b.views, key)

	if err := unix.Munmap(stored); err != nil {
		return fmt.Errorf("shm: unmap %s: %w", name, err)
	}
	return nil
}

// MappedCount reports the number of outstanding views of a block.
func (a *Arena) MappedCount(name string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.blocks[name]
	if !ok {
		return 0, ErrUnknownBlock
	}
	return len(b.views), nil
}

// Size reports a block's size in bytes.
func (a *Arena) Size(name string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.blocks[name]
	if !ok {
		return 0, ErrUnknownBlock
	}
	return b.size, nil
}

// Destroy unlinks a block. It fails while any view is outstanding.
func (a *Arena) Destroy(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.blocks[name]
	if !ok {
		return ErrUnknownBlock
	}
	if len(b.views) > 0 {
		return fmt.Errorf("%w: %s has %d outstanding views", ErrStillMapped, name, len(b.views))
	}

	path := b.file.Name()
	b.file.Close()
	os.Remove(path)
	delete(a.blocks, name)
	return nil
}

// DestroyAll force-releases every block, unmapping outstanding views
// first. Used on bridge shutdown, where straggling views are abandoned
// rather than honored.
func (a *Arena) DestroyAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for name, b := range a.blocks {
		for key, view := range b.views {
			unix.Munmap(view)
			delete(b.views, key)
		}
		path := b.file.Name()
		b.file.Close()
		os.Remove(path)
		delete(a.blocks, name)
	}
}

// Len reports the number of live blocks.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocks)
}
