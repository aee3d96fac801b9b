package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrWorkerDead is returned when the worker process is gone.
	ErrWorkerDead = errors.New("dispatch: worker process is dead")

	// ErrTimeout is returned when no response arrives within the bound.
	ErrTimeout = errors.New("dispatch: timed out waiting for worker")
)

// maxLineBytes bounds a single response line read from a worker.
const maxLineBytes = 16 << 20

// transport is one request/response channel to a worker. The pool talks
// to workers only through this, which keeps process plumbing out of the
// dispatch logic and gives tests a seam.
type transport interface {
	roundTrip(ctx context.Context, payload []byte) ([]byte, error)
	alive() bool
	close(grace time.Duration)
}

// procWorker runs one substrate worker as a child process speaking
// newline-delimited JSON over its stdin/stdout.
type procWorker struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan []byte
	dead  atomic.Bool

	waitOnce sync.Once
	waitErr  error
}

// startWorker launches the worker executable and begins reading its
// response stream.
func startWorker(path string) (*procWorker, error) {
	cmd := exec.Command(path)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("dispatch: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("dispatch: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("dispatch: start %s: %w", path, err)
	}

	w := &procWorker{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan []byte, 1),
	}

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			w.lines <- line
		}
		w.dead.Store(true)
		close(w.lines)
	}()

	return w, nil
}

// roundTrip sends one request line and waits for one response line. The
// pairing discipline means a worker that answers late is unusable: the
// caller must discard the transport rather than reuse it after an error.
func (w *procWorker) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	if w.dead.Load() {
		return nil, ErrWorkerDead
	}

	if _, err := w.stdin.Write(append(payload, '\n')); err != nil {
		w.dead.Store(true)
		return nil, fmt.Errorf("%w: %v", ErrWorkerDead, err)
	}

	select {
	case line, ok := <-w.lines:
		if !ok {
			return nil, ErrWorkerDead
		}
		return line, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (w *procWorker) alive() bool {
	return !w.dead.Load()
}

// close asks the worker to exit by closing its stdin, waits up to the
// grace period, then force-kills the process.
func (w *procWorker) close(grace time.Duration) {
	w.stdin.Close()

	done := make(chan struct{})
	go func() {
		w.waitOnce.Do(func() { w.waitErr = w.cmd.Wait() })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		w.cmd.Process.Kill()
		<-done
	}
	w.dead.Store(true)

	// Drain any buffered late reply so the reader goroutine can finish.
	go func() {
		for range w.lines {
		}
	}()
}
