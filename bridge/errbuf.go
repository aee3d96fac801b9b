package bridge

import "sync"

// errorBufferCap bounds the stored message; longer messages are truncated.
const errorBufferCap = 1024

// ErrorBuffer holds the most recent bridge-level failure message. Each
// failing call overwrites it; reads copy out at most errorBufferCap bytes.
type ErrorBuffer struct {
	mu       sync.Mutex
	message  string
	occupied bool
}

// Record stores a failure message, truncating to the buffer bound.
func (b *ErrorBuffer) Record(message string) {
	if len(message) > errorBufferCap {
		message = message[:errorBufferCap]
	}
	b.mu.Lock()
	b.message = message
	b.occupied = true
	b.mu.Unlock()
}

// Last returns the stored message and whether one is present.
func (b *ErrorBuffer) Last() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.message, b.occupied
}

// Clear resets the buffer to empty.
func (b *ErrorBuffer) Clear() {
	b.mu.Lock()
	b.message = ""
	b.occupied = false
	b.mu.Unlock()
}
