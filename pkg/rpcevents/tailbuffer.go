package rpcevents

import "sync"

// DefaultTailBytes is the stderr tail buffer size (spec.md §4.1: "bounded
// tail buffer (default 50 KB, keeping the newest bytes)").
const DefaultTailBytes = 50 * 1024

// TailBuffer is a byte-bounded FIFO that keeps only the newest maxBytes of
// appended data, evicting from the front. Grounded on the process-runner
// example's ringBuffer, adapted from chunked ProcessOutputChunk eviction to
// a flat byte slice since the RPC client only needs the trailing text, not
// per-chunk timestamps.
type TailBuffer struct {
	mu       sync.Mutex
	maxBytes int
	data     []byte
}

// NewTailBuffer creates a tail buffer holding at most maxBytes bytes.
// Non-positive maxBytes falls back to DefaultTailBytes.
func NewTailBuffer(maxBytes int) *TailBuffer {
	if maxBytes <= 0 {
		maxBytes = DefaultTailBytes
	}
	return &TailBuffer{maxBytes: maxBytes}
}

// Write appends p, trimming from the front if the buffer exceeds its cap.
// Always returns len(p), nil, satisfying io.Writer.
func (b *TailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if over := len(b.data) - b.maxBytes; over > 0 {
		b.data = append([]byte(nil), b.data[over:]...)
	}
	return len(p), nil
}

// String returns the currently buffered tail as a string.
func (b *TailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// Len returns the current number of buffered bytes.
func (b *TailBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}
