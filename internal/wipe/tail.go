package wipe

import (
	"sync"
)

// tailBuffer keeps the last max bytes written to it and drops the rest.
type tailBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64
}

func newTailBuffer(maxBytes int) *tailBuffer {
	return &tailBuffer{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

func (tb *tailBuffer) Write(p []byte) (int, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.written += int64(len(p))
	if len(p) >= tb.max {
		tb.data = append(tb.data[:0], p[len(p)-tb.max:]...)
		return len(p), nil
	}
	tb.data = append(tb.data, p...)
	if len(tb.data) > tb.max {
		// shift in place so the backing array stays bounded
		n := copy(tb.data, tb.data[len(tb.data)-tb.max:])
		tb.data = tb.data[:n]
	}
	return len(p), nil
}

func (tb *tailBuffer) String() string {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return string(tb.data)
}

// Total counts every byte ever written, including dropped ones.
func (tb *tailBuffer) Total() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.written
}
