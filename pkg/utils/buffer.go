package utils

import (
	"bytes"
	"sync"
)

// MaxStderrSize bounds what is kept of a child process's stderr.
const MaxStderrSize = 64 * 1024

// BoundedBuffer is an io.Writer that keeps only the newest maxSize bytes.
type BoundedBuffer struct {
	mu      sync.Mutex
	data    []byte
	maxSize int
}

func NewBoundedBuffer(maxSize int) *BoundedBuffer {
	return &BoundedBuffer{data: make([]byte, 0, maxSize), maxSize: maxSize}
}

func NewStderrBuffer() *BoundedBuffer {
	return NewBoundedBuffer(MaxStderrSize)
}

func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.maxSize {
		b.data = append(b.data[:0], p[n-b.maxSize:]...)
		return n, nil
	}
	if over := len(b.data) + n - b.maxSize; over > 0 {
		b.data = b.data[over:]
	}
	b.data = append(b.data, p...)
	return n, nil
}

func (b *BoundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

// LastLine returns the last non-empty line, truncated to 200 bytes.
func LastLine(s string) string {
	lines := bytes.Split([]byte(s), []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := string(bytes.TrimSpace(lines[i]))
		if line == "" {
			continue
		}
		if len(line) > 200 {
			return line[:200] + "..."
		}
		return line
	}
	return ""
}
