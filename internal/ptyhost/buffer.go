package ptyhost

import (
	"strings"
	"sync"
)

// Buffer is a thread-safe circular buffer for terminal output
type Buffer struct {
	mu   sync.Mutex
	data []byte
	size int
	head int
	full bool
}

// NewBuffer creates a new circular buffer
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 64 * 1024
	}
	return &Buffer{data: make([]byte, size), size: size}
}

// Write appends p, overwriting the oldest bytes once full.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.size {
		copy(b.data, p[n-b.size:])
		b.head, b.full = 0, true
		return n, nil
	}
	for len(p) > 0 {
		c := copy(b.data[b.head:], p)
		p = p[c:]
		b.head += c
		if b.head == b.size {
			b.head, b.full = 0, true
		}
	}
	return n, nil
}

// Bytes returns the buffered output, oldest first.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		return append([]byte(nil), b.data[:b.head]...)
	}
	out := make([]byte, 0, b.size)
	out = append(out, b.data[b.head:]...)
	return append(out, b.data[:b.head]...)
}

// Tail returns at most the last n lines.
func (b *Buffer) Tail(n int) string {
	s := string(b.Bytes())
	if n <= 0 {
		return s
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
