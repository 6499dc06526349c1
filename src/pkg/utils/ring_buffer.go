package utils

import (
	"sync"
	"unicode/utf8"
)

// RingBuffer 固定容量的环形字节缓冲区，只保留最近写入的 size 字节
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []byte
	size     int
	writePos int
	full     bool
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

func (rb *RingBuffer) Write(p []byte) (n int, err error) {
	n = len(p)
	if n == 0 {
		return 0, nil
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n >= rb.size {
		copy(rb.buf, p[n-rb.size:])
		rb.writePos = 0
		rb.full = true
		return n, nil
	}

	remaining := rb.size - rb.writePos
	if n <= remaining {
		copy(rb.buf[rb.writePos:], p)
		rb.writePos += n
		if rb.writePos == rb.size {
			rb.writePos = 0
			rb.full = true
		}
		return n, nil
	}
	// 绕回
	copy(rb.buf[rb.writePos:], p[:remaining])
	copy(rb.buf, p[remaining:])
	rb.writePos = n - remaining
	rb.full = true
	return n, nil
}

func (rb *RingBuffer) WriteString(s string) (int, error) {
	return rb.Write([]byte(s))
}

// Bytes 按写入顺序返回内容的副本
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if !rb.full {
		out := make([]byte, rb.writePos)
		copy(out, rb.buf[:rb.writePos])
		return out
	}
	out := make([]byte, rb.size)
	n := copy(out, rb.buf[rb.writePos:])
	copy(out[n:], rb.buf[:rb.writePos])
	return out
}

// String 返回内容，丢弃被截断在开头的半个 UTF-8 字符
func (rb *RingBuffer) String() string {
	b := rb.Bytes()
	for len(b) > 0 && !utf8.RuneStart(b[0]) {
		b = b[1:]
	}
	return string(b)
}

func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	if rb.full {
		return rb.size
	}
	return rb.writePos
}

func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.writePos = 0
	rb.full = false
}
