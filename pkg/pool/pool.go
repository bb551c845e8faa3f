// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pool provides a bounded cache of fixed-size byte buffers.
//
// Each tunnel connection owns a private pool sized to the largest payload it
// forwards. Buffers handed to Put belong to the pool afterwards and must not
// be touched by the caller.
package pool

import (
	"errors"
	"sync"
)

// DefaultMaxIdle is the number of idle buffers kept when no cap is configured.
const DefaultMaxIdle = 64

// ErrSizeMismatch is returned when a buffer of the wrong capacity is released.
var ErrSizeMismatch = errors.New("buffer size does not match pool")

// BufferPool recycles byte slices of a single fixed size.
type BufferPool struct {
	mu        sync.Mutex
	idle      [][]byte
	size      int
	maxIdle   int
	allocated uint64
}

// New creates a pool of buffers of the given size. At most maxIdle released
// buffers are cached; if maxIdle <= 0, DefaultMaxIdle is used.
func New(size, maxIdle int) *BufferPool {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &BufferPool{
		size:    size,
		maxIdle: maxIdle,
	}
}

// Get returns a cached buffer or allocates a fresh one.
// The returned slice always has length and capacity equal to Size.
func (p *BufferPool) Get() []byte {
	p.mu.Lock()
	if n := len(p.idle); n > 0 {
		buf := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return buf
	}
	p.allocated++
	p.mu.Unlock()

	return make([]byte, p.size)
}

// Put releases buf back to the pool. Once the idle cache is full the buffer
// is left to the garbage collector.
func (p *BufferPool) Put(buf []byte) error {
	if cap(buf) != p.size {
		return ErrSizeMismatch
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.idle) >= p.maxIdle {
		return nil
	}
	p.idle = append(p.idle, buf[:p.size])

	return nil
}

// Size returns the length of buffers handed out by the pool.
func (p *BufferPool) Size() int {
	return p.size
}

// Stats returns the number of cached buffers and the number of buffers
// allocated over the pool's lifetime.
func (p *BufferPool) Stats() (idle int, allocated uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.allocated
}
