// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package stream defines the duplex byte channel the monitor reads from.
package stream

import (
	"errors"
	"sync"
)

// Stream is a duplex byte channel with a bounded read timeout.
//
// Read returns (0, nil) when the timeout elapses without data. Any error
// returned by Read or Write is treated as a stream fault.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	Close() error
	IsOpen() bool
}

// ErrClosed is returned by a Guard after Close
var ErrClosed = errors.New("stream closed")

// Guard wraps a stream so it is closed exactly once. Calls after Close
// fail with ErrClosed instead of reaching the underlying device.
type Guard struct {
	inner Stream

	mu     sync.RWMutex
	closed bool
}

// NewGuard wraps s
func NewGuard(s Stream) *Guard {
	return &Guard{inner: s}
}

func (g *Guard) Read(p []byte) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return 0, ErrClosed
	}
	return g.inner.Read(p)
}

func (g *Guard) Write(p []byte) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return 0, ErrClosed
	}
	return g.inner.Write(p)
}

func (g *Guard) Flush() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrClosed
	}
	return g.inner.Flush()
}

func (g *Guard) ResetInputBuffer() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrClosed
	}
	return g.inner.ResetInputBuffer()
}

func (g *Guard) ResetOutputBuffer() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrClosed
	}
	return g.inner.ResetOutputBuffer()
}

// Close closes the wrapped stream on the first call; later calls are no-ops.
// It waits for in-flight reads, which are bounded by the read timeout.
func (g *Guard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	return g.inner.Close()
}

// IsOpen reports whether the guard and the wrapped stream are still open
func (g *Guard) IsOpen() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return !g.closed && g.inner.IsOpen()
}
