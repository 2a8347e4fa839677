// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package streamtest provides a scripted in-memory stream for tests.
package streamtest

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// Step is one scripted read outcome: data, an error, or a timeout
type Step struct {
	Data    []byte
	Err     error
	Timeout bool
}

// Data returns a step that makes s readable
func Data(s string) Step { return Step{Data: []byte(s)} }

// Bytes returns a step that makes b readable
func Bytes(b ...byte) Step { return Step{Data: b} }

// Fail returns a step whose read fails with err
func Fail(err error) Step { return Step{Err: err} }

// Timeout returns a step whose read times out with no data
func Timeout() Step { return Step{Timeout: true} }

// Script is a stream.Stream driven by a list of steps.
//
// Reads hand out one byte per call, like a serial read of size one. When the
// script is exhausted, reads either time out forever or, with EOFWhenDone,
// fail with io.EOF.
type Script struct {
	mu      sync.Mutex
	steps   []Step
	pending []byte
	closed  bool

	written bytes.Buffer
	resets  int

	// OnTimeout runs on every timed-out read, outside the lock. Tests use it
	// to advance a fake clock.
	OnTimeout func()

	// Respond, when set, receives every Write and returns bytes that become
	// readable, e.g. an echo for loopback tests.
	Respond func(written []byte) []byte

	// EOFWhenDone makes reads fail with io.EOF after the last step.
	EOFWhenDone bool

	// IdleSleep throttles reads once the script is exhausted.
	IdleSleep time.Duration
}

// New creates a script from steps
func New(steps ...Step) *Script {
	return &Script{steps: steps, IdleSleep: time.Millisecond}
}

// Echo returns a responder that reflects every write unchanged
func Echo() func([]byte) []byte {
	return func(b []byte) []byte { return append([]byte(nil), b...) }
}

func (s *Script) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	for len(s.pending) == 0 && len(s.steps) > 0 {
		step := s.steps[0]
		s.steps = s.steps[1:]
		switch {
		case step.Err != nil:
			s.mu.Unlock()
			return 0, step.Err
		case step.Timeout:
			s.mu.Unlock()
			s.timeout()
			return 0, nil
		default:
			s.pending = append(s.pending, step.Data...)
		}
	}
	if len(s.pending) == 0 {
		eof := s.EOFWhenDone
		idle := s.IdleSleep
		s.mu.Unlock()
		if eof {
			return 0, io.EOF
		}
		time.Sleep(idle)
		s.timeout()
		return 0, nil
	}

	n := copy(p[:1], s.pending)
	s.pending = s.pending[n:]
	s.mu.Unlock()
	return n, nil
}

func (s *Script) timeout() {
	if s.OnTimeout != nil {
		s.OnTimeout()
	}
}

func (s *Script) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.written.Write(p)
	if s.Respond != nil {
		s.pending = append(s.pending, s.Respond(p)...)
	}
	return len(p), nil
}

// Push makes more data readable
func (s *Script) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

func (s *Script) Flush() error { return nil }

func (s *Script) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.resets++
	return nil
}

func (s *Script) ResetOutputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return nil
}

func (s *Script) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Script) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Written returns everything written so far
func (s *Script) Written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

// Resets returns how many buffer resets were requested
func (s *Script) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}
