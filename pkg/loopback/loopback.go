// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package loopback runs the byte-by-byte link integrity test: every value
// 0..255 is sent framed as "[i]\n" and must come back in the echo.
package loopback

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Thermoquad/expmon/pkg/event"
	"github.com/Thermoquad/expmon/pkg/stream"
)

// DefaultByteTimeout bounds how long one echo may take
const DefaultByteTimeout = 100 * time.Millisecond

// invalidMarker replaces a byte that is not single-byte UTF-8
const invalidMarker = "[]"

var echoPattern = regexp.MustCompile(`\[(\w+)\]`)

// Options configures a Tester
type Options struct {
	Primary event.Label
	// Injected forces the echo of byte 0 to be treated as lost on every pass.
	Injected    bool
	ByteTimeout time.Duration
	Now         func() time.Time
}

// Tester owns the loopback error counter across passes
type Tester struct {
	s    stream.Stream
	q    *event.Queue
	opts Options

	mu    sync.Mutex
	stats *Statistics
}

// New creates a tester writing to and reading from s
func New(s stream.Stream, q *event.Queue, opts Options) *Tester {
	if opts.Primary == "" {
		opts.Primary = event.DefaultPrimary
	}
	if opts.ByteTimeout <= 0 {
		opts.ByteTimeout = DefaultByteTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tester{s: s, q: q, opts: opts, stats: NewStatistics()}
}

// Statistics returns a snapshot of the counters
func (t *Tester) Statistics() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.stats
}

// Errors returns the error counter
func (t *Tester) Errors() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.Errors
}

// Pass flushes the stream buffers and round-trips 0..255 once. Stream
// errors are returned unchanged; echo errors are counted and reported as
// EXC events.
func (t *Tester) Pass(ctx context.Context) error {
	start := t.opts.Now()
	t.q.Put(t.opts.Primary, "")
	t.q.Put(event.LabelWarn, "Flush I/O buffers from serial device")
	if err := t.s.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input buffer: %w", err)
	}
	if err := t.s.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("reset output buffer: %w", err)
	}
	t.q.Put(event.LabelWarn, "Test byte to byte")

	for i := 0; i < 256; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := t.s.Write([]byte(fmt.Sprintf("[%d]\n", i))); err != nil {
			return fmt.Errorf("write byte %d: %w", i, err)
		}
		echo, err := t.readEcho()
		if err != nil {
			return fmt.Errorf("read echo of byte %d: %w", i, err)
		}

		got, ok := Extract(echo)
		if t.opts.Injected && i == 0 {
			ok = false
		}
		t.record(i, got, ok)
	}

	t.mu.Lock()
	t.stats.CompletePass(t.opts.Now().Sub(start))
	t.mu.Unlock()
	return nil
}

func (t *Tester) record(sent, received int, ok bool) {
	t.mu.Lock()
	t.stats.Update(sent, received, ok)
	counter := t.stats.Errors
	t.mu.Unlock()

	switch {
	case !ok:
		t.q.Putf(event.LabelException,
			"byte_error: counter \033[91m%3d\033[0m  sent \033[96m%3d\033[0m  received \033[93mNone\033[0m",
			counter, sent)
	case received != sent:
		t.q.Putf(event.LabelException,
			"byte_error: counter \033[91m%3d\033[0m  sent \033[96m%3d\033[0m  received \033[93m%3d\033[0m",
			counter, sent, received)
	}
}

// readEcho accumulates single bytes until a newline, an invalid byte or
// the byte timeout
func (t *Tester) readEcho() (string, error) {
	var line strings.Builder
	buf := make([]byte, 1)
	start := t.opts.Now()
	for t.opts.Now().Sub(start) < t.opts.ByteTimeout {
		n, err := t.s.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			continue
		}
		switch b := buf[0]; {
		case b >= 0x80:
			line.WriteString(invalidMarker)
			return line.String(), nil
		case b == '\n':
			return line.String(), nil
		default:
			line.WriteByte(b)
		}
	}
	return line.String(), nil
}

// Extract returns the decimal value inside the first bracketed word of an
// echo. ok is false when there is none or it is not a decimal number.
func Extract(echo string) (int, bool) {
	m := echoPattern.FindStringSubmatch(echo)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}
