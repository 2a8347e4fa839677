// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package linereader turns the SUT's UART byte stream into line events.
package linereader

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Thermoquad/expmon/pkg/event"
)

// DefaultSilence is how long the SUT may stay quiet before a warning
const DefaultSilence = 150 * time.Second

// Options configures a Reader
type Options struct {
	// Primary labels completed lines; the zero value means event.DefaultPrimary.
	Primary event.Label
	// Silence is the watchdog threshold; zero means DefaultSilence.
	Silence time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Reader accumulates bytes into lines and pushes them onto a queue
type Reader struct {
	src  io.Reader
	q    *event.Queue
	opts Options

	line strings.Builder
}

// New creates a reader over src. src must return (0, nil) when its read
// timeout elapses so cancellation and the watchdog get a chance to run.
func New(src io.Reader, q *event.Queue, opts Options) *Reader {
	if opts.Primary == "" {
		opts.Primary = event.DefaultPrimary
	}
	if opts.Silence <= 0 {
		opts.Silence = DefaultSilence
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reader{src: src, q: q, opts: opts}
}

// SilenceMessage is the warning payload for a silence threshold
func SilenceMessage(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf(">=%s without output", d)
	}
	return fmt.Sprintf(">=%.4g minutes without output", d.Minutes())
}

// Run reads until ctx is cancelled or the stream faults. A fault is pushed
// as an EXC event and returned. Either way a buffered partial line is
// pushed once under the finalization label.
func (r *Reader) Run(ctx context.Context) (err error) {
	defer func() {
		if r.line.Len() > 0 {
			r.put(r.opts.Primary.Final(), r.line.String())
			r.line.Reset()
		}
	}()

	r.put(event.LabelInfo, "Listening serial...")

	buf := make([]byte, 1)
	last := r.opts.Now()
	for ctx.Err() == nil {
		n, err := r.src.Read(buf)
		if err != nil {
			r.put(event.LabelException, err.Error())
			return fmt.Errorf("linereader: %w", err)
		}
		now := r.opts.Now()
		if n == 0 {
			if now.Sub(last) >= r.opts.Silence {
				last = now
				r.put(event.LabelWarn, SilenceMessage(r.opts.Silence))
			}
			continue
		}
		last = now
		r.feed(buf[0])
	}
	return nil
}

func (r *Reader) feed(b byte) {
	switch {
	case b >= 0x80:
		// not a single-byte UTF-8 sequence: escape it and end the line
		fmt.Fprintf(&r.line, "x%02X", b)
		r.emit()
	case b == '\n':
		r.emit()
	case b >= 0x20 && b < 0x7F:
		r.line.WriteByte(b)
	}
}

func (r *Reader) emit() {
	r.put(r.opts.Primary, r.line.String())
	r.line.Reset()
}

func (r *Reader) put(label event.Label, payload string) {
	r.q.Push(event.Event{Time: r.opts.Now(), Label: label, Payload: payload})
}
