// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logsink is the single consumer of the event queue. It writes every
// event to the current session file, the console and, for anything that is
// not SUT output, the actions file.
package logsink

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/google/uuid"

	"github.com/Thermoquad/expmon/pkg/event"
	"github.com/Thermoquad/expmon/pkg/telemetry"
)

// Tap observes every event after it has been written
type Tap interface {
	Observe(ev event.Event, line string)
}

// TapFunc adapts a function to Tap
type TapFunc func(ev event.Event, line string)

// Observe calls f
func (f TapFunc) Observe(ev event.Event, line string) { f(ev, line) }

// Options configures a Sink
type Options struct {
	Dir     string
	Info    string
	Primary event.Label
	Parser  telemetry.Parser

	// Console receives the parsed lines; nil means os.Stdout.
	Console io.Writer
	// Color keeps ANSI escapes on the console. Files always keep them.
	Color bool

	// RotateOn starts a new session file when a primary line contains the
	// marker a second time within the same session.
	RotateOn string
	Compress Compression

	Now    func() time.Time
	Open   func(path string) (io.WriteCloser, error)
	Logger *slog.Logger
	Taps   []Tap
}

// Sink drains a queue into the log destinations
type Sink struct {
	q      *event.Queue
	opts   Options
	format Formatter

	mu         sync.Mutex
	file       io.WriteCloser
	path       string
	session    uuid.UUID
	markerSeen bool
	closed     bool
}

// New creates a sink reading from q
func New(q *event.Queue, opts Options) *Sink {
	if opts.Dir == "" {
		opts.Dir = "logs"
	}
	if opts.Primary == "" {
		opts.Primary = event.DefaultPrimary
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Open == nil {
		opts.Open = openAppend
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Sink{
		q:      q,
		opts:   opts,
		format: Formatter{Info: opts.Info, Primary: opts.Primary, Parser: opts.Parser},
	}
}

func openAppend(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// Path returns the current session file
func (s *Sink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Session returns the current session ID
func (s *Sink) Session() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// ActionsPath is the append-only file collecting non-SUT events
func (s *Sink) ActionsPath() string {
	return filepath.Join(s.opts.Dir, s.opts.Info+"-actions.log")
}

// SessionFileName returns the session log name for a start time
func SessionFileName(info string, t time.Time) string {
	return fmt.Sprintf("%s-%s-%06d.log", info, t.Format("2006-01-02T15-04-05"), t.Nanosecond()/1000)
}

// Rotate closes the current session file, if any, and opens a new one.
// The new path is announced with an INFO event.
func (s *Sink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked(false)
}

// rotateLocked opens a new session file. The notice naming it is queued, or
// written at once when inline is set (rotation from inside the consumer) or
// the queue is closed.
func (s *Sink) rotateLocked(inline bool) error {
	if s.closed {
		return fmt.Errorf("logsink: rotate after close")
	}
	s.closeFileLocked()

	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("logsink: %w", err)
	}
	now := s.opts.Now()
	path := filepath.Join(s.opts.Dir, SessionFileName(s.opts.Info, now))
	f, err := s.opts.Open(path)
	if err != nil {
		return fmt.Errorf("logsink: open session file: %w", err)
	}
	s.file = f
	s.path = path
	s.session = uuid.New()
	s.markerSeen = false

	notice := event.Event{Time: now, Label: event.LabelInfo, Payload: "Logging to file " + path}
	if inline || !s.q.Push(notice) {
		return s.writeLocked(notice)
	}
	return nil
}

// closeFileLocked closes and optionally compresses the session file
func (s *Sink) closeFileLocked() {
	if s.file == nil {
		return
	}
	if err := s.file.Close(); err != nil {
		s.opts.Logger.Warn("close session file", "path", s.path, "error", err)
	}
	s.file = nil
	if s.opts.Compress == CompressionNone {
		return
	}
	packed, err := CompressFile(s.path, s.opts.Compress)
	if err != nil {
		s.opts.Logger.Warn("compress session file", "path", s.path, "error", err)
		return
	}
	s.opts.Logger.Debug("session file compressed", "path", packed, "session", s.session)
}

// Run consumes events until the queue is closed and drained, then closes
// the session file. A failed session file write stops the sink.
func (s *Sink) Run() error {
	defer s.Close()
	for {
		ev, ok := s.q.Pop()
		if !ok {
			return nil
		}
		if err := s.handle(ev); err != nil {
			return err
		}
	}
}

// Close releases the session file. Safe to call more than once.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closeFileLocked()
	s.closed = true
}

func (s *Sink) handle(ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.RotateOn != "" && ev.Label == s.opts.Primary && strings.Contains(ev.Payload, s.opts.RotateOn) {
		if s.markerSeen {
			if err := s.rotateLocked(true); err != nil {
				return err
			}
		}
		s.markerSeen = true
	}
	return s.writeLocked(ev)
}

func (s *Sink) writeLocked(ev event.Event) error {
	if s.file == nil {
		return fmt.Errorf("logsink: no session file open")
	}

	raw := s.format.Raw(ev)
	if _, err := io.WriteString(s.file, raw+"\n"); err != nil {
		return fmt.Errorf("logsink: write %s: %w", s.path, err)
	}
	if syncer, ok := s.file.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			return fmt.Errorf("logsink: sync %s: %w", s.path, err)
		}
	}

	parsed := s.format.Parsed(ev)
	console := parsed
	if !s.opts.Color {
		console = ansi.Strip(parsed)
	}
	if _, err := io.WriteString(s.opts.Console, console+"\n"); err != nil {
		s.opts.Logger.Warn("console write failed", "error", err)
	}

	if !ev.Label.IsFamilyOf(s.opts.Primary) {
		if err := s.appendAction(raw); err != nil {
			s.opts.Logger.Warn("actions log write failed", "path", s.ActionsPath(), "error", err)
		}
	}

	for _, tap := range s.opts.Taps {
		tap.Observe(ev, parsed)
	}
	return nil
}

func (s *Sink) appendAction(line string) error {
	f, err := os.OpenFile(s.ActionsPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(f, line+"\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
