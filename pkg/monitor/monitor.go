// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package monitor wires a byte stream, the line reader, the loopback tester
// and the log sink together and owns their lifecycle.
package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Thermoquad/expmon/pkg/event"
	"github.com/Thermoquad/expmon/pkg/linereader"
	"github.com/Thermoquad/expmon/pkg/logsink"
	"github.com/Thermoquad/expmon/pkg/loopback"
	"github.com/Thermoquad/expmon/pkg/stream"
)

// ErrStreamOpen marks a run that ended because the stream could not be
// located or opened
var ErrStreamOpen = errors.New("cannot open stream")

// DefaultTick is the main loop poll interval
const DefaultTick = 100 * time.Millisecond

// Opener locates, opens and configures the stream. It may push INFO events
// describing what it found.
type Opener func(ctx context.Context, q *event.Queue) (stream.Stream, error)

// Config configures a Monitor
type Config struct {
	Primary event.Label

	// Input supplies operator lines forwarded to the stream; nil disables it.
	Input io.Reader

	Loopback         bool
	LoopbackInjected bool
	ByteTimeout      time.Duration

	Silence time.Duration
	Tick    time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

// Monitor runs one capture session
type Monitor struct {
	cfg  Config
	q    *event.Queue
	sink *logsink.Sink
	open Opener

	tester atomic.Pointer[loopback.Tester]
}

// New creates a monitor. The sink must read from q.
func New(cfg Config, q *event.Queue, sink *logsink.Sink, open Opener) *Monitor {
	if cfg.Primary == "" {
		cfg.Primary = event.DefaultPrimary
	}
	if cfg.LoopbackInjected {
		cfg.Loopback = true
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Monitor{cfg: cfg, q: q, sink: sink, open: open}
}

// LoopbackStatistics returns the tester counters once loopback has started
func (m *Monitor) LoopbackStatistics() (loopback.Statistics, bool) {
	t := m.tester.Load()
	if t == nil {
		return loopback.Statistics{}, false
	}
	return t.Statistics(), true
}

// reportedError is a fault its component already pushed as an EXC event
type reportedError struct{ err error }

func (e *reportedError) Error() string { return e.err.Error() }
func (e *reportedError) Unwrap() error { return e.err }

// Run executes the session until ctx is cancelled or a component fails.
// It returns nil on cancellation, an error wrapping ErrStreamOpen when the
// stream cannot be opened, and the component error otherwise. Every event
// is written before Run returns.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.sink.Rotate(); err != nil {
		return err
	}
	sinkDone := make(chan error, 1)
	go func() { sinkDone <- m.sink.Run() }()

	m.q.Putf(event.LabelInfo, "Session %s", m.sink.Session())

	s, err := m.open(ctx, m.q)
	if err != nil {
		m.q.Put(event.LabelException, err.Error())
		m.q.Close()
		if sinkErr := <-sinkDone; sinkErr != nil {
			m.cfg.Logger.Error("log sink failed", "error", sinkErr)
		}
		return fmt.Errorf("%w: %w", ErrStreamOpen, err)
	}
	guard := stream.NewGuard(s)

	g, gctx := errgroup.WithContext(ctx)
	if !m.cfg.Loopback {
		r := linereader.New(guard, m.q, linereader.Options{
			Primary: m.cfg.Primary,
			Silence: m.cfg.Silence,
			Now:     m.cfg.Now,
		})
		g.Go(func() error {
			if err := r.Run(gctx); err != nil {
				return &reportedError{err}
			}
			return nil
		})
	}
	g.Go(func() error { return m.loop(gctx, guard) })

	// a dead sink would leave the queue growing with nobody to drain it
	sinkStopped := false
	var sinkErr error
	g.Go(func() error {
		select {
		case sinkErr = <-sinkDone:
			sinkStopped = true
			if sinkErr == nil {
				sinkErr = errors.New("log sink stopped")
			}
			return fmt.Errorf("log sink: %w", sinkErr)
		case <-gctx.Done():
			return nil
		}
	})

	runErr := g.Wait()
	userStop := ctx.Err() != nil && (runErr == nil || errors.Is(runErr, context.Canceled))
	var reported *reportedError
	switch {
	case userStop:
		runErr = nil
		m.q.Put(event.LabelInfo, "Closed by user")
	case runErr != nil && !errors.As(runErr, &reported) && !sinkStopped:
		m.q.Put(event.LabelException, runErr.Error())
	}

	if guard.IsOpen() {
		m.q.Put(event.LabelInfo, "Closing serial")
	}
	if err := guard.Close(); err != nil {
		m.cfg.Logger.Warn("close stream", "error", err)
	}

	m.q.Close()
	if !sinkStopped {
		sinkErr = <-sinkDone
		if sinkErr != nil && runErr == nil {
			runErr = fmt.Errorf("log sink: %w", sinkErr)
		}
	}
	m.cfg.Logger.Debug("monitor stopped", "error", runErr)
	return runErr
}

// loop forwards operator input and runs loopback passes, one per tick
func (m *Monitor) loop(ctx context.Context, s stream.Stream) error {
	var lines <-chan string
	if m.cfg.Input != nil {
		lines = readLines(ctx, m.cfg.Input)
	}

	var tester *loopback.Tester
	if m.cfg.Loopback {
		tester = loopback.New(s, m.q, loopback.Options{
			Primary:     m.cfg.Primary,
			Injected:    m.cfg.LoopbackInjected,
			ByteTimeout: m.cfg.ByteTimeout,
			Now:         m.cfg.Now,
		})
		m.tester.Store(tester)
	}

	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := forward(s, lines); err != nil {
			return err
		}
		if tester != nil {
			if err := tester.Pass(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return fmt.Errorf("loopback: %w", err)
			}
		}
	}
}

// forward writes every pending operator line to the stream
func forward(s stream.Stream, lines <-chan string) error {
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if _, err := s.Write([]byte(line + "\n")); err != nil {
				return fmt.Errorf("write input: %w", err)
			}
			if err := s.Flush(); err != nil {
				return fmt.Errorf("flush input: %w", err)
			}
		default:
			return nil
		}
	}
}

// readLines scans r in the background. A terminal read cannot be
// interrupted, so the goroutine only exits on EOF or once ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string, 16)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
