// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/expmon/pkg/event"
	"github.com/Thermoquad/expmon/pkg/monitor"
	"github.com/Thermoquad/expmon/pkg/stream"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Test raw link stability without logging",
	Long: `Open the serial port or WebSocket and just read, printing every chunk
received and any error encountered. Nothing is written to the SUT and no log
files are created. Useful for checking cabling and relay stability before a
long logging session.

Exit codes:
  0 - Link stayed up for the whole duration
  1 - Link failed during the test
  2 - Connection error`,
	RunE: runProbe,
}

var probeDuration time.Duration

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().DurationVar(&probeDuration, "duration", 30*time.Second, "Test duration")
	probeCmd.Flags().IntVar(&ftdiPort, "ftdi-port", 0, "Pick the Nth port matching --port (1-based)")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("ftdi-port") {
		cfg.Serial.FTDIPort = ftdiPort
	}
	cmd.SilenceUsage = true

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := event.NewQueue()
	s, err := streamOpener(cfg)(ctx, q)
	q.Close()
	for ev, ok := q.Pop(); ok; ev, ok = q.Pop() {
		fmt.Printf("[%s] %s\n", ev.Label, ev.Payload)
	}
	if err != nil {
		return &exitError{code: 2, err: fmt.Errorf("%w: %w", monitor.ErrStreamOpen, err)}
	}
	defer s.Close()

	fmt.Printf("Link Stability Test\n")
	fmt.Printf("Connection: %s\n", s)
	fmt.Printf("Duration: %s\n\n", probeDuration)
	fmt.Printf("Listening for data...\n\n")

	res := probe(ctx, s, probeDuration, os.Stdout)

	fmt.Printf("\n--- Test Results ---\n")
	fmt.Printf("Duration: %s\n", res.Elapsed.Truncate(time.Millisecond))
	fmt.Printf("Chunks received: %d\n", res.Chunks)
	fmt.Printf("Bytes received: %d\n", res.Bytes)
	if res.Err != nil {
		fmt.Printf("Result: FAILED (connection error)\n")
		return &exitError{code: 1, err: res.Err}
	}
	fmt.Printf("Result: PASSED (connection stable)\n")
	return nil
}

type probeResult struct {
	Chunks  int
	Bytes   int
	Elapsed time.Duration
	Err     error
}

// probe reads s until d elapses, ctx ends or a read fails. Received chunks
// and a heartbeat every second are printed to out.
func probe(ctx context.Context, s stream.Stream, d time.Duration, out io.Writer) probeResult {
	start := time.Now()
	end := start.Add(d)
	beat := start.Add(time.Second)
	stamp := func() string { return time.Now().Format("15:04:05.000") }

	var res probeResult
	buf := make([]byte, 256)
	for time.Now().Before(end) && ctx.Err() == nil {
		n, err := s.Read(buf)
		if err != nil {
			fmt.Fprintf(out, "\n[%s] Connection error: %v\n", stamp(), err)
			res.Err = err
			break
		}
		if n > 0 {
			res.Chunks++
			res.Bytes += n
			fmt.Fprintf(out, "[%s] Received %d bytes: %q\n", stamp(), n, buf[:n])
		}
		if now := time.Now(); now.After(beat) {
			fmt.Fprintf(out, "[%s] Still connected... (%.0fs remaining)\n", stamp(), end.Sub(now).Seconds())
			beat = now.Add(time.Second)
		}
	}
	res.Elapsed = time.Since(start)
	return res
}
