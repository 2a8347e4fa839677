// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/expmon/pkg/capture"
	"github.com/Thermoquad/expmon/pkg/event"
	"github.com/Thermoquad/expmon/pkg/logsink"
	"github.com/Thermoquad/expmon/pkg/telemetry"
)

var (
	replayParser string
	replayColor  string
	replayRaw    bool
	replayLabels []string
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture>",
	Short: "Print a recorded capture file",
	Long: `Print the events of a capture written by "monitor --capture".

Lines are rendered exactly as the monitor console would show them. Capture
files compressed with zstd (.zst) or lz4 (.lz4) are read directly.

Examples:
  expmon replay session.cbor --output-parser current
  expmon replay session.cbor.zst --label EXC --label WARN`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayParser, "output-parser", "none", "Parser for SUT lines (none, current)")
	replayCmd.Flags().StringVar(&replayColor, "color", "auto", "Colors (auto, always, never)")
	replayCmd.Flags().BoolVar(&replayRaw, "raw", false, "Print the raw log file lines instead of the console lines")
	replayCmd.Flags().StringSliceVar(&replayLabels, "label", nil, "Only print events with this label (repeatable)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	parser, err := telemetry.Lookup(replayParser)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	f, err := logsink.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	opts := replayOptions{
		Parser: parser,
		Color:  useColor(replayColor, os.Stdout),
		Raw:    replayRaw,
		Labels: replayLabels,
	}
	n, err := replay(f, os.Stdout, opts)
	if err != nil {
		return fmt.Errorf("%s: record %d: %w", args[0], n+1, err)
	}
	return nil
}

type replayOptions struct {
	Parser telemetry.Parser
	Color  bool
	Raw    bool
	Labels []string
}

// replay renders every event of the capture in r to w and returns how many
// events were read
func replay(r io.Reader, w io.Writer, opts replayOptions) (int, error) {
	cr, err := capture.NewReader(r)
	if err != nil {
		return 0, err
	}

	format := logsink.Formatter{
		Info:    cr.Header.Info,
		Primary: event.Label(cr.Header.Primary),
		Parser:  opts.Parser,
	}
	keep := make(map[event.Label]bool, len(opts.Labels))
	for _, l := range opts.Labels {
		keep[event.NewPrimary(l)] = true
	}

	n := 0
	for {
		ev, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
		if len(keep) > 0 && !keep[ev.Label] {
			continue
		}

		line := format.Parsed(ev)
		if opts.Raw {
			line = format.Raw(ev)
		}
		if !opts.Color {
			line = ansi.Strip(line)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return n, err
		}
	}
}
