// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Thermoquad/expmon/pkg/capture"
	"github.com/Thermoquad/expmon/pkg/config"
	"github.com/Thermoquad/expmon/pkg/event"
	"github.com/Thermoquad/expmon/pkg/logsink"
	"github.com/Thermoquad/expmon/pkg/loopback"
	"github.com/Thermoquad/expmon/pkg/metrics"
	"github.com/Thermoquad/expmon/pkg/monitor"
	"github.com/Thermoquad/expmon/pkg/telemetry"
)

var (
	monitorLabel            string
	monitorParity           bool
	monitorRTSCTS           bool
	monitorInfo             string
	monitorLogDir           string
	monitorParser           string
	monitorUserInput        bool
	monitorLoopback         bool
	monitorLoopbackInjected bool
	monitorSilence          time.Duration
	monitorRotateOn         string
	monitorCompress         string
	monitorColor            string
	monitorCapture          string
	monitorMetricsAddr      string
	monitorTUI              bool
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Log the UART output of the system under test",
	Long: `Continuously log every line received from the SUT.

Each line is written raw to a session file under --logdir and, optionally
parsed, to the console. Events other than SUT output are also appended to
<logdir>/<info>-actions.log. With --output-parser current, telemetry frames
of the form

  XXXXXXXX YYYY XXXXXXXX YYYY XXXXXXXX YYYY

are shown as current in mA plus the SOM power, reset, power-good and
watchdog status.

Loopback mode (--enable-loopback) does not log SUT output; instead it writes
"[0]\n" .. "[255]\n" and checks that every value is echoed back.

Values from --config are used unless the matching flag is given.

Exit codes:
  0 - Stopped by the user (Ctrl+C)
  1 - Runtime fault (stream error, log write failure)
  2 - Serial port could not be found or opened`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	f := monitorCmd.Flags()
	f.StringVar(&monitorLabel, "label", "UART", "Label identifying the SUT output")
	f.IntVar(&ftdiPort, "ftdi-port", 0, "Pick the Nth port matching --port (1-based)")
	f.BoolVar(&monitorParity, "parity", false, "Enable even parity")
	f.BoolVar(&monitorRTSCTS, "rtscts", false, "Request RTS/CTS flow control")
	f.StringVar(&monitorInfo, "info", "device", "Board information added to every log line")
	f.StringVar(&monitorLogDir, "logdir", "logs", "Log directory")
	f.StringVar(&monitorParser, "output-parser", "none", "Console parser for SUT lines (none, current)")
	f.BoolVar(&monitorUserInput, "enable-user-input", false, "Forward lines typed on stdin to the SUT")
	f.BoolVar(&monitorLoopback, "enable-loopback", false, "Run the loopback self-test instead of logging")
	f.BoolVar(&monitorLoopbackInjected, "enable-loopback-injected", false, "Loopback with one injected error per pass")
	f.DurationVar(&monitorSilence, "silence", 150*time.Second, "Warn after this long without SUT output")
	f.StringVar(&monitorRotateOn, "rotate-on", "", "Start a new log file when a SUT line repeats this boot marker")
	f.StringVar(&monitorCompress, "compress", "none", "Compress closed session files (none, zstd, lz4)")
	f.StringVar(&monitorColor, "color", "auto", "Console colors (auto, always, never)")
	f.StringVar(&monitorCapture, "capture", "", "Also record every event to this CBOR capture file")
	f.StringVar(&monitorMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.BoolVar(&monitorTUI, "tui", false, "Show a live dashboard instead of the plain console")
}

// loadConfig reads --config (if any) and applies every flag the user set
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}

	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("port", func() { cfg.Serial.Port = portName })
	set("baud", func() { cfg.Serial.Baud = baudRate })
	set("url", func() { cfg.WebSocket.URL = wsURL })
	set("username", func() { cfg.WebSocket.Username = wsUsername })
	set("no-ssl-verify", func() { cfg.WebSocket.NoSSLVerify = wsNoSSLVerify })
	if cmd.Name() == "monitor" {
		set("label", func() { cfg.Label = monitorLabel })
		set("ftdi-port", func() { cfg.Serial.FTDIPort = ftdiPort })
		set("parity", func() { cfg.Serial.Parity = monitorParity })
		set("rtscts", func() { cfg.Serial.RTSCTS = monitorRTSCTS })
		set("info", func() { cfg.Info = monitorInfo })
		set("logdir", func() { cfg.LogDir = monitorLogDir })
		set("output-parser", func() { cfg.Output.Parser = monitorParser })
		set("enable-user-input", func() { cfg.UserInput = monitorUserInput })
		set("enable-loopback", func() { cfg.Loopback.Enabled = monitorLoopback })
		set("enable-loopback-injected", func() { cfg.Loopback.Injected = monitorLoopbackInjected })
		set("silence", func() { cfg.Silence = monitorSilence })
		set("rotate-on", func() { cfg.Output.RotateOn = monitorRotateOn })
		set("compress", func() { cfg.Output.Compress = monitorCompress })
		set("color", func() { cfg.Output.Color = monitorColor })
		set("capture", func() { cfg.Output.Capture = monitorCapture })
		set("metrics-addr", func() { cfg.Metrics.Addr = monitorMetricsAddr })
	}
	if cfg.Loopback.Injected {
		cfg.Loopback.Enabled = true
	}
	return cfg, cfg.Validate()
}

// useColor resolves the --color mode for w
func useColor(mode string, w *os.File) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	return term.IsTerminal(int(w.Fd()))
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if monitorTUI && cfg.UserInput {
		return errors.New("--tui cannot be combined with --enable-user-input")
	}
	cmd.SilenceUsage = true

	logger := newLogger()
	primary := event.NewPrimary(cfg.Label)
	parser, _ := telemetry.Lookup(cfg.Output.Parser)
	compression, _ := logsink.ParseCompression(cfg.Output.Compress)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	q := event.NewQueue()
	var mon atomic.Pointer[monitor.Monitor]
	loopbackStats := func() (loopback.Statistics, bool) {
		m := mon.Load()
		if m == nil {
			return loopback.Statistics{}, false
		}
		return m.LoopbackStatistics()
	}

	var taps []logsink.Tap

	if cfg.Output.Capture != "" {
		cw, err := capture.Create(cfg.Output.Capture, capture.NewHeader(cfg.Info, primary))
		if err != nil {
			return err
		}
		defer func() {
			if err := cw.Close(); err != nil {
				logger.Error("capture", "path", cfg.Output.Capture, "error", err)
			}
		}()
		taps = append(taps, cw)
	}

	if cfg.Metrics.Addr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		taps = append(taps, metrics.New(reg, primary, metrics.Sources{
			QueueLen: q.Len,
			Loopback: loopbackStats,
		}))
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, reg, logger); err != nil {
				logger.Error("metrics server exited", "error", err)
			}
		}()
	}

	var console io.Writer = os.Stdout
	var dash *dashboard
	if monitorTUI {
		dash = newDashboard(cfg, primary, loopbackStats)
		console = io.Discard
		taps = append(taps, dash)
	}

	sink := logsink.New(q, logsink.Options{
		Dir:      cfg.LogDir,
		Info:     cfg.Info,
		Primary:  primary,
		Parser:   parser,
		Console:  console,
		Color:    useColor(cfg.Output.Color, os.Stdout),
		RotateOn: cfg.Output.RotateOn,
		Compress: compression,
		Logger:   logger,
		Taps:     taps,
	})

	mcfg := monitor.Config{
		Primary:          primary,
		Loopback:         cfg.Loopback.Enabled,
		LoopbackInjected: cfg.Loopback.Injected,
		ByteTimeout:      cfg.Loopback.ByteTimeout,
		Silence:          cfg.Silence,
		Logger:           logger,
	}
	if cfg.UserInput {
		mcfg.Input = os.Stdin
	}
	m := monitor.New(mcfg, q, sink, streamOpener(cfg))
	mon.Store(m)

	if dash != nil {
		err = dash.run(ctx, m.Run)
	} else {
		err = m.Run(ctx)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, monitor.ErrStreamOpen):
		return &exitError{code: 2, err: err}
	default:
		return &exitError{code: 1, err: fmt.Errorf("monitor: %w", err)}
	}
}
