// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/expmon/pkg/hostbox"
	"github.com/Thermoquad/expmon/pkg/logsink"
)

var (
	commandBoardName      string
	commandI2CFrequency   float64
	commandSUTBaud0       int
	commandSUTBaud1       int
	commandSampleRate     float64
	commandThreshold      float64
	commandOvercurrentOn  time.Duration
	commandOvercurrentOff time.Duration
	commandForceConfig    bool
	commandTimeout        time.Duration
)

var commandCmd = &cobra.Command{
	Use:   "command",
	Short: "Interactive shell for the host box COMMAND interface",
	Long: `Open the host box COMMAND UART and accept operator commands.

On start the box version and board id are printed. The box is configured
unless it already carries --board-name (use --force-config to rewrite it).
Type "help" for the list of commands; Ctrl+D exits.

Examples:
  expmon command --port /dev/ttyUSB3
  expmon command --port 0403:6011 --ftdi-port 4 --current-threshold 500

Exit codes:
  0 - Shell ended (EOF)
  1 - Register access failed
  2 - Serial port could not be found or opened`,
	RunE: runCommand,
}

func init() {
	rootCmd.AddCommand(commandCmd)
	f := commandCmd.Flags()
	d := hostbox.DefaultSettings()
	f.StringVar(&commandBoardName, "board-name", fmt.Sprintf("0x%X", d.BoardName), "Board name identifier written to the box (0x0000 - 0xFFFF)")
	f.Float64Var(&commandI2CFrequency, "i2c-frequency", d.I2CFrequencyHz/1e3, "I2C peripheral frequency in kHz")
	f.IntVar(&commandSUTBaud0, "sut-baudrate-0", d.SUTBaudrate0, "Baud rate of the SUT UART interface 0")
	f.IntVar(&commandSUTBaud1, "sut-baudrate-1", d.SUTBaudrate1, "Baud rate of the SUT UART interface 1")
	f.Float64Var(&commandSampleRate, "current-samplerate", d.CurrentSampleHz, "Current sampling rate in Hz")
	f.Float64Var(&commandThreshold, "current-threshold", d.CurrentThresholdA*1e3, "Maximum current threshold in mA")
	f.DurationVar(&commandOvercurrentOn, "overcurrent-on-time", d.OvercurrentOnTime, "ON time after overcurrent")
	f.DurationVar(&commandOvercurrentOff, "overcurrent-off-time", d.OvercurrentOffTime, "OFF time after overcurrent")
	f.BoolVar(&commandForceConfig, "force-config", false, "Configure the box even if it is already configured")
	f.DurationVar(&commandTimeout, "timeout", time.Second, "Register read timeout")
	f.IntVar(&ftdiPort, "ftdi-port", 0, "Pick the Nth port matching --port (1-based)")
}

// commandSettings merges the hostbox config section with the flags the
// user set
func commandSettings(cmd *cobra.Command) (hostbox.Settings, string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return hostbox.Settings{}, "", err
	}
	hb := cfg.HostBox
	f := cmd.Flags()
	if f.Changed("board-name") {
		v, err := strconv.ParseUint(commandBoardName, 0, 16)
		if err != nil {
			return hostbox.Settings{}, "", fmt.Errorf("--board-name: %w", err)
		}
		hb.BoardName = uint16(v)
	}
	if f.Changed("i2c-frequency") {
		hb.I2CFrequencyHz = commandI2CFrequency * 1e3
	}
	if f.Changed("sut-baudrate-0") {
		hb.SUTBaud0 = commandSUTBaud0
	}
	if f.Changed("sut-baudrate-1") {
		hb.SUTBaud1 = commandSUTBaud1
	}
	if f.Changed("current-samplerate") {
		hb.SampleRateHz = commandSampleRate
	}
	if f.Changed("current-threshold") {
		hb.CurrentThreshold = commandThreshold
	}
	if f.Changed("overcurrent-on-time") {
		hb.OvercurrentOn = commandOvercurrentOn
	}
	if f.Changed("overcurrent-off-time") {
		hb.OvercurrentOff = commandOvercurrentOff
	}
	if f.Changed("baud") {
		hb.Baud = baudRate
	}

	port := hb.Port
	if f.Changed("port") || port == "" {
		port = portName
	}
	return hb.Settings(), port, nil
}

func runCommand(cmd *cobra.Command, args []string) error {
	settings, port, err := commandSettings(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	logger := newLogger()
	report := func(msg string) { logger.Debug(msg) }
	name, err := findSerialPort(port, ftdiPort, report)
	if err != nil {
		return &exitError{code: 2, err: err}
	}

	fmt.Printf("Opening serial port: %s\n", name)
	s, err := OpenSerialStream(name, settings.HostBaudrate, false, 10*time.Millisecond)
	if err != nil {
		return &exitError{code: 2, err: err}
	}
	defer s.Close()

	var trace *slog.Logger
	if verbose {
		trace = logger
	}
	client := hostbox.NewClient(s, commandTimeout, trace)

	if err := initHostBox(client, settings, os.Stdout); err != nil {
		return &exitError{code: 1, err: err}
	}

	sh := &hostbox.Shell{Client: client, Settings: settings, Out: os.Stdout}
	if err := runShell(sh, os.Stdin, os.Stdout); err != nil {
		return &exitError{code: 1, err: err}
	}
	return nil
}

// initHostBox prints the box identity and configures it if needed
func initHostBox(c *hostbox.Client, s hostbox.Settings, out io.Writer) error {
	version, err := c.ReadRegister(hostbox.AddrVersion)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "som-exp-host version: %d\n", version)

	id, err := c.BoardID()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "BOARD ID: %s\n", id)

	wrote, err := c.Init(s, commandForceConfig)
	if err != nil {
		return err
	}
	if wrote {
		fmt.Fprintln(out, "Configure HOST-BOX")
	} else {
		fmt.Fprintln(out, "HOST-BOX already configured")
	}
	return nil
}

// runShell reads commands until EOF. Register errors end the shell;
// unknown commands are reported and skipped.
func runShell(sh *hostbox.Shell, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for sc.Scan() {
		line := sc.Text()
		fmt.Fprintln(out, time.Now().Format(logsink.TimeLayout), line)
		if err := sh.Exec(line); err != nil {
			if !errors.Is(err, hostbox.ErrUnknownCommand) {
				return err
			}
			fmt.Fprintln(out, err)
		}
		fmt.Fprint(out, "> ")
	}
	fmt.Fprintln(out)
	return sc.Err()
}
