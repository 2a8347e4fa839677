// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostbox

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrUnknownCommand is returned by Shell.Exec for input it does not know
var ErrUnknownCommand = errors.New("unknown command")

// PulseDuration is how long pwr, rst and s hold their lines low
const PulseDuration = time.Second

// Shell interprets the interactive operator commands
type Shell struct {
	Client   *Client
	Settings Settings
	Out      io.Writer
	// Sleep waits between the edges of a pulse; nil means time.Sleep.
	Sleep func(time.Duration)
}

type shellCommand struct {
	name string
	help string
	run  func(*Shell) error
}

var shellCommands = []shellCommand{
	{"config", "reconfigure the host box", (*Shell).configure},
	{"1", "turn SUT ON", (*Shell).powerOn},
	{"0", "turn SUT OFF", (*Shell).powerOff},
	{"pwr", "power cycle SUT, (PWR_EN=0 & nRST=0 for 1 second)", (*Shell).powerCycle},
	{"rst", "reset SUT, (nRST=0 for 1 second)", (*Shell).reset},
	{"s", "reset SETUP, (SETUP_PWR_EN=0 for 1 second)", (*Shell).resetSetup},
	{"r", "read the GPIO configuration registers", (*Shell).registers},
	{"?", "print device current status", (*Shell).status},
	{"t", "toggle i2c test led", (*Shell).toggleTest},
	{"c", "read the device current and print it in mA", (*Shell).current},
	{"v", "read the SUT supply voltage and power", (*Shell).supply},
	{"g", "print the GPIO expander input pins", (*Shell).gpio},
	{"noseq-0", "set NOSEQ of SoM to 0", func(s *Shell) error { return s.noseq(false) }},
	{"noseq-1", "set NOSEQ of SoM to 1", func(s *Shell) error { return s.noseq(true) }},
	{"noseq-z", "set NOSEQ of SoM to input (high impedance)", func(s *Shell) error {
		return s.Client.ConfigGPIOPin(PinSOMNoSeq, true)
	}},
}

// Exec runs one command line. Empty input is ignored.
func (s *Shell) Exec(line string) error {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil
	case "help":
		s.help()
		return nil
	}
	for _, c := range shellCommands {
		if c.name == line {
			return c.run(s)
		}
	}
	return fmt.Errorf("%w: %q (try help)", ErrUnknownCommand, line)
}

func (s *Shell) help() {
	rule := strings.Repeat("-", 63)
	fmt.Fprintln(s.Out, rule)
	fmt.Fprintf(s.Out, "| %-7s | %-49s |\n", "cmd", "description")
	fmt.Fprintln(s.Out, rule)
	for _, c := range shellCommands {
		fmt.Fprintf(s.Out, "| %-7s | %-49s |\n", c.name, c.help)
	}
	fmt.Fprintln(s.Out, rule)
}

func (s *Shell) sleep(d time.Duration) {
	if s.Sleep != nil {
		s.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (s *Shell) configure() error {
	fmt.Fprintln(s.Out, "Configure HOST-BOX")
	return s.Client.Configure(s.Settings)
}

// setPower drives SOM_PWR_EN and nRST together
func (s *Shell) setPower(on bool) error {
	if err := s.Client.WriteGPIOPin(PinSOMPowerEnable, on); err != nil {
		return err
	}
	return s.Client.WriteGPIOPin(PinSOMReset, on)
}

func (s *Shell) powerOn() error {
	fmt.Fprintln(s.Out, "turn on")
	return s.setPower(true)
}

func (s *Shell) powerOff() error {
	fmt.Fprintln(s.Out, "turn off")
	return s.setPower(false)
}

func (s *Shell) powerCycle() error {
	if err := s.setPower(false); err != nil {
		return err
	}
	s.sleep(PulseDuration)
	return s.setPower(true)
}

func (s *Shell) reset() error {
	if err := s.Client.WriteGPIOPin(PinSOMReset, false); err != nil {
		return err
	}
	s.sleep(PulseDuration)
	return s.Client.WriteGPIOPin(PinSOMReset, true)
}

func (s *Shell) resetSetup() error {
	if err := s.Client.WriteGPIOPin(PinSetupPowerEnable, false); err != nil {
		return err
	}
	if err := s.Client.ConfigGPIOPin(PinSetupPowerEnable, false); err != nil {
		return err
	}
	s.sleep(PulseDuration)
	return s.Client.WriteGPIOPin(PinSetupPowerEnable, true)
}

func (s *Shell) registers() error {
	for _, r := range []struct {
		name string
		addr uint16
	}{
		{"t_regs", AddrGPIOTriState},
		{"w_regs", AddrGPIOWrite},
		{"r_regs", AddrGPIORead},
	} {
		v, err := s.Client.ReadRegister(r.addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.Out, "%s: %04X\n", r.name, v)
	}
	return nil
}

func (s *Shell) status() error {
	st, err := s.Client.ReadStatus()
	if err != nil {
		return err
	}
	fmt.Fprintln(s.Out, st)
	return nil
}

func (s *Shell) toggleTest() error {
	return s.Client.ToggleGPIOPin(PinSetupGPIOTest)
}

func (s *Shell) current() error {
	ma, raw, err := s.Client.ReadCurrentMilliamps()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.Out, "current: %04x\n", raw)
	fmt.Fprintf(s.Out, "current: %.02f mA\n", ma)
	return nil
}

func (s *Shell) supply() error {
	volts, err := s.Client.ReadRegister(AddrVoltage)
	if err != nil {
		return err
	}
	power, err := s.Client.ReadRegister(AddrPower)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.Out, "voltage: %.3f V\n", BusVolts(volts))
	fmt.Fprintf(s.Out, "power: %.3f W\n", PowerWatts(power))
	return nil
}

func (s *Shell) gpio() error {
	reg, err := s.Client.ReadRegister(AddrGPIORead)
	if err != nil {
		return err
	}
	fmt.Fprint(s.Out, DescribeGPIO(reg))
	return nil
}

// noseq drives NOSEQ and switches the pin to output
func (s *Shell) noseq(high bool) error {
	if err := s.Client.WriteGPIOPin(PinSOMNoSeq, high); err != nil {
		return err
	}
	return s.Client.ConfigGPIOPin(PinSOMNoSeq, false)
}
