// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostbox

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestShell() (*Shell, *fakeBox, *bytes.Buffer, *[]time.Duration) {
	box := newFakeBox()
	out := &bytes.Buffer{}
	var sleeps []time.Duration
	sh := &Shell{
		Client:   NewClient(box, 100*time.Millisecond, nil),
		Settings: DefaultSettings(),
		Out:      out,
		Sleep:    func(d time.Duration) { sleeps = append(sleeps, d) },
	}
	return sh, box, out, &sleeps
}

func TestShell_Help(t *testing.T) {
	sh, _, out, _ := newTestShell()
	if err := sh.Exec("help"); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"config", "pwr", "noseq-z", "read the device current and print it in mA"} {
		if !strings.Contains(out.String(), name) {
			t.Errorf("help should mention %q:\n%s", name, out.String())
		}
	}
}

func TestShell_Power(t *testing.T) {
	sh, box, _, sleeps := newTestShell()

	if err := sh.Exec("1"); err != nil {
		t.Fatal(err)
	}
	if box.regs[AddrGPIOWrite] != 0x0022 {
		t.Errorf("after on: GPIO write = 0x%04X, want 0x0022", box.regs[AddrGPIOWrite])
	}

	if err := sh.Exec("0"); err != nil {
		t.Fatal(err)
	}
	if box.regs[AddrGPIOWrite] != 0 {
		t.Errorf("after off: GPIO write = 0x%04X", box.regs[AddrGPIOWrite])
	}

	box.cmds = nil
	if err := sh.Exec("pwr"); err != nil {
		t.Fatal(err)
	}
	if box.regs[AddrGPIOWrite] != 0x0022 {
		t.Errorf("after power cycle: GPIO write = 0x%04X", box.regs[AddrGPIOWrite])
	}
	if len(*sleeps) != 1 || (*sleeps)[0] != PulseDuration {
		t.Errorf("power cycle should pulse once for %s, got %v", PulseDuration, *sleeps)
	}
	// read-modify-write of two pins, twice
	if len(box.cmds) != 8 {
		t.Errorf("power cycle commands = %v", box.cmds)
	}
}

func TestShell_ResetLeavesPowerAlone(t *testing.T) {
	sh, box, _, _ := newTestShell()
	box.regs[AddrGPIOWrite] = 1<<PinSOMPowerEnable | 1<<PinSOMReset

	var levels []bool
	sh.Sleep = func(time.Duration) { levels = append(levels, Bit(box.regs[AddrGPIOWrite], PinSOMReset)) }
	if err := sh.Exec("rst"); err != nil {
		t.Fatal(err)
	}
	if len(levels) != 1 || levels[0] {
		t.Errorf("nRST should be low during the pulse, got %v", levels)
	}
	if box.regs[AddrGPIOWrite] != 0x0022 {
		t.Errorf("GPIO write = 0x%04X", box.regs[AddrGPIOWrite])
	}
}

func TestShell_ResetSetup(t *testing.T) {
	sh, box, _, _ := newTestShell()
	box.regs[AddrGPIOTriState] = DefaultTriState
	if err := sh.Exec("s"); err != nil {
		t.Fatal(err)
	}
	if Bit(box.regs[AddrGPIOTriState], PinSetupPowerEnable) {
		t.Error("SETUP_PWR_EN should be switched to output")
	}
	if !Bit(box.regs[AddrGPIOWrite], PinSetupPowerEnable) {
		t.Error("SETUP_PWR_EN should be released high")
	}
}

func TestShell_Readouts(t *testing.T) {
	sh, box, out, _ := newTestShell()
	box.regs[AddrGPIOTriState] = DefaultTriState
	box.regs[AddrGPIOWrite] = 0x0022
	box.regs[AddrGPIORead] = 1<<PinSOMPowerEnable | 1<<PinSOMReset
	box.regs[AddrCurrent] = 0x0E3A

	for _, cmd := range []string{"r", "?", "c"} {
		if err := sh.Exec(cmd); err != nil {
			t.Fatalf("%s: %v", cmd, err)
		}
	}
	want := "t_regs: DFDD\nw_regs: 0022\nr_regs: 0022\n" +
		"SUT ON | nRST HI | PGOOD NO\n" +
		"current: 0e3a\ncurrent: 364.20 mA\n"
	if out.String() != want {
		t.Errorf("output:\n%s\nwant:\n%s", out.String(), want)
	}
}

func TestShell_SupplyAndGPIO(t *testing.T) {
	sh, box, out, _ := newTestShell()
	box.regs[AddrVoltage] = 3000 << 3
	box.regs[AddrPower] = 250
	box.regs[AddrGPIORead] = 0x0022

	if err := sh.Exec("v"); err != nil {
		t.Fatal(err)
	}
	if out.String() != "voltage: 12.000 V\npower: 0.500 W\n" {
		t.Errorf("supply output = %q", out.String())
	}

	out.Reset()
	if err := sh.Exec("g"); err != nil {
		t.Fatal(err)
	}
	if out.String() != DescribeGPIO(0x0022) || !strings.Contains(out.String(), "SOM_nRST") {
		t.Errorf("gpio output = %q", out.String())
	}
}

func TestShell_NoSeq(t *testing.T) {
	tests := []struct {
		cmd      string
		input    bool
		level    bool
		setLevel bool
	}{
		{"noseq-0", false, false, true},
		{"noseq-1", false, true, true},
		{"noseq-z", true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			sh, box, _, _ := newTestShell()
			box.regs[AddrGPIOTriState] = DefaultTriState
			if err := sh.Exec(tt.cmd); err != nil {
				t.Fatal(err)
			}
			if got := Bit(box.regs[AddrGPIOTriState], PinSOMNoSeq); got != tt.input {
				t.Errorf("NOSEQ input = %v, want %v", got, tt.input)
			}
			if tt.setLevel {
				if got := Bit(box.regs[AddrGPIOWrite], PinSOMNoSeq); got != tt.level {
					t.Errorf("NOSEQ level = %v, want %v", got, tt.level)
				}
			}
		})
	}
}

func TestShell_ConfigAndToggle(t *testing.T) {
	sh, box, out, _ := newTestShell()
	if err := sh.Exec("config"); err != nil {
		t.Fatal(err)
	}
	if box.regs[AddrBoardName] != sh.Settings.BoardName {
		t.Errorf("board name = 0x%04X", box.regs[AddrBoardName])
	}
	if !strings.Contains(out.String(), "Configure HOST-BOX") {
		t.Errorf("output = %q", out.String())
	}
	if err := sh.Exec("t"); err != nil {
		t.Fatal(err)
	}
	if !Bit(box.regs[AddrGPIOWrite], PinSetupGPIOTest) {
		t.Error("test LED should be on")
	}
}

func TestShell_Unknown(t *testing.T) {
	sh, box, _, _ := newTestShell()
	if err := sh.Exec("  "); err != nil {
		t.Errorf("blank line: %v", err)
	}
	if err := sh.Exec("reboot"); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
	if len(box.cmds) != 0 {
		t.Errorf("no register traffic expected, got %v", box.cmds)
	}
}
