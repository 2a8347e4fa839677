// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostbox

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"
)

// ============================================================
// Fake box
// ============================================================

// fakeBox answers register commands from an in-memory register file
type fakeBox struct {
	regs    map[uint16]uint16
	pending []byte
	cmds    []string
	silent  bool
}

func newFakeBox() *fakeBox {
	return &fakeBox{regs: make(map[uint16]uint16)}
}

func (f *fakeBox) Write(p []byte) (int, error) {
	cmd := strings.TrimSpace(string(p))
	f.cmds = append(f.cmds, cmd)
	switch {
	case strings.HasPrefix(cmd, "r") && len(cmd) == 5:
		addr, _ := ParseReply(cmd[1:])
		if !f.silent {
			f.pending = append(f.pending, fmt.Sprintf("%04X\n", f.regs[addr])...)
		}
	case strings.HasPrefix(cmd, "w") && len(cmd) == 9:
		addr, _ := ParseReply(cmd[1:5])
		data, _ := ParseReply(cmd[5:9])
		f.regs[addr] = data
	}
	return len(p), nil
}

func (f *fakeBox) Read(p []byte) (int, error) {
	if len(f.pending) == 0 {
		return 0, nil
	}
	n := copy(p[:1], f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

// ============================================================
// Conversion Tests
// ============================================================

func TestCurrentMilliamps_Signed(t *testing.T) {
	tests := []struct {
		raw  uint16
		want float64
	}{
		{0x0000, 0},
		{0x7FFF, 3276.7},
		{0x8000, -3276.8},
		{0xFFFF, -0.1},
		{0x0CF3, 331.5},
		{0x0E3A, 364.2},
	}
	for _, tt := range tests {
		got := CurrentMilliamps(tt.raw)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("CurrentMilliamps(0x%04X) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestCurrentRegister_RoundTrip(t *testing.T) {
	for _, amps := range []float64{0, 1.0, -0.5, 0.3315} {
		raw := CurrentRegister(amps)
		if got := CurrentAmps(raw); math.Abs(got-amps) > CurrentLSB/2 {
			t.Errorf("round trip %v A: got %v A (raw 0x%04X)", amps, got, raw)
		}
	}
}

func TestBusVolts(t *testing.T) {
	tests := []struct {
		raw  uint16
		want float64
	}{
		{0x1982, 3.264},
		{0x197A, 3.260},
		{0x0000, 0},
	}
	for _, tt := range tests {
		if got := BusVolts(tt.raw); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("BusVolts(0x%04X) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestCalibrationValue(t *testing.T) {
	if got := CalibrationValue(CurrentLSB, ShuntOhms); got != 0x5000 {
		t.Errorf("CalibrationValue = 0x%04X, want 0x5000", got)
	}
	if got := MinimumCurrentLSB(MaxExpectedAmps); math.Abs(got-2.0/32768) > 1e-15 {
		t.Errorf("MinimumCurrentLSB = %v", got)
	}
}

func TestBitHelpers(t *testing.T) {
	v := SetBit(0, PinSOMReset, true)
	if v != 0x0020 || !Bit(v, PinSOMReset) {
		t.Errorf("SetBit reset: 0x%04X", v)
	}
	v = SetBit(0xFFFF, PinSOMPowerEnable, false)
	if v != 0xFFFD {
		t.Errorf("SetBit clear: 0x%04X", v)
	}
	if DefaultTriState != 0xDFDD {
		t.Errorf("DefaultTriState = 0x%04X, want 0xDFDD", DefaultTriState)
	}
}

// ============================================================
// Codec Tests
// ============================================================

func TestEncodeCommands(t *testing.T) {
	if got := EncodeRead(AddrGPIORead); got != "r0201\n" {
		t.Errorf("EncodeRead = %q", got)
	}
	if got := EncodeWrite(AddrBoardName, 0xA1); got != "w000100a1\n" {
		t.Errorf("EncodeWrite = %q", got)
	}
}

func TestParseReply(t *testing.T) {
	if v, err := ParseReply("1a1e\r"); err != nil || v != 0x1A1E {
		t.Errorf("ParseReply = 0x%04X, %v", v, err)
	}
	if _, err := ParseReply("zz"); err == nil {
		t.Error("expected error for non-hex reply")
	}
}

// ============================================================
// Client Tests
// ============================================================

func TestClient_ReadWriteRegister(t *testing.T) {
	box := newFakeBox()
	box.regs[AddrVersion] = 0x0102
	c := NewClient(box, 100*time.Millisecond, nil)

	v, err := c.ReadRegister(AddrVersion)
	if err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}
	if v != 0x0102 {
		t.Errorf("version = 0x%04X", v)
	}

	if err := c.WriteRegister(AddrCurrentThreshold, 0x2710); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	if box.regs[AddrCurrentThreshold] != 0x2710 {
		t.Errorf("threshold register = 0x%04X", box.regs[AddrCurrentThreshold])
	}
}

func TestClient_ReadTimeout(t *testing.T) {
	box := newFakeBox()
	box.silent = true
	c := NewClient(box, 20*time.Millisecond, nil)
	_, err := c.ReadRegister(AddrVersion)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestClient_GPIOPins(t *testing.T) {
	box := newFakeBox()
	c := NewClient(box, 100*time.Millisecond, nil)

	if err := c.WriteGPIOPin(PinSOMPowerEnable, true); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteGPIOPin(PinSOMReset, true); err != nil {
		t.Fatal(err)
	}
	if box.regs[AddrGPIOWrite] != 0x0022 {
		t.Errorf("GPIO write = 0x%04X, want 0x0022", box.regs[AddrGPIOWrite])
	}
	if err := c.ToggleGPIOPin(PinSetupGPIOTest); err != nil {
		t.Fatal(err)
	}
	if !Bit(box.regs[AddrGPIOWrite], PinSetupGPIOTest) {
		t.Error("test LED should be toggled on")
	}

	box.regs[AddrGPIORead] = 1<<PinSOMPowerEnable | 1<<PinSOMPowerGood | 1<<PinSetupBoardIDMSB
	st, err := c.ReadStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !st.PowerEnable || st.ResetHigh || !st.PowerGood {
		t.Errorf("unexpected status %+v", st)
	}
	if st.String() != "SUT ON | nRST LO | PGOOD YES" {
		t.Errorf("status string %q", st.String())
	}
	id, err := c.BoardID()
	if err != nil || id != "10" {
		t.Errorf("BoardID = %q, %v", id, err)
	}
}

func TestClient_InitSkipsConfiguredBox(t *testing.T) {
	box := newFakeBox()
	s := DefaultSettings()
	box.regs[AddrBoardName] = s.BoardName
	c := NewClient(box, 100*time.Millisecond, nil)

	wrote, err := c.Init(s, false)
	if err != nil {
		t.Fatal(err)
	}
	if wrote {
		t.Error("configured box should not be rewritten")
	}

	box.regs[AddrBoardName] = 0
	wrote, err = c.Init(s, false)
	if err != nil {
		t.Fatal(err)
	}
	if !wrote {
		t.Fatal("unconfigured box should be written")
	}
	if box.regs[AddrSystemI2CDiv] != 500 {
		t.Errorf("i2c divisor = %d, want 500", box.regs[AddrSystemI2CDiv])
	}
	if box.regs[AddrCurrentThreshold] != 10000 {
		t.Errorf("threshold = %d, want 10000", box.regs[AddrCurrentThreshold])
	}
	if box.regs[AddrGPIOTriState] != DefaultTriState {
		t.Errorf("tri-state = 0x%04X", box.regs[AddrGPIOTriState])
	}
	if _, touched := box.regs[AddrSystemUARTBaudrate]; touched {
		t.Error("host UART divisor must not be written")
	}
}

func TestSettings_RegistersRange(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Settings)
		ok     bool
	}{
		{"defaults", func(*Settings) {}, true},
		{"slowest fitting baud", func(s *Settings) { s.SUTBaudrate0 = 763 }, true},
		{"baud 300", func(s *Settings) { s.SUTBaudrate0 = 300 }, false},
		{"baud 0", func(s *Settings) { s.SUTBaudrate1 = 0 }, false},
		{"i2c 100 Hz", func(s *Settings) { s.I2CFrequencyHz = 100 }, false},
		{"threshold 4 A", func(s *Settings) { s.CurrentThresholdA = 4 }, false},
		{"overcurrent 2 min", func(s *Settings) { s.OvercurrentOffTime = 2 * time.Minute }, false},
		{"sample 0.001 Hz", func(s *Settings) { s.CurrentSampleHz = 0.001 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.modify(&s)
			regs, err := s.Registers()
			if tt.ok {
				if err != nil || len(regs) != 8 {
					t.Fatalf("Registers() = %d regs, %v", len(regs), err)
				}
				return
			}
			if !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("err = %v, want ErrOutOfRange", err)
			}
		})
	}
}

func TestClient_ConfigureRejectsOutOfRange(t *testing.T) {
	box := newFakeBox()
	c := NewClient(box, 100*time.Millisecond, nil)
	s := DefaultSettings()
	s.SUTBaudrate0 = 300
	if err := c.Configure(s); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Configure = %v, want ErrOutOfRange", err)
	}
	if len(box.cmds) != 0 {
		t.Errorf("nothing should be written, got %v", box.cmds)
	}
}

func TestDescribeGPIO(t *testing.T) {
	out := DescribeGPIO(0x0022)
	if !strings.Contains(out, "GPIO 0x0022") {
		t.Errorf("missing header: %q", out)
	}
	if !strings.Contains(out, "SOM_nRST") || !strings.Contains(out, "SETUP_GPIO_TEST") {
		t.Errorf("missing pin names: %q", out)
	}
	if strings.Count(out, "Port ") != 2 {
		t.Errorf("expected two ports: %q", out)
	}
}
