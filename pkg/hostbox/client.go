// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package hostbox

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrTimeout is returned when the box does not answer a read command in time
var ErrTimeout = errors.New("hostbox: reply timeout")

// Client issues register commands over the box's COMMAND UART.
//
// Reads are "r<addr>\n" answered by "<hex>\n"; writes are
// "w<addr><data>\n" with no reply. The transport must return (0, nil) on a
// read timeout, as serial ports do.
type Client struct {
	rw      io.ReadWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient wraps rw. A nil logger disables command tracing.
func NewClient(rw io.ReadWriter, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Client{rw: rw, timeout: timeout, logger: logger}
}

// EncodeRead formats a register read command
func EncodeRead(addr uint16) string {
	return fmt.Sprintf("r%04x\n", addr)
}

// EncodeWrite formats a register write command
func EncodeWrite(addr, data uint16) string {
	return fmt.Sprintf("w%04x%04x\n", addr, data)
}

// ParseReply decodes a hexadecimal register reply
func ParseReply(reply string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(reply), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("hostbox: invalid reply %q: %w", reply, err)
	}
	return uint16(v), nil
}

// ReadRegister reads a 16-bit register
func (c *Client) ReadRegister(addr uint16) (uint16, error) {
	cmd := EncodeRead(addr)
	if _, err := io.WriteString(c.rw, cmd); err != nil {
		return 0, fmt.Errorf("hostbox: write %q: %w", strings.TrimSpace(cmd), err)
	}
	reply, err := c.readReply()
	if err != nil {
		return 0, fmt.Errorf("hostbox: read 0x%04X: %w", addr, err)
	}
	if c.logger != nil {
		c.logger.Debug("register read", "cmd", strings.TrimSpace(cmd), "reply", reply)
	}
	return ParseReply(reply)
}

// WriteRegister writes a 16-bit register
func (c *Client) WriteRegister(addr, data uint16) error {
	cmd := EncodeWrite(addr, data)
	if _, err := io.WriteString(c.rw, cmd); err != nil {
		return fmt.Errorf("hostbox: write %q: %w", strings.TrimSpace(cmd), err)
	}
	if c.logger != nil {
		c.logger.Debug("register write", "cmd", strings.TrimSpace(cmd))
	}
	return nil
}

func (c *Client) readReply() (string, error) {
	deadline := time.Now().Add(c.timeout)
	buf := make([]byte, 1)
	var line []byte
	for time.Now().Before(deadline) {
		n, err := c.rw.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			continue
		}
		if buf[0] == '\n' {
			return strings.TrimSpace(string(line)), nil
		}
		line = append(line, buf[0])
	}
	return "", ErrTimeout
}

// ReadGPIOPin returns the input level of a GPIO expander pin
func (c *Client) ReadGPIOPin(pin int) (bool, error) {
	reg, err := c.ReadRegister(AddrGPIORead)
	if err != nil {
		return false, err
	}
	return Bit(reg, pin), nil
}

// WriteGPIOPin drives an output pin, preserving the other outputs
func (c *Client) WriteGPIOPin(pin int, high bool) error {
	return c.modify(AddrGPIOWrite, func(reg uint16) uint16 { return SetBit(reg, pin, high) })
}

// ToggleGPIOPin inverts an output pin
func (c *Client) ToggleGPIOPin(pin int) error {
	return c.modify(AddrGPIOWrite, func(reg uint16) uint16 { return SetBit(reg, pin, !Bit(reg, pin)) })
}

// ConfigGPIOPin sets a pin direction; input puts it in high impedance
func (c *Client) ConfigGPIOPin(pin int, input bool) error {
	return c.modify(AddrGPIOTriState, func(reg uint16) uint16 { return SetBit(reg, pin, input) })
}

func (c *Client) modify(addr uint16, fn func(uint16) uint16) error {
	reg, err := c.ReadRegister(addr)
	if err != nil {
		return err
	}
	return c.WriteRegister(addr, fn(reg))
}

// BoardID reads the two board-id strap pins as "<msb><lsb>"
func (c *Client) BoardID() (string, error) {
	msb, err := c.ReadGPIOPin(PinSetupBoardIDMSB)
	if err != nil {
		return "", err
	}
	lsb, err := c.ReadGPIOPin(PinSetupBoardIDLSB)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d%d", b2i(msb), b2i(lsb)), nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Status is the SUT power state as seen on the GPIO expander
type Status struct {
	PowerEnable bool
	ResetHigh   bool
	PowerGood   bool
}

func (s Status) String() string {
	on, rst, pg := "OFF", "LO", "NO"
	if s.PowerEnable {
		on = "ON"
	}
	if s.ResetHigh {
		rst = "HI"
	}
	if s.PowerGood {
		pg = "YES"
	}
	return fmt.Sprintf("SUT %s | nRST %s | PGOOD %s", on, rst, pg)
}

// ReadStatus samples the GPIO read register once
func (c *Client) ReadStatus() (Status, error) {
	reg, err := c.ReadRegister(AddrGPIORead)
	if err != nil {
		return Status{}, err
	}
	return Status{
		PowerEnable: Bit(reg, PinSOMPowerEnable),
		ResetHigh:   Bit(reg, PinSOMReset),
		PowerGood:   Bit(reg, PinSOMPowerGood),
	}, nil
}

// ReadCurrentMilliamps reads the INA219 current register
func (c *Client) ReadCurrentMilliamps() (float64, uint16, error) {
	raw, err := c.ReadRegister(AddrCurrent)
	if err != nil {
		return 0, 0, err
	}
	return CurrentMilliamps(raw), raw, nil
}

// Settings are the user facing box parameters
type Settings struct {
	BoardName          uint16
	I2CFrequencyHz     float64
	HostBaudrate       int
	SUTBaudrate0       int
	SUTBaudrate1       int
	CurrentSampleHz    float64
	CurrentThresholdA  float64
	OvercurrentOnTime  time.Duration
	OvercurrentOffTime time.Duration
}

// DefaultSettings mirrors the values used on the bench
func DefaultSettings() Settings {
	return Settings{
		BoardName:          0xA1,
		I2CFrequencyHz:     100e3,
		HostBaudrate:       115200,
		SUTBaudrate0:       115200,
		SUTBaudrate1:       115200,
		CurrentSampleHz:    2,
		CurrentThresholdA:  1.0,
		OvercurrentOnTime:  50 * time.Millisecond,
		OvercurrentOffTime: 200 * time.Millisecond,
	}
}

// RegisterWrite is one address/value pair
type RegisterWrite struct {
	Addr uint16
	Data uint16
}

// ErrOutOfRange is returned when a setting does not fit its 16-bit register
var ErrOutOfRange = errors.New("hostbox: setting out of register range")

// Registers converts settings to the register values the box expects.
// The host UART divisor is left alone: rewriting it drops the link.
func (s Settings) Registers() ([]RegisterWrite, error) {
	var err error
	fit := func(name string, v, min float64) uint16 {
		if err == nil && (math.IsNaN(v) || v < min || v > math.MaxUint16) {
			err = fmt.Errorf("%w: %s = %.0f", ErrOutOfRange, name, v)
		}
		if err != nil {
			return 0
		}
		return uint16(v)
	}
	div := func(name string, hz float64) uint16 { return fit(name, math.Round(ClockHz/hz), 1) }
	ticks := func(name string, d time.Duration) uint16 {
		return fit(name, math.Floor(math.Round(ClockHz*d.Seconds())/(1<<16)), 0)
	}
	threshold := math.Round(s.CurrentThresholdA / CurrentLSB)
	if threshold < 0 || threshold > math.MaxInt16 {
		return nil, fmt.Errorf("%w: current threshold %.3f A", ErrOutOfRange, s.CurrentThresholdA)
	}

	regs := []RegisterWrite{
		{AddrBoardName, s.BoardName},
		{AddrSystemI2CDiv, div("i2c divisor", s.I2CFrequencyHz)},
		{AddrSUTUARTBaudrate0, div("sut uart 0 divisor", float64(s.SUTBaudrate0))},
		{AddrSUTUARTBaudrate1, div("sut uart 1 divisor", float64(s.SUTBaudrate1))},
		{AddrCurrentSampleRate, fit("current sample period", math.Floor(math.Round(ClockHz/s.CurrentSampleHz)/(1<<16)), 0)},
		{AddrCurrentThreshold, CurrentRegister(s.CurrentThresholdA)},
		{AddrOvercurrentOnTime, ticks("overcurrent on time", s.OvercurrentOnTime)},
		{AddrOvercurrentOffTime, ticks("overcurrent off time", s.OvercurrentOffTime)},
	}
	if err != nil {
		return nil, err
	}
	return regs, nil
}

// Configure writes settings and resets the GPIO expander outputs
func (c *Client) Configure(s Settings) error {
	regs, err := s.Registers()
	if err != nil {
		return err
	}
	for _, w := range regs {
		if err := c.WriteRegister(w.Addr, w.Data); err != nil {
			return err
		}
	}
	return c.InitGPIO()
}

// InitGPIO sets pin directions and drives every output low
func (c *Client) InitGPIO() error {
	if err := c.WriteRegister(AddrGPIOTriState, DefaultTriState); err != nil {
		return err
	}
	return c.WriteRegister(AddrGPIOWrite, 0)
}

// Init reads the version and configures the box unless it already carries
// the expected board name. It reports whether configuration was written.
func (c *Client) Init(s Settings, force bool) (bool, error) {
	name, err := c.ReadRegister(AddrBoardName)
	if err != nil {
		return false, err
	}
	if name == s.BoardName && !force {
		return false, nil
	}
	return true, c.Configure(s)
}
