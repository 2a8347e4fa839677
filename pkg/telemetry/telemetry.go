// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package telemetry decodes the current/GPIO frame the SUT firmware prints
// inline with its ordinary UART output.
//
// A frame is six space separated hex groups:
//
//	XXXXXXXX YYYY XXXXXXXX YYYY XXXXXXXX YYYY
//
// The three YYYY groups are the INA219 current register, the GPIO write
// register and the GPIO read register. The XXXXXXXX groups are timestamps
// and are not decoded.
package telemetry

import (
	"fmt"
	"sort"

	"github.com/Thermoquad/expmon/pkg/hostbox"
)

// FrameLen is the length of the fixed-width frame template
const FrameLen = 3*(8+1+4+1) - 1

// Offsets of the 4-digit register groups within a frame
const (
	offCurrent   = 9
	offGPIOWrite = 23
	offGPIORead  = 37
)

// ANSI escapes wrapping the status value tokens
const (
	colorGood = "\033[32m"
	colorBad  = "\033[41m"
	colorNone = "\033[0m"
)

// Frame is one decoded telemetry line
type Frame struct {
	CurrentRaw uint16
	GPIOWrite  uint16
	GPIORead   uint16
}

// CurrentMilliamps is the signed current register scaled to mA
func (f Frame) CurrentMilliamps() float64 {
	return hostbox.CurrentMilliamps(f.CurrentRaw)
}

// PowerEnable reports the SOM power enable input
func (f Frame) PowerEnable() bool { return hostbox.Bit(f.GPIORead, hostbox.PinSOMPowerEnable) }

// ResetHigh reports nRST deasserted
func (f Frame) ResetHigh() bool { return hostbox.Bit(f.GPIORead, hostbox.PinSOMReset) }

// PowerGood reports the SOM PGOOD input
func (f Frame) PowerGood() bool { return hostbox.Bit(f.GPIORead, hostbox.PinSOMPowerGood) }

// WatchdogOK reports the setup watchdog output
func (f Frame) WatchdogOK() bool { return hostbox.Bit(f.GPIORead, hostbox.PinSetupWatchdogWDO) }

// String renders the frame as the bench console shows it
func (f Frame) String() string {
	pwr := "SOM " + colorBad + "OFF" + colorNone
	if f.PowerEnable() {
		pwr = "SOM " + colorGood + "ON " + colorNone
	}
	rst := "nRST " + colorBad + "LOW" + colorNone + " "
	if f.ResetHigh() {
		rst = "nRST " + colorGood + "HIGH" + colorNone
	}
	pg := "PGOOD " + colorBad + "NO" + colorNone + " "
	if f.PowerGood() {
		pg = "PGOOD " + colorGood + "YES" + colorNone
	}
	wdt := "WDT " + colorBad + "FAIL" + colorNone
	if f.WatchdogOK() {
		wdt = "WDT " + colorGood + "OK" + colorNone + "  "
	}
	return fmt.Sprintf("%6.2f mA | %s | %s | %s | %s", f.CurrentMilliamps(), pwr, rst, pg, wdt)
}

// Decode extracts a frame from the start of line. Text after the frame is
// ignored. ok is false when the line does not start with a frame.
func Decode(line string) (Frame, bool) {
	if len(line) < FrameLen {
		return Frame{}, false
	}
	for i := 0; i < FrameLen; i++ {
		c := line[i]
		switch i {
		case 8, 13, 22, 27, 36:
			if c != ' ' {
				return Frame{}, false
			}
		default:
			if !isHex(c) {
				return Frame{}, false
			}
		}
	}
	return Frame{
		CurrentRaw: hex16(line[offCurrent:]),
		GPIOWrite:  hex16(line[offGPIOWrite:]),
		GPIORead:   hex16(line[offGPIORead:]),
	}, true
}

// Parse returns the rendered frame, or line unchanged when it carries none
func Parse(line string) string {
	f, ok := Decode(line)
	if !ok {
		return line
	}
	return f.String()
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

// hex16 decodes four already validated hex digits
func hex16(s string) uint16 {
	var v uint16
	for i := 0; i < 4; i++ {
		c := s[i]
		switch {
		case c <= '9':
			c -= '0'
		case c >= 'a':
			c -= 'a' - 10
		default:
			c -= 'A' - 10
		}
		v = v<<4 | uint16(c)
	}
	return v
}

// Parser transforms a primary payload for display
type Parser func(string) string

var parsers = map[string]Parser{
	"none":    nil,
	"current": Parse,
}

// Lookup returns the output parser registered under name. The "none" parser
// is nil, meaning payloads are shown raw.
func Lookup(name string) (Parser, error) {
	p, ok := parsers[name]
	if !ok {
		return nil, fmt.Errorf("unknown output parser %q (available: %v)", name, Names())
	}
	return p, nil
}

// Names lists the registered output parsers
func Names() []string {
	names := make([]string, 0, len(parsers))
	for n := range parsers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
