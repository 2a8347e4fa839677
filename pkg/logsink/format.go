// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package logsink

import (
	"github.com/Thermoquad/expmon/pkg/event"
	"github.com/Thermoquad/expmon/pkg/telemetry"
)

// TimeLayout stamps every log line
const TimeLayout = "2006-01-02T15:04:05.000000"

// ANSI colors for the bracketed tags
const (
	ColorPrimary     = "\033[92m"
	ColorInfo        = "\033[96m"
	ColorOnOff       = "\033[33m"
	ColorOvercurrent = "\033[41m"
	ColorWarn        = "\033[93m"
	ColorException   = "\033[91m"
	ColorReset       = "\033[0m"
)

var labelColors = map[event.Label]string{
	event.LabelInfo:        ColorInfo,
	event.LabelOnOff:       ColorOnOff,
	event.LabelOvercurrent: ColorOvercurrent,
	event.LabelWarn:        ColorWarn,
	event.LabelException:   ColorException,
}

// Formatter composes log lines for one device
type Formatter struct {
	Info    string
	Primary event.Label
	// Parser rewrites primary payloads on the console; nil shows them raw.
	Parser telemetry.Parser
}

// Tag renders the colored bracketed label
func (f Formatter) Tag(label event.Label) string {
	color, ok := labelColors[label]
	if label == f.Primary {
		color, ok = ColorPrimary, true
	}
	if !ok {
		return "[" + string(label) + "]"
	}
	return color + "[" + string(label) + "]" + ColorReset
}

// Raw is the line written to the session and actions files
func (f Formatter) Raw(ev event.Event) string {
	return f.line(ev, ev.Payload)
}

// Parsed is the line shown on the console
func (f Formatter) Parsed(ev event.Event) string {
	if ev.Label == f.Primary && f.Parser != nil {
		return f.line(ev, f.Parser(ev.Payload))
	}
	return f.line(ev, ev.Payload)
}

func (f Formatter) line(ev event.Event, payload string) string {
	return ev.Time.Format(TimeLayout) + " " + f.Info + " " + f.Tag(ev.Label) + " " + payload
}
