// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package event

import (
	"strings"
	"time"
)

// Label tags an event with its source or category
type Label string

// Auxiliary labels. The primary label is chosen at startup.
const (
	LabelInfo        Label = "INFO"
	LabelWarn        Label = "WARN"
	LabelException   Label = "EXC"
	LabelOnOff       Label = "ONOFF"
	LabelOvercurrent Label = "OVRCUR"
)

// DefaultPrimary is the label used for SUT output when none is configured
const DefaultPrimary Label = "UART"

// finalSuffix marks the partial line flushed when a reader stops
const finalSuffix = "-FIN"

// NewPrimary normalizes a user supplied label into a primary label
func NewPrimary(name string) Label {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return DefaultPrimary
	}
	return Label(name)
}

// Final returns the stream-finalization variant of l
func (l Label) Final() Label {
	return l + finalSuffix
}

// IsFamilyOf reports whether l is primary itself or its finalization variant
func (l Label) IsFamilyOf(primary Label) bool {
	return l == primary || l == primary.Final()
}

// Event is one timestamped, labeled line headed for the log sink
type Event struct {
	Time    time.Time
	Label   Label
	Payload string
}

// New creates an event stamped with the current time
func New(label Label, payload string) Event {
	return Event{Time: time.Now(), Label: label, Payload: payload}
}
