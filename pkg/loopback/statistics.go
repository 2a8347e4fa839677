// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package loopback

import (
	"fmt"
	"time"
)

// Statistics tracks loopback round trips and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	Passes      uint64
	BytesTested uint64
	Errors      uint64
	Mismatches  uint64 // echo carried the wrong value
	Missing     uint64 // no value could be extracted

	LastPass time.Duration

	// Rates (calculated)
	ByteRate  float64 // bytes/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update records one byte round trip. ok is false when no value was
// extracted from the echo.
func (s *Statistics) Update(sent, received int, ok bool) {
	s.BytesTested++
	switch {
	case !ok:
		s.Missing++
		s.Errors++
	case sent != received:
		s.Mismatches++
		s.Errors++
	}
	s.LastUpdateTime = time.Now()
}

// CompletePass records the end of a 0..255 pass
func (s *Statistics) CompletePass(took time.Duration) {
	s.Passes++
	s.LastPass = took
}

// CalculateRates calculates byte and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.ByteRate = float64(s.BytesTested) / elapsed
		s.ErrorRate = float64(s.Errors) / elapsed
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	var errorPercent float64
	if s.BytesTested > 0 {
		errorPercent = float64(s.Errors) * 100.0 / float64(s.BytesTested)
	}

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Loopback (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Passes:          %8d\n", s.Passes)
	result += fmt.Sprintf("Bytes Tested:    %8d\n", s.BytesTested)
	result += fmt.Sprintf("Errors:          %8d (%.1f%%)\n", s.Errors, errorPercent)
	if s.Mismatches > 0 {
		result += fmt.Sprintf("  Mismatches:       %5d\n", s.Mismatches)
	}
	if s.Missing > 0 {
		result += fmt.Sprintf("  No Value:         %5d\n", s.Missing)
	}
	if s.LastPass > 0 {
		result += fmt.Sprintf("Last Pass:       %8s\n", s.LastPass.Round(time.Millisecond))
	}
	result += fmt.Sprintf("Byte Rate:       %8.1f bytes/sec\n", s.ByteRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}
