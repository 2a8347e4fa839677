// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package telemetry

import (
	"math"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"
)

// ============================================================
// Decode Tests
// ============================================================

func TestParse_KnownFrames(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			name: "powered, in reset, watchdog tripped",
			line: "0000271A 0CF3 00000000 0003 00000000 000B",
			want: "331.50 mA | SOM \033[32mON \033[0m | nRST \033[41mLOW\033[0m  | PGOOD \033[32mYES\033[0m | WDT \033[41mFAIL\033[0m",
		},
		{
			name: "running, no power good",
			line: "00000000 FFFF 00000000 0000 00000000 0422",
			want: " -0.10 mA | SOM \033[32mON \033[0m | nRST \033[32mHIGH\033[0m | PGOOD \033[41mNO\033[0m  | WDT \033[32mOK\033[0m  ",
		},
		{
			name: "everything off, most negative current",
			line: "00000000 8000 00000000 0000 00000000 0000",
			want: "-3276.80 mA | SOM \033[41mOFF\033[0m | nRST \033[41mLOW\033[0m  | PGOOD \033[41mNO\033[0m  | WDT \033[41mFAIL\033[0m",
		},
		{
			name: "lower case digits with trailing text",
			line: "abcdef01 0e3a deadbeef 0022 cafef00d 042a trailing",
			want: "364.20 mA | SOM \033[32mON \033[0m | nRST \033[32mHIGH\033[0m | PGOOD \033[32mYES\033[0m | WDT \033[32mOK\033[0m  ",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(tt.line); got != tt.want {
				t.Errorf("Parse(%q)\n got %q\nwant %q", tt.line, got, tt.want)
			}
		})
	}
}

func TestDecode_Fields(t *testing.T) {
	f, ok := Decode("0000271A 0CF3 00000000 0003 00000000 000B")
	if !ok {
		t.Fatal("expected frame")
	}
	if f.CurrentRaw != 0x0CF3 || f.GPIOWrite != 0x0003 || f.GPIORead != 0x000B {
		t.Errorf("unexpected fields %+v", f)
	}
	if !f.PowerEnable() || f.ResetHigh() || !f.PowerGood() || f.WatchdogOK() {
		t.Errorf("unexpected status bits for 0x%04X", f.GPIORead)
	}
}

func TestCurrentMilliamps_SignedRange(t *testing.T) {
	tests := []struct {
		raw  uint16
		want float64
	}{
		{0x0000, 0},
		{0x7FFF, 3276.7},
		{0x8000, -3276.8},
		{0xFFFF, -0.1},
	}
	for _, tt := range tests {
		got := Frame{CurrentRaw: tt.raw}.CurrentMilliamps()
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("raw 0x%04X: got %v mA, want %v", tt.raw, got, tt.want)
		}
	}
}

// ============================================================
// Pass-through Tests
// ============================================================

func TestParse_PassThrough(t *testing.T) {
	lines := []string{
		"",
		"U-Boot 2023.01 (Jan 01 2023)",
		"0000271A 0CF3 00000000 0003 00000000",
		"0000271A 0CF3 00000000 0003 00000000 00B",
		"0000271G 0CF3 00000000 0003 00000000 000B",
		"0000271A  0CF3 00000000 0003 00000000 000B",
		" 0000271A 0CF3 00000000 0003 00000000 000B",
		"0000271A-0CF3-00000000-0003-00000000-000B",
		"xC3",
	}
	for _, line := range lines {
		if got := Parse(line); got != line {
			t.Errorf("Parse(%q) = %q, want unchanged", line, got)
		}
	}
}

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

func TestFuzz_PassThrough(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("Seed: %d", seed)
	rng := rand.New(rand.NewSource(seed))

	const alphabet = "0123456789abcdefABCDEFxyz :-\t"
	for round := 0; round < getFuzzRounds(); round++ {
		n := rng.Intn(2 * FrameLen)
		var b strings.Builder
		for i := 0; i < n; i++ {
			b.WriteByte(alphabet[rng.Intn(len(alphabet))])
		}
		line := b.String()

		got := Parse(line)
		if _, ok := Decode(line); !ok && got != line {
			t.Fatalf("round %d: non-frame %q was modified to %q", round, line, got)
		}
	}
}

// ============================================================
// Lookup Tests
// ============================================================

func TestLookup(t *testing.T) {
	p, err := Lookup("none")
	if err != nil || p != nil {
		t.Errorf("Lookup(none) should be a nil parser, err %v", err)
	}
	p, err = Lookup("current")
	if err != nil || p == nil {
		t.Fatalf("Lookup(current) = %v", err)
	}
	if got := p("hello"); got != "hello" {
		t.Errorf("current parser modified plain text: %q", got)
	}
	if _, err := Lookup("voltage"); err == nil {
		t.Error("expected error for unknown parser")
	}
	if got := strings.Join(Names(), ","); got != "current,none" {
		t.Errorf("Names() = %s", got)
	}
}
