// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package loopback

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Thermoquad/expmon/pkg/event"
	"github.com/Thermoquad/expmon/pkg/stream/streamtest"
)

// ============================================================
// Test Helpers
// ============================================================

func drain(q *event.Queue) []event.Event {
	q.Close()
	var out []event.Event
	for {
		ev, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func exceptions(evs []event.Event) []string {
	var out []string
	for _, ev := range evs {
		if ev.Label == event.LabelException {
			out = append(out, ev.Payload)
		}
	}
	return out
}

// respondExcept echoes every frame but rewrites the one for value i
func respondExcept(i string, reply string) func([]byte) []byte {
	return func(b []byte) []byte {
		if string(b) == "["+i+"]\n" {
			return []byte(reply)
		}
		return append([]byte(nil), b...)
	}
}

// ============================================================
// Extract Tests
// ============================================================

func TestExtract(t *testing.T) {
	tests := []struct {
		echo   string
		want   int
		wantOK bool
	}{
		{"[0]", 0, true},
		{"[255]", 255, true},
		{"noise [42] more", 42, true},
		{"[abc]", 0, false},
		{"[]", 0, false},
		{"[[]", 0, false},
		{"", 0, false},
		{"[12", 0, false},
	}
	for _, tt := range tests {
		got, ok := Extract(tt.echo)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("Extract(%q) = %d, %v; want %d, %v", tt.echo, got, ok, tt.want, tt.wantOK)
		}
	}
}

// ============================================================
// Pass Tests
// ============================================================

func TestPass_CleanEcho(t *testing.T) {
	script := streamtest.New()
	script.Respond = streamtest.Echo()
	q := event.NewQueue()
	tester := New(script, q, Options{Primary: "SOM"})

	if err := tester.Pass(context.Background()); err != nil {
		t.Fatalf("Pass: %v", err)
	}

	evs := drain(q)
	if exc := exceptions(evs); len(exc) != 0 {
		t.Errorf("clean echo produced errors: %q", exc)
	}
	if tester.Errors() != 0 {
		t.Errorf("error counter = %d", tester.Errors())
	}
	if script.Resets() != 2 {
		t.Errorf("buffers reset %d times, want input and output once each", script.Resets())
	}
	if !strings.HasPrefix(script.Written(), "[0]\n[1]\n[2]\n") || !strings.HasSuffix(script.Written(), "[255]\n") {
		t.Errorf("unexpected frames written: %.40q", script.Written())
	}

	want := []event.Event{
		{Label: "SOM", Payload: ""},
		{Label: event.LabelWarn, Payload: "Flush I/O buffers from serial device"},
		{Label: event.LabelWarn, Payload: "Test byte to byte"},
	}
	if len(evs) != len(want) {
		t.Fatalf("got %d events, want %d", len(evs), len(want))
	}
	for i := range want {
		if evs[i].Label != want[i].Label || evs[i].Payload != want[i].Payload {
			t.Errorf("event %d = %+v, want %+v", i, evs[i], want[i])
		}
	}

	st := tester.Statistics()
	if st.Passes != 1 || st.BytesTested != 256 {
		t.Errorf("statistics = %+v", st)
	}
}

func TestPass_InjectedFault(t *testing.T) {
	script := streamtest.New()
	script.Respond = streamtest.Echo()
	q := event.NewQueue()
	tester := New(script, q, Options{Injected: true})

	for pass := 1; pass <= 2; pass++ {
		if err := tester.Pass(context.Background()); err != nil {
			t.Fatal(err)
		}
		if got := tester.Errors(); got != uint64(pass) {
			t.Errorf("after pass %d error counter = %d, want %d", pass, got, pass)
		}
	}

	exc := exceptions(drain(q))
	want := []string{
		"byte_error: counter \033[91m  1\033[0m  sent \033[96m  0\033[0m  received \033[93mNone\033[0m",
		"byte_error: counter \033[91m  2\033[0m  sent \033[96m  0\033[0m  received \033[93mNone\033[0m",
	}
	if len(exc) != len(want) {
		t.Fatalf("got %d errors, want %d: %q", len(exc), len(want), exc)
	}
	for i := range want {
		if exc[i] != want[i] {
			t.Errorf("error %d = %q, want %q", i, exc[i], want[i])
		}
	}
}

func TestPass_Mismatch(t *testing.T) {
	script := streamtest.New()
	script.Respond = respondExcept("7", "[70]\n")
	q := event.NewQueue()
	tester := New(script, q, Options{})

	if err := tester.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	exc := exceptions(drain(q))
	want := "byte_error: counter \033[91m  1\033[0m  sent \033[96m  7\033[0m  received \033[93m 70\033[0m"
	if len(exc) != 1 || exc[0] != want {
		t.Errorf("errors = %q, want [%q]", exc, want)
	}
	st := tester.Statistics()
	if st.Mismatches != 1 || st.Missing != 0 {
		t.Errorf("statistics = %+v", st)
	}
}

func TestPass_InvalidByteEndsEcho(t *testing.T) {
	script := streamtest.New()
	// the echo of byte 3 is a single corrupted byte
	script.Respond = respondExcept("3", "\xC3")
	q := event.NewQueue()
	tester := New(script, q, Options{ByteTimeout: 20 * time.Millisecond})

	if err := tester.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := tester.Errors(); got != 1 {
		t.Errorf("error counter = %d, want 1", got)
	}
}

func TestPass_Timeout(t *testing.T) {
	script := streamtest.New()
	script.Respond = respondExcept("200", "")
	q := event.NewQueue()
	tester := New(script, q, Options{ByteTimeout: 5 * time.Millisecond})

	if err := tester.Pass(context.Background()); err != nil {
		t.Fatal(err)
	}
	exc := exceptions(drain(q))
	if len(exc) != 1 || !strings.Contains(exc[0], "sent \033[96m200\033[0m  received \033[93mNone") {
		t.Errorf("errors = %q", exc)
	}
}

func TestPass_StreamFault(t *testing.T) {
	boom := errors.New("device unplugged")
	script := streamtest.New(streamtest.Fail(boom))
	q := event.NewQueue()
	tester := New(script, q, Options{})

	err := tester.Pass(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Pass error = %v, want %v", err, boom)
	}
}

func TestPass_Cancelled(t *testing.T) {
	script := streamtest.New()
	script.Respond = streamtest.Echo()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tester := New(script, event.NewQueue(), Options{})
	if err := tester.Pass(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Pass error = %v, want context.Canceled", err)
	}
	if script.Written() != "" {
		t.Errorf("nothing should be written after cancellation, got %q", script.Written())
	}
}

func TestStatistics_String(t *testing.T) {
	s := NewStatistics()
	s.Update(0, 0, false)
	s.Update(1, 2, true)
	s.Update(2, 2, true)
	s.CompletePass(1500 * time.Millisecond)

	out := s.String()
	for _, want := range []string{"Passes:", "Bytes Tested:           3", "Mismatches:", "No Value:", "Last Pass:"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
