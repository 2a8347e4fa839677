// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package event

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Put(LabelInfo, fmt.Sprintf("msg %d", i))
	}
	for i := 0; i < 5; i++ {
		ev, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue reported closed", i)
		}
		want := fmt.Sprintf("msg %d", i)
		if ev.Payload != want {
			t.Errorf("Pop %d: got %q, want %q", i, ev.Payload, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}

func TestQueue_CloseDrainsBacklog(t *testing.T) {
	const n = 1000
	q := NewQueue()
	for i := 0; i < n; i++ {
		q.Put(DefaultPrimary, "line")
	}
	q.Close()

	if q.Put(LabelInfo, "late") {
		t.Error("Push after Close should be rejected")
	}

	got := 0
	for {
		_, ok := q.Pop()
		if !ok {
			break
		}
		got++
	}
	if got != n {
		t.Errorf("drained %d events, want %d", got, n)
	}
}

func TestQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewQueue()
	done := make(chan Event, 1)
	go func() {
		ev, _ := q.Pop()
		done <- ev
	}()

	select {
	case <-done:
		t.Fatal("Pop returned on an empty open queue")
	case <-time.After(20 * time.Millisecond):
	}

	q.Put(LabelWarn, "wake")
	select {
	case ev := <-done:
		if ev.Payload != "wake" {
			t.Errorf("got %q", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not wake after Push")
	}
}

func TestQueue_CloseWakesConsumer(t *testing.T) {
	q := NewQueue()
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Error("Pop on closed empty queue should report !ok")
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the consumer")
	}
}

func TestQueue_ConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	const producers = 4
	const perProducer = 500
	q := NewQueue()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Put(Label(fmt.Sprintf("P%d", p)), fmt.Sprintf("%d", i))
			}
		}(p)
	}
	wg.Wait()
	q.Close()

	next := make(map[Label]int)
	total := 0
	for {
		ev, ok := q.Pop()
		if !ok {
			break
		}
		want := fmt.Sprintf("%d", next[ev.Label])
		if ev.Payload != want {
			t.Fatalf("producer %s out of order: got %s, want %s", ev.Label, ev.Payload, want)
		}
		next[ev.Label]++
		total++
	}
	if total != producers*perProducer {
		t.Errorf("got %d events, want %d", total, producers*perProducer)
	}
}

func TestLabel_Family(t *testing.T) {
	primary := NewPrimary(" uart ")
	if primary != "UART" {
		t.Fatalf("NewPrimary: got %q", primary)
	}
	if primary.Final() != "UART-FIN" {
		t.Errorf("Final: got %q", primary.Final())
	}
	if !primary.Final().IsFamilyOf(primary) || !primary.IsFamilyOf(primary) {
		t.Error("primary and its final variant should belong to the family")
	}
	if LabelInfo.IsFamilyOf(primary) {
		t.Error("INFO should not belong to the primary family")
	}
	if NewPrimary("") != DefaultPrimary {
		t.Error("empty label should fall back to the default")
	}
}
