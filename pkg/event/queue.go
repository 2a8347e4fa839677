// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package event

import (
	"fmt"
	"sync"
)

// Queue is an unbounded FIFO of events with many producers and a single
// consumer. Close stops new pushes; Pop keeps returning queued events until
// the backlog is empty.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []Event
	closed bool
}

// NewQueue creates an empty open queue
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends ev. It never blocks and returns false once the queue is closed.
func (q *Queue) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.data = append(q.data, ev)
	q.cond.Signal()
	return true
}

// Put stamps and pushes a new event
func (q *Queue) Put(label Label, payload string) bool {
	return q.Push(New(label, payload))
}

// Putf is Put with fmt.Sprintf formatting
func (q *Queue) Putf(label Label, format string, args ...interface{}) bool {
	return q.Push(New(label, fmt.Sprintf(format, args...)))
}

// Pop blocks until an event is available. ok is false only after the queue
// has been closed and fully drained.
func (q *Queue) Pop() (ev Event, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.data) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.data) == 0 {
		return Event{}, false
	}
	ev = q.data[0]
	q.data[0] = Event{}
	q.data = q.data[1:]
	return ev, true
}

// Close stops accepting events and wakes the consumer. Safe to call twice.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Closed reports whether Close has been called
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued events
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}
