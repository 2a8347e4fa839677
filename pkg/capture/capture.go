// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package capture records the event stream as a sequence of CBOR items so
// a bench session can be replayed later through the same formatter.
//
// A capture is one Header item followed by one Record per event.
package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/Thermoquad/expmon/pkg/event"
)

// Version is written in every header
const Version = 1

// Header opens a capture
type Header struct {
	Version int       `cbor:"1,keyasint"`
	Session string    `cbor:"2,keyasint"`
	Info    string    `cbor:"3,keyasint"`
	Primary string    `cbor:"4,keyasint"`
	Started time.Time `cbor:"5,keyasint"`
}

// NewHeader creates a header with a fresh session ID
func NewHeader(info string, primary event.Label) Header {
	return Header{
		Version: Version,
		Session: uuid.NewString(),
		Info:    info,
		Primary: string(primary),
		Started: time.Now(),
	}
}

// Record is one captured event
type Record struct {
	Time    time.Time `cbor:"1,keyasint"`
	Label   string    `cbor:"2,keyasint"`
	Payload string    `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("capture: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("capture: CBOR decoder initialization failed: " + err.Error())
	}
}

// Writer appends events to a capture. It is a logsink tap.
type Writer struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	closer io.Closer
	err    error
	count  uint64
}

// NewWriter writes h to w and returns a writer for the events
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	enc := encMode.NewEncoder(w)
	if err := enc.Encode(h); err != nil {
		return nil, fmt.Errorf("capture: write header: %w", err)
	}
	cw := &Writer{enc: enc}
	if c, ok := w.(io.Closer); ok {
		cw.closer = c
	}
	return cw, nil
}

// Create starts a capture file at path
func Create(path string, h Header) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: %w", err)
	}
	w, err := NewWriter(f, h)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Observe records ev. The first write error is kept and later events are
// dropped; see Err.
func (w *Writer) Observe(ev event.Event, _ string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	rec := Record{Time: ev.Time, Label: string(ev.Label), Payload: ev.Payload}
	if err := w.enc.Encode(rec); err != nil {
		w.err = fmt.Errorf("capture: write record: %w", err)
		return
	}
	w.count++
}

// Count returns the number of records written
func (w *Writer) Count() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Err returns the first write error
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close closes the underlying file, if the writer owns one
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closer == nil {
		return w.err
	}
	err := w.closer.Close()
	w.closer = nil
	return errors.Join(w.err, err)
}

// Reader iterates a capture
type Reader struct {
	Header Header
	dec    *cbor.Decoder
}

// NewReader reads the header from r
func NewReader(r io.Reader) (*Reader, error) {
	dec := decMode.NewDecoder(r)
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("capture: read header: %w", err)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("capture: unsupported version %d", h.Version)
	}
	return &Reader{Header: h, dec: dec}, nil
}

// Next returns the next event, or io.EOF after the last one
func (r *Reader) Next() (event.Event, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return event.Event{}, io.EOF
		}
		return event.Event{}, fmt.Errorf("capture: read record: %w", err)
	}
	return event.Event{Time: rec.Time, Label: event.Label(rec.Label), Payload: rec.Payload}, nil
}
