// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"golang.org/x/term"

	"github.com/Thermoquad/expmon/pkg/config"
	"github.com/Thermoquad/expmon/pkg/event"
	"github.com/Thermoquad/expmon/pkg/monitor"
	"github.com/Thermoquad/expmon/pkg/stream"
)

// ============================================================
// Serial
// ============================================================

// SerialStream wraps a serial port
type SerialStream struct {
	port serial.Port
	name string
	mode serial.Mode
	open atomic.Bool
}

func (s *SerialStream) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *SerialStream) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Flush waits until everything written has been transmitted
func (s *SerialStream) Flush() error {
	return s.port.Drain()
}

func (s *SerialStream) ResetInputBuffer() error {
	return s.port.ResetInputBuffer()
}

func (s *SerialStream) ResetOutputBuffer() error {
	return s.port.ResetOutputBuffer()
}

func (s *SerialStream) Close() error {
	if !s.open.Swap(false) {
		return nil
	}
	return s.port.Close()
}

func (s *SerialStream) IsOpen() bool {
	return s.open.Load()
}

func (s *SerialStream) String() string {
	parity := "N"
	if s.mode.Parity == serial.EvenParity {
		parity = "E"
	}
	return fmt.Sprintf("%s @ %d 8%s1", s.name, s.mode.BaudRate, parity)
}

// OpenSerialStream opens a serial port in 8N1 (or 8E1) mode with a bounded
// read timeout
func OpenSerialStream(name string, baud int, parity bool, readTimeout time.Duration) (*SerialStream, error) {
	mode := serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if parity {
		mode.Parity = serial.EvenParity
	}

	port, err := serial.Open(name, &mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}

	s := &SerialStream{port: port, name: name, mode: mode}
	s.open.Store(true)
	return s, nil
}

// describePort renders the fields a port pattern is matched against
func describePort(p *enumerator.PortDetails) string {
	if !p.IsUSB {
		return p.Name + " n/a"
	}
	desc := fmt.Sprintf("%s %s USB VID:PID=%s:%s", p.Name, p.Product, strings.ToUpper(p.VID), strings.ToUpper(p.PID))
	if p.SerialNumber != "" {
		desc += " SER=" + p.SerialNumber
	}
	return desc
}

// isDevicePath reports whether name names a device rather than a pattern
func isDevicePath(name string) bool {
	if strings.HasPrefix(name, "/dev/") || strings.HasPrefix(strings.ToUpper(name), "COM") {
		return true
	}
	_, err := os.Stat(name)
	return err == nil
}

// matchPort picks the index-th port (1-based, 0 meaning the first) whose
// description contains pattern. Ports are considered in name order.
func matchPort(ports []*enumerator.PortDetails, pattern string, index int) (*enumerator.PortDetails, bool) {
	sorted := append([]*enumerator.PortDetails(nil), ports...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	if index < 1 {
		index = 1
	}
	needle := strings.ToUpper(pattern)
	seen := 0
	for _, p := range sorted {
		if !strings.Contains(strings.ToUpper(describePort(p)), needle) {
			continue
		}
		seen++
		if seen == index {
			return p, true
		}
	}
	return nil, false
}

// findSerialPort resolves a path or pattern to a device name. Every port
// seen and the final choice are passed to report.
func findSerialPort(pattern string, index int, report func(string)) (string, error) {
	if pattern == "" {
		return "", errors.New("either --port or --url must be specified")
	}
	if isDevicePath(pattern) {
		return pattern, nil
	}

	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return "", fmt.Errorf("list serial ports: %w", err)
	}
	for _, p := range ports {
		report(describePort(p))
	}

	p, ok := matchPort(ports, pattern, index)
	if !ok {
		if index > 0 {
			return "", fmt.Errorf("Couldn't find serial port with hwid = %s/%d", pattern, index)
		}
		return "", fmt.Errorf("Couldn't find serial port with hwid = %s", pattern)
	}
	report("set serial to " + p.Name)
	return p.Name, nil
}

// ============================================================
// WebSocket
// ============================================================

// ErrConnectionClosed is returned when reading from a closed WebSocket connection
var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketStream carries the serial byte stream over a WebSocket bridge.
// Both text and binary messages are accepted as data.
type WebSocketStream struct {
	conn        *websocket.Conn
	url         string
	readTimeout time.Duration

	messages chan []byte
	done     chan struct{}
	closeMu  sync.Once

	mu      sync.Mutex
	buf     []byte
	readErr error
	open    atomic.Bool
}

func newWebSocketStream(conn *websocket.Conn, rawURL string, readTimeout time.Duration) *WebSocketStream {
	w := &WebSocketStream{
		conn:        conn,
		url:         rawURL,
		readTimeout: readTimeout,
		messages:    make(chan []byte, 64),
		done:        make(chan struct{}),
	}
	w.open.Store(true)
	go w.pump()
	return w
}

// pump moves messages off the socket so Read can honor its timeout
func (w *WebSocketStream) pump() {
	defer close(w.messages)
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.readErr = err
			w.mu.Unlock()
			return
		}
		select {
		case w.messages <- data:
		case <-w.done:
			return
		}
	}
}

func (w *WebSocketStream) Read(p []byte) (int, error) {
	w.mu.Lock()
	if len(w.buf) > 0 {
		n := copy(p, w.buf)
		w.buf = w.buf[n:]
		w.mu.Unlock()
		return n, nil
	}
	w.mu.Unlock()

	timer := time.NewTimer(w.readTimeout)
	defer timer.Stop()
	select {
	case data, ok := <-w.messages:
		if !ok {
			w.open.Store(false)
			w.mu.Lock()
			err := w.readErr
			w.mu.Unlock()
			if err == nil {
				err = ErrConnectionClosed
			}
			return 0, err
		}
		w.mu.Lock()
		n := copy(p, data)
		w.buf = append(w.buf[:0], data[n:]...)
		w.mu.Unlock()
		return n, nil
	case <-timer.C:
		return 0, nil
	}
}

func (w *WebSocketStream) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush is a no-op; every Write is sent as one message
func (w *WebSocketStream) Flush() error { return nil }

// ResetInputBuffer discards data received but not yet read
func (w *WebSocketStream) ResetInputBuffer() error {
	w.mu.Lock()
	w.buf = w.buf[:0]
	w.mu.Unlock()
	for {
		select {
		case _, ok := <-w.messages:
			if !ok {
				return nil
			}
		default:
			return nil
		}
	}
}

// ResetOutputBuffer is a no-op; nothing is queued locally
func (w *WebSocketStream) ResetOutputBuffer() error { return nil }

func (w *WebSocketStream) Close() error {
	var err error
	w.closeMu.Do(func() {
		w.open.Store(false)
		close(w.done)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = w.conn.Close()
	})
	return err
}

func (w *WebSocketStream) IsOpen() bool {
	return w.open.Load()
}

func (w *WebSocketStream) String() string {
	return "WebSocket: " + w.url
}

// OpenWebSocketStream opens a WebSocket connection with HTTP Basic auth
func OpenWebSocketStream(ctx context.Context, wsURL, username, password string, skipSSLVerify bool, readTimeout time.Duration) (*WebSocketStream, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return newWebSocketStream(conn, wsURL, readTimeout), nil
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv("EXPMON_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// not a terminal
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// ============================================================
// Opener
// ============================================================

// streamOpener locates and opens the stream described by cfg
func streamOpener(cfg *config.Config) monitor.Opener {
	return func(ctx context.Context, q *event.Queue) (stream.Stream, error) {
		if cfg.WebSocket.URL != "" {
			password := ""
			if cfg.WebSocket.Username != "" {
				var err error
				password, err = GetPassword()
				if err != nil {
					return nil, err
				}
			}
			ws, err := OpenWebSocketStream(ctx, cfg.WebSocket.URL, cfg.WebSocket.Username, password,
				cfg.WebSocket.NoSSLVerify, cfg.Serial.ReadTimeout)
			if err != nil {
				return nil, err
			}
			q.Putf(event.LabelInfo, "Serial port: %s", ws)
			return ws, nil
		}

		report := func(msg string) { q.Put(event.LabelInfo, msg) }
		name, err := findSerialPort(cfg.Serial.Port, cfg.Serial.FTDIPort, report)
		if err != nil {
			return nil, err
		}
		s, err := OpenSerialStream(name, cfg.Serial.Baud, cfg.Serial.Parity, cfg.Serial.ReadTimeout)
		if err != nil {
			return nil, err
		}
		if cfg.Serial.RTSCTS {
			// the driver has no hardware flow control; keep RTS asserted
			if err := s.port.SetRTS(true); err != nil {
				s.Close()
				return nil, fmt.Errorf("set RTS on %s: %w", name, err)
			}
			q.Put(event.LabelWarn, "RTS/CTS flow control is not supported by the serial driver, RTS held asserted")
		}
		q.Putf(event.LabelInfo, "Serial port: %s", s)
		return s, nil
	}
}
