// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exposes bench counters to Prometheus. Metrics is a log
// sink tap; the HTTP endpoint is served by Serve.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Thermoquad/expmon/pkg/event"
	"github.com/Thermoquad/expmon/pkg/loopback"
	"github.com/Thermoquad/expmon/pkg/telemetry"
)

// Sources supplies values sampled at scrape time. Nil fields are skipped.
type Sources struct {
	QueueLen func() int
	Loopback func() (loopback.Statistics, bool)
}

// Metrics counts what the log sink writes
type Metrics struct {
	events     *prometheus.CounterVec
	bytes      prometheus.Counter
	frames     prometheus.Counter
	current    prometheus.Gauge
	lastEvent  prometheus.Gauge
	primary    event.Label
	registerer prometheus.Registerer
	collectors []prometheus.Collector
}

// New creates and registers the bench metrics on reg
func New(reg prometheus.Registerer, primary event.Label, src Sources) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "expmon_events_total",
			Help: "Events written by the log sink, by label.",
		}, []string{"label"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expmon_payload_bytes_total",
			Help: "Payload bytes written by the log sink.",
		}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "expmon_telemetry_frames_total",
			Help: "Primary lines that carried a telemetry frame.",
		}),
		current: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "expmon_sut_current_milliamps",
			Help: "Most recent SUT current reported by a telemetry frame.",
		}),
		lastEvent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "expmon_last_event_timestamp_seconds",
			Help: "Unix time of the most recent event.",
		}),
		primary:    primary,
		registerer: reg,
	}

	collectors := []prometheus.Collector{m.events, m.bytes, m.frames, m.current, m.lastEvent}

	if src.QueueLen != nil {
		collectors = append(collectors, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "expmon_queue_length",
			Help: "Events waiting for the log sink.",
		}, func() float64 { return float64(src.QueueLen()) }))
	}

	if src.Loopback != nil {
		sample := func(pick func(loopback.Statistics) uint64) func() float64 {
			return func() float64 {
				st, ok := src.Loopback()
				if !ok {
					return 0
				}
				return float64(pick(st))
			}
		}
		collectors = append(collectors,
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "expmon_loopback_errors_total",
				Help: "Loopback byte errors since start.",
			}, sample(func(s loopback.Statistics) uint64 { return s.Errors })),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "expmon_loopback_passes_total",
				Help: "Completed loopback passes.",
			}, sample(func(s loopback.Statistics) uint64 { return s.Passes })),
			prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: "expmon_loopback_bytes_total",
				Help: "Byte values round-tripped by the loopback tester.",
			}, sample(func(s loopback.Statistics) uint64 { return s.BytesTested })),
		)
	}

	reg.MustRegister(collectors...)
	m.collectors = collectors
	return m
}

// Observe counts ev
func (m *Metrics) Observe(ev event.Event, _ string) {
	m.events.WithLabelValues(string(ev.Label)).Inc()
	m.bytes.Add(float64(len(ev.Payload)))
	m.lastEvent.Set(float64(ev.Time.UnixNano()) / 1e9)

	if ev.Label != m.primary {
		return
	}
	if f, ok := telemetry.Decode(strings.TrimSpace(ev.Payload)); ok {
		m.frames.Inc()
		m.current.Set(f.CurrentMilliamps())
	}
}

// Unregister removes the collectors registered by New
func (m *Metrics) Unregister() {
	for _, c := range m.collectors {
		m.registerer.Unregister(c)
	}
}

// Serve exposes g on addr under /metrics until ctx is done
func Serve(ctx context.Context, addr string, g prometheus.Gatherer, logger *slog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, g, logger)
}

func serve(ctx context.Context, ln net.Listener, g prometheus.Gatherer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
