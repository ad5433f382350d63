// Copyright 2023 - MinIO, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package metric gathers and exposes metrics about a
// directory server in the Prometheus format.
package metric

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "lwdir"

// Config is a structure for configuring Metrics. Each
// function, if not nil, is invoked whenever the metrics
// are gathered.
type Config struct {
	// RaftState returns the role of the server as
	// number, its current term and the number of
	// elections it has started.
	RaftState func() (role, term, elections uint64)

	// WatchState returns the revision of the most
	// recent watch event and the number of active
	// watch sessions.
	WatchState func() (revision uint64, sessions int)
}

// New returns a new Metrics that gathers and exposes various
// metrics about the directory server.
func New(config *Config) *Metrics {
	if config == nil {
		config = &Config{}
	}
	metrics := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "Number of requests that have been served partitioned by status class.",
		}, []string{"class"}),
		requestActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_active",
			Help:      "Number of active requests that are not finished, yet.",
		}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_time",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 1.5, 3.0, 5.0, 10.0}, // from 10ms to 10s
			Help:      "Histogram of request response times spawning from 10ms to 10s.",
		}),

		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "commits",
			Help:      "Number of committed entry changes partitioned by operation.",
		}, []string{"op"}),

		replPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repl",
			Name:      "pages",
			Help:      "Number of change pages pulled from replication partners.",
		}),
		replApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repl",
			Name:      "applied",
			Help:      "Number of replicated changes that won the conflict resolution and have been applied.",
		}),
		replOutOfSequence: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repl",
			Name:      "out_of_sequence",
			Help:      "Number of replicated changes received with a USN that is not newer than the agreement.",
		}),

		errorLogEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "log",
			Name:      "error_events",
			Help:      "Number of error log events written to the error log targets.",
		}),

		startTime: time.Now(),
		upTimeInSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "up_time",
			Help:      "The time the server has been up and running in seconds.",
		}),
	}

	metrics.registry.MustRegister(metrics.requests)
	metrics.registry.MustRegister(metrics.requestActive)
	metrics.registry.MustRegister(metrics.requestLatency)
	metrics.registry.MustRegister(metrics.commits)
	metrics.registry.MustRegister(metrics.replPages)
	metrics.registry.MustRegister(metrics.replApplied)
	metrics.registry.MustRegister(metrics.replOutOfSequence)
	metrics.registry.MustRegister(metrics.errorLogEvents)
	metrics.registry.MustRegister(metrics.upTimeInSeconds)

	if f := config.RaftState; f != nil {
		metrics.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "raft",
			Name:      "role",
			Help:      "The consensus role of the server: 0 follower, 1 candidate, 2 leader.",
		}, func() float64 {
			role, _, _ := f()
			return float64(role)
		}))
		metrics.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raft",
			Name:      "term",
			Help:      "Number of term changes observed by the server.",
		}, func() float64 {
			_, term, _ := f()
			return float64(term)
		}))
		metrics.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raft",
			Name:      "elections",
			Help:      "Number of elections started by the server.",
		}, func() float64 {
			_, _, elections := f()
			return float64(elections)
		}))
	}
	if f := config.WatchState; f != nil {
		metrics.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "events",
			Help:      "Number of watch events published.",
		}, func() float64 {
			revision, _ := f()
			return float64(revision)
		}))
		metrics.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "sessions",
			Help:      "Number of active watch sessions.",
		}, func() float64 {
			_, sessions := f()
			return float64(sessions)
		}))
	}
	return metrics
}

// Metrics is a type that gathers various metrics and information
// about a directory server.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	requestActive  prometheus.Gauge
	requestLatency prometheus.Histogram

	commits *prometheus.CounterVec

	replPages         prometheus.Counter
	replApplied       prometheus.Counter
	replOutOfSequence prometheus.Counter

	errorLogEvents prometheus.Counter

	startTime       time.Time // Used to compute the up time as upTime = now - startTime
	upTimeInSeconds prometheus.Gauge
}

// EncodeTo collects all outstanding metrics information
// about the server and writes it to encoder.
func (m *Metrics) EncodeTo(encoder expfmt.Encoder) error {
	m.upTimeInSeconds.Set(time.Since(m.startTime).Truncate(10 * time.Millisecond).Seconds())

	metrics, err := m.registry.Gather()
	if err != nil {
		return err
	}
	for _, metric := range metrics {
		if err := encoder.Encode(metric); err != nil {
			return err
		}
	}
	return nil
}

// Commit increments the commit counter of the given
// operation.
func (m *Metrics) Commit(op string) { m.commits.WithLabelValues(op).Inc() }

// ReplicationPage records a change page that has been
// pulled from a replication partner.
func (m *Metrics) ReplicationPage(applied, outOfSequence int) {
	m.replPages.Inc()
	m.replApplied.Add(float64(applied))
	m.replOutOfSequence.Add(float64(outOfSequence))
}

// Count returns a HandlerFunc that wraps h and counts the
// how many requests succeeded (HTTP 2xx), have been
// redirected (HTTP 3xx) and how many failed.
//
// Count distingushes requests that fail with some sort of
// well-defined error (HTTP 4xx) and requests that fail due
// to some internal error (HTTP 5xx).
func (m *Metrics) Count(h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.requestActive.Inc()
		defer m.requestActive.Dec()

		flusher, _ := w.(http.Flusher)
		h.ServeHTTP(&countResponseWriter{
			ResponseWriter: w,
			flusher:        flusher,
			requests:       m.requests,
		}, r)
	}
}

// Latency returns a HandlerFunc that wraps h and measures the
// internal request-response latency.
//
// The internal request-response latency is the time the
// application takes to generate and send a response after
// receiving a request. It basically shows how many request
// the application can handle.
func (m *Metrics) Latency(h http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		h.ServeHTTP(&latencyResponseWriter{
			ResponseWriter: w,
			flusher:        flusher,
			start:          time.Now(),
			histogram:      m.requestLatency,
		}, r)
	}
}

// ErrorEventCounter returns an io.Writer that increments
// the error event log counter on each write call.
//
// The returned io.Writer never returns an error on writes.
func (m *Metrics) ErrorEventCounter() io.Writer {
	return eventCounter{metric: m.errorLogEvents}
}

type eventCounter struct {
	metric prometheus.Counter
}

func (w eventCounter) Write(p []byte) (int, error) {
	w.metric.Inc()
	return len(p), nil
}

// latencyResponseWriter is an http.ResponseWriter that
// measures the internal request-response latency.
type latencyResponseWriter struct {
	http.ResponseWriter
	flusher http.Flusher

	start     time.Time            // The point in time when the request was received
	histogram prometheus.Histogram // The latency histogram
	written   bool                 // Inidicates whether the HTTP headers have been written
}

var (
	_ http.ResponseWriter = (*latencyResponseWriter)(nil)
	_ http.Flusher        = (*latencyResponseWriter)(nil)
)

func (w *latencyResponseWriter) WriteHeader(status int) {
	w.ResponseWriter.WriteHeader(status)
	if !w.written {
		w.histogram.Observe(time.Since(w.start).Seconds())
		w.written = true
	}
}

func (w *latencyResponseWriter) Write(p []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *latencyResponseWriter) Flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// countResponseWriter is an http.ResponseWriter that
// counts the number of requests partitioned by the
// class of their response status code.
type countResponseWriter struct {
	http.ResponseWriter
	flusher http.Flusher

	requests *prometheus.CounterVec
	written  bool // Inidicates whether the HTTP headers have been written
}

var (
	_ http.ResponseWriter = (*countResponseWriter)(nil)
	_ http.Flusher        = (*countResponseWriter)(nil)
)

func (w *countResponseWriter) WriteHeader(status int) {
	w.ResponseWriter.WriteHeader(status)
	if !w.written {
		w.requests.WithLabelValues(statusClass(status)).Inc()
		w.written = true
	}
}

func (w *countResponseWriter) Write(p []byte) (int, error) {
	if !w.written {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *countResponseWriter) Flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// statusClass returns the class of an HTTP status
// code, like "2xx".
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
