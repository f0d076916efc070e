// Package metrics provides metrics implementations for dynabot
package metrics

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/memtensor/dynabot/pkg/interfaces"
)

// MeterName is the instrumentation scope used for all dynabot instruments
const MeterName = "github.com/memtensor/dynabot"

// Metric names recorded by the engine and the HTTP server
const (
	MessagesTotal    = "dynabot_messages_total"
	ProcessSeconds   = "dynabot_process_seconds"
	StoreErrorsTotal = "dynabot_store_errors_total"
	ActiveSessions   = "dynabot_active_sessions"
	SimilarTurns     = "dynabot_similar_turns"
	HTTPRequests     = "dynabot_http_requests_total"
	HTTPSeconds      = "dynabot_http_request_seconds"
)

// NoOpMetrics is a no-operation metrics implementation
type NoOpMetrics struct{}

// Counter increments a counter metric
func (m *NoOpMetrics) Counter(name string, value float64, labels map[string]string) {}

// Gauge sets a gauge metric
func (m *NoOpMetrics) Gauge(name string, value float64, labels map[string]string) {}

// Histogram records a histogram metric
func (m *NoOpMetrics) Histogram(name string, value float64, labels map[string]string) {}

// Timer records timing metrics
func (m *NoOpMetrics) Timer(name string, duration float64, labels map[string]string) {}

// OTelMetrics records metrics through an OpenTelemetry meter.
// Instruments are created lazily on first use and cached by name.
type OTelMetrics struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
	onError    func(name string, err error)
}

var _ interfaces.Metrics = (*NoOpMetrics)(nil)
var _ interfaces.Metrics = (*OTelMetrics)(nil)

// Counter increments a counter metric
func (m *OTelMetrics) Counter(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		var err error
		c, err = m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			m.onError(name, err)
			return
		}
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Gauge sets a gauge metric
func (m *OTelMetrics) Gauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		var err error
		g, err = m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			m.onError(name, err)
			return
		}
		m.gauges[name] = g
	}
	m.mu.Unlock()
	g.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a histogram metric
func (m *OTelMetrics) Histogram(name string, value float64, labels map[string]string) {
	h, ok := m.histogram(name, "")
	if !ok {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Timer records timing metrics in seconds
func (m *OTelMetrics) Timer(name string, duration float64, labels map[string]string) {
	h, ok := m.histogram(name, "s")
	if !ok {
		return
	}
	h.Record(context.Background(), duration, metric.WithAttributes(toAttributes(labels)...))
}

func (m *OTelMetrics) histogram(name, unit string) (metric.Float64Histogram, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h, true
	}
	var opts []metric.Float64HistogramOption
	if unit != "" {
		opts = append(opts, metric.WithUnit(unit))
	}
	h, err := m.meter.Float64Histogram(name, opts...)
	if err != nil {
		m.onError(name, err)
		return nil, false
	}
	m.histograms[name] = h
	return h, true
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, attribute.String(k, labels[k]))
	}
	return attrs
}

// NewNoOpMetrics creates a new no-op metrics implementation
func NewNoOpMetrics() interfaces.Metrics {
	return &NoOpMetrics{}
}

// NewOTelMetrics creates metrics backed by the given meter provider.
// Instrument creation failures are reported to the logger when one is given.
func NewOTelMetrics(provider metric.MeterProvider, logger interfaces.Logger) *OTelMetrics {
	m := &OTelMetrics{
		meter:      provider.Meter(MeterName),
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
		onError:    func(string, error) {},
	}
	if logger != nil {
		m.onError = func(name string, err error) {
			logger.Warn("failed to create instrument", map[string]interface{}{"name": name, "error": err.Error()})
		}
	}
	return m
}

