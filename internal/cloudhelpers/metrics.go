package cloudhelpers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/embedthis/ioto-core/internal/koderr"
)

// MetricsConfig selects which exporter backs the local meter provider.
// An embedded device with no cloud telemetry endpoint configured still
// gets working counters/histograms via the stdout exporter; setting
// OTLPEndpoint switches to shipping them to a collector instead.
type MetricsConfig struct {
	DeviceID     string
	OTLPEndpoint string // empty uses the stdout exporter
}

// Metrics wraps one meter/tracer provider pair and caches the
// instruments callers create by name, so repeated calls to Counter or
// Histogram for the same name return the same instrument.
type Metrics struct {
	meter  metric.Meter
	tracer trace.Tracer
	mp     *sdkmetric.MeterProvider
	tp     *sdktrace.TracerProvider

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
}

// NewMetrics builds the meter/tracer providers and installs them as the
// process-wide otel defaults.
func NewMetrics(ctx context.Context, cfg MetricsConfig) (*Metrics, error) {
	var metricExporter sdkmetric.Exporter
	var err error
	if cfg.OTLPEndpoint != "" {
		metricExporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
	} else {
		metricExporter, err = stdoutmetric.New()
	}
	if err != nil {
		return nil, koderr.New(koderr.CantCreate, "cloudhelpers.NewMetrics", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(time.Minute))),
	)
	otel.SetMeterProvider(mp)

	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, koderr.New(koderr.CantCreate, "cloudhelpers.NewMetrics", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExporter))
	otel.SetTracerProvider(tp)

	return &Metrics{
		meter:      mp.Meter("ioto-core/cloudhelpers"),
		tracer:     tp.Tracer("ioto-core/cloudhelpers"),
		mp:         mp,
		tp:         tp,
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}, nil
}

// Close flushes and shuts down both providers.
func (m *Metrics) Close(ctx context.Context) error {
	if err := m.tp.Shutdown(ctx); err != nil {
		return koderr.New(koderr.CantComplete, "cloudhelpers.Metrics.Close", err)
	}
	if err := m.mp.Shutdown(ctx); err != nil {
		return koderr.New(koderr.CantComplete, "cloudhelpers.Metrics.Close", err)
	}
	return nil
}

// Counter returns (creating on first use) the named Int64Counter.
func (m *Metrics) Counter(name string) (metric.Int64Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c, nil
	}
	c, err := m.meter.Int64Counter(name)
	if err != nil {
		return nil, koderr.New(koderr.CantCreate, "cloudhelpers.Metrics.Counter", err)
	}
	m.counters[name] = c
	return c, nil
}

// Histogram returns (creating on first use) the named Float64Histogram.
func (m *Metrics) Histogram(name, unit string) (metric.Float64Histogram, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h, nil
	}
	h, err := m.meter.Float64Histogram(name, metric.WithUnit(unit))
	if err != nil {
		return nil, koderr.New(koderr.CantCreate, "cloudhelpers.Metrics.Histogram", err)
	}
	m.histograms[name] = h
	return h, nil
}

// Tracer exposes the underlying tracer for callers that want to wrap a
// cloud round trip in a span.
func (m *Metrics) Tracer() trace.Tracer { return m.tracer }

// PublishSample sends one compact JSON sample to a cloud-routing metrics
// topic, independent of (and in addition to) the local otel instruments.
func PublishSample(transport Transport, deviceID, name string, value float64) error {
	topic := fmt.Sprintf("ioto/device/%s/metrics/%s", deviceID, name)
	payload, err := json.Marshal(struct {
		Value     float64 `json:"value"`
		Timestamp int64   `json:"timestamp"`
	}{Value: value, Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return koderr.New(koderr.BadData, "cloudhelpers.PublishSample", err)
	}
	return transport.Publish(topic, payload)
}
