// Package telemetry provides simple metrics emission for the routing core.
// Counter and Histogram cover nearly all call sites; components emit
// unconditionally and everything is a no-op until Init is called.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Registry owns the OpenTelemetry meter and instrument caches.
type Registry struct {
	meter      metric.Meter
	provider   *sdkmetric.MeterProvider
	counters   sync.Map // name -> metric.Float64Counter
	histograms sync.Map // name -> metric.Float64Histogram
}

var globalRegistry atomic.Value // *Registry

// Init installs a process-global meter provider and registry.
// Calling it twice replaces the registry; the previous provider keeps
// running until Shutdown.
func Init(serviceName string, readers ...sdkmetric.Reader) (*Registry, error) {
	opts := make([]sdkmetric.Option, 0, len(readers))
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	r := &Registry{
		meter:    provider.Meter(serviceName),
		provider: provider,
	}
	globalRegistry.Store(r)
	return r, nil
}

// Shutdown flushes and stops the meter provider.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}

func current() *Registry {
	v := globalRegistry.Load()
	if v == nil {
		return nil
	}
	return v.(*Registry)
}

func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

// Counter increments a counter metric by 1.
// Labels are key-value pairs: Counter("attempts.total", "agent", "a1").
func Counter(name string, labels ...string) {
	Add(name, 1, labels...)
}

// Add increments a counter metric by value.
func Add(name string, value float64, labels ...string) {
	r := current()
	if r == nil {
		return
	}
	var counter metric.Float64Counter
	if c, ok := r.counters.Load(name); ok {
		counter = c.(metric.Float64Counter)
	} else {
		created, err := r.meter.Float64Counter(name)
		if err != nil {
			return
		}
		actual, _ := r.counters.LoadOrStore(name, created)
		counter = actual.(metric.Float64Counter)
	}
	counter.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a value in a distribution. Use for latencies,
// queue depths, batch sizes.
func Histogram(name string, value float64, labels ...string) {
	r := current()
	if r == nil {
		return
	}
	var hist metric.Float64Histogram
	if h, ok := r.histograms.Load(name); ok {
		hist = h.(metric.Float64Histogram)
	} else {
		created, err := r.meter.Float64Histogram(name)
		if err != nil {
			return
		}
		actual, _ := r.histograms.LoadOrStore(name, created)
		hist = actual.(metric.Float64Histogram)
	}
	hist.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Duration records elapsed milliseconds since startTime.
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}
