package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelProviderOptions configures the OpenTelemetry bridge.
type OTelProviderOptions struct {
	ServiceName string
	Reader      sdkmetric.Reader // optional; tests inject a manual reader
}

// NewOTelProvider returns a Provider backed by an OTEL MeterProvider. Gauges
// use Set-semantics emulation over an UpDownCounter, matching the Provider
// contract rather than the OTEL async gauge model.
func NewOTelProvider(opts OTelProviderOptions) Provider {
	var mp *sdkmetric.MeterProvider
	if opts.Reader != nil {
		mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(opts.Reader))
	} else {
		mp = sdkmetric.NewMeterProvider()
	}
	name := opts.ServiceName
	if name == "" {
		name = "memwatch"
	}
	return &otelProvider{mp: mp, meter: mp.Meter(name)}
}

type otelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
}

func otelName(c CommonOpts) string {
	out := c.Name
	if c.Subsystem != "" {
		out = c.Subsystem + "." + out
	}
	if c.Namespace != "" {
		out = c.Namespace + "." + out
	}
	return out
}

func attrs(keys, values []string) []attribute.KeyValue {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	out := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, attribute.String(keys[i], values[i]))
	}
	return out
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	inst, err := p.meter.Float64Counter(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{c: inst, keys: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	inst, err := p.meter.Float64UpDownCounter(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst, keys: opts.Labels, last: make(map[string]float64)}
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	inst, err := p.meter.Float64Histogram(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{h: inst, keys: opts.Labels}
}

func (p *otelProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return &otelTimer{h: hist, start: time.Now()} }
}

func (p *otelProvider) Health(context.Context) error { return nil }

type otelCounter struct {
	c    metric.Float64Counter
	keys []string
}

func (c *otelCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.c.Add(context.Background(), delta, metric.WithAttributes(attrs(c.keys, labels)...))
}

type otelGauge struct {
	g    metric.Float64UpDownCounter
	keys []string

	mu   sync.Mutex
	last map[string]float64
}

func (c *otelGauge) key(labels []string) string {
	return strings.Join(labels, "\x1f")
}

func (c *otelGauge) Set(v float64, labels ...string) {
	// Emulate Set by applying the delta from the last observed value.
	k := c.key(labels)
	c.mu.Lock()
	prev := c.last[k]
	c.last[k] = v
	c.mu.Unlock()
	c.g.Add(context.Background(), v-prev, metric.WithAttributes(attrs(c.keys, labels)...))
}

func (c *otelGauge) Add(delta float64, labels ...string) {
	k := c.key(labels)
	c.mu.Lock()
	c.last[k] += delta
	c.mu.Unlock()
	c.g.Add(context.Background(), delta, metric.WithAttributes(attrs(c.keys, labels)...))
}

type otelHistogram struct {
	h    metric.Float64Histogram
	keys []string
}

func (h *otelHistogram) Observe(v float64, labels ...string) {
	h.h.Record(context.Background(), v, metric.WithAttributes(attrs(h.keys, labels)...))
}

type otelTimer struct {
	h     Histogram
	start time.Time
}

func (t *otelTimer) ObserveDuration(labels ...string) {
	t.h.Observe(time.Since(t.start).Seconds(), labels...)
}
