package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestPrometheusCounterRoundTrip(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "memwatch", Subsystem: "test", Name: "events_total", Help: "test counter", Labels: []string{"kind"}}})
	c.Inc(1, "a")
	c.Inc(2, "a")
	c.Inc(1, "b")
	c.Inc(-5, "a") // negative deltas are ignored

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `memwatch_test_events_total{kind="a"} 3`) {
		t.Fatalf("missing counter sample in exposition:\n%s", body)
	}
	if !strings.Contains(body, `memwatch_test_events_total{kind="b"} 1`) {
		t.Fatalf("missing second label sample in exposition:\n%s", body)
	}
}

func TestPrometheusGaugeAndHistogram(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "memwatch", Name: "subscribers"}})
	g.Set(3)
	g.Add(-1)

	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "memwatch", Name: "latency_seconds"}})
	h.Observe(0.25)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "memwatch_subscribers 2") {
		t.Fatalf("gauge not exported:\n%s", body)
	}
	if !strings.Contains(body, "memwatch_latency_seconds_count 1") {
		t.Fatalf("histogram not exported:\n%s", body)
	}
}

func TestPrometheusInvalidNameDegradesToNoop(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Name: "bad name!"}})
	c.Inc(1) // must not panic
	if err := p.Health(context.Background()); err == nil {
		t.Fatal("expected Health to surface the invalid instrument")
	}
}

func TestPrometheusDuplicateRegistrationReused(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	opts := CounterOpts{CommonOpts: CommonOpts{Namespace: "memwatch", Name: "dup_total"}}
	a := p.NewCounter(opts)
	b := p.NewCounter(opts)
	a.Inc(1)
	b.Inc(1)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "memwatch_dup_total 2") {
		t.Fatalf("shared vec expected:\n%s", rec.Body.String())
	}
}

func TestNoopProviderIsInert(t *testing.T) {
	p := NewNoopProvider()
	p.NewCounter(CounterOpts{}).Inc(1)
	p.NewGauge(GaugeOpts{}).Set(1)
	p.NewHistogram(HistogramOpts{}).Observe(1)
	p.NewTimer(HistogramOpts{})().ObserveDuration()
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("noop health: %v", err)
	}
}

func TestTimerObservesElapsed(t *testing.T) {
	p := NewPrometheusProvider(PrometheusProviderOptions{})
	timer := p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{Namespace: "memwatch", Name: "op_seconds"}})
	tm := timer()
	time.Sleep(time.Millisecond)
	tm.ObserveDuration()

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "memwatch_op_seconds_count 1") {
		t.Fatalf("timer observation missing:\n%s", rec.Body.String())
	}
}

func TestOTelProviderConstructsInstruments(t *testing.T) {
	p := NewOTelProvider(OTelProviderOptions{ServiceName: "memwatch-test"})
	c := p.NewCounter(CounterOpts{CommonOpts: CommonOpts{Namespace: "memwatch", Name: "events_total", Labels: []string{"kind"}}})
	c.Inc(1, "a")
	g := p.NewGauge(GaugeOpts{CommonOpts: CommonOpts{Namespace: "memwatch", Name: "subscribers"}})
	g.Set(2)
	g.Set(5)
	g.Add(1)
	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "memwatch", Name: "latency"}})
	h.Observe(0.1)
	if err := p.Health(context.Background()); err != nil {
		t.Fatalf("otel health: %v", err)
	}
}
