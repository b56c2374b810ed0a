// Package liveness reaps services that stop sending without closing their
// socket. A periodic sweep transitions any connected service whose last-seen
// instant is older than the inactivity deadline.
package liveness

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/99souls/memwatch/internal/protocol"
	"github.com/99souls/memwatch/telemetry/logging"
	"github.com/99souls/memwatch/telemetry/metrics"
)

// Clock abstracts time for deterministic sweep tests.
type Clock interface {
	Now() time.Time
	Tick(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
func (realClock) Tick(d time.Duration) <-chan time.Time {
	return time.Tick(d)
}

// RealClock returns the wall clock.
func RealClock() Clock { return realClock{} }

// Store is the slice of the session store the monitor needs.
type Store interface {
	MarkInactive(cutoff time.Time) []protocol.Event
}

// Sink receives the transition events.
type Sink interface {
	PublishAll(events []protocol.Event)
}

// Config tunes the sweep.
type Config struct {
	Period  time.Duration // sweep period P
	Timeout time.Duration // inactivity deadline T
}

func (c *Config) applyDefaults() {
	if c.Period <= 0 {
		c.Period = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// Monitor is the periodic liveness task.
type Monitor struct {
	cfg    Config
	store  Store
	sink   Sink
	logger logging.Logger
	clock  Clock

	timeoutNs atomic.Int64 // live-tunable inactivity deadline

	mReaped metrics.Counter
}

// New constructs a Monitor. A nil clock uses the wall clock.
func New(cfg Config, store Store, sink Sink, logger logging.Logger, clock Clock, provider metrics.Provider) *Monitor {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.New(nil)
	}
	if clock == nil {
		clock = RealClock()
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	m := &Monitor{cfg: cfg, store: store, sink: sink, logger: logger, clock: clock}
	m.timeoutNs.Store(int64(cfg.Timeout))
	m.mReaped = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "memwatch", Subsystem: "liveness", Name: "reaped_total", Help: "Services transitioned to disconnected by the inactivity sweep"}})
	return m
}

// Run sweeps every period until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticks := m.clock.Tick(m.cfg.Period)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
			m.Sweep()
		}
	}
}

// SetTimeout adjusts the inactivity deadline; the next sweep uses it.
func (m *Monitor) SetTimeout(d time.Duration) {
	if d > 0 {
		m.timeoutNs.Store(int64(d))
	}
}

// Sweep runs one pass. Exposed for deterministic tests.
func (m *Monitor) Sweep() {
	cutoff := m.clock.Now().Add(-time.Duration(m.timeoutNs.Load()))
	events := m.store.MarkInactive(cutoff)
	if len(events) == 0 {
		return
	}
	m.mReaped.Inc(float64(len(events)))
	m.logger.InfoCtx(context.Background(), "inactivity sweep reaped services", "count", len(events))
	m.sink.PublishAll(events)
}
