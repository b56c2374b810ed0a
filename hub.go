// Package memwatch composes the memory-observability hub behind a single
// facade: agent and dashboard websocket handling, the session store, chunked
// snapshot reassembly, liveness sweeping, before/after leak analysis, and the
// HTTP query surface, all hanging off one Hub instance.
package memwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/99souls/memwatch/adapters/hubhttp"
	"github.com/99souls/memwatch/internal/analysis"
	"github.com/99souls/memwatch/internal/gateway"
	"github.com/99souls/memwatch/internal/liveness"
	"github.com/99souls/memwatch/internal/protocol"
	"github.com/99souls/memwatch/internal/publish"
	"github.com/99souls/memwatch/internal/snapshot"
	"github.com/99souls/memwatch/internal/store"
	"github.com/99souls/memwatch/internal/telemetry/tracing"
	"github.com/99souls/memwatch/models"
	"github.com/99souls/memwatch/telemetry/health"
	"github.com/99souls/memwatch/telemetry/logging"
	"github.com/99souls/memwatch/telemetry/metrics"
)

// Snapshot is a unified view of hub state for diagnostics.
type Snapshot struct {
	StartedAt time.Time                      `json:"started_at"`
	Uptime    time.Duration                  `json:"uptime"`
	Store     store.Stats                    `json:"store"`
	Publisher publish.Stats                  `json:"publisher"`
	Snapshots snapshot.Stats                 `json:"snapshots"`
	Sessions  map[models.SessionStatus]int   `json:"sessions"`
}

// Hub composes all subsystems. Construct with New, run with Start, and stop
// with Stop; all state hangs off the instance.
type Hub struct {
	cfg    Config
	logger logging.Logger
	clock  func() time.Time

	provider metrics.Provider
	tracer   tracing.Tracer

	store    *store.Store
	snaps    *snapshot.Reassembler
	pub      *publish.Publisher
	monitor  *liveness.Monitor
	coord    *analysis.Coordinator
	gw       *gateway.Gateway
	handlers *hubhttp.Handlers
	eval     *health.Evaluator

	primary  analysis.Analyzer
	fallback analysis.Analyzer
	lvClock  liveness.Clock

	srv       *http.Server
	started   atomic.Bool
	startedAt time.Time
}

// Option adjusts Hub construction.
type Option func(*Hub)

// WithLogger wraps the base slog logger with trace correlation.
func WithLogger(l *slog.Logger) Option { return func(h *Hub) { h.logger = logging.New(l) } }

// WithCorrelatedLogger injects an already-wrapped logger.
func WithCorrelatedLogger(l logging.Logger) Option { return func(h *Hub) { h.logger = l } }

// WithAnalyzer injects the primary analyzer.
func WithAnalyzer(a analysis.Analyzer) Option { return func(h *Hub) { h.primary = a } }

// WithFallbackAnalyzer replaces the built-in size-delta fallback.
func WithFallbackAnalyzer(a analysis.Analyzer) Option { return func(h *Hub) { h.fallback = a } }

// WithClock injects the wall clock used for timestamps.
func WithClock(now func() time.Time) Option { return func(h *Hub) { h.clock = now } }

// WithLivenessClock injects the sweep clock, for deterministic tests.
func WithLivenessClock(c liveness.Clock) Option { return func(h *Hub) { h.lvClock = c } }

// WithMetricsProvider overrides backend selection entirely.
func WithMetricsProvider(p metrics.Provider) Option { return func(h *Hub) { h.provider = p } }

// New wires a Hub from configuration. Nothing listens until Start.
func New(cfg Config, opts ...Option) (*Hub, error) {
	if cfg.Port <= 0 {
		return nil, errors.New("config: port required")
	}

	h := &Hub{cfg: cfg, clock: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logging.New(nil)
	}

	if h.provider == nil {
		h.provider = newProvider(cfg)
	}
	h.tracer = tracing.NewTracer(cfg.TracingEnabled, cfg.TraceSamplingPercent)

	h.store = store.New(store.Config{MetricCap: cfg.MetricCap, AlertCap: cfg.AlertCap}, h.clock)
	h.snaps = snapshot.New(snapshot.Config{Dir: cfg.SnapshotDir, MaxBytes: cfg.MaxSnapshotBytes}, h.logger, h.clock)

	h.pub = publish.New(publish.Config{
		QueueLen:      cfg.SubscriberQueueLen,
		InitialAlerts: cfg.InitialAlerts,
	}, h.initialEvent, h.logger, h.provider)

	h.monitor = liveness.New(liveness.Config{
		Period:  cfg.SweepPeriod,
		Timeout: cfg.InactivityTimeout,
	}, h.store, h.pub, h.logger, h.lvClock, h.provider)

	h.coord = analysis.New(analysis.Config{ThresholdBytes: cfg.GrowthThresholdBytes},
		h.snaps, h.store, h.pub, h.primary, h.fallback, h.logger, h.tracer, h.clock, h.provider)

	h.gw = gateway.New(gateway.Config{
		MaxFrameBytes: cfg.MaxFrameBytes,
		Origin:        cfg.CORSOrigin,
	}, h.store, h.snaps, h.coord, h.pub, h.logger, h.provider)

	h.eval = health.NewEvaluator(2*time.Second,
		health.ProbeFunc(h.storeProbe),
		health.ProbeFunc(h.providerProbe),
		health.ProbeFunc(h.snapshotDirProbe),
	)

	var limiter hubhttp.Limiter
	if cfg.UploadRatePerSec > 0 {
		burst := cfg.UploadBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.UploadRatePerSec), burst)
	}
	h.handlers = hubhttp.New(hubhttp.Config{CORSOrigin: cfg.CORSOrigin},
		h.store, h.snaps, h.coord, h.pub, h.eval, h.metricsHandler(), limiter, h.logger, h.clock)

	return h, nil
}

func newProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled || cfg.MetricsBackend == "noop" {
		return metrics.NewNoopProvider()
	}
	switch cfg.MetricsBackend {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "memwatch"})
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

func (h *Hub) metricsHandler() http.Handler {
	if p, ok := h.provider.(interface{ MetricsHandler() http.Handler }); ok {
		return p.MetricsHandler()
	}
	return nil
}

// initialEvent builds the first frame for a new dashboard subscriber: the
// connected services plus the most recent alerts.
func (h *Hub) initialEvent(alertCount int) protocol.Event {
	services := h.store.ConnectedServices()
	if services == nil {
		services = []models.ServiceView{}
	}
	alerts := h.store.RecentAlerts(alertCount)
	if alerts == nil {
		alerts = []models.Alert{}
	}
	return protocol.Event{
		Type: protocol.EventInitial,
		Data: map[string]any{
			"services": services,
			"alerts":   alerts,
		},
		Timestamp: models.ToMillis(h.clock()),
	}
}

func (h *Hub) storeProbe(ctx context.Context) health.ProbeResult {
	stats := h.store.StatsSnapshot()
	return health.ProbeResult{
		Name:   "store",
		Status: health.StatusHealthy,
		Detail: fmt.Sprintf("%d services, %d alerts", stats.Services, stats.TotalAlerts),
	}
}

func (h *Hub) providerProbe(ctx context.Context) health.ProbeResult {
	if err := h.provider.Health(ctx); err != nil {
		return health.ProbeResult{Name: "metrics", Status: health.StatusDegraded, Detail: err.Error()}
	}
	return health.ProbeResult{Name: "metrics", Status: health.StatusHealthy}
}

func (h *Hub) snapshotDirProbe(context.Context) health.ProbeResult {
	if err := os.MkdirAll(h.cfg.SnapshotDir, 0o755); err != nil {
		return health.ProbeResult{Name: "snapshot_dir", Status: health.StatusUnhealthy, Detail: err.Error()}
	}
	probe := filepath.Join(h.cfg.SnapshotDir, ".probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return health.ProbeResult{Name: "snapshot_dir", Status: health.StatusUnhealthy, Detail: err.Error()}
	}
	_ = os.Remove(probe)
	return health.ProbeResult{Name: "snapshot_dir", Status: health.StatusHealthy}
}

// Handler returns the combined root handler: websocket upgrades go to the
// gateway, everything else to the query surface. Exposed for tests.
func (h *Hub) Handler() http.Handler {
	api := h.handlers.Routes()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			h.gw.ServeHTTP(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}

// Start listens and serves until ctx is cancelled. Listen failure at startup
// is the only fatal condition; per-connection errors never reach here.
func (h *Hub) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return errors.New("hub already started")
	}
	h.startedAt = h.clock()

	addr := fmt.Sprintf(":%d", h.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	h.srv = &http.Server{Handler: h.Handler()}

	h.logger.InfoCtx(ctx, "hub listening", "addr", addr, "snapshot_dir", h.cfg.SnapshotDir)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		err := h.monitor.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return h.Stop(shutdownCtx)
	})
	return g.Wait()
}

// Stop shuts the HTTP server down, evicts all subscribers, and flushes the
// tracer. In-flight analyses are abandoned; there is no durability contract.
func (h *Hub) Stop(ctx context.Context) error {
	var err error
	if h.srv != nil {
		err = h.srv.Shutdown(ctx)
	}
	h.pub.Close()
	if terr := tracing.Shutdown(ctx, h.tracer); terr != nil && err == nil {
		err = terr
	}
	return err
}

// SetInactivityTimeout applies a reloaded inactivity deadline.
func (h *Hub) SetInactivityTimeout(d time.Duration) { h.monitor.SetTimeout(d) }

// HealthSnapshot evaluates the health probes.
func (h *Hub) HealthSnapshot(ctx context.Context) health.Snapshot {
	return h.eval.Evaluate(ctx)
}

// StateSnapshot returns a unified diagnostics view.
func (h *Hub) StateSnapshot() Snapshot {
	s := Snapshot{
		StartedAt: h.startedAt,
		Store:     h.store.StatsSnapshot(),
		Publisher: h.pub.StatsSnapshot(),
		Snapshots: h.snaps.StatsSnapshot(),
		Sessions:  h.coord.Count(),
	}
	if !h.startedAt.IsZero() {
		s.Uptime = h.clock().Sub(h.startedAt)
	}
	return s
}
