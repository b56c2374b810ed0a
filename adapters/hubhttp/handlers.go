// Package hubhttp is the read/request surface over the session store and the
// analysis coordinator, plus the synchronous snapshot upload and compare
// endpoints.
package hubhttp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/99souls/memwatch/internal/analysis"
	"github.com/99souls/memwatch/internal/protocol"
	"github.com/99souls/memwatch/internal/publish"
	"github.com/99souls/memwatch/internal/snapshot"
	"github.com/99souls/memwatch/internal/store"
	"github.com/99souls/memwatch/models"
	"github.com/99souls/memwatch/telemetry/health"
	"github.com/99souls/memwatch/telemetry/logging"
)

// Config tunes the HTTP surface.
type Config struct {
	CORSOrigin string // Access-Control-Allow-Origin value; empty disables CORS headers
}

// Handlers serves the query surface. All state access goes through the
// store, reassembler, and coordinator; nothing is cached here.
type Handlers struct {
	cfg    Config
	store  *store.Store
	snaps  *snapshot.Reassembler
	coord  *analysis.Coordinator
	pub    *publish.Publisher
	health *health.Evaluator
	logger logging.Logger
	now    func() time.Time

	metricsHandler http.Handler
	uploadLimit    Limiter
}

// Limiter gates the upload endpoint; satisfied by *rate.Limiter.
type Limiter interface{ Allow() bool }

// New constructs the handler set. metricsHandler and limiter may be nil.
func New(cfg Config, st *store.Store, snaps *snapshot.Reassembler, coord *analysis.Coordinator, pub *publish.Publisher, eval *health.Evaluator, metricsHandler http.Handler, limiter Limiter, logger logging.Logger, clock func() time.Time) *Handlers {
	if logger == nil {
		logger = logging.New(nil)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Handlers{
		cfg:            cfg,
		store:          st,
		snaps:          snaps,
		coord:          coord,
		pub:            pub,
		health:         eval,
		logger:         logger,
		now:            clock,
		metricsHandler: metricsHandler,
		uploadLimit:    limiter,
	}
}

// Routes builds the mux. Every API route goes through the middleware chain.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.wrap(h.handleHealth))
	mux.HandleFunc("GET /readyz", h.wrap(h.handleReady))
	mux.HandleFunc("GET /api/services", h.wrap(h.handleServices))
	mux.HandleFunc("GET /api/services/{name}/metrics", h.wrap(h.handleServiceMetrics))
	mux.HandleFunc("GET /api/alerts", h.wrap(h.handleAlerts))
	mux.HandleFunc("GET /api/stats", h.wrap(h.handleStats))
	mux.HandleFunc("GET /api/snapshots", h.wrap(h.handleSnapshots))
	mux.HandleFunc("POST /api/snapshots/upload", h.wrap(h.handleUpload))
	mux.HandleFunc("POST /api/snapshots/compare", h.wrap(h.handleCompare))
	mux.HandleFunc("GET /api/snapshots/comparisons", h.wrap(h.handleComparisons))
	mux.HandleFunc("GET /api/snapshots/comparisons/{sessionId}", h.wrap(h.handleComparison))

	if h.metricsHandler != nil {
		mux.Handle("GET /metrics", h.metricsHandler)
	}

	mux.HandleFunc("/", h.wrap(func(w http.ResponseWriter, r *http.Request) {
		h.errorJSON(w, http.StatusNotFound, "endpoint not found")
	}))
	return mux
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.store.StatsSnapshot()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": models.ToMillis(h.now()),
		"services":  stats.ConnectedServices,
		"alerts":    stats.TotalAlerts,
	})
}

func (h *Handlers) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		h.respondJSON(w, http.StatusOK, map[string]any{"ready": true})
		return
	}
	snap := h.health.Evaluate(r.Context())
	ready := snap.Overall == health.StatusHealthy || snap.Overall == health.StatusDegraded
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	h.respondJSON(w, code, map[string]any{"ready": ready, "health": snap})
}

func (h *Handlers) handleServices(w http.ResponseWriter, r *http.Request) {
	services := h.store.ConnectedServices()
	if services == nil {
		services = []models.ServiceView{}
	}
	h.respondJSON(w, http.StatusOK, services)
}

func (h *Handlers) handleServiceMetrics(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	q := r.URL.Query()
	limit := intParam(q.Get("limit"), 100)
	from := int64Param(q.Get("from"))
	to := int64Param(q.Get("to"))

	samples, total, ok := h.store.MetricsWindow(name, from, to, limit)
	if !ok {
		h.errorJSON(w, http.StatusNotFound, fmt.Sprintf("service %q not found", name))
		return
	}
	if samples == nil {
		samples = []models.MetricSample{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"service": name,
		"metrics": samples,
		"total":   total,
	})
}

func (h *Handlers) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	alerts := h.store.Alerts(store.AlertFilter{
		Service:  q.Get("service"),
		Severity: models.Severity(q.Get("severity")),
		Limit:    intParam(q.Get("limit"), 50),
	})
	if alerts == nil {
		alerts = []models.Alert{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"store":     h.store.StatsSnapshot(),
		"snapshots": h.snaps.StatsSnapshot(),
		"sessions":  h.coord.Count(),
	}
	if h.pub != nil {
		resp["publisher"] = h.pub.StatsSnapshot()
	}
	h.respondJSON(w, http.StatusOK, resp)
}

type uploadRequest struct {
	ServiceName  string `json:"serviceName"`
	ContainerID  string `json:"containerId"`
	Phase        string `json:"phase"`
	SnapshotData string `json:"snapshotData"`
	Filename     string `json:"filename"`
}

func (h *Handlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	if h.uploadLimit != nil && !h.uploadLimit.Allow() {
		w.Header().Set("Retry-After", "1")
		h.errorJSON(w, http.StatusTooManyRequests, "upload rate limit exceeded")
		return
	}

	var req uploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorJSON(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ServiceName == "" || req.Phase == "" || req.SnapshotData == "" {
		h.errorJSON(w, http.StatusBadRequest, "serviceName, phase, and snapshotData are required")
		return
	}

	id := fmt.Sprintf("%s_%s_%d", req.Phase, req.ServiceName, models.ToMillis(h.now()))
	filename := req.Filename
	if filename == "" {
		filename = id + ".heapsnapshot"
	}
	snap, events, err := h.snaps.Ingest(protocol.SnapshotMeta{
		ID:          id,
		ServiceName: req.ServiceName,
		ContainerID: req.ContainerID,
		Phase:       req.Phase,
		Timestamp:   models.ToMillis(h.now()),
		Filename:    filename,
	}, req.SnapshotData)
	if err != nil {
		h.logger.ErrorCtx(r.Context(), "snapshot upload failed", "snapshot", id, "error", err)
		h.errorJSON(w, http.StatusInternalServerError, "snapshot upload failed")
		return
	}
	if h.pub != nil {
		h.pub.PublishAll(events)
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"snapshotId": snap.ID,
		"snapshot":   snap,
	})
}

type compareRequest struct {
	ServiceName      string `json:"serviceName"`
	ContainerID      string `json:"containerId"`
	BeforeSnapshotID string `json:"beforeSnapshotId"`
	AfterSnapshotID  string `json:"afterSnapshotId"`
}

func (h *Handlers) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorJSON(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ServiceName == "" || req.BeforeSnapshotID == "" || req.AfterSnapshotID == "" {
		h.errorJSON(w, http.StatusBadRequest, "serviceName, beforeSnapshotId, and afterSnapshotId are required")
		return
	}

	sess := h.coord.Compare(r.Context(), analysis.Request{
		ServiceName:      req.ServiceName,
		ContainerID:      req.ContainerID,
		BeforeSnapshotID: req.BeforeSnapshotID,
		AfterSnapshotID:  req.AfterSnapshotID,
	})
	h.respondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"status":    sess.Status,
		"analysis":  sess.Result,
		"error":     sess.Error,
	})
}

// sessionGroup is the derived grouping of snapshots that belong to one
// before/after capture pair.
type sessionGroup struct {
	SessionID   string   `json:"sessionId"`
	ServiceName string   `json:"serviceName"`
	Complete    bool     `json:"complete"`
	Snapshots   []string `json:"snapshots"`
}

func (h *Handlers) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps := h.snaps.List()
	if snaps == nil {
		snaps = []models.Snapshot{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{
		"snapshots": snaps,
		"sessions":  groupSessions(snaps),
	})
}

// groupSessions derives a session key from each snapshot's filename with the
// phase marker stripped; a group is complete iff both phases are present.
func groupSessions(snaps []models.Snapshot) []sessionGroup {
	type agg struct {
		service string
		phases  map[models.SnapshotPhase]bool
		ids     []string
	}
	order := make([]string, 0)
	groups := make(map[string]*agg)

	for _, s := range snaps {
		key := s.ServiceName + "/" + sessionKey(s.Filename)
		g, ok := groups[key]
		if !ok {
			g = &agg{service: s.ServiceName, phases: make(map[models.SnapshotPhase]bool)}
			groups[key] = g
			order = append(order, key)
		}
		g.phases[s.Phase] = true
		g.ids = append(g.ids, s.ID)
	}

	out := make([]sessionGroup, 0, len(order))
	for _, key := range order {
		g := groups[key]
		out = append(out, sessionGroup{
			SessionID:   key,
			ServiceName: g.service,
			Complete:    g.phases[models.PhaseBefore] && g.phases[models.PhaseAfter],
			Snapshots:   g.ids,
		})
	}
	return out
}

func sessionKey(filename string) string {
	key := strings.TrimSuffix(filename, filepath.Ext(filename))
	for _, marker := range []string{"before_", "after_"} {
		if strings.HasPrefix(key, marker) {
			return key[len(marker):]
		}
	}
	return key
}

func (h *Handlers) handleComparisons(w http.ResponseWriter, r *http.Request) {
	sessions := h.coord.Sessions()
	if sessions == nil {
		sessions = []models.ComparisonSession{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"comparisons": sessions})
}

func (h *Handlers) handleComparison(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sessionId")
	sess, ok := h.coord.Session(id)
	if !ok {
		h.errorJSON(w, http.StatusNotFound, fmt.Sprintf("session %q not found", id))
		return
	}
	h.respondJSON(w, http.StatusOK, sess)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func int64Param(raw string) int64 {
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
