// Package analysis owns comparison sessions: the waiting -> analyzing ->
// {completed, failed} state machine, scratch-file handling around the
// analyzer invocation, and the alerts synthesized from leak reports.
package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/99souls/memwatch/internal/protocol"
	"github.com/99souls/memwatch/internal/telemetry/tracing"
	"github.com/99souls/memwatch/models"
	"github.com/99souls/memwatch/telemetry/logging"
	"github.com/99souls/memwatch/telemetry/metrics"
)

// SnapshotSource resolves snapshot ids to their persisted state.
type SnapshotSource interface {
	Get(id string) (models.Snapshot, bool)
}

// AlertRecorder records synthesized leak alerts.
type AlertRecorder interface {
	RecordAlert(alert models.Alert) models.Alert
}

// Sink receives session lifecycle events.
type Sink interface {
	Publish(ev protocol.Event)
}

// Config tunes the coordinator.
type Config struct {
	ThresholdBytes int64 // growth threshold handed to analyzers
}

func (c *Config) applyDefaults() {
	if c.ThresholdBytes <= 0 {
		c.ThresholdBytes = 10 << 20
	}
}

// Coordinator owns all comparison sessions for the process lifetime.
type Coordinator struct {
	cfg      Config
	snaps    SnapshotSource
	alerts   AlertRecorder
	sink     Sink
	primary  Analyzer
	fallback Analyzer
	logger   logging.Logger
	tracer   tracing.Tracer
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*models.ComparisonSession

	mOutcomes metrics.Counter
	mDuration func() metrics.Timer
}

// New constructs a Coordinator. primary may be nil, in which case the
// fallback runs alone; a nil fallback defaults to the size-delta analyzer.
func New(cfg Config, snaps SnapshotSource, alerts AlertRecorder, sink Sink, primary, fallback Analyzer, logger logging.Logger, tracer tracing.Tracer, clock func() time.Time, provider metrics.Provider) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.New(nil)
	}
	if tracer == nil {
		tracer = tracing.NewTracer(false, 0)
	}
	if clock == nil {
		clock = time.Now
	}
	if fallback == nil {
		fallback = SizeDeltaAnalyzer{}
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	c := &Coordinator{
		cfg:      cfg,
		snaps:    snaps,
		alerts:   alerts,
		sink:     sink,
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		tracer:   tracer,
		now:      clock,
		sessions: make(map[string]*models.ComparisonSession),
	}
	c.mOutcomes = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "memwatch", Subsystem: "analysis", Name: "sessions_total", Help: "Comparison sessions by terminal outcome", Labels: []string{"outcome"}}})
	c.mDuration = provider.NewTimer(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{Namespace: "memwatch", Subsystem: "analysis", Name: "duration_seconds", Help: "Wall time of one comparison analysis", Labels: []string{"outcome"}}})
	return c
}

// Request carries the fields shared by the async trigger and the synchronous
// compare endpoint.
type Request struct {
	ServiceName      string
	ContainerID      string
	BeforeSnapshotID string
	AfterSnapshotID  string
	Timeframe        string
}

func (c *Coordinator) newSession(req Request) *models.ComparisonSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := fmt.Sprintf("comparison_%s_%d", req.ServiceName, models.ToMillis(c.now()))
	id := base
	for n := 2; ; n++ {
		if _, taken := c.sessions[id]; !taken {
			break
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}

	sess := &models.ComparisonSession{
		ID:               id,
		ServiceName:      req.ServiceName,
		ContainerID:      req.ContainerID,
		BeforeSnapshotID: req.BeforeSnapshotID,
		AfterSnapshotID:  req.AfterSnapshotID,
		Timeframe:        req.Timeframe,
		CreatedAt:        c.now(),
		Status:           models.SessionWaiting,
	}
	c.sessions[id] = sess
	return sess
}

// missing reports which of the referenced snapshots are not yet complete.
func (c *Coordinator) missing(req Request) (before, after bool) {
	if snap, ok := c.snaps.Get(req.BeforeSnapshotID); !ok || !snap.Complete {
		before = true
	}
	if snap, ok := c.snaps.Get(req.AfterSnapshotID); !ok || !snap.Complete {
		after = true
	}
	return before, after
}

// HandleComparisonReady is the async trigger. The session is created in
// waiting; with both snapshots complete the analysis runs on its own
// goroutine. With either missing, a comparisonPending event is emitted and
// the session stays waiting (it is not auto-resumed on completion of the
// missing snapshot; a fresh trigger starts a fresh session).
func (c *Coordinator) HandleComparisonReady(msg protocol.ComparisonReady) string {
	req := Request{
		ServiceName:      msg.ServiceName,
		ContainerID:      msg.ContainerID,
		BeforeSnapshotID: msg.BeforeSnapshotID,
		AfterSnapshotID:  msg.AfterSnapshotID,
		Timeframe:        msg.Timeframe,
	}
	sess := c.newSession(req)

	missingBefore, missingAfter := c.missing(req)
	if missingBefore || missingAfter {
		c.publishPending(sess, missingBefore, missingAfter)
		return sess.ID
	}

	go c.run(context.Background(), sess.ID)
	return sess.ID
}

// Compare is the synchronous path behind POST /api/snapshots/compare. With a
// missing snapshot it returns the waiting session after emitting pending;
// otherwise it blocks until the session is terminal.
func (c *Coordinator) Compare(ctx context.Context, req Request) models.ComparisonSession {
	sess := c.newSession(req)

	missingBefore, missingAfter := c.missing(req)
	if missingBefore || missingAfter {
		c.publishPending(sess, missingBefore, missingAfter)
		return c.snapshotOf(sess.ID)
	}

	c.run(ctx, sess.ID)
	return c.snapshotOf(sess.ID)
}

func (c *Coordinator) publishPending(sess *models.ComparisonSession, missingBefore, missingAfter bool) {
	c.logger.InfoCtx(context.Background(), "comparison pending on incomplete snapshots",
		"session", sess.ID, "missingBefore", missingBefore, "missingAfter", missingAfter)
	c.sink.Publish(protocol.Event{
		Type: protocol.EventComparisonPending,
		Data: map[string]any{
			"sessionId":   sess.ID,
			"serviceName": sess.ServiceName,
			"missingSnapshots": map[string]bool{
				"before": missingBefore,
				"after":  missingAfter,
			},
		},
		Timestamp: models.ToMillis(c.now()),
	})
}

// run drives one session through analysis. The waiting -> analyzing
// transition happens exactly once; a session already past waiting is left
// alone.
func (c *Coordinator) run(ctx context.Context, id string) {
	c.mu.Lock()
	sess, ok := c.sessions[id]
	if !ok || sess.Status != models.SessionWaiting {
		c.mu.Unlock()
		return
	}
	sess.Status = models.SessionAnalyzing
	view := *sess
	c.mu.Unlock()

	ctx, span := c.tracer.StartSpan(ctx, "analysis.run")
	defer span.End()
	timer := c.mDuration()

	c.sink.Publish(protocol.Event{
		Type:      protocol.EventComparisonStarted,
		Data:      view,
		Timestamp: models.ToMillis(c.now()),
	})

	result, err := c.analyze(ctx, view)
	if err != nil {
		c.finishFailed(ctx, id, err)
		timer.ObserveDuration("failed")
		return
	}
	c.finishCompleted(ctx, id, result)
	timer.ObserveDuration("completed")
}

// analyze stages both blobs into scratch files and invokes the analyzers.
// Scratch files are removed on every exit path; no store lock is held here.
func (c *Coordinator) analyze(ctx context.Context, sess models.ComparisonSession) (*models.AnalysisResult, error) {
	before, ok := c.snaps.Get(sess.BeforeSnapshotID)
	if !ok {
		return nil, fmt.Errorf("before snapshot %s disappeared", sess.BeforeSnapshotID)
	}
	after, ok := c.snaps.Get(sess.AfterSnapshotID)
	if !ok {
		return nil, fmt.Errorf("after snapshot %s disappeared", sess.AfterSnapshotID)
	}

	beforeScratch := filepath.Join(os.TempDir(), fmt.Sprintf("memwatch-%s-before.heapsnapshot", sess.ID))
	afterScratch := filepath.Join(os.TempDir(), fmt.Sprintf("memwatch-%s-after.heapsnapshot", sess.ID))
	defer func() {
		_ = os.Remove(beforeScratch)
		_ = os.Remove(afterScratch)
	}()

	if err := copyFile(before.FilePath, beforeScratch); err != nil {
		return nil, fmt.Errorf("stage before snapshot: %w", err)
	}
	if err := copyFile(after.FilePath, afterScratch); err != nil {
		return nil, fmt.Errorf("stage after snapshot: %w", err)
	}

	if c.primary != nil {
		result, err := c.primary.Analyze(ctx, beforeScratch, afterScratch, c.cfg.ThresholdBytes)
		if err == nil {
			return result, nil
		}
		c.logger.WarnCtx(ctx, "primary analyzer failed, trying fallback", "session", sess.ID, "error", err)
	}
	result, err := c.fallback.Analyze(ctx, beforeScratch, afterScratch, c.cfg.ThresholdBytes)
	if err != nil {
		return nil, fmt.Errorf("fallback analyzer: %w", err)
	}
	return result, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

func (c *Coordinator) finishCompleted(ctx context.Context, id string, result *models.AnalysisResult) {
	c.mu.Lock()
	sess := c.sessions[id]
	sess.Status = models.SessionCompleted
	sess.Result = result
	view := *sess
	c.mu.Unlock()

	c.mOutcomes.Inc(1, "completed")
	c.logger.InfoCtx(ctx, "comparison completed",
		"session", id, "growthMB", result.Summary.TotalGrowthMB, "suspicious", result.Summary.SuspiciousGrowth)

	c.sink.Publish(protocol.Event{
		Type:      protocol.EventComparisonCompleted,
		Data:      view,
		Timestamp: models.ToMillis(c.now()),
	})

	if result.Summary.SuspiciousGrowth {
		severity := models.SeverityWarning
		if result.Summary.TotalGrowthMB > 50 {
			severity = models.SeverityCritical
		}
		alert := c.alerts.RecordAlert(models.Alert{
			Service:       view.ServiceName,
			Kind:          models.AlertLeak,
			Severity:      severity,
			Message:       fmt.Sprintf("analysis found %.1f MB suspicious growth", result.Summary.TotalGrowthMB),
			Timestamp:     models.ToMillis(c.now()),
			TotalGrowthMB: result.Summary.TotalGrowthMB,
		})
		c.sink.Publish(protocol.Event{
			Type:      protocol.EventLeakAlert,
			Data:      alert,
			Timestamp: alert.Timestamp,
		})
	}
}

func (c *Coordinator) finishFailed(ctx context.Context, id string, cause error) {
	c.mu.Lock()
	sess := c.sessions[id]
	sess.Status = models.SessionFailed
	sess.Error = cause.Error()
	view := *sess
	c.mu.Unlock()

	c.mOutcomes.Inc(1, "failed")
	c.logger.ErrorCtx(ctx, "comparison failed", "session", id, "error", cause)

	c.sink.Publish(protocol.Event{
		Type: protocol.EventComparisonFailed,
		Data: map[string]any{
			"sessionId": view.ID,
			"error":     view.Error,
		},
		Timestamp: models.ToMillis(c.now()),
	})
}

func (c *Coordinator) snapshotOf(id string) models.ComparisonSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess, ok := c.sessions[id]; ok {
		return *sess
	}
	return models.ComparisonSession{}
}

// Session returns one session by id.
func (c *Coordinator) Session(id string) (models.ComparisonSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.sessions[id]
	if !ok {
		return models.ComparisonSession{}, false
	}
	return *sess, true
}

// Sessions lists all sessions ordered by creation.
func (c *Coordinator) Sessions() []models.ComparisonSession {
	c.mu.Lock()
	out := make([]models.ComparisonSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, *s)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Count reports sessions by status.
func (c *Coordinator) Count() map[models.SessionStatus]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[models.SessionStatus]int, 4)
	for _, s := range c.sessions {
		out[s.Status]++
	}
	return out
}
