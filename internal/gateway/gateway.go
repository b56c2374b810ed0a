// Package gateway terminates agent and dashboard websocket connections. A
// request path containing "dashboard" subscribes the socket to the event
// stream; any other upgraded socket is an agent whose frames are decoded and
// dispatched to the store, the reassembler, and the analysis coordinator.
//
// No error from a single connection propagates past its read loop.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/99souls/memwatch/internal/analysis"
	"github.com/99souls/memwatch/internal/protocol"
	"github.com/99souls/memwatch/internal/publish"
	"github.com/99souls/memwatch/internal/snapshot"
	"github.com/99souls/memwatch/internal/store"
	"github.com/99souls/memwatch/models"
	"github.com/99souls/memwatch/telemetry/logging"
	"github.com/99souls/memwatch/telemetry/metrics"
)

// Config tunes connection handling.
type Config struct {
	MaxFrameBytes int64  // read limit per frame
	Origin        string // allowed websocket origin pattern; "*" disables the check
}

func (c *Config) applyDefaults() {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 10 << 20
	}
	if c.Origin == "" {
		c.Origin = "*"
	}
}

// Gateway is the per-socket state machine host.
type Gateway struct {
	cfg    Config
	store  *store.Store
	snaps  *snapshot.Reassembler
	coord  *analysis.Coordinator
	pub    *publish.Publisher
	logger logging.Logger

	mAgents       metrics.Gauge
	mFrames       metrics.Counter
	mFrameBytes   metrics.Histogram
	mDecodeErrors metrics.Counter
}

// New constructs a Gateway.
func New(cfg Config, st *store.Store, snaps *snapshot.Reassembler, coord *analysis.Coordinator, pub *publish.Publisher, logger logging.Logger, provider metrics.Provider) *Gateway {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.New(nil)
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	g := &Gateway{cfg: cfg, store: st, snaps: snaps, coord: coord, pub: pub, logger: logger}
	g.mAgents = provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: "memwatch", Subsystem: "gateway", Name: "agent_connections", Help: "Currently open agent connections"}})
	g.mFrames = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "memwatch", Subsystem: "gateway", Name: "frames_total", Help: "Agent frames decoded", Labels: []string{"type"}}})
	g.mFrameBytes = provider.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{Namespace: "memwatch", Subsystem: "gateway", Name: "frame_bytes", Help: "Size of received agent frames"}, Buckets: []float64{256, 4096, 65536, 1 << 20, 10 << 20}})
	g.mDecodeErrors = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "memwatch", Subsystem: "gateway", Name: "decode_errors_total", Help: "Agent frames rejected by the codec"}})
	return g
}

// connRef is the non-owning handle service records hold for their producer.
type connRef struct{ id string }

func (c connRef) ID() string { return c.id }

// ServeHTTP upgrades the request and runs the matching connection loop until
// the socket closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if g.cfg.Origin == "*" {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = []string{g.cfg.Origin}
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		g.logger.DebugCtx(r.Context(), "websocket accept failed", "path", r.URL.Path, "error", err)
		return
	}
	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	if strings.Contains(r.URL.Path, "dashboard") {
		g.serveSubscriber(r.Context(), conn)
		return
	}
	g.serveAgent(r.Context(), conn)
}

// serveSubscriber hands the socket to the publisher and drains inbound
// frames (subscribers never produce) until the peer goes away.
func (g *Gateway) serveSubscriber(ctx context.Context, conn *websocket.Conn) {
	id := uuid.NewString()
	if err := g.pub.Subscribe(id, wsTransport{conn}); err != nil {
		g.logger.WarnCtx(ctx, "subscriber rejected", "subscriber", id, "error", err)
		_ = conn.Close(websocket.StatusTryAgainLater, "not accepting subscribers")
		return
	}
	g.logger.InfoCtx(ctx, "dashboard subscriber connected", "subscriber", id)

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
	g.pub.Remove(id)
	g.logger.InfoCtx(context.Background(), "dashboard subscriber disconnected", "subscriber", id)
}

// serveAgent runs the producer read loop. Protocol errors get an inline
// error frame and the connection stays open; on close the store reconciles
// every service this connection produced for.
func (g *Gateway) serveAgent(ctx context.Context, conn *websocket.Conn) {
	ref := connRef{id: uuid.NewString()}
	g.mAgents.Add(1)
	g.logger.InfoCtx(ctx, "agent connected", "conn", ref.id)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		g.mFrameBytes.Observe(float64(len(data)))
		msg, err := protocol.Decode(data)
		if err != nil {
			g.mDecodeErrors.Inc(1)
			g.logger.WarnCtx(ctx, "invalid agent frame", "conn", ref.id, "error", err)
			if writeErr := conn.Write(ctx, websocket.MessageText, protocol.ErrorFrame()); writeErr != nil {
				break
			}
			continue
		}
		g.dispatch(ref, msg)
	}

	events := g.store.ReleaseConn(ref)
	g.pub.PublishAll(events)
	g.mAgents.Add(-1)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	g.logger.InfoCtx(context.Background(), "agent disconnected", "conn", ref.id, "services_released", len(events))
}

// dispatch routes one decoded frame. State errors (unknown snapshot ids) are
// logged and dropped without a reply, per the protocol contract.
func (g *Gateway) dispatch(ref connRef, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Registration:
		g.countFrame(protocol.TypeRegistration)
		g.pub.PublishAll(g.store.RegisterService(m.Service, m.Timestamp, ref))

	case protocol.Metrics:
		g.countFrame(protocol.TypeMetrics)
		g.pub.PublishAll(g.store.IngestMetric(models.MetricSample{
			Service:          m.Service,
			HeapUsedMB:       m.HeapUsedMB,
			HeapTotalMB:      m.HeapTotalMB,
			RSSMB:            m.RSSMB,
			ExternalMB:       m.ExternalMB,
			EventLoopDelayMs: m.EventLoopDelayMs,
			Timestamp:        m.Timestamp,
			LeakDetected:     m.LeakDetected,
			MemoryGrowthMB:   m.MemoryGrowthMB,
		}))

	case protocol.SnapshotNotice:
		g.countFrame(protocol.TypeSnapshotNotice)
		alert := g.store.RecordAlert(models.Alert{
			Service:   m.Service,
			Kind:      models.AlertSnapshot,
			Severity:  models.SeverityInfo,
			Message:   "heap snapshot captured",
			Timestamp: m.Timestamp,
			Filename:  m.Filename,
			Filepath:  m.Filepath,
		})
		g.pub.Publish(protocol.Event{Type: protocol.EventSnapshotAlert, Data: alert, Timestamp: alert.Timestamp})

	case protocol.CaptureAgentRegistration:
		g.countFrame(protocol.TypeCaptureAgentRegistration)
		events := g.store.RegisterService("capture-"+m.ServiceName, m.Timestamp, ref)
		for i := range events {
			events[i].Type = protocol.EventCaptureAgentRegistered
		}
		g.pub.PublishAll(events)

	case protocol.SnapshotMetadata:
		g.countFrame(protocol.TypeSnapshotMetadata)
		ev, err := g.snaps.Announce(m.Snapshot)
		if err != nil {
			g.logger.WarnCtx(context.Background(), "snapshot announcement refused", "snapshot", m.Snapshot.ID, "error", err)
			return
		}
		g.pub.Publish(ev)

	case protocol.SnapshotChunk:
		g.countFrame(protocol.TypeSnapshotChunk)
		events, err := g.snaps.Chunk(m.SnapshotID, m.ChunkIndex, m.TotalChunks, m.Data)
		if err != nil {
			g.logger.WarnCtx(context.Background(), "snapshot chunk dropped", "snapshot", m.SnapshotID, "index", m.ChunkIndex, "error", err)
		}
		g.pub.PublishAll(events)

	case protocol.SnapshotComplete:
		g.countFrame(protocol.TypeSnapshotComplete)
		events, err := g.snaps.Complete(m.SnapshotID)
		if err != nil {
			if errors.Is(err, snapshot.ErrUnknownSnapshot) {
				g.logger.WarnCtx(context.Background(), "completion for unknown snapshot dropped", "snapshot", m.SnapshotID)
			} else {
				g.logger.ErrorCtx(context.Background(), "snapshot completion failed", "snapshot", m.SnapshotID, "error", err)
			}
		}
		g.pub.PublishAll(events)

	case protocol.ComparisonReady:
		g.countFrame(protocol.TypeComparisonReady)
		sessionID := g.coord.HandleComparisonReady(m)
		g.logger.InfoCtx(context.Background(), "comparison triggered", "session", sessionID, "service", m.ServiceName)

	case protocol.Unknown:
		g.logger.WarnCtx(context.Background(), "unhandled message type ignored", "type", m.Type)
	}
}

func (g *Gateway) countFrame(t string) {
	g.mFrames.Inc(1, t)
}

// wsTransport adapts a websocket connection to the publisher's transport.
type wsTransport struct{ conn *websocket.Conn }

func (t wsTransport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusGoingAway, reason)
}
