// Package publish fans hub events out to dashboard subscribers. An event is
// serialized exactly once; each subscriber owns a bounded outbound queue
// drained by its writer goroutine. A subscriber that lags (full queue) or
// whose write fails is evicted and its connection closed.
package publish

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/99souls/memwatch/internal/protocol"
	"github.com/99souls/memwatch/telemetry/logging"
	"github.com/99souls/memwatch/telemetry/metrics"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("publisher closed")

// Transport is the outbound side of one subscriber connection. The gateway
// adapts the websocket; tests supply fakes.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Config tunes the publisher.
type Config struct {
	QueueLen     int           // per-subscriber outbound queue depth
	WriteTimeout time.Duration // per-frame write deadline
	InitialAlerts int          // alerts embedded in the initial event
}

func (c *Config) applyDefaults() {
	if c.QueueLen <= 0 {
		c.QueueLen = 64
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.InitialAlerts <= 0 {
		c.InitialAlerts = 10
	}
}

// InitialFunc builds the payload of the initial event for a new subscriber.
type InitialFunc func(alertCount int) protocol.Event

// Stats is a counters view.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Evicted     uint64 `json:"evicted"`
}

type subscriber struct {
	id   string
	tr   Transport
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *subscriber) stop(reason string) {
	s.once.Do(func() {
		close(s.done)
		_ = s.tr.Close(reason)
	})
}

// Publisher is the process-wide subscriber set.
type Publisher struct {
	cfg     Config
	logger  logging.Logger
	initial InitialFunc

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
	evicted   atomic.Uint64

	mSubscribers metrics.Gauge
	mPublished   metrics.Counter
	mEvicted     metrics.Counter
}

// New constructs a Publisher. initial builds the first frame for every new
// subscriber; a nil provider falls back to noop instruments.
func New(cfg Config, initial InitialFunc, logger logging.Logger, provider metrics.Provider) *Publisher {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.New(nil)
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	p := &Publisher{cfg: cfg, logger: logger, initial: initial, subs: make(map[string]*subscriber)}
	p.mSubscribers = provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: "memwatch", Subsystem: "publish", Name: "subscribers", Help: "Current dashboard subscribers"}})
	p.mPublished = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "memwatch", Subsystem: "publish", Name: "events_total", Help: "Total events published"}})
	p.mEvicted = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "memwatch", Subsystem: "publish", Name: "evicted_total", Help: "Subscribers evicted for lag or write failure"}})
	return p
}

// Subscribe registers a subscriber and queues its initial frame before the
// subscriber becomes visible to Publish, so initial is always delivered
// first. id is the key later passed to Remove.
func (p *Publisher) Subscribe(id string, tr Transport) error {
	var initialFrame []byte
	if p.initial != nil {
		b, err := protocol.EncodeEvent(p.initial(p.cfg.InitialAlerts))
		if err != nil {
			return err
		}
		initialFrame = b
	}

	sub := &subscriber{id: id, tr: tr, ch: make(chan []byte, p.cfg.QueueLen), done: make(chan struct{})}
	if initialFrame != nil {
		sub.ch <- initialFrame
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.subs[id] = sub
	n := len(p.subs)
	p.mu.Unlock()

	p.mSubscribers.Set(float64(n))
	go p.writeLoop(sub)
	return nil
}

func (p *Publisher) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case frame := <-sub.ch:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
			err := sub.tr.Send(ctx, frame)
			cancel()
			if err != nil {
				p.logger.DebugCtx(context.Background(), "subscriber write failed, evicting", "subscriber", sub.id, "error", err)
				p.evict(sub, "write error")
				return
			}
		}
	}
}

// Publish serializes ev once and enqueues it to every live subscriber.
// Never blocks: a full queue means the subscriber is lagging and it is
// evicted instead of buffered further.
func (p *Publisher) Publish(ev protocol.Event) {
	frame, err := protocol.EncodeEvent(ev)
	if err != nil {
		p.logger.ErrorCtx(context.Background(), "event encode failed", "type", ev.Type, "error", err)
		return
	}

	p.mu.RLock()
	subs := make([]*subscriber, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.mu.RUnlock()

	p.published.Add(1)
	p.mPublished.Inc(1)

	for _, s := range subs {
		select {
		case s.ch <- frame:
		default:
			p.dropped.Add(1)
			p.logger.WarnCtx(context.Background(), "subscriber lagging, evicting", "subscriber", s.id)
			p.evict(s, "subscriber lagging")
		}
	}
}

// PublishAll publishes events in order.
func (p *Publisher) PublishAll(events []protocol.Event) {
	for _, ev := range events {
		p.Publish(ev)
	}
}

func (p *Publisher) evict(sub *subscriber, reason string) {
	p.mu.Lock()
	cur, ok := p.subs[sub.id]
	if ok && cur == sub {
		delete(p.subs, sub.id)
	}
	n := len(p.subs)
	p.mu.Unlock()

	if ok && cur == sub {
		p.evicted.Add(1)
		p.mEvicted.Inc(1)
		p.mSubscribers.Set(float64(n))
	}
	sub.stop(reason)
}

// Remove drops a subscriber after its connection closed normally. No-op for
// unknown ids.
func (p *Publisher) Remove(id string) {
	p.mu.Lock()
	sub, ok := p.subs[id]
	if ok {
		delete(p.subs, id)
	}
	n := len(p.subs)
	p.mu.Unlock()

	if !ok {
		return
	}
	p.mSubscribers.Set(float64(n))
	sub.stop("connection closed")
}

// Close evicts every subscriber and rejects further subscriptions.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	subs := make([]*subscriber, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	p.subs = make(map[string]*subscriber)
	p.mu.Unlock()

	for _, s := range subs {
		s.stop("server shutting down")
	}
	p.mSubscribers.Set(0)
}

// StatsSnapshot returns current counters.
func (p *Publisher) StatsSnapshot() Stats {
	p.mu.RLock()
	n := len(p.subs)
	p.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Published:   p.published.Load(),
		Dropped:     p.dropped.Load(),
		Evicted:     p.evicted.Load(),
	}
}
