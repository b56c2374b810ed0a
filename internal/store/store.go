// Package store holds the canonical in-memory data for the hub: services,
// per-service metric rings, and the global alert ring. It is the invariant
// guardian for retention caps and producer-connection ownership.
//
// All methods complete without suspending; the mutex is never held across
// socket or file I/O. Mutators return the events the caller must publish so
// emission order stays under the caller's control.
package store

import (
	"runtime"
	"sync"
	"time"

	"github.com/99souls/memwatch/internal/protocol"
	"github.com/99souls/memwatch/models"
)

// ConnRef is a non-owning handle to a producer connection. Ownership stays
// with the connection task; the store only compares ids.
type ConnRef interface {
	ID() string
}

// Config bounds store retention.
type Config struct {
	MetricCap int // per-service metric ring capacity
	AlertCap  int // global alert ring capacity
}

// Defaults mirror the reference deployment: 1000 samples per service,
// 100 alerts globally.
func (c *Config) applyDefaults() {
	if c.MetricCap <= 0 {
		c.MetricCap = 1000
	}
	if c.AlertCap <= 0 {
		c.AlertCap = 100
	}
}

type serviceEntry struct {
	svc     models.Service
	metrics *ring[models.MetricSample]
	conn    ConnRef
}

// Store is the session store. Safe for concurrent use.
type Store struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	services    map[string]*serviceEntry
	alerts      *ring[models.Alert]
	nextAlertID int64
	startedAt   time.Time
}

// New constructs a Store. A nil clock falls back to time.Now.
func New(cfg Config, clock func() time.Time) *Store {
	cfg.applyDefaults()
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		cfg:       cfg,
		now:       clock,
		services:  make(map[string]*serviceEntry),
		alerts:    newRing[models.Alert](cfg.AlertCap),
		startedAt: clock(),
	}
}

// RegisterService creates or supersedes a service registration. A new
// registration takes over the producer slot; the superseded connection keeps
// running but no longer owns the service.
func (s *Store) RegisterService(name string, ts int64, conn ConnRef) []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.services[name]
	if !ok {
		e = &serviceEntry{
			svc: models.Service{
				Name:         name,
				RegisteredAt: now,
			},
			metrics: newRing[models.MetricSample](s.cfg.MetricCap),
		}
		s.services[name] = e
	}
	e.svc.Status = models.StatusConnected
	e.svc.LastSeen = now
	e.conn = conn

	return []protocol.Event{{
		Type:      protocol.EventServiceRegistered,
		Data:      e.view(),
		Timestamp: ts,
	}}
}

// IngestMetric appends a sample to the service ring, creating the service on
// first contact. A sample flagged leak-detected also records a critical alert.
func (s *Store) IngestMetric(sample models.MetricSample) []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.services[sample.Service]
	if !ok {
		e = &serviceEntry{
			svc: models.Service{
				Name:         sample.Service,
				RegisteredAt: now,
			},
			metrics: newRing[models.MetricSample](s.cfg.MetricCap),
		}
		s.services[sample.Service] = e
	}
	e.svc.Status = models.StatusConnected
	e.svc.LastSeen = now
	e.metrics.push(sample)

	events := []protocol.Event{{
		Type:      protocol.EventMetricsUpdate,
		Data:      sample,
		Timestamp: sample.Timestamp,
	}}

	if sample.LeakDetected {
		alert := s.recordAlertLocked(models.Alert{
			Service:        sample.Service,
			Kind:           models.AlertLeak,
			Severity:       models.SeverityCritical,
			Message:        "memory leak detected",
			Timestamp:      sample.Timestamp,
			HeapUsedMB:     sample.HeapUsedMB,
			MemoryGrowthMB: sample.MemoryGrowthMB,
		})
		events = append(events, protocol.Event{
			Type:      protocol.EventLeakAlert,
			Data:      alert,
			Timestamp: alert.Timestamp,
		})
	}
	return events
}

// RecordAlert assigns an id, pushes onto the global ring, and bumps the
// owning service's alert counter when the service is known.
func (s *Store) RecordAlert(alert models.Alert) models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordAlertLocked(alert)
}

func (s *Store) recordAlertLocked(alert models.Alert) models.Alert {
	s.nextAlertID++
	alert.ID = s.nextAlertID
	if alert.Timestamp == 0 {
		alert.Timestamp = models.ToMillis(s.now())
	}
	s.alerts.push(alert)
	if e, ok := s.services[alert.Service]; ok {
		e.svc.TotalAlerts++
	}
	return alert
}

// ReleaseConn disconnects every service owned by the closed connection and
// returns the serviceUpdate events to publish. Metrics and alerts survive.
func (s *Store) ReleaseConn(conn ConnRef) []protocol.Event {
	if conn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []protocol.Event
	for _, e := range s.services {
		if e.conn == nil || e.conn.ID() != conn.ID() {
			continue
		}
		e.conn = nil
		if e.svc.Status != models.StatusDisconnected {
			e.svc.Status = models.StatusDisconnected
			events = append(events, serviceUpdateEvent(e.svc, s.now()))
		}
	}
	return events
}

// MarkInactive transitions connected services whose last-seen instant is
// before cutoff. Each lapse transitions at most once.
func (s *Store) MarkInactive(cutoff time.Time) []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []protocol.Event
	for _, e := range s.services {
		if e.svc.Status != models.StatusConnected || !e.svc.LastSeen.Before(cutoff) {
			continue
		}
		e.svc.Status = models.StatusDisconnected
		e.conn = nil
		events = append(events, serviceUpdateEvent(e.svc, s.now()))
	}
	return events
}

func serviceUpdateEvent(svc models.Service, now time.Time) protocol.Event {
	return protocol.Event{
		Type: protocol.EventServiceUpdate,
		Data: map[string]any{
			"service": svc.Name,
			"status":  svc.Status,
		},
		Timestamp: models.ToMillis(now),
	}
}

func (e *serviceEntry) view() models.ServiceView {
	v := models.ServiceView{Service: e.svc}
	if last, ok := e.metrics.last(); ok {
		sample := last
		v.LastMetric = &sample
	}
	return v
}

// ConnectedServices lists connected services with their latest sample.
func (s *Store) ConnectedServices() []models.ServiceView {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ServiceView, 0, len(s.services))
	for _, e := range s.services {
		if e.svc.Status == models.StatusConnected {
			out = append(out, e.view())
		}
	}
	return out
}

// Service returns a single service view by name.
func (s *Store) Service(name string) (models.ServiceView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.services[name]
	if !ok {
		return models.ServiceView{}, false
	}
	return e.view(), true
}

// MetricsWindow returns samples for a service filtered to [from, to] epoch
// milliseconds (zero means unbounded) capped at limit newest entries, plus
// the unfiltered total retained for the service.
func (s *Store) MetricsWindow(name string, from, to int64, limit int) ([]models.MetricSample, int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.services[name]
	if !ok {
		return nil, 0, false
	}
	all := e.metrics.items()
	filtered := make([]models.MetricSample, 0, len(all))
	for _, m := range all {
		if from != 0 && m.Timestamp < from {
			continue
		}
		if to != 0 && m.Timestamp > to {
			continue
		}
		filtered = append(filtered, m)
	}
	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	return filtered, len(all), true
}

// AlertFilter narrows Alerts queries. Zero values match everything.
type AlertFilter struct {
	Service  string
	Severity models.Severity
	Limit    int
}

// Alerts returns matching alerts newest-first.
func (s *Store) Alerts(f AlertFilter) []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.alerts.items()
	out := make([]models.Alert, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		a := all[i]
		if f.Service != "" && a.Service != f.Service {
			continue
		}
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// RecentAlerts returns the newest n alerts oldest-first, as embedded in the
// initial subscriber event.
func (s *Store) RecentAlerts(n int) []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts.tail(n)
}

// Stats is the aggregate counters view.
type Stats struct {
	Services          int    `json:"services"`
	ConnectedServices int    `json:"connectedServices"`
	TotalMetrics      int    `json:"totalMetrics"`
	TotalAlerts       int    `json:"totalAlerts"`
	UptimeSeconds     int64  `json:"uptimeSeconds"`
	HeapAllocBytes    uint64 `json:"heapAllocBytes"`
	HeapSysBytes      uint64 `json:"heapSysBytes"`
	NumGoroutine      int    `json:"numGoroutine"`
}

// StatsSnapshot aggregates counts plus process memory usage.
func (s *Store) StatsSnapshot() Stats {
	s.mu.Lock()
	st := Stats{
		Services:      len(s.services),
		TotalAlerts:   s.alerts.len(),
		UptimeSeconds: int64(s.now().Sub(s.startedAt).Seconds()),
	}
	for _, e := range s.services {
		if e.svc.Status == models.StatusConnected {
			st.ConnectedServices++
		}
		st.TotalMetrics += e.metrics.len()
	}
	s.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	st.HeapAllocBytes = mem.HeapAlloc
	st.HeapSysBytes = mem.HeapSys
	st.NumGoroutine = runtime.NumGoroutine()
	return st
}

// AlertCount reports the current alert ring size.
func (s *Store) AlertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alerts.len()
}

// ServiceCount reports the number of known services.
func (s *Store) ServiceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.services)
}
