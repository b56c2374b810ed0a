package memwatch

import (
	"time"

	fileconfig "github.com/99souls/memwatch/config"
)

// Config is the public configuration surface for the Hub facade. It narrows
// and normalizes the underlying component configs; advanced callers inject
// custom implementations via functional options on New.
type Config struct {
	// Listen address for the combined websocket + HTTP surface.
	Port int

	// CORSOrigin is the Access-Control-Allow-Origin value for the HTTP
	// surface and the allowed websocket origin pattern. "*" disables checks.
	CORSOrigin string

	// Liveness sweep: services with no traffic for InactivityTimeout are
	// marked disconnected by a sweep every SweepPeriod.
	InactivityTimeout time.Duration
	SweepPeriod       time.Duration

	// Retention caps.
	MetricCap int // per-service metric ring
	AlertCap  int // global alert ring

	// Wire limits.
	MaxFrameBytes    int64 // per-frame websocket read limit
	MaxSnapshotBytes int64 // declared-size cap per snapshot

	// SnapshotDir is where completed captures are persisted.
	SnapshotDir string

	// Analysis.
	GrowthThresholdBytes int64 // handed to analyzers as the suspicion threshold

	// Publisher tuning.
	SubscriberQueueLen int
	InitialAlerts      int

	// MetricsEnabled toggles the metrics provider; MetricsBackend selects
	// "prom" (default), "otel", or "noop".
	MetricsEnabled bool
	MetricsBackend string

	// TracingEnabled wires the otel tracer around analysis runs.
	TracingEnabled       bool
	TraceSamplingPercent float64

	// UploadRatePerSec rate-limits POST /api/snapshots/upload. Zero disables.
	UploadRatePerSec float64
	UploadBurst      int
}

// Defaults returns a Config matching the reference deployment.
func Defaults() Config {
	return Config{
		Port:                 4000,
		CORSOrigin:           "*",
		InactivityTimeout:    60 * time.Second,
		SweepPeriod:          30 * time.Second,
		MetricCap:            1000,
		AlertCap:             100,
		MaxFrameBytes:        10 << 20,
		MaxSnapshotBytes:     512 << 20,
		SnapshotDir:          "./dashboard-snapshots",
		GrowthThresholdBytes: 10 << 20,
		SubscriberQueueLen:   64,
		InitialAlerts:        10,
		MetricsEnabled:       true,
		MetricsBackend:       "prom",
		TracingEnabled:       false,
		TraceSamplingPercent: 5,
		UploadRatePerSec:     5,
		UploadBurst:          10,
	}
}

// ApplyFile overlays non-zero file config values onto c.
func (c Config) ApplyFile(f *fileconfig.File) Config {
	if f == nil {
		return c
	}
	if f.Port > 0 {
		c.Port = f.Port
	}
	if f.CORSOrigin != "" {
		c.CORSOrigin = f.CORSOrigin
	}
	if f.InactivityTimeout > 0 {
		c.InactivityTimeout = f.InactivityTimeout.Std()
	}
	if f.SweepPeriod > 0 {
		c.SweepPeriod = f.SweepPeriod.Std()
	}
	if f.MetricCap > 0 {
		c.MetricCap = f.MetricCap
	}
	if f.AlertCap > 0 {
		c.AlertCap = f.AlertCap
	}
	if f.MaxFrameBytes > 0 {
		c.MaxFrameBytes = f.MaxFrameBytes
	}
	if f.MaxSnapshotBytes > 0 {
		c.MaxSnapshotBytes = f.MaxSnapshotBytes
	}
	if f.SnapshotDir != "" {
		c.SnapshotDir = f.SnapshotDir
	}
	if f.MetricsBackend != "" {
		c.MetricsBackend = f.MetricsBackend
	}
	if f.UploadRatePerSec > 0 {
		c.UploadRatePerSec = f.UploadRatePerSec
	}
	c.MetricsEnabled = c.MetricsEnabled || f.MetricsEnabled
	c.TracingEnabled = c.TracingEnabled || f.TracingEnabled
	return c
}
