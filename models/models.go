package models

import "time"

// ServiceStatus enumerates connection states for an instrumented service.
type ServiceStatus string

const (
	StatusConnected    ServiceStatus = "connected"
	StatusDisconnected ServiceStatus = "disconnected"
)

// Service is the canonical record for one instrumented service. The store
// owns it; connections are referenced weakly (by id) and never from here.
type Service struct {
	Name         string        `json:"name"`
	Status       ServiceStatus `json:"status"`
	RegisteredAt time.Time     `json:"registeredAt"`
	LastSeen     time.Time     `json:"lastSeen"`
	TotalAlerts  int           `json:"totalAlerts"`
}

// ServiceView is a Service plus its most recent metric sample, as exposed by
// the services listing and the initial subscriber event.
type ServiceView struct {
	Service
	LastMetric *MetricSample `json:"lastMetric,omitempty"`
}

// MetricSample is one immutable memory telemetry sample. Timestamps are epoch
// milliseconds end to end, matching the agent wire format.
type MetricSample struct {
	Service          string  `json:"service"`
	HeapUsedMB       float64 `json:"heapUsedMB"`
	HeapTotalMB      float64 `json:"heapTotalMB"`
	RSSMB            float64 `json:"rssMB"`
	ExternalMB       float64 `json:"externalMB"`
	EventLoopDelayMs float64 `json:"eventLoopDelayMs"`
	Timestamp        int64   `json:"timestamp"`
	LeakDetected     bool    `json:"leakDetected"`
	MemoryGrowthMB   float64 `json:"memoryGrowthMB"`
}

// AlertKind discriminates recorded alerts.
type AlertKind string

const (
	AlertLeak     AlertKind = "leak"
	AlertSnapshot AlertKind = "snapshot"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is an immutable record of interest kept in the global alert ring.
// Kind-specific fields are optional and zero-valued when absent.
type Alert struct {
	ID             int64     `json:"id"`
	Service        string    `json:"service"`
	Kind           AlertKind `json:"type"`
	Severity       Severity  `json:"severity"`
	Message        string    `json:"message"`
	Timestamp      int64     `json:"timestamp"`
	HeapUsedMB     float64   `json:"heapUsedMB,omitempty"`
	MemoryGrowthMB float64   `json:"memoryGrowthMB,omitempty"`
	TotalGrowthMB  float64   `json:"totalGrowthMB,omitempty"`
	Filename       string    `json:"filename,omitempty"`
	Filepath       string    `json:"filepath,omitempty"`
}

// SnapshotPhase marks which side of a before/after capture a snapshot is.
type SnapshotPhase string

const (
	PhaseBefore SnapshotPhase = "before"
	PhaseAfter  SnapshotPhase = "after"
)

// Snapshot is the metadata view of a heap-snapshot capture. Chunk contents
// live in the reassembler until completion; FilePath is set once the
// concatenated payload has been persisted.
type Snapshot struct {
	ID             string        `json:"id"`
	ServiceName    string        `json:"serviceName"`
	ContainerID    string        `json:"containerId,omitempty"`
	Phase          SnapshotPhase `json:"phase"`
	Timestamp      int64         `json:"timestamp"`
	Size           int64         `json:"size"`
	Filename       string        `json:"filename"`
	TotalChunks    int           `json:"totalChunks"`
	ReceivedChunks int           `json:"receivedChunks"`
	Complete       bool          `json:"complete"`
	FilePath       string        `json:"filePath,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// SessionStatus enumerates comparison session states. Transitions form a path
// waiting -> analyzing -> {completed, failed}; terminal states are immutable.
type SessionStatus string

const (
	SessionWaiting   SessionStatus = "waiting"
	SessionAnalyzing SessionStatus = "analyzing"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// ComparisonSession coordinates one before/after analysis of a snapshot pair.
type ComparisonSession struct {
	ID               string          `json:"sessionId"`
	ServiceName      string          `json:"serviceName"`
	ContainerID      string          `json:"containerId,omitempty"`
	BeforeSnapshotID string          `json:"beforeSnapshotId"`
	AfterSnapshotID  string          `json:"afterSnapshotId"`
	Timeframe        string          `json:"timeframe,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	Status           SessionStatus   `json:"status"`
	Result           *AnalysisResult `json:"analysis,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// AnalysisSummary carries the only analyzer fields the hub depends on.
type AnalysisSummary struct {
	TotalLeaksMB     float64 `json:"totalLeaksMB"`
	TotalGrowthMB    float64 `json:"totalGrowthMB"`
	SuspiciousGrowth bool    `json:"suspiciousGrowth"`
	Confidence       float64 `json:"confidence"`
	BeforeSizeMB     float64 `json:"beforeSizeMB,omitempty"`
	AfterSizeMB      float64 `json:"afterSizeMB,omitempty"`
}

// LeakFinding is one suspected leak reported by an analyzer.
type LeakFinding struct {
	Constructor  string  `json:"constructor"`
	CountDelta   int64   `json:"countDelta"`
	SizeDeltaMB  float64 `json:"sizeDeltaMB"`
	Detail       string  `json:"detail,omitempty"`
}

// Offender is one top memory consumer reported by an analyzer.
type Offender struct {
	Name       string  `json:"name"`
	RetainedMB float64 `json:"retainedMB"`
}

// AnalysisResult is the structured report returned by an Analyzer. The hub
// treats everything below Summary as opaque pass-through for the dashboard.
type AnalysisResult struct {
	Summary         AnalysisSummary `json:"summary"`
	Leaks           []LeakFinding   `json:"leaks,omitempty"`
	Offenders       []Offender      `json:"offenders,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
}

// FromMillis converts an epoch-milliseconds wire timestamp. Zero maps to the
// zero time rather than the epoch so absent timestamps stay recognizable.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// ToMillis is the inverse of FromMillis.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
