// Package config loads the optional YAML config file and watches it for
// changes. The server entrypoint applies a reloaded inactivity timeout
// without a restart; other fields, including the sweep period, take effect
// only at startup.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Duration parses yaml durations from either "90s"-style strings or raw
// nanosecond integers.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	return fmt.Errorf("invalid duration node %q", value.Value)
}

// Std returns the standard-library form.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// File is the on-disk configuration shape. Zero values defer to the facade
// defaults.
type File struct {
	Port              int      `yaml:"port"`
	CORSOrigin        string   `yaml:"cors_origin"`
	InactivityTimeout Duration `yaml:"inactivity_timeout"`
	SweepPeriod       Duration `yaml:"sweep_period"`
	MetricCap         int      `yaml:"metric_cap"`
	AlertCap          int      `yaml:"alert_cap"`
	MaxFrameBytes     int64    `yaml:"max_frame_bytes"`
	MaxSnapshotBytes  int64    `yaml:"max_snapshot_bytes"`
	SnapshotDir       string   `yaml:"snapshot_dir"`
	MetricsEnabled    bool     `yaml:"metrics_enabled"`
	MetricsBackend    string   `yaml:"metrics_backend"`
	TracingEnabled    bool     `yaml:"tracing_enabled"`
	UploadRatePerSec  float64  `yaml:"upload_rate_per_sec"`
}

// Load parses a YAML config file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &f, nil
}

// Change is one observed config reload.
type Change struct {
	Config    *File
	ChangedAt time.Time
}

// Watcher re-reads the config file on filesystem events, deduplicating by
// content checksum, and invokes the callback with each distinct change.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(Change)

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	checksum string
}

// NewWatcher starts watching path. The callback runs on the watcher
// goroutine; keep it short.
func NewWatcher(path string, logger *slog.Logger, onChange func(Change)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a watch on the
	// file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	w := &Watcher{path: path, logger: logger, onChange: onChange, watcher: fw}
	if data, err := os.ReadFile(path); err == nil {
		w.checksum = checksum(data)
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("config reload read failed", "path", w.path, "error", err)
		return
	}
	sum := checksum(data)

	w.mu.Lock()
	if sum == w.checksum {
		w.mu.Unlock()
		return
	}
	w.checksum = sum
	w.mu.Unlock()

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		w.logger.Warn("config reload parse failed", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(Change{Config: &f, ChangedAt: time.Now()})
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error { return w.watcher.Close() }

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
