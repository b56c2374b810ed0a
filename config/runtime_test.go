package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memwatch.yaml")
	raw := `
port: 4100
cors_origin: "https://dash.example.com"
inactivity_timeout: 90s
sweep_period: 15s
metric_cap: 500
snapshot_dir: /var/lib/memwatch/snapshots
metrics_backend: otel
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Port != 4100 || f.InactivityTimeout.Std() != 90*time.Second || f.MetricCap != 500 {
		t.Fatalf("unexpected config: %+v", f)
	}
	if f.MetricsBackend != "otel" {
		t.Fatalf("unexpected backend: %q", f.MetricsBackend)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("port: [nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWatcherObservesChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memwatch.yaml")
	if err := os.WriteFile(path, []byte("inactivity_timeout: 60s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan Change, 1)
	w, err := NewWatcher(path, nil, func(ch Change) {
		select {
		case changes <- ch:
		default:
		}
	})
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer func() { _ = w.Close() }()

	if err := os.WriteFile(path, []byte("inactivity_timeout: 90s\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case ch := <-changes:
		if ch.Config.InactivityTimeout.Std() != 90*time.Second {
			t.Fatalf("unexpected reloaded config: %+v", ch.Config)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change observed")
	}
}

func TestWatcherIgnoresIdenticalContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "memwatch.yaml")
	content := []byte("port: 4000\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	changes := make(chan Change, 4)
	w, err := NewWatcher(path, nil, func(ch Change) { changes <- ch })
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	defer func() { _ = w.Close() }()

	// rewrite with identical bytes: checksum dedupe suppresses the callback
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changes:
		t.Fatal("identical content must not trigger a change")
	case <-time.After(500 * time.Millisecond):
	}
}
