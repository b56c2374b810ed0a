package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func probe(name string, status Status) Probe {
	return ProbeFunc(func(context.Context) ProbeResult {
		return ProbeResult{Name: name, Status: status}
	})
}

func TestOverallIsWorstProbe(t *testing.T) {
	e := NewEvaluator(time.Millisecond,
		probe("a", StatusHealthy),
		probe("b", StatusDegraded),
	)
	snap := e.Evaluate(context.Background())
	if snap.Overall != StatusDegraded {
		t.Fatalf("overall = %s, want degraded", snap.Overall)
	}

	e.Register(probe("c", StatusUnhealthy))
	e.Invalidate()
	snap = e.Evaluate(context.Background())
	if snap.Overall != StatusUnhealthy {
		t.Fatalf("overall = %s, want unhealthy", snap.Overall)
	}
	if len(snap.Probes) != 3 {
		t.Fatalf("probes = %d, want 3", len(snap.Probes))
	}
}

func TestNoProbesIsUnknown(t *testing.T) {
	e := NewEvaluator(time.Second)
	if snap := e.Evaluate(context.Background()); snap.Overall != StatusUnknown {
		t.Fatalf("overall = %s, want unknown", snap.Overall)
	}
}

func TestEvaluationCachedWithinTTL(t *testing.T) {
	var calls atomic.Int32
	e := NewEvaluator(time.Hour, ProbeFunc(func(context.Context) ProbeResult {
		calls.Add(1)
		return ProbeResult{Name: "counted", Status: StatusHealthy}
	}))

	e.Evaluate(context.Background())
	e.Evaluate(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("probe ran %d times within TTL", calls.Load())
	}

	e.Invalidate()
	e.Evaluate(context.Background())
	if calls.Load() != 2 {
		t.Fatalf("probe did not rerun after invalidation: %d", calls.Load())
	}
}
