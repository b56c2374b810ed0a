package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/99souls/memwatch/internal/telemetry/tracing"
)

func captureLogger() (Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(slog.New(slog.NewJSONHandler(&buf, nil))), &buf
}

func TestInfoCtxPlain(t *testing.T) {
	l, buf := captureLogger()
	l.InfoCtx(context.Background(), "hello", "k", "v")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	if line["msg"] != "hello" || line["k"] != "v" {
		t.Fatalf("unexpected line: %v", line)
	}
	if _, present := line["trace_id"]; present {
		t.Fatal("trace_id must be absent without a span")
	}
}

func TestTraceCorrelationInjected(t *testing.T) {
	tr := tracing.NewTracer(true, 100)
	ctx, span := tr.StartSpan(context.Background(), "test-span")
	defer span.End()

	l, buf := captureLogger()
	l.ErrorCtx(ctx, "boom")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	traceID, _ := line["trace_id"].(string)
	if traceID == "" {
		t.Fatalf("missing trace correlation: %v", line)
	}

	wantTrace, _ := tracing.ExtractIDs(ctx)
	if traceID != wantTrace {
		t.Fatalf("trace_id = %s, want %s", traceID, wantTrace)
	}
}

func TestNilBaseFallsBackToDefault(t *testing.T) {
	l := New(nil)
	if l.Base() == nil {
		t.Fatal("nil base must resolve to a logger")
	}
	l.WarnCtx(context.Background(), "ok")
	l.DebugCtx(context.Background(), "ok")
}
