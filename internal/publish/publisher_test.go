package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/99souls/memwatch/internal/protocol"
)

// fakeTransport records frames and can be made to block or fail.
type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	failAll bool
	gate    chan struct{} // non-nil: Send blocks until the gate closes
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("boom")
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Close(string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func initialEvent(int) protocol.Event {
	return protocol.Event{Type: protocol.EventInitial, Data: map[string]any{"services": []string{}}}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func frameType(t *testing.T, frame []byte) string {
	t.Helper()
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("bad frame %s: %v", frame, err)
	}
	return env.Type
}

func TestInitialDeliveredFirst(t *testing.T) {
	p := New(Config{}, initialEvent, nil, nil)
	tr := &fakeTransport{}
	if err := p.Subscribe("sub-1", tr); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p.Publish(protocol.Event{Type: protocol.EventMetricsUpdate})
	waitFor(t, func() bool { return len(tr.snapshot()) == 2 })

	frames := tr.snapshot()
	if got := frameType(t, frames[0]); got != protocol.EventInitial {
		t.Fatalf("first frame must be initial, got %s", got)
	}
	if got := frameType(t, frames[1]); got != protocol.EventMetricsUpdate {
		t.Fatalf("second frame: %s", got)
	}
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	p := New(Config{}, nil, nil, nil)
	tr := &fakeTransport{}
	if err := p.Subscribe("sub-1", tr); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 20; i++ {
		p.Publish(protocol.Event{Type: protocol.EventMetricsUpdate, Timestamp: int64(i)})
	}
	waitFor(t, func() bool { return len(tr.snapshot()) == 20 })

	for i, frame := range tr.snapshot() {
		var env struct {
			Timestamp int64 `json:"timestamp"`
		}
		_ = json.Unmarshal(frame, &env)
		if env.Timestamp != int64(i) {
			t.Fatalf("frame %d out of order: ts=%d", i, env.Timestamp)
		}
	}
}

func TestLaggingSubscriberEvicted(t *testing.T) {
	p := New(Config{QueueLen: 1}, nil, nil, nil)
	gate := make(chan struct{})
	slow := &fakeTransport{gate: gate}
	fast := &fakeTransport{}
	if err := p.Subscribe("slow", slow); err != nil {
		t.Fatalf("subscribe slow: %v", err)
	}
	if err := p.Subscribe("fast", fast); err != nil {
		t.Fatalf("subscribe fast: %v", err)
	}

	// First event: slow's writer takes it and blocks in Send.
	p.Publish(protocol.Event{Type: protocol.EventMetricsUpdate, Timestamp: 1})
	// Let the blocked writer drain the queue slot.
	time.Sleep(20 * time.Millisecond)
	// Second fills slow's queue; third finds it full and evicts.
	p.Publish(protocol.Event{Type: protocol.EventMetricsUpdate, Timestamp: 2})
	p.Publish(protocol.Event{Type: protocol.EventMetricsUpdate, Timestamp: 3})

	waitFor(t, func() bool { return slow.isClosed() })
	close(gate)

	stats := p.StatsSnapshot()
	if stats.Evicted != 1 {
		t.Fatalf("expected 1 eviction, got %+v", stats)
	}
	if stats.Subscribers != 1 {
		t.Fatalf("expected the fast subscriber to survive, got %+v", stats)
	}
	waitFor(t, func() bool { return len(fast.snapshot()) == 3 })
}

func TestWriteFailureEvictsSubscriber(t *testing.T) {
	p := New(Config{}, nil, nil, nil)
	tr := &fakeTransport{failAll: true}
	if err := p.Subscribe("sub-1", tr); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	p.Publish(protocol.Event{Type: protocol.EventMetricsUpdate})
	waitFor(t, func() bool { return tr.isClosed() })
	waitFor(t, func() bool { return p.StatsSnapshot().Subscribers == 0 })

	if p.StatsSnapshot().Evicted != 1 {
		t.Fatalf("expected eviction, got %+v", p.StatsSnapshot())
	}
}

func TestRemoveAndClose(t *testing.T) {
	p := New(Config{}, nil, nil, nil)
	tr1 := &fakeTransport{}
	tr2 := &fakeTransport{}
	_ = p.Subscribe("a", tr1)
	_ = p.Subscribe("b", tr2)

	p.Remove("a")
	if got := p.StatsSnapshot().Subscribers; got != 1 {
		t.Fatalf("expected 1 subscriber after Remove, got %d", got)
	}

	p.Close()
	if got := p.StatsSnapshot().Subscribers; got != 0 {
		t.Fatalf("expected 0 subscribers after Close, got %d", got)
	}
	if err := p.Subscribe("c", &fakeTransport{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
