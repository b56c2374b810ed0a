// Package snapshot reassembles chunked heap-snapshot captures. Chunks arrive
// as opaque text payloads at declared indexes; completion persists the
// in-order concatenation to disk and releases the chunk table.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/99souls/memwatch/internal/protocol"
	"github.com/99souls/memwatch/models"
	"github.com/99souls/memwatch/telemetry/logging"
)

var (
	// ErrUnknownSnapshot marks chunk or completion frames for ids that were
	// never announced. Callers log and drop; no error frame is sent.
	ErrUnknownSnapshot = errors.New("unknown snapshot")

	// ErrChunkIndex marks a chunk whose index falls outside the declared table.
	ErrChunkIndex = errors.New("chunk index out of range")

	// ErrTooLarge marks an announcement whose declared size exceeds the cap.
	ErrTooLarge = errors.New("snapshot exceeds size limit")
)

// Config bounds the reassembler.
type Config struct {
	Dir      string // completed snapshots land at Dir/<filename>
	MaxBytes int64  // declared-size cap per snapshot
}

func (c *Config) applyDefaults() {
	if c.Dir == "" {
		c.Dir = "./dashboard-snapshots"
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 512 << 20
	}
}

type state struct {
	meta         models.Snapshot
	chunks       []string
	seen         []bool // per-index receipt, so empty payloads are not miscounted
	received     int
	completeSeen bool
	persisting   bool
}

// Stats is a counters view for hub snapshots and health probes.
type Stats struct {
	Tracked   int `json:"tracked"`
	Completed int `json:"completed"`
}

// Reassembler tracks per-snapshot chunk tables. Safe for concurrent use; the
// mutex is released around every file write.
type Reassembler struct {
	cfg    Config
	logger logging.Logger
	now    func() time.Time

	mu    sync.Mutex
	snaps map[string]*state
}

// New constructs a Reassembler. The snapshot directory is created lazily on
// first persistence.
func New(cfg Config, logger logging.Logger, clock func() time.Time) *Reassembler {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.New(nil)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Reassembler{cfg: cfg, logger: logger, now: clock, snaps: make(map[string]*state)}
}

// Announce registers snapshot metadata. Re-announcing an id replaces the
// chunk table outright; no merge is attempted.
func (r *Reassembler) Announce(meta protocol.SnapshotMeta) (protocol.Event, error) {
	if meta.Size > r.cfg.MaxBytes {
		return protocol.Event{}, fmt.Errorf("%w: %s declares %d bytes", ErrTooLarge, meta.ID, meta.Size)
	}

	snap := models.Snapshot{
		ID:          meta.ID,
		ServiceName: meta.ServiceName,
		ContainerID: meta.ContainerID,
		Phase:       models.SnapshotPhase(meta.Phase),
		Timestamp:   meta.Timestamp,
		Size:        meta.Size,
		Filename:    filepath.Base(meta.Filename),
		TotalChunks: meta.TotalChunks,
		CreatedAt:   r.now(),
	}

	r.mu.Lock()
	st := &state{meta: snap}
	if meta.TotalChunks > 0 {
		st.chunks = make([]string, meta.TotalChunks)
		st.seen = make([]bool, meta.TotalChunks)
	}
	r.snaps[meta.ID] = st
	r.mu.Unlock()

	return protocol.Event{
		Type:      protocol.EventSnapshotStarted,
		Data:      snap,
		Timestamp: meta.Timestamp,
	}, nil
}

// Chunk stores one payload chunk. Duplicate indexes overwrite without
// re-incrementing the received count. Returns a progress event, plus a
// completion event when an early completion frame is reconciled by this
// chunk filling the table.
func (r *Reassembler) Chunk(id string, index, total int, data string) ([]protocol.Event, error) {
	r.mu.Lock()
	st, ok := r.snaps[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSnapshot, id)
	}
	if st.chunks == nil {
		if total <= 0 {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s has no chunk table and no declared total", ErrChunkIndex, id)
		}
		st.chunks = make([]string, total)
		st.seen = make([]bool, total)
		st.meta.TotalChunks = total
	}
	if index < 0 || index >= len(st.chunks) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d", ErrChunkIndex, index, len(st.chunks))
	}
	if !st.seen[index] {
		st.seen[index] = true
		st.received++
		st.meta.ReceivedChunks = st.received
	}
	st.chunks[index] = data

	events := []protocol.Event{progressEvent(st)}
	finalize := st.completeSeen && st.received == len(st.chunks) && !st.persisting && !st.meta.Complete
	if finalize {
		st.persisting = true
	}
	r.mu.Unlock()

	if finalize {
		done, err := r.persist(id)
		if err != nil {
			return events, err
		}
		events = append(events, done)
	}
	return events, nil
}

// Complete finalizes a snapshot once its chunk table is fully populated. An
// early completion is remembered and reconciled on the last chunk.
func (r *Reassembler) Complete(id string) ([]protocol.Event, error) {
	r.mu.Lock()
	st, ok := r.snaps[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSnapshot, id)
	}
	st.completeSeen = true
	finalize := st.chunks != nil && st.received == len(st.chunks) && !st.persisting && !st.meta.Complete
	if finalize {
		st.persisting = true
	}
	r.mu.Unlock()

	if !finalize {
		return nil, nil
	}
	done, err := r.persist(id)
	if err != nil {
		return nil, err
	}
	return []protocol.Event{done}, nil
}

// persist writes the concatenated payload to disk, then marks the snapshot
// complete and releases its chunk table. The caller must have set the
// persisting flag under the lock; no lock is held across the write.
func (r *Reassembler) persist(id string) (protocol.Event, error) {
	r.mu.Lock()
	st := r.snaps[id]
	payload := strings.Join(st.chunks, "")
	filename := st.meta.Filename
	r.mu.Unlock()

	path := filepath.Join(r.cfg.Dir, filename)
	if err := writeFile(path, payload); err != nil {
		r.mu.Lock()
		st.persisting = false
		r.mu.Unlock()
		r.logger.ErrorCtx(context.Background(), "snapshot persistence failed", "snapshot", id, "path", path, "error", err)
		return protocol.Event{}, fmt.Errorf("persist snapshot %s: %w", id, err)
	}

	r.mu.Lock()
	st.meta.Complete = true
	st.meta.FilePath = path
	st.meta.ReceivedChunks = st.received
	st.chunks = nil
	st.persisting = false
	snap := st.meta
	r.mu.Unlock()

	r.logger.InfoCtx(context.Background(), "snapshot persisted", "snapshot", id, "path", path, "chunks", snap.TotalChunks)
	return protocol.Event{
		Type:      protocol.EventSnapshotCompleted,
		Data:      snap,
		Timestamp: models.ToMillis(r.now()),
	}, nil
}

// Ingest handles a single-shot upload: announce + one chunk + complete in one
// call, persisted under a per-service subdirectory. Event stream matches the
// chunked path.
func (r *Reassembler) Ingest(meta protocol.SnapshotMeta, data string) (models.Snapshot, []protocol.Event, error) {
	if int64(len(data)) > r.cfg.MaxBytes {
		return models.Snapshot{}, nil, fmt.Errorf("%w: %s carries %d bytes", ErrTooLarge, meta.ID, len(data))
	}

	snap := models.Snapshot{
		ID:             meta.ID,
		ServiceName:    meta.ServiceName,
		ContainerID:    meta.ContainerID,
		Phase:          models.SnapshotPhase(meta.Phase),
		Timestamp:      meta.Timestamp,
		Size:           int64(len(data)),
		Filename:       filepath.Base(meta.Filename),
		TotalChunks:    1,
		ReceivedChunks: 1,
		CreatedAt:      r.now(),
	}

	path := filepath.Join(r.cfg.Dir, meta.ServiceName, snap.Filename)
	if err := writeFile(path, data); err != nil {
		return models.Snapshot{}, nil, fmt.Errorf("persist upload %s: %w", meta.ID, err)
	}
	snap.Complete = true
	snap.FilePath = path

	r.mu.Lock()
	r.snaps[meta.ID] = &state{meta: snap, received: 1, completeSeen: true}
	r.mu.Unlock()

	ts := models.ToMillis(r.now())
	events := []protocol.Event{
		{Type: protocol.EventSnapshotStarted, Data: snap, Timestamp: ts},
		{Type: protocol.EventSnapshotProgress, Data: progressPayload(snap), Timestamp: ts},
		{Type: protocol.EventSnapshotCompleted, Data: snap, Timestamp: ts},
	}
	return snap, events, nil
}

func writeFile(path, payload string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	return os.WriteFile(path, []byte(payload), 0o644)
}

func progressEvent(st *state) protocol.Event {
	return protocol.Event{
		Type: protocol.EventSnapshotProgress,
		Data: progressPayload(st.meta),
	}
}

func progressPayload(snap models.Snapshot) map[string]any {
	progress := 0
	if snap.TotalChunks > 0 {
		progress = snap.ReceivedChunks * 100 / snap.TotalChunks
	}
	return map[string]any{
		"snapshotId":     snap.ID,
		"serviceName":    snap.ServiceName,
		"receivedChunks": snap.ReceivedChunks,
		"totalChunks":    snap.TotalChunks,
		"progress":       progress,
	}
}

// Get returns the metadata view for an id.
func (r *Reassembler) Get(id string) (models.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.snaps[id]
	if !ok {
		return models.Snapshot{}, false
	}
	return st.meta, true
}

// IsComplete reports whether id exists and has been persisted.
func (r *Reassembler) IsComplete(id string) bool {
	snap, ok := r.Get(id)
	return ok && snap.Complete
}

// List returns all tracked snapshots ordered by creation.
func (r *Reassembler) List() []models.Snapshot {
	r.mu.Lock()
	out := make([]models.Snapshot, 0, len(r.snaps))
	for _, st := range r.snaps {
		out = append(out, st.meta)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// StatsSnapshot reports tracked/completed counts.
func (r *Reassembler) StatsSnapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Tracked: len(r.snaps)}
	for _, st := range r.snaps {
		if st.meta.Complete {
			s.Completed++
		}
	}
	return s
}
