// Package view maintains resolved per-entity state. A View folds the
// change-event log for one entity type into a snapshot holding exactly
// one row per entity key, the row being the payload of the
// latest-version event for that key. Snapshots are published atomically
// so readers never observe a half-refreshed view.
package view

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/civicstream/taxmart/internal/event"
	"github.com/civicstream/taxmart/internal/metrics"
	"github.com/civicstream/taxmart/internal/resolve"
	"github.com/civicstream/taxmart/internal/store"
)

// Maintenance strategies, matching the config "strategy" field.
const (
	StrategyFull      = "full"
	StrategyStreaming = "streaming"
)

// ErrAlreadyRunning is returned by Refresh when another refresh of the
// same view is in flight.
var ErrAlreadyRunning = errors.New("view: refresh already running")

// Refresh states.
const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StateSucceeded = "succeeded"
	StateFailed    = "failed"
)

// EventSource is the slice of the store a view reads from.
type EventSource interface {
	Scan(ctx context.Context, entityType string, opts store.ScanOptions, fn func(*event.Event) error) error
}

// Row is one resolved entity in a snapshot.
type Row struct {
	Key             event.Key              `json:"key"`
	Payload         map[string]interface{} `json:"payload"`
	ResolvedTime    int64                  `json:"resolved_time"`
	ResolvedVersion int64                  `json:"resolved_version"`
	EventID         string                 `json:"event_id"`
}

// Snapshot is an immutable published view state. Once published it is
// never mutated; a refresh builds a fresh one and swaps the pointer.
type Snapshot struct {
	View         string
	Rows         map[event.Key]*Row
	RefreshedAt  time.Time
	SourceEvents int64
	SkippedKeys  int64
}

// Status reports a view's refresh state for the status API.
type Status struct {
	Name        string    `json:"name"`
	EntityType  string    `json:"entity_type"`
	Strategy    string    `json:"strategy"`
	State       string    `json:"state"`
	Rows        int       `json:"rows"`
	RefreshedAt time.Time `json:"refreshed_at,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

const shardCount = 16

// shard holds a slice of the streaming summary map. Sharding keeps
// ingest-path Apply calls from contending on one lock.
type shard struct {
	mu        sync.Mutex
	summaries map[event.Key]resolve.Summary
}

// View maintains one entity view. All methods are safe for concurrent
// use; Refresh rejects overlapping calls rather than queueing them.
type View struct {
	name       string
	entityType string
	strategy   string
	source     EventSource
	logger     *zap.Logger

	snapshot atomic.Pointer[Snapshot]

	shards [shardCount]*shard // streaming strategy only

	mu          sync.Mutex
	running     bool
	state       string
	lastSuccess time.Time
	lastError   string
}

func New(name, entityType, strategy string, source EventSource, logger *zap.Logger) *View {
	v := &View{
		name:       name,
		entityType: entityType,
		strategy:   strategy,
		source:     source,
		logger:     logger.With(zap.String("view", name)),
		state:      StateIdle,
	}
	if strategy == StrategyStreaming {
		for i := range v.shards {
			v.shards[i] = &shard{summaries: make(map[event.Key]resolve.Summary)}
		}
	}
	return v
}

func (v *View) Name() string       { return v.name }
func (v *View) EntityType() string { return v.entityType }
func (v *View) Strategy() string   { return v.strategy }

// Snapshot returns the latest published snapshot, or nil before the
// first successful refresh.
func (v *View) Snapshot() *Snapshot { return v.snapshot.Load() }

// Apply folds one event into the in-memory summary state. It is a
// no-op for full-recompute views and for events of another entity
// type. The published snapshot is unaffected until the next Refresh.
func (v *View) Apply(ev *event.Event) {
	if v.strategy != StrategyStreaming || ev.EntityType != v.entityType {
		return
	}
	sh := v.shards[shardFor(ev.Key)]
	sh.mu.Lock()
	if cur, ok := sh.summaries[ev.Key]; ok {
		sh.summaries[ev.Key] = cur.Apply(ev)
	} else {
		sh.summaries[ev.Key] = resolve.FromEvent(ev)
	}
	sh.mu.Unlock()
}

// Warm replays the event log into the in-memory summaries. Streaming
// views call this once at startup so events ingested before the
// restart are not lost to the snapshot.
func (v *View) Warm(ctx context.Context) error {
	if v.strategy != StrategyStreaming {
		return nil
	}
	var n int64
	err := v.source.Scan(ctx, v.entityType, store.ScanOptions{}, func(ev *event.Event) error {
		v.Apply(ev)
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("warm view %s: %w", v.name, err)
	}
	v.logger.Info("view warmed", zap.Int64("events", n))
	return nil
}

// Refresh recomputes and atomically publishes the snapshot. On failure
// the previously published snapshot stays visible. Refresh is
// idempotent: with no new events, the produced rows are identical to
// the previous run's.
func (v *View) Refresh(ctx context.Context) error {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return ErrAlreadyRunning
	}
	v.running = true
	v.state = StateRunning
	v.mu.Unlock()

	start := time.Now()
	snap, err := v.build(ctx)
	elapsed := time.Since(start)

	v.mu.Lock()
	v.running = false
	if err != nil {
		v.state = StateFailed
		v.lastError = err.Error()
		v.mu.Unlock()
		metrics.RefreshRuns.WithLabelValues(v.name, "failed").Inc()
		v.logger.Error("view refresh failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		return err
	}
	// Publish the snapshot before reporting success so a reader that
	// observes StateSucceeded never sees a stale or missing snapshot.
	v.snapshot.Store(snap)
	v.state = StateSucceeded
	v.lastSuccess = snap.RefreshedAt
	v.lastError = ""
	v.mu.Unlock()
	metrics.RefreshRuns.WithLabelValues(v.name, "succeeded").Inc()
	metrics.RefreshDuration.WithLabelValues(v.name).Observe(elapsed.Seconds())
	metrics.ViewRows.WithLabelValues(v.name).Set(float64(len(snap.Rows)))
	v.logger.Info("view refreshed",
		zap.Int("rows", len(snap.Rows)),
		zap.Int64("source_events", snap.SourceEvents),
		zap.Int64("skipped_keys", snap.SkippedKeys),
		zap.Duration("elapsed", elapsed))
	return nil
}

func (v *View) build(ctx context.Context) (*Snapshot, error) {
	switch v.strategy {
	case StrategyStreaming:
		return v.project(), nil
	default:
		return v.recompute(ctx)
	}
}

// recompute scans the full event log for this entity type and folds it
// into per-key summaries.
func (v *View) recompute(ctx context.Context) (*Snapshot, error) {
	summaries := make(map[event.Key]resolve.Summary)
	var total int64
	err := v.source.Scan(ctx, v.entityType, store.ScanOptions{}, func(ev *event.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		total++
		if cur, ok := summaries[ev.Key]; ok {
			summaries[ev.Key] = cur.Apply(ev)
		} else {
			summaries[ev.Key] = resolve.FromEvent(ev)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s events: %w", v.entityType, err)
	}
	snap := v.newSnapshot(len(summaries))
	snap.SourceEvents = total
	for key, s := range summaries {
		v.addRow(snap, key, s)
	}
	return snap, nil
}

// project materializes the current in-memory summaries as a snapshot.
func (v *View) project() *Snapshot {
	snap := v.newSnapshot(0)
	for _, sh := range v.shards {
		sh.mu.Lock()
		for key, s := range sh.summaries {
			snap.SourceEvents += s.Events
			v.addRow(snap, key, s)
		}
		sh.mu.Unlock()
	}
	return snap
}

func (v *View) newSnapshot(sizeHint int) *Snapshot {
	return &Snapshot{
		View:        v.name,
		Rows:        make(map[event.Key]*Row, sizeHint),
		RefreshedAt: time.Now().UTC(),
	}
}

// addRow converts one resolved summary into a snapshot row. A summary
// whose winning event carried no payload cannot be projected; it is
// skipped and logged rather than failing the whole refresh.
func (v *View) addRow(snap *Snapshot, key event.Key, s resolve.Summary) {
	if s.Payload == nil {
		snap.SkippedKeys++
		v.logger.Warn("skipping entity with empty payload",
			zap.String("tenant", key.TenantID),
			zap.String("entity", key.ID),
			zap.String("event_id", s.EventID))
		return
	}
	if s.Ties > 0 {
		// Not an error: ordering ties resolve deterministically by
		// event ID. Logged for auditability.
		v.logger.Info("version tie resolved",
			zap.String("tenant", key.TenantID),
			zap.String("entity", key.ID),
			zap.String("winning_event_id", s.EventID),
			zap.Int64("ties", s.Ties))
	}
	snap.Rows[key] = &Row{
		Key:             key,
		Payload:         s.Payload,
		ResolvedTime:    s.ObservedAt,
		ResolvedVersion: s.Version,
		EventID:         s.EventID,
	}
}

// Status reports the view's current refresh state.
func (v *View) Status() Status {
	v.mu.Lock()
	st := Status{
		Name:        v.name,
		EntityType:  v.entityType,
		Strategy:    v.strategy,
		State:       v.state,
		LastSuccess: v.lastSuccess,
		LastError:   v.lastError,
	}
	v.mu.Unlock()
	if snap := v.snapshot.Load(); snap != nil {
		st.Rows = len(snap.Rows)
		st.RefreshedAt = snap.RefreshedAt
	}
	return st
}

func shardFor(key event.Key) int {
	h := fnv.New32a()
	h.Write([]byte(key.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(key.ID))
	return int(h.Sum32() % shardCount)
}
