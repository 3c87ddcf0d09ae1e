// Package engine runs the ingest pipeline: incoming change events get
// an ID and arrival timestamp, land in the durable event log, and fold
// into any streaming views, all on a bounded worker pool so a burst
// from upstream cannot exhaust memory.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicstream/taxmart/internal/config"
	"github.com/civicstream/taxmart/internal/event"
	"github.com/civicstream/taxmart/internal/metrics"
)

// Appender is the slice of the store the ingest path writes to.
type Appender interface {
	Append(ctx context.Context, ev *event.Event) error
}

// Applier receives appended events; streaming views implement it.
type Applier interface {
	Apply(ev *event.Event)
}

// IngestResult is the outcome of ingesting a single event.
type IngestResult struct {
	EventID    string `json:"event_id"`
	EntityType string `json:"entity_type"`
	Kind       string `json:"kind"` // insert | update
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Engine accepts events, persists them, and feeds streaming views.
type Engine struct {
	store    Appender
	appliers []Applier
	pool     *workerPool[*ingestWork]
	conf     *config.EngineConf
	logger   *zap.Logger
}

type ingestWork struct {
	ev      *event.Event
	resultC chan *IngestResult
}

// New creates an Engine using conf and starts its worker pool.
func New(ctx context.Context, store Appender, appliers []Applier, conf config.EngineConf, logger *zap.Logger) *Engine {
	e := &Engine{
		store:    store,
		appliers: appliers,
		conf:     &conf,
		logger:   logger,
	}
	e.pool = newWorkerPool[*ingestWork](ctx, conf.IngestWorkers, conf.QueueDepth, func(ctx context.Context, w *ingestWork) {
		res := e.ingest(ctx, w.ev)
		if w.resultC != nil {
			w.resultC <- res
		}
	})
	return e
}

// ProcessSync ingests one event and waits for the outcome, up to the
// configured timeout. A full queue is reported immediately.
func (e *Engine) ProcessSync(ctx context.Context, ev *event.Event) (*IngestResult, error) {
	resultC := make(chan *IngestResult, 1)
	if !e.pool.Submit(&ingestWork{ev: ev, resultC: resultC}) {
		metrics.EventsDropped.Inc()
		return nil, fmt.Errorf("ingest queue full (capacity %d)", e.conf.QueueDepth)
	}

	timeout := time.Duration(e.conf.IngestTimeoutMs) * time.Millisecond
	select {
	case res := <-resultC:
		return res, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("ingest timeout after %v", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ProcessAsync enqueues an event for background ingestion. Returns
// false if the queue is full.
func (e *Engine) ProcessAsync(ev *event.Event) bool {
	if !e.pool.Submit(&ingestWork{ev: ev}) {
		metrics.EventsDropped.Inc()
		return false
	}
	return true
}

// QueueUtilization returns queue used / capacity (0-1).
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	return float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
}

func (e *Engine) ingest(ctx context.Context, ev *event.Event) *IngestResult {
	start := time.Now()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ArrivedAt.IsZero() {
		ev.ArrivedAt = start.UTC()
	}

	res := &IngestResult{EventID: ev.ID, EntityType: ev.EntityType, Kind: "update"}
	if ev.CreatedEquals() {
		res.Kind = "insert"
	}

	if err := e.store.Append(ctx, ev); err != nil {
		metrics.AppendFailures.Inc()
		res.Error = err.Error()
		res.DurationMs = time.Since(start).Milliseconds()
		e.logger.Error("event append failed",
			zap.String("event_id", ev.ID),
			zap.String("entity", ev.Key.String()),
			zap.Error(err))
		return res
	}

	for _, a := range e.appliers {
		a.Apply(ev)
	}

	metrics.EventsIngested.WithLabelValues(ev.EntityType, res.Kind).Inc()
	metrics.QueueUtilization.Set(e.QueueUtilization())
	res.DurationMs = time.Since(start).Milliseconds()
	return res
}

// Shutdown drains the pool gracefully.
func (e *Engine) Shutdown() {
	e.pool.Drain()
}
