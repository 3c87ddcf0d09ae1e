// Package coordinator drives refresh cycles: every view refreshed once,
// then every output recomputed, with outputs whose upstream view failed
// skipped and reported rather than computed against stale state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/civicstream/taxmart/internal/aggregate"
	"github.com/civicstream/taxmart/internal/metrics"
	"github.com/civicstream/taxmart/internal/view"
)

// Coordinator modes, matching the config "mode" field.
const (
	ModeSequential = "sequential"
	ModeParallel   = "dependency-parallel"
)

// ErrCycleRunning is returned when a refresh cycle is requested while
// one is already in flight.
var ErrCycleRunning = errors.New("coordinator: refresh cycle already running")

// ViewSet is a named collection of views in config order. It satisfies
// aggregate.SnapshotSource.
type ViewSet struct {
	byName map[string]*view.View
	order  []*view.View
}

func NewViewSet(views ...*view.View) *ViewSet {
	s := &ViewSet{byName: make(map[string]*view.View, len(views))}
	for _, v := range views {
		s.byName[v.Name()] = v
		s.order = append(s.order, v)
	}
	return s
}

func (s *ViewSet) Snapshot(name string) *view.Snapshot {
	v, ok := s.byName[name]
	if !ok {
		return nil
	}
	return v.Snapshot()
}

func (s *ViewSet) Get(name string) (*view.View, bool) {
	v, ok := s.byName[name]
	return v, ok
}

func (s *ViewSet) All() []*view.View { return s.order }

// ViewResult is one view's outcome within a cycle. A busy view had a
// refresh already in flight; its last published snapshot stays in use.
type ViewResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // succeeded | busy | failed
	Error  string `json:"error,omitempty"`
}

// OutputResult is one output's outcome within a cycle. Skipped outputs
// name the failed upstream view.
type OutputResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // succeeded | failed | skipped
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// CycleReport describes one complete refresh cycle.
type CycleReport struct {
	ID         string         `json:"id"`
	Mode       string         `json:"mode"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Views      []ViewResult   `json:"views"`
	Outputs    []OutputResult `json:"outputs"`
}

// Succeeded reports whether every view and output in the cycle came
// through cleanly. A busy view does not count against the cycle.
func (r *CycleReport) Succeeded() bool {
	for _, v := range r.Views {
		if v.Status == "failed" {
			return false
		}
	}
	for _, o := range r.Outputs {
		if o.Status != "succeeded" {
			return false
		}
	}
	return true
}

// Status is the coordinator state exposed on the status API.
type Status struct {
	Mode      string       `json:"mode"`
	Interval  string       `json:"interval"`
	Running   bool         `json:"running"`
	LastCycle *CycleReport `json:"last_cycle,omitempty"`
}

// Coordinator owns the refresh schedule. Views have no dependencies on
// each other and outputs depend only on views. Sequential mode walks
// config order, views then outputs; dependency-parallel mode starts
// everything concurrently, with each output waiting only on the views
// it reads from.
type Coordinator struct {
	views    *ViewSet
	engine   *aggregate.Engine
	logger   *zap.Logger
	interval time.Duration

	mu      sync.Mutex
	mode    string
	running bool
	last    *CycleReport
}

func New(views *ViewSet, engine *aggregate.Engine, mode string, interval time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		views:    views,
		engine:   engine,
		mode:     mode,
		interval: interval,
		logger:   logger,
	}
}

// SetMode switches the scheduling mode; it takes effect on the next cycle.
func (c *Coordinator) SetMode(mode string) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

// Start runs an initial cycle and then one per interval until the
// context is cancelled. With a non-positive interval only the initial
// cycle runs; later cycles must be requested through the API.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		if _, err := c.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("initial refresh cycle failed", zap.Error(err))
		}
		if c.interval <= 0 {
			return
		}
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := c.RunCycle(ctx); err != nil && !errors.Is(err, ErrCycleRunning) {
					c.logger.Error("refresh cycle failed", zap.Error(err))
				}
			}
		}
	}()
}

// RunCycle refreshes every view, then recomputes every output whose
// source and join views refreshed successfully. Only one cycle runs at
// a time; a second request while one is in flight returns
// ErrCycleRunning.
func (c *Coordinator) RunCycle(ctx context.Context) (*CycleReport, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrCycleRunning
	}
	c.running = true
	mode := c.mode
	c.mu.Unlock()

	report := &CycleReport{
		ID:        uuid.NewString(),
		Mode:      mode,
		StartedAt: time.Now().UTC(),
	}
	log := c.logger.With(zap.String("cycle", report.ID), zap.String("mode", mode))
	log.Info("refresh cycle started")

	if mode == ModeParallel {
		c.runParallel(ctx, report)
	} else {
		c.runSequential(ctx, report)
	}
	report.FinishedAt = time.Now().UTC()

	c.mu.Lock()
	c.running = false
	c.last = report
	c.mu.Unlock()

	status := "succeeded"
	if !report.Succeeded() {
		status = "partial"
	}
	metrics.CycleRuns.WithLabelValues(mode, status).Inc()
	log.Info("refresh cycle finished",
		zap.String("status", status),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// refreshOne refreshes a single view. Contention with an already
// in-flight refresh reports "busy" instead of "failed": the view keeps
// its last published snapshot and downstream outputs still run.
func (c *Coordinator) refreshOne(ctx context.Context, v *view.View) ViewResult {
	res := ViewResult{Name: v.Name(), Status: "succeeded"}
	switch err := v.Refresh(ctx); {
	case err == nil:
	case errors.Is(err, view.ErrAlreadyRunning):
		res.Status = "busy"
		c.logger.Info("view refresh already in flight", zap.String("view", v.Name()))
	default:
		res.Status = "failed"
		res.Error = err.Error()
	}
	return res
}

// runOne recomputes a single output. The output is skipped when its
// source or join view failed this cycle; the skip names the offending
// view.
func (c *Coordinator) runOne(ctx context.Context, def *aggregate.Def, failedViews map[string]bool) OutputResult {
	if bad := upstreamFailure(def, failedViews); bad != "" {
		c.logger.Warn("output skipped",
			zap.String("output", def.Name), zap.String("failed_view", bad))
		return OutputResult{
			Name:   def.Name,
			Status: "skipped",
			Reason: fmt.Sprintf("upstream view %s failed", bad),
		}
	}
	res := OutputResult{Name: def.Name, Status: "succeeded"}
	if err := c.engine.Run(ctx, def.Name); err != nil {
		res.Status = "failed"
		res.Error = err.Error()
	}
	return res
}

// runSequential walks config order: every view, then every output.
func (c *Coordinator) runSequential(ctx context.Context, report *CycleReport) {
	views := c.views.All()
	report.Views = make([]ViewResult, len(views))
	failed := make(map[string]bool)
	for i, v := range views {
		report.Views[i] = c.refreshOne(ctx, v)
		if report.Views[i].Status == "failed" {
			failed[v.Name()] = true
		}
	}

	defs := c.engine.Defs()
	report.Outputs = make([]OutputResult, len(defs))
	for i, def := range defs {
		report.Outputs[i] = c.runOne(ctx, def, failed)
	}
}

// runParallel refreshes all views concurrently and starts each output
// as soon as the views it reads from have finished, without waiting on
// unrelated views. Closing a view's done channel publishes its result
// slot to the outputs that read it.
func (c *Coordinator) runParallel(ctx context.Context, report *CycleReport) {
	views := c.views.All()
	viewResults := make([]ViewResult, len(views))
	idx := make(map[string]int, len(views))
	done := make(map[string]chan struct{}, len(views))
	for i, v := range views {
		idx[v.Name()] = i
		done[v.Name()] = make(chan struct{})
	}

	var wg sync.WaitGroup
	for i, v := range views {
		wg.Add(1)
		go func(i int, v *view.View) {
			defer wg.Done()
			viewResults[i] = c.refreshOne(ctx, v)
			close(done[v.Name()])
		}(i, v)
	}

	await := func(name string, failed map[string]bool) {
		ch, ok := done[name]
		if !ok {
			return
		}
		<-ch
		if viewResults[idx[name]].Status == "failed" {
			failed[name] = true
		}
	}

	defs := c.engine.Defs()
	outResults := make([]OutputResult, len(defs))
	for i, def := range defs {
		wg.Add(1)
		go func(i int, def *aggregate.Def) {
			defer wg.Done()
			failed := make(map[string]bool, 2)
			await(def.Source, failed)
			if def.Join != nil {
				await(def.Join.View, failed)
			}
			outResults[i] = c.runOne(ctx, def, failed)
		}(i, def)
	}

	wg.Wait()
	report.Views = viewResults
	report.Outputs = outResults
}

func upstreamFailure(def *aggregate.Def, failed map[string]bool) string {
	if failed[def.Source] {
		return def.Source
	}
	if def.Join != nil && failed[def.Join.View] {
		return def.Join.View
	}
	return ""
}

// RefreshView refreshes one view on demand and recomputes the outputs
// that read from it.
func (c *Coordinator) RefreshView(ctx context.Context, name string) ([]OutputResult, error) {
	v, ok := c.views.Get(name)
	if !ok {
		return nil, fmt.Errorf("coordinator: unknown view %q", name)
	}
	if err := v.Refresh(ctx); err != nil {
		return nil, err
	}
	var results []OutputResult
	for _, def := range c.engine.Defs() {
		if def.Source != name && (def.Join == nil || def.Join.View != name) {
			continue
		}
		res := OutputResult{Name: def.Name, Status: "succeeded"}
		if err := c.engine.Run(ctx, def.Name); err != nil {
			res.Status = "failed"
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// Status reports the scheduling state and the last completed cycle.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Mode:      c.mode,
		Interval:  c.interval.String(),
		Running:   c.running,
		LastCycle: c.last,
	}
}
