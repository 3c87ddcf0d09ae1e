// Package aggregate computes grouped metric outputs over resolved view
// snapshots. Each output definition names a source view, optional join
// and filter, group-by columns, and metric columns; computing an output
// is a pure function of the view snapshots it reads, so recomputing on
// an unchanged snapshot yields byte-identical rows.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/civicstream/taxmart/internal/aggregate/filter"
	"github.com/civicstream/taxmart/internal/metrics"
	"github.com/civicstream/taxmart/internal/view"
)

// OutputRow is one computed result row: group-by columns plus metric
// columns, keyed by column name.
type OutputRow map[string]interface{}

// SnapshotSource supplies the published snapshot for a view by name.
type SnapshotSource interface {
	Snapshot(name string) *view.Snapshot
}

// OutputStore persists computed outputs across restarts.
type OutputStore interface {
	ReplaceOutput(ctx context.Context, name string, rows [][]byte) error
	ReadOutput(ctx context.Context, name string) ([][]byte, error)
}

// Publisher pushes a computed output to an external sink. Implementations
// receive the full row set as one JSON document.
type Publisher interface {
	Publish(ctx context.Context, name string, payload []byte) error
}

// Result is the in-memory copy of the latest successful computation of
// one output.
type Result struct {
	Output            string      `json:"output"`
	Rows              []OutputRow `json:"rows"`
	ComputedAt        time.Time   `json:"computed_at"`
	SourceRefreshedAt time.Time   `json:"source_refreshed_at"`
	SkippedRows       int64       `json:"skipped_rows"`
}

// OutputStatus reports one output's computation state.
type OutputStatus struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Rows        int       `json:"rows"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Engine holds the compiled output definitions and the latest results.
// Definitions can be swapped at run time on config reload; results are
// isolated per output, so one failing output never clobbers another's
// last good result.
type Engine struct {
	snaps        SnapshotSource
	store        OutputStore
	sink         Publisher // nil when no sink is configured
	fyStartMonth int
	logger       *zap.Logger

	mu      sync.Mutex
	defs    map[string]*Def
	order   []string
	results map[string]*Result
	states  map[string]*outputState
}

type outputState struct {
	state       string
	lastSuccess time.Time
	lastError   string
}

func NewEngine(defs []*Def, snaps SnapshotSource, st OutputStore, sink Publisher, fyStartMonth int, logger *zap.Logger) *Engine {
	e := &Engine{
		snaps:        snaps,
		store:        st,
		sink:         sink,
		fyStartMonth: fyStartMonth,
		logger:       logger,
		results:      make(map[string]*Result),
		states:       make(map[string]*outputState),
	}
	e.SwapDefs(defs)
	return e
}

// SwapDefs replaces the output definitions. Results for outputs that no
// longer exist are dropped; surviving outputs keep their last result
// until their next run.
func (e *Engine) SwapDefs(defs []*Def) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.defs = make(map[string]*Def, len(defs))
	e.order = e.order[:0]
	for _, d := range defs {
		e.defs[d.Name] = d
		e.order = append(e.order, d.Name)
	}
	for name := range e.results {
		if _, ok := e.defs[name]; !ok {
			delete(e.results, name)
			delete(e.states, name)
		}
	}
}

// Defs returns the definitions in config order.
func (e *Engine) Defs() []*Def {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Def, 0, len(e.order))
	for _, name := range e.order {
		out = append(out, e.defs[name])
	}
	return out
}

// Run computes one output, persists it, and publishes it to the sink.
func (e *Engine) Run(ctx context.Context, name string) error {
	e.mu.Lock()
	def, ok := e.defs[name]
	if ok {
		e.stateLocked(name).state = "running"
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("aggregate: unknown output %q", name)
	}

	res, err := e.Compute(def)
	if err == nil {
		err = e.persist(ctx, name, res.Rows)
	}

	e.mu.Lock()
	st := e.stateLocked(name)
	if err != nil {
		st.state = "failed"
		st.lastError = err.Error()
		e.mu.Unlock()
		metrics.AggregateRuns.WithLabelValues(name, "failed").Inc()
		e.logger.Error("output computation failed", zap.String("output", name), zap.Error(err))
		return err
	}
	st.state = "succeeded"
	st.lastSuccess = res.ComputedAt
	st.lastError = ""
	e.results[name] = res
	e.mu.Unlock()

	metrics.AggregateRuns.WithLabelValues(name, "succeeded").Inc()
	metrics.OutputRows.WithLabelValues(name).Set(float64(len(res.Rows)))
	e.logger.Info("output computed",
		zap.String("output", name),
		zap.Int("rows", len(res.Rows)),
		zap.Int64("skipped_rows", res.SkippedRows))
	return nil
}

func (e *Engine) persist(ctx context.Context, name string, rows []OutputRow) error {
	encoded := make([][]byte, len(rows))
	for i, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode row %d: %w", i, err)
		}
		encoded[i] = b
	}
	if err := e.store.ReplaceOutput(ctx, name, encoded); err != nil {
		return fmt.Errorf("persist output: %w", err)
	}
	if e.sink != nil {
		doc, err := json.Marshal(rows)
		if err != nil {
			return fmt.Errorf("encode output document: %w", err)
		}
		if err := e.sink.Publish(ctx, name, doc); err != nil {
			// The store copy is authoritative; a sink outage only
			// leaves the cached copy stale.
			e.logger.Warn("sink publish failed", zap.String("output", name), zap.Error(err))
		}
	}
	return nil
}

// Result returns the latest in-memory result for an output.
func (e *Engine) Result(name string) (*Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.results[name]
	return res, ok
}

// Rows returns the latest rows for an output, falling back to the
// persisted copy when nothing has been computed since startup.
func (e *Engine) Rows(ctx context.Context, name string) ([]OutputRow, error) {
	e.mu.Lock()
	_, known := e.defs[name]
	res, ok := e.results[name]
	e.mu.Unlock()
	if !known {
		return nil, fmt.Errorf("aggregate: unknown output %q", name)
	}
	if ok {
		return res.Rows, nil
	}
	encoded, err := e.store.ReadOutput(ctx, name)
	if err != nil {
		return nil, err
	}
	rows := make([]OutputRow, len(encoded))
	for i, b := range encoded {
		if err := json.Unmarshal(b, &rows[i]); err != nil {
			return nil, fmt.Errorf("decode persisted row %d: %w", i, err)
		}
	}
	return rows, nil
}

// Status reports every output's state in config order.
func (e *Engine) Status() []OutputStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]OutputStatus, 0, len(e.order))
	for _, name := range e.order {
		st := e.stateLocked(name)
		s := OutputStatus{Name: name, State: st.state, LastSuccess: st.lastSuccess, LastError: st.lastError}
		if res, ok := e.results[name]; ok {
			s.Rows = len(res.Rows)
		}
		out = append(out, s)
	}
	return out
}

func (e *Engine) stateLocked(name string) *outputState {
	st, ok := e.states[name]
	if !ok {
		st = &outputState{state: "idle"}
		e.states[name] = st
	}
	return st
}

// Compute evaluates one output definition against the current view
// snapshots. Rows that fail expression evaluation (bad payload types,
// unparseable timestamps) are skipped and counted rather than failing
// the output.
func (e *Engine) Compute(def *Def) (*Result, error) {
	// A view that has not published a snapshot yet counts as empty:
	// the output computes to zero rows instead of failing. Unknown
	// view names are rejected at configuration time.
	src := e.snaps.Snapshot(def.Source)
	if src == nil {
		src = &view.Snapshot{View: def.Source}
	}

	var joinIdx map[string]*view.Row
	if def.Join != nil {
		if js := e.snaps.Snapshot(def.Join.View); js != nil {
			joinIdx = buildJoinIndex(js, def.Join.Foreign)
		}
	}

	groups := make(map[string]*group)
	var order []string
	var skipped int64

	for _, row := range sortedRows(src) {
		scope := &rowScope{row: row}

		if def.Join != nil {
			local, ok := scope.Resolve(def.Join.Local)
			if !ok {
				skipped++
				continue
			}
			joined, ok := joinIdx[fmt.Sprintf("%v", local)]
			if !ok {
				continue // inner join: unmatched rows drop out
			}
			scope.joined = joined
		}

		if def.FiscalYearFrom != nil {
			v, ok := scope.Resolve(def.FiscalYearFrom)
			millis, numeric := toMillis(v)
			if !ok || !numeric {
				skipped++
				e.logger.Warn("row has no usable fiscal-year timestamp",
					zap.String("output", def.Name),
					zap.String("tenant", row.Key.TenantID),
					zap.String("entity", row.Key.ID))
				continue
			}
			scope.fy = FYLabel(millis, e.fyStartMonth)
			scope.hasFY = true
		}

		if def.Filter != nil {
			keep, err := filter.Evaluate(def.Filter, scope)
			if err != nil {
				skipped++
				e.logger.Warn("row filter evaluation failed",
					zap.String("output", def.Name),
					zap.String("tenant", row.Key.TenantID),
					zap.String("entity", row.Key.ID),
					zap.Error(err))
				continue
			}
			if !keep {
				continue
			}
		}

		key, cols := groupKey(def, scope)
		g, ok := groups[key]
		if !ok {
			g = newGroup(cols)
			groups[key] = g
			order = append(order, key)
		}
		g.accumulate(def, scope)
	}

	sort.Strings(order)
	rows := make([]OutputRow, 0, len(groups))
	for _, key := range order {
		row, keep, err := e.finishGroup(def, groups[key])
		if err != nil {
			skipped++
			e.logger.Warn("group evaluation failed", zap.String("output", def.Name), zap.Error(err))
			continue
		}
		if keep {
			rows = append(rows, row)
		}
	}

	return &Result{
		Output:            def.Name,
		Rows:              rows,
		ComputedAt:        time.Now().UTC(),
		SourceRefreshedAt: src.RefreshedAt,
		SkippedRows:       skipped,
	}, nil
}

// finishGroup turns an accumulator into an output row: metric columns
// in definition order, then derived formulas, then the having filter.
func (e *Engine) finishGroup(def *Def, g *group) (OutputRow, bool, error) {
	row := make(OutputRow, len(g.cols)+len(def.Metrics))
	for k, v := range g.cols {
		row[k] = v
	}
	for _, m := range def.Metrics {
		switch m.Kind {
		case "count":
			row[m.Name] = g.count
		case "sum":
			row[m.Name] = round2(g.sums[m.Name])
		case "unique_count":
			row[m.Name] = int64(len(g.uniques[m.Name]))
		case "derived":
			v, err := filter.EvalNumber(m.Formula, mapScope(row))
			if err != nil {
				// Typically a zero denominator; leave the column out
				// rather than inventing a value.
				e.logger.Debug("derived metric not computable",
					zap.String("output", def.Name), zap.String("metric", m.Name), zap.Error(err))
				continue
			}
			row[m.Name] = round2(v)
		}
	}
	if def.Having != nil {
		keep, err := filter.Evaluate(def.Having, mapScope(row))
		if err != nil {
			return nil, false, fmt.Errorf("having: %w", err)
		}
		if !keep {
			return nil, false, nil
		}
	}
	return row, true, nil
}

type group struct {
	cols    OutputRow
	count   int64
	sums    map[string]float64
	uniques map[string]map[string]struct{}
}

func newGroup(cols OutputRow) *group {
	return &group{
		cols:    cols,
		sums:    make(map[string]float64),
		uniques: make(map[string]map[string]struct{}),
	}
}

func (g *group) accumulate(def *Def, scope *rowScope) {
	g.count++
	for _, m := range def.Metrics {
		switch m.Kind {
		case "sum":
			if v, ok := scope.Resolve(m.Field); ok {
				if f, numeric := toFloat(v); numeric {
					g.sums[m.Name] += f
				}
			}
		case "unique_count":
			if v, ok := scope.Resolve(m.Field); ok {
				set, exists := g.uniques[m.Name]
				if !exists {
					set = make(map[string]struct{})
					g.uniques[m.Name] = set
				}
				set[fmt.Sprintf("%v", v)] = struct{}{}
			}
		}
	}
}

// groupKey builds an injective key for a row's group and the group-by
// column values that will appear on the output row.
func groupKey(def *Def, scope *rowScope) (string, OutputRow) {
	cols := make(OutputRow, len(def.GroupBy))
	parts := make([]string, 0, len(def.GroupBy))
	for _, gc := range def.GroupBy {
		v, ok := scope.Resolve(gc.Path)
		if !ok {
			v = nil
		}
		cols[gc.Column] = v
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	// 0x1f never appears in tenant codes or category names.
	key := ""
	for i, p := range parts {
		if i > 0 {
			key += "\x1f"
		}
		key += p
	}
	return key, cols
}

func buildJoinIndex(snap *view.Snapshot, foreign []string) map[string]*view.Row {
	idx := make(map[string]*view.Row, len(snap.Rows))
	for _, row := range sortedRows(snap) {
		scope := &rowScope{row: row}
		v, ok := scope.Resolve(foreign)
		if !ok {
			continue
		}
		k := fmt.Sprintf("%v", v)
		if _, exists := idx[k]; !exists { // first in key order wins
			idx[k] = row
		}
	}
	return idx
}

// sortedRows returns snapshot rows ordered by (tenant, id) so every
// computation over the same snapshot walks rows identically.
func sortedRows(snap *view.Snapshot) []*view.Row {
	rows := make([]*view.Row, 0, len(snap.Rows))
	for _, r := range snap.Rows {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Key.TenantID != rows[j].Key.TenantID {
			return rows[i].Key.TenantID < rows[j].Key.TenantID
		}
		return rows[i].Key.ID < rows[j].Key.ID
	})
	return rows
}

// rowScope resolves field paths against one source row:
//
//	payload.<...>   nested payload fields
//	key.tenant_id   entity key parts
//	resolved.*      winning-event metadata
//	join.<...>      the joined row, same sub-paths
//	fiscal_year     synthetic label when fiscal_year_from is set
//
// A bare path with no recognized prefix reads the payload directly.
type rowScope struct {
	row    *view.Row
	joined *view.Row
	fy     string
	hasFY  bool
}

func (s *rowScope) Resolve(path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	switch path[0] {
	case "payload":
		return dig(s.row.Payload, path[1:])
	case "key":
		if len(path) != 2 {
			return nil, false
		}
		switch path[1] {
		case "tenant_id":
			return s.row.Key.TenantID, true
		case "id":
			return s.row.Key.ID, true
		}
		return nil, false
	case "resolved":
		if len(path) != 2 {
			return nil, false
		}
		switch path[1] {
		case "time":
			return s.row.ResolvedTime, true
		case "version":
			return s.row.ResolvedVersion, true
		case "event_id":
			return s.row.EventID, true
		}
		return nil, false
	case "fiscal_year":
		if !s.hasFY {
			return nil, false
		}
		return s.fy, true
	case "join":
		if s.joined == nil {
			return nil, false
		}
		sub := &rowScope{row: s.joined}
		return sub.Resolve(path[1:])
	default:
		return dig(s.row.Payload, path)
	}
}

// mapScope resolves bare names against an output row, for derived
// formulas and having predicates.
type mapScope map[string]interface{}

func (m mapScope) Resolve(path []string) (interface{}, bool) {
	if len(path) != 1 {
		return nil, false
	}
	v, ok := m[path[0]]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func dig(m map[string]interface{}, path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	var cur interface{} = m
	for _, seg := range path {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = node[seg]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toMillis(v interface{}) (int64, bool) {
	f, ok := toFloat(v)
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
