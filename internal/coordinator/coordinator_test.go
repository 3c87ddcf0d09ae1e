package coordinator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/civicstream/taxmart/internal/aggregate"
	"github.com/civicstream/taxmart/internal/config"
	"github.com/civicstream/taxmart/internal/coordinator"
	"github.com/civicstream/taxmart/internal/event"
	"github.com/civicstream/taxmart/internal/store"
	"github.com/civicstream/taxmart/internal/view"
)

type fakeSource struct {
	events  []*event.Event
	err     error
	release chan struct{}
}

func (f *fakeSource) Scan(ctx context.Context, entityType string, _ store.ScanOptions, fn func(*event.Event) error) error {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.err != nil {
		return f.err
	}
	for _, ev := range f.events {
		if ev.EntityType != entityType {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

type memStore struct{ outputs map[string][][]byte }

func newMemStore() *memStore { return &memStore{outputs: make(map[string][][]byte)} }

func (m *memStore) ReplaceOutput(_ context.Context, name string, rows [][]byte) error {
	m.outputs[name] = rows
	return nil
}

func (m *memStore) ReadOutput(_ context.Context, name string) ([][]byte, error) {
	rows, ok := m.outputs[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return rows, nil
}

func propEvent(id, entityID string) *event.Event {
	return &event.Event{
		ID:         id,
		EntityType: event.TypeProperty,
		Key:        event.Key{TenantID: "pb.amritsar", ID: entityID},
		ObservedAt: 100,
		Version:    1,
		Payload:    map[string]interface{}{"usage_category": "RESIDENTIAL"},
	}
}

func demandEvent(id, entityID, propertyID string) *event.Event {
	return &event.Event{
		ID:         id,
		EntityType: event.TypeDemand,
		Key:        event.Key{TenantID: "pb.amritsar", ID: entityID},
		ObservedAt: 100,
		Version:    1,
		Payload: map[string]interface{}{
			"property_id":       propertyID,
			"tax_amount":        100.0,
			"collection_amount": 25.0,
		},
	}
}

type fixture struct {
	coord   *coordinator.Coordinator
	engine  *aggregate.Engine
	propSrc *fakeSource
	demSrc  *fakeSource
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	propSrc := &fakeSource{events: []*event.Event{propEvent("p1", "PT-001"), propEvent("p2", "PT-002")}}
	demSrc := &fakeSource{events: []*event.Event{demandEvent("d1", "D-001", "PT-001")}}

	properties := view.New("properties", event.TypeProperty, view.StrategyFull, propSrc, zap.NewNop())
	demands := view.New("demands", event.TypeDemand, view.StrategyFull, demSrc, zap.NewNop())
	views := coordinator.NewViewSet(properties, demands)

	defs, err := aggregate.Compile([]config.OutputConf{
		{
			Name:    "property_count_by_tenant",
			Source:  "properties",
			GroupBy: []string{"key.tenant_id"},
			Metrics: []config.MetricConf{{Name: "properties", Kind: "count"}},
		},
		{
			Name:    "demand_totals",
			Source:  "demands",
			GroupBy: []string{"key.tenant_id"},
			Metrics: []config.MetricConf{{Name: "billed", Kind: "sum", Field: "payload.tax_amount"}},
		},
	})
	require.NoError(t, err)

	engine := aggregate.NewEngine(defs, views, newMemStore(), nil, 4, zap.NewNop())
	coord := coordinator.New(views, engine, mode, 0, zap.NewNop())
	return &fixture{coord: coord, engine: engine, propSrc: propSrc, demSrc: demSrc}
}

func TestRunCycle_Sequential(t *testing.T) {
	f := newFixture(t, coordinator.ModeSequential)

	report, err := f.coord.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, report.Succeeded())
	require.NotEmpty(t, report.ID)

	require.Equal(t, []coordinator.ViewResult{
		{Name: "properties", Status: "succeeded"},
		{Name: "demands", Status: "succeeded"},
	}, report.Views)
	require.Len(t, report.Outputs, 2)

	res, ok := f.engine.Result("property_count_by_tenant")
	require.True(t, ok)
	require.Equal(t, int64(2), res.Rows[0]["properties"])
}

func TestRunCycle_DependencyParallel(t *testing.T) {
	f := newFixture(t, coordinator.ModeParallel)

	report, err := f.coord.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, report.Succeeded())

	_, ok := f.engine.Result("property_count_by_tenant")
	require.True(t, ok)
	_, ok = f.engine.Result("demand_totals")
	require.True(t, ok)
}

func TestRunCycle_ParallelOutputWaitsOnlyForItsViews(t *testing.T) {
	f := newFixture(t, coordinator.ModeParallel)
	f.demSrc.release = make(chan struct{})

	type cycle struct {
		report *coordinator.CycleReport
		err    error
	}
	done := make(chan cycle, 1)
	go func() {
		report, err := f.coord.RunCycle(context.Background())
		done <- cycle{report, err}
	}()

	// The property output completes while the demands view is still
	// blocked mid-refresh.
	require.Eventually(t, func() bool {
		_, ok := f.engine.Result("property_count_by_tenant")
		return ok
	}, time.Second, time.Millisecond)
	_, ok := f.engine.Result("demand_totals")
	require.False(t, ok)
	require.True(t, f.coord.Status().Running)

	close(f.demSrc.release)
	c := <-done
	require.NoError(t, c.err)
	require.True(t, c.report.Succeeded())
	_, ok = f.engine.Result("demand_totals")
	require.True(t, ok)
}

func TestRunCycle_BusyViewDoesNotFailCycle(t *testing.T) {
	f := newFixture(t, coordinator.ModeSequential)
	_, err := f.coord.RunCycle(context.Background())
	require.NoError(t, err)

	// A manual refresh holds the properties view for the whole cycle.
	f.propSrc.release = make(chan struct{})
	manual := make(chan error, 1)
	go func() {
		_, err := f.coord.RefreshView(context.Background(), "properties")
		manual <- err
	}()
	require.Eventually(t, func() bool {
		_, err := f.coord.RefreshView(context.Background(), "properties")
		return errors.Is(err, view.ErrAlreadyRunning)
	}, time.Second, time.Millisecond)

	report, err := f.coord.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, report.Succeeded())
	require.Equal(t, "busy", report.Views[0].Status)
	require.Equal(t, "succeeded", report.Views[1].Status)

	// Outputs keep running against the last published snapshot.
	for _, o := range report.Outputs {
		require.Equal(t, "succeeded", o.Status)
	}
	res, ok := f.engine.Result("property_count_by_tenant")
	require.True(t, ok)
	require.Equal(t, int64(2), res.Rows[0]["properties"])

	close(f.propSrc.release)
	require.NoError(t, <-manual)
}

func TestRunCycle_SkipsOutputsOfFailedView(t *testing.T) {
	f := newFixture(t, coordinator.ModeSequential)
	f.propSrc.err = errors.New("scan failed")

	report, err := f.coord.RunCycle(context.Background())
	require.NoError(t, err)
	require.False(t, report.Succeeded())

	require.Equal(t, "failed", report.Views[0].Status)
	require.Equal(t, "succeeded", report.Views[1].Status)

	byName := make(map[string]coordinator.OutputResult)
	for _, o := range report.Outputs {
		byName[o.Name] = o
	}
	require.Equal(t, "skipped", byName["property_count_by_tenant"].Status)
	require.Contains(t, byName["property_count_by_tenant"].Reason, "properties")
	require.Equal(t, "succeeded", byName["demand_totals"].Status)

	// The healthy branch still produced its result.
	_, ok := f.engine.Result("demand_totals")
	require.True(t, ok)
	_, ok = f.engine.Result("property_count_by_tenant")
	require.False(t, ok)
}

func TestRunCycle_ConcurrentCycleRejected(t *testing.T) {
	f := newFixture(t, coordinator.ModeSequential)
	f.propSrc.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.RunCycle(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool {
		return f.coord.Status().Running
	}, time.Second, time.Millisecond)

	_, err := f.coord.RunCycle(context.Background())
	require.ErrorIs(t, err, coordinator.ErrCycleRunning)

	close(f.propSrc.release)
	require.NoError(t, <-done)
	require.NotNil(t, f.coord.Status().LastCycle)
}

func TestRefreshView_RecomputesDependentOutputsOnly(t *testing.T) {
	f := newFixture(t, coordinator.ModeSequential)

	results, err := f.coord.RefreshView(context.Background(), "properties")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "property_count_by_tenant", results[0].Name)
	require.Equal(t, "succeeded", results[0].Status)

	_, ok := f.engine.Result("demand_totals")
	require.False(t, ok)

	_, err = f.coord.RefreshView(context.Background(), "nope")
	require.ErrorContains(t, err, "unknown view")
}
