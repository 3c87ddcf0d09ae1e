package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/civicstream/taxmart/internal/config"
	"github.com/civicstream/taxmart/internal/engine"
	"github.com/civicstream/taxmart/internal/event"
)

type fakeAppender struct {
	mu      sync.Mutex
	events  []*event.Event
	err     error
	release chan struct{} // when set, Append blocks until closed
}

func (f *fakeAppender) Append(ctx context.Context, ev *event.Event) error {
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
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeAppender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type recordingApplier struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recordingApplier) Apply(ev *event.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func conf(workers, depth int) config.EngineConf {
	return config.EngineConf{IngestWorkers: workers, QueueDepth: depth, IngestTimeoutMs: 1000}
}

func newEvent(payload map[string]interface{}) *event.Event {
	return &event.Event{
		EntityType: event.TypeProperty,
		Key:        event.Key{TenantID: "pb.amritsar", ID: "PT-001"},
		ObservedAt: 1000,
		Version:    1,
		Payload:    payload,
	}
}

func TestProcessSync_AssignsIdentityAndPersists(t *testing.T) {
	st := &fakeAppender{}
	applier := &recordingApplier{}
	e := engine.New(context.Background(), st, []engine.Applier{applier}, conf(2, 10), zap.NewNop())
	defer e.Shutdown()

	res, err := e.ProcessSync(context.Background(), newEvent(map[string]interface{}{"created_time": float64(1000)}))
	require.NoError(t, err)
	require.Empty(t, res.Error)
	require.NotEmpty(t, res.EventID)
	require.Equal(t, "insert", res.Kind)

	require.Equal(t, 1, st.count())
	require.Len(t, applier.events, 1)
	require.Equal(t, res.EventID, applier.events[0].ID)
	require.False(t, applier.events[0].ArrivedAt.IsZero())
}

func TestProcessSync_ClassifiesUpdates(t *testing.T) {
	e := engine.New(context.Background(), &fakeAppender{}, nil, conf(1, 10), zap.NewNop())
	defer e.Shutdown()

	res, err := e.ProcessSync(context.Background(), newEvent(map[string]interface{}{"created_time": float64(1)}))
	require.NoError(t, err)
	require.Equal(t, "update", res.Kind)
}

func TestProcessSync_AppendFailureReported(t *testing.T) {
	st := &fakeAppender{err: errors.New("db gone")}
	applier := &recordingApplier{}
	e := engine.New(context.Background(), st, []engine.Applier{applier}, conf(1, 10), zap.NewNop())
	defer e.Shutdown()

	res, err := e.ProcessSync(context.Background(), newEvent(nil))
	require.NoError(t, err)
	require.Contains(t, res.Error, "db gone")
	// Views never see an event that did not land in the log.
	require.Empty(t, applier.events)
}

func TestProcessAsync_QueueFull(t *testing.T) {
	st := &fakeAppender{release: make(chan struct{})}
	e := engine.New(context.Background(), st, nil, conf(1, 1), zap.NewNop())

	// First event occupies the single worker; wait until the worker has
	// pulled it off the queue, then the second fills the queue and the
	// third is rejected.
	require.True(t, e.ProcessAsync(newEvent(nil)))
	require.Eventually(t, func() bool {
		return e.QueueUtilization() == 0
	}, time.Second, time.Millisecond)
	require.True(t, e.ProcessAsync(newEvent(nil)))
	require.False(t, e.ProcessAsync(newEvent(nil)))

	close(st.release)
	e.Shutdown()
	require.Equal(t, 2, st.count())
}
