package view_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/civicstream/taxmart/internal/event"
	"github.com/civicstream/taxmart/internal/store"
	"github.com/civicstream/taxmart/internal/view"
)

// fakeSource feeds a fixed event slice to Scan, optionally failing or
// blocking to exercise refresh error and contention paths.
type fakeSource struct {
	events  []*event.Event
	err     error
	release chan struct{} // when set, Scan blocks until closed
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

func propEvent(id, entityID string, observed, version int64, usage string) *event.Event {
	return &event.Event{
		ID:         id,
		EntityType: event.TypeProperty,
		Key:        event.Key{TenantID: "pb.amritsar", ID: entityID},
		ObservedAt: observed,
		Version:    version,
		Payload:    map[string]interface{}{"usage_category": usage},
	}
}

func TestRefresh_ResolvesLatestVersionPerKey(t *testing.T) {
	src := &fakeSource{events: []*event.Event{
		propEvent("e1", "PT-001", 100, 1, "RESIDENTIAL"),
		propEvent("e2", "PT-001", 300, 2, "COMMERCIAL"),
		propEvent("e3", "PT-001", 200, 1, "MIXED"),
		propEvent("e4", "PT-002", 150, 1, "RESIDENTIAL"),
	}}
	v := view.New("properties", event.TypeProperty, view.StrategyFull, src, zap.NewNop())

	require.Nil(t, v.Snapshot())
	require.NoError(t, v.Refresh(context.Background()))

	snap := v.Snapshot()
	require.Len(t, snap.Rows, 2)
	require.Equal(t, int64(4), snap.SourceEvents)

	row := snap.Rows[event.Key{TenantID: "pb.amritsar", ID: "PT-001"}]
	require.Equal(t, "COMMERCIAL", row.Payload["usage_category"])
	require.Equal(t, "e2", row.EventID)
	require.Equal(t, int64(300), row.ResolvedTime)
}

func TestRefresh_IdempotentWithoutNewEvents(t *testing.T) {
	src := &fakeSource{events: []*event.Event{
		propEvent("e1", "PT-001", 100, 1, "RESIDENTIAL"),
		propEvent("e2", "PT-002", 200, 1, "COMMERCIAL"),
	}}
	v := view.New("properties", event.TypeProperty, view.StrategyFull, src, zap.NewNop())

	require.NoError(t, v.Refresh(context.Background()))
	first := v.Snapshot()
	require.NoError(t, v.Refresh(context.Background()))
	second := v.Snapshot()

	require.NotSame(t, first, second)
	require.Equal(t, len(first.Rows), len(second.Rows))
	for key, row := range first.Rows {
		require.Equal(t, row, second.Rows[key])
	}
}

func TestRefresh_FailureKeepsOldSnapshot(t *testing.T) {
	src := &fakeSource{events: []*event.Event{
		propEvent("e1", "PT-001", 100, 1, "RESIDENTIAL"),
	}}
	v := view.New("properties", event.TypeProperty, view.StrategyFull, src, zap.NewNop())
	require.NoError(t, v.Refresh(context.Background()))
	good := v.Snapshot()

	src.err = errors.New("disk gone")
	err := v.Refresh(context.Background())
	require.Error(t, err)
	require.Same(t, good, v.Snapshot())

	st := v.Status()
	require.Equal(t, view.StateFailed, st.State)
	require.Contains(t, st.LastError, "disk gone")

	// Recovery clears the recorded error.
	src.err = nil
	require.NoError(t, v.Refresh(context.Background()))
	require.Equal(t, view.StateSucceeded, v.Status().State)
	require.Empty(t, v.Status().LastError)
}

func TestRefresh_ConcurrentCallRejected(t *testing.T) {
	src := &fakeSource{
		events:  []*event.Event{propEvent("e1", "PT-001", 100, 1, "RESIDENTIAL")},
		release: make(chan struct{}),
	}
	v := view.New("properties", event.TypeProperty, view.StrategyFull, src, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- v.Refresh(context.Background()) }()

	// Wait for the first refresh to take the running slot.
	require.Eventually(t, func() bool {
		return v.Status().State == view.StateRunning
	}, time.Second, time.Millisecond)

	require.ErrorIs(t, v.Refresh(context.Background()), view.ErrAlreadyRunning)

	close(src.release)
	require.NoError(t, <-done)
	require.Len(t, v.Snapshot().Rows, 1)
}

func TestRefresh_SnapshotVisibleOnceSucceeded(t *testing.T) {
	src := &fakeSource{
		events:  []*event.Event{propEvent("e1", "PT-001", 100, 1, "RESIDENTIAL")},
		release: make(chan struct{}),
	}
	v := view.New("properties", event.TypeProperty, view.StrategyFull, src, zap.NewNop())

	// A reader that polls status must find the snapshot already
	// published the moment it observes the succeeded state.
	got := make(chan *view.Snapshot, 1)
	go func() {
		for v.Status().State != view.StateSucceeded {
			time.Sleep(time.Millisecond)
		}
		got <- v.Snapshot()
	}()

	done := make(chan error, 1)
	go func() { done <- v.Refresh(context.Background()) }()
	close(src.release)
	require.NoError(t, <-done)

	snap := <-got
	require.NotNil(t, snap)
	require.Len(t, snap.Rows, 1)
}

func TestRefresh_SkipsKeysWithEmptyPayload(t *testing.T) {
	bad := propEvent("e2", "PT-002", 100, 1, "")
	bad.Payload = nil
	src := &fakeSource{events: []*event.Event{
		propEvent("e1", "PT-001", 100, 1, "RESIDENTIAL"),
		bad,
	}}
	v := view.New("properties", event.TypeProperty, view.StrategyFull, src, zap.NewNop())

	require.NoError(t, v.Refresh(context.Background()))
	snap := v.Snapshot()
	require.Len(t, snap.Rows, 1)
	require.Equal(t, int64(1), snap.SkippedKeys)
}

func TestStreaming_MatchesFullRecompute(t *testing.T) {
	events := []*event.Event{
		propEvent("e1", "PT-001", 100, 1, "RESIDENTIAL"),
		propEvent("e2", "PT-001", 300, 2, "COMMERCIAL"),
		propEvent("e3", "PT-002", 200, 1, "MIXED"),
		propEvent("e4", "PT-003", 50, 1, "RESIDENTIAL"),
		propEvent("e5", "PT-003", 50, 1, "INDUSTRIAL"), // full tie with e4
	}
	src := &fakeSource{events: events}

	full := view.New("properties", event.TypeProperty, view.StrategyFull, src, zap.NewNop())
	require.NoError(t, full.Refresh(context.Background()))

	streaming := view.New("properties", event.TypeProperty, view.StrategyStreaming, src, zap.NewNop())
	for _, ev := range events {
		streaming.Apply(ev)
	}
	require.NoError(t, streaming.Refresh(context.Background()))

	fs, ss := full.Snapshot(), streaming.Snapshot()
	require.Equal(t, len(fs.Rows), len(ss.Rows))
	for key, row := range fs.Rows {
		require.Equal(t, row.EventID, ss.Rows[key].EventID, "key %v", key)
		require.Equal(t, row.Payload, ss.Rows[key].Payload)
	}
}

func TestStreaming_ApplyIgnoresOtherEntityTypes(t *testing.T) {
	v := view.New("properties", event.TypeProperty, view.StrategyStreaming, &fakeSource{}, zap.NewNop())
	demand := propEvent("d1", "D-001", 100, 1, "")
	demand.EntityType = event.TypeDemand
	v.Apply(demand)

	require.NoError(t, v.Refresh(context.Background()))
	require.Empty(t, v.Snapshot().Rows)
}

func TestStreaming_WarmReplaysStore(t *testing.T) {
	src := &fakeSource{events: []*event.Event{
		propEvent("e1", "PT-001", 100, 1, "RESIDENTIAL"),
		propEvent("e2", "PT-001", 200, 2, "COMMERCIAL"),
	}}
	v := view.New("properties", event.TypeProperty, view.StrategyStreaming, src, zap.NewNop())

	require.NoError(t, v.Warm(context.Background()))
	// A live event arriving after warm-up folds into the same state.
	v.Apply(propEvent("e3", "PT-001", 400, 3, "MIXED"))

	require.NoError(t, v.Refresh(context.Background()))
	snap := v.Snapshot()
	require.Len(t, snap.Rows, 1)
	row := snap.Rows[event.Key{TenantID: "pb.amritsar", ID: "PT-001"}]
	require.Equal(t, "MIXED", row.Payload["usage_category"])
	require.Equal(t, int64(3), snap.SourceEvents)
}
