package sink_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/civicstream/taxmart/internal/sink"
)

// fakeKV is an in-memory KVStore with TTL support.
type fakeKV struct {
	mu   sync.Mutex
	data map[string]fakeItem
}

type fakeItem struct {
	value   string
	expires time.Time // zero = no ttl
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]fakeItem)}
}

func (f *fakeKV) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.data[key]
	if !ok {
		return "", sink.ErrCacheMiss
	}
	if !item.expires.IsZero() && time.Now().After(item.expires) {
		delete(f.data, key)
		return "", sink.ErrCacheMiss
	}
	return item.value, nil
}

func (f *fakeKV) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	f.data[key] = fakeItem{value: value, expires: exp}
	return nil
}

func TestPublishAndFetch(t *testing.T) {
	kv := newFakeKV()
	p := sink.NewPublisher(kv, "taxmart:output:", time.Minute)

	doc := []byte(`[{"tenant_id":"pb.amritsar","properties":3}]`)
	require.NoError(t, p.Publish(context.Background(), "property_count_by_tenant", doc))

	got, err := p.Fetch(context.Background(), "property_count_by_tenant")
	require.NoError(t, err)
	require.Equal(t, doc, got)

	// Publishing again overwrites the previous document.
	doc2 := []byte(`[]`)
	require.NoError(t, p.Publish(context.Background(), "property_count_by_tenant", doc2))
	got, err = p.Fetch(context.Background(), "property_count_by_tenant")
	require.NoError(t, err)
	require.Equal(t, doc2, got)
}

func TestFetch_Miss(t *testing.T) {
	p := sink.NewPublisher(newFakeKV(), "taxmart:output:", time.Minute)
	_, err := p.Fetch(context.Background(), "never_published")
	require.ErrorIs(t, err, sink.ErrCacheMiss)
}

func TestPublish_ExpiredEntryMisses(t *testing.T) {
	kv := newFakeKV()
	p := sink.NewPublisher(kv, "taxmart:output:", time.Millisecond)

	require.NoError(t, p.Publish(context.Background(), "defaulters", []byte(`[]`)))
	time.Sleep(5 * time.Millisecond)
	_, err := p.Fetch(context.Background(), "defaulters")
	require.ErrorIs(t, err, sink.ErrCacheMiss)
}
