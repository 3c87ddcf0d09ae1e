package sink

import (
	"context"
	"time"
)

// Publisher writes output documents under a key prefix with a TTL, so
// a stopped pipeline ages out of the cache instead of serving stale
// numbers forever.
type Publisher struct {
	kv     KVStore
	prefix string
	ttl    time.Duration
}

func NewPublisher(kv KVStore, prefix string, ttl time.Duration) *Publisher {
	return &Publisher{kv: kv, prefix: prefix, ttl: ttl}
}

// Publish stores one output's full row set as a single JSON document.
func (p *Publisher) Publish(ctx context.Context, name string, payload []byte) error {
	return p.kv.Set(ctx, p.prefix+name, string(payload), p.ttl)
}

// Fetch returns the cached document for an output, or ErrCacheMiss.
func (p *Publisher) Fetch(ctx context.Context, name string) ([]byte, error) {
	val, err := p.kv.Get(ctx, p.prefix+name)
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}
