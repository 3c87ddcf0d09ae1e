package event

import "time"

// Known entity types. Each has its own raw log stratum and entity view.
const (
	TypeProperty     = "property"
	TypeDemand       = "demand"
	TypeDemandDetail = "demand_detail"
)

// Key identifies one logical entity across its event history.
type Key struct {
	TenantID string `json:"tenant_id"`
	ID       string `json:"id"`
}

func (k Key) String() string { return k.TenantID + "/" + k.ID }

// Event is one full-entity snapshot observed on the change stream.
// Events are immutable once appended; duplicates and out-of-order
// delivery are expected and harmless.
type Event struct {
	ID         string                 `json:"id"`
	EntityType string                 `json:"entity_type"`
	Key        Key                    `json:"key"`
	ObservedAt int64                  `json:"observed_time"` // source lastModifiedTime, epoch millis
	Version    int64                  `json:"version"`       // source monotonic counter, may tie
	ArrivedAt  time.Time              `json:"-"`             // ingestion time; partitioning only, never ordering
	Payload    map[string]interface{} `json:"payload"`
}

// CreatedEquals reports whether the payload's created_time equals the
// observed time, the upstream convention for "this is a brand-new record".
// Informational only; latest-wins resolution does not depend on it.
func (e *Event) CreatedEquals() bool {
	v, ok := e.Payload["created_time"]
	if !ok {
		return false
	}
	f, ok := toInt64(v)
	return ok && f == e.ObservedAt
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
