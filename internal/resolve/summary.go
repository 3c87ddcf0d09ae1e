package resolve

import "github.com/civicstream/taxmart/internal/event"

// Summary is the compact per-key running state used by streaming view
// maintenance: the winning event's payload and ordering coordinates, plus
// a count of contributions. Its size is independent of how many events the
// key has seen, which is what bounds streaming views to O(distinct keys).
type Summary struct {
	Key        event.Key
	EntityType string
	Payload    map[string]interface{}
	ObservedAt int64
	Version    int64
	EventID    string
	Events     int64 // events folded into this summary
	Ties       int64 // merges decided purely by the event-ID tie-break
}

// FromEvent builds a single-event summary.
func FromEvent(ev *event.Event) Summary {
	return Summary{
		Key:        ev.Key,
		EntityType: ev.EntityType,
		Payload:    ev.Payload,
		ObservedAt: ev.ObservedAt,
		Version:    ev.Version,
		EventID:    ev.ID,
		Events:     1,
	}
}

// Merge combines two summaries for the same key. The operation is
// associative and commutative: partial summaries built independently over
// any partition of the key's events combine, in any order, to the same
// result as folding the events one at a time. The winning side is the one
// whose (observed_time, version, event ID) triple is greater.
func Merge(a, b Summary) Summary {
	winner := a
	if summaryLess(a, b) {
		winner = b
	}
	winner.Events = a.Events + b.Events
	winner.Ties = a.Ties + b.Ties
	if a.ObservedAt == b.ObservedAt && a.Version == b.Version && a.EventID != b.EventID {
		winner.Ties++
	}
	return winner
}

// Apply folds one more event into a summary.
func (s Summary) Apply(ev *event.Event) Summary {
	return Merge(s, FromEvent(ev))
}

func summaryLess(a, b Summary) bool {
	if a.ObservedAt != b.ObservedAt {
		return a.ObservedAt < b.ObservedAt
	}
	if a.Version != b.Version {
		return a.Version < b.Version
	}
	return a.EventID < b.EventID
}
