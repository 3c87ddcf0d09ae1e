// Package resolve implements latest-wins version resolution: out of all
// events ever seen for one entity key, the one with the greatest
// (observed_time, version) pair defines current truth. Everything here is
// pure; the same inputs always produce the same winner regardless of the
// order they are presented in.
package resolve

import "github.com/civicstream/taxmart/internal/event"

// Compare orders two events by (observed_time, version, event ID),
// lexicographically. The event ID is the final tie-break: it is assigned
// at ingestion and stored, so the ordering is total and stable across
// rescans, independent of scan order. Returns -1, 0, or +1.
func Compare(a, b *event.Event) int {
	if a.ObservedAt != b.ObservedAt {
		if a.ObservedAt < b.ObservedAt {
			return -1
		}
		return 1
	}
	if a.Version != b.Version {
		if a.Version < b.Version {
			return -1
		}
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

// Winner returns the event that defines current truth for the key.
// All events must share one entity key; an empty input is a caller bug
// and panics per the contract.
func Winner(events []*event.Event) *event.Event {
	if len(events) == 0 {
		panic("resolve: Winner called with no events")
	}
	w := events[0]
	for _, ev := range events[1:] {
		if Compare(ev, w) > 0 {
			w = ev
		}
	}
	return w
}
