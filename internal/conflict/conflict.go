// Package conflict finds overlapping timed events in a merged timeline.
package conflict

import (
	"slices"

	"github.com/macjediwizard/upnext/internal/model"
)

// Pair is two overlapping events. First starts no later than Second.
type Pair struct {
	First  model.Event
	Second model.Event
}

// Overlaps reports whether a and b intersect as half-open intervals.
// Events that only share a boundary do not overlap.
func Overlaps(a, b model.Event) bool {
	return a.Start.Before(b.End) && b.Start.Before(a.End)
}

// Find returns every overlapping pair among the non-all-day events.
// It sweeps over events sorted by start, keeping the set of events that have
// not ended yet, so only candidates that can still overlap are compared.
func Find(events []model.Event) []Pair {
	timed := make([]model.Event, 0, len(events))
	for _, e := range events {
		if !e.AllDay {
			timed = append(timed, e)
		}
	}
	slices.SortStableFunc(timed, func(a, b model.Event) int {
		return a.Start.Compare(b.Start)
	})

	var pairs []Pair
	active := make([]model.Event, 0)
	for _, e := range timed {
		kept := active[:0]
		for _, a := range active {
			if a.End.After(e.Start) {
				kept = append(kept, a)
			}
		}
		active = kept

		for _, a := range active {
			if Overlaps(a, e) {
				pairs = append(pairs, Pair{First: a, Second: e})
			}
		}
		active = append(active, e)
	}
	return pairs
}

// Set holds the keys of events involved in at least one conflict.
type Set map[string]struct{}

// IDs returns the set of events that appear in any conflict pair.
func IDs(events []model.Event) Set {
	set := make(Set)
	for _, p := range Find(events) {
		set[p.First.Key()] = struct{}{}
		set[p.Second.Key()] = struct{}{}
	}
	return set
}

// Contains reports whether e conflicts with another event.
func (s Set) Contains(e model.Event) bool {
	_, ok := s[e.Key()]
	return ok
}
