package conflict

import (
	"math/rand"
	"testing"
	"time"

	"github.com/macjediwizard/upnext/internal/model"
)

var base = time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

func ev(id string, startMin, endMin int) model.Event {
	return model.Event{
		ID:         id,
		CalendarID: "cal",
		Source:     model.ProviderGoogle,
		Start:      base.Add(time.Duration(startMin) * time.Minute),
		End:        base.Add(time.Duration(endMin) * time.Minute),
	}
}

func pairKey(p Pair) [2]string {
	a, b := p.First.ID, p.Second.ID
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func TestFind(t *testing.T) {
	t.Run("reports overlapping pair", func(t *testing.T) {
		pairs := Find([]model.Event{ev("a", 0, 60), ev("b", 30, 90)})
		if len(pairs) != 1 {
			t.Fatalf("expected 1 pair, got %d", len(pairs))
		}
		if pairKey(pairs[0]) != [2]string{"a", "b"} {
			t.Errorf("unexpected pair %v", pairKey(pairs[0]))
		}
	})

	t.Run("back to back events do not conflict", func(t *testing.T) {
		pairs := Find([]model.Event{ev("a", 0, 60), ev("b", 60, 120)})
		if len(pairs) != 0 {
			t.Errorf("expected no conflicts, got %d", len(pairs))
		}
	})

	t.Run("all day events are ignored", func(t *testing.T) {
		allDay := ev("holiday", 0, 24*60)
		allDay.AllDay = true
		pairs := Find([]model.Event{allDay, ev("a", 60, 120), ev("b", 600, 660)})
		if len(pairs) != 0 {
			t.Errorf("expected no conflicts, got %d", len(pairs))
		}
	})

	t.Run("finds non adjacent overlaps", func(t *testing.T) {
		// long overlaps both short ones, which do not overlap each other
		events := []model.Event{ev("long", 0, 300), ev("s1", 10, 20), ev("s2", 200, 210)}
		got := map[[2]string]bool{}
		for _, p := range Find(events) {
			got[pairKey(p)] = true
		}
		if len(got) != 2 || !got[[2]string{"long", "s1"}] || !got[[2]string{"long", "s2"}] {
			t.Errorf("unexpected pairs %v", got)
		}
	})

	t.Run("identical intervals conflict", func(t *testing.T) {
		if len(Find([]model.Event{ev("a", 0, 30), ev("b", 0, 30)})) != 1 {
			t.Error("expected identical intervals to conflict")
		}
	})

	t.Run("matches pairwise reference on random input", func(t *testing.T) {
		rng := rand.New(rand.NewSource(7))
		for round := 0; round < 50; round++ {
			var events []model.Event
			for i := 0; i < 30; i++ {
				start := rng.Intn(600)
				e := ev(string(rune('A'+i)), start, start+rng.Intn(90))
				e.AllDay = rng.Intn(10) == 0
				events = append(events, e)
			}

			want := map[[2]string]bool{}
			for i := range events {
				for j := i + 1; j < len(events); j++ {
					a, b := events[i], events[j]
					if !a.AllDay && !b.AllDay && a.Start.Before(b.End) && b.Start.Before(a.End) {
						want[pairKey(Pair{First: a, Second: b})] = true
					}
				}
			}

			got := map[[2]string]bool{}
			for _, p := range Find(events) {
				got[pairKey(p)] = true
			}

			if len(got) != len(want) {
				t.Fatalf("round %d: expected %d pairs, got %d", round, len(want), len(got))
			}
			for k := range want {
				if !got[k] {
					t.Fatalf("round %d: missing pair %v", round, k)
				}
			}
		}
	})
}

func TestIDs(t *testing.T) {
	a, b, c := ev("a", 0, 60), ev("b", 30, 90), ev("c", 120, 180)
	set := IDs([]model.Event{a, b, c})

	if !set.Contains(a) || !set.Contains(b) {
		t.Error("expected a and b to be flagged")
	}
	if set.Contains(c) {
		t.Error("expected c not to be flagged")
	}

	t.Run("same id from another provider is distinct", func(t *testing.T) {
		other := a
		other.Source = model.ProviderOutlook
		if set.Contains(other) {
			t.Error("expected event from another provider not to be flagged")
		}
	})
}
