package aggregator

import (
	"time"

	"github.com/macjediwizard/upnext/internal/conflict"
	"github.com/macjediwizard/upnext/internal/model"
)

// OutcomeKind says where a provider's events came from in one cycle.
type OutcomeKind string

const (
	OutcomeLive   OutcomeKind = "live"
	OutcomeCached OutcomeKind = "cached"
	OutcomeStale  OutcomeKind = "stale"
	OutcomeFailed OutcomeKind = "failed"
)

// Outcome is the result of one provider in one cycle.
type Outcome struct {
	Account     model.CalendarAccount `json:"account"`
	Kind        OutcomeKind           `json:"kind"`
	EventCount  int                   `json:"event_count"`
	NeedsReauth bool                  `json:"needs_reauth"`
	Error       string                `json:"error,omitempty"`
	Duration    time.Duration         `json:"duration"`
}

// Timeline is the immutable result of one refresh cycle.
type Timeline struct {
	CycleID   string
	Trigger   string
	From      time.Time
	To        time.Time
	StartedAt time.Time
	Duration  time.Duration
	Events    []model.Event
	Reauth    []model.CalendarAccount
	Outcomes  []Outcome
}

// Next returns the first event that has not ended by now. All-day events are
// skipped when hideAllDay is set.
func (t *Timeline) Next(now time.Time, hideAllDay bool) (model.Event, bool) {
	if t == nil {
		return model.Event{}, false
	}
	for _, e := range t.Events {
		if e.HasEnded(now) || (hideAllDay && e.AllDay) {
			continue
		}
		return e, true
	}
	return model.Event{}, false
}

// Upcoming returns the events that have not ended by now. A limit of zero
// means no limit.
func (t *Timeline) Upcoming(now time.Time, hideAllDay bool, limit int) []model.Event {
	out := make([]model.Event, 0)
	if t == nil {
		return out
	}
	for _, e := range t.Events {
		if e.HasEnded(now) || (hideAllDay && e.AllDay) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Conflicts returns every overlapping pair of timed events.
func (t *Timeline) Conflicts() []conflict.Pair {
	if t == nil {
		return nil
	}
	return conflict.Find(t.Events)
}

// NeedsReauth reports whether accountID is in the re-auth set.
func (t *Timeline) NeedsReauth(accountID string) bool {
	if t == nil {
		return false
	}
	for _, a := range t.Reauth {
		if a.ID == accountID {
			return true
		}
	}
	return false
}

// FailedCount returns the number of providers that did not return live data.
func (t *Timeline) FailedCount() int {
	n := 0
	for _, o := range t.Outcomes {
		if o.Kind != OutcomeLive {
			n++
		}
	}
	return n
}

// Health is the overall result of a cycle.
type Health string

const (
	HealthSuccess Health = "success"
	HealthPartial Health = "partial"
	HealthError   Health = "error"
)

// Health reports success when every provider returned live data and error
// when none did. A cycle with no providers is a success.
func (t *Timeline) Health() Health {
	failed := t.FailedCount()
	switch {
	case failed == 0:
		return HealthSuccess
	case failed == len(t.Outcomes):
		return HealthError
	default:
		return HealthPartial
	}
}

// InitPriority appends the ids of calendars missing from existing, keeping
// the existing order.
func InitPriority(existing []string, calendars []model.CalendarInfo) []string {
	seen := make(map[string]bool, len(existing))
	out := make([]string, 0, len(existing)+len(calendars))
	for _, id := range existing {
		seen[id] = true
		out = append(out, id)
	}
	for _, c := range calendars {
		if !seen[c.ID] {
			seen[c.ID] = true
			out = append(out, c.ID)
		}
	}
	return out
}
