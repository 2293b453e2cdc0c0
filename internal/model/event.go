package model

import (
	"net/url"
	"time"
)

// Event is one normalized calendar occurrence. Events are built fresh on every
// fetch cycle and never mutated afterwards.
type Event struct {
	ID            string
	Title         string
	Start         time.Time
	End           time.Time
	AllDay        bool
	CalendarColor Color
	CalendarID    string
	CalendarTitle string
	Source        ProviderType
	AccountID     string // empty only for local events
	Location      string
	MeetingURL    *url.URL
	Notes         string
	URL           *url.URL
}

// NewEvent normalizes start and end to UTC and clamps end so that it never
// precedes start.
func NewEvent(e Event) Event {
	e.Start = e.Start.UTC()
	e.End = e.End.UTC()
	if e.End.Before(e.Start) {
		e.End = e.Start
	}
	return e
}

// Key identifies an event across providers. Event IDs are only unique within
// their origin calendar.
func (e Event) Key() string {
	return string(e.Source) + "|" + e.AccountID + "|" + e.CalendarID + "|" + e.ID
}

// Duration returns End - Start.
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}

// IsInProgress reports whether now falls inside [Start, End).
func (e Event) IsInProgress(now time.Time) bool {
	return !now.Before(e.Start) && now.Before(e.End)
}

// HasEnded reports whether the event finished at or before now.
func (e Event) HasEnded(now time.Time) bool {
	return !now.Before(e.End)
}

// CalendarInfo describes one calendar inside an account.
type CalendarInfo struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Color        Color        `json:"color"`
	Source       string       `json:"source"`
	ProviderType ProviderType `json:"provider_type"`
	AccountID    string       `json:"account_id,omitempty"`
}
