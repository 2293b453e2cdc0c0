// Package export renders the merged timeline as a read-only iCalendar feed.
package export

import (
	"io"
	"time"

	ics "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"github.com/macjediwizard/upnext/internal/conflict"
	"github.com/macjediwizard/upnext/internal/model"
)

const (
	productID = "-//UpNext//Calendar Feed//EN"

	propSource   = ics.ComponentProperty("X-UPNEXT-SOURCE")
	propCalendar = ics.ComponentProperty("X-UPNEXT-CALENDAR")
	propColor    = ics.ComponentProperty("X-UPNEXT-COLOR")
	propMeeting  = ics.ComponentProperty("X-UPNEXT-MEETING-URL")
	propConflict = ics.ComponentProperty("X-UPNEXT-CONFLICT")
)

// Options configures a feed.
type Options struct {
	Name string
	// Stamp is written as DTSTAMP on every event. Defaults to now.
	Stamp time.Time
}

// UID returns the stable feed UID of e.
func UID(e model.Event) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(e.Key())).String() + "@upnext"
}

// Calendar builds the feed of events.
func Calendar(events []model.Event, opts Options) *ics.Calendar {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId(productID)
	name := opts.Name
	if name == "" {
		name = "UpNext"
	}
	cal.SetXWRCalName(name)

	stamp := opts.Stamp
	if stamp.IsZero() {
		stamp = time.Now()
	}
	conflicts := conflict.IDs(events)

	for _, e := range events {
		ve := cal.AddEvent(UID(e))
		ve.SetDtStampTime(stamp.UTC())
		if e.AllDay {
			ve.SetAllDayStartAt(e.Start)
			ve.SetAllDayEndAt(e.End)
		} else {
			ve.SetStartAt(e.Start.UTC())
			ve.SetEndAt(e.End.UTC())
		}
		ve.SetSummary(e.Title)
		if e.Location != "" {
			ve.SetLocation(e.Location)
		}
		if e.Notes != "" {
			ve.SetDescription(e.Notes)
		}
		if e.URL != nil {
			ve.SetURL(e.URL.String())
		}
		if e.MeetingURL != nil {
			ve.SetProperty(propMeeting, e.MeetingURL.String())
		}
		ve.SetProperty(propSource, string(e.Source))
		ve.SetProperty(propCalendar, e.CalendarTitle)
		ve.SetProperty(propColor, e.CalendarColor.Hex())
		if conflicts.Contains(e) {
			ve.SetProperty(propConflict, "TRUE")
		}
	}
	return cal
}

// Write serializes the feed of events to w.
func Write(w io.Writer, events []model.Event, opts Options) error {
	_, err := io.WriteString(w, Calendar(events, opts).Serialize())
	return err
}
