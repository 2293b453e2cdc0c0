package export

import (
	"bytes"
	"net/url"
	"strings"
	"testing"
	"time"

	ics "github.com/arran4/golang-ical"

	"github.com/macjediwizard/upnext/internal/model"
)

var testNow = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func sampleEvents() []model.Event {
	meet, _ := url.Parse("https://zoom.us/j/123")
	link, _ := url.Parse("https://outlook.office.com/calendar/item/1")
	return []model.Event{
		{
			ID: "a", Title: "Planning", Start: testNow, End: testNow.Add(time.Hour),
			CalendarID: "work", CalendarTitle: "Work", Source: model.ProviderOutlook, AccountID: "o1",
			CalendarColor: model.Color{R: 0xFF, G: 0x00, B: 0x00},
			Location: "Room 4", Notes: "bring slides", MeetingURL: meet, URL: link,
		},
		{
			ID: "b", Title: "1:1", Start: testNow.Add(30 * time.Minute), End: testNow.Add(90 * time.Minute),
			CalendarID: "primary", CalendarTitle: "Personal", Source: model.ProviderGoogle, AccountID: "g1",
		},
		{
			ID: "c", Title: "Holiday", Start: testNow.Truncate(24 * time.Hour), End: testNow.Truncate(24 * time.Hour).Add(24 * time.Hour),
			AllDay: true, CalendarID: "/cal/home/", CalendarTitle: "Home", Source: model.ProviderLocal,
		},
	}
}

func parse(t *testing.T, events []model.Event) *ics.Calendar {
	t.Helper()
	var buf bytes.Buffer
	if err := Write(&buf, events, Options{Name: "Agenda", Stamp: testNow}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	cal, err := ics.ParseCalendar(strings.NewReader(buf.String()))
	if err != nil {
		t.Fatalf("feed does not parse: %v\n%s", err, buf.String())
	}
	return cal
}

func value(e *ics.VEvent, p ics.ComponentProperty) string {
	if prop := e.GetProperty(p); prop != nil {
		return prop.Value
	}
	return ""
}

func TestFeed(t *testing.T) {
	cal := parse(t, sampleEvents())
	events := cal.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	planning := events[0]
	if value(planning, ics.ComponentPropertySummary) != "Planning" {
		t.Errorf("unexpected summary %q", value(planning, ics.ComponentPropertySummary))
	}
	if value(planning, ics.ComponentPropertyDtStart) != "20240304T090000Z" {
		t.Errorf("unexpected start %q", value(planning, ics.ComponentPropertyDtStart))
	}
	if value(planning, ics.ComponentPropertyDtEnd) != "20240304T100000Z" {
		t.Errorf("unexpected end %q", value(planning, ics.ComponentPropertyDtEnd))
	}
	if value(planning, ics.ComponentPropertyLocation) != "Room 4" {
		t.Errorf("unexpected location %q", value(planning, ics.ComponentPropertyLocation))
	}
	if value(planning, ics.ComponentPropertyUrl) != "https://outlook.office.com/calendar/item/1" {
		t.Errorf("unexpected url %q", value(planning, ics.ComponentPropertyUrl))
	}
	if value(planning, propMeeting) != "https://zoom.us/j/123" || value(planning, propColor) != "#FF0000" {
		t.Errorf("unexpected extension properties")
	}
	if value(planning, propSource) != "outlook" || value(planning, propCalendar) != "Work" {
		t.Errorf("unexpected source properties")
	}

	if value(planning, propConflict) != "TRUE" || value(events[1], propConflict) != "TRUE" {
		t.Error("overlapping events should be marked as conflicts")
	}
	if value(events[2], propConflict) != "" {
		t.Error("all-day events never conflict")
	}

	holiday := events[2]
	if value(holiday, ics.ComponentPropertyDtStart) != "20240304" || value(holiday, ics.ComponentPropertyDtEnd) != "20240305" {
		t.Errorf("all-day event should use dates, got %q - %q",
			value(holiday, ics.ComponentPropertyDtStart), value(holiday, ics.ComponentPropertyDtEnd))
	}
}

func TestFeedHeader(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, nil, Options{Stamp: testNow}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"PRODID:" + productID, "METHOD:PUBLISH", "X-WR-CALNAME:UpNext"} {
		if !strings.Contains(out, want) {
			t.Errorf("feed is missing %q:\n%s", want, out)
		}
	}
}

func TestUIDIsStable(t *testing.T) {
	events := sampleEvents()
	if UID(events[0]) != UID(events[0]) {
		t.Error("UID must be deterministic")
	}

	other := events[0]
	other.AccountID = "o2"
	if UID(events[0]) == UID(other) {
		t.Error("same event id in different accounts must get different UIDs")
	}
	if !strings.HasSuffix(UID(events[0]), "@upnext") {
		t.Errorf("unexpected UID %q", UID(events[0]))
	}

	cal := parse(t, events)
	if cal.Events()[0].Id() != UID(events[0]) {
		t.Errorf("feed UID mismatch: %q", cal.Events()[0].Id())
	}
}
