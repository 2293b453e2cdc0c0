package provider

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

const (
	icalDateLayout     = "20060102"
	icalDateTimeLayout = "20060102T150405"
	icalUTCLayout      = "20060102T150405Z"

	// maxOccurrencesPerEvent caps the expansion of one recurring master.
	maxOccurrencesPerEvent = 5000
)

var errMissingStart = errors.New("missing DTSTART")

// vevent is one parsed VEVENT component.
type vevent struct {
	uid          string
	summary      string
	start        time.Time
	end          time.Time
	allDay       bool
	cancelled    bool
	location     string
	description  string
	url          string
	rrule        string
	exdates      []time.Time
	recurrenceID *time.Time
}

// occurrence is one concrete instance produced by expansion.
type occurrence struct {
	id    string
	ev    vevent
	start time.Time
	end   time.Time
}

// parseVEvents extracts the VEVENTs of cal. Components without a usable
// DTSTART are skipped.
func parseVEvents(cal *ical.Calendar) []vevent {
	if cal == nil {
		return nil
	}
	var out []vevent
	for _, comp := range cal.Events() {
		ev, err := parseVEvent(comp)
		if err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func parseVEvent(e ical.Event) (vevent, error) {
	var ev vevent
	ev.uid, _ = e.Props.Text(ical.PropUID)
	ev.summary, _ = e.Props.Text(ical.PropSummary)
	ev.location, _ = e.Props.Text(ical.PropLocation)
	ev.description, _ = e.Props.Text(ical.PropDescription)
	if p := e.Props.Get(ical.PropURL); p != nil {
		ev.url = strings.TrimSpace(p.Value)
	}
	if status, _ := e.Props.Text(ical.PropStatus); strings.EqualFold(status, "CANCELLED") {
		ev.cancelled = true
	}

	dtstart := e.Props.Get(ical.PropDateTimeStart)
	if dtstart == nil {
		return ev, errMissingStart
	}
	start, allDay, err := parseICalTime(dtstart)
	if err != nil {
		return ev, err
	}
	ev.start, ev.allDay = start, allDay

	switch {
	case e.Props.Get(ical.PropDateTimeEnd) != nil:
		end, _, err := parseICalTime(e.Props.Get(ical.PropDateTimeEnd))
		if err != nil {
			return ev, err
		}
		ev.end = end
	case e.Props.Get(ical.PropDuration) != nil:
		d, err := parseICalDuration(e.Props.Get(ical.PropDuration).Value)
		if err != nil {
			return ev, err
		}
		ev.end = start.Add(d)
	case allDay:
		ev.end = start.AddDate(0, 0, 1)
	default:
		ev.end = start
	}

	if p := e.Props.Get(ical.PropRecurrenceRule); p != nil {
		ev.rrule = p.Value
	}
	for _, p := range e.Props.Values(ical.PropExceptionDates) {
		for _, value := range strings.Split(p.Value, ",") {
			single := p
			single.Value = strings.TrimSpace(value)
			if t, _, err := parseICalTime(&single); err == nil {
				ev.exdates = append(ev.exdates, t)
			}
		}
	}
	if p := e.Props.Get(ical.PropRecurrenceID); p != nil {
		if rid, _, err := parseICalTime(p); err == nil {
			ev.recurrenceID = &rid
		}
	}
	return ev, nil
}

// parseICalTime reads a DATE or DATE-TIME property. UTC values carry a Z,
// TZID values are resolved through ResolveZone, and floating values use the
// system zone.
func parseICalTime(prop *ical.Prop) (time.Time, bool, error) {
	value := strings.TrimSpace(prop.Value)
	if strings.EqualFold(prop.Params.Get(ical.ParamValue), "DATE") || len(value) == len(icalDateLayout) {
		t, err := time.ParseInLocation(icalDateLayout, value, time.Local)
		return t, true, err
	}
	if strings.HasSuffix(value, "Z") {
		t, err := time.Parse(icalUTCLayout, value)
		return t, false, err
	}
	loc := time.Local
	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" {
		loc = zoneOrLocal(tzid)
	}
	t, err := time.ParseInLocation(icalDateTimeLayout, value, loc)
	return t, false, err
}

var durationPattern = regexp.MustCompile(`^([+-])?P(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// parseICalDuration reads an RFC 5545 dur-value such as "PT1H30M" or "P1D".
func parseICalDuration(value string) (time.Duration, error) {
	m := durationPattern.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(value)))
	if m == nil || value == "P" || strings.HasSuffix(value, "T") {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	units := []time.Duration{7 * 24 * time.Hour, 24 * time.Hour, time.Hour, time.Minute, time.Second}
	var d time.Duration
	for i, unit := range units {
		if m[i+2] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+2])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d += time.Duration(n) * unit
	}
	if m[1] == "-" {
		d = -d
	}
	return d, nil
}

// expand turns the VEVENTs of one calendar into occurrences overlapping
// [from, to). RECURRENCE-ID overrides replace the instance they name;
// cancelled masters and cancelled instances are dropped.
func expand(events []vevent, from, to time.Time) []occurrence {
	masters := make([]vevent, 0, len(events))
	overrides := make(map[string][]vevent)
	for _, ev := range events {
		if ev.recurrenceID != nil {
			overrides[ev.uid] = append(overrides[ev.uid], ev)
			continue
		}
		masters = append(masters, ev)
	}

	var out []occurrence
	for _, master := range masters {
		if master.cancelled {
			continue
		}
		if master.rrule == "" {
			if overlaps(master.start, master.end, from, to) {
				out = append(out, occurrence{id: master.uid, ev: master, start: master.start, end: master.end})
			}
			continue
		}
		out = append(out, expandRecurring(master, overrides[master.uid], from, to)...)
		delete(overrides, master.uid)
	}

	// Overrides without a master in this object stand alone.
	for _, list := range overrides {
		for _, ov := range list {
			if !ov.cancelled && overlaps(ov.start, ov.end, from, to) {
				out = append(out, occurrence{id: instanceID(ov.uid, *ov.recurrenceID), ev: ov, start: ov.start, end: ov.end})
			}
		}
	}
	return out
}

func expandRecurring(master vevent, overrides []vevent, from, to time.Time) []occurrence {
	r, err := rrule.StrToRRule(master.rrule)
	if err != nil {
		return nil
	}
	r.DTStart(master.start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range master.exdates {
		set.ExDate(ex.In(master.start.Location()))
	}

	duration := master.end.Sub(master.start)
	loc := master.start.Location()
	// Instances that began before the window but are still running count.
	starts := set.Between(from.Add(-duration).In(loc), to.In(loc), true)
	if len(starts) > maxOccurrencesPerEvent {
		starts = starts[:maxOccurrencesPerEvent]
	}

	used := make([]bool, len(overrides))
	out := make([]occurrence, 0, len(starts))
	for _, start := range starts {
		id := instanceID(master.uid, start)
		if i := findOverride(overrides, start); i >= 0 {
			used[i] = true
			ov := overrides[i]
			if !ov.cancelled && overlaps(ov.start, ov.end, from, to) {
				out = append(out, occurrence{id: id, ev: ov, start: ov.start, end: ov.end})
			}
			continue
		}
		end := start.Add(duration)
		if master.allDay {
			end = start.AddDate(0, 0, int(math.Round(duration.Hours()/24)))
		}
		if overlaps(start, end, from, to) {
			out = append(out, occurrence{id: id, ev: master, start: start, end: end})
		}
	}

	// Instances moved into the window from outside it.
	for i, ov := range overrides {
		if used[i] || ov.cancelled || !overlaps(ov.start, ov.end, from, to) {
			continue
		}
		out = append(out, occurrence{id: instanceID(master.uid, *ov.recurrenceID), ev: ov, start: ov.start, end: ov.end})
	}
	return out
}

func findOverride(overrides []vevent, start time.Time) int {
	for i, ov := range overrides {
		if ov.recurrenceID.Equal(start) {
			return i
		}
	}
	return -1
}

// instanceID keeps ids unique within a calendar for each recurrence instance.
func instanceID(uid string, start time.Time) string {
	return uid + "_" + start.UTC().Format(icalUTCLayout)
}

// overlaps reports whether [start, end) touches [from, to). Zero-length
// events count when they start inside the window.
func overlaps(start, end, from, to time.Time) bool {
	if !start.Before(to) {
		return false
	}
	if end.Equal(start) {
		return !start.Before(from)
	}
	return end.After(from)
}
