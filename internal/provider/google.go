package provider

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/macjediwizard/upnext/internal/meeting"
	"github.com/macjediwizard/upnext/internal/model"
)

const (
	GoogleBaseURL      = "https://www.googleapis.com/calendar/v3"
	googleMaxResults   = 250
	untitledEventTitle = "Untitled Event"
)

type googleCalendarList struct {
	Items []struct {
		ID              string `json:"id"`
		Summary         string `json:"summary"`
		BackgroundColor string `json:"backgroundColor"`
		Primary         bool   `json:"primary"`
	} `json:"items"`
	NextPageToken string `json:"nextPageToken"`
}

type googleTime struct {
	DateTime string `json:"dateTime"`
	Date     string `json:"date"`
	TimeZone string `json:"timeZone"`
}

type googleEvent struct {
	ID          string     `json:"id"`
	Summary     string     `json:"summary"`
	Start       googleTime `json:"start"`
	End         googleTime `json:"end"`
	Status      string     `json:"status"`
	Location    string     `json:"location"`
	Description string     `json:"description"`
	HangoutLink string     `json:"hangoutLink"`
	HTMLLink    string     `json:"htmlLink"`
}

type googleEventList struct {
	Items         []googleEvent `json:"items"`
	NextPageToken string        `json:"nextPageToken"`
}

// Google reads events from a Google Calendar account.
type Google struct {
	*remote
}

// NewGoogle creates an adapter for account. Credentials are read from source once.
func NewGoogle(account model.CalendarAccount, source CredentialSource, opts Options) *Google {
	return &Google{remote: newRemote(account, source, opts, GoogleBaseURL, false)}
}

func (g *Google) FetchCalendars(ctx context.Context) ([]model.CalendarInfo, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	calendars := make([]model.CalendarInfo, 0)
	pageToken := ""
	for page := 0; page < maxPages; page++ {
		query := url.Values{}
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}
		endpoint, err := g.api.endpoint("/users/me/calendarList", query)
		if err != nil {
			return nil, err
		}

		var list googleCalendarList
		if err := g.api.getJSON(ctx, token, endpoint, &list); err != nil {
			return nil, err
		}
		for _, item := range list.Items {
			calendars = append(calendars, model.CalendarInfo{
				ID:           item.ID,
				Title:        item.Summary,
				Color:        model.ParseHexOrDefault(item.BackgroundColor),
				Source:       model.ProviderGoogle.DisplayName(),
				ProviderType: model.ProviderGoogle,
				AccountID:    g.account.ID,
			})
		}

		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}
	return calendars, nil
}

func (g *Google) FetchEvents(ctx context.Context, from, to time.Time, calendarIDs []string) ([]model.Event, error) {
	calendars, err := g.FetchCalendars(ctx)
	if err != nil {
		return nil, err
	}
	targets := filterCalendars(calendars, calendarIDs)

	return g.collect(ctx, targets, func(ctx context.Context, cal model.CalendarInfo) ([]model.Event, error) {
		return g.fetchCalendarEvents(ctx, cal, from, to)
	}), nil
}

func (g *Google) fetchCalendarEvents(ctx context.Context, cal model.CalendarInfo, from, to time.Time) ([]model.Event, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var events []model.Event
	pageToken := ""
	for page := 0; page < maxPages; page++ {
		query := url.Values{}
		query.Set("timeMin", from.UTC().Format(time.RFC3339))
		query.Set("timeMax", to.UTC().Format(time.RFC3339))
		query.Set("singleEvents", "true")
		query.Set("orderBy", "startTime")
		query.Set("maxResults", strconv.Itoa(googleMaxResults))
		if pageToken != "" {
			query.Set("pageToken", pageToken)
		}

		endpoint, err := g.api.endpoint("/calendars/"+url.PathEscape(cal.ID)+"/events", query)
		if err != nil {
			return nil, err
		}

		var list googleEventList
		if err := g.api.getJSON(ctx, token, endpoint, &list); err != nil {
			return nil, err
		}
		for _, item := range list.Items {
			if e, ok := g.convert(item, cal); ok {
				events = append(events, e)
			}
		}

		if list.NextPageToken == "" {
			break
		}
		pageToken = list.NextPageToken
	}
	return events, nil
}

// convert maps one API item. Cancelled and undatable items are dropped.
func (g *Google) convert(item googleEvent, cal model.CalendarInfo) (model.Event, bool) {
	if item.Status == "cancelled" {
		return model.Event{}, false
	}

	start, allDay, ok := parseGoogleTime(item.Start)
	if !ok {
		return model.Event{}, false
	}
	end, _, ok := parseGoogleTime(item.End)
	if !ok {
		return model.Event{}, false
	}

	title := strings.TrimSpace(item.Summary)
	if title == "" {
		title = untitledEventTitle
	}

	var meetingURL *url.URL
	if item.HangoutLink != "" {
		if u, err := url.Parse(item.HangoutLink); err == nil && u.IsAbs() {
			meetingURL = u
		}
	}
	if meetingURL == nil {
		meetingURL = meeting.FindURL(nil, item.Location, item.Description)
	}

	return model.NewEvent(model.Event{
		ID:            item.ID,
		Title:         title,
		Start:         start,
		End:           end,
		AllDay:        allDay,
		CalendarColor: cal.Color,
		CalendarID:    cal.ID,
		CalendarTitle: cal.Title,
		Source:        model.ProviderGoogle,
		AccountID:     g.account.ID,
		Location:      item.Location,
		MeetingURL:    meetingURL,
		Notes:         item.Description,
		URL:           parseAbsoluteURL(item.HTMLLink),
	}), true
}

// parseGoogleTime reads either dateTime (RFC3339, with or without fractional
// seconds) or date (all-day, midnight in the event zone or the system zone).
func parseGoogleTime(t googleTime) (time.Time, bool, bool) {
	if t.DateTime != "" {
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
			if parsed, err := time.Parse(layout, t.DateTime); err == nil {
				return parsed, false, true
			}
		}
		return time.Time{}, false, false
	}
	if t.Date != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, t.Date, zoneOrLocal(t.TimeZone))
		if err != nil {
			return time.Time{}, false, false
		}
		return parsed, true, true
	}
	return time.Time{}, false, false
}

func parseAbsoluteURL(raw string) *url.URL {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return nil
	}
	return u
}
