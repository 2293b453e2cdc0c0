package provider

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/macjediwizard/upnext/internal/meeting"
	"github.com/macjediwizard/upnext/internal/model"
)

const GraphBaseURL = "https://graph.microsoft.com/v1.0"

// graphColors maps Graph calendar color names to RGB.
var graphColors = map[string]model.Color{
	"lightblue":   model.RGB(0.4, 0.6, 0.9),
	"lightgreen":  model.RGB(0.4, 0.8, 0.4),
	"lightorange": model.RGB(1.0, 0.6, 0.2),
	"lightgray":   model.RGB(0.7, 0.7, 0.7),
	"lightyellow": model.RGB(1.0, 0.9, 0.4),
	"lightteal":   model.RGB(0.4, 0.8, 0.8),
	"lightpink":   model.RGB(1.0, 0.6, 0.7),
	"lightbrown":  model.RGB(0.7, 0.5, 0.3),
	"lightred":    model.RGB(1.0, 0.4, 0.4),
	"maxcolor":    model.RGB(0.6, 0.3, 0.8),
	"auto":        model.RGB(0.2, 0.5, 0.9),
}

// graphLayouts are the dateTime shapes Graph returns, with and without the
// seven-digit fraction.
var graphLayouts = []string{
	"2006-01-02T15:04:05.0000000",
	"2006-01-02T15:04:05",
}

type graphCalendarList struct {
	Value []struct {
		ID                string `json:"id"`
		Name              string `json:"name"`
		Color             string `json:"color"`
		IsDefaultCalendar bool   `json:"isDefaultCalendar"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

type graphTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Start       graphTime `json:"start"`
	End         graphTime `json:"end"`
	IsAllDay    bool      `json:"isAllDay"`
	IsCancelled bool      `json:"isCancelled"`
	Location    *struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Body *struct {
		Content string `json:"content"`
	} `json:"body"`
	OnlineMeeting *struct {
		JoinURL string `json:"joinUrl"`
	} `json:"onlineMeeting"`
	WebLink string `json:"webLink"`
}

type graphEventList struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

// Outlook reads events from a Microsoft 365 / Outlook.com account.
type Outlook struct {
	*remote
}

// NewOutlook creates an adapter for account. Credentials are read from source once.
func NewOutlook(account model.CalendarAccount, source CredentialSource, opts Options) *Outlook {
	return &Outlook{remote: newRemote(account, source, opts, GraphBaseURL, true)}
}

func (o *Outlook) FetchCalendars(ctx context.Context) ([]model.CalendarInfo, error) {
	token, err := o.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint, err := o.api.endpoint("/me/calendars", nil)
	if err != nil {
		return nil, err
	}

	calendars := make([]model.CalendarInfo, 0)
	for page := 0; page < maxPages && endpoint != ""; page++ {
		var list graphCalendarList
		if err := o.api.getJSON(ctx, token, endpoint, &list); err != nil {
			return nil, err
		}
		for _, item := range list.Value {
			calendars = append(calendars, model.CalendarInfo{
				ID:           item.ID,
				Title:        item.Name,
				Color:        graphColor(item.Color),
				Source:       model.ProviderOutlook.DisplayName(),
				ProviderType: model.ProviderOutlook,
				AccountID:    o.account.ID,
			})
		}
		if endpoint, err = o.api.nextPage(list.NextLink); err != nil {
			return nil, err
		}
	}
	return calendars, nil
}

func (o *Outlook) FetchEvents(ctx context.Context, from, to time.Time, calendarIDs []string) ([]model.Event, error) {
	calendars, err := o.FetchCalendars(ctx)
	if err != nil {
		return nil, err
	}
	targets := filterCalendars(calendars, calendarIDs)

	return o.collect(ctx, targets, func(ctx context.Context, cal model.CalendarInfo) ([]model.Event, error) {
		return o.fetchCalendarEvents(ctx, cal, from, to)
	}), nil
}

func (o *Outlook) fetchCalendarEvents(ctx context.Context, cal model.CalendarInfo, from, to time.Time) ([]model.Event, error) {
	token, err := o.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("startDateTime", from.UTC().Format(time.RFC3339))
	query.Set("endDateTime", to.UTC().Format(time.RFC3339))
	endpoint, err := o.api.endpoint("/me/calendars/"+url.PathEscape(cal.ID)+"/calendarView", query)
	if err != nil {
		return nil, err
	}

	var events []model.Event
	for page := 0; page < maxPages && endpoint != ""; page++ {
		var list graphEventList
		if err := o.api.getJSON(ctx, token, endpoint, &list); err != nil {
			return nil, err
		}
		for _, item := range list.Value {
			if e, ok := o.convert(item, cal); ok {
				events = append(events, e)
			}
		}
		if endpoint, err = o.api.nextPage(list.NextLink); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// convert maps one API item. Cancelled and undatable items are dropped.
func (o *Outlook) convert(item graphEvent, cal model.CalendarInfo) (model.Event, bool) {
	if item.IsCancelled {
		return model.Event{}, false
	}

	start, ok := parseGraphTime(item.Start)
	if !ok {
		return model.Event{}, false
	}
	end, ok := parseGraphTime(item.End)
	if !ok {
		return model.Event{}, false
	}

	title := strings.TrimSpace(item.Subject)
	if title == "" {
		title = untitledEventTitle
	}

	var location, notes string
	if item.Location != nil {
		location = item.Location.DisplayName
	}
	if item.Body != nil {
		notes = item.Body.Content
	}

	var meetingURL *url.URL
	if item.OnlineMeeting != nil {
		meetingURL = parseAbsoluteURL(item.OnlineMeeting.JoinURL)
	}
	if meetingURL == nil {
		meetingURL = meeting.FindURL(nil, location, notes)
	}

	return model.NewEvent(model.Event{
		ID:            item.ID,
		Title:         title,
		Start:         start,
		End:           end,
		AllDay:        item.IsAllDay,
		CalendarColor: cal.Color,
		CalendarID:    cal.ID,
		CalendarTitle: cal.Title,
		Source:        model.ProviderOutlook,
		AccountID:     o.account.ID,
		Location:      location,
		MeetingURL:    meetingURL,
		Notes:         notes,
		URL:           parseAbsoluteURL(item.WebLink),
	}), true
}

// parseGraphTime reads a zone-less dateTime in its named zone. Unknown zone
// names fall back to the system zone.
func parseGraphTime(t graphTime) (time.Time, bool) {
	if t.DateTime == "" {
		return time.Time{}, false
	}
	loc := zoneOrLocal(t.TimeZone)
	for _, layout := range graphLayouts {
		if parsed, err := time.ParseInLocation(layout, t.DateTime, loc); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

func graphColor(name string) model.Color {
	if c, ok := graphColors[strings.ToLower(name)]; ok {
		return c
	}
	return model.DefaultColor
}
