package provider

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-ical"

	"github.com/macjediwizard/upnext/internal/caldav"
	"github.com/macjediwizard/upnext/internal/meeting"
	"github.com/macjediwizard/upnext/internal/model"
)

// CalendarStore is the read side of the local calendar store.
type CalendarStore interface {
	TestConnection(ctx context.Context) error
	FindCalendars(ctx context.Context) ([]caldav.Calendar, error)
	QueryEvents(ctx context.Context, calendarPath string, from, to time.Time) ([]*ical.Calendar, error)
}

// Local reads events from the device calendar store. Access is granted once
// a connection check against the store succeeds.
type Local struct {
	store      CalendarStore
	diag       Diagnostics
	authorized atomic.Bool
}

// NewLocal creates the local adapter. Only opts.Diagnostics is used.
func NewLocal(store CalendarStore, opts Options) *Local {
	l := &Local{store: store, diag: opts.Diagnostics}
	if l.diag == nil {
		l.diag = LogDiagnostics{}
	}
	return l
}

func (l *Local) Type() model.ProviderType {
	return model.ProviderLocal
}

func (l *Local) Account() model.CalendarAccount {
	return model.LocalAccount()
}

func (l *Local) IsAuthenticated() bool {
	return l.authorized.Load()
}

// Authenticate checks the store connection. The code is ignored.
func (l *Local) Authenticate(ctx context.Context, _ string) error {
	if l.store == nil {
		l.authorized.Store(false)
		return fmt.Errorf("%w: no local calendar store configured", ErrNotAuthenticated)
	}
	if err := l.store.TestConnection(ctx); err != nil {
		l.authorized.Store(false)
		return fmt.Errorf("%w: %w", ErrNotAuthenticated, err)
	}
	l.authorized.Store(true)
	return nil
}

func (l *Local) SignOut(context.Context) {}

// FetchCalendars checks the store again while access is missing, so a server
// that was down at startup is picked up once it answers.
func (l *Local) FetchCalendars(ctx context.Context) ([]model.CalendarInfo, error) {
	if !l.authorized.Load() {
		if err := l.Authenticate(ctx, ""); err != nil {
			return nil, err
		}
	}
	cals, err := l.store.FindCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	calendars := make([]model.CalendarInfo, 0, len(cals))
	for _, cal := range cals {
		title := cal.Name
		if title == "" {
			title = lastPathSegment(cal.Path)
		}
		calendars = append(calendars, model.CalendarInfo{
			ID:           cal.Path,
			Title:        title,
			Color:        model.DefaultColor,
			Source:       model.ProviderLocal.DisplayName(),
			ProviderType: model.ProviderLocal,
		})
	}
	return calendars, nil
}

func (l *Local) FetchEvents(ctx context.Context, from, to time.Time, calendarIDs []string) ([]model.Event, error) {
	calendars, err := l.FetchCalendars(ctx)
	if err != nil {
		return nil, err
	}

	events := make([]model.Event, 0)
	for _, cal := range filterCalendars(calendars, calendarIDs) {
		objects, err := l.store.QueryEvents(ctx, cal.ID, from, to)
		if err != nil {
			l.diag.Discard("fetch calendar "+cal.ID, model.LocalAccountID, err)
			continue
		}
		var parsed []vevent
		for _, obj := range objects {
			parsed = append(parsed, parseVEvents(obj)...)
		}
		for _, occ := range expand(parsed, from, to) {
			events = append(events, l.convert(occ, cal))
		}
	}
	sortEvents(events)
	return events, nil
}

func (l *Local) convert(occ occurrence, cal model.CalendarInfo) model.Event {
	title := strings.TrimSpace(occ.ev.summary)
	if title == "" {
		title = untitledEventTitle
	}
	link := parseAbsoluteURL(occ.ev.url)

	return model.NewEvent(model.Event{
		ID:            occ.id,
		Title:         title,
		Start:         occ.start,
		End:           occ.end,
		AllDay:        occ.ev.allDay,
		CalendarColor: cal.Color,
		CalendarID:    cal.ID,
		CalendarTitle: cal.Title,
		Source:        model.ProviderLocal,
		Location:      occ.ev.location,
		MeetingURL:    meeting.FindURL(link, occ.ev.location, occ.ev.description),
		Notes:         occ.ev.description,
		URL:           link,
	})
}

func lastPathSegment(path string) string {
	trimmed := strings.TrimSuffix(path, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
