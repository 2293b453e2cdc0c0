// Package provider implements the calendar backends that feed the aggregator.
package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/macjediwizard/upnext/internal/model"
)

var (
	ErrNoAuthContext    = errors.New("no authorization context")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrAuthExpired      = errors.New("authentication expired")
	ErrRateLimited      = errors.New("rate limited")
	ErrNetwork          = errors.New("network error")
	ErrInvalidResponse  = errors.New("invalid response")
	ErrInvalidURL       = errors.New("invalid URL")
	ErrUnknownProvider  = errors.New("unknown provider type")
)

// RateLimitError is returned for 403/429 responses. RetryAfter is zero when
// the server gave no hint.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v: status %d, retry after %v", ErrRateLimited, e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("%v: status %d", ErrRateLimited, e.StatusCode)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// NeedsReauth reports whether err means the account must sign in again.
func NeedsReauth(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrNotAuthenticated)
}

// Provider is the capability set every calendar backend implements.
type Provider interface {
	Type() model.ProviderType
	Account() model.CalendarAccount
	IsAuthenticated() bool
	// Authenticate completes sign-in with an authorization code. The local
	// provider ignores the code and checks store access instead.
	Authenticate(ctx context.Context, code string) error
	FetchCalendars(ctx context.Context) ([]model.CalendarInfo, error)
	// FetchEvents returns events in [from, to) sorted by start. A nil
	// calendarIDs means every calendar of the account.
	FetchEvents(ctx context.Context, from, to time.Time, calendarIDs []string) ([]model.Event, error)
	SignOut(ctx context.Context)
}

// Diagnostics receives errors that are deliberately swallowed.
type Diagnostics interface {
	Discard(op, accountID string, err error)
}

// LogDiagnostics writes discarded errors to the standard logger.
type LogDiagnostics struct{}

func (LogDiagnostics) Discard(op, accountID string, err error) {
	log.Printf("Discarded %s error for account %s: %v", op, accountID, err)
}

// filterCalendars keeps calendars whose id is listed. A nil ids keeps all.
func filterCalendars(calendars []model.CalendarInfo, ids []string) []model.CalendarInfo {
	if ids == nil {
		return calendars
	}
	out := make([]model.CalendarInfo, 0, len(calendars))
	for _, c := range calendars {
		if slices.Contains(ids, c.ID) {
			out = append(out, c)
		}
	}
	return out
}

// sortEvents orders events by start time, keeping the fetch order for ties.
func sortEvents(events []model.Event) {
	slices.SortStableFunc(events, func(a, b model.Event) int {
		return a.Start.Compare(b.Start)
	})
}
