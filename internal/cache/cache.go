// Package cache keeps the last good event snapshot of every remote account on
// disk so a failing provider can still be shown.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/macjediwizard/upnext/internal/model"
)

// StaleAfter is the age past which a snapshot is reported as stale.
const StaleAfter = 24 * time.Hour

var (
	ErrIO    = errors.New("cache I/O failure")
	ErrStale = errors.New("cache snapshot is stale")
)

// Diagnostics receives cache failures that are swallowed.
type Diagnostics interface {
	Discard(op, accountID string, err error)
}

// EventRecord is the on-disk form of an event.
type EventRecord struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	StartDate        time.Time `json:"startDate"`
	EndDate          time.Time `json:"endDate"`
	IsAllDay         bool      `json:"isAllDay"`
	CalendarColorHex string    `json:"calendarColorHex"`
	CalendarID       string    `json:"calendarID"`
	CalendarTitle    string    `json:"calendarTitle"`
	Source           string    `json:"source"`
	AccountID        string    `json:"accountId,omitempty"`
	Location         string    `json:"location,omitempty"`
	MeetingURL       string    `json:"meetingURL,omitempty"`
	Notes            string    `json:"notes,omitempty"`
	URL              string    `json:"url,omitempty"`
}

// CachedEvents is one cache file.
type CachedEvents struct {
	AccountID string        `json:"accountId"`
	CachedAt  time.Time     `json:"cachedAt"`
	Events    []EventRecord `json:"events"`
}

// Snapshot is a decoded cache file.
type Snapshot struct {
	AccountID string
	CachedAt  time.Time
	Events    []model.Event
	Stale     bool
}

// Options configures a Cache.
type Options struct {
	Diagnostics Diagnostics
	Now         func() time.Time
}

// Cache stores one JSON file per account under dir.
type Cache struct {
	dir  string
	diag Diagnostics
	now  func() time.Time
}

// New creates the cache directory if needed.
func New(dir string, opts Options) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: failed to create cache directory: %w", ErrIO, err)
	}
	c := &Cache{dir: dir, diag: opts.Diagnostics, now: opts.Now}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// FileName returns the cache file name of accountID.
func FileName(accountID string) string {
	safe := strings.NewReplacer("/", "_", `\`, "_").Replace(accountID)
	return safe + ".json"
}

func (c *Cache) path(accountID string) string {
	return filepath.Join(c.dir, FileName(accountID))
}

func (c *Cache) discard(op, accountID string, err error) {
	if c.diag != nil {
		c.diag.Discard(op, accountID, err)
	}
}

// CacheEvents replaces the snapshot of accountID with events. Local events
// are skipped.
func (c *Cache) CacheEvents(events []model.Event, accountID string) error {
	if accountID == "" || accountID == model.LocalAccountID {
		return nil
	}

	record := CachedEvents{
		AccountID: accountID,
		CachedAt:  c.now().UTC(),
		Events:    make([]EventRecord, 0, len(events)),
	}
	for _, e := range events {
		if e.Source == model.ProviderLocal {
			continue
		}
		record.Events = append(record.Events, toRecord(e))
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to encode snapshot: %w", ErrIO, err)
	}
	if err := writeAtomic(c.dir, c.path(accountID), data); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// writeAtomic writes data to a temp file in dir and renames it over path.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".events-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func (c *Cache) read(accountID string) (*CachedEvents, error) {
	data, err := os.ReadFile(c.path(accountID))
	if err != nil {
		return nil, err
	}
	var record CachedEvents
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Snapshot reads the snapshot of accountID. It reports false when there is no
// readable snapshot.
func (c *Cache) Snapshot(accountID string) (*Snapshot, bool) {
	record, err := c.read(accountID)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false
	}
	if err != nil {
		c.discard("load cache", accountID, fmt.Errorf("%w: %w", ErrIO, err))
		return nil, false
	}

	snap := &Snapshot{
		AccountID: record.AccountID,
		CachedAt:  record.CachedAt,
		Events:    make([]model.Event, 0, len(record.Events)),
	}
	for _, r := range record.Events {
		snap.Events = append(snap.Events, r.toEvent())
	}

	if age := c.now().Sub(record.CachedAt); age > StaleAfter {
		snap.Stale = true
		c.discard("load cache", accountID, fmt.Errorf("%w: %dh old", ErrStale, int(age/time.Hour)))
	}
	return snap, true
}

// LoadCachedEvents returns the cached events of accountID, or an empty slice
// when the file is missing or unreadable.
func (c *Cache) LoadCachedEvents(accountID string) []model.Event {
	snap, ok := c.Snapshot(accountID)
	if !ok {
		return []model.Event{}
	}
	return snap.Events
}

// IsStale reports whether accountID has a snapshot older than StaleAfter.
func (c *Cache) IsStale(accountID string) bool {
	record, err := c.read(accountID)
	if err != nil {
		return false
	}
	return c.now().Sub(record.CachedAt) > StaleAfter
}

// ClearCache removes the snapshot of accountID. A missing file is not an
// error.
func (c *Cache) ClearCache(accountID string) error {
	err := os.Remove(c.path(accountID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// ClearAll removes every snapshot.
func (c *Cache) ClearAll() error {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrIO, errors.Join(errs...))
	}
	return nil
}

func toRecord(e model.Event) EventRecord {
	r := EventRecord{
		ID:               e.ID,
		Title:            e.Title,
		StartDate:        e.Start.UTC(),
		EndDate:          e.End.UTC(),
		IsAllDay:         e.AllDay,
		CalendarColorHex: e.CalendarColor.Hex(),
		CalendarID:       e.CalendarID,
		CalendarTitle:    e.CalendarTitle,
		Source:           string(e.Source),
		AccountID:        e.AccountID,
		Location:         e.Location,
		Notes:            e.Notes,
	}
	if e.MeetingURL != nil {
		r.MeetingURL = e.MeetingURL.String()
	}
	if e.URL != nil {
		r.URL = e.URL.String()
	}
	return r
}

func (r EventRecord) toEvent() model.Event {
	return model.NewEvent(model.Event{
		ID:            r.ID,
		Title:         r.Title,
		Start:         r.StartDate,
		End:           r.EndDate,
		AllDay:        r.IsAllDay,
		CalendarColor: model.ParseHexOrDefault(r.CalendarColorHex),
		CalendarID:    r.CalendarID,
		CalendarTitle: r.CalendarTitle,
		Source:        model.ProviderType(r.Source),
		AccountID:     r.AccountID,
		Location:      r.Location,
		MeetingURL:    parseURL(r.MeetingURL),
		Notes:         r.Notes,
		URL:           parseURL(r.URL),
	})
}

func parseURL(s string) *url.URL {
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() {
		return nil
	}
	return u
}
