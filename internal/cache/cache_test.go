package cache

import (
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/upnext/internal/model"
)

var testNow = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type recordingDiag struct {
	mu   sync.Mutex
	errs []error
}

func (d *recordingDiag) Discard(_, _ string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *recordingDiag) has(target error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, err := range d.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func newTestCache(t *testing.T, now *time.Time) (*Cache, *recordingDiag) {
	t.Helper()
	diag := &recordingDiag{}
	c, err := New(t.TempDir(), Options{Diagnostics: diag, Now: func() time.Time { return *now }})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return c, diag
}

func sampleEvents() []model.Event {
	meet, _ := url.Parse("https://meet.google.com/abc-defg-hij")
	link, _ := url.Parse("https://calendar.google.com/event?eid=1")
	return []model.Event{
		{
			ID: "e1", Title: "Standup",
			Start: testNow.Add(time.Hour), End: testNow.Add(90 * time.Minute),
			CalendarColor: model.Color{R: 0x12, G: 0xAB, B: 0xEF},
			CalendarID:    "primary", CalendarTitle: "Work",
			Source: model.ProviderGoogle, AccountID: "acct-1",
			Location: "Room 1", MeetingURL: meet, Notes: "agenda", URL: link,
		},
		{
			ID: "e2", Title: "Offsite",
			Start: testNow.Truncate(24 * time.Hour), End: testNow.Truncate(24 * time.Hour).Add(24 * time.Hour),
			AllDay: true, CalendarColor: model.DefaultColor,
			CalendarID: "team", CalendarTitle: "Team",
			Source: model.ProviderGoogle, AccountID: "acct-1",
		},
	}
}

func TestLoadMissing(t *testing.T) {
	now := testNow
	c, diag := newTestCache(t, &now)

	events := c.LoadCachedEvents("never-written")
	if events == nil || len(events) != 0 {
		t.Errorf("expected an empty, non-nil slice, got %#v", events)
	}
	if len(diag.errs) != 0 {
		t.Errorf("a missing file is not a diagnostic, got %v", diag.errs)
	}
}

func TestRoundTrip(t *testing.T) {
	now := testNow
	c, _ := newTestCache(t, &now)

	want := sampleEvents()
	if err := c.CacheEvents(want, "acct-1"); err != nil {
		t.Fatalf("CacheEvents failed: %v", err)
	}

	got := c.LoadCachedEvents("acct-1")
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(got))
	}
	for i := range want {
		w, g := want[i], got[i]
		if g.ID != w.ID || g.Title != w.Title || !g.Start.Equal(w.Start) || !g.End.Equal(w.End) {
			t.Errorf("event %d mismatch: got %+v", i, g)
		}
		if g.AllDay != w.AllDay || g.CalendarColor != w.CalendarColor || g.Source != w.Source || g.AccountID != w.AccountID {
			t.Errorf("event %d metadata mismatch: got %+v", i, g)
		}
		if (w.URL == nil) != (g.URL == nil) || (w.URL != nil && g.URL.String() != w.URL.String()) {
			t.Errorf("event %d url mismatch: got %v", i, g.URL)
		}
		if (w.MeetingURL == nil) != (g.MeetingURL == nil) || (w.MeetingURL != nil && g.MeetingURL.String() != w.MeetingURL.String()) {
			t.Errorf("event %d meeting url mismatch: got %v", i, g.MeetingURL)
		}
	}
}

func TestFileFormat(t *testing.T) {
	now := testNow
	c, _ := newTestCache(t, &now)

	if err := c.CacheEvents(sampleEvents()[:1], "acct-1"); err != nil {
		t.Fatalf("CacheEvents failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(c.Dir(), "acct-1.json"))
	if err != nil {
		t.Fatalf("failed to read cache file: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("cache file is not JSON: %v", err)
	}
	if raw["accountId"] != "acct-1" || raw["cachedAt"] != "2024-03-04T09:00:00Z" {
		t.Errorf("unexpected header: %v", raw)
	}
	event := raw["events"].([]any)[0].(map[string]any)
	if event["calendarColorHex"] != "#12ABEF" {
		t.Errorf("expected hex color, got %v", event["calendarColorHex"])
	}
	if event["meetingURL"] != "https://meet.google.com/abc-defg-hij" {
		t.Errorf("expected absolute URL string, got %v", event["meetingURL"])
	}

	info, err := os.Stat(filepath.Join(c.Dir(), "acct-1.json"))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	leftovers, _ := filepath.Glob(filepath.Join(c.Dir(), ".events-*.tmp"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestFileName(t *testing.T) {
	testCases := []struct {
		id       string
		expected string
	}{
		{"acct-1", "acct-1.json"},
		{"a/b", "a_b.json"},
		{`a\b`, "a_b.json"},
		{"../escape", ".._escape.json"},
	}

	for _, tc := range testCases {
		t.Run(tc.id, func(t *testing.T) {
			if got := FileName(tc.id); got != tc.expected {
				t.Errorf("FileName(%q) = %q, want %q", tc.id, got, tc.expected)
			}
		})
	}
}

func TestLocalEventsNeverCached(t *testing.T) {
	now := testNow
	c, _ := newTestCache(t, &now)

	local := model.Event{ID: "l1", Source: model.ProviderLocal, Start: testNow, End: testNow}
	if err := c.CacheEvents([]model.Event{local}, model.LocalAccountID); err != nil {
		t.Fatalf("CacheEvents failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(c.Dir(), "local.json")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected no cache file for the local store, got %v", err)
	}

	mixed := append(sampleEvents(), local)
	if err := c.CacheEvents(mixed, "acct-1"); err != nil {
		t.Fatalf("CacheEvents failed: %v", err)
	}
	for _, e := range c.LoadCachedEvents("acct-1") {
		if e.Source == model.ProviderLocal {
			t.Error("local event leaked into a remote snapshot")
		}
	}
}

func TestCorruptFile(t *testing.T) {
	now := testNow
	c, diag := newTestCache(t, &now)

	if err := os.WriteFile(filepath.Join(c.Dir(), "acct-1.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if events := c.LoadCachedEvents("acct-1"); len(events) != 0 {
		t.Errorf("expected empty result, got %d events", len(events))
	}
	if !diag.has(ErrIO) {
		t.Error("expected a diagnostic for the corrupt file")
	}
}

func TestStaleness(t *testing.T) {
	now := testNow
	c, diag := newTestCache(t, &now)

	if err := c.CacheEvents(sampleEvents(), "acct-1"); err != nil {
		t.Fatalf("CacheEvents failed: %v", err)
	}

	now = testNow.Add(StaleAfter)
	if c.IsStale("acct-1") {
		t.Error("exactly 24h old is not stale")
	}

	now = testNow.Add(StaleAfter + time.Minute)
	if !c.IsStale("acct-1") {
		t.Error("expected stale snapshot")
	}
	snap, ok := c.Snapshot("acct-1")
	if !ok || !snap.Stale || len(snap.Events) != 2 {
		t.Errorf("stale snapshot must still be served, got %+v, %v", snap, ok)
	}
	if !diag.has(ErrStale) {
		t.Error("expected a stale diagnostic")
	}
	if c.IsStale("missing") {
		t.Error("a missing snapshot is not stale")
	}
}

func TestClear(t *testing.T) {
	now := testNow
	c, _ := newTestCache(t, &now)

	for _, id := range []string{"acct-1", "acct-2"} {
		if err := c.CacheEvents(sampleEvents(), id); err != nil {
			t.Fatalf("CacheEvents failed: %v", err)
		}
	}

	if err := c.ClearCache("acct-1"); err != nil {
		t.Fatalf("ClearCache failed: %v", err)
	}
	if len(c.LoadCachedEvents("acct-1")) != 0 {
		t.Error("expected acct-1 to be purged")
	}
	if len(c.LoadCachedEvents("acct-2")) == 0 {
		t.Error("acct-2 must survive")
	}
	if err := c.ClearCache("acct-1"); err != nil {
		t.Errorf("clearing a missing snapshot should succeed, got %v", err)
	}

	if err := c.ClearAll(); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	if len(c.LoadCachedEvents("acct-2")) != 0 {
		t.Error("expected every snapshot to be purged")
	}
}

func TestConcurrentWrites(t *testing.T) {
	now := testNow
	c, _ := newTestCache(t, &now)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.CacheEvents(sampleEvents(), "acct-1"); err != nil {
				t.Errorf("CacheEvents failed: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if events := c.LoadCachedEvents("acct-1"); len(events) != 0 && len(events) != 2 {
				t.Errorf("reader observed a partial snapshot: %d events", len(events))
			}
		}()
	}
	wg.Wait()
}
