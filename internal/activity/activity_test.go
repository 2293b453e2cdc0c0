package activity

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/upnext/internal/aggregator"
	"github.com/macjediwizard/upnext/internal/model"
)

func accounts() []model.CalendarAccount {
	return []model.CalendarAccount{
		model.LocalAccount(),
		{ID: "g1", ProviderType: model.ProviderGoogle, DisplayName: "Google Calendar"},
	}
}

func TestCycleLifecycle(t *testing.T) {
	tracker := NewTracker()
	tracker.CycleStarted("c1", "manual", accounts())

	if !tracker.IsRefreshing() {
		t.Fatal("expected a running cycle")
	}
	active := tracker.GetActive()
	if len(active) != 1 || active[0].TotalProviders != 2 || active[0].Status != "running" {
		t.Fatalf("unexpected active cycles %+v", active)
	}
	for _, p := range active[0].Providers {
		if p.Status != "pending" {
			t.Errorf("provider %s should be pending, got %s", p.AccountID, p.Status)
		}
	}

	tracker.ProviderFinished("c1", aggregator.Outcome{
		Account: model.LocalAccount(), Kind: aggregator.OutcomeLive, EventCount: 3, Duration: 20 * time.Millisecond,
	})
	tracker.ProviderFinished("c1", aggregator.Outcome{
		Account: accounts()[1], Kind: aggregator.OutcomeCached, EventCount: 2, NeedsReauth: true, Error: "auth expired",
	})

	active = tracker.GetActive()
	if active[0].ProvidersDone != 2 || active[0].EventCount != 5 {
		t.Errorf("unexpected progress %+v", active[0])
	}

	tracker.CycleFinished(&aggregator.Timeline{
		CycleID: "c1",
		Events:  make([]model.Event, 5),
		Reauth:  accounts()[1:],
		Outcomes: []aggregator.Outcome{
			{Kind: aggregator.OutcomeLive},
			{Kind: aggregator.OutcomeCached},
		},
	})

	if tracker.IsRefreshing() {
		t.Error("cycle should no longer be active")
	}
	recent := tracker.GetRecent()
	if len(recent) != 1 {
		t.Fatalf("expected one recent cycle, got %d", len(recent))
	}
	r := recent[0]
	if r.Status != "partial" || r.ReauthCount != 1 || r.CompletedAt == nil {
		t.Errorf("unexpected finished cycle %+v", r)
	}
	if r.Providers[1].Status != "cached" || !r.Providers[1].NeedsReauth || r.Providers[1].Error != "auth expired" {
		t.Errorf("unexpected provider progress %+v", r.Providers[1])
	}
}

func TestUnknownCycleIgnored(t *testing.T) {
	tracker := NewTracker()
	tracker.ProviderFinished("missing", aggregator.Outcome{Kind: aggregator.OutcomeLive})
	tracker.CycleFinished(&aggregator.Timeline{CycleID: "missing"})

	if len(tracker.GetActive()) != 0 || len(tracker.GetRecent()) != 0 {
		t.Error("events for unknown cycles must be ignored")
	}
}

func TestRecentIsBounded(t *testing.T) {
	tracker := NewTracker()
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("c%d", i)
		tracker.CycleStarted(id, "scheduled", nil)
		tracker.CycleFinished(&aggregator.Timeline{CycleID: id})
	}

	recent := tracker.GetRecent()
	if len(recent) != 20 {
		t.Fatalf("expected 20 recent cycles, got %d", len(recent))
	}
	if recent[0].CycleID != "c24" {
		t.Errorf("expected newest first, got %s", recent[0].CycleID)
	}
	if recent[0].Status != "success" {
		t.Errorf("an empty cycle is a success, got %s", recent[0].Status)
	}
}

func TestCopiesAreIndependent(t *testing.T) {
	tracker := NewTracker()
	tracker.CycleStarted("c1", "manual", accounts())

	snapshot := tracker.GetActive()[0]
	snapshot.Providers[0].Status = "tampered"

	if tracker.GetActive()[0].Providers[0].Status != "pending" {
		t.Error("caller mutation leaked into the tracker")
	}
}

func TestGetAllJSON(t *testing.T) {
	tracker := NewTracker()
	tracker.CycleStarted("c1", "startup", accounts())

	data, err := json.Marshal(tracker.GetAll())
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var decoded struct {
		Active []RefreshActivity `json:"active"`
		Recent []RefreshActivity `json:"recent"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(decoded.Active) != 1 || decoded.Active[0].Trigger != "startup" {
		t.Errorf("unexpected payload %s", data)
	}
}

func TestConcurrentProgress(t *testing.T) {
	tracker := NewTracker()
	var accts []model.CalendarAccount
	for i := 0; i < 10; i++ {
		accts = append(accts, model.CalendarAccount{ID: fmt.Sprintf("a%d", i)})
	}
	tracker.CycleStarted("c1", "manual", accts)

	var wg sync.WaitGroup
	for _, a := range accts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tracker.ProviderFinished("c1", aggregator.Outcome{Account: a, Kind: aggregator.OutcomeLive, EventCount: 1})
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tracker.GetAll()
		}()
	}
	wg.Wait()

	if got := tracker.GetActive()[0].ProvidersDone; got != 10 {
		t.Errorf("expected 10 finished providers, got %d", got)
	}
}
