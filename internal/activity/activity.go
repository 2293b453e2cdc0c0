package activity

import (
	"sync"
	"time"

	"github.com/macjediwizard/upnext/internal/aggregator"
	"github.com/macjediwizard/upnext/internal/model"
)

// ProviderActivity is the progress of one provider inside a refresh cycle.
type ProviderActivity struct {
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	Provider    string `json:"provider"`
	Status      string `json:"status"` // "pending", or an aggregator.OutcomeKind
	EventCount  int    `json:"event_count"`
	NeedsReauth bool   `json:"needs_reauth"`
	Error       string `json:"error,omitempty"`
	Duration    string `json:"duration,omitempty"`
}

// RefreshActivity represents the state of one refresh cycle.
type RefreshActivity struct {
	CycleID        string             `json:"cycle_id"`
	Trigger        string             `json:"trigger"`
	Status         string             `json:"status"` // "running", "success", "partial", "error"
	TotalProviders int                `json:"total_providers"`
	ProvidersDone  int                `json:"providers_done"`
	EventCount     int                `json:"event_count"`
	ReauthCount    int                `json:"reauth_count"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	Duration       string             `json:"duration,omitempty"`
	Providers      []ProviderActivity `json:"providers"`
}

func (a *RefreshActivity) clone() *RefreshActivity {
	c := *a
	c.Providers = append([]ProviderActivity(nil), a.Providers...)
	return &c
}

// Tracker tracks refresh cycles. It satisfies aggregator.Progress.
type Tracker struct {
	mu        sync.RWMutex
	active    map[string]*RefreshActivity // cycleID -> activity
	recent    []*RefreshActivity
	maxRecent int
	now       func() time.Time
}

var _ aggregator.Progress = (*Tracker)(nil)

// NewTracker creates a new activity tracker.
func NewTracker() *Tracker {
	return &Tracker{
		active:    make(map[string]*RefreshActivity),
		recent:    make([]*RefreshActivity, 0),
		maxRecent: 20,
		now:       time.Now,
	}
}

// CycleStarted begins tracking a cycle over accounts.
func (t *Tracker) CycleStarted(cycleID, trigger string, accounts []model.CalendarAccount) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := &RefreshActivity{
		CycleID:        cycleID,
		Trigger:        trigger,
		Status:         "running",
		TotalProviders: len(accounts),
		StartedAt:      t.now(),
		Providers:      make([]ProviderActivity, 0, len(accounts)),
	}
	for _, acct := range accounts {
		a.Providers = append(a.Providers, ProviderActivity{
			AccountID:   acct.ID,
			AccountName: acct.DisplayName,
			Provider:    string(acct.ProviderType),
			Status:      "pending",
		})
	}
	t.active[cycleID] = a
}

// ProviderFinished records the outcome of one provider.
func (t *Tracker) ProviderFinished(cycleID string, outcome aggregator.Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, exists := t.active[cycleID]
	if !exists {
		return
	}
	for i := range a.Providers {
		p := &a.Providers[i]
		if p.AccountID != outcome.Account.ID || p.Status != "pending" {
			continue
		}
		p.Status = string(outcome.Kind)
		p.EventCount = outcome.EventCount
		p.NeedsReauth = outcome.NeedsReauth
		p.Error = outcome.Error
		p.Duration = outcome.Duration.Round(time.Millisecond).String()
		a.ProvidersDone++
		a.EventCount += outcome.EventCount
		return
	}
}

// CycleFinished marks a cycle as completed and moves it to recent.
func (t *Tracker) CycleFinished(tl *aggregator.Timeline) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, exists := t.active[tl.CycleID]
	if !exists {
		return
	}

	now := t.now()
	a.CompletedAt = &now
	a.Duration = now.Sub(a.StartedAt).Round(time.Millisecond).String()
	a.Status = string(tl.Health())
	a.EventCount = len(tl.Events)
	a.ReauthCount = len(tl.Reauth)

	t.recent = append([]*RefreshActivity{a}, t.recent...)
	if len(t.recent) > t.maxRecent {
		t.recent = t.recent[:t.maxRecent]
	}
	delete(t.active, tl.CycleID)
}

// GetActive returns all running cycles.
func (t *Tracker) GetActive() []*RefreshActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*RefreshActivity, 0, len(t.active))
	for _, a := range t.active {
		c := a.clone()
		c.Duration = t.now().Sub(a.StartedAt).Round(time.Millisecond).String()
		result = append(result, c)
	}
	return result
}

// GetRecent returns recently completed cycles, newest first.
func (t *Tracker) GetRecent() []*RefreshActivity {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*RefreshActivity, len(t.recent))
	for i, a := range t.recent {
		result[i] = a.clone()
	}
	return result
}

// GetAll returns both active and recent cycles.
func (t *Tracker) GetAll() map[string]interface{} {
	return map[string]interface{}{
		"active": t.GetActive(),
		"recent": t.GetRecent(),
	}
}

// IsRefreshing returns true if any cycle is running.
func (t *Tracker) IsRefreshing() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active) > 0
}
