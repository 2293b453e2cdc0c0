// Package aggregator fans a refresh out to every calendar provider and merges
// the results into one timeline.
package aggregator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/macjediwizard/upnext/internal/cache"
	"github.com/macjediwizard/upnext/internal/model"
	"github.com/macjediwizard/upnext/internal/provider"
)

const defaultFetchTimeout = 30 * time.Second

var (
	ErrUnknownAccount = errors.New("account is not registered")
	ErrProviderPanic  = errors.New("provider panicked")
)

// State is the phase of the latest refresh cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateMerging
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateMerging:
		return "merging"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Cache is the per-account snapshot store used for fallback.
type Cache interface {
	CacheEvents(events []model.Event, accountID string) error
	Snapshot(accountID string) (*cache.Snapshot, bool)
	ClearCache(accountID string) error
}

// Progress observes refresh cycles.
type Progress interface {
	CycleStarted(cycleID, trigger string, accounts []model.CalendarAccount)
	ProviderFinished(cycleID string, outcome Outcome)
	CycleFinished(t *Timeline)
}

// Request describes one refresh.
type Request struct {
	From time.Time
	To   time.Time
	// CalendarIDs limits the calendars fetched; nil means all.
	CalendarIDs []string
	// Priority orders events that start at the same time.
	Priority []string
	Trigger  string
}

// Options configures a Manager.
type Options struct {
	Cache        Cache
	Diagnostics  provider.Diagnostics
	Progress     Progress
	FetchTimeout time.Duration
	Now          func() time.Time
}

// Manager owns the provider registry and the published timeline.
type Manager struct {
	cache        Cache
	diag         provider.Diagnostics
	progress     Progress
	fetchTimeout time.Duration
	now          func() time.Time

	mu        sync.RWMutex
	providers map[string]provider.Provider
	order     []string
	reauth    map[string]model.CalendarAccount
	listeners []func(*Timeline)

	timeline atomic.Pointer[Timeline]
	state    atomic.Int32
}

// New creates an empty Manager.
func New(opts Options) *Manager {
	m := &Manager{
		cache:        opts.Cache,
		diag:         opts.Diagnostics,
		progress:     opts.Progress,
		fetchTimeout: opts.FetchTimeout,
		now:          opts.Now,
		providers:    make(map[string]provider.Provider),
		reauth:       make(map[string]model.CalendarAccount),
	}
	if m.diag == nil {
		m.diag = provider.LogDiagnostics{}
	}
	if m.fetchTimeout <= 0 {
		m.fetchTimeout = defaultFetchTimeout
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// AddProvider registers p, replacing any provider of the same account. It
// takes effect on the next cycle.
func (m *Manager) AddProvider(p provider.Provider) {
	id := p.Account().ID
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[id]; !exists {
		m.order = append(m.order, id)
	}
	m.providers[id] = p
}

// RemoveProvider unregisters the provider of accountID, purges its cache and
// drops it from the re-auth set. In-flight cycles are not cancelled.
func (m *Manager) RemoveProvider(accountID string) {
	m.mu.Lock()
	delete(m.providers, accountID)
	m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == accountID })
	delete(m.reauth, accountID)
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.ClearCache(accountID); err != nil {
			m.diag.Discard("clear cache", accountID, err)
		}
	}
}

// Disconnect signs the account out and removes its provider.
func (m *Manager) Disconnect(ctx context.Context, accountID string) error {
	m.mu.RLock()
	p, ok := m.providers[accountID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	p.SignOut(ctx)
	m.RemoveProvider(accountID)
	log.Printf("Disconnected account %s", accountID)
	return nil
}

// Provider returns the registered provider of accountID.
func (m *Manager) Provider(accountID string) (provider.Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[accountID]
	return p, ok
}

// Providers returns the registered providers in registration order.
func (m *Manager) Providers() []provider.Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]provider.Provider, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.providers[id])
	}
	return out
}

// Accounts returns the accounts of the registered providers.
func (m *Manager) Accounts() []model.CalendarAccount {
	providers := m.Providers()
	out := make([]model.CalendarAccount, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.Account())
	}
	return out
}

// ReauthAccounts returns the accounts that need to sign in again.
func (m *Manager) ReauthAccounts() []model.CalendarAccount {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CalendarAccount, 0, len(m.reauth))
	for _, a := range m.reauth {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b model.CalendarAccount) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Subscribe registers fn to be called with every published timeline.
func (m *Manager) Subscribe(fn func(*Timeline)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Timeline returns the last published timeline, or nil before the first
// cycle completes.
func (m *Manager) Timeline() *Timeline {
	return m.timeline.Load()
}

// State returns the phase of the most recent cycle.
func (m *Manager) State() State {
	return State(m.state.Load())
}

type fetchResult struct {
	events  []model.Event
	outcome Outcome
}

// Refresh runs one cycle. Every provider is fetched concurrently and the call
// returns once all of them have finished. Failures are served from cache and
// never returned. Concurrent cycles are allowed; the last to finish is the
// one published.
func (m *Manager) Refresh(ctx context.Context, req Request) *Timeline {
	started := m.now()
	cycleID := uuid.New().String()
	providers := m.Providers()

	accounts := make([]model.CalendarAccount, 0, len(providers))
	for _, p := range providers {
		accounts = append(accounts, p.Account())
	}
	if m.progress != nil {
		m.progress.CycleStarted(cycleID, req.Trigger, accounts)
	}

	m.state.Store(int32(StateFetching))

	results := make([]fetchResult, len(providers))
	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			results[i] = m.fetch(ctx, p, req)
			if m.progress != nil {
				m.progress.ProviderFinished(cycleID, results[i].outcome)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.state.Store(int32(StateMerging))

	events := make([]model.Event, 0)
	outcomes := make([]Outcome, 0, len(results))
	reauth := make(map[string]model.CalendarAccount)
	for _, r := range results {
		events = append(events, r.events...)
		outcomes = append(outcomes, r.outcome)
		if r.outcome.NeedsReauth {
			reauth[r.outcome.Account.ID] = r.outcome.Account
		}
	}
	SortEvents(events, req.Priority)

	t := &Timeline{
		CycleID:   cycleID,
		Trigger:   req.Trigger,
		From:      req.From,
		To:        req.To,
		StartedAt: started,
		Duration:  m.now().Sub(started),
		Events:    events,
		Outcomes:  outcomes,
	}

	m.mu.Lock()
	// Accounts removed while the cycle ran stay out of the set.
	for id := range reauth {
		if _, ok := m.providers[id]; !ok {
			delete(reauth, id)
		}
	}
	m.reauth = reauth
	t.Reauth = make([]model.CalendarAccount, 0, len(reauth))
	for _, a := range reauth {
		t.Reauth = append(t.Reauth, a)
	}
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	slices.SortFunc(t.Reauth, func(a, b model.CalendarAccount) int { return cmp.Compare(a.ID, b.ID) })

	m.timeline.Store(t)
	m.state.Store(int32(StateDone))

	for _, fn := range listeners {
		fn(t)
	}
	if m.progress != nil {
		m.progress.CycleFinished(t)
	}

	log.Printf("Refresh %s finished: %d events from %d providers, %d failed, %d need re-auth in %v",
		cycleID, len(events), len(providers), t.FailedCount(), len(t.Reauth), t.Duration.Round(time.Millisecond))
	return t
}

// fetch runs one provider, recovering panics and falling back to cache.
func (m *Manager) fetch(ctx context.Context, p provider.Provider, req Request) (res fetchResult) {
	account := p.Account()
	start := m.now()

	defer func() {
		if r := recover(); r != nil {
			res = m.fallback(account, fmt.Errorf("%w: %v", ErrProviderPanic, r))
		}
		res.outcome.Duration = m.now().Sub(start)
	}()

	fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
	defer cancel()

	events, err := p.FetchEvents(fctx, req.From, req.To, req.CalendarIDs)
	if err != nil {
		return m.fallback(account, err)
	}

	if p.Type() != model.ProviderLocal && m.cache != nil {
		m.writeCache(account.ID, events)
	}

	return fetchResult{
		events: events,
		outcome: Outcome{
			Account:    account,
			Kind:       OutcomeLive,
			EventCount: len(events),
		},
	}
}

// writeCache stores events unless the account was removed while its fetch
// ran. The read lock orders the write before RemoveProvider's purge.
func (m *Manager) writeCache(accountID string, events []model.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.providers[accountID]; !ok {
		return
	}
	if err := m.cache.CacheEvents(events, accountID); err != nil {
		m.diag.Discard("write cache", accountID, err)
	}
}

// fallback serves the cached snapshot of account after a failed fetch.
func (m *Manager) fallback(account model.CalendarAccount, err error) fetchResult {
	m.diag.Discard("fetch events", account.ID, err)

	res := fetchResult{
		events: []model.Event{},
		outcome: Outcome{
			Account:     account,
			Kind:        OutcomeFailed,
			NeedsReauth: account.ProviderType.IsRemote() && provider.NeedsReauth(err),
			Error:       err.Error(),
		},
	}
	if account.ProviderType == model.ProviderLocal || m.cache == nil {
		return res
	}

	snap, ok := m.cache.Snapshot(account.ID)
	if !ok {
		return res
	}
	res.events = snap.Events
	res.outcome.EventCount = len(snap.Events)
	res.outcome.Kind = OutcomeCached
	if snap.Stale {
		res.outcome.Kind = OutcomeStale
	}
	return res
}

// FetchAllCalendars lists the calendars of every provider. Providers that
// fail are skipped.
func (m *Manager) FetchAllCalendars(ctx context.Context) []model.CalendarInfo {
	providers := m.Providers()
	results := make([][]model.CalendarInfo, len(providers))

	var g errgroup.Group
	for i, p := range providers {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					m.diag.Discard("fetch calendars", p.Account().ID, fmt.Errorf("%w: %v", ErrProviderPanic, r))
				}
			}()

			fctx, cancel := context.WithTimeout(ctx, m.fetchTimeout)
			defer cancel()

			calendars, err := p.FetchCalendars(fctx)
			if err != nil {
				m.diag.Discard("fetch calendars", p.Account().ID, err)
				return nil
			}
			results[i] = calendars
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.CalendarInfo, 0)
	for _, calendars := range results {
		out = append(out, calendars...)
	}
	return out
}

// SortEvents orders events by start. Events starting together are ordered by
// their calendar's position in priority; unlisted calendars go last and keep
// their relative order.
func SortEvents(events []model.Event, priority []string) {
	rank := make(map[string]int, len(priority))
	for i, id := range priority {
		if _, dup := rank[id]; !dup {
			rank[id] = i
		}
	}
	last := len(priority)
	position := func(calendarID string) int {
		if i, ok := rank[calendarID]; ok {
			return i
		}
		return last
	}

	slices.SortStableFunc(events, func(a, b model.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		return cmp.Compare(position(a.CalendarID), position(b.CalendarID))
	})
}
