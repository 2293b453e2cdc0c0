package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/macjediwizard/upnext/internal/aggregator"
	"github.com/macjediwizard/upnext/internal/db"
)

const (
	cleanupSpec      = "@daily"
	logRetentionDays = 30
	refreshTimeout   = 10 * time.Minute // Maximum time for a single refresh cycle

	// DefaultSpec refreshes every five minutes.
	DefaultSpec = "@every 5m"
)

var ErrInvalidSpec = errors.New("invalid refresh schedule")

// Refresher runs one refresh cycle.
type Refresher interface {
	Refresh(ctx context.Context, req aggregator.Request) *aggregator.Timeline
}

// LogStore persists refresh history.
type LogStore interface {
	CreateRefreshLog(log *db.RefreshLog) error
	CleanOldRefreshLogs(olderThan time.Time) (int64, error)
}

// RequestFunc builds the request of a cycle from the current settings.
type RequestFunc func(trigger db.RefreshTrigger) aggregator.Request

// Scheduler runs refresh cycles on a cron schedule and prunes old history.
type Scheduler struct {
	refresher Refresher
	logs      LogStore
	build     RequestFunc
	now       func() time.Time

	cron         *cron.Cron
	mu           sync.Mutex
	spec         string
	refreshEntry cron.EntryID
	refreshLock  sync.Mutex // held by scheduled cycles
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	started      bool
	stopped      bool // no new background cycles once set
}

// ValidateSpec checks a cron spec or an "@every <duration>" descriptor.
func ValidateSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSpec, spec, err)
	}
	return nil
}

// New creates a new scheduler. An empty spec uses DefaultSpec.
func New(refresher Refresher, logs LogStore, build RequestFunc, spec string) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if spec == "" {
		spec = DefaultSpec
	}
	return &Scheduler{
		refresher: refresher,
		logs:      logs,
		build:     build,
		now:       time.Now,
		cron:      cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger))),
		spec:      spec,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start registers the cron jobs and runs a startup refresh.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.stopped {
		return nil
	}

	id, err := s.cron.AddFunc(s.spec, s.scheduledRefresh)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSpec, s.spec, err)
	}
	s.refreshEntry = id

	if _, err := s.cron.AddFunc(cleanupSpec, s.cleanupOldLogs); err != nil {
		return fmt.Errorf("failed to schedule log cleanup: %w", err)
	}

	s.started = true
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLocked(db.RefreshTriggerStartup)
	}()

	log.Printf("[Scheduler] Started with refresh schedule %q", s.spec)
	return nil
}

// Stop cancels running cycles and waits for them to finish. Later calls to
// TriggerRefresh are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	wasStarted := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if wasStarted {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	log.Println("[Scheduler] Stopped")
}

// UpdateSchedule replaces the refresh schedule.
func (s *Scheduler) UpdateSchedule(spec string) error {
	if err := ValidateSpec(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.spec = spec
	if !s.started {
		return nil
	}

	s.cron.Remove(s.refreshEntry)
	id, err := s.cron.AddFunc(spec, s.scheduledRefresh)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidSpec, spec, err)
	}
	s.refreshEntry = id
	log.Printf("[Scheduler] Refresh schedule updated to %q", spec)
	return nil
}

// Spec returns the current refresh schedule.
func (s *Scheduler) Spec() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec
}

// NextRun returns the time of the next scheduled refresh, or the zero time
// when the scheduler is not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return time.Time{}
	}
	return s.cron.Entry(s.refreshEntry).Next
}

// RefreshNow runs a cycle immediately and returns its timeline. It does not
// wait for a scheduled cycle that is already running.
func (s *Scheduler) RefreshNow(ctx context.Context, trigger db.RefreshTrigger) *aggregator.Timeline {
	return s.execute(ctx, trigger)
}

// TriggerRefresh runs a manual cycle in the background. It does nothing after
// Stop.
func (s *Scheduler) TriggerRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		log.Println("[Scheduler] Ignoring refresh request - scheduler is stopped")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(s.ctx, db.RefreshTriggerManual)
	}()
}

func (s *Scheduler) scheduledRefresh() {
	s.runLocked(db.RefreshTriggerScheduled)
}

// runLocked skips the cycle if another scheduled cycle is in progress.
func (s *Scheduler) runLocked(trigger db.RefreshTrigger) {
	if !s.refreshLock.TryLock() {
		log.Printf("[Scheduler] Skipping %s refresh - another refresh is already in progress", trigger)
		return
	}
	defer s.refreshLock.Unlock()

	s.execute(s.ctx, trigger)
}

func (s *Scheduler) execute(parent context.Context, trigger db.RefreshTrigger) *aggregator.Timeline {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	req := s.build(trigger)
	req.Trigger = string(trigger)
	t := s.refresher.Refresh(ctx, req)
	if t == nil {
		return nil
	}

	if s.logs != nil {
		entry := newRefreshLog(t, trigger)
		if err := s.logs.CreateRefreshLog(entry); err != nil {
			log.Printf("[Scheduler] Failed to record refresh %s: %v", t.CycleID, err)
		}
	}
	return t
}

func newRefreshLog(t *aggregator.Timeline, trigger db.RefreshTrigger) *db.RefreshLog {
	entry := &db.RefreshLog{
		CycleID:         t.CycleID,
		Trigger:         trigger,
		Status:          db.RefreshStatus(t.Health()),
		EventCount:      len(t.Events),
		ProviderCount:   len(t.Outcomes),
		FailedProviders: t.FailedCount(),
		ReauthCount:     len(t.Reauth),
		ConflictCount:   len(t.Conflicts()),
		Duration:        t.Duration,
	}

	switch entry.Status {
	case db.RefreshStatusSuccess:
		entry.Message = fmt.Sprintf("Fetched %d events from %d providers", entry.EventCount, entry.ProviderCount)
	default:
		entry.Message = fmt.Sprintf("%d of %d providers did not return live data", entry.FailedProviders, entry.ProviderCount)
		for _, o := range t.Outcomes {
			if o.Error != "" {
				entry.Message += fmt.Sprintf("; %s: %s", o.Account.DisplayName, o.Error)
			}
		}
	}
	return entry
}

// cleanupOldLogs deletes refresh logs older than the retention period.
func (s *Scheduler) cleanupOldLogs() {
	if s.logs == nil {
		return
	}
	cutoff := s.now().AddDate(0, 0, -logRetentionDays)
	deleted, err := s.logs.CleanOldRefreshLogs(cutoff)
	if err != nil {
		log.Printf("[Scheduler] Failed to clean old refresh logs: %v", err)
		return
	}
	if deleted > 0 {
		log.Printf("[Scheduler] Cleaned %d old refresh logs", deleted)
	}
}
