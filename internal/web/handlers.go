package web

import (
	"bytes"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/upnext/internal/activity"
	"github.com/macjediwizard/upnext/internal/aggregator"
	"github.com/macjediwizard/upnext/internal/auth"
	"github.com/macjediwizard/upnext/internal/config"
	"github.com/macjediwizard/upnext/internal/conflict"
	"github.com/macjediwizard/upnext/internal/db"
	"github.com/macjediwizard/upnext/internal/export"
	"github.com/macjediwizard/upnext/internal/meeting"
	"github.com/macjediwizard/upnext/internal/model"
	"github.com/macjediwizard/upnext/internal/notify"
	"github.com/macjediwizard/upnext/internal/provider"
	"github.com/macjediwizard/upnext/internal/render"
	"github.com/macjediwizard/upnext/internal/scheduler"
	"github.com/macjediwizard/upnext/internal/urgency"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	feedName            = "UpNext"

	maxDisplayNameLength = 100
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	cfg       *config.Config
	settings  *config.SettingsStore
	db        *db.DB
	manager   *aggregator.Manager
	scheduler *scheduler.Scheduler
	auth      *auth.Service
	session   *auth.SessionManager
	activity  *activity.Tracker
	notifier  *notify.Notifier
	factory   *provider.Factory
	now       func() time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(
	cfg *config.Config,
	settings *config.SettingsStore,
	database *db.DB,
	manager *aggregator.Manager,
	sched *scheduler.Scheduler,
	authService *auth.Service,
	session *auth.SessionManager,
	tracker *activity.Tracker,
	notifier *notify.Notifier,
	factory *provider.Factory,
) *Handlers {
	return &Handlers{
		cfg:       cfg,
		settings:  settings,
		db:        database,
		manager:   manager,
		scheduler: sched,
		auth:      authService,
		session:   session,
		activity:  tracker,
		notifier:  notifier,
		factory:   factory,
		now:       time.Now,
	}
}

// sanitizeError logs err and returns only the user-facing message.
func sanitizeError(err error, userMessage string) string {
	if err != nil {
		log.Printf("Error: %s - Details: %v", userMessage, err)
	}
	return userMessage
}

// categorizeProviderError maps a provider failure to a message that does not
// expose internal details.
func categorizeProviderError(msg string) string {
	if msg == "" {
		return ""
	}
	errStr := strings.ToLower(msg)

	switch {
	case strings.Contains(errStr, "authentication expired") || strings.Contains(errStr, "not authenticated"):
		return "Sign in again to keep this calendar up to date."
	case strings.Contains(errStr, "rate limited"):
		return "The provider is rate limiting requests. Showing cached events."
	case strings.Contains(errStr, "no such host") || strings.Contains(errStr, "lookup"):
		return "Server not found. Showing cached events."
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "The provider timed out. Showing cached events."
	case strings.Contains(errStr, "certificate") || strings.Contains(errStr, "tls"):
		return "SSL/TLS error. Please verify the server certificate."
	case strings.Contains(errStr, "panicked"):
		return "The provider failed unexpectedly."
	default:
		return "The provider could not be reached. Showing cached events."
	}
}

// APIEvent is one timeline event in JSON format.
type APIEvent struct {
	ID            string             `json:"id"`
	Title         string             `json:"title"`
	Start         time.Time          `json:"start"`
	End           time.Time          `json:"end"`
	AllDay        bool               `json:"all_day"`
	InProgress    bool               `json:"in_progress"`
	CalendarID    string             `json:"calendar_id"`
	CalendarTitle string             `json:"calendar_title"`
	Color         model.Color        `json:"color"`
	Source        model.ProviderType `json:"source"`
	AccountID     string             `json:"account_id,omitempty"`
	Location      string             `json:"location,omitempty"`
	Notes         string             `json:"notes,omitempty"`
	MeetingURL    string             `json:"meeting_url,omitempty"`
	Platform      meeting.Platform   `json:"meeting_platform,omitempty"`
	URL           string             `json:"url,omitempty"`
	Urgency       urgency.Level      `json:"urgency"`
	TimeLabel     string             `json:"time_label"`
	Conflict      bool               `json:"conflict"`
}

// APITimeline is the merged timeline in JSON format.
type APITimeline struct {
	CycleID   string                  `json:"cycle_id,omitempty"`
	Trigger   string                  `json:"trigger,omitempty"`
	UpdatedAt *time.Time              `json:"updated_at"`
	From      *time.Time              `json:"from,omitempty"`
	To        *time.Time              `json:"to,omitempty"`
	Health    aggregator.Health       `json:"health,omitempty"`
	State     aggregator.State        `json:"state"`
	Events    []APIEvent              `json:"events"`
	Reauth    []model.CalendarAccount `json:"reauth"`
	Outcomes  []APIOutcome            `json:"outcomes"`
}

// APIOutcome is the result of one provider in the last cycle.
type APIOutcome struct {
	AccountID   string                 `json:"account_id"`
	Provider    model.ProviderType     `json:"provider"`
	Kind        aggregator.OutcomeKind `json:"kind"`
	EventCount  int                    `json:"event_count"`
	NeedsReauth bool                   `json:"needs_reauth"`
	Message     string                 `json:"message,omitempty"`
}

// APIConflict is one pair of overlapping events.
type APIConflict struct {
	First          APIEvent `json:"first"`
	Second         APIEvent `json:"second"`
	OverlapMinutes int      `json:"overlap_minutes"`
}

// APICalendar is a calendar with its display state.
type APICalendar struct {
	model.CalendarInfo
	Enabled bool `json:"enabled"`
}

// APIAccount is a connected account with its last refresh result.
type APIAccount struct {
	model.CalendarAccount
	ProviderName  string                 `json:"provider_name"`
	NeedsReauth   bool                   `json:"needs_reauth"`
	ReauthAlerted bool                   `json:"reauth_alerted"`
	Status        aggregator.OutcomeKind `json:"status,omitempty"`
	EventCount    int                    `json:"event_count"`
	Message       string                 `json:"message,omitempty"`
}

// APIAccountUpdate is the body of an account rename.
type APIAccountUpdate struct {
	DisplayName string `json:"display_name"`
}

// APISchedule is the refresh schedule and its next run.
type APISchedule struct {
	Schedule string     `json:"schedule" binding:"required"`
	NextRun  *time.Time `json:"next_run,omitempty"`
}

// APIRefreshLog is a refresh log in JSON format.
type APIRefreshLog struct {
	ID              string  `json:"id"`
	CycleID         string  `json:"cycle_id"`
	Trigger         string  `json:"trigger"`
	Status          string  `json:"status"`
	Message         string  `json:"message"`
	EventCount      int     `json:"event_count"`
	ProviderCount   int     `json:"provider_count"`
	FailedProviders int     `json:"failed_providers"`
	ReauthCount     int     `json:"reauth_count"`
	ConflictCount   int     `json:"conflict_count"`
	Duration        float64 `json:"duration"`
	CreatedAt       string  `json:"created_at"`
}

// APIHistorySummary holds aggregate refresh statistics.
type APIHistorySummary struct {
	TotalRefreshes  int     `json:"total_refreshes"`
	SuccessRate     float64 `json:"success_rate"`
	AvgDurationSecs float64 `json:"avg_duration_secs"`
}

func (h *Handlers) renderOptions() render.Options {
	return render.OptionsFromSettings(h.settings.Get(), h.now())
}

func eventToAPI(e model.Event, opts render.Options, conflicts conflict.Set) APIEvent {
	level := urgency.Classify(e.Start.Sub(opts.Now), opts.Thresholds)
	if e.AllDay {
		level = urgency.Normal
	}

	out := APIEvent{
		ID:            e.ID,
		Title:         render.Title(e, 0, opts.Private),
		Start:         e.Start,
		End:           e.End,
		AllDay:        e.AllDay,
		InProgress:    e.IsInProgress(opts.Now),
		CalendarID:    e.CalendarID,
		CalendarTitle: e.CalendarTitle,
		Color:         e.CalendarColor,
		Source:        e.Source,
		AccountID:     e.AccountID,
		Urgency:       level,
		TimeLabel:     render.TimeLabel(e, opts),
		Conflict:      conflicts.Contains(e),
	}
	if !opts.Private {
		out.Location = e.Location
		out.Notes = e.Notes
	}
	if e.MeetingURL != nil {
		out.MeetingURL = e.MeetingURL.String()
		out.Platform, _ = meeting.PlatformOf(e.MeetingURL)
	}
	if e.URL != nil {
		out.URL = e.URL.String()
	}
	return out
}

func outcomeToAPI(o aggregator.Outcome) APIOutcome {
	return APIOutcome{
		AccountID:   o.Account.ID,
		Provider:    o.Account.ProviderType,
		Kind:        o.Kind,
		EventCount:  o.EventCount,
		NeedsReauth: o.NeedsReauth,
		Message:     categorizeProviderError(o.Error),
	}
}

func (h *Handlers) timelineToAPI(t *aggregator.Timeline, opts render.Options) APITimeline {
	out := APITimeline{
		State:    h.manager.State(),
		Events:   []APIEvent{},
		Reauth:   []model.CalendarAccount{},
		Outcomes: []APIOutcome{},
	}
	if t == nil {
		return out
	}

	updated, from, to := t.StartedAt, t.From, t.To
	out.CycleID = t.CycleID
	out.Trigger = t.Trigger
	out.UpdatedAt = &updated
	out.From = &from
	out.To = &to
	out.Health = t.Health()

	conflicts := conflict.IDs(t.Events)
	for _, e := range t.Upcoming(opts.Now, opts.HideAllDay, opts.Limit) {
		out.Events = append(out.Events, eventToAPI(e, opts, conflicts))
	}
	out.Reauth = append(out.Reauth, t.Reauth...)
	for _, o := range t.Outcomes {
		out.Outcomes = append(out.Outcomes, outcomeToAPI(o))
	}
	return out
}

func refreshLogToAPI(l *db.RefreshLog) APIRefreshLog {
	return APIRefreshLog{
		ID:              l.ID,
		CycleID:         l.CycleID,
		Trigger:         string(l.Trigger),
		Status:          string(l.Status),
		Message:         l.Message,
		EventCount:      l.EventCount,
		ProviderCount:   l.ProviderCount,
		FailedProviders: l.FailedProviders,
		ReauthCount:     l.ReauthCount,
		ConflictCount:   l.ConflictCount,
		Duration:        l.Duration.Seconds(),
		CreatedAt:       l.CreatedAt.Format(time.RFC3339),
	}
}

// queryLimit parses a non-negative integer query parameter.
func queryLimit(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name + " parameter"})
		return 0, false
	}
	return n, true
}

// HealthCheck reports database and refresh health.
func (h *Handlers) HealthCheck(c *gin.Context) {
	report := gin.H{
		"status":        "healthy",
		"refresh_state": h.manager.State(),
		"refreshing":    h.activity.IsRefreshing(),
	}

	if err := h.db.Ping(); err != nil {
		log.Printf("Health check: database ping failed: %v", err)
		report["status"] = "unhealthy"
		report["database"] = "unavailable"
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	report["database"] = "ok"

	if t := h.manager.Timeline(); t != nil {
		report["last_refresh"] = t.StartedAt
		report["last_result"] = t.Health()
		if t.Health() != aggregator.HealthSuccess {
			report["status"] = "degraded"
		}
	}
	if next := h.scheduler.NextRun(); !next.IsZero() {
		report["next_refresh"] = next
	}
	c.JSON(http.StatusOK, report)
}

// APITimeline returns the upcoming events of the last published timeline.
func (h *Handlers) APITimeline(c *gin.Context) {
	opts := h.renderOptions()
	limit, ok := queryLimit(c, "limit", opts.Limit)
	if !ok {
		return
	}
	opts.Limit = limit

	c.JSON(http.StatusOK, h.timelineToAPI(h.manager.Timeline(), opts))
}

// APINext returns the next event and how often a countdown for it should be
// redrawn.
func (h *Handlers) APINext(c *gin.Context) {
	opts := h.renderOptions()
	t := h.manager.Timeline()

	next, ok := t.Next(opts.Now, opts.HideAllDay)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"event": nil})
		return
	}

	remaining := next.Start.Sub(opts.Now)
	c.JSON(http.StatusOK, gin.H{
		"event":        eventToAPI(next, opts, conflict.IDs(t.Events)),
		"countdown":    render.Countdown(remaining, opts.NaturalLanguage),
		"tick_seconds": int(urgency.TickInterval(remaining) / time.Second),
	})
}

// APIConflicts returns the overlapping pairs that have not ended yet.
func (h *Handlers) APIConflicts(c *gin.Context) {
	opts := h.renderOptions()
	t := h.manager.Timeline()
	conflicts := conflict.IDs(t.Upcoming(opts.Now, false, 0))

	out := make([]APIConflict, 0)
	for _, p := range t.Conflicts() {
		if p.First.HasEnded(opts.Now) || p.Second.HasEnded(opts.Now) {
			continue
		}
		end := p.First.End
		if p.Second.End.Before(end) {
			end = p.Second.End
		}
		out = append(out, APIConflict{
			First:          eventToAPI(p.First, opts, conflicts),
			Second:         eventToAPI(p.Second, opts, conflicts),
			OverlapMinutes: int(end.Sub(p.Second.Start) / time.Minute),
		})
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": out})
}

// APICalendars lists the calendars of every provider together with the
// display priority.
func (h *Handlers) APICalendars(c *gin.Context) {
	calendars := h.manager.FetchAllCalendars(c.Request.Context())
	s := h.settings.Get()

	enabled := make(map[string]bool)
	for _, id := range s.CalendarFilter() {
		enabled[id] = true
	}

	out := make([]APICalendar, 0, len(calendars))
	for _, cal := range calendars {
		out = append(out, APICalendar{
			CalendarInfo: cal,
			Enabled:      len(enabled) == 0 || enabled[cal.ID],
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"calendars": out,
		"priority":  aggregator.InitPriority(s.CalendarPriority, calendars),
	})
}

// APIAccounts lists the registered accounts.
func (h *Handlers) APIAccounts(c *gin.Context) {
	reauth := make(map[string]bool)
	for _, a := range h.manager.ReauthAccounts() {
		reauth[a.ID] = true
	}

	outcomes := make(map[string]aggregator.Outcome)
	if t := h.manager.Timeline(); t != nil {
		for _, o := range t.Outcomes {
			outcomes[o.Account.ID] = o
		}
	}

	alerted := make(map[string]bool)
	for _, id := range h.notifier.FlaggedAccountIDs() {
		alerted[id] = true
	}

	accounts := h.manager.Accounts()
	out := make([]APIAccount, 0, len(accounts))
	for _, a := range accounts {
		entry := APIAccount{
			CalendarAccount: a,
			ProviderName:    a.ProviderType.DisplayName(),
			NeedsReauth:     reauth[a.ID],
			ReauthAlerted:   alerted[a.ID],
		}
		if o, ok := outcomes[a.ID]; ok {
			entry.Status = o.Kind
			entry.EventCount = o.EventCount
			entry.Message = categorizeProviderError(o.Error)
		}
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

// APIDeleteAccount signs an account out and removes it with its credentials
// and cached events.
func (h *Handlers) APIDeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if id == model.LocalAccountID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "The local calendar cannot be removed"})
		return
	}

	if _, err := h.auth.Account(id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load account")})
		return
	}

	if err := h.manager.Disconnect(c.Request.Context(), id); err != nil && !errors.Is(err, aggregator.ErrUnknownAccount) {
		log.Printf("Failed to disconnect account %s: %v", id, err)
	}
	if err := h.auth.RemoveAccount(id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to remove account")})
		return
	}
	h.notifier.ClearAccount(id)
	h.scheduler.TriggerRefresh()

	c.JSON(http.StatusOK, gin.H{"message": "Account removed"})
}

// APIUpdateAccount renames an account. The new name shows from the next
// refresh on.
func (h *Handlers) APIUpdateAccount(c *gin.Context) {
	id := c.Param("id")
	if id == model.LocalAccountID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "The local calendar cannot be renamed"})
		return
	}

	var req APIAccountUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if len(name) > maxDisplayNameLength {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Display name is too long"})
		return
	}

	account, err := h.auth.RenameAccount(id, name)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update account")})
		return
	}

	if _, ok := h.manager.Provider(id); ok {
		p, err := h.factory.New(account)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to register account")})
			return
		}
		h.manager.AddProvider(p)
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Account updated",
		"account": APIAccount{
			CalendarAccount: account,
			ProviderName:    account.ProviderType.DisplayName(),
		},
	})
}

// APIRefresh runs a refresh cycle and returns the new timeline.
func (h *Handlers) APIRefresh(c *gin.Context) {
	t := h.scheduler.RefreshNow(c.Request.Context(), db.RefreshTriggerManual)
	if t == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Refresh failed"})
		return
	}
	c.JSON(http.StatusOK, h.timelineToAPI(t, h.renderOptions()))
}

// APIActivity returns the running and recent refresh cycles.
func (h *Handlers) APIActivity(c *gin.Context) {
	c.JSON(http.StatusOK, h.activity.GetAll())
}

// APIHistory returns the persisted refresh logs, newest first.
func (h *Handlers) APIHistory(c *gin.Context) {
	limit, ok := queryLimit(c, "limit", defaultHistoryLimit)
	if !ok {
		return
	}
	if limit == 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	logs, err := h.db.GetRefreshLogs(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to load refresh history")})
		return
	}

	out := make([]APIRefreshLog, 0, len(logs))
	var summary APIHistorySummary
	var succeeded int
	var totalDuration time.Duration
	for _, l := range logs {
		out = append(out, refreshLogToAPI(l))
		if l.Status == db.RefreshStatusSuccess {
			succeeded++
		}
		totalDuration += l.Duration
	}
	summary.TotalRefreshes = len(logs)
	if len(logs) > 0 {
		summary.SuccessRate = float64(succeeded) / float64(len(logs)) * 100
		summary.AvgDurationSecs = totalDuration.Seconds() / float64(len(logs))
	}

	c.JSON(http.StatusOK, gin.H{"history": out, "summary": summary})
}

// APIGetSettings returns the stored display settings.
func (h *Handlers) APIGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.settings.Get())
}

// APIUpdateSettings replaces the display settings and refreshes with them.
func (h *Handlers) APIUpdateSettings(c *gin.Context) {
	var s config.Settings
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.settings.Update(&s); err != nil {
		if errors.Is(err, config.ErrInvalidSettings) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to save settings")})
		return
	}

	h.scheduler.TriggerRefresh()
	c.JSON(http.StatusOK, h.settings.Get())
}

func (h *Handlers) scheduleToAPI() APISchedule {
	out := APISchedule{Schedule: h.scheduler.Spec()}
	if next := h.scheduler.NextRun(); !next.IsZero() {
		out.NextRun = &next
	}
	return out
}

// APIGetSchedule returns the refresh schedule.
func (h *Handlers) APIGetSchedule(c *gin.Context) {
	c.JSON(http.StatusOK, h.scheduleToAPI())
}

// APIUpdateSchedule replaces the refresh schedule until the next restart.
func (h *Handlers) APIUpdateSchedule(c *gin.Context) {
	var req APISchedule
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.scheduler.UpdateSchedule(strings.TrimSpace(req.Schedule)); err != nil {
		if errors.Is(err, scheduler.ErrInvalidSpec) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid refresh schedule"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to update schedule")})
		return
	}
	c.JSON(http.StatusOK, h.scheduleToAPI())
}

// Feed serves the merged timeline as an iCalendar feed.
func (h *Handlers) Feed(c *gin.Context) {
	var events []model.Event
	if t := h.manager.Timeline(); t != nil {
		events = t.Events
	}

	if h.settings.Get().Private() {
		redacted := make([]model.Event, len(events))
		for i, e := range events {
			e.Title = render.Title(e, 0, true)
			e.Location = ""
			e.Notes = ""
			redacted[i] = e
		}
		events = redacted
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, events, export.Options{Name: feedName, Stamp: h.now()}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to build calendar feed")})
		return
	}

	c.Header("Content-Disposition", `inline; filename="upnext.ics"`)
	c.Data(http.StatusOK, "text/calendar; charset=utf-8", buf.Bytes())
}
