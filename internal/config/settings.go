package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/macjediwizard/upnext/internal/urgency"
)

const (
	DefaultMaxEvents   = 10
	DefaultTitleLength = 30
	DefaultLookahead   = 24 * time.Hour
)

var (
	ErrSettings        = errors.New("settings file error")
	ErrInvalidSettings = errors.New("invalid settings")
)

// TimeDisplay selects how event times are shown.
type TimeDisplay string

const (
	TimeCountdown TimeDisplay = "countdown"
	TimeAbsolute  TimeDisplay = "absolute"
	TimeBoth      TimeDisplay = "both"
)

func (d TimeDisplay) valid() bool {
	return d == TimeCountdown || d == TimeAbsolute || d == TimeBoth
}

// ThresholdSettings are urgency tier bounds in seconds.
type ThresholdSettings struct {
	Imminent    int `yaml:"imminent" json:"imminent"`
	Soon        int `yaml:"soon" json:"soon"`
	Approaching int `yaml:"approaching" json:"approaching"`
}

// Settings are the user's display preferences. A nil field means the default
// applies.
type Settings struct {
	CalendarPriority []string           `yaml:"calendar_priority,omitempty" json:"calendar_priority,omitempty"`
	EnabledCalendars []string           `yaml:"enabled_calendars,omitempty" json:"enabled_calendars,omitempty"`
	Thresholds       *ThresholdSettings `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	// MaxEvents and TitleLength treat 0 as unlimited.
	MaxEvents        *int  `yaml:"max_events,omitempty" json:"max_events,omitempty"`
	TitleLength      *int  `yaml:"title_length,omitempty" json:"title_length,omitempty"`
	HideAllDay       *bool `yaml:"hide_all_day,omitempty" json:"hide_all_day,omitempty"`
	LookaheadSeconds *int  `yaml:"lookahead_seconds,omitempty" json:"lookahead_seconds,omitempty"`

	TimeDisplay     *TimeDisplay `yaml:"time_display,omitempty" json:"time_display,omitempty"`
	NaturalLanguage *bool        `yaml:"natural_language,omitempty" json:"natural_language,omitempty"`
	PrivacyMode     *bool        `yaml:"privacy_mode,omitempty" json:"privacy_mode,omitempty"`
}

// LoadSettings reads path. A missing file yields empty settings.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Settings{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSettings, err)
	}

	s := &Settings{}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSettings, path, err)
	}
	s.repair()
	return s, nil
}

// repair drops values that cannot be used so the defaults apply instead.
func (s *Settings) repair() {
	if s.Thresholds != nil {
		if err := s.thresholds().Validate(); err != nil {
			log.Printf("Ignoring urgency thresholds from settings: %v", err)
			s.Thresholds = nil
		}
	}
	if s.MaxEvents != nil && *s.MaxEvents < 0 {
		log.Printf("Ignoring negative max_events %d", *s.MaxEvents)
		s.MaxEvents = nil
	}
	if s.TitleLength != nil && *s.TitleLength < 0 {
		log.Printf("Ignoring negative title_length %d", *s.TitleLength)
		s.TitleLength = nil
	}
	if s.LookaheadSeconds != nil && *s.LookaheadSeconds <= 0 {
		log.Printf("Ignoring non-positive lookahead_seconds %d", *s.LookaheadSeconds)
		s.LookaheadSeconds = nil
	}
	if s.TimeDisplay != nil && !s.TimeDisplay.valid() {
		log.Printf("Ignoring unknown time_display %q", *s.TimeDisplay)
		s.TimeDisplay = nil
	}
}

// Validate rejects the values repair would drop.
func (s *Settings) Validate() error {
	if s.Thresholds != nil {
		if err := s.thresholds().Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
		}
	}
	switch {
	case s.MaxEvents != nil && *s.MaxEvents < 0:
		return fmt.Errorf("%w: max_events must not be negative", ErrInvalidSettings)
	case s.TitleLength != nil && *s.TitleLength < 0:
		return fmt.Errorf("%w: title_length must not be negative", ErrInvalidSettings)
	case s.LookaheadSeconds != nil && *s.LookaheadSeconds <= 0:
		return fmt.Errorf("%w: lookahead_seconds must be positive", ErrInvalidSettings)
	case s.TimeDisplay != nil && !s.TimeDisplay.valid():
		return fmt.Errorf("%w: unknown time_display %q", ErrInvalidSettings, *s.TimeDisplay)
	}
	return nil
}

// Save writes the settings atomically with 0600 permissions.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSettings, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %w", ErrSettings, err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSettings, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", ErrSettings, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrSettings, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("%w: %w", ErrSettings, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: %w", ErrSettings, err)
	}
	return nil
}

func (s *Settings) thresholds() urgency.Thresholds {
	return urgency.Thresholds{
		Imminent:    time.Duration(s.Thresholds.Imminent) * time.Second,
		Soon:        time.Duration(s.Thresholds.Soon) * time.Second,
		Approaching: time.Duration(s.Thresholds.Approaching) * time.Second,
	}
}

// UrgencyThresholds returns the configured thresholds or the defaults.
func (s *Settings) UrgencyThresholds() urgency.Thresholds {
	if s.Thresholds == nil {
		return urgency.DefaultThresholds
	}
	return s.thresholds()
}

// EventLimit returns the maximum number of events to show; 0 is unlimited.
func (s *Settings) EventLimit() int {
	if s.MaxEvents == nil {
		return DefaultMaxEvents
	}
	return *s.MaxEvents
}

// TitleLimit returns the maximum title length in runes; 0 is unlimited.
func (s *Settings) TitleLimit() int {
	if s.TitleLength == nil {
		return DefaultTitleLength
	}
	return *s.TitleLength
}

// HidesAllDay reports whether all-day events are hidden. Defaults to true.
func (s *Settings) HidesAllDay() bool {
	if s.HideAllDay == nil {
		return true
	}
	return *s.HideAllDay
}

// Lookahead returns how far ahead to fetch.
func (s *Settings) Lookahead() time.Duration {
	if s.LookaheadSeconds == nil {
		return DefaultLookahead
	}
	return time.Duration(*s.LookaheadSeconds) * time.Second
}

// CalendarFilter returns the enabled calendar ids, or nil for all.
func (s *Settings) CalendarFilter() []string {
	if len(s.EnabledCalendars) == 0 {
		return nil
	}
	return s.EnabledCalendars
}

// TimeFormat returns how event times are shown. Defaults to countdown.
func (s *Settings) TimeFormat() TimeDisplay {
	if s.TimeDisplay == nil {
		return TimeCountdown
	}
	return *s.TimeDisplay
}

// UsesNaturalLanguage reports whether countdowns are phrased loosely.
func (s *Settings) UsesNaturalLanguage() bool {
	return s.NaturalLanguage != nil && *s.NaturalLanguage
}

// Private reports whether event titles are hidden.
func (s *Settings) Private() bool {
	return s.PrivacyMode != nil && *s.PrivacyMode
}

// SettingsStore holds the live settings. Readers get a snapshot that must not
// be modified; Update swaps in a new one.
type SettingsStore struct {
	path string

	mu      sync.RWMutex
	current *Settings
}

// NewSettingsStore loads the settings at path.
func NewSettingsStore(path string) (*SettingsStore, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	return &SettingsStore{path: path, current: s}, nil
}

// Get returns the current settings.
func (st *SettingsStore) Get() *Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.current
}

// Update validates s, writes it to disk and makes it current.
func (st *SettingsStore) Update(s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if err := s.Save(st.path); err != nil {
		return err
	}
	st.current = s
	return nil
}
