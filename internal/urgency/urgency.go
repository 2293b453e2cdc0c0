// Package urgency classifies how close the next event is.
package urgency

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidThresholds = errors.New("thresholds must satisfy imminent < soon < approaching")

// Level is a discrete urgency tier. Higher values are more urgent.
type Level int

const (
	Normal Level = iota
	Approaching
	Soon
	Imminent
	Now
)

// String returns the lowercase tier name.
func (l Level) String() string {
	switch l {
	case Now:
		return "now"
	case Imminent:
		return "imminent"
	case Soon:
		return "soon"
	case Approaching:
		return "approaching"
	default:
		return "normal"
	}
}

// MarshalText lets Level render as its name in JSON.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Thresholds are the upper bounds of the Imminent, Soon and Approaching tiers.
type Thresholds struct {
	Imminent    time.Duration
	Soon        time.Duration
	Approaching time.Duration
}

// DefaultThresholds are 5, 15 and 30 minutes.
var DefaultThresholds = Thresholds{
	Imminent:    5 * time.Minute,
	Soon:        15 * time.Minute,
	Approaching: 30 * time.Minute,
}

// Validate checks the ordering constraint. Classify does not re-check it.
func (t Thresholds) Validate() error {
	if t.Imminent <= 0 || t.Imminent >= t.Soon || t.Soon >= t.Approaching {
		return fmt.Errorf("%w: got %v, %v, %v", ErrInvalidThresholds, t.Imminent, t.Soon, t.Approaching)
	}
	return nil
}

// Classify maps the time remaining until an event to a Level.
func Classify(remaining time.Duration, t Thresholds) Level {
	switch {
	case remaining <= 0:
		return Now
	case remaining < t.Imminent:
		return Imminent
	case remaining < t.Soon:
		return Soon
	case remaining < t.Approaching:
		return Approaching
	default:
		return Normal
	}
}

// secondsThreshold is where countdowns switch to per-second updates.
const secondsThreshold = 5 * time.Minute

// TickInterval is how often a countdown for remaining should be redrawn.
func TickInterval(remaining time.Duration) time.Duration {
	if remaining <= secondsThreshold {
		return time.Second
	}
	return time.Minute
}

// FormatCountdown renders remaining as "42s", "4m 05s", "37m", "2h 10m" or "1d 3h".
func FormatCountdown(remaining time.Duration) string {
	secs := int(remaining / time.Second)
	if remaining <= 0 {
		return "Now"
	}
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds", secs)
	case secs < 300:
		return fmt.Sprintf("%dm %02ds", secs/60, secs%60)
	case secs < 3600:
		return fmt.Sprintf("%dm", secs/60)
	case secs < 86400:
		h, m := secs/3600, (secs%3600)/60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh %dm", h, m)
	}

	d, h, m := secs/86400, (secs%86400)/3600, (secs%3600)/60
	switch {
	case h == 0 && m == 0:
		return fmt.Sprintf("%dd", d)
	case h == 0:
		return fmt.Sprintf("%dd %dm", d, m)
	case m == 0:
		return fmt.Sprintf("%dd %dh", d, h)
	default:
		return fmt.Sprintf("%dd %dh %dm", d, h, m)
	}
}

// Describe renders remaining as a loose phrase such as "very soon" or "in 3 hours".
func Describe(remaining time.Duration) string {
	switch {
	case remaining < time.Minute:
		return "now"
	case remaining < 5*time.Minute:
		return "very soon"
	case remaining < 15*time.Minute:
		return "soon"
	case remaining < 30*time.Minute:
		return "shortly"
	case remaining < time.Hour:
		return "in under an hour"
	case remaining < 2*time.Hour:
		return "in about an hour"
	default:
		return fmt.Sprintf("in %d hours", int(remaining/time.Hour))
	}
}
