// Package render draws the merged timeline as a terminal agenda.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/macjediwizard/upnext/internal/aggregator"
	"github.com/macjediwizard/upnext/internal/config"
	"github.com/macjediwizard/upnext/internal/conflict"
	"github.com/macjediwizard/upnext/internal/model"
	"github.com/macjediwizard/upnext/internal/urgency"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	urgencyStyles = map[urgency.Level]lipgloss.Style{
		urgency.Now:         lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		urgency.Imminent:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208")),
		urgency.Soon:        lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		urgency.Approaching: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		urgency.Normal:      lipgloss.NewStyle(),
	}
)

// Options controls what the agenda shows.
type Options struct {
	Now        time.Time
	Location   *time.Location
	Thresholds urgency.Thresholds
	// Limit and TitleLength treat 0 as unlimited.
	Limit           int
	TitleLength     int
	HideAllDay      bool
	TimeDisplay     config.TimeDisplay
	NaturalLanguage bool
	Private         bool
}

// OptionsFromSettings builds Options from the user's settings.
func OptionsFromSettings(s *config.Settings, now time.Time) Options {
	return Options{
		Now:             now,
		Location:        time.Local,
		Thresholds:      s.UrgencyThresholds(),
		Limit:           s.EventLimit(),
		TitleLength:     s.TitleLimit(),
		HideAllDay:      s.HidesAllDay(),
		TimeDisplay:     s.TimeFormat(),
		NaturalLanguage: s.UsesNaturalLanguage(),
		Private:         s.Private(),
	}
}

// Title returns the display title of e, hidden in private mode and cut to
// limit runes.
func Title(e model.Event, limit int, private bool) string {
	if private {
		return "Event"
	}
	runes := []rune(e.Title)
	if limit > 0 && len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return e.Title
}

// Countdown renders the time until start in the configured style.
func Countdown(remaining time.Duration, natural bool) string {
	if natural {
		return urgency.Describe(remaining)
	}
	if remaining <= 0 {
		return "now"
	}
	return "in " + urgency.FormatCountdown(remaining)
}

// TimeLabel renders the time column of e.
func TimeLabel(e model.Event, opts Options) string {
	if e.AllDay {
		return "All day"
	}
	if e.IsInProgress(opts.Now) {
		return "ends " + e.End.In(opts.location()).Format("15:04")
	}

	absolute := e.Start.In(opts.location()).Format("15:04")
	countdown := Countdown(e.Start.Sub(opts.Now), opts.NaturalLanguage)
	switch opts.TimeDisplay {
	case config.TimeAbsolute:
		return absolute
	case config.TimeBoth:
		return fmt.Sprintf("%s (%s)", countdown, absolute)
	default:
		return countdown
	}
}

func (o Options) location() *time.Location {
	if o.Location == nil {
		return time.UTC
	}
	return o.Location
}

// Agenda renders t as a header, a highlighted next event, the upcoming list
// and a status footer.
func Agenda(t *aggregator.Timeline, opts Options) string {
	lines := []string{headerStyle.Render("UpNext · " + opts.Now.In(opts.location()).Format("Mon 2 Jan 15:04"))}

	if next, ok := t.Next(opts.Now, opts.HideAllDay); ok {
		lines = append(lines, panelStyle.Render(renderNext(next, opts)))
	} else {
		lines = append(lines, panelStyle.Render(mutedStyle.Render("Nothing coming up")))
	}

	upcoming := t.Upcoming(opts.Now, opts.HideAllDay, opts.Limit)
	conflicts := conflict.IDs(upcoming)
	for _, e := range upcoming {
		lines = append(lines, renderRow(e, conflicts.Contains(e), opts))
	}

	if t != nil {
		for _, a := range t.Reauth {
			label := a.ProviderType.DisplayName()
			if a.Email != "" {
				label += " (" + a.Email + ")"
			}
			lines = append(lines, warningStyle.Render("Sign in again: "+label))
		}
	}

	lines = append(lines, renderFooter(t, opts))
	return strings.Join(lines, "\n")
}

func renderNext(e model.Event, opts Options) string {
	remaining := e.Start.Sub(opts.Now)
	style := urgencyStyles[urgency.Classify(remaining, opts.Thresholds)]

	var b strings.Builder
	b.WriteString(style.Render(Title(e, opts.TitleLength, opts.Private)))
	b.WriteString("  ")
	b.WriteString(style.Render(TimeLabel(e, opts)))
	if e.Location != "" && !opts.Private {
		b.WriteString("\n")
		b.WriteString(mutedStyle.Render(e.Location))
	}
	if e.MeetingURL != nil {
		b.WriteString("\n")
		b.WriteString("Join: " + e.MeetingURL.String())
	}
	return b.String()
}

func renderRow(e model.Event, conflicted bool, opts Options) string {
	dot := lipgloss.NewStyle().Foreground(lipgloss.Color(e.CalendarColor.Hex())).Render("●")
	marker := " "
	if conflicted {
		marker = warningStyle.Render("!")
	}
	meeting := ""
	if e.MeetingURL != nil {
		meeting = " " + mutedStyle.Render("[video]")
	}

	level := urgency.Classify(e.Start.Sub(opts.Now), opts.Thresholds)
	if e.AllDay {
		level = urgency.Normal
	}
	label := urgencyStyles[level].Render(TimeLabel(e, opts))

	return fmt.Sprintf("%s %s %s  %s%s", dot, marker, Title(e, opts.TitleLength, opts.Private), label, meeting)
}

func renderFooter(t *aggregator.Timeline, opts Options) string {
	if t == nil {
		return mutedStyle.Render("Not refreshed yet")
	}
	status := fmt.Sprintf("Updated %s · %d events · %d sources",
		t.StartedAt.In(opts.location()).Format("15:04"), len(t.Events), len(t.Outcomes))
	if failed := t.FailedCount(); failed > 0 {
		return errorStyle.Render(fmt.Sprintf("%s · %d not live", status, failed))
	}
	return mutedStyle.Render(status)
}
