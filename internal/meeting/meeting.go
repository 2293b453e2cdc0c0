// Package meeting finds video-conference join links in event fields.
package meeting

import (
	"net/url"
	"regexp"
	"strings"
)

// Platform names a video-conference service.
type Platform string

const (
	PlatformZoom       Platform = "zoom"
	PlatformGoogleMeet Platform = "google_meet"
	PlatformTeams      Platform = "teams"
	PlatformWebex      Platform = "webex"
)

type pattern struct {
	platform Platform
	re       *regexp.Regexp
}

// patterns are tried in order; the first listed platform wins.
var patterns = []pattern{
	{PlatformZoom, regexp.MustCompile(`(?i)https?://([a-z0-9]+\.)?zoom(gov)?\.us/(j|my|w)/[a-z0-9/?=&-]+`)},
	{PlatformGoogleMeet, regexp.MustCompile(`(?i)https?://meet\.google\.com/[a-z]+-[a-z]+-[a-z]+`)},
	{PlatformTeams, regexp.MustCompile(`(?i)https?://teams\.microsoft\.com/l/meetup-join/[^\s]+`)},
	{PlatformWebex, regexp.MustCompile(`(?i)https?://([a-z0-9]+\.)?webex\.com/[^\s]+`)},
}

// FindURL returns the first meeting link found in the explicit URL, then the
// location text, then the notes. It returns nil when nothing matches.
func FindURL(explicit *url.URL, location, notes string) *url.URL {
	if explicit != nil && IsMeetingURL(explicit) {
		return explicit
	}
	if u := FindInText(location); u != nil {
		return u
	}
	return FindInText(notes)
}

// FindInText returns the first match of the highest-priority platform that
// appears anywhere in text.
func FindInText(text string) *url.URL {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	for _, p := range patterns {
		match := p.re.FindString(text)
		if match == "" {
			continue
		}
		u, err := url.Parse(match)
		if err != nil {
			continue
		}
		return u
	}
	return nil
}

// IsMeetingURL reports whether u points at a known meeting platform.
func IsMeetingURL(u *url.URL) bool {
	_, ok := PlatformOf(u)
	return ok
}

// PlatformOf returns the platform u belongs to.
func PlatformOf(u *url.URL) (Platform, bool) {
	if u == nil {
		return "", false
	}
	s := u.String()
	for _, p := range patterns {
		if p.re.MatchString(s) {
			return p.platform, true
		}
	}
	return "", false
}
