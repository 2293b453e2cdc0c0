package provider

import (
	"fmt"
	"strings"
	"time"
)

// windowsZones maps the legacy Windows zone names Graph returns to IANA names.
var windowsZones = map[string]string{
	"Pacific Standard Time":          "America/Los_Angeles",
	"Mountain Standard Time":         "America/Denver",
	"Central Standard Time":          "America/Chicago",
	"Eastern Standard Time":          "America/New_York",
	"Atlantic Standard Time":         "America/Halifax",
	"Alaskan Standard Time":          "America/Anchorage",
	"Hawaiian Standard Time":         "Pacific/Honolulu",
	"GMT Standard Time":              "Europe/London",
	"Central European Standard Time": "Europe/Berlin",
	"Central Europe Standard Time":   "Europe/Budapest",
	"W. Europe Standard Time":        "Europe/Berlin",
	"Romance Standard Time":          "Europe/Paris",
	"UTC":                            "UTC",
	"Coordinated Universal Time":     "UTC",
	"Tokyo Standard Time":            "Asia/Tokyo",
	"China Standard Time":            "Asia/Shanghai",
	"India Standard Time":            "Asia/Kolkata",
	"AUS Eastern Standard Time":      "Australia/Sydney",
}

// ResolveZone turns an IANA name, a Windows zone name or a GMT offset such as
// "GMT-0400" into a location. It returns nil when the name is unrecognized.
func ResolveZone(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if loc, err := time.LoadLocation(name); err == nil {
		return loc
	}
	if iana, ok := windowsZones[name]; ok {
		if loc, err := time.LoadLocation(iana); err == nil {
			return loc
		}
	}
	return parseGMTOffset(name)
}

// zoneOrLocal resolves name, falling back to the system zone.
func zoneOrLocal(name string) *time.Location {
	if loc := ResolveZone(name); loc != nil {
		return loc
	}
	return time.Local
}

// parseGMTOffset parses "GMT-0400", "GMT+0530" or "UTC+05:30" into a fixed zone.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	matched := false
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}
	if offset == "" {
		return time.UTC
	}

	sign := 1
	switch offset[0] {
	case '-':
		sign = -1
		offset = offset[1:]
	case '+':
		offset = offset[1:]
	default:
		return nil
	}
	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	var err error
	switch len(offset) {
	case 1, 2:
		_, err = fmt.Sscanf(offset, "%d", &hours)
	case 3:
		_, err = fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		_, err = fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}
	if err != nil || hours > 14 || minutes > 59 {
		return nil
	}

	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}
