package model

import "time"

// ProviderType identifies the kind of calendar backend.
type ProviderType string

const (
	ProviderLocal   ProviderType = "local"
	ProviderGoogle  ProviderType = "google"
	ProviderOutlook ProviderType = "outlook"
)

// LocalAccountID is the fixed account id of the local calendar store.
const LocalAccountID = "local"

// ValidProviderTypes contains all valid provider type values.
var ValidProviderTypes = map[ProviderType]bool{
	ProviderLocal:   true,
	ProviderGoogle:  true,
	ProviderOutlook: true,
}

// IsValid returns true if the provider type is a known valid value.
func (pt ProviderType) IsValid() bool {
	return ValidProviderTypes[pt]
}

// IsRemote returns true for OAuth-backed providers.
func (pt ProviderType) IsRemote() bool {
	return pt == ProviderGoogle || pt == ProviderOutlook
}

// DisplayName returns the human label of the provider.
func (pt ProviderType) DisplayName() string {
	switch pt {
	case ProviderLocal:
		return "Local Calendar"
	case ProviderGoogle:
		return "Google Calendar"
	case ProviderOutlook:
		return "Microsoft Outlook"
	default:
		return string(pt)
	}
}

// CalendarAccount is one connected calendar account.
type CalendarAccount struct {
	ID           string       `json:"id"`
	ProviderType ProviderType `json:"provider_type"`
	Email        string       `json:"email"`
	DisplayName  string       `json:"display_name"`
	CreatedAt    time.Time    `json:"created_at"`
}

// LocalAccount returns the sentinel account of the local calendar store.
func LocalAccount() CalendarAccount {
	return CalendarAccount{
		ID:           LocalAccountID,
		ProviderType: ProviderLocal,
		Email:        "System",
		DisplayName:  "Local Calendars",
	}
}

// IsLocal reports whether the account is the local store.
func (a CalendarAccount) IsLocal() bool {
	return a.ID == LocalAccountID
}
