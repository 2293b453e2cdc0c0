package db

import (
	"time"
)

// RefreshStatus is the outcome of one refresh cycle.
type RefreshStatus string

const (
	RefreshStatusSuccess RefreshStatus = "success"
	RefreshStatusPartial RefreshStatus = "partial" // some providers were served from cache
	RefreshStatusError   RefreshStatus = "error"   // no provider returned live data
)

// RefreshTrigger records what started a cycle.
type RefreshTrigger string

const (
	RefreshTriggerScheduled RefreshTrigger = "scheduled"
	RefreshTriggerManual    RefreshTrigger = "manual"
	RefreshTriggerStartup   RefreshTrigger = "startup"
)

// ValidRefreshStatuses contains all valid refresh status values.
var ValidRefreshStatuses = map[RefreshStatus]bool{
	RefreshStatusSuccess: true,
	RefreshStatusPartial: true,
	RefreshStatusError:   true,
}

// IsValid returns true if the status is a known valid value.
func (s RefreshStatus) IsValid() bool {
	return ValidRefreshStatuses[s]
}

// Account is a stored calendar account.
type Account struct {
	ID           string    `json:"id"`
	ProviderType string    `json:"provider_type"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Credential is the stored token pair of one account. Tokens are kept in
// their sealed form; the database never sees plaintext.
type Credential struct {
	AccountID    string    `json:"account_id"`
	ProviderType string    `json:"provider_type"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RefreshLog is the persisted summary of one refresh cycle.
type RefreshLog struct {
	ID              string         `json:"id"`
	CycleID         string         `json:"cycle_id"`
	Trigger         RefreshTrigger `json:"trigger"`
	Status          RefreshStatus  `json:"status"`
	Message         string         `json:"message"`
	EventCount      int            `json:"event_count"`
	ProviderCount   int            `json:"provider_count"`
	FailedProviders int            `json:"failed_providers"`
	ReauthCount     int            `json:"reauth_count"`
	ConflictCount   int            `json:"conflict_count"`
	Duration        time.Duration  `json:"duration"`
	CreatedAt       time.Time      `json:"created_at"`
}
