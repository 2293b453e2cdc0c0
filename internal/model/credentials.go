package model

import "time"

// RefreshWindow is how long before expiry credentials should be refreshed.
const RefreshWindow = 5 * time.Minute

// OAuthCredentials are the tokens for one remote account.
type OAuthCredentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	AccountID    string
	ProviderType ProviderType
}

// IsExpired reports whether now >= ExpiresAt.
func (c *OAuthCredentials) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// NeedsRefresh reports whether now >= ExpiresAt - RefreshWindow.
func (c *OAuthCredentials) NeedsRefresh(now time.Time) bool {
	return !now.Before(c.ExpiresAt.Add(-RefreshWindow))
}

// CanRefresh reports whether a refresh token is available.
func (c *OAuthCredentials) CanRefresh() bool {
	return c.RefreshToken != ""
}
