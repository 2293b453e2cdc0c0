package provider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/macjediwizard/upnext/internal/model"
)

// CredentialSource owns OAuth credentials on behalf of remote adapters.
type CredentialSource interface {
	Credentials(accountID string) (*model.OAuthCredentials, error)
	Reauthenticate(ctx context.Context, account model.CalendarAccount, code string) (*model.OAuthCredentials, error)
	Refresh(ctx context.Context, creds *model.OAuthCredentials) (*model.OAuthCredentials, error)
	SignOut(accountID string) error
}

// Options configures a remote adapter.
type Options struct {
	BaseURL     string
	HTTPClient  *http.Client
	Diagnostics Diagnostics
	Now         func() time.Time
}

// remote holds the account state shared by the Google and Outlook adapters.
type remote struct {
	account model.CalendarAccount
	source  CredentialSource
	diag    Diagnostics
	api     *apiClient
	now     func() time.Time

	mu    sync.RWMutex
	creds *model.OAuthCredentials
}

func newRemote(account model.CalendarAccount, source CredentialSource, opts Options, defaultBase string, keepRetryHint bool) *remote {
	base := opts.BaseURL
	if base == "" {
		base = defaultBase
	}
	r := &remote{
		account: account,
		source:  source,
		diag:    opts.Diagnostics,
		api:     newAPIClient(base, opts.HTTPClient, keepRetryHint),
		now:     opts.Now,
	}
	if r.diag == nil {
		r.diag = LogDiagnostics{}
	}
	if r.now == nil {
		r.now = time.Now
	}
	r.api.now = r.now

	// The copy taken here may go stale; the store stays the owner.
	if source != nil {
		creds, err := source.Credentials(account.ID)
		if err != nil {
			r.diag.Discard("load credentials", account.ID, err)
		} else {
			r.creds = creds
		}
	}
	return r
}

func (r *remote) Type() model.ProviderType {
	return r.account.ProviderType
}

func (r *remote) Account() model.CalendarAccount {
	return r.account
}

func (r *remote) IsAuthenticated() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.creds != nil && !r.creds.IsExpired(r.now())
}

func (r *remote) Authenticate(ctx context.Context, code string) error {
	if code == "" {
		return ErrNoAuthContext
	}
	if r.source == nil {
		return fmt.Errorf("%w: no credential source", ErrNoAuthContext)
	}
	creds, err := r.source.Reauthenticate(ctx, r.account, code)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.creds = creds
	r.mu.Unlock()
	return nil
}

func (r *remote) SignOut(ctx context.Context) {
	r.mu.Lock()
	r.creds = nil
	r.mu.Unlock()

	if r.source == nil {
		return
	}
	if err := r.source.SignOut(r.account.ID); err != nil {
		r.diag.Discard("sign out", r.account.ID, err)
	}
}

// accessToken returns a usable bearer token. Credentials inside the refresh
// window are refreshed first; expired credentials fail without a request.
func (r *remote) accessToken(ctx context.Context) (string, error) {
	r.mu.RLock()
	creds := r.creds
	r.mu.RUnlock()

	if creds == nil {
		return "", ErrNotAuthenticated
	}

	now := r.now()
	if creds.NeedsRefresh(now) && creds.CanRefresh() && r.source != nil {
		refreshed, err := r.source.Refresh(ctx, creds)
		if err != nil {
			r.diag.Discard("token refresh", r.account.ID, err)
		} else {
			r.mu.Lock()
			r.creds = refreshed
			r.mu.Unlock()
			creds = refreshed
		}
	}

	if creds.IsExpired(now) {
		return "", ErrAuthExpired
	}
	return creds.AccessToken, nil
}

// collect fetches every target calendar independently. A failed calendar is
// reported to diagnostics and skipped.
func (r *remote) collect(ctx context.Context, calendars []model.CalendarInfo, fetch func(context.Context, model.CalendarInfo) ([]model.Event, error)) []model.Event {
	events := make([]model.Event, 0)
	for _, cal := range calendars {
		calEvents, err := fetch(ctx, cal)
		if err != nil {
			r.diag.Discard("fetch calendar "+cal.ID, r.account.ID, err)
			continue
		}
		events = append(events, calEvents...)
	}
	sortEvents(events)
	return events
}
