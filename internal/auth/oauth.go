// Package auth runs the OAuth authorization-code flow for remote calendar
// accounts and owns their credentials afterwards.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/macjediwizard/upnext/internal/credstore"
	"github.com/macjediwizard/upnext/internal/db"
	"github.com/macjediwizard/upnext/internal/model"
)

var (
	ErrMissingConfiguration = errors.New("OAuth client is not configured")
	ErrUnsupportedProvider  = errors.New("provider does not use OAuth")
	ErrUserCancelled        = errors.New("authorization cancelled by user")
	ErrInvalidResponse      = errors.New("invalid authorization response")
	ErrTokenExchange        = errors.New("token exchange failed")
	ErrNetwork              = errors.New("network error during authorization")
)

const (
	googleJWKSURL    = "https://www.googleapis.com/oauth2/v3/certs"
	microsoftJWKSURL = "https://login.microsoftonline.com/common/discovery/v2.0/keys"

	// defaultTokenLifetime applies when the token response has no expires_in.
	defaultTokenLifetime = time.Hour
)

var (
	googleScopes    = []string{oidc.ScopeOpenID, "email", "https://www.googleapis.com/auth/calendar.readonly"}
	microsoftScopes = []string{oidc.ScopeOpenID, "email", oidc.ScopeOfflineAccess, "User.Read", "Calendars.Read"}
)

// ProviderConfig holds the OAuth client of one provider. Endpoint, Scopes,
// JWKSURL and KeySet default to the provider's public values.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	JWKSURL      string
	KeySet       oidc.KeySet
}

// Config configures a Service.
type Config struct {
	Google          ProviderConfig
	Microsoft       ProviderConfig
	MicrosoftTenant string
	HTTPClient      *http.Client
	Now             func() time.Time
}

type oauthProvider struct {
	kind       model.ProviderType
	config     oauth2.Config
	verifier   *oidc.IDTokenVerifier
	configured bool
}

// Service connects accounts and keeps their credentials fresh.
type Service struct {
	providers  map[model.ProviderType]*oauthProvider
	db         *db.DB
	store      *credstore.Store
	httpClient *http.Client
	now        func() time.Time
}

// NewService creates a Service. Providers with a missing or placeholder
// client id are kept but fail with ErrMissingConfiguration on use.
func NewService(cfg Config, database *db.DB, store *credstore.Store) *Service {
	s := &Service{
		providers:  make(map[model.ProviderType]*oauthProvider),
		db:         database,
		store:      store,
		httpClient: cfg.HTTPClient,
		now:        cfg.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	tenant := cfg.MicrosoftTenant
	if tenant == "" {
		tenant = "common"
	}

	s.providers[model.ProviderGoogle] = s.newProvider(model.ProviderGoogle, cfg.Google, google.Endpoint, googleScopes, googleJWKSURL)
	s.providers[model.ProviderOutlook] = s.newProvider(model.ProviderOutlook, cfg.Microsoft, microsoft.AzureADEndpoint(tenant), microsoftScopes, microsoftJWKSURL)

	return s
}

func (s *Service) newProvider(kind model.ProviderType, pc ProviderConfig, endpoint oauth2.Endpoint, scopes []string, jwksURL string) *oauthProvider {
	if pc.Endpoint.AuthURL != "" || pc.Endpoint.TokenURL != "" {
		endpoint = pc.Endpoint
	}
	// Client credentials travel in the form body on every token request.
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	if len(pc.Scopes) > 0 {
		scopes = pc.Scopes
	}
	if pc.JWKSURL != "" {
		jwksURL = pc.JWKSURL
	}

	keySet := pc.KeySet
	if keySet == nil {
		keySet = oidc.NewRemoteKeySet(s.clientContext(context.Background()), jwksURL)
	}

	return &oauthProvider{
		kind: kind,
		config: oauth2.Config{
			ClientID:     pc.ClientID,
			ClientSecret: pc.ClientSecret,
			RedirectURL:  pc.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		// Microsoft's common tenant issues tokens under per-tenant issuers.
		verifier: oidc.NewVerifier("", keySet, &oidc.Config{
			ClientID:        pc.ClientID,
			SkipIssuerCheck: true,
			Now:             s.now,
		}),
		configured: !isPlaceholder(pc.ClientID),
	}
}

// isPlaceholder reports whether a client id is empty or an unfilled template
// value.
func isPlaceholder(clientID string) bool {
	id := strings.ToLower(strings.TrimSpace(clientID))
	if id == "" {
		return true
	}
	for _, marker := range []string{"your_", "your-", "placeholder", "changeme", "<"} {
		if strings.Contains(id, marker) {
			return true
		}
	}
	return false
}

func (s *Service) provider(kind model.ProviderType) (*oauthProvider, error) {
	p, ok := s.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, kind)
	}
	if !p.configured {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfiguration, kind.DisplayName())
	}
	return p, nil
}

func (s *Service) clientContext(ctx context.Context) context.Context {
	if s.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
}

// Configured reports whether kind has a usable OAuth client.
func (s *Service) Configured(kind model.ProviderType) bool {
	_, err := s.provider(kind)
	return err == nil
}

// AuthCodeURL returns the consent page URL for kind. Offline access and a
// forced consent prompt make the provider issue a refresh token every time.
func (s *Service) AuthCodeURL(kind model.ProviderType, state string) (string, error) {
	p, err := s.provider(kind)
	if err != nil {
		return "", err
	}
	return p.config.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	), nil
}

// CodeFromCallback extracts the authorization code from the redirect query.
func CodeFromCallback(query url.Values) (string, error) {
	if e := query.Get("error"); e != "" {
		if e == "access_denied" {
			return "", ErrUserCancelled
		}
		desc := query.Get("error_description")
		if desc == "" {
			desc = e
		}
		return "", fmt.Errorf("%w: %s", ErrInvalidResponse, desc)
	}
	code := query.Get("code")
	if code == "" {
		return "", fmt.Errorf("%w: missing authorization code", ErrInvalidResponse)
	}
	return code, nil
}

func (s *Service) exchange(ctx context.Context, p *oauthProvider, code string) (*oauth2.Token, error) {
	token, err := p.config.Exchange(s.clientContext(ctx), code)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return token, nil
}

// classifyTokenError maps oauth2 failures onto the package errors.
func classifyTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		body := strings.TrimSpace(string(retrieveErr.Body))
		if retrieveErr.Response != nil {
			return fmt.Errorf("%w: status %d: %s", ErrTokenExchange, retrieveErr.Response.StatusCode, body)
		}
		return fmt.Errorf("%w: %s", ErrTokenExchange, body)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	return fmt.Errorf("%w: %w", ErrInvalidResponse, err)
}

func (s *Service) credentialsFrom(token *oauth2.Token, accountID string, kind model.ProviderType) *model.OAuthCredentials {
	expires := token.Expiry
	if expires.IsZero() {
		expires = s.now().Add(defaultTokenLifetime)
	}
	return &model.OAuthCredentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    expires,
		AccountID:    accountID,
		ProviderType: kind,
	}
}

// Connect exchanges code and stores a new account with its credentials.
func (s *Service) Connect(ctx context.Context, kind model.ProviderType, code string) (model.CalendarAccount, error) {
	p, err := s.provider(kind)
	if err != nil {
		return model.CalendarAccount{}, err
	}
	token, err := s.exchange(ctx, p, code)
	if err != nil {
		return model.CalendarAccount{}, err
	}

	account := &db.Account{
		ID:           uuid.New().String(),
		ProviderType: string(kind),
		Email:        s.accountEmail(ctx, p, token),
		DisplayName:  kind.DisplayName(),
	}
	if err := s.db.CreateAccount(account); err != nil {
		return model.CalendarAccount{}, fmt.Errorf("failed to save account: %w", err)
	}

	if err := s.store.Save(s.credentialsFrom(token, account.ID, kind), account.ID); err != nil {
		if delErr := s.db.DeleteAccount(account.ID); delErr != nil {
			log.Printf("Failed to roll back account %s: %v", account.ID, delErr)
		}
		return model.CalendarAccount{}, fmt.Errorf("failed to save credentials: %w", err)
	}

	log.Printf("Connected %s account %s", kind, account.ID)
	return toModel(account), nil
}

// Reauthenticate exchanges code for fresh credentials of an existing account.
func (s *Service) Reauthenticate(ctx context.Context, account model.CalendarAccount, code string) (*model.OAuthCredentials, error) {
	p, err := s.provider(account.ProviderType)
	if err != nil {
		return nil, err
	}
	token, err := s.exchange(ctx, p, code)
	if err != nil {
		return nil, err
	}

	creds := s.credentialsFrom(token, account.ID, account.ProviderType)
	if err := s.store.Save(creds, account.ID); err != nil {
		return nil, fmt.Errorf("failed to save credentials: %w", err)
	}
	return creds, nil
}

// Refresh trades the refresh token of creds for a new access token. A
// response without a new refresh token keeps the old one.
func (s *Service) Refresh(ctx context.Context, creds *model.OAuthCredentials) (*model.OAuthCredentials, error) {
	if creds == nil || !creds.CanRefresh() {
		return nil, fmt.Errorf("%w: no refresh token", ErrInvalidResponse)
	}
	p, err := s.provider(creds.ProviderType)
	if err != nil {
		return nil, err
	}

	src := p.config.TokenSource(s.clientContext(ctx), &oauth2.Token{RefreshToken: creds.RefreshToken})
	token, err := src.Token()
	if err != nil {
		return nil, classifyTokenError(err)
	}

	refreshed := s.credentialsFrom(token, creds.AccountID, creds.ProviderType)
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = creds.RefreshToken
	}
	if err := s.store.Save(refreshed, creds.AccountID); err != nil {
		return nil, fmt.Errorf("failed to save refreshed credentials: %w", err)
	}
	return refreshed, nil
}

// Credentials loads the stored credentials of accountID.
func (s *Service) Credentials(accountID string) (*model.OAuthCredentials, error) {
	return s.store.Load(accountID)
}

// SignOut forgets the credentials of accountID. The account row stays.
func (s *Service) SignOut(accountID string) error {
	return s.store.Delete(accountID)
}

// RemoveAccount deletes an account together with its credentials.
func (s *Service) RemoveAccount(accountID string) error {
	if err := s.store.Delete(accountID); err != nil {
		return err
	}
	if err := s.db.DeleteAccount(accountID); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}

// Account returns one stored account.
func (s *Service) Account(accountID string) (model.CalendarAccount, error) {
	account, err := s.db.GetAccount(accountID)
	if err != nil {
		return model.CalendarAccount{}, err
	}
	return toModel(account), nil
}

// RenameAccount changes the display name of a stored account.
func (s *Service) RenameAccount(accountID, displayName string) (model.CalendarAccount, error) {
	account, err := s.db.GetAccount(accountID)
	if err != nil {
		return model.CalendarAccount{}, err
	}
	account.DisplayName = displayName
	if err := s.db.UpdateAccount(account); err != nil {
		return model.CalendarAccount{}, err
	}
	return toModel(account), nil
}

// Accounts lists every stored remote account, oldest first.
func (s *Service) Accounts() ([]model.CalendarAccount, error) {
	rows, err := s.db.ListAccounts()
	if err != nil {
		return nil, err
	}
	accounts := make([]model.CalendarAccount, 0, len(rows))
	for _, row := range rows {
		accounts = append(accounts, toModel(row))
	}
	return accounts, nil
}

func toModel(a *db.Account) model.CalendarAccount {
	return model.CalendarAccount{
		ID:           a.ID,
		ProviderType: model.ProviderType(a.ProviderType),
		Email:        a.Email,
		DisplayName:  a.DisplayName,
		CreatedAt:    a.CreatedAt,
	}
}
