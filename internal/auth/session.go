package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/macjediwizard/upnext/internal/model"
)

const (
	oauthStateName   = "upnext_oauth_state"
	oauthStateMaxAge = 600 // 10 minutes
	stateLength      = 32
)

var (
	ErrInvalidSession = errors.New("invalid session data")
	ErrStateMismatch  = errors.New("OAuth state mismatch")
)

// PendingAuth is what the login redirect leaves for the callback.
type PendingAuth struct {
	State    string
	Provider model.ProviderType
	// AccountID is set when an existing account is being re-authenticated.
	AccountID string
}

// SessionManager keeps in-flight OAuth state in a signed cookie.
type SessionManager struct {
	store  *sessions.CookieStore
	secure bool
}

// NewSessionManager creates a new session manager.
func NewSessionManager(secret string, secure bool) *SessionManager {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}

	return &SessionManager{
		store:  store,
		secure: secure,
	}
}

// SetPending stores the OAuth state for CSRF protection.
func (sm *SessionManager) SetPending(w http.ResponseWriter, r *http.Request, pending PendingAuth) error {
	session, err := sm.store.Get(r, oauthStateName)
	if err != nil {
		session, err = sm.store.New(r, oauthStateName)
		if err != nil {
			return err
		}
	}

	session.Values["state"] = pending.State
	session.Values["provider"] = string(pending.Provider)
	session.Values["account_id"] = pending.AccountID
	session.Options.MaxAge = oauthStateMaxAge

	return session.Save(r, w)
}

// TakePending retrieves and clears the OAuth state. The returned state must
// match the one echoed back by the provider.
func (sm *SessionManager) TakePending(w http.ResponseWriter, r *http.Request, echoedState string) (*PendingAuth, error) {
	session, err := sm.store.Get(r, oauthStateName)
	if err != nil {
		return nil, ErrInvalidSession
	}

	state, ok := session.Values["state"].(string)
	if !ok || state == "" {
		return nil, ErrInvalidSession
	}

	pending := &PendingAuth{State: state}
	if v, ok := session.Values["provider"].(string); ok {
		pending.Provider = model.ProviderType(v)
	}
	if v, ok := session.Values["account_id"].(string); ok {
		pending.AccountID = v
	}

	// The state is single use.
	session.Options.MaxAge = -1
	if err := session.Save(r, w); err != nil {
		return nil, err
	}

	if echoedState == "" || echoedState != state {
		return nil, ErrStateMismatch
	}
	return pending, nil
}

// GenerateState generates a random state string for OAuth.
func GenerateState() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
