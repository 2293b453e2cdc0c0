package web

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/macjediwizard/upnext/internal/auth"
	"github.com/macjediwizard/upnext/internal/db"
	"github.com/macjediwizard/upnext/internal/model"
)

// login starts the OAuth flow and returns the redirect state and the session
// cookies the callback needs.
func (s *testServer) login(t *testing.T, target string) (string, []*http.Cookie) {
	t.Helper()
	w := s.do(http.MethodGet, target, nil, false)
	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d: %s", w.Code, w.Body.String())
	}

	location, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid redirect: %v", err)
	}
	if !strings.HasPrefix(location.String(), s.tokens.URL+"/authorize") {
		t.Errorf("unexpected redirect %s", location)
	}
	state := location.Query().Get("state")
	if state == "" {
		t.Fatal("redirect carries no state")
	}
	return state, w.Result().Cookies()
}

func (s *testServer) callback(query string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?"+query, nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestLogin(t *testing.T) {
	s := setupTestServer(t)

	t.Run("unknown provider", func(t *testing.T) {
		for _, p := range []string{"local", "yahoo"} {
			if w := s.do(http.MethodGet, "/auth/"+p+"/login", nil, false); w.Code != http.StatusNotFound {
				t.Errorf("%s: expected 404, got %d", p, w.Code)
			}
		}
	})

	t.Run("unconfigured provider", func(t *testing.T) {
		if w := s.do(http.MethodGet, "/auth/outlook/login", nil, false); w.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", w.Code)
		}
	})

	t.Run("unknown account to re-authenticate", func(t *testing.T) {
		if w := s.do(http.MethodGet, "/auth/google/login?account=missing", nil, false); w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("redirects to the consent page", func(t *testing.T) {
		w := s.do(http.MethodGet, "/auth/google/login", nil, false)
		if w.Code != http.StatusFound {
			t.Fatalf("expected 302, got %d", w.Code)
		}
		location := w.Header().Get("Location")
		for _, want := range []string{"client_id=google-client", "access_type=offline", "prompt=consent"} {
			if !strings.Contains(location, want) {
				t.Errorf("redirect %s is missing %s", location, want)
			}
		}
		if len(w.Result().Cookies()) == 0 {
			t.Error("expected the state to be stored in a cookie")
		}
	})
}

func TestCallbackConnectsAccount(t *testing.T) {
	s := setupTestServer(t)
	state, cookies := s.login(t, "/auth/google/login")

	w := s.callback("state="+url.QueryEscape(state)+"&code=first", cookies)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	s.waitForLog(t)

	accounts, err := s.auth.Accounts()
	if err != nil || len(accounts) != 1 {
		t.Fatalf("expected one stored account, got %v (%v)", accounts, err)
	}
	account := accounts[0]
	if account.ProviderType != model.ProviderGoogle || account.Email != "Connected Account" {
		t.Errorf("unexpected account %+v", account)
	}

	creds, err := s.auth.Credentials(account.ID)
	if err != nil || creds.AccessToken != "access-first" {
		t.Errorf("unexpected credentials %+v (%v)", creds, err)
	}

	if _, ok := s.manager.Provider(account.ID); !ok {
		t.Fatal("expected the new account to be registered")
	}
	tl := s.manager.Timeline()
	if tl == nil || len(tl.Outcomes) != 1 || tl.Outcomes[0].Account.ID != account.ID {
		t.Fatalf("expected a refresh of the new account, got %+v", tl)
	}
	if tl.Outcomes[0].Kind != "live" {
		t.Errorf("expected live data from the new account, got %+v", tl.Outcomes[0])
	}
}

func TestCallbackReauthenticates(t *testing.T) {
	s := setupTestServer(t)
	if err := s.db.CreateAccount(&db.Account{ID: "g1", ProviderType: "google", Email: "me@example.com"}); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	state, cookies := s.login(t, "/auth/google/login?account=g1")
	w := s.callback(fmt.Sprintf("state=%s&code=second", url.QueryEscape(state)), cookies)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	s.waitForLog(t)

	accounts, _ := s.auth.Accounts()
	if len(accounts) != 1 || accounts[0].Email != "me@example.com" {
		t.Errorf("re-authentication must not add accounts, got %+v", accounts)
	}
	creds, err := s.auth.Credentials("g1")
	if err != nil || creds.AccessToken != "access-second" {
		t.Errorf("expected fresh credentials, got %+v (%v)", creds, err)
	}
	if _, ok := s.manager.Provider("g1"); !ok {
		t.Error("expected the account to be registered")
	}
}

func TestCallbackErrors(t *testing.T) {
	s := setupTestServer(t)

	t.Run("missing session", func(t *testing.T) {
		if w := s.callback("state=abc&code=x", nil); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("state mismatch", func(t *testing.T) {
		_, cookies := s.login(t, "/auth/google/login")
		if w := s.callback("state=forged&code=x", cookies); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("cancelled by user", func(t *testing.T) {
		state, cookies := s.login(t, "/auth/google/login")
		w := s.callback("state="+url.QueryEscape(state)+"&error=access_denied", cookies)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
		if accounts, _ := s.auth.Accounts(); len(accounts) != 0 {
			t.Errorf("a cancelled flow must not add accounts, got %d", len(accounts))
		}
	})

	t.Run("wrong provider", func(t *testing.T) {
		state, cookies := s.login(t, "/auth/google/login")
		req := httptest.NewRequest(http.MethodGet, "/auth/outlook/callback?state="+url.QueryEscape(state)+"&code=x", nil)
		for _, c := range cookies {
			req.AddCookie(c)
		}
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
}

func TestAuthErrorResponse(t *testing.T) {
	testCases := []struct {
		err    error
		status int
	}{
		{auth.ErrUserCancelled, http.StatusBadRequest},
		{auth.ErrInvalidResponse, http.StatusBadRequest},
		{auth.ErrMissingConfiguration, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: 400 invalid_grant", auth.ErrTokenExchange), http.StatusBadGateway},
		{fmt.Errorf("%w: dial tcp", auth.ErrNetwork), http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			status, msg := authErrorResponse(tc.err)
			if status != tc.status {
				t.Errorf("expected %d, got %d", tc.status, status)
			}
			if strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "dial tcp") {
				t.Errorf("message leaks details: %q", msg)
			}
		})
	}
}
