package web

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/upnext/internal/auth"
	"github.com/macjediwizard/upnext/internal/db"
	"github.com/macjediwizard/upnext/internal/model"
)

// providerParam returns the OAuth provider named in the route.
func providerParam(c *gin.Context) (model.ProviderType, bool) {
	kind := model.ProviderType(c.Param("provider"))
	if !kind.IsRemote() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown provider"})
		return "", false
	}
	return kind, true
}

// authErrorResponse maps an authorization failure to a status and a message
// safe to show.
func authErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUserCancelled):
		return http.StatusBadRequest, "Authorization was cancelled"
	case errors.Is(err, auth.ErrMissingConfiguration):
		return http.StatusServiceUnavailable, "This provider is not configured"
	case errors.Is(err, auth.ErrInvalidResponse):
		return http.StatusBadRequest, "Invalid authorization response"
	case errors.Is(err, auth.ErrTokenExchange):
		return http.StatusBadGateway, "The provider rejected the authorization code"
	case errors.Is(err, auth.ErrNetwork):
		return http.StatusBadGateway, "Could not reach the provider"
	default:
		return http.StatusInternalServerError, "Failed to connect account"
	}
}

// Login redirects to the provider's consent page. With ?account=<id> the
// callback re-authenticates that account instead of adding a new one.
func (h *Handlers) Login(c *gin.Context) {
	kind, ok := providerParam(c)
	if !ok {
		return
	}
	if !h.auth.Configured(kind) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "This provider is not configured"})
		return
	}

	pending := auth.PendingAuth{Provider: kind}
	if id := c.Query("account"); id != "" {
		account, err := h.auth.Account(id)
		if err != nil || account.ProviderType != kind {
			if err != nil && !errors.Is(err, db.ErrNotFound) {
				log.Printf("Failed to load account %s for re-authentication: %v", id, err)
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "Account not found"})
			return
		}
		pending.AccountID = account.ID
	}

	state, err := auth.GenerateState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to generate state")})
		return
	}
	pending.State = state

	if err := h.session.SetPending(c.Writer, c.Request, pending); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to save state")})
		return
	}

	authURL, err := h.auth.AuthCodeURL(kind, state)
	if err != nil {
		status, msg := authErrorResponse(err)
		c.JSON(status, gin.H{"error": sanitizeError(err, msg)})
		return
	}
	c.Redirect(http.StatusFound, authURL)
}

// Callback completes the authorization code flow. It connects a new account,
// or re-authenticates the account pending in the session, and starts a
// refresh.
func (h *Handlers) Callback(c *gin.Context) {
	kind, ok := providerParam(c)
	if !ok {
		return
	}

	pending, err := h.session.TakePending(c.Writer, c.Request, c.Query("state"))
	if err != nil || pending.Provider != kind {
		c.JSON(http.StatusBadRequest, gin.H{"error": sanitizeError(err, "Invalid state parameter")})
		return
	}

	code, err := auth.CodeFromCallback(c.Request.URL.Query())
	if err != nil {
		status, msg := authErrorResponse(err)
		c.JSON(status, gin.H{"error": sanitizeError(err, msg)})
		return
	}

	ctx := c.Request.Context()
	var account model.CalendarAccount
	if pending.AccountID != "" {
		account, err = h.auth.Account(pending.AccountID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": sanitizeError(err, "Account not found")})
			return
		}
		if _, err := h.auth.Reauthenticate(ctx, account, code); err != nil {
			status, msg := authErrorResponse(err)
			c.JSON(status, gin.H{"error": sanitizeError(err, msg)})
			return
		}
		log.Printf("Re-authenticated %s account %s", kind, account.ID)
	} else {
		account, err = h.auth.Connect(ctx, kind, code)
		if err != nil {
			status, msg := authErrorResponse(err)
			c.JSON(status, gin.H{"error": sanitizeError(err, msg)})
			return
		}
	}

	// A fresh adapter drops any in-memory credentials the old one held.
	p, err := h.factory.New(account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to register account")})
		return
	}
	h.manager.AddProvider(p)
	h.scheduler.TriggerRefresh()

	c.JSON(http.StatusOK, gin.H{
		"message": "Account connected",
		"account": APIAccount{
			CalendarAccount: account,
			ProviderName:    account.ProviderType.DisplayName(),
		},
	})
}
