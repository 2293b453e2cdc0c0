package web

import (
	"github.com/gin-gonic/gin"

	"github.com/macjediwizard/upnext/internal/auth"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers) {
	// Health endpoint (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)

	// OAuth endpoints with rate limiting to slow down state guessing
	authGroup := r.Group("/auth/:provider")
	authGroup.Use(RateLimiter(5, 10))
	{
		authGroup.GET("/login", h.Login)
		authGroup.GET("/callback", h.Callback)
	}

	origins := AllowedOrigins(h.cfg.Server.BaseURL, h.cfg.IsDevelopment())
	apiKey := auth.RequireAPIKey(h.cfg.Security.APIKey)

	apiRateLimiter := RateLimiter(h.cfg.RateLimiting.RPS, h.cfg.RateLimiting.Burst)
	api := r.Group("/api")
	api.Use(apiRateLimiter)
	api.Use(ValidateOrigin(origins))
	api.Use(apiKey)
	api.Use(RequireJSONContentType())
	{
		api.GET("/timeline", h.APITimeline)
		api.GET("/next", h.APINext)
		api.GET("/conflicts", h.APIConflicts)
		api.GET("/accounts", h.APIAccounts)
		api.PATCH("/accounts/:id", h.APIUpdateAccount)
		api.DELETE("/accounts/:id", h.APIDeleteAccount)
		api.GET("/activity", h.APIActivity)
		api.GET("/history", h.APIHistory)
		api.GET("/settings", h.APIGetSettings)
		api.PUT("/settings", h.APIUpdateSettings)
		api.GET("/schedule", h.APIGetSchedule)
		api.PUT("/schedule", h.APIUpdateSchedule)
	}

	// Operations that call every provider get a stricter limit.
	expensive := r.Group("/api")
	expensive.Use(RateLimiter(2, 5))
	expensive.Use(ValidateOrigin(origins))
	expensive.Use(apiKey)
	expensive.Use(RequireJSONContentType())
	{
		expensive.GET("/calendars", h.APICalendars)
		expensive.POST("/refresh", h.APIRefresh)
	}

	r.GET("/feed.ics", apiRateLimiter, h.Feed)
}
