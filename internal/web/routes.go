package web

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all application routes. authn is nil when no OIDC
// issuer is configured; the API then runs open. Health endpoints stay open
// either way so probes work before login.
func SetupRoutes(r *gin.Engine, h *Handlers, authn *AuthHandlers) {
	// Health endpoints (no auth, no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/ready", h.Readiness)

	apiRateLimiter := RateLimiter(h.cfg.RateLimiting.RPS, h.cfg.RateLimiting.Burst)

	var guard gin.HandlerFunc
	if authn != nil {
		guard = authn.RequireSession()

		// Login endpoints get their own, tighter rate limiter.
		authRateLimiter := RateLimiter(5, 10)
		authGroup := r.Group("/auth")
		authGroup.Use(authRateLimiter)
		{
			authGroup.GET("/login", authn.Login)
			authGroup.GET("/callback", authn.Callback)
			authGroup.POST("/logout", authn.Logout)
		}

		// Status must answer for logged-out clients, so it sits outside the
		// guarded group.
		statusAPI := r.Group("/api")
		statusAPI.Use(apiRateLimiter)
		statusAPI.Use(authn.OptionalSession())
		statusAPI.GET("/auth/status", authn.Status)
	}

	// API routes with rate limiting
	api := r.Group("/api")
	api.Use(apiRateLimiter)
	if guard != nil {
		api.Use(guard)
		api.Use(ValidateOrigin(h.cfg.Server.AllowedOrigins)) // CSRF protection for cookie sessions
	}
	api.Use(RequireJSONContentType())
	api.Use(NoCache())
	{
		api.GET("/accounts", h.APIListAccounts)
		api.POST("/accounts", h.APICreateAccount)
		api.PUT("/accounts/:id", h.APIUpdateAccount)
		api.DELETE("/accounts/:id", h.APIDeleteAccount)

		api.GET("/sync-mappings", h.APIListMappings)
		api.POST("/sync-mappings", h.APICreateMapping)
		api.PUT("/sync-mappings/:id", h.APIUpdateMapping)
		api.DELETE("/sync-mappings/:id", h.APIDeleteMapping)

		api.GET("/events", h.APIListEvents)
		api.POST("/events/scan", h.APIScanMailboxes)
		api.POST("/events/manual-sync", h.APIManualSync)
		api.POST("/events/sync-all", h.APISyncAll)
		api.GET("/events/auto-sync", h.APIAutoSyncStatus)
		api.POST("/events/auto-sync", h.APIConfigureAutoSync)
		api.POST("/events/:id/response", h.APIUpdateEventResponse)
		api.POST("/events/:id/disable-tracking", h.APIDisableTracking)
		api.POST("/events/:id/resolve-conflict", h.APIResolveConflict)

		api.GET("/jobs/:id", h.APIJobStatus)
	}

	// Expensive operations with stricter rate limiting (live network probes)
	expensiveRateLimiter := RateLimiter(2, 5) // 2 requests/sec, burst of 5
	expensiveAPI := r.Group("/api")
	expensiveAPI.Use(expensiveRateLimiter)
	if guard != nil {
		expensiveAPI.Use(guard)
		expensiveAPI.Use(ValidateOrigin(h.cfg.Server.AllowedOrigins))
	}
	expensiveAPI.Use(RequireJSONContentType())
	{
		expensiveAPI.POST("/accounts/test", h.APITestConnection)
		expensiveAPI.GET("/accounts/:id/calendars", h.APIAccountCalendars)
	}
}
