package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "tripmail/internal/api/context"
	"tripmail/internal/api/handlers"
	"tripmail/internal/api/middleware"
	apiErrors "tripmail/internal/pkg/errors"
)

type Dependencies struct {
	WebhookHandler  *handlers.WebhookHandler
	APIKeyHandler   *handlers.APIKeyHandler
	AuditHandler    *handlers.AuditHandler
	UserHandler     *handlers.UserHandler
	InternalHandler *handlers.InternalHandler
	HealthHandler   *handlers.HealthHandler
	MetricsHandler  *handlers.MetricsHandler
	AuthMiddleware  *middleware.AuthMiddleware
	Limiter         middleware.Limiter
	CronSecret      string
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiErrors.WriteError(w, http.StatusNotFound, apiErrors.ErrCodeNotFound, "Route not found.", "")
	})
	router.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiErrors.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed.", "")
	})

	router.GET("/health", wrap(deps.HealthHandler.Check))
	router.GET("/metrics", wrap(deps.MetricsHandler.Export))

	// Internal endpoints for the scheduler and sibling services
	cron := middleware.CronAuth(deps.CronSecret)
	router.GET("/api/internal/webhooks/process", chain(deps.InternalHandler.Process, cron))
	router.POST("/api/internal/webhooks/process", chain(deps.InternalHandler.Process, cron))
	router.POST("/api/internal/webhooks/dispatch", chain(deps.InternalHandler.Dispatch, cron))

	authMid := deps.AuthMiddleware.Handle
	limit := middleware.RateLimit(deps.Limiter)

	// Webhook management
	router.GET("/api/v1/webhooks",
		chain(deps.WebhookHandler.List, authMid, limit))
	router.POST("/api/v1/webhooks",
		chain(deps.WebhookHandler.Create, authMid, limit))
	router.GET("/api/v1/webhooks/:id",
		chain(deps.WebhookHandler.Get, authMid, limit))
	router.PATCH("/api/v1/webhooks/:id",
		chain(deps.WebhookHandler.Update, authMid, limit))
	router.DELETE("/api/v1/webhooks/:id",
		chain(deps.WebhookHandler.Delete, authMid, limit))
	router.POST("/api/v1/webhooks/:id/test",
		chain(deps.WebhookHandler.Test, authMid, limit))
	router.GET("/api/v1/webhooks/:id/deliveries",
		chain(deps.WebhookHandler.Deliveries, authMid, limit))
	router.GET("/api/v1/webhooks/:id/deliveries/:delivery_id",
		chain(deps.WebhookHandler.Delivery, authMid, limit))

	// API key management
	router.GET("/api/v1/keys",
		chain(deps.APIKeyHandler.List, authMid, limit))
	router.POST("/api/v1/keys",
		chain(deps.APIKeyHandler.Create, authMid, limit))
	router.DELETE("/api/v1/keys/:id",
		chain(deps.APIKeyHandler.Revoke, authMid, limit))

	// Account
	router.GET("/api/v1/me",
		chain(deps.UserHandler.Me, authMid, limit))
	router.GET("/api/v1/audit-logs",
		chain(deps.AuditHandler.List, authMid, limit))

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		// Inject params into context
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
