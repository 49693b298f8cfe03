package http

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/spec-kit/token-vending-machine/internal/api/http/handlers"
	"github.com/spec-kit/token-vending-machine/internal/auth"
	"github.com/spec-kit/token-vending-machine/internal/observability"
	"github.com/spec-kit/token-vending-machine/internal/telegram"
)

// RouteConfig bundles dependencies for route registration.
type RouteConfig struct {
	Health           *handlers.HealthHandler
	Tokens           *handlers.TokenHandler
	BearerMiddleware *auth.BearerMiddleware
	Metrics          *observability.Metrics
	// Webhook is nil when updates are received by long polling.
	Webhook *telegram.WebhookHandler
}

// WebhookPath is where Telegram delivers updates.
const WebhookPath = "/telegram/webhook"

// RegisterRoutes wires HTTP routes.
func RegisterRoutes(app *fiber.App, cfg RouteConfig) {
	app.Get("/health/live", cfg.Health.Live)
	app.Get("/health/ready", cfg.Health.Ready)

	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	api := app.Group("/api")
	api.Get("/tokens/:value/status", cfg.Tokens.Status)

	protected := api.Group("/v1", cfg.BearerMiddleware.Handle)
	protected.Get("/introspect", cfg.Tokens.Introspect)

	if cfg.Webhook != nil {
		app.Post(WebhookPath, cfg.Webhook.Handle)
	}
}
