package routes

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/keyissuer/internal/config"
	"github.com/example/keyissuer/internal/handlers"
	"github.com/example/keyissuer/internal/middleware"
	"github.com/example/keyissuer/internal/repository"
	"github.com/example/keyissuer/internal/services"
)

// Deps are the long-lived services the handlers share.
type Deps struct {
	Store      repository.OrderStore
	Reconciler *services.Reconciler
	Logger     *zap.Logger
}

// Register wires up all HTTP routes.
func Register(app *fiber.App, cfg *config.Config, deps Deps) {
	webhookHandler := handlers.NewWebhookHandler(deps.Store, deps.Reconciler, cfg.WebhookDeadline, deps.Logger)
	orderHandler := handlers.NewOrderHandler(deps.Reconciler, cfg.PollDeadline, deps.Logger)
	adminHandler := handlers.NewAdminHandler(deps.Store, deps.Reconciler, cfg.PollDeadline, deps.Logger)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	// Gateway push notifications
	webhooks := api.Group("/webhooks")
	webhooks.Post("/gateway", middleware.WebhookSignature(cfg.GatewayWebhookSecret), webhookHandler.Gateway)

	// Buyer polling and claims
	orders := api.Group("/orders")
	orders.Get("/status", orderHandler.Status)
	orders.Post("/claim", orderHandler.Claim)

	// Operator routes
	ops := api.Group("/ops", middleware.OperatorAuth(cfg.JWTSecret))
	ops.Get("/orders", adminHandler.ListOrders)
	ops.Post("/orders/:id/reconcile", adminHandler.ReconcileOrder)
}
