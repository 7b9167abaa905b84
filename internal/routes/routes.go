package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/mwakidenis/DigiFarm/internal/config"
	"github.com/mwakidenis/DigiFarm/internal/handlers"
	"github.com/mwakidenis/DigiFarm/internal/middleware"
	"github.com/mwakidenis/DigiFarm/internal/services"
)

// Register wires up all HTTP routes.
func Register(app *fiber.App, db *gorm.DB, cfg *config.Config, payments *services.PaymentService, reconciler *services.Reconciler) {
	authHandler := handlers.NewAuthHandler(db, cfg)
	orderHandler := handlers.NewOrderHandler(db, payments)
	paymentHandler := handlers.NewPaymentHandler(db, payments, reconciler, cfg)

	requireAuth := middleware.AuthMiddleware(cfg.JWTSecret)

	api := app.Group("/api")

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Auth routes
	auth := api.Group("/auth")
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)

	// Orders
	orders := api.Group("/orders", requireAuth)
	orders.Post("/", orderHandler.CreateOrder)
	orders.Get("/", orderHandler.ListOrders)
	orders.Get("/:id", orderHandler.GetOrder)
	orders.Patch("/:id/cancel", orderHandler.CancelOrder)

	// Payments. The webhook is called by the provider and carries no
	// application credentials.
	paymentRoutes := api.Group("/payments")
	paymentRoutes.Post("/webhook", paymentHandler.Webhook)
	paymentRoutes.Post("/initiate", requireAuth,
		middleware.PerUserRateLimit(cfg.PaymentRateLimit, time.Minute),
		paymentHandler.Initiate)
	paymentRoutes.Get("/transactions", requireAuth, paymentHandler.Transactions)
	paymentRoutes.Get("/transactions/:id", requireAuth, paymentHandler.Transaction)
	paymentRoutes.Post("/simulate-webhook", requireAuth, paymentHandler.SimulateWebhook)
	paymentRoutes.Post("/reconcile", requireAuth, paymentHandler.Reconcile)
}
