package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/sync/errgroup"

	"github.com/mwakidenis/DigiFarm/internal/config"
	"github.com/mwakidenis/DigiFarm/internal/database"
	"github.com/mwakidenis/DigiFarm/internal/handlers"
	"github.com/mwakidenis/DigiFarm/internal/routes"
	"github.com/mwakidenis/DigiFarm/internal/services"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	for _, key := range cfg.Validate() {
		log.Printf("[Config] warning: %s is not set, M-Pesa calls will fail", key)
	}

	db := database.Connect(cfg.DatabaseURL, cfg.Debug)

	telegram := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat)
	mpesa := services.NewMpesaClient(cfg.Mpesa)
	payments := services.NewPaymentService(db, mpesa, telegram)
	reconciler := services.NewReconciler(db, mpesa, payments, cfg.Reconcile, cfg.Mpesa.ProcessingResultCode)

	app := fiber.New(fiber.Config{
		AppName:      "DigiFarm Payments",
		ErrorHandler: handlers.ErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	routes.Register(app, db, cfg, payments, reconciler)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Starting server on :%s", cfg.AppPort)
		return app.Listen(":" + cfg.AppPort)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Println("Shutting down server")
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	if cfg.Reconcile.Enabled {
		g.Go(func() error {
			return reconciler.Run(ctx)
		})
	} else {
		log.Println("[Reconciler] disabled")
	}

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
