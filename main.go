package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"mailpulse/config"
	controller "mailpulse/controllers"
	"mailpulse/middleware"
	"mailpulse/routes"
	"mailpulse/utils"
	"mailpulse/worker"
)

func main() {
	appLogger := logrus.New()
	appLogger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := config.LoadConfig(); err != nil {
		appLogger.Fatalf("Failed to load configuration: %v", err)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			appLogger.Warnf("Sentry init failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		appLogger.Fatalf("Failed to connect to database: %v", err)
	}

	app := fiber.New()
	app.Use(middleware.CORS())

	hub := controller.NewEventHub(appLogger)

	transport := utils.NewSMTPTransport(
		config.AppConfig.SMTPHost,
		config.AppConfig.SMTPPort,
		config.AppConfig.SMTPUsername,
		config.AppConfig.SMTPPassword,
		config.AppConfig.FromEmail,
		config.AppConfig.FromName,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := worker.NewDispatcher(config.DB, transport, appLogger)
	dispatcher.BaseURL = config.AppConfig.TrackingBaseURL
	dispatcher.Interval = time.Duration(config.AppConfig.DispatchIntervalSeconds) * time.Second
	dispatcher.LockTimeout = time.Duration(config.AppConfig.LockTimeoutMinutes) * time.Minute
	dispatcher.MaxRetries = config.AppConfig.MaxSendRetries
	dispatcher.Concurrency = config.AppConfig.DispatchConcurrency
	dispatcher.Notifier = hub
	go dispatcher.Start(ctx)

	reconciler := worker.NewReconciler(config.DB, appLogger)
	go reconciler.Start(ctx)

	routes.SetupRoutes(app, config.DB, appLogger, hub)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Shut the workers down before the listener so in-flight sends
	// drain and locks are released cleanly.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		appLogger.Info("shutdown signal received")
		cancel()
		_ = app.Shutdown()
	}()

	appLogger.Infof("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		appLogger.Fatalf("Failed to start server: %v", err)
	}
}
