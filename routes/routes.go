package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	controller "mailpulse/controllers"
	"mailpulse/middleware"
)

// SetupRoutes wires every HTTP surface: the public beacon endpoints,
// the protected operator API, the transport webhook, the websocket
// event sink and the metrics endpoint.
func SetupRoutes(app *fiber.App, db *gorm.DB, appLogger *logrus.Logger, hub *controller.EventHub) {
	campaignController := controller.NewCampaignController(db, appLogger, hub)
	contactController := controller.NewContactController(db, appLogger)
	trackingController := controller.NewTrackingController(db, appLogger, hub)

	// Beacon endpoints are public and unauthenticated: they are hit
	// by recipient mail clients. No request logging here; beacon
	// traffic is high-volume and the handlers are fail-open anyway.
	tracking := app.Group("/tracking")
	tracking.Get("/pixel/:trackingId", trackingController.HandleOpenPixel)
	tracking.Get("/click/:trackingId", trackingController.HandleClickTracking)

	// Transport collaborator callback
	app.Post("/webhooks/delivery", campaignController.HandleDeliveryWebhook)

	// Prometheus metrics
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Websocket event sink for open UI clients
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/campaigns", websocket.New(hub.HandleWS))

	// Operator API
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	contacts := api.Group("/contacts")
	contacts.Post("/", contactController.CreateContact)
	contacts.Get("/", contactController.GetContacts)

	campaigns := api.Group("/campaigns")
	campaigns.Post("/", campaignController.CreateCampaign)
	campaigns.Get("/", campaignController.GetCampaigns)
	campaigns.Get("/:id", campaignController.GetCampaign)
	campaigns.Post("/:id/contacts", contactController.EnrollContacts)
	campaigns.Post("/:id/start", campaignController.StartCampaign)
	campaigns.Post("/:id/pause", campaignController.PauseCampaign)
	campaigns.Post("/:id/resume", campaignController.ResumeCampaign)
	campaigns.Post("/:id/restart", campaignController.RestartCampaign)
	campaigns.Get("/:id/stats", campaignController.GetCampaignStats)
	campaigns.Get("/:id/deliveries", campaignController.GetCampaignDeliveries)

	// Reconciliation endpoints scan full tracking logs; rate limited.
	recalc := api.Group("", middleware.RecalculateRateLimiter())
	recalc.Post("/campaigns/:id/recalculate", campaignController.RecalculateCampaignStats)
	recalc.Post("/campaigns/recalculate", campaignController.RecalculateAllStats)
	recalc.Post("/tracking/repair-opens", campaignController.RepairMissingOpens)
}
