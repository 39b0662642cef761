package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/siteforge-app/SiteForge/app/controllers"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// Webhook deliveries are exempt from the rate limiter: throttling the
	// provider only produces pointless redeliveries.
	app.Post("/webhooks/billing", controllers.HandleBillingWebhook)

	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/organizations/:id/subscription", controllers.HandleOrganizationSubscriptionStatus)

	admin := v1.Group("/admin", controllers.RequireAdminToken)
	admin.Post("/sweeps/cancel-expired", controllers.HandleAdminCancelExpired)
	admin.Post("/sweeps/warn-upcoming", controllers.HandleAdminWarnUpcoming)
	admin.Post("/sweeps/retry-cancellations", controllers.HandleAdminRetryCancellations)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
