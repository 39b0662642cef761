package controllers

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/siteforge-app/SiteForge/internal/pkg/billing"
	"github.com/siteforge-app/SiteForge/internal/pkg/env"
)

var (
	billingProcessor *billing.Processor
	billingSweeper   *billing.Sweeper
	billingService   *billing.Service
)

// SetupBilling injects the billing engine into the handlers. Called once
// from main after the database, cache and queue are up.
func SetupBilling(processor *billing.Processor, sweeper *billing.Sweeper, service *billing.Service) {
	billingProcessor = processor
	billingSweeper = sweeper
	billingService = service
}

// HandleBillingWebhook receives provider webhook deliveries. The response
// status steers the provider's redelivery: 2xx stops it, 5xx asks for
// another attempt. Only transient failures report 5xx; anything the retry
// cannot fix is acknowledged so the provider stops resending a poison event.
func HandleBillingWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Stripe-Signature")
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	ev, err := billing.VerifyEnvelope(rawBody, signature, secret)
	if err != nil {
		log.Warnf("[Billing] Rejected webhook delivery: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_envelope"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 25*time.Second)
	defer cancel()

	outcome, err := billingProcessor.Process(ctx, ev)
	if err != nil {
		if billing.Classify(err) == billing.ClassTransient {
			log.Warnf("[Billing] Transient failure for event %s (%s), requesting redelivery: %v", ev.ProviderEventID, ev.EventType, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "retry_later"})
		}
		// Permanent: the error is recorded on the ledger row, redelivering
		// the same payload cannot succeed.
		log.Errorf("[Billing] Permanent failure for event %s (%s): %v", ev.ProviderEventID, ev.EventType, err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": false, "error": "event_failed"})
	}

	switch outcome {
	case billing.OutcomeDuplicate:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "duplicate": true})
	case billing.OutcomeConcurrent:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "concurrent": true})
	case billing.OutcomeRetried:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "retried": true})
	default:
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true})
	}
}

// HandleOrganizationSubscriptionStatus reports the effective subscription
// status for an organization, served from cache when warm.
func HandleOrganizationSubscriptionStatus(c *fiber.Ctx) error {
	orgID, err := c.ParamsInt("id")
	if err != nil || orgID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_organization_id"})
	}

	status, err := billingService.SubscriptionStatusFor(c.UserContext(), uint(orgID))
	if err != nil {
		log.Errorf("[Billing] Status lookup for org %d failed: %v", orgID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_lookup_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"organization_id": orgID,
		"status":          status,
	})
}

// HandleAdminCancelExpired runs the grace-period cancellation sweep once.
func HandleAdminCancelExpired(c *fiber.Ctx) error {
	return runSweep(c, "cancel_expired", billingSweeper.CancelExpired)
}

// HandleAdminWarnUpcoming runs the grace-warning sweep once.
func HandleAdminWarnUpcoming(c *fiber.Ctx) error {
	return runSweep(c, "warn_upcoming", billingSweeper.WarnUpcoming)
}

// HandleAdminRetryCancellations re-drives provider cancellations that
// previously failed post-commit.
func HandleAdminRetryCancellations(c *fiber.Ctx) error {
	return runSweep(c, "retry_cancellations", billingSweeper.RetryPendingCancellations)
}

func runSweep(c *fiber.Ctx, name string, sweep func(context.Context) (int, error)) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 60*time.Second)
	defer cancel()

	affected, err := sweep(ctx)
	if err != nil {
		log.Errorf("[Billing] Manual %s sweep failed: %v", name, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "sweep_failed", "sweep": name})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "sweep": name, "affected": affected})
}

// RequireAdminToken guards the manual sweep endpoints with a shared secret
// header. Requests without the configured token are rejected.
func RequireAdminToken(c *fiber.Ctx) error {
	token := env.GetEnv("ADMIN_API_TOKEN", "")
	if token == "" {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "admin_api_disabled"})
	}
	if subtle.ConstantTimeCompare([]byte(c.Get("X-Admin-Token")), []byte(token)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}
	return c.Next()
}

