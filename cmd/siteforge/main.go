package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/robfig/cron/v3"

	"github.com/siteforge-app/SiteForge/app/controllers"
	"github.com/siteforge-app/SiteForge/internal/pkg/billing"
	"github.com/siteforge-app/SiteForge/internal/pkg/cache"
	"github.com/siteforge-app/SiteForge/internal/pkg/database"
	"github.com/siteforge-app/SiteForge/internal/pkg/env"
	"github.com/siteforge-app/SiteForge/internal/pkg/jobqueue"
	"github.com/siteforge-app/SiteForge/internal/pkg/mail"
	"github.com/siteforge-app/SiteForge/internal/pkg/router"
)

func main() {
	app, queue, scheduler := NewApplication()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down gracefully...")
		ctx := scheduler.Stop()
		<-ctx.Done()
		queue.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	log.Fatal(err)
}

func NewApplication() (*fiber.App, *jobqueue.Queue, *cron.Cron) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	provider := billing.NewStripeProviderFromEnv()
	statusCache := cache.NewStatusCache(nil)
	store := billing.NewStore(db)

	queue := jobqueue.NewQueue(3, db, provider, mail.SendMail)
	queue.Start()

	processor := billing.NewProcessor(store, provider, statusCache, queue)
	sweeper := billing.NewSweeper(store, provider, statusCache, queue)
	service := billing.NewService(store, statusCache)
	controllers.SetupBilling(processor, sweeper, service)

	scheduler := setupSweeps(sweeper)

	// init fiber app
	app := fiber.New(fiber.Config{
		AppName: "SiteForge",
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app, queue, scheduler
}

// setupSweeps schedules the periodic billing sweeps. Each run is best-effort;
// a failed run just waits for the next tick.
func setupSweeps(sweeper *billing.Sweeper) *cron.Cron {
	c := cron.New()

	// Grace-period cancellation, daily at 03:00 UTC.
	mustSchedule(c, env.GetEnv("SWEEP_CANCEL_SCHEDULE", "0 3 * * *"), func() {
		if n, err := sweeper.CancelExpired(context.Background()); err != nil {
			log.Printf("Grace cancellation sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("Grace cancellation sweep canceled %d subscriptions", n)
		}
	})

	// Grace warning mails, daily at 09:00 UTC.
	mustSchedule(c, env.GetEnv("SWEEP_WARN_SCHEDULE", "0 9 * * *"), func() {
		if n, err := sweeper.WarnUpcoming(context.Background()); err != nil {
			log.Printf("Grace warning sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("Grace warning sweep queued %d warnings", n)
		}
	})

	// Re-drive provider cancellations that failed post-commit, every 15 minutes.
	mustSchedule(c, env.GetEnv("SWEEP_RETRY_SCHEDULE", "*/15 * * * *"), func() {
		if n, err := sweeper.RetryPendingCancellations(context.Background()); err != nil {
			log.Printf("Cancellation retry sweep failed: %v", err)
		} else if n > 0 {
			log.Printf("Cancellation retry sweep re-queued %d cancellations", n)
		}
	})

	c.Start()
	return c
}

func mustSchedule(c *cron.Cron, schedule string, fn func()) {
	if _, err := c.AddFunc(schedule, fn); err != nil {
		log.Fatalf("Failed to schedule sweep (%s): %v", schedule, err)
	}
}
