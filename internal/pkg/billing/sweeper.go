package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/siteforge-app/SiteForge/app/models"
	"github.com/siteforge-app/SiteForge/internal/pkg/cache"
)

const (
	// GraceWindow is how long a subscription may sit in past_due before the
	// sweep force-cancels it.
	GraceWindow = 7 * 24 * time.Hour

	// warnAfterDays is the elapsed-days mark at which the warning sweep
	// fires, once, for each affected organization.
	warnAfterDays = 4
)

// Sweeper runs the scheduled scans: grace-period expiration, the midpoint
// warning, and retries of provider-side cancellations whose post-commit
// action failed earlier.
type Sweeper struct {
	store       Store
	provider    ProviderClient
	statusCache cache.StatusCache
	actions     ActionEnqueuer
	now         func() time.Time
}

// NewSweeper wires the sweeps.
func NewSweeper(store Store, provider ProviderClient, statusCache cache.StatusCache, actions ActionEnqueuer) *Sweeper {
	return &Sweeper{
		store:       store,
		provider:    provider,
		statusCache: statusCache,
		actions:     actions,
		now:         time.Now,
	}
}

// CancelExpired force-cancels every subscription stuck in past_due beyond
// the grace window. Each subscription gets its own transaction so one
// failure cannot abort the others; inside the transaction the row is
// re-locked and re-verified because it may have recovered since the scan.
func (s *Sweeper) CancelExpired(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-GraceWindow)
	candidates, err := s.store.Repo().ListPastDueBefore(cutoff)
	if err != nil {
		return 0, err
	}

	canceled := 0
	for i := range candidates {
		sub := candidates[i]
		var events []DomainEvent
		err := s.store.InTx(ctx, func(repo Repository) error {
			locked, err := repo.LockSubscription(sub.ID)
			if err != nil {
				return err
			}
			if locked == nil {
				// Another sweep run holds the row; it will finish the job.
				return nil
			}
			if locked.Status != models.SubStatusPastDue {
				// Recovered (or already canceled) between scan and lock.
				return nil
			}

			events = ApplyTransition(locked, models.SubStatusCanceled, s.now())
			locked.CancellationPending = true
			if err := repo.SaveSubscription(locked); err != nil {
				return err
			}
			downgraded, err := Downgrade(repo, locked.OrganizationID)
			if err != nil {
				return err
			}
			events = append(events, downgraded)
			return nil
		})
		if err != nil {
			log.Errorf("[Billing] Grace sweep failed for subscription %d: %v", sub.ID, err)
			continue
		}
		if len(events) == 0 {
			continue
		}

		canceled++
		s.afterCancelCommit(ctx, &sub)
	}

	log.Infof("[Billing] Grace sweep canceled %d of %d candidates", canceled, len(candidates))
	return canceled, nil
}

// afterCancelCommit queues the two post-commit actions for a sweep-canceled
// subscription: provider-side cancel (no proration, "already gone" tolerated)
// and the admin downgrade notice.
func (s *Sweeper) afterCancelCommit(ctx context.Context, sub *models.Subscription) {
	if err := s.statusCache.Invalidate(ctx, sub.OrganizationID); err != nil {
		log.Warnf("[Billing] Status cache invalidation failed for org %d: %v", sub.OrganizationID, err)
	}
	if err := s.actions.EnqueueProviderCancel(sub.ID, sub.ProviderSubscriptionID); err != nil {
		log.Errorf("[Billing] Failed to queue provider cancel for subscription %d: %v", sub.ID, err)
	}
	if err := s.actions.EnqueueDowngradeNotice(sub.OrganizationID); err != nil {
		log.Errorf("[Billing] Failed to queue downgrade notice for org %d: %v", sub.OrganizationID, err)
	}
}

// WarnUpcoming sends the "N days remaining" notice to organizations whose
// subscriptions crossed the warning mark today. The grace_warned_at stamp,
// written under the same re-lock discipline CancelExpired uses, makes the
// notice a one-shot even when a manual run races the scheduled one.
func (s *Sweeper) WarnUpcoming(ctx context.Context) (int, error) {
	now := s.now()
	from := now.Add(-time.Duration(warnAfterDays) * 24 * time.Hour)
	to := now.Add(-time.Duration(warnAfterDays-1) * 24 * time.Hour)

	candidates, err := s.store.Repo().ListPastDueBetween(from, to)
	if err != nil {
		return 0, err
	}

	daysRemaining := int(GraceWindow.Hours()/24) - warnAfterDays
	warned := map[uint]bool{}
	for i := range candidates {
		sub := candidates[i]
		if warned[sub.OrganizationID] {
			continue
		}

		stamped := false
		err := s.store.InTx(ctx, func(repo Repository) error {
			locked, err := repo.LockSubscription(sub.ID)
			if err != nil {
				return err
			}
			if locked == nil {
				// A concurrent sweep run holds the row; it sends the notice.
				return nil
			}
			if locked.Status != models.SubStatusPastDue || locked.GraceWarnedAt != nil {
				return nil
			}
			t := now
			locked.GraceWarnedAt = &t
			if err := repo.SaveSubscription(locked); err != nil {
				return err
			}
			stamped = true
			return nil
		})
		if err != nil {
			log.Errorf("[Billing] Warning sweep failed for subscription %d: %v", sub.ID, err)
			continue
		}
		if !stamped {
			continue
		}

		if err := s.actions.EnqueueGraceWarning(sub.OrganizationID, daysRemaining); err != nil {
			log.Errorf("[Billing] Failed to queue grace warning for org %d: %v", sub.OrganizationID, err)
			continue
		}
		warned[sub.OrganizationID] = true
	}

	log.Infof("[Billing] Warning sweep notified %d organizations (%d days remaining)", len(warned), daysRemaining)
	return len(warned), nil
}

// RetryPendingCancellations re-attempts provider-side cancellation for
// subscriptions whose earlier post-commit cancel failed. Each row is
// re-locked and re-verified so a concurrent run skips it instead of calling
// the provider twice. The flag clears on success or on a "resource already
// gone" response and stays set for the next run on any other failure.
func (s *Sweeper) RetryPendingCancellations(ctx context.Context) (int, error) {
	pending, err := s.store.Repo().ListPendingCancellations()
	if err != nil {
		return 0, err
	}

	cleared := 0
	for i := range pending {
		sub := pending[i]
		err := s.store.InTx(ctx, func(repo Repository) error {
			locked, err := repo.LockSubscription(sub.ID)
			if err != nil {
				return err
			}
			if locked == nil || !locked.CancellationPending {
				return nil
			}
			if err := s.provider.CancelSubscription(ctx, locked.ProviderSubscriptionID); err != nil && !IsProviderNotFound(err) {
				return err
			}
			if err := repo.SetCancellationPending(locked.ID, false); err != nil {
				return err
			}
			cleared++
			return nil
		})
		if err != nil {
			log.Warnf("[Billing] Provider cancel retry failed for subscription %d: %v", sub.ID, err)
		}
	}

	log.Infof("[Billing] Cancellation retry sweep cleared %d of %d pending", cleared, len(pending))
	return cleared, nil
}
