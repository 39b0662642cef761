package billing

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/siteforge-app/SiteForge/app/models"
	"github.com/siteforge-app/SiteForge/internal/pkg/entitlements"
)

// legalTransitions is informational: the provider is the source of truth, so
// an out-of-table transition is logged and still applied. Terminal states
// (canceled, incomplete_expired) have no outgoing edges.
var legalTransitions = map[string][]string{
	models.SubStatusTrialing: {
		models.SubStatusActive, models.SubStatusPastDue,
		models.SubStatusCanceled, models.SubStatusIncomplete,
	},
	models.SubStatusActive: {
		models.SubStatusPastDue, models.SubStatusCanceled, models.SubStatusTrialing,
	},
	models.SubStatusPastDue: {
		models.SubStatusActive, models.SubStatusCanceled, models.SubStatusUnpaid,
	},
	models.SubStatusIncomplete: {
		models.SubStatusActive, models.SubStatusIncompleteExpired, models.SubStatusCanceled,
	},
	models.SubStatusUnpaid: {
		models.SubStatusActive, models.SubStatusCanceled,
	},
}

func transitionListed(from, to string) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ApplyTransition moves sub to newStatus, mutating the grace-period and
// cancellation bookkeeping fields, and returns the typed domain events the
// caller routes after commit. It does not persist; the caller writes the row
// and, when a canceled event is present, must run Downgrade in the same
// transaction.
func ApplyTransition(sub *models.Subscription, newStatus string, now time.Time) []DomainEvent {
	from := sub.Status
	if from == newStatus {
		return nil
	}
	if from != "" && !transitionListed(from, newStatus) {
		log.Warnf("[Billing] Out-of-table transition %s -> %s for subscription %d (provider is source of truth, applying anyway)",
			from, newStatus, sub.ID)
	}

	sub.Status = newStatus
	var events []DomainEvent

	switch newStatus {
	case models.SubStatusPastDue:
		if sub.PastDueSince == nil {
			t := now
			sub.PastDueSince = &t
			events = append(events, DomainEvent{
				Type:           DomainGracePeriodStarted,
				OrganizationID: sub.OrganizationID,
				SubscriptionID: sub.ID,
				FromStatus:     from,
				ToStatus:       newStatus,
			})
		}
	case models.SubStatusCanceled:
		sub.PastDueSince = nil
		sub.GraceWarnedAt = nil
		if sub.CanceledAt == nil {
			t := now
			sub.CanceledAt = &t
		}
		events = append(events, DomainEvent{
			Type:           DomainSubscriptionCanceled,
			OrganizationID: sub.OrganizationID,
			SubscriptionID: sub.ID,
			FromStatus:     from,
			ToStatus:       newStatus,
		})
	case models.SubStatusActive:
		sub.PastDueSince = nil
		sub.GraceWarnedAt = nil
	}

	events = append(events, DomainEvent{
		Type:           DomainSubscriptionStatusMoved,
		OrganizationID: sub.OrganizationID,
		SubscriptionID: sub.ID,
		FromStatus:     from,
		ToStatus:       newStatus,
	})
	return events
}

// Downgrade puts the organization on the free tier and resets every quota
// dimension to the fixed free limits. Idempotent; callable standalone or as
// the side effect of a transition to canceled, in which case it must share
// that transition's transaction. Returns the completion event carrying the
// new limits; the caller invalidates the status cache after commit.
func Downgrade(repo Repository, orgID uint) (DomainEvent, error) {
	if err := repo.SetOrganizationPlan(orgID, string(entitlements.PlanFree)); err != nil {
		return DomainEvent{}, fmt.Errorf("downgrade: set plan: %w", err)
	}
	limits := entitlements.FreeTierLimits
	if err := repo.ApplyQuotaLimits(orgID, limits); err != nil {
		return DomainEvent{}, fmt.Errorf("downgrade: reset quotas: %w", err)
	}
	return DomainEvent{
		Type:           DomainOrganizationDowngraded,
		OrganizationID: orgID,
		Limits:         &limits,
	}, nil
}
