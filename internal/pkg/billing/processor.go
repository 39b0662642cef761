package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"
	"github.com/siteforge-app/SiteForge/app/models"
	"github.com/siteforge-app/SiteForge/internal/pkg/cache"
	"github.com/stripe/stripe-go/v75"
	"gorm.io/gorm"
)

// ActionEnqueuer queues post-commit actions. Implementations must be safe to
// call after the local transaction committed and must never propagate
// failures back into request handling.
type ActionEnqueuer interface {
	EnqueueProviderCancel(subscriptionID uint, providerSubscriptionID string) error
	EnqueueDowngradeNotice(orgID uint) error
	EnqueueGraceWarning(orgID uint, daysRemaining int) error
	EnqueueTrialEndingNotice(orgID uint, daysRemaining int) error
}

// Processor applies verified events to local state exactly once. The ledger
// row lock with skip-on-contention is the sole concurrency mechanism; there
// is no higher-level mutex.
type Processor struct {
	store       Store
	provider    ProviderClient
	statusCache cache.StatusCache
	actions     ActionEnqueuer
	validate    *validator.Validate
	now         func() time.Time
}

// NewProcessor wires the event processor.
func NewProcessor(store Store, provider ProviderClient, statusCache cache.StatusCache, actions ActionEnqueuer) *Processor {
	return &Processor{
		store:       store,
		provider:    provider,
		statusCache: statusCache,
		actions:     actions,
		validate:    validator.New(),
		now:         time.Now,
	}
}

// Process runs the idempotent processing algorithm for one event:
//
//  1. fast duplicate check, no lock, outside any transaction
//  2. provider pre-fetch for kinds that need it, before the transaction
//  3. idempotent ledger insert (insert-or-do-nothing on the event id)
//  4. locked claim with SELECT ... FOR UPDATE SKIP LOCKED
//  5. dispatch to the type handler on the claim transaction
//  6. finalize: clear error + set processed_at, or roll everything back
//
// On failure the error is persisted against the ledger row (processed_at
// stays NULL) and returned for classification.
func (p *Processor) Process(ctx context.Context, ev *InboundEvent) (Outcome, error) {
	repo := p.store.Repo()

	existing, err := repo.FindEvent(ev.Provider, ev.ProviderEventID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("ledger lookup: %w", err)
	}
	if existing != nil && existing.Processed() {
		return OutcomeDuplicate, nil
	}

	// Provider round-trips stay off the row-lock critical path, and are
	// skipped entirely for events already fully handled.
	if err := p.prefetch(ctx, ev); err != nil {
		p.persistFailure(repo, ev, err)
		return "", err
	}

	created, _, err := repo.InsertEventIfAbsent(&models.WebhookEvent{
		Provider:        ev.Provider,
		ProviderEventID: ev.ProviderEventID,
		EventType:       ev.EventType,
		PayloadJSON:     string(ev.Payload),
	})
	if err != nil {
		return "", fmt.Errorf("ledger insert: %w", err)
	}

	var outcome Outcome
	var result *HandlerResult
	err = p.store.InTx(ctx, func(txRepo Repository) error {
		claimed, err := txRepo.ClaimEvent(ev.Provider, ev.ProviderEventID)
		if err != nil {
			return fmt.Errorf("claim ledger row: %w", err)
		}
		if claimed == nil {
			// Another in-flight request holds the lock. Not an error.
			outcome = OutcomeConcurrent
			return nil
		}
		if claimed.Processed() {
			outcome = OutcomeDuplicate
			return nil
		}

		if created {
			outcome = OutcomeProcessed
		} else {
			outcome = OutcomeRetried
			log.Infof("[Billing] Retrying previously failed event %s (%s): %s",
				ev.ProviderEventID, ev.EventType, claimed.ProcessingError)
		}

		result, err = p.dispatch(ctx, txRepo, ev)
		if err != nil {
			return err
		}
		return txRepo.MarkEventProcessed(claimed.ID, result.OrganizationID, result.SubscriptionID, p.now())
	})
	if err != nil {
		p.persistFailure(repo, ev, err)
		return "", err
	}

	if result != nil {
		p.routeDomainEvents(ctx, result.Events)
	}
	return outcome, nil
}

// prefetch loads provider data needed by the handler. Only checkout
// completion needs it: the session payload carries just a subscription
// reference, not the object.
func (p *Processor) prefetch(ctx context.Context, ev *InboundEvent) error {
	if ev.Kind != KindCheckoutCompleted || ev.Prefetched != nil {
		return nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(ev.Payload, &session); err != nil {
		return fmt.Errorf("parse checkout session: %w", err)
	}
	if session.Subscription == nil || session.Subscription.ID == "" {
		return errors.New("checkout session missing subscription")
	}

	sub, err := p.provider.FetchSubscription(ctx, session.Subscription.ID)
	if err != nil {
		return fmt.Errorf("prefetch subscription %s: %w", session.Subscription.ID, err)
	}
	ev.Prefetched = sub
	return nil
}

// persistFailure writes the error trail onto the ledger row. Best effort:
// the original processing error stays authoritative.
func (p *Processor) persistFailure(repo Repository, ev *InboundEvent, procErr error) {
	row := &models.WebhookEvent{
		Provider:        ev.Provider,
		ProviderEventID: ev.ProviderEventID,
		EventType:       ev.EventType,
		PayloadJSON:     string(ev.Payload),
	}
	if err := repo.RecordEventError(row, procErr); err != nil {
		log.Errorf("[Billing] Failed to persist error for event %s: %v", ev.ProviderEventID, err)
	}
}

// routeDomainEvents runs after commit. Failures here are logged and never
// surfaced to the sender; local state is already authoritative.
func (p *Processor) routeDomainEvents(ctx context.Context, events []DomainEvent) {
	invalidated := map[uint]bool{}
	for _, e := range events {
		if e.OrganizationID != 0 && !invalidated[e.OrganizationID] {
			if err := p.statusCache.Invalidate(ctx, e.OrganizationID); err != nil {
				log.Warnf("[Billing] Status cache invalidation failed for org %d: %v", e.OrganizationID, err)
			}
			invalidated[e.OrganizationID] = true
		}

		switch e.Type {
		case DomainGracePeriodStarted:
			log.Infof("[Billing] Grace period started for org %d (subscription %d)", e.OrganizationID, e.SubscriptionID)
		case DomainOrganizationDowngraded:
			if err := p.actions.EnqueueDowngradeNotice(e.OrganizationID); err != nil {
				log.Errorf("[Billing] Failed to queue downgrade notice for org %d: %v", e.OrganizationID, err)
			}
		case DomainTrialEnding:
			if err := p.actions.EnqueueTrialEndingNotice(e.OrganizationID, e.DaysRemaining); err != nil {
				log.Errorf("[Billing] Failed to queue trial notice for org %d: %v", e.OrganizationID, err)
			}
		}
	}
}
