package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/siteforge-app/SiteForge/app/models"
	"github.com/siteforge-app/SiteForge/internal/pkg/entitlements"
	"github.com/stripe/stripe-go/v75"
	"gorm.io/gorm"
)

// HandlerResult carries the ledger linkage and the domain events a handler
// produced. Events are routed only after the transaction commits.
type HandlerResult struct {
	OrganizationID *uint
	SubscriptionID *uint
	Events         []DomainEvent
}

func (hr *HandlerResult) linkOrg(id uint) {
	hr.OrganizationID = &id
}

func (hr *HandlerResult) linkSub(id uint) {
	hr.SubscriptionID = &id
}

// dispatch routes a claimed event to its type-specific handler. The repo is
// bound to the claim transaction, so handler writes and the final mark share
// one atomic unit. Unknown kinds hit the default branch, which records
// receipt without side effects.
func (p *Processor) dispatch(ctx context.Context, repo Repository, ev *InboundEvent) (*HandlerResult, error) {
	switch ev.Kind {
	case KindCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, repo, ev)
	case KindSubscriptionCreated, KindSubscriptionUpdated:
		return p.handleSubscriptionChanged(ctx, repo, ev)
	case KindSubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, repo, ev)
	case KindInvoicePaid:
		return p.handleInvoicePaid(ctx, repo, ev)
	case KindInvoicePaymentFailed:
		return p.handleInvoicePaymentFailed(ctx, repo, ev)
	case KindCustomerUpdated:
		return p.handleCustomerUpdated(ctx, repo, ev)
	case KindTrialWillEnd:
		return p.handleTrialWillEnd(ctx, repo, ev)
	default:
		log.Infof("[Billing] Recording unhandled event type %s (%s)", ev.EventType, ev.ProviderEventID)
		return &HandlerResult{}, nil
	}
}

// handleCheckoutCompleted creates the subscription on first successful
// checkout. The full subscription is pre-fetched from the provider before the
// transaction opened (InboundEvent.Prefetched).
func (p *Processor) handleCheckoutCompleted(ctx context.Context, repo Repository, ev *InboundEvent) (*HandlerResult, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(ev.Payload, &session); err != nil {
		return nil, fmt.Errorf("parse checkout session: %w", err)
	}
	if ev.Prefetched == nil {
		return nil, errors.New("checkout session missing subscription data")
	}

	org, err := p.resolveCheckoutOrganization(repo, &session)
	if err != nil {
		return nil, err
	}
	if org.ProviderCustomerID == "" && session.Customer != nil && session.Customer.ID != "" {
		if err := repo.SetOrganizationCustomerID(org.ID, session.Customer.ID); err != nil {
			return nil, fmt.Errorf("link customer id: %w", err)
		}
	}

	result := &HandlerResult{}
	result.linkOrg(org.ID)
	sub, events, err := p.syncSubscription(repo, org.ID, ev.Prefetched, ev.Payload)
	if err != nil {
		return nil, err
	}
	result.linkSub(sub.ID)
	result.Events = events
	return result, nil
}

// resolveCheckoutOrganization identifies the organization from the checkout
// session: client_reference_id carries the org id, with the provider customer
// link as fallback.
func (p *Processor) resolveCheckoutOrganization(repo Repository, session *stripe.CheckoutSession) (*models.Organization, error) {
	if ref := session.ClientReferenceID; ref != "" {
		orgID, err := strconv.ParseUint(ref, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid client_reference_id %q: %w", ref, err)
		}
		org, err := repo.GetOrganization(uint(orgID))
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("organization %d not found for checkout session", orgID)
			}
			return nil, err
		}
		return org, nil
	}
	if session.Customer != nil && session.Customer.ID != "" {
		org, err := repo.FindOrganizationByCustomerID(session.Customer.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, errors.New("checkout session has no resolvable organization")
			}
			return nil, err
		}
		return org, nil
	}
	return nil, errors.New("checkout session missing client_reference_id and customer")
}

// handleSubscriptionChanged upserts provider subscription state. If the event
// outruns the checkout that links the customer to an organization, the lookup
// misses and the event is retried later.
func (p *Processor) handleSubscriptionChanged(ctx context.Context, repo Repository, ev *InboundEvent) (*HandlerResult, error) {
	var provSub stripe.Subscription
	if err := json.Unmarshal(ev.Payload, &provSub); err != nil {
		return nil, fmt.Errorf("parse subscription: %w", err)
	}
	if provSub.Customer == nil || provSub.Customer.ID == "" {
		return nil, errors.New("subscription payload missing customer")
	}

	org, err := repo.FindOrganizationByCustomerID(provSub.Customer.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no organization for customer %s", ErrDependencyNotReady, provSub.Customer.ID)
		}
		return nil, err
	}

	result := &HandlerResult{}
	result.linkOrg(org.ID)
	sub, events, err := p.syncSubscription(repo, org.ID, &provSub, ev.Payload)
	if err != nil {
		return nil, err
	}
	result.linkSub(sub.ID)
	result.Events = events
	return result, nil
}

// handleSubscriptionDeleted transitions the subscription to canceled and runs
// the downgrade in the same transaction. The provider already canceled on its
// side, so no provider-cancel action is queued.
func (p *Processor) handleSubscriptionDeleted(ctx context.Context, repo Repository, ev *InboundEvent) (*HandlerResult, error) {
	var provSub stripe.Subscription
	if err := json.Unmarshal(ev.Payload, &provSub); err != nil {
		return nil, fmt.Errorf("parse subscription: %w", err)
	}
	if provSub.ID == "" {
		return nil, errors.New("subscription payload missing id")
	}

	sub, err := repo.FindSubscriptionByProviderID(ev.Provider, provSub.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: no local subscription %s", ErrDependencyNotReady, provSub.ID)
		}
		return nil, err
	}

	result := &HandlerResult{}
	result.linkOrg(sub.OrganizationID)
	result.linkSub(sub.ID)
	if sub.Status == models.SubStatusCanceled {
		// Already terminal; replay or late delivery.
		return result, nil
	}

	events := ApplyTransition(sub, models.SubStatusCanceled, p.now())
	sub.RawPayloadJSON = string(ev.Payload)
	if err := repo.SaveSubscription(sub); err != nil {
		return nil, fmt.Errorf("save canceled subscription: %w", err)
	}
	downgraded, err := Downgrade(repo, sub.OrganizationID)
	if err != nil {
		return nil, err
	}
	result.Events = append(events, downgraded)
	return result, nil
}

// handleInvoicePaid records the payment and recovers a past_due subscription
// back to active.
func (p *Processor) handleInvoicePaid(ctx context.Context, repo Repository, ev *InboundEvent) (*HandlerResult, error) {
	inv, sub, err := p.resolveInvoice(repo, ev)
	if err != nil {
		return nil, err
	}

	now := p.now()
	inv.Status = models.InvoiceStatusPaid
	inv.PaidAt = &now
	if err := p.upsertNormalizedInvoice(repo, inv); err != nil {
		return nil, err
	}

	result := &HandlerResult{}
	result.linkOrg(sub.OrganizationID)
	result.linkSub(sub.ID)
	if sub.Status == models.SubStatusPastDue || sub.Status == models.SubStatusUnpaid {
		result.Events = ApplyTransition(sub, models.SubStatusActive, now)
		if err := repo.SaveSubscription(sub); err != nil {
			return nil, fmt.Errorf("save recovered subscription: %w", err)
		}
	}
	return result, nil
}

// handleInvoicePaymentFailed records the failed attempt and moves the
// subscription into past_due, starting the grace period.
func (p *Processor) handleInvoicePaymentFailed(ctx context.Context, repo Repository, ev *InboundEvent) (*HandlerResult, error) {
	inv, sub, err := p.resolveInvoice(repo, ev)
	if err != nil {
		return nil, err
	}

	inv.Status = models.InvoiceStatusFailedRetry
	if err := p.upsertNormalizedInvoice(repo, inv); err != nil {
		return nil, err
	}

	result := &HandlerResult{}
	result.linkOrg(sub.OrganizationID)
	result.linkSub(sub.ID)
	if sub.Status != models.SubStatusPastDue && !sub.IsTerminal() {
		result.Events = ApplyTransition(sub, models.SubStatusPastDue, p.now())
		if err := repo.SaveSubscription(sub); err != nil {
			return nil, fmt.Errorf("save past_due subscription: %w", err)
		}
	}
	return result, nil
}

// resolveInvoice parses an invoice payload and resolves its local
// subscription. Invoices for subscriptions we have not created yet are an
// ordering race.
func (p *Processor) resolveInvoice(repo Repository, ev *InboundEvent) (*NormalizedInvoice, *models.Subscription, error) {
	var provInv stripe.Invoice
	if err := json.Unmarshal(ev.Payload, &provInv); err != nil {
		return nil, nil, fmt.Errorf("parse invoice: %w", err)
	}
	if provInv.ID == "" {
		return nil, nil, errors.New("invoice payload missing id")
	}
	if provInv.Subscription == nil || provInv.Subscription.ID == "" {
		return nil, nil, errors.New("invoice payload missing subscription")
	}

	sub, err := repo.FindSubscriptionByProviderID(ev.Provider, provInv.Subscription.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("%w: no local subscription %s for invoice %s",
				ErrDependencyNotReady, provInv.Subscription.ID, provInv.ID)
		}
		return nil, nil, err
	}

	return &NormalizedInvoice{
		SubscriptionID:    sub.ID,
		OrganizationID:    sub.OrganizationID,
		Provider:          ev.Provider,
		ProviderInvoiceID: provInv.ID,
		Status:            models.InvoiceStatusOpen,
		AmountDue:         provInv.AmountDue,
		Currency:          string(provInv.Currency),
		AttemptCount:      int(provInv.AttemptCount),
	}, sub, nil
}

func (p *Processor) upsertNormalizedInvoice(repo Repository, in *NormalizedInvoice) error {
	if err := p.validate.Struct(in); err != nil {
		return fmt.Errorf("invalid invoice: %w", err)
	}
	inv := &models.Invoice{
		SubscriptionID:    in.SubscriptionID,
		OrganizationID:    in.OrganizationID,
		Provider:          in.Provider,
		ProviderInvoiceID: in.ProviderInvoiceID,
		Status:            in.Status,
		AmountDue:         in.AmountDue,
		Currency:          in.Currency,
		AttemptCount:      in.AttemptCount,
		PaidAt:            in.PaidAt,
	}
	return repo.UpsertInvoice(inv)
}

// handleCustomerUpdated refreshes the organization's billing email. Updates
// for customers without a linked organization are recorded and skipped; they
// are not retriable because the link is created by checkout, not here.
func (p *Processor) handleCustomerUpdated(ctx context.Context, repo Repository, ev *InboundEvent) (*HandlerResult, error) {
	var customer stripe.Customer
	if err := json.Unmarshal(ev.Payload, &customer); err != nil {
		return nil, fmt.Errorf("parse customer: %w", err)
	}
	if customer.ID == "" {
		return nil, errors.New("customer payload missing id")
	}

	org, err := repo.FindOrganizationByCustomerID(customer.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Infof("[Billing] customer.updated for unlinked customer %s, recording receipt only", customer.ID)
			return &HandlerResult{}, nil
		}
		return nil, err
	}

	result := &HandlerResult{}
	result.linkOrg(org.ID)
	if customer.Email != "" && customer.Email != org.BillingEmail {
		if err := repo.SetOrganizationBillingEmail(org.ID, customer.Email); err != nil {
			return nil, fmt.Errorf("update billing email: %w", err)
		}
	}
	return result, nil
}

// handleTrialWillEnd queues an advance notice; no subscription state changes.
func (p *Processor) handleTrialWillEnd(ctx context.Context, repo Repository, ev *InboundEvent) (*HandlerResult, error) {
	var provSub stripe.Subscription
	if err := json.Unmarshal(ev.Payload, &provSub); err != nil {
		return nil, fmt.Errorf("parse subscription: %w", err)
	}

	sub, err := repo.FindSubscriptionByProviderID(ev.Provider, provSub.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Trial notice for a subscription we never saw; nothing to do.
			return &HandlerResult{}, nil
		}
		return nil, err
	}

	daysRemaining := 0
	if provSub.TrialEnd > 0 {
		if d := time.Unix(provSub.TrialEnd, 0).Sub(p.now()); d > 0 {
			daysRemaining = int(d.Hours() / 24)
		}
	}

	result := &HandlerResult{}
	result.linkOrg(sub.OrganizationID)
	result.linkSub(sub.ID)
	result.Events = []DomainEvent{{
		Type:           DomainTrialEnding,
		OrganizationID: sub.OrganizationID,
		SubscriptionID: sub.ID,
		DaysRemaining:  daysRemaining,
	}}
	return result, nil
}

// syncSubscription validates, upserts and state-transitions one provider
// subscription, applying plan quota limits when the plan entitles them.
func (p *Processor) syncSubscription(repo Repository, orgID uint, provSub *stripe.Subscription, raw []byte) (*models.Subscription, []DomainEvent, error) {
	norm, err := p.normalizeSubscription(repo, orgID, provSub, raw)
	if err != nil {
		return nil, nil, err
	}
	if err := p.validate.Struct(norm); err != nil {
		return nil, nil, fmt.Errorf("invalid subscription: %w", err)
	}

	now := p.now()
	existing, err := repo.FindSubscriptionByProviderID(norm.Provider, norm.ProviderSubscriptionID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, err
	}

	sub := &models.Subscription{
		OrganizationID:         norm.OrganizationID,
		Provider:               norm.Provider,
		ProviderSubscriptionID: norm.ProviderSubscriptionID,
		PlanTier:               norm.PlanTier,
		BillingInterval:        norm.BillingInterval,
		CurrentPeriodStart:     norm.CurrentPeriodStart,
		CurrentPeriodEnd:       norm.CurrentPeriodEnd,
		CancelAtPeriodEnd:      norm.CancelAtPeriodEnd,
		Amount:                 norm.Amount,
		Currency:               norm.Currency,
		RawPayloadJSON:         norm.RawPayloadJSON,
	}
	if existing != nil {
		sub.Status = existing.Status
		sub.PastDueSince = existing.PastDueSince
		sub.GraceWarnedAt = existing.GraceWarnedAt
		sub.CanceledAt = existing.CanceledAt
	}

	events := ApplyTransition(sub, norm.Status, now)
	if err := repo.UpsertSubscription(sub); err != nil {
		return nil, nil, fmt.Errorf("upsert subscription: %w", err)
	}

	canceled := false
	for _, e := range events {
		if e.Type == DomainSubscriptionCanceled {
			canceled = true
		}
	}
	if canceled {
		downgraded, err := Downgrade(repo, orgID)
		if err != nil {
			return nil, nil, err
		}
		events = append(events, downgraded)
	} else if entitlingStatus(sub.Status) {
		limits := entitlements.LimitsFor(entitlements.Plan(sub.PlanTier))
		if err := repo.ApplyQuotaLimits(orgID, limits); err != nil {
			return nil, nil, fmt.Errorf("apply plan limits: %w", err)
		}
		if err := repo.SetOrganizationPlan(orgID, sub.PlanTier); err != nil {
			return nil, nil, fmt.Errorf("set plan tier: %w", err)
		}
	}

	// Re-stamp event linkage ids on the mutated events now that the upsert
	// assigned the row id.
	for i := range events {
		events[i].SubscriptionID = sub.ID
		events[i].OrganizationID = orgID
	}
	return sub, events, nil
}

// normalizeSubscription maps a provider subscription object to the local
// shape, resolving the price to an internal plan tier.
func (p *Processor) normalizeSubscription(repo Repository, orgID uint, provSub *stripe.Subscription, raw []byte) (*NormalizedSubscription, error) {
	if provSub.ID == "" {
		return nil, errors.New("subscription payload missing id")
	}
	if provSub.Items == nil || len(provSub.Items.Data) == 0 || provSub.Items.Data[0].Price == nil {
		return nil, errors.New("subscription payload missing price item")
	}
	price := provSub.Items.Data[0].Price

	interval := models.BillingIntervalUnknown
	if price.Recurring != nil {
		switch price.Recurring.Interval {
		case stripe.PriceRecurringIntervalMonth:
			interval = models.BillingIntervalMonth
		case stripe.PriceRecurringIntervalYear:
			interval = models.BillingIntervalYear
		}
	}

	mapping, err := repo.FindActivePlanMapping(ProviderStripe, price.ID, interval)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("no plan mapping for price %s (%s)", price.ID, interval)
		}
		return nil, err
	}

	norm := &NormalizedSubscription{
		OrganizationID:         orgID,
		Provider:               ProviderStripe,
		ProviderSubscriptionID: provSub.ID,
		PlanTier:               string(entitlements.NormalizePlan(mapping.PlanTier)),
		BillingInterval:        interval,
		Status:                 string(provSub.Status),
		CancelAtPeriodEnd:      provSub.CancelAtPeriodEnd,
		Amount:                 price.UnitAmount,
		Currency:               string(price.Currency),
		RawPayloadJSON:         string(raw),
	}
	if provSub.CurrentPeriodStart > 0 {
		t := time.Unix(provSub.CurrentPeriodStart, 0)
		norm.CurrentPeriodStart = &t
	}
	if provSub.CurrentPeriodEnd > 0 {
		t := time.Unix(provSub.CurrentPeriodEnd, 0)
		norm.CurrentPeriodEnd = &t
	}
	return norm, nil
}

func entitlingStatus(status string) bool {
	switch status {
	case models.SubStatusActive, models.SubStatusTrialing, models.SubStatusPastDue:
		return true
	default:
		return false
	}
}
