package billing

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/siteforge-app/SiteForge/internal/pkg/entitlements"
	"github.com/stripe/stripe-go/v75"
)

// ProviderStripe is the only billing provider currently wired. The provider
// column keeps the tables ready for a second one.
const ProviderStripe = "stripe"

// EventKind is the closed set of webhook event kinds the dispatcher knows.
// Unknown provider types map to KindUnknown and are recorded without side
// effects.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindCheckoutCompleted
	KindSubscriptionCreated
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindInvoicePaid
	KindInvoicePaymentFailed
	KindCustomerUpdated
	KindTrialWillEnd
)

// KindOf maps a provider event type string to an EventKind.
func KindOf(eventType string) EventKind {
	switch eventType {
	case "checkout.session.completed":
		return KindCheckoutCompleted
	case "customer.subscription.created":
		return KindSubscriptionCreated
	case "customer.subscription.updated":
		return KindSubscriptionUpdated
	case "customer.subscription.deleted":
		return KindSubscriptionDeleted
	case "invoice.paid", "invoice.payment_succeeded":
		return KindInvoicePaid
	case "invoice.payment_failed":
		return KindInvoicePaymentFailed
	case "customer.updated":
		return KindCustomerUpdated
	case "customer.subscription.trial_will_end":
		return KindTrialWillEnd
	default:
		return KindUnknown
	}
}

// String returns the canonical provider type string for the kind.
func (k EventKind) String() string {
	switch k {
	case KindCheckoutCompleted:
		return "checkout.session.completed"
	case KindSubscriptionCreated:
		return "customer.subscription.created"
	case KindSubscriptionUpdated:
		return "customer.subscription.updated"
	case KindSubscriptionDeleted:
		return "customer.subscription.deleted"
	case KindInvoicePaid:
		return "invoice.paid"
	case KindInvoicePaymentFailed:
		return "invoice.payment_failed"
	case KindCustomerUpdated:
		return "customer.updated"
	case KindTrialWillEnd:
		return "customer.subscription.trial_will_end"
	default:
		return "unknown"
	}
}

// InboundEvent is a verified, parsed webhook notification.
type InboundEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Kind            EventKind
	Payload         json.RawMessage

	// Prefetched holds provider data fetched before the processing
	// transaction opens, so provider latency stays off the row lock.
	Prefetched *stripe.Subscription
}

// Outcome is the result of processing one event.
type Outcome string

const (
	OutcomeProcessed  Outcome = "processed"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeConcurrent Outcome = "concurrent"
	OutcomeRetried    Outcome = "retried"
)

// NormalizedSubscription is the provider-agnostic shape handlers write to the
// subscriptions table.
type NormalizedSubscription struct {
	OrganizationID         uint   `validate:"required"`
	Provider               string `validate:"required"`
	ProviderSubscriptionID string `validate:"required"`
	PlanTier               string `validate:"required"`
	BillingInterval        string
	Status                 string `validate:"required"`
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	Amount                 int64
	Currency               string
	RawPayloadJSON         string
}

// NormalizedInvoice is the provider-agnostic shape handlers write to the
// invoices table.
type NormalizedInvoice struct {
	SubscriptionID    uint   `validate:"required"`
	OrganizationID    uint   `validate:"required"`
	Provider          string `validate:"required"`
	ProviderInvoiceID string `validate:"required"`
	Status            string `validate:"required,oneof=open paid failed_retry"`
	AmountDue         int64
	Currency          string
	AttemptCount      int
	PaidAt            *time.Time
}

// DomainEventType tags the typed domain events returned by state transitions.
type DomainEventType string

const (
	DomainGracePeriodStarted      DomainEventType = "grace_period_started"
	DomainSubscriptionCanceled    DomainEventType = "subscription_canceled"
	DomainOrganizationDowngraded  DomainEventType = "organization_downgraded"
	DomainTrialEnding             DomainEventType = "trial_ending"
	DomainSubscriptionStatusMoved DomainEventType = "subscription_status_moved"
)

// DomainEvent describes a committed state change. Transitions return these
// instead of firing listeners, and the caller routes them after commit.
type DomainEvent struct {
	Type           DomainEventType
	OrganizationID uint
	SubscriptionID uint
	FromStatus     string
	ToStatus       string
	Limits         *entitlements.QuotaLimits
	DaysRemaining  int
}

// ErrDependencyNotReady signals an ordering race: the event refers to a
// record whose creating event has not arrived yet. Classified transient so
// the provider redelivers.
var ErrDependencyNotReady = errors.New("dependent record not yet created")
