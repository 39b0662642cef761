package billing

import (
	"context"
	"errors"

	"github.com/siteforge-app/SiteForge/internal/pkg/env"
	"github.com/stripe/stripe-go/v75"
	"github.com/stripe/stripe-go/v75/subscription"
)

// ProviderClient is the billing provider surface the engine needs: pre-fetch
// of related resources and idempotent-safe cancellation.
type ProviderClient interface {
	FetchSubscription(ctx context.Context, providerSubscriptionID string) (*stripe.Subscription, error)
	CancelSubscription(ctx context.Context, providerSubscriptionID string) error
}

type stripeProvider struct{}

// NewStripeProviderFromEnv configures the global Stripe key and returns the
// provider client.
func NewStripeProviderFromEnv() ProviderClient {
	stripe.Key = env.GetEnv("STRIPE_SECRET_KEY", "")
	return &stripeProvider{}
}

func (p *stripeProvider) FetchSubscription(ctx context.Context, providerSubscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	return subscription.Get(providerSubscriptionID, params)
}

// CancelSubscription cancels immediately and without proration. Repeating the
// call for an already-canceled or missing subscription is safe; callers treat
// IsProviderNotFound as success.
func (p *stripeProvider) CancelSubscription(ctx context.Context, providerSubscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{
		InvoiceNow: stripe.Bool(false),
		Prorate:    stripe.Bool(false),
	}
	params.Context = ctx
	_, err := subscription.Cancel(providerSubscriptionID, params)
	return err
}

// IsProviderNotFound reports whether the provider said the resource is
// already gone.
func IsProviderNotFound(err error) bool {
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		return sErr.Code == stripe.ErrorCodeResourceMissing || sErr.HTTPStatusCode == 404
	}
	return false
}
