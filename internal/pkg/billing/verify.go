package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v75/webhook"
)

// ErrInvalidEnvelope wraps every verification failure so callers can map it
// to a client error without persisting anything to the ledger.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// VerifyEnvelope authenticates a raw webhook delivery and parses it into an
// InboundEvent. Signature and schema failures are rejected here, before any
// ledger write.
func VerifyEnvelope(payload []byte, signatureHeader, secret string) (*InboundEvent, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrInvalidEnvelope)
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		signatureHeader,
		secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, fmt.Errorf("%w: missing event id", ErrInvalidEnvelope)
	}

	return &InboundEvent{
		Provider:        ProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		Kind:            KindOf(string(event.Type)),
		Payload:         event.Data.Raw,
	}, nil
}
