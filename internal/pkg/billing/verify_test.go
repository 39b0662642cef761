package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWebhookSecret = "whsec_test_secret"

// signPayload produces a provider-compatible signature header for a raw
// delivery body.
func signPayload(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyEnvelope_ValidSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_100","type":"customer.updated","data":{"object":{"id":"cus_1","email":"a@b.test"}}}`)
	header := signPayload(payload, testWebhookSecret, time.Now())

	ev, err := VerifyEnvelope(payload, header, testWebhookSecret)
	require.NoError(t, err)
	assert.Equal(t, ProviderStripe, ev.Provider)
	assert.Equal(t, "evt_100", ev.ProviderEventID)
	assert.Equal(t, "customer.updated", ev.EventType)
	assert.Equal(t, KindCustomerUpdated, ev.Kind)
	assert.JSONEq(t, `{"id":"cus_1","email":"a@b.test"}`, string(ev.Payload))
}

func TestVerifyEnvelope_WrongSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_100","type":"customer.updated","data":{"object":{}}}`)
	header := signPayload(payload, "whsec_other", time.Now())

	_, err := VerifyEnvelope(payload, header, testWebhookSecret)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestVerifyEnvelope_TamperedBody(t *testing.T) {
	payload := []byte(`{"id":"evt_100","type":"customer.updated","data":{"object":{}}}`)
	header := signPayload(payload, testWebhookSecret, time.Now())

	tampered := []byte(`{"id":"evt_999","type":"customer.updated","data":{"object":{}}}`)
	_, err := VerifyEnvelope(tampered, header, testWebhookSecret)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestVerifyEnvelope_StaleTimestamp(t *testing.T) {
	payload := []byte(`{"id":"evt_100","type":"customer.updated","data":{"object":{}}}`)
	header := signPayload(payload, testWebhookSecret, time.Now().Add(-time.Hour))

	_, err := VerifyEnvelope(payload, header, testWebhookSecret)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestVerifyEnvelope_MissingSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_100","type":"customer.updated","data":{"object":{}}}`)
	header := signPayload(payload, testWebhookSecret, time.Now())

	_, err := VerifyEnvelope(payload, header, "")
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestVerifyEnvelope_MissingEventID(t *testing.T) {
	payload := []byte(`{"type":"customer.updated","data":{"object":{}}}`)
	header := signPayload(payload, testWebhookSecret, time.Now())

	_, err := VerifyEnvelope(payload, header, testWebhookSecret)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		eventType string
		kind      EventKind
	}{
		{"checkout.session.completed", KindCheckoutCompleted},
		{"customer.subscription.created", KindSubscriptionCreated},
		{"customer.subscription.updated", KindSubscriptionUpdated},
		{"customer.subscription.deleted", KindSubscriptionDeleted},
		{"invoice.paid", KindInvoicePaid},
		{"invoice.payment_succeeded", KindInvoicePaid},
		{"invoice.payment_failed", KindInvoicePaymentFailed},
		{"customer.updated", KindCustomerUpdated},
		{"customer.subscription.trial_will_end", KindTrialWillEnd},
		{"payment_method.attached", KindUnknown},
		{"", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.eventType))
		})
	}
}
