package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionIsTerminal(t *testing.T) {
	tests := []struct {
		status   string
		terminal bool
	}{
		{SubStatusTrialing, false},
		{SubStatusActive, false},
		{SubStatusPastDue, false},
		{SubStatusIncomplete, false},
		{SubStatusUnpaid, false},
		{SubStatusCanceled, true},
		{SubStatusIncompleteExpired, true},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			sub := &Subscription{Status: tt.status}
			assert.Equal(t, tt.terminal, sub.IsTerminal())
		})
	}
}

func TestWebhookEventProcessed(t *testing.T) {
	ev := &WebhookEvent{}
	assert.False(t, ev.Processed())

	now := time.Now()
	ev.ProcessedAt = &now
	assert.True(t, ev.Processed())

	// A recorded failure alone does not make the event processed.
	failed := &WebhookEvent{ProcessingError: "no plan mapping for price price_x (month)"}
	assert.False(t, failed.Processed())
}
