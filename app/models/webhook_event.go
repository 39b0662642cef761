package models

import "time"

// WebhookEvent is the idempotency ledger row for provider webhook deliveries.
// Exactly one row exists per (provider, provider_event_id); processed_at is
// set only after the event's handler and all linkage writes committed in the
// same transaction. Rows are never deleted.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	ProcessedAt     *time.Time `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	OrganizationID  *uint      `gorm:"index" json:"organization_id,omitempty"`
	SubscriptionID  *uint      `gorm:"index" json:"subscription_id,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Processed reports whether the event has been fully applied.
func (e *WebhookEvent) Processed() bool {
	return e.ProcessedAt != nil
}
