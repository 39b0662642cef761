package models

import "time"

// Billing interval constants.
const (
	BillingIntervalMonth   = "month"
	BillingIntervalYear    = "year"
	BillingIntervalUnknown = "unknown"
)

// Subscription status constants mirroring the provider lifecycle.
const (
	SubStatusTrialing          = "trialing"
	SubStatusActive            = "active"
	SubStatusPastDue           = "past_due"
	SubStatusCanceled          = "canceled"
	SubStatusIncomplete        = "incomplete"
	SubStatusIncompleteExpired = "incomplete_expired"
	SubStatusUnpaid            = "unpaid"
)

// Subscription mirrors a provider subscription and maps it to an internal
// plan tier. Upserted by (provider, provider_subscription_id); canceled rows
// persist for audit, so one organization may accumulate terminal rows next to
// its single live one.
type Subscription struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	OrganizationID         uint       `gorm:"not null;index" json:"organization_id"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_subscriptions_provider_subid,unique,priority:1;index:idx_subscriptions_provider_status,priority:1" json:"provider"`
	ProviderSubscriptionID string     `gorm:"type:varchar(191);not null;index:ux_subscriptions_provider_subid,unique,priority:2" json:"provider_subscription_id"`
	PlanTier               string     `gorm:"type:varchar(50);not null;default:'free';index" json:"plan_tier"`
	BillingInterval        string     `gorm:"type:varchar(16);not null;default:'unknown'" json:"billing_interval"`
	Status                 string     `gorm:"type:varchar(32);not null;default:'incomplete';index:idx_subscriptions_provider_status,priority:2" json:"status"`
	PastDueSince           *time.Time `gorm:"type:timestamp;default:null;index" json:"past_due_since,omitempty"`
	GraceWarnedAt          *time.Time `gorm:"type:timestamp;default:null" json:"grace_warned_at,omitempty"`
	CurrentPeriodStart     *time.Time `gorm:"type:timestamp;default:null" json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CanceledAt             *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	CancellationPending    bool       `gorm:"default:false;index" json:"cancellation_pending"`
	Amount                 int64      `gorm:"not null;default:0" json:"amount"`
	Currency               string     `gorm:"type:varchar(8);default:''" json:"currency"`
	RawPayloadJSON         string     `gorm:"type:longtext" json:"raw_payload_json"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the subscription reached a state that never
// transitions again.
func (s *Subscription) IsTerminal() bool {
	return s.Status == SubStatusCanceled || s.Status == SubStatusIncompleteExpired
}
