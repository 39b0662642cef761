package models

import "time"

// Invoice status constants. Invoices only move open -> paid or
// open -> failed_retry; rows are never deleted.
const (
	InvoiceStatusOpen        = "open"
	InvoiceStatusPaid        = "paid"
	InvoiceStatusFailedRetry = "failed_retry"
)

// Invoice is an append-only record of billing attempts linked to a
// subscription. Upserted by (provider, provider_invoice_id) so duplicate
// webhook deliveries never create a second row.
type Invoice struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	SubscriptionID    uint       `gorm:"not null;index" json:"subscription_id"`
	OrganizationID    uint       `gorm:"not null;index" json:"organization_id"`
	Provider          string     `gorm:"type:varchar(20);not null;index:ux_invoices_provider_invid,unique,priority:1" json:"provider"`
	ProviderInvoiceID string     `gorm:"type:varchar(191);not null;index:ux_invoices_provider_invid,unique,priority:2" json:"provider_invoice_id"`
	Status            string     `gorm:"type:varchar(32);not null;default:'open';index" json:"status"`
	AmountDue         int64      `gorm:"not null;default:0" json:"amount_due"`
	Currency          string     `gorm:"type:varchar(8);default:''" json:"currency"`
	AttemptCount      int        `gorm:"not null;default:0" json:"attempt_count"`
	PaidAt            *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
