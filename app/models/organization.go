package models

import (
	"time"

	"gorm.io/gorm"
)

// Plan tier constants shared by organizations and subscriptions.
const (
	PlanFree     = "free"
	PlanPro      = "pro"
	PlanBusiness = "business"
)

// Organization owns sites, members and quotas. Its plan tier is driven by the
// billing subscription lifecycle.
type Organization struct {
	ID                 uint           `gorm:"primaryKey" json:"id"`
	Name               string         `gorm:"type:varchar(150);not null" json:"name"`
	Slug               string         `gorm:"type:varchar(150);uniqueIndex" json:"slug"`
	BillingEmail       string         `gorm:"type:varchar(200);default:''" json:"billing_email"`
	ProviderCustomerID string         `gorm:"type:varchar(191);default:'';index:ux_organizations_provider_customer,unique" json:"provider_customer_id"`
	PlanTier           string         `gorm:"type:varchar(50);not null;default:'free';index" json:"plan_tier"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt          gorm.DeletedAt `gorm:"index" json:"-"`
}

// FindOrganizationByCustomerID resolves a provider customer reference to the
// owning organization.
func FindOrganizationByCustomerID(db *gorm.DB, customerID string) (*Organization, error) {
	var org Organization
	if err := db.Where("provider_customer_id = ?", customerID).First(&org).Error; err != nil {
		return nil, err
	}
	return &org, nil
}

// AdminEmails returns the notification recipients for an organization: every
// active admin member plus the billing email when set.
func AdminEmails(db *gorm.DB, orgID uint) ([]string, error) {
	var emails []string
	err := db.Model(&User{}).
		Where("organization_id = ? AND role = ? AND status = ?", orgID, RoleAdmin, StatusActive).
		Pluck("email", &emails).Error
	if err != nil {
		return nil, err
	}

	var org Organization
	if err := db.First(&org, orgID).Error; err == nil && org.BillingEmail != "" {
		seen := false
		for _, e := range emails {
			if e == org.BillingEmail {
				seen = true
				break
			}
		}
		if !seen {
			emails = append(emails, org.BillingEmail)
		}
	}
	return emails, nil
}
