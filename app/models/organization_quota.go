package models

import (
	"time"

	"gorm.io/gorm"
)

// OrganizationQuota holds the per-dimension usage/limit pairs for one
// organization. One row per organization; limits are rewritten wholesale by
// upgrade/downgrade flows, usage is owned by the feature surfaces.
type OrganizationQuota struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	OrganizationID uint      `gorm:"uniqueIndex;not null" json:"organization_id"`
	SitesUsed      int64     `gorm:"not null;default:0" json:"sites_used"`
	SitesLimit     int64     `gorm:"not null;default:1" json:"sites_limit"`
	PostsUsed      int64     `gorm:"not null;default:0" json:"posts_used"`
	PostsLimit     int64     `gorm:"not null;default:100" json:"posts_limit"`
	MembersUsed    int64     `gorm:"not null;default:0" json:"members_used"`
	MembersLimit   int64     `gorm:"not null;default:1" json:"members_limit"`
	StorageUsed    int64     `gorm:"not null;default:0" json:"storage_used"`
	StorageLimit   int64     `gorm:"not null;default:1073741824" json:"storage_limit"`
	APICallsUsed   int64     `gorm:"not null;default:0" json:"api_calls_used"`
	APICallsLimit  int64     `gorm:"not null;default:10000" json:"api_calls_limit"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// GetOrCreateOrganizationQuota returns existing quota row or creates one with
// free-tier defaults.
func GetOrCreateOrganizationQuota(db *gorm.DB, orgID uint) (*OrganizationQuota, error) {
	var q OrganizationQuota
	if err := db.Where("organization_id = ?", orgID).First(&q).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			q = OrganizationQuota{OrganizationID: orgID}
			if err := db.Create(&q).Error; err != nil {
				return nil, err
			}
			return &q, nil
		}
		return nil, err
	}
	return &q, nil
}
