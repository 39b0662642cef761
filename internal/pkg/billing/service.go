package billing

import (
	"context"
	"errors"

	"github.com/siteforge-app/SiteForge/internal/pkg/cache"
	"gorm.io/gorm"
)

// StatusNone is reported for organizations without any subscription.
const StatusNone = "none"

// Service answers subscription status lookups through the status cache.
type Service struct {
	store       Store
	statusCache cache.StatusCache
}

// NewService creates the lookup service.
func NewService(store Store, statusCache cache.StatusCache) *Service {
	return &Service{store: store, statusCache: statusCache}
}

// SubscriptionStatusFor returns the organization's current subscription
// status, consulting the cache first and filling it on a miss.
func (s *Service) SubscriptionStatusFor(ctx context.Context, orgID uint) (string, error) {
	if status, ok := s.statusCache.Lookup(ctx, orgID); ok {
		return status, nil
	}

	sub, err := s.store.Repo().FindCurrentSubscription(orgID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.statusCache.Fill(ctx, orgID, StatusNone)
			return StatusNone, nil
		}
		return "", err
	}

	s.statusCache.Fill(ctx, orgID, sub.Status)
	return sub.Status, nil
}
