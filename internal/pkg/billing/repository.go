package billing

import (
	"context"
	"time"

	"github.com/siteforge-app/SiteForge/app/models"
	"github.com/siteforge-app/SiteForge/internal/pkg/entitlements"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository provides the DB operations used by the processor, handlers and
// sweeper. A repository is bound to one handle: either the root connection or
// a transaction Store.InTx opened.
type Repository interface {
	// Idempotency ledger.
	FindEvent(provider, eventID string) (*models.WebhookEvent, error)
	InsertEventIfAbsent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	ClaimEvent(provider, eventID string) (*models.WebhookEvent, error)
	MarkEventProcessed(id uint, orgID, subID *uint, at time.Time) error
	RecordEventError(event *models.WebhookEvent, procErr error) error

	// Subscriptions and invoices.
	FindSubscriptionByProviderID(provider, providerSubID string) (*models.Subscription, error)
	FindCurrentSubscription(orgID uint) (*models.Subscription, error)
	LockSubscription(id uint) (*models.Subscription, error)
	UpsertSubscription(sub *models.Subscription) error
	SaveSubscription(sub *models.Subscription) error
	UpsertInvoice(inv *models.Invoice) error

	// Organizations and quotas.
	FindOrganizationByCustomerID(customerID string) (*models.Organization, error)
	GetOrganization(id uint) (*models.Organization, error)
	SetOrganizationPlan(orgID uint, plan string) error
	SetOrganizationCustomerID(orgID uint, customerID string) error
	SetOrganizationBillingEmail(orgID uint, email string) error
	ApplyQuotaLimits(orgID uint, limits entitlements.QuotaLimits) error
	FindActivePlanMapping(provider, priceID, interval string) (*models.PlanMapping, error)

	// Sweep scans.
	ListPastDueBefore(cutoff time.Time) ([]models.Subscription, error)
	ListPastDueBetween(from, to time.Time) ([]models.Subscription, error)
	ListPendingCancellations() ([]models.Subscription, error)
	SetCancellationPending(subID uint, pending bool) error
}

// Store hands out repositories and runs transactional work. The processor and
// sweeper depend on this instead of a raw DB handle so tests can substitute
// fakes.
type Store interface {
	Repo() Repository
	InTx(ctx context.Context, fn func(Repository) error) error
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a Store backed by GORM.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Repo() Repository {
	return &gormRepository{db: s.db}
}

func (s *gormStore) InTx(ctx context.Context, fn func(Repository) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a repository bound to the given handle.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) FindEvent(provider, eventID string) (*models.WebhookEvent, error) {
	var ev models.WebhookEvent
	err := r.db.Where("provider = ? AND provider_event_id = ?", provider, eventID).First(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// InsertEventIfAbsent inserts a ledger row with processed_at NULL, doing
// nothing on conflict. Reports whether this call created the row; either way
// the stored row is returned, so a row exists regardless of which concurrent
// request wins.
func (r *gormRepository) InsertEventIfAbsent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

// ClaimEvent locks the ledger row with SKIP LOCKED. A nil row with nil error
// means another in-flight request holds the claim.
func (r *gormRepository) ClaimEvent(provider, eventID string) (*models.WebhookEvent, error) {
	var rows []models.WebhookEvent
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// MarkEventProcessed clears any prior error, stamps processed_at with the
// caller's clock and writes the handler's linkage in one update. Must run on
// the same transaction as the handler writes.
func (r *gormRepository) MarkEventProcessed(id uint, orgID, subID *uint, at time.Time) error {
	updates := map[string]interface{}{
		"processed_at":     &at,
		"processing_error": "",
	}
	if orgID != nil {
		updates["organization_id"] = *orgID
	}
	if subID != nil {
		updates["subscription_id"] = *subID
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// RecordEventError upserts the ledger row with the failure text, leaving
// processed_at NULL so the attempt stays retriable. Creates the row when
// pre-processing failed before the idempotent insert ran.
func (r *gormRepository) RecordEventError(event *models.WebhookEvent, procErr error) error {
	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
	}
	row := models.WebhookEvent{
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.EventType,
		PayloadJSON:     event.PayloadJSON,
		ProcessingError: errMsg,
	}
	return r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"processing_error": errMsg,
			"updated_at":       time.Now(),
		}),
	}).Create(&row).Error
}

func (r *gormRepository) FindSubscriptionByProviderID(provider, providerSubID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// FindCurrentSubscription returns the organization's live subscription,
// preferring non-terminal rows over historical canceled ones. When several
// rows are live at once (mid-upgrade, duplicate checkouts) the most
// entitling one wins.
func (r *gormRepository) FindCurrentSubscription(orgID uint) (*models.Subscription, error) {
	var live []models.Subscription
	err := r.db.Where("organization_id = ? AND status NOT IN ?",
		orgID, []string{models.SubStatusCanceled, models.SubStatusIncompleteExpired}).
		Find(&live).Error
	if err != nil {
		return nil, err
	}
	if best := bestSubscription(live); best != nil {
		return best, nil
	}

	var sub models.Subscription
	err = r.db.Where("organization_id = ?", orgID).Order("updated_at DESC").First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// bestSubscription picks the row with the highest plan rank, breaking ties by
// most recent update.
func bestSubscription(subs []models.Subscription) *models.Subscription {
	var best *models.Subscription
	for i := range subs {
		s := &subs[i]
		if best == nil {
			best = s
			continue
		}
		br := entitlements.PlanRank(entitlements.Plan(best.PlanTier))
		sr := entitlements.PlanRank(entitlements.Plan(s.PlanTier))
		if sr > br || (sr == br && s.UpdatedAt.After(best.UpdatedAt)) {
			best = s
		}
	}
	return best
}

// LockSubscription re-locks a subscription row inside the sweep transaction.
// SKIP LOCKED keeps concurrent sweep runs from blocking on each other; nil
// with nil error means someone else holds the row.
func (r *gormRepository) LockSubscription(id uint) (*models.Subscription, error) {
	var rows []models.Subscription
	err := r.db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("id = ?", id).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *gormRepository) UpsertSubscription(sub *models.Subscription) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_subscription_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"organization_id",
			"plan_tier",
			"billing_interval",
			"status",
			"past_due_since",
			"grace_warned_at",
			"current_period_start",
			"current_period_end",
			"cancel_at_period_end",
			"canceled_at",
			"amount",
			"currency",
			"raw_payload_json",
			"updated_at",
		}),
	}).Create(sub).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return r.db.Where("provider = ? AND provider_subscription_id = ?", sub.Provider, sub.ProviderSubscriptionID).
		First(sub).Error
}

func (r *gormRepository) SaveSubscription(sub *models.Subscription) error {
	return r.db.Save(sub).Error
}

func (r *gormRepository) UpsertInvoice(inv *models.Invoice) error {
	if err := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_invoice_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"subscription_id",
			"organization_id",
			"status",
			"amount_due",
			"currency",
			"attempt_count",
			"paid_at",
			"updated_at",
		}),
	}).Create(inv).Error; err != nil {
		return err
	}

	return r.db.Where("provider = ? AND provider_invoice_id = ?", inv.Provider, inv.ProviderInvoiceID).
		First(inv).Error
}

func (r *gormRepository) FindOrganizationByCustomerID(customerID string) (*models.Organization, error) {
	return models.FindOrganizationByCustomerID(r.db, customerID)
}

func (r *gormRepository) GetOrganization(id uint) (*models.Organization, error) {
	var org models.Organization
	if err := r.db.First(&org, id).Error; err != nil {
		return nil, err
	}
	return &org, nil
}

func (r *gormRepository) SetOrganizationPlan(orgID uint, plan string) error {
	return r.db.Model(&models.Organization{}).Where("id = ?", orgID).
		Update("plan_tier", plan).Error
}

func (r *gormRepository) SetOrganizationCustomerID(orgID uint, customerID string) error {
	return r.db.Model(&models.Organization{}).Where("id = ?", orgID).
		Update("provider_customer_id", customerID).Error
}

func (r *gormRepository) SetOrganizationBillingEmail(orgID uint, email string) error {
	return r.db.Model(&models.Organization{}).Where("id = ?", orgID).
		Update("billing_email", email).Error
}

// ApplyQuotaLimits rewrites every limit column for the organization's quota
// row, creating the row when missing. Usage columns are untouched.
func (r *gormRepository) ApplyQuotaLimits(orgID uint, limits entitlements.QuotaLimits) error {
	if _, err := models.GetOrCreateOrganizationQuota(r.db, orgID); err != nil {
		return err
	}
	return r.db.Model(&models.OrganizationQuota{}).
		Where("organization_id = ?", orgID).
		Updates(map[string]interface{}{
			"sites_limit":     limits.Sites,
			"posts_limit":     limits.Posts,
			"members_limit":   limits.Members,
			"storage_limit":   limits.StorageBytes,
			"api_calls_limit": limits.APICalls,
		}).Error
}

func (r *gormRepository) FindActivePlanMapping(provider, priceID, interval string) (*models.PlanMapping, error) {
	var m models.PlanMapping
	err := r.db.
		Where("provider = ? AND provider_price_id = ? AND billing_interval = ? AND is_active = ?",
			provider, priceID, interval, true).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) ListPastDueBefore(cutoff time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("status = ? AND past_due_since IS NOT NULL AND past_due_since < ?",
		models.SubStatusPastDue, cutoff).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListPastDueBetween(from, to time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("status = ? AND past_due_since >= ? AND past_due_since < ? AND grace_warned_at IS NULL",
		models.SubStatusPastDue, from, to).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListPendingCancellations() ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.Where("cancellation_pending = ?", true).Find(&subs).Error
	return subs, err
}

func (r *gormRepository) SetCancellationPending(subID uint, pending bool) error {
	return r.db.Model(&models.Subscription{}).Where("id = ?", subID).
		Update("cancellation_pending", pending).Error
}
