package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/siteforge-app/SiteForge/app/models"
	"github.com/siteforge-app/SiteForge/internal/pkg/entitlements"
	"github.com/stripe/stripe-go/v75"
	"gorm.io/gorm"
)

// fakeRepo is an in-memory Repository for processor and sweeper tests. It is
// not transactional: fakeStore.InTx hands out the same state, which is fine
// because the tests assert outcomes and ledger rows, not rollback internals.
type fakeRepo struct {
	mu sync.Mutex

	events      map[string]*models.WebhookEvent
	nextEventID uint

	subs      map[string]*models.Subscription
	nextSubID uint

	orgs     map[uint]*models.Organization
	quotas   map[uint]entitlements.QuotaLimits
	mappings map[string]*models.PlanMapping
	invoices map[string]*models.Invoice

	// claimBlocked simulates another in-flight request holding the ledger
	// row lock; lockBlocked does the same for subscription rows.
	claimBlocked bool
	lockBlocked  bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		events:   map[string]*models.WebhookEvent{},
		subs:     map[string]*models.Subscription{},
		orgs:     map[uint]*models.Organization{},
		quotas:   map[uint]entitlements.QuotaLimits{},
		mappings: map[string]*models.PlanMapping{},
		invoices: map[string]*models.Invoice{},
	}
}

func eventKey(provider, eventID string) string { return provider + "|" + eventID }

func (f *fakeRepo) addOrg(org *models.Organization) {
	f.orgs[org.ID] = org
}

func (f *fakeRepo) addMapping(priceID, interval, tier string) {
	key := fmt.Sprintf("%s|%s|%s", ProviderStripe, priceID, interval)
	f.mappings[key] = &models.PlanMapping{
		Provider:        ProviderStripe,
		ProviderPriceID: priceID,
		PlanTier:        tier,
		BillingInterval: interval,
		IsActive:        true,
	}
}

func (f *fakeRepo) addSub(sub *models.Subscription) *models.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub.ID == 0 {
		f.nextSubID++
		sub.ID = f.nextSubID
	} else if sub.ID > f.nextSubID {
		f.nextSubID = sub.ID
	}
	f.subs[eventKey(sub.Provider, sub.ProviderSubscriptionID)] = sub
	return sub
}

func (f *fakeRepo) subByID(id uint) *models.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (f *fakeRepo) FindEvent(provider, eventID string) (*models.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[eventKey(provider, eventID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeRepo) InsertEventIfAbsent(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := eventKey(event.Provider, event.ProviderEventID)
	if stored, ok := f.events[key]; ok {
		cp := *stored
		return false, &cp, nil
	}
	f.nextEventID++
	event.ID = f.nextEventID
	event.CreatedAt = time.Now()
	cp := *event
	f.events[key] = &cp
	out := cp
	return true, &out, nil
}

func (f *fakeRepo) ClaimEvent(provider, eventID string) (*models.WebhookEvent, error) {
	if f.claimBlocked {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ev, ok := f.events[eventKey(provider, eventID)]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

func (f *fakeRepo) MarkEventProcessed(id uint, orgID, subID *uint, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.ID == id {
			ev.ProcessedAt = &at
			ev.ProcessingError = ""
			ev.OrganizationID = orgID
			ev.SubscriptionID = subID
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

func (f *fakeRepo) RecordEventError(event *models.WebhookEvent, procErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	errMsg := ""
	if procErr != nil {
		errMsg = procErr.Error()
	}
	key := eventKey(event.Provider, event.ProviderEventID)
	if stored, ok := f.events[key]; ok {
		stored.ProcessingError = errMsg
		return nil
	}
	f.nextEventID++
	cp := *event
	cp.ID = f.nextEventID
	cp.ProcessingError = errMsg
	f.events[key] = &cp
	return nil
}

func (f *fakeRepo) FindSubscriptionByProviderID(provider, providerSubID string) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[eventKey(provider, providerSubID)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *sub
	return &cp, nil
}

func (f *fakeRepo) FindCurrentSubscription(orgID uint) (*models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var live []models.Subscription
	var fallback *models.Subscription
	for _, sub := range f.subs {
		if sub.OrganizationID != orgID {
			continue
		}
		if !sub.IsTerminal() {
			live = append(live, *sub)
			continue
		}
		fallback = sub
	}
	if best := bestSubscription(live); best != nil {
		cp := *best
		return &cp, nil
	}
	if fallback != nil {
		cp := *fallback
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) LockSubscription(id uint) (*models.Subscription, error) {
	if f.lockBlocked {
		return nil, nil
	}
	sub := f.subByID(id)
	if sub == nil {
		return nil, nil
	}
	return sub, nil
}

func (f *fakeRepo) UpsertSubscription(sub *models.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := eventKey(sub.Provider, sub.ProviderSubscriptionID)
	if existing, ok := f.subs[key]; ok {
		sub.ID = existing.ID
	} else {
		f.nextSubID++
		sub.ID = f.nextSubID
	}
	cp := *sub
	f.subs[key] = &cp
	return nil
}

func (f *fakeRepo) SaveSubscription(sub *models.Subscription) error {
	return f.UpsertSubscription(sub)
}

func (f *fakeRepo) UpsertInvoice(inv *models.Invoice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := eventKey(inv.Provider, inv.ProviderInvoiceID)
	if existing, ok := f.invoices[key]; ok {
		inv.ID = existing.ID
	} else {
		inv.ID = uint(len(f.invoices) + 1)
	}
	cp := *inv
	f.invoices[key] = &cp
	return nil
}

func (f *fakeRepo) FindOrganizationByCustomerID(customerID string) (*models.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, org := range f.orgs {
		if org.ProviderCustomerID == customerID {
			cp := *org
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRepo) GetOrganization(id uint) (*models.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.orgs[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *org
	return &cp, nil
}

func (f *fakeRepo) SetOrganizationPlan(orgID uint, plan string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.orgs[orgID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	org.PlanTier = plan
	return nil
}

func (f *fakeRepo) SetOrganizationCustomerID(orgID uint, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.orgs[orgID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	org.ProviderCustomerID = customerID
	return nil
}

func (f *fakeRepo) SetOrganizationBillingEmail(orgID uint, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	org, ok := f.orgs[orgID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	org.BillingEmail = email
	return nil
}

func (f *fakeRepo) ApplyQuotaLimits(orgID uint, limits entitlements.QuotaLimits) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotas[orgID] = limits
	return nil
}

func (f *fakeRepo) FindActivePlanMapping(provider, priceID, interval string) (*models.PlanMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mappings[fmt.Sprintf("%s|%s|%s", provider, priceID, interval)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeRepo) ListPastDueBefore(cutoff time.Time) ([]models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Subscription
	for _, sub := range f.subs {
		if sub.Status == models.SubStatusPastDue && sub.PastDueSince != nil && sub.PastDueSince.Before(cutoff) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListPastDueBetween(from, to time.Time) ([]models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Subscription
	for _, sub := range f.subs {
		if sub.Status != models.SubStatusPastDue || sub.PastDueSince == nil || sub.GraceWarnedAt != nil {
			continue
		}
		if !sub.PastDueSince.Before(from) && sub.PastDueSince.Before(to) {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (f *fakeRepo) ListPendingCancellations() ([]models.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Subscription
	for _, sub := range f.subs {
		if sub.CancellationPending {
			out = append(out, *sub)
		}
	}
	return out, nil
}

func (f *fakeRepo) SetCancellationPending(subID uint, pending bool) error {
	sub := f.subByID(subID)
	if sub == nil {
		return gorm.ErrRecordNotFound
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sub.CancellationPending = pending
	return nil
}

type fakeStore struct {
	repo *fakeRepo
}

func (s *fakeStore) Repo() Repository { return s.repo }

func (s *fakeStore) InTx(ctx context.Context, fn func(Repository) error) error {
	return fn(s.repo)
}

// fakeStatusCache records invalidations.
type fakeStatusCache struct {
	mu          sync.Mutex
	entries     map[uint]string
	invalidated []uint
}

func newFakeStatusCache() *fakeStatusCache {
	return &fakeStatusCache{entries: map[uint]string{}}
}

func (c *fakeStatusCache) Lookup(ctx context.Context, orgID uint) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[orgID]
	return v, ok
}

func (c *fakeStatusCache) Fill(ctx context.Context, orgID uint, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[orgID] = status
}

func (c *fakeStatusCache) Invalidate(ctx context.Context, orgID uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, orgID)
	c.invalidated = append(c.invalidated, orgID)
	return nil
}

// fakeEnqueuer records queued post-commit actions.
type fakeEnqueuer struct {
	mu               sync.Mutex
	providerCancels  []uint
	downgradeNotices []uint
	graceWarnings    map[uint]int
	trialNotices     map[uint]int
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{graceWarnings: map[uint]int{}, trialNotices: map[uint]int{}}
}

func (e *fakeEnqueuer) EnqueueProviderCancel(subscriptionID uint, providerSubscriptionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.providerCancels = append(e.providerCancels, subscriptionID)
	return nil
}

func (e *fakeEnqueuer) EnqueueDowngradeNotice(orgID uint) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.downgradeNotices = append(e.downgradeNotices, orgID)
	return nil
}

func (e *fakeEnqueuer) EnqueueGraceWarning(orgID uint, daysRemaining int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graceWarnings[orgID] = daysRemaining
	return nil
}

func (e *fakeEnqueuer) EnqueueTrialEndingNotice(orgID uint, daysRemaining int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trialNotices[orgID] = daysRemaining
	return nil
}

// fakeProvider is a configurable ProviderClient.
type fakeProvider struct {
	mu            sync.Mutex
	subscriptions map[string]*stripe.Subscription
	cancelErr     error
	canceled      []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{subscriptions: map[string]*stripe.Subscription{}}
}

func (p *fakeProvider) FetchSubscription(ctx context.Context, providerSubscriptionID string) (*stripe.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subscriptions[providerSubscriptionID]
	if !ok {
		return nil, &stripe.Error{Code: stripe.ErrorCodeResourceMissing, HTTPStatusCode: 404}
	}
	return sub, nil
}

func (p *fakeProvider) CancelSubscription(ctx context.Context, providerSubscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelErr != nil {
		return p.cancelErr
	}
	p.canceled = append(p.canceled, providerSubscriptionID)
	return nil
}
