package jobqueue

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/siteforge-app/SiteForge/app/models"
	"github.com/siteforge-app/SiteForge/internal/pkg/billing"
)

// processProviderCancelJob tells the billing provider to cancel a
// subscription that was already canceled locally by the grace sweep. A
// missing subscription at the provider counts as success. On success the
// local retry marker is cleared so the pending-cancellation sweep stops
// picking the row up.
func (q *Queue) processProviderCancelJob(ctx context.Context, job *Job) error {
	payload, err := ProviderCancelJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid provider cancel payload: %w", err)
	}
	if payload.ProviderSubscriptionID == "" {
		return fmt.Errorf("provider cancel payload missing subscription reference")
	}

	if err := q.provider.CancelSubscription(ctx, payload.ProviderSubscriptionID); err != nil {
		if !billing.IsProviderNotFound(err) {
			return fmt.Errorf("provider cancel for %s: %w", payload.ProviderSubscriptionID, err)
		}
		log.Infof("[JobQueue] Subscription %s already gone at provider, treating as canceled", payload.ProviderSubscriptionID)
	}

	result := q.db.Model(&models.Subscription{}).
		Where("id = ?", payload.SubscriptionID).
		Update("cancellation_pending", false)
	if result.Error != nil {
		return fmt.Errorf("clear cancellation pending for subscription %d: %w", payload.SubscriptionID, result.Error)
	}

	log.Infof("[JobQueue] Provider cancellation confirmed for subscription %d (%s)", payload.SubscriptionID, payload.ProviderSubscriptionID)
	return nil
}

// processDowngradeNoticeJob mails the organization's admins that the
// subscription ended and the account moved to the free tier.
func (q *Queue) processDowngradeNoticeJob(ctx context.Context, job *Job) error {
	payload, err := NoticeJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid notice payload: %w", err)
	}

	subject := "Your subscription has ended"
	body := "<p>Your subscription has been canceled and your organization was moved to the free plan.</p>" +
		"<p>Content beyond the free tier limits stays stored but cannot be extended until you upgrade again.</p>"

	return q.notifyOrganization(payload.OrganizationID, subject, body)
}

// processGraceWarningJob mails the organization's admins that payment is
// still failing and cancellation is a few days away.
func (q *Queue) processGraceWarningJob(ctx context.Context, job *Job) error {
	payload, err := NoticeJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid notice payload: %w", err)
	}

	subject := "Payment problem: action required"
	body := fmt.Sprintf(
		"<p>We still could not collect payment for your subscription.</p>"+
			"<p>Please update your payment method within the next %d days, otherwise the subscription will be canceled and your organization downgraded to the free plan.</p>",
		payload.DaysRemaining,
	)

	return q.notifyOrganization(payload.OrganizationID, subject, body)
}

// processTrialNoticeJob mails the organization's admins that the trial is
// about to end.
func (q *Queue) processTrialNoticeJob(ctx context.Context, job *Job) error {
	payload, err := NoticeJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid notice payload: %w", err)
	}

	subject := "Your trial is ending soon"
	body := "<p>Your trial period ends in a few days. Add a payment method to keep your current plan without interruption.</p>"

	return q.notifyOrganization(payload.OrganizationID, subject, body)
}

// notifyOrganization resolves the recipients for an organization and sends
// the mail to each. Individual send failures are collected so the job retries
// until every recipient was reached.
func (q *Queue) notifyOrganization(orgID uint, subject, body string) error {
	emails, err := models.AdminEmails(q.db, orgID)
	if err != nil {
		return fmt.Errorf("resolve recipients for organization %d: %w", orgID, err)
	}
	if len(emails) == 0 {
		log.Warnf("[JobQueue] Organization %d has no notification recipients, dropping notice", orgID)
		return nil
	}

	var firstErr error
	for _, to := range emails {
		if err := q.sendMail(to, subject, body); err != nil {
			log.Errorf("[JobQueue] Failed to send notice to %s: %v", to, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
