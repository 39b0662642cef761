package jobqueue

// The queue is the ActionEnqueuer implementation used in production; the
// billing package only sees the interface so its tests can swap in a recorder.

// EnqueueProviderCancel schedules cancellation of the subscription at the
// billing provider.
func (q *Queue) EnqueueProviderCancel(subscriptionID uint, providerSubscriptionID string) error {
	payload := ProviderCancelJobPayload{
		SubscriptionID:         subscriptionID,
		ProviderSubscriptionID: providerSubscriptionID,
	}
	_, err := q.EnqueueJob(JobTypeProviderCancel, payload.ToMap())
	return err
}

// EnqueueDowngradeNotice schedules the downgrade notification mail for an
// organization's admins.
func (q *Queue) EnqueueDowngradeNotice(orgID uint) error {
	payload := NoticeJobPayload{OrganizationID: orgID}
	_, err := q.EnqueueJob(JobTypeDowngradeNotice, payload.ToMap())
	return err
}

// EnqueueGraceWarning schedules the payment-problem warning mail.
func (q *Queue) EnqueueGraceWarning(orgID uint, daysRemaining int) error {
	payload := NoticeJobPayload{OrganizationID: orgID, DaysRemaining: daysRemaining}
	_, err := q.EnqueueJob(JobTypeGraceWarning, payload.ToMap())
	return err
}

// EnqueueTrialEndingNotice schedules the trial-ending notification mail.
func (q *Queue) EnqueueTrialEndingNotice(orgID uint, daysRemaining int) error {
	payload := NoticeJobPayload{OrganizationID: orgID, DaysRemaining: daysRemaining}
	_, err := q.EnqueueJob(JobTypeTrialNotice, payload.ToMap())
	return err
}
