package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeProviderCancel  JobType = "provider_cancel"
	JobTypeDowngradeNotice JobType = "downgrade_notice"
	JobTypeGraceWarning    JobType = "grace_warning"
	JobTypeTrialNotice     JobType = "trial_notice"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background post-commit action
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// ProviderCancelJobPayload asks the billing provider to cancel a
// subscription that was already canceled locally.
type ProviderCancelJobPayload struct {
	SubscriptionID         uint   `json:"subscription_id"`
	ProviderSubscriptionID string `json:"provider_subscription_id"`
}

// ToMap converts the payload to a map for storage
func (p ProviderCancelJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"subscription_id":          p.SubscriptionID,
		"provider_subscription_id": p.ProviderSubscriptionID,
	}
}

// ProviderCancelJobPayloadFromMap creates a payload from a map
func ProviderCancelJobPayloadFromMap(data map[string]interface{}) (*ProviderCancelJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload ProviderCancelJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// NoticeJobPayload carries organization-directed notifications (downgrade
// notices, grace warnings, trial-ending notices).
type NoticeJobPayload struct {
	OrganizationID uint `json:"organization_id"`
	DaysRemaining  int  `json:"days_remaining"`
}

// ToMap converts the payload to a map for storage
func (p NoticeJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"organization_id": p.OrganizationID,
		"days_remaining":  p.DaysRemaining,
	}
}

// NoticeJobPayloadFromMap creates a payload from a map
func NoticeJobPayloadFromMap(data map[string]interface{}) (*NoticeJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload NoticeJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
