package jobqueue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := &Queue{
		workers:    1,
		workerPool: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	return q.WithClient(client), mr
}

func TestEnqueueJob(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload := NoticeJobPayload{OrganizationID: 5, DaysRemaining: 3}
	job, err := q.EnqueueJob(JobTypeGraceWarning, payload.ToMap())
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, DefaultMaxRetries, job.MaxRetries)

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobTypeGraceWarning, stored.Type)

	got, err := NoticeJobPayloadFromMap(stored.Payload)
	require.NoError(t, err)
	assert.Equal(t, payload, *got)
}

func TestDequeueJob_MovesToProcessing(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	enqueued, err := q.EnqueueJob(JobTypeDowngradeNotice, NoticeJobPayload{OrganizationID: 1}.ToMap())
	require.NoError(t, err)

	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, enqueued.ID, job.ID)

	pending, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)

	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), processing)
}

func TestEnqueuerPayloads(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.EnqueueProviderCancel(12, "sub_12"))
	require.NoError(t, q.EnqueueDowngradeNotice(7))
	require.NoError(t, q.EnqueueGraceWarning(7, 3))
	require.NoError(t, q.EnqueueTrialEndingNotice(8, 2))

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(4), size)

	// FIFO via LPush/RPop: first out is the provider cancel.
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobTypeProviderCancel, job.Type)

	payload, err := ProviderCancelJobPayloadFromMap(job.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint(12), payload.SubscriptionID)
	assert.Equal(t, "sub_12", payload.ProviderSubscriptionID)
}

func TestJobStatsTracking(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.EnqueueJob(JobTypeTrialNotice, NoticeJobPayload{OrganizationID: 1, DaysRemaining: 2}.ToMap())
	require.NoError(t, err)
	_, err = q.EnqueueJob(JobTypeTrialNotice, NoticeJobPayload{OrganizationID: 2, DaysRemaining: 2}.ToMap())
	require.NoError(t, err)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[JobStatusPending])
}

func TestCompletedJobRemovedFromRedis(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.EnqueueJob(JobTypeDowngradeNotice, NoticeJobPayload{OrganizationID: 1}.ToMap())
	require.NoError(t, err)

	q.removeCompletedJob(ctx, job.ID)
	_, err = q.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, redis.Nil)
}
