// Package queue implements the campaign job queue (spec §4.5) as a Redis
// Streams consumer group, generalizing a single-job-type stream into the
// four job types the campaign execution service needs, each with its own
// delayed-delivery, attempt, and dedup-key handling.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// JobType names one of the four job shapes the queue carries.
type JobType string

const (
	JobTypeCampaignStart  JobType = "campaign-start"
	JobTypeBatchProcess   JobType = "batch-process"
	JobTypeCampaignCheck  JobType = "campaign-check"
	JobTypeScheduledStart JobType = "scheduled-start"
)

// DefaultMaxAttempts and backoff parameters match spec.md §4.5.
const (
	DefaultMaxAttempts  = 3
	BackoffBase         = 5 * time.Second
	BackoffCap          = 5 * time.Minute
	FailedJobRetention  = 7 * 24 * time.Hour
)

// CampaignStartPayload resolves recipients, creates batches, enqueues
// batch jobs.
type CampaignStartPayload struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
}

// BatchProcessPayload sends one batch.
type BatchProcessPayload struct {
	BatchID    uuid.UUID `json:"batch_id"`
	CampaignID uuid.UUID `json:"campaign_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	BatchIndex int       `json:"batch_index"`
}

// CampaignCheckPayload detects completion/failure threshold.
type CampaignCheckPayload struct {
	CampaignID uuid.UUID `json:"campaign_id"`
	TenantID   uuid.UUID `json:"tenant_id"`
}

// ScheduledStartPayload triggers a scheduled campaign.
type ScheduledStartPayload struct {
	CampaignID  uuid.UUID `json:"campaign_id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// Job is the envelope carried on the stream: exactly one of the Payload
// fields is populated, selected by Type.
type Job struct {
	Type       JobType `json:"type"`
	DedupKey   string  `json:"dedup_key"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int     `json:"attempts"`

	CampaignStart  *CampaignStartPayload  `json:"campaign_start,omitempty"`
	BatchProcess   *BatchProcessPayload   `json:"batch_process,omitempty"`
	CampaignCheck  *CampaignCheckPayload  `json:"campaign_check,omitempty"`
	ScheduledStart *ScheduledStartPayload `json:"scheduled_start,omitempty"`
}

// CampaignStartDedupKey, BatchDedupKey, CampaignCheckDedupKey are the
// unique job keys spec §4.5 requires so duplicate enqueues coalesce.
func CampaignStartDedupKey(campaignID uuid.UUID) string {
	return "campaign:" + campaignID.String() + ":start"
}

func BatchDedupKey(campaignID uuid.UUID, batchIndex int) string {
	return "campaign:" + campaignID.String() + ":batch:" + itoa(batchIndex)
}

func CampaignCheckDedupKey(campaignID uuid.UUID) string {
	return "campaign:" + campaignID.String() + ":check"
}

func ScheduledStartDedupKey(campaignID uuid.UUID) string {
	return "campaign:" + campaignID.String() + ":scheduled-start"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// AttemptBackoff computes the exponential backoff (base, capped) for the
// given 1-indexed attempt number.
func AttemptBackoff(attempt int) time.Duration {
	d := BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > BackoffCap {
			return BackoffCap
		}
	}
	return d
}

// Outcome is the first-class result a job handler returns, replacing
// exception-style "throw BACKOFF:<ms>" control flow: completed success,
// a delayed retry, or a terminal failure.
type Outcome struct {
	Retry      bool
	After      time.Duration
	FailReason string
}

// Completed is the zero Outcome: success, no retry.
var Completed = Outcome{}

// RetryAfter builds a retry outcome with the given delay.
func RetryAfter(d time.Duration) Outcome {
	return Outcome{Retry: true, After: d}
}

// Failed builds a terminal-failure outcome (no further retry).
func Failed(reason string) Outcome {
	return Outcome{FailReason: reason}
}

// Handler processes one job and returns its outcome.
type Handler func(job *Job) Outcome

// OutcomeFromError converts a plain error into a terminal-failure Outcome,
// or Completed when err is nil, for handlers whose last step is a call
// that already returns (error) rather than an Outcome.
func OutcomeFromError(err error) Outcome {
	if err == nil {
		return Completed
	}
	return Failed(err.Error())
}
