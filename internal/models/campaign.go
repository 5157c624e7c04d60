package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

func jsonbValue(v interface{}) (driver.Value, error) { return json.Marshal(v) }

func jsonbScan(value interface{}, dst interface{}) error {
	if value == nil {
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return nil
		}
		b = []byte(str)
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dst)
}

// CampaignStatus is the lifecycle state of a Campaign. This module commits
// to the uppercase vocabulary named in the data model (DRAFT, SCHEDULED,
// RUNNING, PAUSED, COMPLETED, FAILED) rather than mapping between it and a
// second lowercase vocabulary on every save.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignRunning   CampaignStatus = "RUNNING"
	CampaignPaused    CampaignStatus = "PAUSED"
	CampaignCompleted CampaignStatus = "COMPLETED"
	CampaignFailed    CampaignStatus = "FAILED"
)

// PauseReason enumerates why a campaign is PAUSED, whether user- or
// system-initiated.
type PauseReason string

const (
	PauseUserPaused       PauseReason = "USER_PAUSED"
	PauseLimitReached     PauseReason = "LIMIT_REACHED"
	PauseTemplateRevoked  PauseReason = "TEMPLATE_REVOKED"
	PauseAccountBlocked   PauseReason = "ACCOUNT_BLOCKED"
	PauseAccountDisabled  PauseReason = "ACCOUNT_DISABLED"
	PauseTokenExpired     PauseReason = "TOKEN_EXPIRED"
	PauseCapabilityRevoked PauseReason = "CAPABILITY_REVOKED"
	PauseHighFailureRate  PauseReason = "HIGH_FAILURE_RATE"
	PauseRateLimited      PauseReason = "RATE_LIMITED"
	PausePhoneDisconnected PauseReason = "PHONE_DISCONNECTED"
	PauseQualityDegraded  PauseReason = "QUALITY_DEGRADED"
	PauseTierDowngraded   PauseReason = "TIER_DOWNGRADED"
	PauseKillSwitch       PauseReason = "KILL_SWITCH_ACTIVATED"
)

// RecipientSpecKind selects how a campaign's recipient set is resolved.
type RecipientSpecKind string

const (
	RecipientSpecStaticList RecipientSpecKind = "static_list"
	RecipientSpecAll        RecipientSpecKind = "all"
	RecipientSpecTags       RecipientSpecKind = "tags"
	RecipientSpecSegment    RecipientSpecKind = "segment"
	RecipientSpecPredicate  RecipientSpecKind = "predicate"
)

// RecipientSpec describes how to resolve a campaign's recipients.
type RecipientSpec struct {
	Kind       RecipientSpecKind `json:"kind"`
	ContactIDs []uuid.UUID       `json:"contact_ids,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	SegmentID  string            `json:"segment_id,omitempty"`
	Predicate  JSONB             `json:"predicate,omitempty"`
}

// VariableMapping maps a template variable position to a contact field
// path, e.g. {"body.1": "profile_name", "body.2": "metadata.order_id"}.
type VariableMapping map[string]string

// CampaignTotals are the campaign's rollup counters, mutated only via
// atomic increments (internal/campaign never reads-modifies-writes these
// with a local aggregate).
type CampaignTotals struct {
	TotalRecipients int `json:"total_recipients"`
	Queued          int `json:"queued"`
	Sent            int `json:"sent"`
	Delivered       int `json:"delivered"`
	Read            int `json:"read"`
	Failed          int `json:"failed"`
	Replied         int `json:"replied"`
}

// CampaignBatching tracks batch-plan progress.
type CampaignBatching struct {
	BatchSize        int `json:"batch_size"`
	TotalBatches     int `json:"total_batches"`
	CompletedBatches int `json:"completed_batches"`
	FailedBatches    int `json:"failed_batches"`
}

// CampaignFailureTracking holds the signals the rate limiter's auto-pause
// rule and the completion check consult.
type CampaignFailureTracking struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	FailureRate         float64   `json:"failure_rate"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorCodes      []string  `json:"last_error_codes,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
}

// AuditEntry is one append-only record in a campaign's audit trail.
type AuditEntry struct {
	Action          string    `json:"action"`
	Actor            string    `json:"actor"`
	Timestamp       time.Time `json:"timestamp"`
	Reason          string    `json:"reason,omitempty"`
	SystemInitiated bool      `json:"system_initiated"`
}

// AuditTrail is a bounded append-only list; the campaign model never
// truncates below what callers need for diagnosis, but internal/campaign
// caps it (see Service.appendAudit) to keep the row bounded.
type AuditTrail []AuditEntry

// MaxAuditEntries bounds the audit trail kept inline on the campaign row;
// older entries are presumed to live in an external audit log collaborator.
const MaxAuditEntries = 200

func (a AuditTrail) Value() (driver.Value, error)    { return jsonbValue(a) }
func (a *AuditTrail) Scan(value interface{}) error   { return jsonbScan(value, a) }

func (r BatchRecipients) Value() (driver.Value, error)  { return jsonbValue(r) }
func (r *BatchRecipients) Scan(value interface{}) error { return jsonbScan(value, r) }

// Campaign is a tenant-scoped batched send of one template to a resolved
// recipient set.
type Campaign struct {
	BaseModel
	TenantID uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`

	Name     string           `gorm:"not null" json:"name"`
	Template TemplateSnapshot `gorm:"type:jsonb" json:"template"`

	RecipientSpec  JSONB           `gorm:"type:jsonb" json:"recipient_spec"`
	VariableMapping JSONB          `gorm:"type:jsonb" json:"variable_mapping"`

	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	Status       CampaignStatus `gorm:"type:varchar(20);not null;index;default:'DRAFT'" json:"status"`
	PausedReason PauseReason    `gorm:"type:varchar(30)" json:"paused_reason,omitempty"`
	PausedAt     *time.Time     `json:"paused_at,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`

	Totals   CampaignTotals          `gorm:"embedded;embeddedPrefix:totals_" json:"totals"`
	Batching CampaignBatching        `gorm:"embedded;embeddedPrefix:batching_" json:"batching"`
	Failure  CampaignFailureTracking `gorm:"embedded;embeddedPrefix:failure_" json:"failure"`

	Audit AuditTrail `gorm:"type:jsonb" json:"audit,omitempty"`
}

// IsResumableBatchStatus reports whether a batch status may be re-enqueued on resume.
// COMPLETED and PROCESSING batches are excluded — the batch-finality
// invariant.
func IsResumableBatchStatus(s BatchStatus) bool {
	switch s {
	case BatchPending, BatchFailed, BatchPaused:
		return true
	default:
		return false
	}
}

// BatchStatus is the lifecycle state of a CampaignBatch. Once COMPLETED, a
// batch never transitions back and never re-emits messages.
type BatchStatus string

const (
	BatchPending    BatchStatus = "PENDING"
	BatchQueued     BatchStatus = "QUEUED"
	BatchProcessing BatchStatus = "PROCESSING"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchFailed     BatchStatus = "FAILED"
	BatchPaused     BatchStatus = "PAUSED"
)

// RecipientSendStatus is the per-recipient status inside a batch's
// recipient slice.
type RecipientSendStatus string

const (
	RecipientPending RecipientSendStatus = "pending"
	RecipientQueued  RecipientSendStatus = "queued"
	RecipientSent    RecipientSendStatus = "sent"
	RecipientFailed  RecipientSendStatus = "failed"
)

// BatchRecipient is one recipient's send state within a batch's bounded
// recipient array.
type BatchRecipient struct {
	ContactID         uuid.UUID           `json:"contact_id"`
	Phone             string              `json:"phone"`
	Status            RecipientSendStatus `json:"status"`
	ProviderMessageID string              `json:"provider_message_id,omitempty"`
	Error             string              `json:"error,omitempty"`
	ProcessedAt       *time.Time          `json:"processed_at,omitempty"`
}

// BatchRecipients is the jsonb-stored slice of BatchRecipient.
type BatchRecipients []BatchRecipient

// CampaignBatch is one bounded slice of a campaign's recipients, processed
// as a unit by a single batch-process job invocation (possibly several,
// across retries).
type CampaignBatch struct {
	BaseModel
	CampaignID uuid.UUID `gorm:"type:uuid;not null;index" json:"campaign_id"`
	TenantID   uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`

	Index int `gorm:"not null" json:"index"`

	Recipients BatchRecipients `gorm:"type:jsonb" json:"recipients"`

	Status      BatchStatus `gorm:"type:varchar(20);not null;index;default:'PENDING'" json:"status"`
	Attempts    int         `gorm:"not null;default:0" json:"attempts"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// CampaignMessageStatus is the send-lifecycle status of a CampaignMessage.
type CampaignMessageStatus string

const (
	CampaignMessageQueued    CampaignMessageStatus = "queued"
	CampaignMessageSending   CampaignMessageStatus = "sending"
	CampaignMessageSent      CampaignMessageStatus = "sent"
	CampaignMessageDelivered CampaignMessageStatus = "delivered"
	CampaignMessageRead      CampaignMessageStatus = "read"
	CampaignMessageFailed    CampaignMessageStatus = "failed"
	CampaignMessageReplied   CampaignMessageStatus = "replied"
)

// CampaignMessage is the per-(campaign, contact) join record used for
// idempotency checks and per-recipient status tracking independent of the
// batch document.
type CampaignMessage struct {
	BaseModel
	CampaignID uuid.UUID `gorm:"type:uuid;not null;index:idx_campaignmsg_campaign_contact,unique" json:"campaign_id"`
	ContactID  uuid.UUID `gorm:"type:uuid;not null;index:idx_campaignmsg_campaign_contact,unique" json:"contact_id"`
	TenantID   uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`
	BatchID    uuid.UUID `gorm:"type:uuid;index" json:"batch_id"`

	Status            CampaignMessageStatus `gorm:"type:varchar(20);not null;default:'queued'" json:"status"`
	ProviderMessageID string                `gorm:"index" json:"provider_message_id,omitempty"`
	Attempts          int                   `gorm:"not null;default:0" json:"attempts"`
	LastError         string                `json:"last_error,omitempty"`

	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// IsFinalForIdempotency reports whether a send for this (campaign, contact)
// pair has already been charged to the provider and must not be repeated.
func (c *CampaignMessage) IsFinalForIdempotency() bool {
	switch c.Status {
	case CampaignMessageSent, CampaignMessageDelivered, CampaignMessageRead:
		return true
	default:
		return false
	}
}
