package models

import "github.com/google/uuid"

// WebhookEventType classifies a received provider callback for the
// WebhookLog audit row.
type WebhookEventType string

const (
	WebhookEventMessage        WebhookEventType = "message"
	WebhookEventStatus         WebhookEventType = "status"
	WebhookEventTemplateStatus WebhookEventType = "template_status"
	WebhookEventAccountUpdate  WebhookEventType = "account_update"
	WebhookEventUnresolved     WebhookEventType = "unresolved"
)

// WebhookOutcome records what the ingester did with a logged callback.
type WebhookOutcome string

const (
	WebhookOutcomeProcessed      WebhookOutcome = "processed"
	WebhookOutcomeSkippedUnknown WebhookOutcome = "skipped_unknown_message"
	WebhookOutcomeSkippedOrder   WebhookOutcome = "skipped_out_of_order"
	WebhookOutcomeUnresolved     WebhookOutcome = "unresolved_tenant"
	WebhookOutcomeError          WebhookOutcome = "error"
)

// WebhookLog is an append-only record of received provider callbacks,
// enabling replay and forensics independent of whatever the ingest path
// managed to apply at the time.
type WebhookLog struct {
	BaseModel
	TenantID *uuid.UUID       `gorm:"type:uuid;index" json:"tenant_id,omitempty"`
	Event    WebhookEventType `gorm:"type:varchar(30);not null;index" json:"event"`
	Outcome  WebhookOutcome   `gorm:"type:varchar(30);not null" json:"outcome"`

	PhoneNumberID string `json:"phone_number_id,omitempty"`
	RawPayload    JSONB  `gorm:"type:jsonb" json:"raw_payload"`
	Detail        string `json:"detail,omitempty"`
}
