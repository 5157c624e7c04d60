package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageDirection is inbound (customer-originated) or outbound (tenant or
// automation-originated).
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageType names the WhatsApp content type.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeTemplate MessageType = "template"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeDocument MessageType = "document"
	MessageTypeAudio    MessageType = "audio"
)

// SessionWindowOnly reports whether this content type requires an open
// 24-hour customer session (everything except template).
func (t MessageType) SessionWindowOnly() bool {
	return t != MessageTypeTemplate
}

// MessageStatus is the unified per-message send/receive lifecycle status.
// The ordering queued < sending < sent < delivered < read is the
// monotonic-progression ladder; failed is a terminal sink reachable from
// any non-terminal state. received applies only to inbound messages.
type MessageStatus string

const (
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusReceived  MessageStatus = "received"
)

// statusRank gives the monotonic-progression ordering used by the webhook
// ingester; failed and received are not ranked (sink / inbound-only).
var statusRank = map[MessageStatus]int{
	MessageStatusQueued:    0,
	MessageStatusSending:   1,
	MessageStatusSent:      2,
	MessageStatusDelivered: 3,
	MessageStatusRead:      4,
}

// Advances reports whether moving from `from` to `to` is a forward
// transition on the send-lifecycle ladder, or `to` is the terminal failed
// sink. A transition that does not advance (same or backward rank) is not
// an advance, and failed is only reachable from a non-terminal state.
func (to MessageStatus) Advances(from MessageStatus) bool {
	if to == MessageStatusFailed {
		return from != MessageStatusFailed
	}
	fromRank, fromOK := statusRank[from]
	toRank, toOK := statusRank[to]
	if !fromOK || !toOK {
		return false
	}
	return toRank > fromRank
}

// AttributionMeta links an outbound Message back to the campaign context
// that produced it, when it has one.
type AttributionMeta struct {
	CampaignID *uuid.UUID `json:"campaign_id,omitempty"`
	BatchID    *uuid.UUID `json:"batch_id,omitempty"`
	TemplateID *uuid.UUID `json:"template_id,omitempty"`
}

// Message is the unified per-message record for both directions.
type Message struct {
	BaseModel
	TenantID       uuid.UUID        `gorm:"type:uuid;not null;index" json:"tenant_id"`
	ContactID      uuid.UUID        `gorm:"type:uuid;not null;index" json:"contact_id"`
	ConversationID uuid.UUID        `gorm:"type:uuid;index" json:"conversation_id,omitempty"`

	Direction MessageDirection `gorm:"type:varchar(10);not null" json:"direction"`
	Type      MessageType      `gorm:"type:varchar(20);not null" json:"type"`
	Status    MessageStatus    `gorm:"type:varchar(20);not null;index" json:"status"`

	Body string `json:"body,omitempty"`

	ProviderMessageID string `gorm:"index" json:"provider_message_id,omitempty"`

	Attribution JSONB `gorm:"type:jsonb" json:"attribution,omitempty"`

	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	ReceivedAt  *time.Time `json:"received_at,omitempty"`

	LastError string `json:"last_error,omitempty"`
}
