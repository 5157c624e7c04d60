package models

import (
	"time"

	"github.com/google/uuid"
)

// ConversationStatus is the state of a per-(tenant, contact) thread.
type ConversationStatus string

const (
	ConversationOpen     ConversationStatus = "open"
	ConversationClosed   ConversationStatus = "closed"
	ConversationResolved ConversationStatus = "resolved"
)

// Conversation is the per-(tenant, contact) open thread. lastCustomerMessageAt
// is the sole anchor for the 24-hour session window: it is checked, never
// counted down, per the anchor-based (not timer-based) design rule.
type Conversation struct {
	BaseModel
	TenantID  uuid.UUID `gorm:"type:uuid;not null;index:idx_conv_tenant_contact,unique" json:"tenant_id"`
	ContactID uuid.UUID `gorm:"type:uuid;not null;index:idx_conv_tenant_contact,unique" json:"contact_id"`

	AssigneeID *uuid.UUID         `gorm:"type:uuid" json:"assignee_id,omitempty"`
	Status     ConversationStatus `gorm:"type:varchar(20);not null;default:'open'" json:"status"`
	UnreadCount int               `gorm:"not null;default:0" json:"unread_count"`

	LastCustomerMessageAt time.Time `json:"last_customer_message_at"`

	Tags  StringList `gorm:"type:jsonb" json:"tags,omitempty"`
	Notes string     `json:"notes,omitempty"`
}

// WithinSessionWindow reports whether a session-window-only message may be
// sent right now: now − lastCustomerMessageAt < 24h.
func (c *Conversation) WithinSessionWindow(now time.Time) bool {
	if c.LastCustomerMessageAt.IsZero() {
		return false
	}
	return now.Sub(c.LastCustomerMessageAt) < 24*time.Hour
}

// ConversationLedgerEntry is a per-session billing-attribution record; the
// core writes it but does not consume it (an external analytics rollup
// does).
type ConversationLedgerEntry struct {
	BaseModel
	TenantID       uuid.UUID  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	ConversationID uuid.UUID  `gorm:"type:uuid;not null;index" json:"conversation_id"`
	ContactID      uuid.UUID  `gorm:"type:uuid;not null;index" json:"contact_id"`

	BusinessInitiated bool       `gorm:"not null" json:"business_initiated"`
	TemplateID        *uuid.UUID `gorm:"type:uuid" json:"template_id,omitempty"`
	CampaignID        *uuid.UUID `gorm:"type:uuid" json:"campaign_id,omitempty"`
	Billable          bool       `gorm:"not null" json:"billable"`
	SessionStartedAt  time.Time  `json:"session_started_at"`
}
