package models

import (
	"database/sql/driver"
	"encoding/json"

	"github.com/google/uuid"
)

// TemplateCategory mirrors Meta's template category taxonomy.
type TemplateCategory string

const (
	TemplateCategoryMarketing     TemplateCategory = "marketing"
	TemplateCategoryUtility       TemplateCategory = "utility"
	TemplateCategoryAuthentication TemplateCategory = "authentication"
)

// TemplateStatus mirrors Meta's template approval lifecycle. Only APPROVED
// templates are sendable.
type TemplateStatus string

const (
	TemplateStatusDraft    TemplateStatus = "DRAFT"
	TemplateStatusPending  TemplateStatus = "PENDING"
	TemplateStatusApproved TemplateStatus = "APPROVED"
	TemplateStatusRejected TemplateStatus = "REJECTED"
	TemplateStatusRevoked  TemplateStatus = "REVOKED"
)

// Template is a WhatsApp message template as registered with Meta, mirrored
// locally so the preflight validator (internal/preflight) and send pipeline
// (internal/sendpipeline) can check arity and approval state without a
// network round trip on every send.
type Template struct {
	BaseModel
	TenantID uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`

	Name     string           `gorm:"not null;index" json:"name"`
	Language string           `gorm:"not null;default:'en_US'" json:"language"`
	Category TemplateCategory `gorm:"type:varchar(20);not null" json:"category"`
	Status   TemplateStatus   `gorm:"type:varchar(20);not null;default:'PENDING'" json:"status"`

	// Param counts are the independent arities of each region; the send
	// pipeline validates supplied variables against each exactly.
	BodyParamCount   int `gorm:"not null;default:0" json:"body_param_count"`
	HeaderParamCount int `gorm:"not null;default:0" json:"header_param_count"`
	ButtonParamCount int `gorm:"not null;default:0" json:"button_param_count"`

	HasHeaderMedia bool `gorm:"not null;default:false" json:"has_header_media"`

	RawComponents JSONB `gorm:"type:jsonb" json:"raw_components,omitempty"`

	RejectionReason string `json:"rejection_reason,omitempty"`
}

// Snapshot captures the fields a Campaign freezes at creation time, per the
// data model's "references one template snapshot" requirement.
type TemplateSnapshot struct {
	TemplateID     uuid.UUID        `json:"template_id"`
	Name           string           `json:"name"`
	Language       string           `json:"language"`
	Category       TemplateCategory `json:"category"`
	BodyParamCount int              `json:"body_param_count"`
}

func (s TemplateSnapshot) Value() (driver.Value, error) { return json.Marshal(s) }

func (s *TemplateSnapshot) Scan(value interface{}) error {
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
	return json.Unmarshal(b, s)
}

func (t *Template) Snapshot() TemplateSnapshot {
	return TemplateSnapshot{
		TemplateID:     t.ID,
		Name:           t.Name,
		Language:       t.Language,
		Category:       t.Category,
		BodyParamCount: t.BodyParamCount,
	}
}
