package models

import "github.com/google/uuid"

// OptStatus tracks recipient consent, consulted by preflight checks and the
// automation engine's session-window rule.
type OptStatus string

const (
	OptStatusSubscribed   OptStatus = "subscribed"
	OptStatusUnsubscribed OptStatus = "unsubscribed"
	OptStatusUnknown      OptStatus = "unknown"
)

// Contact is a recipient phone number, scoped to a tenant.
type Contact struct {
	BaseModel
	TenantID uuid.UUID `gorm:"type:uuid;not null;index:idx_contacts_tenant_phone,unique" json:"tenant_id"`

	// PhoneNumber is stored E.164-normalized (leading '+' stripped), the
	// same normalization contactutil.GetOrCreateContact applies.
	PhoneNumber string    `gorm:"not null;index:idx_contacts_tenant_phone,unique" json:"phone_number"`
	ProfileName string    `json:"profile_name,omitempty"`
	OptStatus   OptStatus `gorm:"type:varchar(20);not null;default:'unknown'" json:"opt_status"`

	// Fields holds arbitrary CRM-style attributes (name, order id, nested
	// objects) that a campaign's variableMapping resolves dotted paths
	// against, e.g. "order.id".
	Fields JSONB `gorm:"type:jsonb" json:"fields,omitempty"`

	Tags StringList `gorm:"type:jsonb" json:"tags,omitempty"`
}

// FieldByPath resolves a dotted path ("order.id") against Fields, walking
// nested maps. Returns nil if any segment is missing or not a map.
func (c *Contact) FieldByPath(path string) (interface{}, bool) {
	if c.Fields == nil {
		return nil, false
	}
	segments := splitPath(path)
	var cur interface{} = map[string]interface{}(c.Fields)
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	segments = append(segments, path[start:])
	return segments
}
