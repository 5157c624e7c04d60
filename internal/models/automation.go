package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TriggerType is the event class an AutomationRule reacts to.
type TriggerType string

const (
	TriggerMessageReceived TriggerType = "message_received"
	TriggerStatusUpdated   TriggerType = "status_updated"
	TriggerCampaignCompleted TriggerType = "campaign_completed"
	TriggerKeyword         TriggerType = "keyword"
	TriggerTagAdded        TriggerType = "tag_added"
	TriggerAdLead          TriggerType = "ad_lead"
)

// MatchMode is how a keyword condition matches inbound text.
type MatchMode string

const (
	MatchExact      MatchMode = "exact"
	MatchContains   MatchMode = "contains"
	MatchStartsWith MatchMode = "startsWith"
)

// ActionType enumerates the automation engine's action vocabulary.
type ActionType string

const (
	ActionSendTemplateMessage ActionType = "send_template_message"
	ActionSendTextMessage     ActionType = "send_text_message"
	ActionSendMediaMessage    ActionType = "send_media_message"
	ActionAssignConversation  ActionType = "assign_conversation"
	ActionAddTag              ActionType = "add_tag"
	ActionRemoveTag           ActionType = "remove_tag"
	ActionMovePipelineStage   ActionType = "move_pipeline_stage"
	ActionCreateDeal          ActionType = "create_deal"
	ActionNotifyAgent         ActionType = "notify_agent"
	ActionNotifyWebhook       ActionType = "notify_webhook"
	ActionUpdateContact       ActionType = "update_contact"
	ActionAddNote             ActionType = "add_note"
	ActionDelay               ActionType = "delay"
	ActionCloseConversation   ActionType = "close_conversation"
	ActionMarkResolved        ActionType = "mark_as_resolved"
)

// AssignMode is the assignee-selection strategy for assign_conversation.
type AssignMode string

const (
	AssignRoundRobin AssignMode = "round_robin"
	AssignLeastBusy  AssignMode = "least_busy"
	AssignSpecific   AssignMode = "specific"
)

// RuleAction is one step in a rule's ordered action list.
type RuleAction struct {
	Type              ActionType `json:"type"`
	TemplateID        *uuid.UUID `json:"template_id,omitempty"`
	TemplateVariables JSONB      `json:"template_variables,omitempty"`
	Text              string     `json:"text,omitempty"`
	MediaURL          string     `json:"media_url,omitempty"`
	AssignMode        AssignMode `json:"assign_mode,omitempty"`
	AgentID           *uuid.UUID `json:"agent_id,omitempty"`
	Tag               string     `json:"tag,omitempty"`
	DelaySeconds      int        `json:"delay_seconds,omitempty"`
	WebhookURL        string     `json:"webhook_url,omitempty"`
	ContinueOnFailure bool       `json:"continue_on_failure"`
}

// RuleActions is the jsonb-stored ordered action list.
type RuleActions []RuleAction

func (r RuleActions) Value() (driver.Value, error) {
	if r == nil {
		return "[]", nil
	}
	return json.Marshal(r)
}

func (r *RuleActions) Scan(value interface{}) error {
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
	return json.Unmarshal(b, r)
}

// RuleCondition is a typed predicate whose shape depends on the rule's
// trigger (e.g. keyword list + match mode for TriggerKeyword).
type RuleCondition struct {
	Keywords  []string  `json:"keywords,omitempty"`
	MatchMode MatchMode `json:"match_mode,omitempty"`
	Tag       string    `json:"tag,omitempty"`
	StatusIn  []string  `json:"status_in,omitempty"`
}

// AutomationRule is a tenant-scoped trigger→condition→action definition.
type AutomationRule struct {
	BaseModel
	TenantID uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`

	Name    string      `gorm:"not null" json:"name"`
	Trigger TriggerType `gorm:"type:varchar(30);not null;index" json:"trigger"`
	Enabled bool        `gorm:"not null;default:true" json:"enabled"`

	Condition JSONB       `gorm:"type:jsonb" json:"condition"`
	Actions   RuleActions `gorm:"type:jsonb" json:"actions"`

	DailyExecutionCap   int       `gorm:"not null;default:0" json:"daily_execution_cap"`
	DailyExecutionCount int       `gorm:"not null;default:0" json:"daily_execution_count"`
	CounterResetAt      time.Time `json:"counter_reset_at"`

	SuccessCount int    `gorm:"not null;default:0" json:"success_count"`
	FailureCount int    `gorm:"not null;default:0" json:"failure_count"`
	LastError    string `json:"last_error,omitempty"`
}
