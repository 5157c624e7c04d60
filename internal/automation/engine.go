// Package automation implements the trigger -> condition -> action rule
// engine (spec §4.9): evaluating an AutomationRule against an event,
// enforcing the daily execution cap and the session-window hard rule, and
// running the rule's ordered action list.
package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wabroker/msgcore/internal/coreerrors"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/wabroker/msgcore/internal/sendpipeline"
	"github.com/wabroker/msgcore/pkg/whatsapp"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// Event is the trigger occurrence an AutomationRule is evaluated against.
type Event struct {
	Type           models.TriggerType
	TenantID       uuid.UUID
	ContactID      uuid.UUID
	ConversationID uuid.UUID
	Text           string   // inbound message body, for TriggerKeyword/TriggerMessageReceived
	Tag            string   // tag name, for TriggerTagAdded
	Status         string   // new status, for TriggerStatusUpdated
}

// Engine evaluates rules against events and runs their actions.
type Engine struct {
	db       *gorm.DB
	wa       *whatsapp.Client
	pipeline *sendpipeline.Pipeline
	log      logf.Logger
}

func New(db *gorm.DB, wa *whatsapp.Client, pipeline *sendpipeline.Pipeline, log logf.Logger) *Engine {
	return &Engine{db: db, wa: wa, pipeline: pipeline, log: log}
}

// Dispatch loads every enabled rule for ev.Type and tenant, evaluates each
// one's condition, and runs the matching rules' actions in rule order.
// A rule failure never aborts evaluation of the remaining rules.
func (e *Engine) Dispatch(ctx context.Context, ev Event) error {
	var rules []models.AutomationRule
	if err := e.db.WithContext(ctx).
		Where("tenant_id = ? AND trigger = ? AND enabled = ?", ev.TenantID, ev.Type, true).
		Find(&rules).Error; err != nil {
		return fmt.Errorf("automation: load rules: %w", err)
	}

	var errs []error
	for _, rule := range rules {
		if !matches(rule, ev) {
			continue
		}
		if err := e.runRule(ctx, &rule, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func matches(rule models.AutomationRule, ev Event) bool {
	var cond models.RuleCondition
	if rule.Condition != nil {
		cond = conditionFromJSON(rule.Condition)
	}

	switch rule.Trigger {
	case models.TriggerKeyword:
		return matchKeyword(cond, ev.Text)
	case models.TriggerTagAdded:
		return cond.Tag == "" || cond.Tag == ev.Tag
	case models.TriggerStatusUpdated:
		return len(cond.StatusIn) == 0 || containsString(cond.StatusIn, ev.Status)
	default:
		return true
	}
}

func matchKeyword(cond models.RuleCondition, text string) bool {
	if len(cond.Keywords) == 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range cond.Keywords {
		kwLower := strings.ToLower(kw)
		switch cond.MatchMode {
		case models.MatchExact:
			if lower == kwLower {
				return true
			}
		case models.MatchStartsWith:
			if strings.HasPrefix(lower, kwLower) {
				return true
			}
		default: // contains
			if strings.Contains(lower, kwLower) {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func conditionFromJSON(j models.JSONB) models.RuleCondition {
	var cond models.RuleCondition
	if v, ok := j["keywords"].([]interface{}); ok {
		for _, kw := range v {
			if s, ok := kw.(string); ok {
				cond.Keywords = append(cond.Keywords, s)
			}
		}
	}
	if v, ok := j["match_mode"].(string); ok {
		cond.MatchMode = models.MatchMode(v)
	}
	if v, ok := j["tag"].(string); ok {
		cond.Tag = v
	}
	if v, ok := j["status_in"].([]interface{}); ok {
		for _, s := range v {
			if str, ok := s.(string); ok {
				cond.StatusIn = append(cond.StatusIn, str)
			}
		}
	}
	return cond
}

// runRule enforces the daily execution cap, resetting the counter once 24
// hours have passed since the last reset, then runs actions in order. The cap/counter
// update is committed even if the actions that follow fail, so a rule that
// errors every time doesn't silently bypass its own cap.
func (e *Engine) runRule(ctx context.Context, rule *models.AutomationRule, ev Event) error {
	now := time.Now()
	if rule.CounterResetAt.IsZero() || now.Sub(rule.CounterResetAt) >= 24*time.Hour {
		rule.DailyExecutionCount = 0
		rule.CounterResetAt = now
	}
	if rule.DailyExecutionCap > 0 && rule.DailyExecutionCount >= rule.DailyExecutionCap {
		return nil
	}
	rule.DailyExecutionCount++

	runErr := e.runActions(ctx, rule, ev)
	if runErr != nil {
		rule.FailureCount++
		rule.LastError = runErr.Error()
	} else {
		rule.SuccessCount++
	}

	if err := e.db.WithContext(ctx).Model(rule).Updates(map[string]interface{}{
		"daily_execution_count": rule.DailyExecutionCount,
		"counter_reset_at":      rule.CounterResetAt,
		"success_count":         rule.SuccessCount,
		"failure_count":         rule.FailureCount,
		"last_error":            rule.LastError,
	}).Error; err != nil {
		e.log.Error("automation: failed to persist rule counters", "error", err, "rule_id", rule.ID)
	}

	return runErr
}

func (e *Engine) runActions(ctx context.Context, rule *models.AutomationRule, ev Event) error {
	for _, action := range rule.Actions {
		if err := e.runAction(ctx, action, ev); err != nil {
			if action.ContinueOnFailure {
				e.log.Warn("automation: action failed, continuing", "error", err, "rule_id", rule.ID, "action", action.Type)
				continue
			}
			return fmt.Errorf("automation: rule %s action %s: %w", rule.ID, action.Type, err)
		}
	}
	return nil
}

func (e *Engine) runAction(ctx context.Context, action models.RuleAction, ev Event) error {
	switch action.Type {
	case models.ActionSendTemplateMessage:
		return e.actionSendTemplateMessage(ctx, action, ev)
	case models.ActionSendTextMessage:
		return e.actionSendFreeform(ctx, action, ev, "")
	case models.ActionSendMediaMessage:
		return e.actionSendFreeform(ctx, action, ev, mediaTypeFromURL(action.MediaURL))
	case models.ActionAssignConversation:
		return e.actionAssignConversation(ctx, action, ev)
	case models.ActionAddTag:
		return e.actionMutateTag(ctx, action, ev, true)
	case models.ActionRemoveTag:
		return e.actionMutateTag(ctx, action, ev, false)
	case models.ActionAddNote:
		return e.actionAddNote(ctx, action, ev)
	case models.ActionDelay:
		return e.actionDelay(ctx, action)
	case models.ActionCloseConversation:
		return e.actionSetConversationStatus(ctx, ev, models.ConversationClosed)
	case models.ActionMarkResolved:
		return e.actionSetConversationStatus(ctx, ev, models.ConversationResolved)
	case models.ActionNotifyWebhook:
		return e.actionNotifyWebhook(ctx, action, ev)
	case models.ActionMovePipelineStage, models.ActionCreateDeal, models.ActionNotifyAgent, models.ActionUpdateContact:
		// No CRM/pipeline/agent-notification collaborator exists in this
		// module; these fall through as no-ops rather than erroring, so a
		// rule mixing supported and unsupported actions still runs the rest.
		e.log.Debug("automation: action type has no local handler, skipping", "action", action.Type)
		return nil
	default:
		return fmt.Errorf("automation: unknown action type %q", action.Type)
	}
}

func mediaTypeFromURL(url string) string {
	lower := strings.ToLower(url)
	switch {
	case strings.HasSuffix(lower, ".mp4"):
		return "video"
	case strings.HasSuffix(lower, ".pdf"), strings.HasSuffix(lower, ".doc"), strings.HasSuffix(lower, ".docx"):
		return "document"
	case strings.HasSuffix(lower, ".mp3"), strings.HasSuffix(lower, ".ogg"):
		return "audio"
	default:
		return "image"
	}
}
