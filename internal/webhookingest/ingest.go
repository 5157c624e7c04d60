// Package webhookingest turns a raw Meta webhook callback into durable
// state: inbound messages and conversation anchors for customer-originated
// traffic, monotonic status rollups for outbound sends, and campaign
// pauses when a template or account health signal says sending must stop.
// Every callback is logged to WebhookLog first, regardless of what the
// rest of ingestion manages to apply, so a failed or partial apply is
// still replayable.
package webhookingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wabroker/msgcore/internal/automation"
	"github.com/wabroker/msgcore/internal/campaign"
	"github.com/wabroker/msgcore/internal/contactutil"
	"github.com/wabroker/msgcore/internal/coreerrors"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/wabroker/msgcore/internal/router"
	"github.com/wabroker/msgcore/pkg/whatsapp"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// Ingester applies a parsed webhook payload against tenant state.
type Ingester struct {
	db         *gorm.DB
	router     *router.Router
	campaigns  *campaign.Service
	automation *automation.Engine
	log        logf.Logger
}

func New(db *gorm.DB, r *router.Router, campaigns *campaign.Service, auto *automation.Engine, log logf.Logger) *Ingester {
	return &Ingester{db: db, router: r, campaigns: campaigns, automation: auto, log: log}
}

// Ingest is the single entry point: parse, resolve the owning tenant, fan
// out to the per-event-type handlers, and audit-log the result.
func (in *Ingester) Ingest(ctx context.Context, rawBody []byte) error {
	payload, err := whatsapp.ParseWebhook(rawBody)
	if err != nil {
		in.logCallback(ctx, nil, "", models.WebhookEventUnresolved, models.WebhookOutcomeError, rawBody, err.Error())
		return fmt.Errorf("webhookingest: parse payload: %w", err)
	}

	phoneNumberID := payload.GetPhoneNumberID()
	tenantPhone, err := in.router.ResolveTenant(ctx, phoneNumberID)
	if err != nil {
		in.logCallback(ctx, nil, phoneNumberID, models.WebhookEventUnresolved, models.WebhookOutcomeUnresolved, rawBody, err.Error())
		return err
	}
	tenantID := tenantPhone.TenantID

	var errs []error
	if payload.HasMessages() {
		if err := in.HandleMessages(ctx, tenantID, payload); err != nil {
			errs = append(errs, err)
			in.logCallback(ctx, &tenantID, phoneNumberID, models.WebhookEventMessage, models.WebhookOutcomeError, rawBody, err.Error())
		} else {
			in.logCallback(ctx, &tenantID, phoneNumberID, models.WebhookEventMessage, models.WebhookOutcomeProcessed, rawBody, "")
		}
	}
	if payload.HasStatuses() {
		if err := in.HandleStatuses(ctx, tenantID, payload); err != nil {
			errs = append(errs, err)
			in.logCallback(ctx, &tenantID, phoneNumberID, models.WebhookEventStatus, models.WebhookOutcomeError, rawBody, err.Error())
		} else {
			in.logCallback(ctx, &tenantID, phoneNumberID, models.WebhookEventStatus, models.WebhookOutcomeProcessed, rawBody, "")
		}
	}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Value.MessageTemplateStatusUpdate != nil {
				if err := in.HandleTemplateStatusUpdate(ctx, tenantID, change.Value.MessageTemplateStatusUpdate); err != nil {
					errs = append(errs, err)
					in.logCallback(ctx, &tenantID, phoneNumberID, models.WebhookEventTemplateStatus, models.WebhookOutcomeError, rawBody, err.Error())
				} else {
					in.logCallback(ctx, &tenantID, phoneNumberID, models.WebhookEventTemplateStatus, models.WebhookOutcomeProcessed, rawBody, "")
				}
			}
			if change.Value.Event != "" {
				if err := in.HandleAccountUpdate(ctx, tenantID, phoneNumberID, change.Value.Event); err != nil {
					errs = append(errs, err)
					in.logCallback(ctx, &tenantID, phoneNumberID, models.WebhookEventAccountUpdate, models.WebhookOutcomeError, rawBody, err.Error())
				} else {
					in.logCallback(ctx, &tenantID, phoneNumberID, models.WebhookEventAccountUpdate, models.WebhookOutcomeProcessed, rawBody, "")
				}
			}
		}
	}

	return errors.Join(errs...)
}

func (in *Ingester) logCallback(ctx context.Context, tenantID *uuid.UUID, phoneNumberID string, event models.WebhookEventType, outcome models.WebhookOutcome, raw []byte, detail string) {
	var payload models.JSONB
	if err := json.Unmarshal(raw, &payload); err != nil {
		payload = models.JSONB{"raw": string(raw)}
	}
	entry := models.WebhookLog{
		TenantID:      tenantID,
		Event:         event,
		Outcome:       outcome,
		PhoneNumberID: phoneNumberID,
		RawPayload:    payload,
		Detail:        detail,
	}
	if err := in.db.WithContext(ctx).Create(&entry).Error; err != nil {
		in.log.Error("webhookingest: failed to write audit log", "error", err)
	}
}

// HandleMessages applies every inbound customer message in the payload:
// resolve or create the contact, anchor/open the conversation, and persist
// an inbound Message row. A fresh session (the conversation had no prior
// customer message, or the last one fell outside the 24h window) gets a
// ConversationLedgerEntry marking the new billable session.
func (in *Ingester) HandleMessages(ctx context.Context, tenantID uuid.UUID, payload *whatsapp.WebhookPayload) error {
	now := time.Now()
	for _, msg := range payload.ExtractMessages() {
		contact, _, err := contactutil.GetOrCreateContact(in.db.WithContext(ctx), tenantID, msg.From, msg.ContactName)
		if err != nil {
			return fmt.Errorf("webhookingest: resolve contact %s: %w", msg.From, err)
		}

		conv, isNewSession, err := in.anchorConversation(ctx, tenantID, contact.ID, now)
		if err != nil {
			return fmt.Errorf("webhookingest: anchor conversation for contact %s: %w", contact.ID, err)
		}

		body := msg.Text
		if body == "" {
			body = msg.Caption
		}
		inbound := models.Message{
			TenantID:          tenantID,
			ContactID:         contact.ID,
			ConversationID:    conv.ID,
			Direction:         models.DirectionInbound,
			Type:              inboundMessageType(msg.Type),
			Status:            models.MessageStatusReceived,
			Body:              body,
			ProviderMessageID: msg.ID,
			ReceivedAt:        &now,
		}
		if err := in.db.WithContext(ctx).Create(&inbound).Error; err != nil {
			return fmt.Errorf("webhookingest: persist inbound message %s: %w", msg.ID, err)
		}

		if isNewSession {
			ledger := models.ConversationLedgerEntry{
				TenantID:          tenantID,
				ConversationID:    conv.ID,
				ContactID:         contact.ID,
				BusinessInitiated: false,
				Billable:          true,
				SessionStartedAt:  now,
			}
			if err := in.db.WithContext(ctx).Create(&ledger).Error; err != nil {
				in.log.Error("webhookingest: failed to write ledger entry", "error", err, "conversation_id", conv.ID)
			}
		}

		if in.automation != nil {
			for _, trigger := range []models.TriggerType{models.TriggerMessageReceived, models.TriggerKeyword} {
				ev := automation.Event{Type: trigger, TenantID: tenantID, ContactID: contact.ID, ConversationID: conv.ID, Text: body}
				if err := in.automation.Dispatch(ctx, ev); err != nil {
					in.log.Error("webhookingest: automation dispatch failed", "error", err, "trigger", trigger, "conversation_id", conv.ID)
				}
			}
		}
	}
	return nil
}

// anchorConversation gets-or-creates the (tenant, contact) conversation and
// advances its session anchor, reporting whether this message started a
// fresh (non-overlapping) session.
func (in *Ingester) anchorConversation(ctx context.Context, tenantID, contactID uuid.UUID, now time.Time) (*models.Conversation, bool, error) {
	var conv models.Conversation
	err := in.db.WithContext(ctx).Where("tenant_id = ? AND contact_id = ?", tenantID, contactID).First(&conv).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		conv = models.Conversation{
			TenantID:              tenantID,
			ContactID:             contactID,
			Status:                models.ConversationOpen,
			LastCustomerMessageAt: now,
		}
		if err := in.db.WithContext(ctx).Create(&conv).Error; err != nil {
			return nil, false, err
		}
		return &conv, true, nil
	case err != nil:
		return nil, false, err
	}

	isNewSession := !conv.WithinSessionWindow(now)
	conv.LastCustomerMessageAt = now
	if conv.Status != models.ConversationOpen {
		conv.Status = models.ConversationOpen
	}
	if err := in.db.WithContext(ctx).Save(&conv).Error; err != nil {
		return nil, false, err
	}
	return &conv, isNewSession, nil
}

func inboundMessageType(waType string) models.MessageType {
	switch waType {
	case "image":
		return models.MessageTypeImage
	case "video":
		return models.MessageTypeVideo
	case "document":
		return models.MessageTypeDocument
	case "audio":
		return models.MessageTypeAudio
	default:
		return models.MessageTypeText
	}
}

// HandleStatuses applies outbound delivery-status callbacks against both
// the unified Message table and, when the message was campaign-attributed,
// the owning CampaignMessage row. Out-of-order or duplicate callbacks are
// dropped silently via the monotonic-progression check.
func (in *Ingester) HandleStatuses(ctx context.Context, tenantID uuid.UUID, payload *whatsapp.WebhookPayload) error {
	for _, status := range payload.ExtractStatuses() {
		newStatus := mapProviderStatus(status.Status)
		if newStatus == "" {
			continue
		}

		var msg models.Message
		err := in.db.WithContext(ctx).Where("tenant_id = ? AND provider_message_id = ?", tenantID, status.MessageID).First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("webhookingest: load message %s: %w", status.MessageID, err)
		}

		if !newStatus.Advances(msg.Status) {
			continue
		}

		updates := map[string]interface{}{"status": newStatus}
		switch newStatus {
		case models.MessageStatusSent:
			updates["sent_at"] = status.Timestamp
		case models.MessageStatusDelivered:
			updates["delivered_at"] = status.Timestamp
		case models.MessageStatusRead:
			updates["read_at"] = status.Timestamp
		case models.MessageStatusFailed:
			updates["failed_at"] = status.Timestamp
			if status.ErrorMsg != "" {
				updates["last_error"] = fmt.Sprintf("%d: %s", status.ErrorCode, status.ErrorMsg)
			}
		}
		if err := in.db.WithContext(ctx).Model(&msg).Updates(updates).Error; err != nil {
			return fmt.Errorf("webhookingest: update message %s: %w", status.MessageID, err)
		}

		if err := in.applyCampaignMessageStatus(ctx, tenantID, status, newStatus); err != nil {
			return err
		}

		if in.automation != nil {
			if err := in.automation.Dispatch(ctx, automation.Event{
				Type:           models.TriggerStatusUpdated,
				TenantID:       tenantID,
				ContactID:      msg.ContactID,
				ConversationID: msg.ConversationID,
				Status:         string(newStatus),
			}); err != nil {
				in.log.Error("webhookingest: status_updated automation dispatch failed", "error", err, "message_id", msg.ID)
			}
		}
	}
	return nil
}

// campaignMessageRank mirrors MessageStatus's monotonic ladder for
// CampaignMessage rows; rankSent/rankDelivered/rankRead double as the
// Totals counter each rank attributes to. failed is a terminal sink and
// is handled separately in applyCampaignMessageFailure.
const (
	rankSent      = 2
	rankDelivered = 3
	rankRead      = 4
)

var campaignMessageRank = map[models.CampaignMessageStatus]int{
	models.CampaignMessageQueued:    0,
	models.CampaignMessageSending:   1,
	models.CampaignMessageSent:      rankSent,
	models.CampaignMessageDelivered: rankDelivered,
	models.CampaignMessageRead:      rankRead,
}

func (in *Ingester) applyCampaignMessageStatus(ctx context.Context, tenantID uuid.UUID, status whatsapp.ParsedStatus, newStatus models.MessageStatus) error {
	var cm models.CampaignMessage
	err := in.db.WithContext(ctx).Where("tenant_id = ? AND provider_message_id = ?", tenantID, status.MessageID).First(&cm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("webhookingest: load campaign message %s: %w", status.MessageID, err)
	}

	if newStatus == models.MessageStatusFailed {
		return in.applyCampaignMessageFailure(ctx, &cm, status)
	}

	cmStatus := models.CampaignMessageStatus(newStatus)
	newRank, ranked := campaignMessageRank[cmStatus]
	oldRank, hadRank := campaignMessageRank[cm.Status]
	if !ranked || (hadRank && newRank <= oldRank) {
		// Duplicate or out-of-order relative to the CampaignMessage row; drop it.
		return nil
	}

	updates := map[string]interface{}{"status": cmStatus}
	switch cmStatus {
	case models.CampaignMessageSent:
		updates["sent_at"] = status.Timestamp
	case models.CampaignMessageDelivered:
		updates["delivered_at"] = status.Timestamp
	case models.CampaignMessageRead:
		updates["read_at"] = status.Timestamp
	}

	// A webhook can arrive having skipped intermediate ranks entirely (a
	// "read" with no prior "delivered" callback) — every skipped rank's
	// counter still gets its +1 so totals_delivered/totals_read stay in
	// lockstep with the rows that actually reached each state.
	start := 0
	if hadRank {
		start = oldRank + 1
	}
	totals := map[string]interface{}{}
	if start <= rankSent && rankSent <= newRank {
		totals["totals_sent"] = gorm.Expr("totals_sent + 1")
	}
	if start <= rankDelivered && rankDelivered <= newRank {
		totals["totals_delivered"] = gorm.Expr("totals_delivered + 1")
	}
	if start <= rankRead && rankRead <= newRank {
		totals["totals_read"] = gorm.Expr("totals_read + 1")
	}

	if err := in.db.WithContext(ctx).Model(&cm).Updates(updates).Error; err != nil {
		return err
	}
	if len(totals) == 0 {
		return nil
	}
	return in.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", cm.CampaignID).Updates(totals).Error
}

// applyCampaignMessageFailure records an async delivery failure reported
// after a successful send. It is idempotent against a CampaignMessage
// already marked failed, so a repeated or duplicate webhook can't inflate
// totals_failed.
func (in *Ingester) applyCampaignMessageFailure(ctx context.Context, cm *models.CampaignMessage, status whatsapp.ParsedStatus) error {
	if cm.Status == models.CampaignMessageFailed {
		return nil
	}

	updates := map[string]interface{}{
		"status":    models.CampaignMessageFailed,
		"failed_at": status.Timestamp,
	}
	if status.ErrorMsg != "" {
		updates["last_error"] = fmt.Sprintf("%d: %s", status.ErrorCode, status.ErrorMsg)
	}
	if err := in.db.WithContext(ctx).Model(cm).Updates(updates).Error; err != nil {
		return err
	}
	if err := in.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", cm.CampaignID).Update("totals_failed", gorm.Expr("totals_failed + 1")).Error; err != nil {
		return err
	}

	var apiErr whatsapp.MetaAPIError
	apiErr.Error.Code = status.ErrorCode
	class := whatsapp.Classify(0, &apiErr)
	if class.RequiresCampaignPause() {
		if err := in.campaigns.SystemPause(ctx, cm.CampaignID, models.PauseReason(class.PauseReasonHint())); err != nil && !coreerrors.Is(err, coreerrors.KindInvalidStatus) {
			in.log.Error("webhookingest: failed to system-pause campaign", "error", err, "campaign_id", cm.CampaignID)
		}
	}
	return nil
}

func mapProviderStatus(s string) models.MessageStatus {
	switch s {
	case "sent":
		return models.MessageStatusSent
	case "delivered":
		return models.MessageStatusDelivered
	case "read":
		return models.MessageStatusRead
	case "failed":
		return models.MessageStatusFailed
	default:
		return ""
	}
}

// HandleTemplateStatusUpdate applies a template approval-state change and,
// when a previously APPROVED template is revoked or paused, system-pauses
// every RUNNING campaign that references it.
func (in *Ingester) HandleTemplateStatusUpdate(ctx context.Context, tenantID uuid.UUID, update *whatsapp.WebhookTemplateStatusUpdate) error {
	var tmpl models.Template
	err := in.db.WithContext(ctx).Where("tenant_id = ? AND name = ? AND language = ?", tenantID, update.MessageTemplateName, update.MessageTemplateLanguage).First(&tmpl).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("webhookingest: load template %s: %w", update.MessageTemplateName, err)
	}

	newStatus, shouldPause := mapTemplateEvent(update.Event)
	updates := map[string]interface{}{"status": newStatus}
	if update.Reason != "" {
		updates["rejection_reason"] = update.Reason
	}
	if err := in.db.WithContext(ctx).Model(&tmpl).Updates(updates).Error; err != nil {
		return fmt.Errorf("webhookingest: update template %s: %w", update.MessageTemplateName, err)
	}

	if !shouldPause {
		return nil
	}

	var campaigns []models.Campaign
	if err := in.db.WithContext(ctx).Where("tenant_id = ? AND status = ? AND template->>'template_id' = ?", tenantID, models.CampaignRunning, tmpl.ID.String()).Find(&campaigns).Error; err != nil {
		return fmt.Errorf("webhookingest: find running campaigns for template %s: %w", tmpl.ID, err)
	}
	for _, c := range campaigns {
		if err := in.campaigns.SystemPause(ctx, c.ID, models.PauseTemplateRevoked); err != nil {
			in.log.Error("webhookingest: failed to pause campaign on template revocation", "error", err, "campaign_id", c.ID)
		}
	}
	return nil
}

func mapTemplateEvent(event string) (models.TemplateStatus, bool) {
	switch event {
	case "APPROVED":
		return models.TemplateStatusApproved, false
	case "REJECTED":
		return models.TemplateStatusRejected, false
	case "PAUSED", "DISABLED":
		return models.TemplateStatusRevoked, true
	case "FLAGGED":
		return models.TemplateStatusPending, false
	default:
		return models.TemplateStatusPending, false
	}
}

// HandleAccountUpdate reacts to a phone's account-health event, syncing the
// router's TenantPhone row and pausing any RUNNING campaign on that phone
// when the event means sending must stop.
func (in *Ingester) HandleAccountUpdate(ctx context.Context, tenantID uuid.UUID, phoneNumberID, event string) error {
	reason, blocks := mapAccountEvent(event)
	if err := in.router.SyncStatus(ctx, phoneNumberID, func(p *models.TenantPhone) {
		switch event {
		case "DISABLED_UPDATE", "ACCOUNT_RESTRICTION_UPDATE":
			p.AccountStatus = models.AccountStatusRestricted
			p.AccountBlocked = true
		case "ACCOUNT_VIOLATION":
			p.AccountStatus = models.AccountStatusDisconnected
			p.AccountBlocked = true
		}
	}); err != nil {
		return fmt.Errorf("webhookingest: sync account status for %s: %w", phoneNumberID, err)
	}

	if !blocks {
		return nil
	}

	var campaigns []models.Campaign
	if err := in.db.WithContext(ctx).Where("tenant_id = ? AND status = ?", tenantID, models.CampaignRunning).Find(&campaigns).Error; err != nil {
		return fmt.Errorf("webhookingest: find running campaigns for tenant %s: %w", tenantID, err)
	}
	for _, c := range campaigns {
		if err := in.campaigns.SystemPause(ctx, c.ID, reason); err != nil {
			in.log.Error("webhookingest: failed to pause campaign on account event", "error", err, "campaign_id", c.ID)
		}
	}
	return nil
}

func mapAccountEvent(event string) (models.PauseReason, bool) {
	switch event {
	case "DISABLED_UPDATE", "ACCOUNT_RESTRICTION_UPDATE":
		return models.PauseAccountBlocked, true
	case "ACCOUNT_VIOLATION":
		return models.PauseAccountDisabled, true
	default:
		return "", false
	}
}
