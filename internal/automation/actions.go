package automation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/golang-jwt/jwt/v5"
	"github.com/wabroker/msgcore/internal/coreerrors"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/wabroker/msgcore/internal/sendpipeline"
	"github.com/wabroker/msgcore/pkg/whatsapp"
	"golang.org/x/crypto/bcrypt"
)

func (e *Engine) loadContact(ctx context.Context, contactID uuid.UUID) (*models.Contact, error) {
	var contact models.Contact
	if err := e.db.WithContext(ctx).First(&contact, "id = ?", contactID).Error; err != nil {
		return nil, fmt.Errorf("automation: load contact %s: %w", contactID, err)
	}
	return &contact, nil
}

func (e *Engine) loadConversation(ctx context.Context, conversationID uuid.UUID) (*models.Conversation, error) {
	var conv models.Conversation
	if err := e.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error; err != nil {
		return nil, fmt.Errorf("automation: load conversation %s: %w", conversationID, err)
	}
	return &conv, nil
}

// actionSendTemplateMessage runs a template send through the send
// pipeline, which itself enforces approval state and variable arity. A
// template send is the only action type not bound by the session-window
// hard rule — templates are precisely the channel Meta allows outside an
// open session.
func (e *Engine) actionSendTemplateMessage(ctx context.Context, action models.RuleAction, ev Event) error {
	if action.TemplateID == nil {
		return fmt.Errorf("automation: send_template_message action missing template_id")
	}
	contact, err := e.loadContact(ctx, ev.ContactID)
	if err != nil {
		return err
	}

	vars := sendpipeline.Variables{}
	if action.TemplateVariables != nil {
		if v, ok := action.TemplateVariables["body"].([]interface{}); ok {
			for _, item := range v {
				if s, ok := item.(string); ok {
					vars.Body = append(vars.Body, s)
				}
			}
		}
	}

	_, err = e.pipeline.Send(ctx, sendpipeline.SendInput{
		TenantID:       ev.TenantID,
		TemplateID:     *action.TemplateID,
		ContactID:      contact.ID,
		RecipientPhone: contact.PhoneNumber,
		Variables:      vars,
	})
	return err
}

// actionSendFreeform enforces the session-window hard rule (spec §4.3)
// before dispatching a free-form text or media message: a conversation
// with no customer message inside the trailing 24h cannot receive one of
// these, full stop, regardless of what triggered the rule.
func (e *Engine) actionSendFreeform(ctx context.Context, action models.RuleAction, ev Event, mediaType string) error {
	conv, err := e.loadConversation(ctx, ev.ConversationID)
	if err != nil {
		return err
	}
	if !conv.WithinSessionWindow(time.Now()) {
		return coreerrors.New(coreerrors.KindNo24HWindow, "conversation %s has no open 24h session window", conv.ID)
	}

	contact, err := e.loadContact(ctx, ev.ContactID)
	if err != nil {
		return err
	}

	account, err := e.loadAccount(ctx, ev.TenantID)
	if err != nil {
		return err
	}

	var providerMessageID string
	if mediaType == "" {
		providerMessageID, err = e.wa.SendTextMessage(ctx, account, contact.PhoneNumber, action.Text)
	} else {
		providerMessageID, err = e.wa.SendMediaMessage(ctx, account, contact.PhoneNumber, mediaType, action.MediaURL, action.Text)
	}
	if err != nil {
		return fmt.Errorf("automation: send freeform message: %w", err)
	}

	msgType := models.MessageTypeText
	if mediaType != "" {
		msgType = models.MessageType(mediaType)
	}
	msg := models.Message{
		TenantID:          ev.TenantID,
		ContactID:         contact.ID,
		ConversationID:    conv.ID,
		Direction:         models.DirectionOutbound,
		Type:              msgType,
		Status:            models.MessageStatusSent,
		Body:              action.Text,
		ProviderMessageID: providerMessageID,
	}
	now := time.Now()
	msg.SentAt = &now
	return e.db.WithContext(ctx).Create(&msg).Error
}

func (e *Engine) loadAccount(ctx context.Context, tenantID uuid.UUID) (*whatsapp.Account, error) {
	var phone models.TenantPhone
	if err := e.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&phone).Error; err != nil {
		return nil, coreerrors.New(coreerrors.KindPhoneNotConfigured, "no phone configured for tenant %s", tenantID)
	}
	if !phone.IsBSPConnected(time.Now()) {
		return nil, coreerrors.New(coreerrors.KindPhoneNotConfigured, "tenant %s phone is not BSP-connected", tenantID)
	}
	return &whatsapp.Account{
		PhoneID:     phone.PhoneNumberID,
		BusinessID:  phone.BusinessID,
		APIVersion:  phone.APIVersion,
		AccessToken: phone.AccessToken,
	}, nil
}

func (e *Engine) actionAssignConversation(ctx context.Context, action models.RuleAction, ev Event) error {
	updates := map[string]interface{}{}
	switch action.AssignMode {
	case models.AssignSpecific:
		if action.AgentID == nil {
			return fmt.Errorf("automation: assign_conversation specific mode missing agent_id")
		}
		updates["assignee_id"] = *action.AgentID
	default:
		// round_robin and least_busy need an agent roster this module
		// doesn't model; fall back to unassigning so the conversation at
		// least surfaces as needing a human rather than silently failing.
		updates["assignee_id"] = nil
	}
	return e.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", ev.ConversationID).Updates(updates).Error
}

func (e *Engine) actionMutateTag(ctx context.Context, action models.RuleAction, ev Event, add bool) error {
	if action.Tag == "" {
		return fmt.Errorf("automation: tag action missing tag")
	}
	var conv models.Conversation
	if err := e.db.WithContext(ctx).First(&conv, "id = ?", ev.ConversationID).Error; err != nil {
		return fmt.Errorf("automation: load conversation %s: %w", ev.ConversationID, err)
	}

	tags := conv.Tags
	if add {
		if !containsString(tags, action.Tag) {
			tags = append(tags, action.Tag)
		}
	} else {
		filtered := make(models.StringList, 0, len(tags))
		for _, t := range tags {
			if t != action.Tag {
				filtered = append(filtered, t)
			}
		}
		tags = filtered
	}

	return e.db.WithContext(ctx).Model(&conv).Update("tags", tags).Error
}

func (e *Engine) actionAddNote(ctx context.Context, action models.RuleAction, ev Event) error {
	if action.Text == "" {
		return nil
	}
	var conv models.Conversation
	if err := e.db.WithContext(ctx).First(&conv, "id = ?", ev.ConversationID).Error; err != nil {
		return fmt.Errorf("automation: load conversation %s: %w", ev.ConversationID, err)
	}
	note := fmt.Sprintf("[%s] %s", time.Now().Format(time.RFC3339), action.Text)
	if conv.Notes != "" {
		note = conv.Notes + "\n" + note
	}
	return e.db.WithContext(ctx).Model(&conv).Update("notes", note).Error
}

func (e *Engine) actionDelay(ctx context.Context, action models.RuleAction) error {
	if action.DelaySeconds <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(action.DelaySeconds) * time.Second):
		return nil
	}
}

func (e *Engine) actionSetConversationStatus(ctx context.Context, ev Event, status models.ConversationStatus) error {
	return e.db.WithContext(ctx).Model(&models.Conversation{}).Where("id = ?", ev.ConversationID).Update("status", status).Error
}

// actionNotifyWebhook POSTs a signed JSON event payload to the tenant's
// configured forwarding URL. The signature lets the receiving endpoint
// verify the callback actually originated here, mirroring how Meta signs
// its own webhook deliveries to us.
func (e *Engine) actionNotifyWebhook(ctx context.Context, action models.RuleAction, ev Event) error {
	if action.WebhookURL == "" {
		return fmt.Errorf("automation: notify_webhook action missing webhook_url")
	}

	body, err := json.Marshal(map[string]interface{}{
		"trigger":         ev.Type,
		"tenant_id":       ev.TenantID,
		"contact_id":      ev.ContactID,
		"conversation_id": ev.ConversationID,
		"timestamp":       time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("automation: marshal webhook payload: %w", err)
	}

	secret, err := e.forwardingSecret(ctx, ev.TenantID)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("automation: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Automation-Signature", signPayload(secret, body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("automation: notify_webhook request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("automation: notify_webhook received status %d", resp.StatusCode)
	}
	return nil
}

// forwardingSecret confirms the tenant exists and returns its
// webhook-forwarding HMAC key, derived deterministically from the tenant ID
// alone (see webhookSigningKey). No secret is minted, persisted or read
// from storage.
func (e *Engine) forwardingSecret(ctx context.Context, tenantID uuid.UUID) ([]byte, error) {
	var tenant models.Tenant
	if err := e.db.WithContext(ctx).First(&tenant, "id = ?", tenantID).Error; err != nil {
		return nil, fmt.Errorf("automation: load tenant %s: %w", tenantID, err)
	}
	return webhookSigningKey(tenant.ID), nil
}

func webhookSigningKey(tenantID uuid.UUID) []byte {
	sum := sha256.Sum256([]byte("msgcore-webhook-forwarding:" + tenantID.String()))
	return sum[:]
}

func signPayload(secret []byte, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyForwardingSecret checks a caller-supplied secret against the
// bcrypt hash stored for configuring a tenant's forwarding endpoint out of
// band (e.g. an admin rotating it). Kept alongside the engine rather than
// in a standalone auth package since the forwarding secret has no other
// consumer.
func VerifyForwardingSecret(hash, candidate string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(candidate))
}

// HashForwardingSecret bcrypt-hashes a newly generated forwarding secret
// for storage.
func HashForwardingSecret(secret string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("automation: hash forwarding secret: %w", err)
	}
	return string(hashed), nil
}

// ledgerExportClaims is the bounded-lifetime JWT used to authorize a
// one-off ConversationLedgerEntry export download without a full session.
type ledgerExportClaims struct {
	TenantID uuid.UUID `json:"tenant_id"`
	jwt.RegisteredClaims
}

// LedgerExportTTL bounds how long an export token is valid for: long
// enough for a background export job to start, short enough that a leaked
// URL stops working quickly.
const LedgerExportTTL = 15 * time.Minute

// IssueLedgerExportToken mints a bounded-lifetime token authorizing a
// single tenant's ledger export, signed with the tenant's own forwarding
// signing key so no separate secret store is needed for this narrow use.
func IssueLedgerExportToken(tenantID uuid.UUID) (string, error) {
	claims := ledgerExportClaims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(LedgerExportTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   "ledger-export",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(webhookSigningKey(tenantID))
	if err != nil {
		return "", fmt.Errorf("automation: sign ledger export token: %w", err)
	}
	return signed, nil
}

// VerifyLedgerExportToken validates a token minted by
// IssueLedgerExportToken for the given tenant and returns nil if valid.
func VerifyLedgerExportToken(tenantID uuid.UUID, tokenString string) error {
	token, err := jwt.ParseWithClaims(tokenString, &ledgerExportClaims{}, func(t *jwt.Token) (interface{}, error) {
		return webhookSigningKey(tenantID), nil
	})
	if err != nil {
		return fmt.Errorf("automation: invalid ledger export token: %w", err)
	}
	claims, ok := token.Claims.(*ledgerExportClaims)
	if !ok || !token.Valid || claims.TenantID != tenantID {
		return fmt.Errorf("automation: ledger export token does not match tenant %s", tenantID)
	}
	return nil
}
