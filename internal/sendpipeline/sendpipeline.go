// Package sendpipeline implements the template send pipeline (spec §4.4):
// per-send validation of approval state and variable arity, provider
// dispatch, and idempotent persistence of the resulting Message.
package sendpipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wabroker/msgcore/internal/coreerrors"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/wabroker/msgcore/internal/templateutil"
	"github.com/wabroker/msgcore/pkg/whatsapp"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// Variables is the caller-supplied variable set for one send.
type Variables struct {
	Header  []string
	Body    []string
	Buttons []string
}

// SendInput is the per-send request.
type SendInput struct {
	TenantID      uuid.UUID
	TemplateID    uuid.UUID
	ContactID     uuid.UUID
	RecipientPhone string
	Variables     Variables

	// Attribution is set for campaign-originated sends; nil for ad hoc
	// single sends.
	Attribution *models.AttributionMeta
}

// SendResult is the pipeline's successful outcome.
type SendResult struct {
	MessageID         uuid.UUID
	ProviderMessageID string
	Skipped           bool // idempotency short-circuit: already sent
}

// Pipeline is the template send pipeline.
type Pipeline struct {
	db   *gorm.DB
	wa   *whatsapp.Client
	log  logf.Logger
}

func New(db *gorm.DB, wa *whatsapp.Client, log logf.Logger) *Pipeline {
	return &Pipeline{db: db, wa: wa, log: log}
}

// Send executes the full single-send algorithm (spec §4.4 steps 1-7). On
// success it persists exactly one Message row with status=sent; on error,
// no Message is persisted and no provider charge is recorded as a local
// success.
func (p *Pipeline) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	if in.Attribution != nil && in.Attribution.CampaignID != nil {
		if existing, err := p.existingCampaignMessage(ctx, *in.Attribution.CampaignID, in.ContactID); err != nil {
			return nil, err
		} else if existing != nil {
			return &SendResult{Skipped: true, ProviderMessageID: existing.ProviderMessageID}, nil
		}
	}

	tmpl, err := p.loadTemplate(ctx, in.TenantID, in.TemplateID)
	if err != nil {
		return nil, err
	}

	if err := p.validateArity(tmpl, in.Variables); err != nil {
		return nil, err
	}

	phone, err := p.loadConnectedPhone(ctx, in.TenantID)
	if err != nil {
		return nil, err
	}

	normalizedPhone, err := normalizePhone(in.RecipientPhone)
	if err != nil {
		return nil, coreerrors.New(coreerrors.KindInvalidRecipient, "invalid recipient phone %q", in.RecipientPhone)
	}

	account := &whatsapp.Account{
		PhoneID:     phone.PhoneNumberID,
		BusinessID:  phone.BusinessID,
		APIVersion:  phone.APIVersion,
		AccessToken: phone.AccessToken,
	}
	components := buildComponents(tmpl, in.Variables)

	providerMessageID, err := p.wa.SendTemplateMessageWithComponents(ctx, account, normalizedPhone, tmpl.Name, tmpl.Language, components)
	if err != nil {
		return nil, p.classifyProviderError(err)
	}

	msg := &models.Message{
		BaseModel: models.BaseModel{ID: uuid.New()},
		TenantID:  in.TenantID,
		ContactID: in.ContactID,
		Direction: models.DirectionOutbound,
		Type:      models.MessageTypeTemplate,
		Status:    models.MessageStatusSent,
		ProviderMessageID: providerMessageID,
	}
	now := time.Now()
	msg.SentAt = &now
	if in.Attribution != nil {
		attr := models.JSONB{}
		if in.Attribution.CampaignID != nil {
			attr["campaign_id"] = in.Attribution.CampaignID.String()
		}
		if in.Attribution.BatchID != nil {
			attr["batch_id"] = in.Attribution.BatchID.String()
		}
		attr["template_id"] = tmpl.ID.String()
		msg.Attribution = attr
	}

	if err := p.db.WithContext(ctx).Create(msg).Error; err != nil {
		// The send already succeeded upstream; providerMessageID is the
		// reconciliation handle a redelivered webhook will resurface.
		p.log.Error("message persisted after send failed", "error", err, "provider_message_id", providerMessageID)
		return nil, fmt.Errorf("sendpipeline: persist message after successful send %s: %w", providerMessageID, err)
	}

	return &SendResult{MessageID: msg.ID, ProviderMessageID: providerMessageID}, nil
}

// BulkCap is the hard cap on the bulk variant (spec §4.4).
const BulkCap = 1000

// InterMessagePause matches the campaign worker's own inter-message
// cadence when bulk is used directly (rare; the campaign worker normally
// prefers the single-send call so it can interleave with the rate
// limiter).
const InterMessagePause = 50 * time.Millisecond

// SendBulk fans Send across recipients with a short inter-message pause.
func (p *Pipeline) SendBulk(ctx context.Context, inputs []SendInput) ([]*SendResult, error) {
	if len(inputs) > BulkCap {
		return nil, coreerrors.New(coreerrors.KindInvalidRecipient, "bulk send of %d exceeds cap %d", len(inputs), BulkCap)
	}
	results := make([]*SendResult, len(inputs))
	for i, in := range inputs {
		res, err := p.Send(ctx, in)
		if err != nil {
			return results, err
		}
		results[i] = res
		if i < len(inputs)-1 {
			select {
			case <-ctx.Done():
				return results, ctx.Err()
			case <-time.After(InterMessagePause):
			}
		}
	}
	return results, nil
}

func (p *Pipeline) existingCampaignMessage(ctx context.Context, campaignID, contactID uuid.UUID) (*models.CampaignMessage, error) {
	var cm models.CampaignMessage
	err := p.db.WithContext(ctx).Where("campaign_id = ? AND contact_id = ?", campaignID, contactID).First(&cm).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("sendpipeline: load campaign message: %w", err)
	}
	if cm.IsFinalForIdempotency() {
		return &cm, nil
	}
	return nil, nil
}

func (p *Pipeline) loadTemplate(ctx context.Context, tenantID, templateID uuid.UUID) (*models.Template, error) {
	var tmpl models.Template
	if err := p.db.WithContext(ctx).First(&tmpl, "id = ?", templateID).Error; err != nil {
		return nil, coreerrors.New(coreerrors.KindTemplateNotFound, "template %s not found", templateID)
	}
	if tmpl.TenantID != tenantID {
		return nil, coreerrors.New(coreerrors.KindTemplateOwnershipMismatch, "template %s does not belong to tenant %s", templateID, tenantID)
	}
	if tmpl.Status != models.TemplateStatusApproved {
		return nil, coreerrors.New(coreerrors.KindTemplateNotApproved, "template %s is %s", tmpl.Name, tmpl.Status)
	}
	return &tmpl, nil
}

func (p *Pipeline) validateArity(tmpl *models.Template, vars Variables) error {
	if len(vars.Header) != tmpl.HeaderParamCount {
		return coreerrors.New(coreerrors.KindVariableCountMismatch, "header expects %d variables, got %d", tmpl.HeaderParamCount, len(vars.Header))
	}
	if len(vars.Body) != tmpl.BodyParamCount {
		return coreerrors.New(coreerrors.KindVariableCountMismatch, "body expects %d variables, got %d", tmpl.BodyParamCount, len(vars.Body))
	}
	if len(vars.Buttons) != tmpl.ButtonParamCount {
		return coreerrors.New(coreerrors.KindVariableCountMismatch, "buttons expect %d variables, got %d", tmpl.ButtonParamCount, len(vars.Buttons))
	}
	return nil
}

func (p *Pipeline) loadConnectedPhone(ctx context.Context, tenantID uuid.UUID) (*models.TenantPhone, error) {
	var tenant models.Tenant
	if err := p.db.WithContext(ctx).First(&tenant, "id = ?", tenantID).Error; err != nil {
		return nil, coreerrors.New(coreerrors.KindWorkspaceNotConfigured, "tenant %s not found", tenantID)
	}

	var phone models.TenantPhone
	if err := p.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&phone).Error; err != nil {
		return nil, coreerrors.New(coreerrors.KindPhoneNotConfigured, "no phone configured for tenant %s", tenantID)
	}
	if !phone.IsBSPConnected(time.Now()) {
		return nil, coreerrors.New(coreerrors.KindPhoneNotConfigured, "tenant %s phone is not BSP-connected", tenantID)
	}
	return &phone, nil
}

func normalizePhone(phone string) (string, error) {
	digits := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("sendpipeline: non-numeric phone %q", phone)
		}
	}
	if len(digits) < 8 {
		return "", fmt.Errorf("sendpipeline: phone too short %q", phone)
	}
	return digits, nil
}

func buildComponents(tmpl *models.Template, vars Variables) []map[string]interface{} {
	var components []map[string]interface{}

	if len(vars.Header) > 0 {
		params := make([]map[string]interface{}, 0, len(vars.Header))
		for _, v := range vars.Header {
			if tmpl.HasHeaderMedia {
				params = append(params, map[string]interface{}{
					"type":  "image",
					"image": map[string]interface{}{"link": v},
				})
			} else {
				params = append(params, map[string]interface{}{"type": "text", "text": v})
			}
		}
		components = append(components, map[string]interface{}{"type": "header", "parameters": params})
	}

	if len(vars.Body) > 0 {
		params := make([]map[string]interface{}, 0, len(vars.Body))
		for _, v := range vars.Body {
			params = append(params, map[string]interface{}{"type": "text", "text": v})
		}
		components = append(components, map[string]interface{}{"type": "body", "parameters": params})
	}

	for i, v := range vars.Buttons {
		components = append(components, map[string]interface{}{
			"type":     "button",
			"sub_type": "quick_reply",
			"index":    fmt.Sprintf("%d", i),
			"parameters": []map[string]interface{}{
				{"type": "payload", "payload": v},
			},
		})
	}

	return components
}

// classifyProviderError turns a provider error into a CoreError carrying
// the §4.7 classification, without itself deciding whether to pause the
// campaign — that decision belongs to the campaign execution service,
// which inspects the classification via coreerrors' Detail field.
func (p *Pipeline) classifyProviderError(err error) error {
	var apiErr *whatsapp.APIError
	for e := err; e != nil; e = unwrap(e) {
		if ae, ok := e.(*whatsapp.APIError); ok {
			apiErr = ae
			break
		}
	}
	if apiErr == nil {
		return coreerrors.Wrap(coreerrors.KindMetaAPIError, err, "provider call failed").WithDetail(whatsapp.ClassTemporary)
	}
	return coreerrors.Wrap(coreerrors.KindMetaAPIError, err, "provider error").WithDetail(apiErr.Class())
}

func unwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

// VariablesFromMapping resolves a campaign's variableMapping + a contact's
// field values into positional body variables, using templateutil's
// named-then-positional resolution. bodyContent is the template's raw
// body text (for {{n}} extraction); params is typically the contact's
// resolved field values keyed like the mapping.
func VariablesFromMapping(bodyContent string, params map[string]interface{}) []string {
	return templateutil.ResolveParams(bodyContent, params)
}
