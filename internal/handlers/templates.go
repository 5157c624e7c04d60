package handlers

import (
	"time"

	"github.com/google/uuid"
	"github.com/wabroker/msgcore/internal/middleware"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/wabroker/msgcore/pkg/whatsapp"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
)

// ListTemplates returns the tenant's locally-mirrored templates.
func (a *App) ListTemplates(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}

	status := string(r.RequestCtx.QueryArgs().Peek("status"))
	query := a.DB.Where("tenant_id = ?", tenantID).Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var templates []models.Template
	if err := query.Find(&templates).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to list templates", nil, "")
	}
	return r.SendEnvelope(templates)
}

// GetTemplate returns one template by ID.
func (a *App) GetTemplate(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	id, err := parsePathUUID(r, "id", "template")
	if err != nil {
		return nil
	}
	tmpl, err := findByIDAndTenant[models.Template](a.DB, r, id, tenantID, "template")
	if err != nil {
		return nil
	}
	return r.SendEnvelope(tmpl)
}

// SubmitTemplateRequest is the body for registering a new template with Meta.
type SubmitTemplateRequest struct {
	Name          string   `json:"name"`
	Language      string   `json:"language"`
	Category      string   `json:"category"`
	HeaderType    string   `json:"header_type"`
	HeaderContent string   `json:"header_content"`
	BodyContent   string   `json:"body_content"`
	FooterContent string   `json:"footer_content"`
	SampleValues  []string `json:"sample_values"`
}

// SubmitTemplate submits a new template to Meta and mirrors it locally as
// PENDING; approval/rejection arrives later via the webhook's
// template_status_update event.
func (a *App) SubmitTemplate(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}

	var req SubmitTemplateRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "invalid request body", nil, "")
	}
	if req.Name == "" || req.BodyContent == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "name and body_content are required", nil, "")
	}
	if req.Language == "" {
		req.Language = "en_US"
	}

	account, err := a.tenantAccount(r, tenantID)
	if err != nil {
		return nil
	}

	samples := make([]interface{}, len(req.SampleValues))
	for i, s := range req.SampleValues {
		samples[i] = s
	}

	submission := &whatsapp.TemplateSubmission{
		Name:          req.Name,
		Language:      req.Language,
		Category:      req.Category,
		HeaderType:    req.HeaderType,
		HeaderContent: req.HeaderContent,
		BodyContent:   req.BodyContent,
		FooterContent: req.FooterContent,
		SampleValues:  samples,
	}
	if _, err := a.WhatsApp.SubmitTemplate(r.RequestCtx, account, submission); err != nil {
		a.Log.Error("template submission failed", "error", err, "tenant_id", tenantID)
		return r.SendErrorEnvelope(fasthttp.StatusBadGateway, "template submission failed: "+err.Error(), nil, "")
	}

	bodyVarCount := countPlaceholders(req.BodyContent)
	tmpl := models.Template{
		TenantID:       tenantID,
		Name:           req.Name,
		Language:       req.Language,
		Category:       models.TemplateCategory(req.Category),
		Status:         models.TemplateStatusPending,
		BodyParamCount: bodyVarCount,
		HasHeaderMedia: req.HeaderType != "" && req.HeaderType != "TEXT" && req.HeaderType != "NONE",
	}
	if err := a.DB.Create(&tmpl).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "template submitted to Meta but failed to persist locally", nil, "")
	}
	return r.SendEnvelope(tmpl)
}

func countPlaceholders(body string) int {
	count := 0
	for i := 0; i+1 < len(body); i++ {
		if body[i] == '{' && body[i+1] == '{' {
			count++
		}
	}
	return count
}

// SyncTemplates pulls the tenant's template list from Meta and upserts
// status/name/language locally — used to pick up approvals made via the
// Meta Business Manager UI rather than through this API.
func (a *App) SyncTemplates(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}

	account, err := a.tenantAccount(r, tenantID)
	if err != nil {
		return nil
	}

	remote, err := a.WhatsApp.FetchTemplates(r.RequestCtx, account)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadGateway, "fetch templates failed: "+err.Error(), nil, "")
	}

	synced := 0
	for _, mt := range remote {
		var tmpl models.Template
		err := a.DB.Where("tenant_id = ? AND name = ? AND language = ?", tenantID, mt.Name, mt.Language).First(&tmpl).Error
		status := models.TemplateStatus(mt.Status)
		if err != nil {
			tmpl = models.Template{
				TenantID: tenantID,
				Name:     mt.Name,
				Language: mt.Language,
				Category: models.TemplateCategory(mt.Category),
				Status:   status,
			}
			if err := a.DB.Create(&tmpl).Error; err == nil {
				synced++
			}
			continue
		}
		if err := a.DB.Model(&tmpl).Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error; err == nil {
			synced++
		}
	}
	return r.SendEnvelope(map[string]interface{}{"synced": synced, "total_remote": len(remote)})
}

// tenantAccount loads the tenant's connected WhatsApp account for
// outbound-API calls (SubmitTemplate, FetchTemplates); sends its own error
// envelope on failure.
func (a *App) tenantAccount(r *fastglue.Request, tenantID uuid.UUID) (*whatsapp.Account, error) {
	var phone models.TenantPhone
	if err := a.DB.Where("tenant_id = ?", tenantID).First(&phone).Error; err != nil {
		_ = r.SendErrorEnvelope(fasthttp.StatusFailedDependency, "no phone configured for tenant", nil, "")
		return nil, errEnvelopeSent
	}
	return &whatsapp.Account{
		PhoneID:     phone.PhoneNumberID,
		BusinessID:  phone.BusinessID,
		APIVersion:  phone.APIVersion,
		AccessToken: phone.AccessToken,
	}, nil
}
