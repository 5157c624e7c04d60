package handlers

import (
	"time"

	"github.com/google/uuid"
	"github.com/wabroker/msgcore/internal/coreerrors"
	"github.com/wabroker/msgcore/internal/middleware"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
)

// CreateCampaignRequest is the body for creating a campaign.
type CreateCampaignRequest struct {
	Name            string                 `json:"name"`
	TemplateID      uuid.UUID              `json:"template_id"`
	RecipientSpec   CampaignRecipientSpec  `json:"recipient_spec"`
	VariableMapping map[string]string      `json:"variable_mapping"`
	ScheduledAt     *time.Time             `json:"scheduled_at,omitempty"`
}

// CampaignRecipientSpec mirrors models.RecipientSpec for request decoding.
type CampaignRecipientSpec struct {
	Kind       string      `json:"kind"`
	ContactIDs []uuid.UUID `json:"contact_ids,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	SegmentID  string      `json:"segment_id,omitempty"`
}

// ListCampaigns lists the tenant's campaigns, optionally filtered by status.
func (a *App) ListCampaigns(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}

	status := string(r.RequestCtx.QueryArgs().Peek("status"))
	query := a.DB.Where("tenant_id = ?", tenantID).Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var campaigns []models.Campaign
	if err := query.Find(&campaigns).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to list campaigns", nil, "")
	}
	return r.SendEnvelope(campaigns)
}

// GetCampaign returns one campaign by ID.
func (a *App) GetCampaign(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	id, err := parsePathUUID(r, "id", "campaign")
	if err != nil {
		return nil
	}
	c, err := findByIDAndTenant[models.Campaign](a.DB, r, id, tenantID, "campaign")
	if err != nil {
		return nil
	}
	return r.SendEnvelope(c)
}

// CreateCampaign validates and persists a new campaign as DRAFT or
// SCHEDULED (campaign.Service.Create runs template-approval checks).
func (a *App) CreateCampaign(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}

	var req CreateCampaignRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "invalid request body", nil, "")
	}
	if req.Name == "" || req.TemplateID == uuid.Nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "name and template_id are required", nil, "")
	}

	spec := models.RecipientSpec{
		Kind:       models.RecipientSpecKind(req.RecipientSpec.Kind),
		ContactIDs: req.RecipientSpec.ContactIDs,
		Tags:       req.RecipientSpec.Tags,
		SegmentID:  req.RecipientSpec.SegmentID,
	}
	mapping := models.VariableMapping(req.VariableMapping)

	c, err := a.Campaigns.Create(r.RequestCtx, tenantID, req.TemplateID, req.Name, spec, mapping, req.ScheduledAt, middleware.GetActor(r))
	if err != nil {
		return sendCoreError(r, err)
	}
	return r.SendEnvelope(c)
}

// StartCampaign runs preflight and transitions DRAFT/SCHEDULED -> RUNNING.
func (a *App) StartCampaign(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	id, err := parsePathUUID(r, "id", "campaign")
	if err != nil {
		return nil
	}
	report, startErr := a.Campaigns.Start(r.RequestCtx, id, tenantID, middleware.GetActor(r))
	if startErr != nil {
		return sendCoreError(r, startErr)
	}
	return r.SendEnvelope(report)
}

// PauseCampaignRequest is the body for a user-initiated pause.
type PauseCampaignRequest struct {
	Reason string `json:"reason"`
}

// PauseCampaign transitions RUNNING -> PAUSED.
func (a *App) PauseCampaign(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	id, err := parsePathUUID(r, "id", "campaign")
	if err != nil {
		return nil
	}
	var req PauseCampaignRequest
	_ = r.Decode(&req, "json")
	reason := models.PauseUserPaused
	if req.Reason == "" {
		req.Reason = string(reason)
	}
	if err := a.Campaigns.Pause(r.RequestCtx, id, tenantID, middleware.GetActor(r), models.PauseReason(req.Reason)); err != nil {
		return sendCoreError(r, err)
	}
	return r.SendEnvelope(map[string]string{"status": "paused"})
}

// ResumeCampaign transitions PAUSED -> RUNNING, re-enqueueing resumable
// batches only.
func (a *App) ResumeCampaign(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	id, err := parsePathUUID(r, "id", "campaign")
	if err != nil {
		return nil
	}
	if err := a.Campaigns.Resume(r.RequestCtx, id, tenantID, middleware.GetActor(r)); err != nil {
		return sendCoreError(r, err)
	}
	return r.SendEnvelope(map[string]string{"status": "resumed"})
}

// CancelCampaign fails a campaign outright (cancellation is modeled as a
// user-initiated failure, since there is no separate CANCELLED state).
func (a *App) CancelCampaign(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	id, err := parsePathUUID(r, "id", "campaign")
	if err != nil {
		return nil
	}
	if _, err := findByIDAndTenant[models.Campaign](a.DB, r, id, tenantID, "campaign"); err != nil {
		return nil
	}
	if err := a.Campaigns.Fail(r.RequestCtx, id, "cancelled_by_"+middleware.GetActor(r)); err != nil {
		return sendCoreError(r, err)
	}
	return r.SendEnvelope(map[string]string{"status": "cancelled"})
}

// GetCampaignProgress returns the campaign's rollup counters, computed
// rates, per-batch-status queue counts, and timing.
func (a *App) GetCampaignProgress(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	id, err := parsePathUUID(r, "id", "campaign")
	if err != nil {
		return nil
	}
	c, err := findByIDAndTenant[models.Campaign](a.DB, r, id, tenantID, "campaign")
	if err != nil {
		return nil
	}

	var batchCounts []struct {
		Status models.BatchStatus
		Count  int64
	}
	if err := a.DB.Model(&models.CampaignBatch{}).
		Select("status, count(*) as count").
		Where("campaign_id = ?", id).
		Group("status").
		Scan(&batchCounts).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to load batch counts", nil, "")
	}
	queueCounts := make(map[models.BatchStatus]int64, len(batchCounts))
	for _, bc := range batchCounts {
		queueCounts[bc.Status] = bc.Count
	}

	return r.SendEnvelope(map[string]interface{}{
		"status":       c.Status,
		"totals":       c.Totals,
		"batching":     c.Batching,
		"failure":      c.Failure,
		"rates":        campaignRates(c.Totals),
		"queue_counts": queueCounts,
		"timing": map[string]interface{}{
			"scheduled_at": c.ScheduledAt,
			"started_at":   c.StartedAt,
			"paused_at":    c.PausedAt,
			"completed_at": c.CompletedAt,
		},
	})
}

// campaignRates computes the status-endpoint's rate trio from the
// campaign's rollup totals, guarding every divisor against zero.
func campaignRates(t models.CampaignTotals) map[string]float64 {
	rates := map[string]float64{"delivery_rate": 0, "read_rate": 0, "failure_rate": 0}
	if t.Sent > 0 {
		rates["delivery_rate"] = float64(t.Delivered) / float64(t.Sent)
	}
	if t.Delivered > 0 {
		rates["read_rate"] = float64(t.Read) / float64(t.Delivered)
	}
	if denom := t.Sent + t.Failed; denom > 0 {
		rates["failure_rate"] = float64(t.Failed) / float64(denom)
	}
	return rates
}

// sendCoreError maps a coreerrors.CoreError to an HTTP status, falling back
// to 500 for anything unclassified.
func sendCoreError(r *fastglue.Request, err error) error {
	ce, ok := coreerrors.As(err)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, err.Error(), nil, "")
	}
	status := fasthttp.StatusInternalServerError
	switch ce.Kind() {
	case coreerrors.KindCampaignNotFound, coreerrors.KindTemplateNotFound, coreerrors.KindPhoneNotConfigured:
		status = fasthttp.StatusNotFound
	case coreerrors.KindInvalidStatus, coreerrors.KindTemplateNotApproved, coreerrors.KindPreflightFailed, coreerrors.KindNo24HWindow:
		status = fasthttp.StatusUnprocessableEntity
	case coreerrors.KindCampaignAlreadyRunning:
		status = fasthttp.StatusConflict
	case coreerrors.KindKillSwitchActive, coreerrors.KindWorkspaceUnsafe, coreerrors.KindWorkspaceNotConfigured:
		status = fasthttp.StatusForbidden
	}
	return r.SendErrorEnvelope(status, ce.Error(), ce.Detail, string(ce.Kind()))
}
