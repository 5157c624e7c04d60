package handlers

import (
	"github.com/wabroker/msgcore/internal/middleware"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
)

// GetKillSwitch returns the global kill-switch state.
func (a *App) GetKillSwitch(r *fastglue.Request) error {
	var ks models.KillSwitch
	if err := a.DB.First(&ks, "id = ?", models.KillSwitchSingletonID).Error; err != nil {
		return r.SendEnvelope(models.KillSwitch{ID: models.KillSwitchSingletonID, Active: false})
	}
	return r.SendEnvelope(ks)
}

// SetKillSwitchRequest toggles the global kill-switch.
type SetKillSwitchRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

// SetKillSwitch engages or disengages the global kill-switch, which blocks
// every tenant's campaign start/resume while active.
func (a *App) SetKillSwitch(r *fastglue.Request) error {
	var req SetKillSwitchRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "invalid request body", nil, "")
	}

	ks := models.KillSwitch{
		ID:      models.KillSwitchSingletonID,
		Active:  req.Active,
		Reason:  req.Reason,
		ActorID: middleware.GetActor(r),
	}
	if err := a.DB.Save(&ks).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to persist kill switch", nil, "")
	}
	a.Log.Warn("global kill switch updated", "active", ks.Active, "reason", ks.Reason, "actor", ks.ActorID)
	return r.SendEnvelope(ks)
}

// SetTenantKillSwitchRequest toggles a single tenant's kill switch.
type SetTenantKillSwitchRequest struct {
	Engaged bool   `json:"engaged"`
	Reason  string `json:"reason"`
}

// SetTenantKillSwitch engages or disengages one tenant's own safety gate,
// independent of the global switch.
func (a *App) SetTenantKillSwitch(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	var req SetTenantKillSwitchRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "invalid request body", nil, "")
	}
	if err := a.DB.Model(&models.Tenant{}).Where("id = ?", tenantID).Updates(map[string]interface{}{
		"kill_switch_engaged": req.Engaged,
		"kill_switch_reason":  req.Reason,
	}).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to update tenant kill switch", nil, "")
	}
	return r.SendEnvelope(map[string]interface{}{"kill_switch_engaged": req.Engaged})
}

// AssignPhoneRequest binds a Meta phone_number_id to the authenticated tenant.
type AssignPhoneRequest struct {
	PhoneNumberID string `json:"phone_number_id"`
	DisplayNumber string `json:"display_number"`
	BusinessID    string `json:"business_id"`
	AccessToken   string `json:"access_token"`
}

// AssignPhone registers or re-points a WhatsApp phone number at the
// authenticated tenant (internal/router owns the lookup cache invalidation).
func (a *App) AssignPhone(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	var req AssignPhoneRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "invalid request body", nil, "")
	}
	if req.PhoneNumberID == "" || req.AccessToken == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "phone_number_id and access_token are required", nil, "")
	}

	phone, err := a.Router.AssignPhone(r.RequestCtx, tenantID, req.PhoneNumberID, req.DisplayNumber, req.BusinessID, req.AccessToken)
	if err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to assign phone: "+err.Error(), nil, "")
	}
	return r.SendEnvelope(phone)
}

// UnassignPhone removes a phone_number_id's tenant binding.
func (a *App) UnassignPhone(r *fastglue.Request) error {
	phoneNumberID, _ := r.RequestCtx.UserValue("phone_number_id").(string)
	if err := a.Router.UnassignPhone(r.RequestCtx, phoneNumberID); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to unassign phone: "+err.Error(), nil, "")
	}
	return r.SendEnvelope(map[string]string{"status": "unassigned"})
}

// ListTenantPhones lists the authenticated tenant's connected phone numbers.
func (a *App) ListTenantPhones(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	var phones []models.TenantPhone
	if err := a.DB.Where("tenant_id = ?", tenantID).Find(&phones).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to list phones", nil, "")
	}
	return r.SendEnvelope(phones)
}
