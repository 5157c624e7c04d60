package handlers

import (
	"github.com/wabroker/msgcore/internal/middleware"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
)

// ListAutomationRules lists the tenant's rules.
func (a *App) ListAutomationRules(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	var rules []models.AutomationRule
	if err := a.DB.Where("tenant_id = ?", tenantID).Order("created_at DESC").Find(&rules).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to list rules", nil, "")
	}
	return r.SendEnvelope(rules)
}

// AutomationRuleRequest is the body for creating/updating a rule; its
// fields map directly onto models.AutomationRule's jsonb-stored shape.
type AutomationRuleRequest struct {
	Name              string               `json:"name"`
	Trigger           models.TriggerType   `json:"trigger"`
	Enabled           bool                 `json:"enabled"`
	Condition         models.JSONB         `json:"condition"`
	Actions           models.RuleActions   `json:"actions"`
	DailyExecutionCap int                  `json:"daily_execution_cap"`
}

// CreateAutomationRule creates a new rule.
func (a *App) CreateAutomationRule(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	var req AutomationRuleRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "invalid request body", nil, "")
	}
	if req.Name == "" || req.Trigger == "" {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "name and trigger are required", nil, "")
	}

	rule := models.AutomationRule{
		TenantID:          tenantID,
		Name:              req.Name,
		Trigger:           req.Trigger,
		Enabled:           req.Enabled,
		Condition:         req.Condition,
		Actions:           req.Actions,
		DailyExecutionCap: req.DailyExecutionCap,
	}
	if err := a.DB.Create(&rule).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to create rule", nil, "")
	}
	return r.SendEnvelope(rule)
}

// UpdateAutomationRule updates an existing rule's definition.
func (a *App) UpdateAutomationRule(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	id, err := parsePathUUID(r, "id", "automation rule")
	if err != nil {
		return nil
	}
	rule, err := findByIDAndTenant[models.AutomationRule](a.DB, r, id, tenantID, "automation rule")
	if err != nil {
		return nil
	}

	var req AutomationRuleRequest
	if err := r.Decode(&req, "json"); err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusBadRequest, "invalid request body", nil, "")
	}
	if err := a.DB.Model(rule).Updates(map[string]interface{}{
		"name":                req.Name,
		"trigger":             req.Trigger,
		"enabled":             req.Enabled,
		"condition":           req.Condition,
		"actions":             req.Actions,
		"daily_execution_cap": req.DailyExecutionCap,
	}).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to update rule", nil, "")
	}
	return r.SendEnvelope(rule)
}

// DeleteAutomationRule removes a rule.
func (a *App) DeleteAutomationRule(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	id, err := parsePathUUID(r, "id", "automation rule")
	if err != nil {
		return nil
	}
	if err := a.DB.Where("id = ? AND tenant_id = ?", id, tenantID).Delete(&models.AutomationRule{}).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to delete rule", nil, "")
	}
	return r.SendEnvelope(map[string]string{"status": "deleted"})
}
