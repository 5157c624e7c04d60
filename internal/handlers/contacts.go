package handlers

import (
	"github.com/wabroker/msgcore/internal/middleware"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
)

// ListContacts lists the tenant's contacts, paginated.
func (a *App) ListContacts(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	pg := parsePagination(r)

	var contacts []models.Contact
	var total int64
	query := a.DB.Model(&models.Contact{}).Where("tenant_id = ?", tenantID)
	query.Count(&total)
	if err := query.Order("created_at DESC").Offset(pg.Offset).Limit(pg.Limit).Find(&contacts).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to list contacts", nil, "")
	}
	return r.SendEnvelope(map[string]interface{}{
		"data":  contacts,
		"total": total,
		"page":  pg.Page,
		"limit": pg.Limit,
	})
}

// GetContact returns a single contact with its open conversation, if any.
func (a *App) GetContact(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	id, err := parsePathUUID(r, "id", "contact")
	if err != nil {
		return nil
	}
	contact, err := findByIDAndTenant[models.Contact](a.DB, r, id, tenantID, "contact")
	if err != nil {
		return nil
	}

	var conv models.Conversation
	hasConv := a.DB.Where("tenant_id = ? AND contact_id = ?", tenantID, contact.ID).First(&conv).Error == nil

	resp := map[string]interface{}{"contact": contact}
	if hasConv {
		resp["conversation"] = conv
	}
	return r.SendEnvelope(resp)
}

// GetContactMessages returns a contact's message history, newest first.
func (a *App) GetContactMessages(r *fastglue.Request) error {
	tenantID, ok := middleware.GetTenantID(r)
	if !ok {
		return r.SendErrorEnvelope(fasthttp.StatusUnauthorized, "unauthorized", nil, "")
	}
	id, err := parsePathUUID(r, "id", "contact")
	if err != nil {
		return nil
	}
	pg := parsePagination(r)

	var messages []models.Message
	if err := a.DB.Where("tenant_id = ? AND contact_id = ?", tenantID, id).
		Order("created_at DESC").Offset(pg.Offset).Limit(pg.Limit).Find(&messages).Error; err != nil {
		return r.SendErrorEnvelope(fasthttp.StatusInternalServerError, "failed to list messages", nil, "")
	}
	return r.SendEnvelope(messages)
}
