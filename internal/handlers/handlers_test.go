package handlers

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wabroker/msgcore/internal/middleware"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/wabroker/msgcore/pkg/whatsapp"
	"github.com/wabroker/msgcore/test/testutil"
	"gorm.io/gorm"
)

func newTestApp(t *testing.T) (*App, *gorm.DB) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	return &App{
		DB:       db,
		Log:      testutil.NopLogger(),
		WhatsApp: whatsapp.New(testutil.NopLogger()),
	}, db
}

func TestHealthCheck(t *testing.T) {
	app := &App{}
	req := testutil.NewGETRequest(t)
	err := app.HealthCheck(req)
	require.NoError(t, err)

	var body map[string]string
	testutil.ParseEnvelopeResponse(t, req, &body)
	require.Equal(t, "ok", body["status"])
}

func TestListTemplates_RequiresTenant(t *testing.T) {
	app, _ := newTestApp(t)
	req := testutil.NewGETRequest(t)

	err := app.ListTemplates(req)
	require.NoError(t, err)
	require.Equal(t, 401, testutil.GetResponseStatusCode(req))
}

func TestListTemplates_ScopedToTenant(t *testing.T) {
	app, db := newTestApp(t)
	tenantA := uuid.New()
	tenantB := uuid.New()

	require.NoError(t, db.Create(&models.Template{
		TenantID: tenantA, Name: "order_confirm", Language: "en_US",
		Category: models.TemplateCategoryUtility, Status: models.TemplateStatusApproved,
	}).Error)
	require.NoError(t, db.Create(&models.Template{
		TenantID: tenantB, Name: "other_tenant_template", Language: "en_US",
		Category: models.TemplateCategoryUtility, Status: models.TemplateStatusApproved,
	}).Error)

	req := testutil.NewGETRequest(t)
	req.RequestCtx.SetUserValue(middleware.ContextKeyTenantID, tenantA)

	err := app.ListTemplates(req)
	require.NoError(t, err)

	var templates []models.Template
	testutil.ParseEnvelopeResponse(t, req, &templates)
	require.Len(t, templates, 1)
	require.Equal(t, "order_confirm", templates[0].Name)
}

func TestCountPlaceholders(t *testing.T) {
	require.Equal(t, 0, countPlaceholders("Hello there"))
	require.Equal(t, 2, countPlaceholders("Hi {{1}}, your order {{2}} shipped"))
}

func TestGetKillSwitch_DefaultsToInactive(t *testing.T) {
	app, _ := newTestApp(t)
	req := testutil.NewGETRequest(t)

	err := app.GetKillSwitch(req)
	require.NoError(t, err)

	var ks models.KillSwitch
	testutil.ParseEnvelopeResponse(t, req, &ks)
	require.False(t, ks.Active)
}

func TestSetKillSwitch_PersistsAndRoundTrips(t *testing.T) {
	app, _ := newTestApp(t)

	setReq := testutil.NewJSONRequest(t, SetKillSwitchRequest{Active: true, Reason: "incident-ramp"})
	require.NoError(t, app.SetKillSwitch(setReq))

	getReq := testutil.NewGETRequest(t)
	require.NoError(t, app.GetKillSwitch(getReq))

	var ks models.KillSwitch
	testutil.ParseEnvelopeResponse(t, getReq, &ks)
	require.True(t, ks.Active)
	require.Equal(t, "incident-ramp", ks.Reason)
}

func TestGetContact_NotFoundForOtherTenant(t *testing.T) {
	app, db := newTestApp(t)
	owner := uuid.New()
	requester := uuid.New()

	contact := models.Contact{TenantID: owner, PhoneNumber: "15551230000"}
	require.NoError(t, db.Create(&contact).Error)

	req := testutil.NewGETRequest(t)
	req.RequestCtx.SetUserValue(middleware.ContextKeyTenantID, requester)
	req.RequestCtx.SetUserValue("id", contact.ID.String())

	err := app.GetContact(req)
	require.NoError(t, err)
	require.Equal(t, 404, testutil.GetResponseStatusCode(req))
}
