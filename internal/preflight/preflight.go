// Package preflight runs the ordered validation checks a campaign must
// pass before it is enqueued for execution (spec §4.3).
package preflight

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/wabroker/msgcore/internal/models"
	"gorm.io/gorm"
)

// CheckName identifies one of the six ordered checks.
type CheckName string

const (
	CheckTemplate        CheckName = "template"
	CheckRecipients      CheckName = "recipients"
	CheckAccountHealth   CheckName = "account_health"
	CheckPhoneTier       CheckName = "phone_tier"
	CheckWorkspaceLimits CheckName = "workspace_limits"
	CheckEstimates       CheckName = "estimates"
)

// Issue is one error or warning produced by a check.
type Issue struct {
	Check   CheckName `json:"check"`
	Message string    `json:"message"`
}

// Estimates are the computed batch/duration projections.
type Estimates struct {
	RecipientCount    int           `json:"recipient_count"`
	BatchCount        int           `json:"batch_count"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

// CheckReport is the preflight validator's full result.
type CheckReport struct {
	Valid     bool      `json:"valid"`
	Errors    []Issue   `json:"errors"`
	Warnings  []Issue   `json:"warnings"`
	Estimates Estimates `json:"estimates"`
	Checks    []CheckName `json:"checks"`

	// ResolvedContactIDs is the opted-in, deduplicated recipient set
	// resolved during the Recipients check, handed to the campaign-start
	// job handler so it does not re-resolve (and potentially diverge).
	ResolvedContactIDs []uuid.UUID `json:"-"`
}

func (r *CheckReport) addError(check CheckName, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{Check: check, Message: fmt.Sprintf(format, args...)})
	r.Valid = false
}

func (r *CheckReport) addWarning(check CheckName, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{Check: check, Message: fmt.Sprintf(format, args...)})
}

const (
	maxRecipients     = 1_000_000
	defaultBatchSize  = 50
	effectivePerSecondRate = 15 // conservative interleave of provider + rate-limit waits
)

// Validator runs the ordered preflight checks.
type Validator struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Validator {
	return &Validator{db: db}
}

// Run validates a campaign prior to start/resume against the template,
// the recipient spec taken from the campaign row, and the tenant's account
// health. Start and resume pass the same spec, and Run always resolves
// recipients fresh, so resume is re-validated against current opt-outs
// (spec §4.6). A batchSize of zero or less falls back to defaultBatchSize.
func (v *Validator) Run(ctx context.Context, tenantID, templateID uuid.UUID, spec models.RecipientSpec, batchSize int) (*CheckReport, error) {
	report := &CheckReport{Valid: true}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	template, _ := v.checkTemplate(ctx, report, tenantID, templateID)
	contactIDs := v.checkRecipients(ctx, report, tenantID, spec)
	tenant, phone := v.checkAccountHealth(ctx, report, tenantID)

	if phone != nil {
		v.checkPhoneTier(report, phone, len(contactIDs))
	}

	if tenant != nil {
		v.checkWorkspaceLimits(ctx, report, tenant, len(contactIDs))
	}

	v.computeEstimates(report, len(contactIDs), batchSize)

	_ = template
	report.Checks = []CheckName{CheckTemplate, CheckRecipients, CheckAccountHealth, CheckPhoneTier, CheckWorkspaceLimits, CheckEstimates}
	report.ResolvedContactIDs = contactIDs
	return report, nil
}

func (v *Validator) checkTemplate(ctx context.Context, report *CheckReport, tenantID, templateID uuid.UUID) (*models.Template, bool) {
	var tmpl models.Template
	err := v.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", templateID, tenantID).First(&tmpl).Error
	if err != nil {
		report.addError(CheckTemplate, "template %s not found", templateID)
		return nil, false
	}
	if tmpl.Status != models.TemplateStatusApproved {
		report.addError(CheckTemplate, "template %s is %s, not APPROVED", tmpl.Name, tmpl.Status)
		return &tmpl, false
	}
	return &tmpl, true
}

func (v *Validator) checkRecipients(ctx context.Context, report *CheckReport, tenantID uuid.UUID, spec models.RecipientSpec) []uuid.UUID {
	var contactIDs []uuid.UUID

	switch spec.Kind {
	case models.RecipientSpecStaticList:
		contactIDs = spec.ContactIDs
	case models.RecipientSpecAll:
		var ids []uuid.UUID
		v.db.WithContext(ctx).Model(&models.Contact{}).
			Where("tenant_id = ? AND opt_status != ?", tenantID, models.OptStatusUnsubscribed).
			Pluck("id", &ids)
		contactIDs = ids
	case models.RecipientSpecTags, models.RecipientSpecSegment, models.RecipientSpecPredicate:
		// Tag/segment/predicate resolution is delegated to the external
		// CRM collaborator (out of scope); the core trusts the resolved
		// contact id list it is handed at campaign-start time, so treat
		// any supplied ContactIDs as already-resolved.
		contactIDs = spec.ContactIDs
	default:
		report.addError(CheckRecipients, "unknown recipient spec kind %q", spec.Kind)
		return nil
	}

	if len(contactIDs) == 0 {
		report.addError(CheckRecipients, "resolved recipient set is empty")
		return nil
	}

	optedIn := filterOptedOut(v.db, ctx, tenantID, contactIDs)
	if len(optedIn) == 0 {
		report.addError(CheckRecipients, "all resolved recipients are opted out")
		return nil
	}
	if len(optedIn) > maxRecipients {
		report.addError(CheckRecipients, "recipient count %d exceeds maximum %d", len(optedIn), maxRecipients)
		return nil
	}
	return optedIn
}

func filterOptedOut(db *gorm.DB, ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}
	var allowed []uuid.UUID
	db.WithContext(ctx).Model(&models.Contact{}).
		Where("tenant_id = ? AND id IN ? AND opt_status != ?", tenantID, ids, models.OptStatusUnsubscribed).
		Pluck("id", &allowed)
	return allowed
}

func (v *Validator) checkAccountHealth(ctx context.Context, report *CheckReport, tenantID uuid.UUID) (*models.Tenant, *models.TenantPhone) {
	var tenant models.Tenant
	if err := v.db.WithContext(ctx).First(&tenant, "id = ?", tenantID).Error; err != nil {
		report.addError(CheckAccountHealth, "tenant %s not found", tenantID)
		return nil, nil
	}
	if tenant.KillSwitchEngaged {
		report.addError(CheckAccountHealth, "tenant kill-switch engaged: %s", tenant.KillSwitchReason)
	}

	var phone models.TenantPhone
	if err := v.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&phone).Error; err != nil {
		report.addError(CheckAccountHealth, "no phone configured for tenant %s", tenantID)
		return &tenant, nil
	}

	now := time.Now()
	if phone.AccountBlocked {
		report.addError(CheckAccountHealth, "account blocked")
	}
	if phone.CapabilityBlocked {
		report.addError(CheckAccountHealth, "account capability-blocked")
	}
	if !phone.AccessTokenExpiresAt.IsZero() && !phone.AccessTokenExpiresAt.After(now) {
		report.addError(CheckAccountHealth, "access token expired at %s", phone.AccessTokenExpiresAt)
	} else if !phone.AccessTokenExpiresAt.IsZero() && phone.AccessTokenExpiresAt.Before(now.Add(24*time.Hour)) {
		report.addWarning(CheckAccountHealth, "access token expires within 24h (%s)", phone.AccessTokenExpiresAt)
	}
	if !phone.IsBSPConnected(now) {
		report.addError(CheckAccountHealth, "tenant phone %s is not BSP-connected", phone.PhoneNumberID)
	}
	return &tenant, &phone
}

func (v *Validator) checkPhoneTier(report *CheckReport, phone *models.TenantPhone, recipientCount int) {
	switch phone.Quality {
	case models.QualityRed:
		report.addError(CheckPhoneTier, "phone quality rating is RED")
	case models.QualityYellow:
		report.addWarning(CheckPhoneTier, "phone quality rating is YELLOW")
	}

	if cap, ok := models.TierDailyCap(phone.Tier); ok {
		if recipientCount > cap {
			report.addError(CheckPhoneTier, "recipient count %d exceeds tier %s cap %d", recipientCount, phone.Tier, cap)
		} else if float64(recipientCount) >= 0.8*float64(cap) {
			report.addWarning(CheckPhoneTier, "recipient count %d is at or above 80%% of tier %s cap %d", recipientCount, phone.Tier, cap)
		}
	}
}

func (v *Validator) checkWorkspaceLimits(ctx context.Context, report *CheckReport, tenant *models.Tenant, recipientCount int) {
	dailyCap, hasDailyCap := models.PlanDailyCap(tenant.Plan)
	monthlyCap, hasMonthlyCap := models.PlanMonthlyCap(tenant.Plan)

	dailyUsed := v.countRecentSends(ctx, tenant.ID, 24*time.Hour)
	monthlyUsed := v.countRecentSends(ctx, tenant.ID, 30*24*time.Hour)

	if hasDailyCap {
		remaining := dailyCap - dailyUsed
		if recipientCount > remaining {
			report.addError(CheckWorkspaceLimits, "recipient count %d exceeds remaining daily quota %d", recipientCount, remaining)
		} else if remaining > 0 && float64(remaining-recipientCount) < 0.10*float64(recipientCount) {
			report.addWarning(CheckWorkspaceLimits, "daily quota remainder after this campaign would be under 10%% of its size")
		}
	}
	if hasMonthlyCap {
		remaining := monthlyCap - monthlyUsed
		if recipientCount > remaining {
			report.addError(CheckWorkspaceLimits, "recipient count %d exceeds remaining monthly quota %d", recipientCount, remaining)
		} else if remaining > 0 && float64(remaining-recipientCount) < 0.10*float64(recipientCount) {
			report.addWarning(CheckWorkspaceLimits, "monthly quota remainder after this campaign would be under 10%% of its size")
		}
	}
}

func (v *Validator) countRecentSends(ctx context.Context, tenantID uuid.UUID, window time.Duration) int {
	var count int64
	v.db.WithContext(ctx).Model(&models.Message{}).
		Where("tenant_id = ? AND direction = ? AND sent_at > ?", tenantID, models.DirectionOutbound, time.Now().Add(-window)).
		Count(&count)
	return int(count)
}

func (v *Validator) computeEstimates(report *CheckReport, recipientCount, batchSize int) {
	batchCount := int(math.Ceil(float64(recipientCount) / float64(batchSize)))
	seconds := float64(recipientCount) / float64(effectivePerSecondRate)
	report.Estimates = Estimates{
		RecipientCount:    recipientCount,
		BatchCount:        batchCount,
		EstimatedDuration: time.Duration(seconds) * time.Second,
	}
}
