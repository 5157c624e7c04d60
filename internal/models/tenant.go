package models

import (
	"time"

	"github.com/google/uuid"
)

// PlanTier names a billing plan; it gates the rate-limiter's daily/monthly
// caps (see internal/ratelimiter).
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanGrowth     PlanTier = "growth"
	PlanEnterprise PlanTier = "enterprise"
)

// AccountStatus mirrors Meta's WhatsApp Business Account health states.
type AccountStatus string

const (
	AccountStatusConnected    AccountStatus = "connected"
	AccountStatusRestricted   AccountStatus = "restricted"
	AccountStatusDisconnected AccountStatus = "disconnected"
	AccountStatusPendingAuth  AccountStatus = "pending_auth"
)

// MessagingTier is a ceiling on the number of distinct recipients a phone
// may message in a rolling 24-hour window.
type MessagingTier string

const (
	Tier50        MessagingTier = "tier_50"
	Tier250       MessagingTier = "tier_250"
	Tier1K        MessagingTier = "tier_1k"
	Tier10K       MessagingTier = "tier_10k"
	Tier100K      MessagingTier = "tier_100k"
	TierUnlimited MessagingTier = "tier_unlimited"
)

// TierDailyCap returns the 24-hour distinct-recipient cap for a tier, or
// (0, false) for TierUnlimited, which has none.
func TierDailyCap(t MessagingTier) (int, bool) {
	switch t {
	case Tier50:
		return 50, true
	case Tier250:
		return 250, true
	case Tier1K:
		return 1000, true
	case Tier10K:
		return 10000, true
	case Tier100K:
		return 100000, true
	default:
		return 0, false
	}
}

// QualityRating is Meta's per-phone-number quality signal.
type QualityRating string

const (
	QualityGreen   QualityRating = "green"
	QualityYellow  QualityRating = "yellow"
	QualityRed     QualityRating = "red"
	QualityUnknown QualityRating = "unknown"
)

// Tenant is a workspace: the unit of billing, isolation, and rate limiting.
type Tenant struct {
	BaseModel
	Name string   `gorm:"not null" json:"name"`
	Plan PlanTier `gorm:"type:varchar(20);not null;default:'free'" json:"plan"`

	// KillSwitchEngaged stops all outbound sends for the tenant when true,
	// independent of any individual campaign's status.
	KillSwitchEngaged bool   `gorm:"not null;default:false" json:"kill_switch_engaged"`
	KillSwitchReason  string `json:"kill_switch_reason,omitempty"`

	Phones []TenantPhone `gorm:"foreignKey:TenantID" json:"phones,omitempty"`
}

// TenantPhone is one WhatsApp Business phone number owned by a tenant,
// tracked by the BSP router (internal/router) for phone-number-id lookup.
type TenantPhone struct {
	BaseModel
	TenantID uuid.UUID `gorm:"type:uuid;not null;index" json:"tenant_id"`

	PhoneNumberID string        `gorm:"uniqueIndex;not null" json:"phone_number_id"`
	DisplayNumber string        `json:"display_number"`
	BusinessID    string        `gorm:"not null" json:"business_id"`
	AccessToken   string        `gorm:"not null" json:"-"`
	APIVersion    string        `gorm:"default:'v19.0'" json:"api_version"`

	AccountStatus AccountStatus `gorm:"type:varchar(20);not null;default:'pending_auth'" json:"account_status"`
	Tier          MessagingTier `gorm:"type:varchar(20);not null;default:'tier_50'" json:"tier"`
	Quality       QualityRating `gorm:"type:varchar(10);not null;default:'unknown'" json:"quality"`

	// AccessTokenExpiresAt, AccountBlocked and CapabilityBlocked feed the
	// BSP-connected check (see IsBSPConnected).
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
	AccountBlocked       bool      `gorm:"not null;default:false" json:"account_blocked"`
	CapabilityBlocked    bool      `gorm:"not null;default:false" json:"capability_blocked"`
}

// IsBSPConnected reports whether this phone can be the source of outbound
// messages: phone-number id and access token present, token not expired,
// no blocked flag, and account status connected.
func (p *TenantPhone) IsBSPConnected(now time.Time) bool {
	if p.PhoneNumberID == "" || p.AccessToken == "" {
		return false
	}
	if p.AccountBlocked || p.CapabilityBlocked {
		return false
	}
	if !p.AccessTokenExpiresAt.IsZero() && !p.AccessTokenExpiresAt.After(now) {
		return false
	}
	return p.AccountStatus == AccountStatusConnected
}

// PlanDailyCap and PlanMonthlyCap return the default per-plan message caps
// named in the rate limiter's contract. They are fixed per plan;
// internal/config has no per-tenant override for them.
func PlanDailyCap(p PlanTier) (int, bool) {
	switch p {
	case PlanFree:
		return 1000, true
	case PlanStarter:
		return 10000, true
	case PlanGrowth:
		return 100000, true
	default: // PlanEnterprise
		return 0, false
	}
}

func PlanMonthlyCap(p PlanTier) (int, bool) {
	switch p {
	case PlanFree:
		return 20000, true
	case PlanStarter:
		return 200000, true
	case PlanGrowth:
		return 2000000, true
	default:
		return 0, false
	}
}
