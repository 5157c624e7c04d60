// Package router resolves an inbound webhook's phone_number_id to the
// owning tenant (spec §4.10): the BSP multi-tenant lookup every webhook,
// send, and status sync passes through. A short-TTL Redis cache sits in
// front of the database lookup so a burst of webhook deliveries for one
// phone doesn't fan out into one query per callback; both hits and
// confirmed misses are cached, with the negative entry expiring sooner so
// a phone assigned moments after its first webhook is found quickly.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/wabroker/msgcore/internal/coreerrors"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// PositiveTTL and NegativeTTL bound how long a resolution, or its absence,
// is trusted before the database is consulted again.
const (
	PositiveTTL = 5 * time.Minute
	NegativeTTL = 15 * time.Second
)

const negativeMarker = "__absent__"

func cacheKey(phoneNumberID string) string {
	return "router:phone:" + phoneNumberID
}

// Router resolves phone_number_id -> TenantPhone, backed by Postgres and
// fronted by a Redis cache.
type Router struct {
	db  *gorm.DB
	rdb *redis.Client
	log logf.Logger
}

func New(db *gorm.DB, rdb *redis.Client, log logf.Logger) *Router {
	return &Router{db: db, rdb: rdb, log: log}
}

// ResolveTenant looks up the TenantPhone owning phoneNumberID, consulting
// the cache first. A cached negative short-circuits to
// KindPhoneNotConfigured without touching Postgres.
func (r *Router) ResolveTenant(ctx context.Context, phoneNumberID string) (*models.TenantPhone, error) {
	key := cacheKey(phoneNumberID)

	if cached, err := r.rdb.Get(ctx, key).Result(); err == nil {
		if cached == negativeMarker {
			return nil, coreerrors.New(coreerrors.KindPhoneNotConfigured, "phone_number_id %s not assigned to any tenant", phoneNumberID)
		}
		var phone models.TenantPhone
		if err := json.Unmarshal([]byte(cached), &phone); err == nil {
			return &phone, nil
		}
		r.log.Warn("router: discarding corrupt cache entry", "key", key)
	} else if !errors.Is(err, redis.Nil) {
		r.log.Warn("router: cache read failed, falling through to database", "error", err)
	}

	var phone models.TenantPhone
	err := r.db.WithContext(ctx).Where("phone_number_id = ?", phoneNumberID).First(&phone).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			r.setCache(ctx, key, negativeMarker, NegativeTTL)
			return nil, coreerrors.New(coreerrors.KindPhoneNotConfigured, "phone_number_id %s not assigned to any tenant", phoneNumberID)
		}
		return nil, fmt.Errorf("router: resolve %s: %w", phoneNumberID, err)
	}

	if payload, err := json.Marshal(phone); err == nil {
		r.setCache(ctx, key, string(payload), PositiveTTL)
	}
	return &phone, nil
}

func (r *Router) setCache(ctx context.Context, key, value string, ttl time.Duration) {
	if err := r.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		r.log.Warn("router: cache write failed", "key", key, "error", err)
	}
}

func (r *Router) invalidate(ctx context.Context, phoneNumberID string) {
	if err := r.rdb.Del(ctx, cacheKey(phoneNumberID)).Err(); err != nil {
		r.log.Warn("router: cache invalidation failed", "phone_number_id", phoneNumberID, "error", err)
	}
}

// AssignPhone creates or re-points a TenantPhone row to tenantID and
// invalidates any cached resolution for it, positive or negative.
func (r *Router) AssignPhone(ctx context.Context, tenantID uuid.UUID, phoneNumberID, displayNumber, businessID, accessToken string) (*models.TenantPhone, error) {
	var phone models.TenantPhone
	err := r.db.WithContext(ctx).Where("phone_number_id = ?", phoneNumberID).First(&phone).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		phone = models.TenantPhone{
			BaseModel:     models.BaseModel{ID: uuid.New()},
			TenantID:      tenantID,
			PhoneNumberID: phoneNumberID,
			DisplayNumber: displayNumber,
			BusinessID:    businessID,
			AccessToken:   accessToken,
			AccountStatus: models.AccountStatusPendingAuth,
			Tier:          models.Tier50,
			Quality:       models.QualityUnknown,
		}
		if err := r.db.WithContext(ctx).Create(&phone).Error; err != nil {
			return nil, fmt.Errorf("router: assign phone %s: %w", phoneNumberID, err)
		}
	case err != nil:
		return nil, fmt.Errorf("router: lookup phone %s: %w", phoneNumberID, err)
	default:
		updates := map[string]interface{}{
			"tenant_id":    tenantID,
			"display_number": displayNumber,
			"business_id":  businessID,
			"access_token": accessToken,
		}
		if err := r.db.WithContext(ctx).Model(&phone).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("router: reassign phone %s: %w", phoneNumberID, err)
		}
	}

	r.invalidate(ctx, phoneNumberID)
	return &phone, nil
}

// UnassignPhone deletes the routing row for phoneNumberID, invalidating its
// cache entry so the next lookup observes the removal immediately rather
// than waiting out a stale positive TTL.
func (r *Router) UnassignPhone(ctx context.Context, phoneNumberID string) error {
	if err := r.db.WithContext(ctx).Where("phone_number_id = ?", phoneNumberID).Delete(&models.TenantPhone{}).Error; err != nil {
		return fmt.Errorf("router: unassign phone %s: %w", phoneNumberID, err)
	}
	r.invalidate(ctx, phoneNumberID)
	return nil
}

// SyncStatus applies an account-status/quality/tier update (from a webhook
// account_update callback or a periodic Graph API poll) and invalidates the
// cache so readers observe the new health immediately.
func (r *Router) SyncStatus(ctx context.Context, phoneNumberID string, mutate func(*models.TenantPhone)) error {
	var phone models.TenantPhone
	if err := r.db.WithContext(ctx).Where("phone_number_id = ?", phoneNumberID).First(&phone).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return coreerrors.New(coreerrors.KindPhoneNotConfigured, "phone_number_id %s not assigned to any tenant", phoneNumberID)
		}
		return fmt.Errorf("router: load phone %s: %w", phoneNumberID, err)
	}

	mutate(&phone)

	if err := r.db.WithContext(ctx).Save(&phone).Error; err != nil {
		return fmt.Errorf("router: sync status for %s: %w", phoneNumberID, err)
	}
	r.invalidate(ctx, phoneNumberID)
	return nil
}
