// Package ratelimiter implements per-tenant/phone fixed-window counters and
// the per-campaign consecutive-failure/backoff tracker (spec §4.2), backed
// by Redis INCR+EXPIRE counters.
package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/zerodha/logf"
)

// ExceededLevel names which window was exhausted.
type ExceededLevel string

const (
	ExceededNone   ExceededLevel = ""
	ExceededSecond ExceededLevel = "second"
	ExceededMinute ExceededLevel = "minute"
	ExceededDay    ExceededLevel = "day"
	ExceededMonth  ExceededLevel = "month"
)

// CheckResult is the outcome of a rate-limiter permission check.
type CheckResult struct {
	Allowed          bool
	RetryAfterSeconds int
	ExceededLevel    ExceededLevel
}

// Caps is the set of window caps in effect for one check, resolved from
// plan + tier (see ResolveCaps).
type Caps struct {
	PerSecond  int
	PerMinute  int
	PerDay     int // 0 = unlimited
	PerMonth   int // 0 = unlimited
}

// AutoPauseThresholds are the tunables behind the auto-pause rule (spec §9
// Open Question: both consecutive-failures and failure-rate are exposed).
type AutoPauseThresholds struct {
	ConsecutiveFailures int
	FailureRateThreshold float64
	MinProcessed         int
}

// DefaultThresholds matches the literal numbers in spec.md §4.2/§8.
var DefaultThresholds = AutoPauseThresholds{
	ConsecutiveFailures:  10,
	FailureRateThreshold: 0.30,
	MinProcessed:         50,
}

// Limiter is the rate limiter & backoff tracker.
type Limiter struct {
	rdb        *redis.Client
	log        logf.Logger
	thresholds AutoPauseThresholds
}

func New(rdb *redis.Client, log logf.Logger, thresholds AutoPauseThresholds) *Limiter {
	if thresholds == (AutoPauseThresholds{}) {
		thresholds = DefaultThresholds
	}
	return &Limiter{rdb: rdb, log: log, thresholds: thresholds}
}

// ResolveCaps resolves the effective caps for a (plan, tier) pair, applying
// the plan's daily/monthly caps and the messaging tier's 24h recipient cap
// as the daily ceiling when it is stricter.
func ResolveCaps(plan models.PlanTier, tier models.MessagingTier) Caps {
	c := Caps{PerSecond: 50, PerMinute: 1000}
	if daily, ok := models.PlanDailyCap(plan); ok {
		c.PerDay = daily
	}
	if monthly, ok := models.PlanMonthlyCap(plan); ok {
		c.PerMonth = monthly
	}
	if tierCap, ok := models.TierDailyCap(tier); ok {
		if c.PerDay == 0 || tierCap < c.PerDay {
			c.PerDay = tierCap
		}
	}
	return c
}

type windowKey struct {
	level  ExceededLevel
	key    string
	limit  int
	expiry time.Duration
}

func windowKeys(prefix string, caps Caps, now time.Time) []windowKey {
	var ws []windowKey
	if caps.PerSecond > 0 {
		ws = append(ws, windowKey{ExceededSecond, fmt.Sprintf("%s:second:%d", prefix, now.Unix()), caps.PerSecond, 2 * time.Second})
	}
	if caps.PerMinute > 0 {
		ws = append(ws, windowKey{ExceededMinute, fmt.Sprintf("%s:minute:%s", prefix, now.Format("200601021504")), caps.PerMinute, 90 * time.Second})
	}
	if caps.PerDay > 0 {
		ws = append(ws, windowKey{ExceededDay, fmt.Sprintf("%s:day:%s", prefix, now.Format("20060102")), caps.PerDay, 25 * time.Hour})
	}
	if caps.PerMonth > 0 {
		ws = append(ws, windowKey{ExceededMonth, fmt.Sprintf("%s:month:%s", prefix, now.Format("200601")), caps.PerMonth, 32 * 24 * time.Hour})
	}
	return ws
}

// Check increments the tenant/phone usage counters and reports whether the
// send is within all configured windows. On denial, no counter already
// incremented beyond its cap is rolled back — callers must not call Check
// again for the same send after a denial (it is a permission check, not a
// charge that can be undone, matching Redis INCR+EXPIRE's idempotency
// characteristics described in spec.md §4.2).
func (l *Limiter) Check(ctx context.Context, tenantID, phoneNumberID string, caps Caps) (CheckResult, error) {
	now := time.Now()
	tenantPrefix := fmt.Sprintf("rate:tenant:%s", tenantID)
	phonePrefix := fmt.Sprintf("rate:phone:%s", phoneNumberID)

	for _, prefix := range []string{tenantPrefix, phonePrefix} {
		for _, w := range windowKeys(prefix, caps, now) {
			count, err := l.incrWithExpiry(ctx, w.key, w.expiry)
			if err != nil {
				return CheckResult{}, err
			}
			if count > int64(w.limit) {
				retryAfter := secondsUntilWindowReset(w.level, now)
				l.log.Info("rate limit exceeded", "key", w.key, "level", w.level, "count", count, "limit", w.limit)
				return CheckResult{Allowed: false, RetryAfterSeconds: retryAfter, ExceededLevel: w.level}, nil
			}
		}
	}
	return CheckResult{Allowed: true}, nil
}

func (l *Limiter) incrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("ratelimiter: incr %s: %w", key, err)
	}
	return incr.Val(), nil
}

func secondsUntilWindowReset(level ExceededLevel, now time.Time) int {
	switch level {
	case ExceededSecond:
		return 1
	case ExceededMinute:
		return 60 - now.Second()
	case ExceededDay:
		end := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		return int(end.Sub(now).Seconds())
	case ExceededMonth:
		end := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
		return int(end.Sub(now).Seconds())
	default:
		return 1
	}
}

func backoffKey(campaignID string) string {
	return fmt.Sprintf("campaign:backoff:%s", campaignID)
}

// RecordRateLimitHit sets the Redis backoff timestamp consulted by
// ShouldWaitForBackoff. Consecutive-failure counts are not kept here;
// campaigns persist them (see internal/campaign).
func (l *Limiter) RecordRateLimitHit(ctx context.Context, campaignID string, retryAfter time.Duration) error {
	until := time.Now().Add(retryAfter)
	if err := l.rdb.Set(ctx, backoffKey(campaignID), until.UnixMilli(), retryAfter+time.Second).Err(); err != nil {
		return fmt.Errorf("ratelimiter: set backoff %s: %w", campaignID, err)
	}
	return nil
}

// BackoffResult is the outcome of ShouldWaitForBackoff.
type BackoffResult struct {
	ShouldWait bool
	WaitMs     int64
}

// ShouldWaitForBackoff reports whether a campaign is still within a
// provider-imposed backoff window from a prior 429/RATE_LIMIT-class error.
func (l *Limiter) ShouldWaitForBackoff(ctx context.Context, campaignID string) (BackoffResult, error) {
	val, err := l.rdb.Get(ctx, backoffKey(campaignID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return BackoffResult{}, nil
		}
		return BackoffResult{}, fmt.Errorf("ratelimiter: get backoff %s: %w", campaignID, err)
	}
	until := time.UnixMilli(val)
	remaining := time.Until(until)
	if remaining <= 0 {
		return BackoffResult{}, nil
	}
	return BackoffResult{ShouldWait: true, WaitMs: remaining.Milliseconds()}, nil
}

// EvaluateAutoPause applies the auto-pause rule: consecutive failures over
// threshold OR cumulative failure rate over threshold once enough messages
// have been processed.
func (l *Limiter) EvaluateAutoPause(consecutiveFailures int, sent, failed int) (shouldPause bool, reason string) {
	if consecutiveFailures >= l.thresholds.ConsecutiveFailures {
		return true, "consecutive_failures"
	}
	processed := sent + failed
	if processed >= l.thresholds.MinProcessed {
		rate := float64(failed) / float64(processed)
		if rate >= l.thresholds.FailureRateThreshold {
			return true, "failure_rate"
		}
	}
	return false, ""
}
