// Package scheduler runs the periodic tick that promotes due work: a
// SCHEDULED campaign whose scheduled_at has arrived, and delayed queue
// jobs parked in the queue's sorted set until their fire time. Both are
// polling concerns with no event to subscribe to, so a plain ticker is the
// right tool rather than another Redis stream.
package scheduler

import (
	"context"
	"time"

	"github.com/wabroker/msgcore/internal/campaign"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/wabroker/msgcore/internal/queue"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// Scheduler ticks on an interval, promoting scheduled campaigns and
// draining the delayed-job sorted set.
type Scheduler struct {
	db        *gorm.DB
	campaigns *campaign.Service
	q         *queue.RedisQueue
	log       logf.Logger
	interval  time.Duration
}

func New(db *gorm.DB, campaigns *campaign.Service, q *queue.RedisQueue, log logf.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{db: db, campaigns: campaigns, q: q, log: log, interval: interval}
}

// Run blocks, ticking until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.promoteScheduledCampaigns(ctx); err != nil {
		s.log.Error("scheduler: promoting scheduled campaigns failed", "error", err)
	}

	promoted, err := s.q.Promote(ctx)
	if err != nil {
		s.log.Error("scheduler: promoting delayed jobs failed", "error", err)
	} else if promoted > 0 {
		s.log.Info("scheduler: promoted delayed jobs", "count", promoted)
	}
}

// promoteScheduledCampaigns starts every campaign whose scheduled_at has
// arrived. Start's own preflight/lock/safety checks are the gate: a
// campaign that fails them here just stays SCHEDULED and is retried next
// tick, rather than being force-started.
func (s *Scheduler) promoteScheduledCampaigns(ctx context.Context) error {
	var due []models.Campaign
	now := time.Now()
	if err := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.CampaignScheduled, now).
		Find(&due).Error; err != nil {
		return err
	}

	for _, c := range due {
		if _, err := s.campaigns.Start(ctx, c.ID, c.TenantID, "scheduler"); err != nil {
			s.log.Warn("scheduler: campaign not ready to start, will retry next tick", "campaign_id", c.ID, "error", err)
		}
	}
	return nil
}
