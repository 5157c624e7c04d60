// Package campaign implements the campaign execution service (spec §4.6):
// the central orchestrator tying together the lock, rate limiter,
// preflight validator, queue, and send pipeline into campaign
// create/start/pause/resume/complete/fail operations and their job
// handlers.
package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wabroker/msgcore/internal/coreerrors"
	"github.com/wabroker/msgcore/internal/lock"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/wabroker/msgcore/internal/preflight"
	"github.com/wabroker/msgcore/internal/queue"
	"github.com/wabroker/msgcore/internal/ratelimiter"
	"github.com/wabroker/msgcore/internal/sendpipeline"
	"github.com/zerodha/logf"
	"gorm.io/gorm"
)

// DefaultBatchSize and BatchStagger match spec §4.6.1's "≈2s between batch
// starts" and the default batch size used across preflight's estimates.
const (
	DefaultBatchSize    = 50
	BatchStagger        = 2 * time.Second
	CompletionCheckGrace = 30 * time.Second
	BatchStaleAfter     = 10 * time.Minute
)

// Service is the campaign execution service.
type Service struct {
	db         *gorm.DB
	lock       *lock.Service
	limiter    *ratelimiter.Limiter
	preflight  *preflight.Validator
	q          *queue.RedisQueue
	pipeline   *sendpipeline.Pipeline
	log        logf.Logger
}

func New(db *gorm.DB, lockSvc *lock.Service, limiter *ratelimiter.Limiter, validator *preflight.Validator, q *queue.RedisQueue, pipeline *sendpipeline.Pipeline, log logf.Logger) *Service {
	return &Service{db: db, lock: lockSvc, limiter: limiter, preflight: validator, q: q, pipeline: pipeline, log: log}
}

func ownerID(campaignID uuid.UUID) string {
	return "campaign-service:" + campaignID.String()
}

func (s *Service) appendAudit(c *models.Campaign, action, actor, reason string, systemInitiated bool) {
	entry := models.AuditEntry{Action: action, Actor: actor, Timestamp: time.Now(), Reason: reason, SystemInitiated: systemInitiated}
	c.Audit = append(c.Audit, entry)
	if len(c.Audit) > models.MaxAuditEntries {
		c.Audit = c.Audit[len(c.Audit)-models.MaxAuditEntries:]
	}
}

// Create validates the campaign statically, snapshots the template, and
// persists it as DRAFT or SCHEDULED.
func (s *Service) Create(ctx context.Context, tenantID, templateID uuid.UUID, name string, spec models.RecipientSpec, variableMapping models.VariableMapping, scheduledAt *time.Time, actor string) (*models.Campaign, error) {
	var tmpl models.Template
	if err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", templateID, tenantID).First(&tmpl).Error; err != nil {
		return nil, coreerrors.New(coreerrors.KindTemplateNotFound, "template %s not found", templateID)
	}
	if tmpl.Status != models.TemplateStatusApproved {
		return nil, coreerrors.New(coreerrors.KindTemplateNotApproved, "template %s is %s", tmpl.Name, tmpl.Status)
	}

	recipientSpecJSON := models.JSONB{
		"kind":        string(spec.Kind),
		"contact_ids": spec.ContactIDs,
		"tags":        spec.Tags,
		"segment_id":  spec.SegmentID,
		"predicate":   spec.Predicate,
	}
	mappingJSON := models.JSONB{}
	for k, v := range variableMapping {
		mappingJSON[k] = v
	}

	status := models.CampaignDraft
	if scheduledAt != nil {
		status = models.CampaignScheduled
	}

	c := &models.Campaign{
		BaseModel:       models.BaseModel{ID: uuid.New()},
		TenantID:        tenantID,
		Name:            name,
		Template:        tmpl.Snapshot(),
		RecipientSpec:   recipientSpecJSON,
		VariableMapping: mappingJSON,
		ScheduledAt:     scheduledAt,
		Status:          status,
		Batching:        models.CampaignBatching{BatchSize: DefaultBatchSize},
	}
	s.appendAudit(c, "CREATED", actor, "", false)

	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("campaign: create: %w", err)
	}

	if status == models.CampaignScheduled {
		job := &queue.Job{
			Type:     queue.JobTypeScheduledStart,
			DedupKey: queue.ScheduledStartDedupKey(c.ID),
			ScheduledStart: &queue.ScheduledStartPayload{
				CampaignID:  c.ID,
				TenantID:    tenantID,
				ScheduledAt: *scheduledAt,
			},
		}
		if err := s.q.EnqueueAt(ctx, job, *scheduledAt); err != nil {
			s.log.Error("failed to schedule campaign start", "error", err, "campaign_id", c.ID)
		}
	}

	return c, nil
}

func (s *Service) checkSafety(ctx context.Context, tenantID uuid.UUID) error {
	var ks models.KillSwitch
	if err := s.db.WithContext(ctx).First(&ks, "id = ?", models.KillSwitchSingletonID).Error; err == nil && ks.Active {
		return coreerrors.New(coreerrors.KindKillSwitchActive, "global kill-switch is active: %s", ks.Reason)
	}

	var tenant models.Tenant
	if err := s.db.WithContext(ctx).First(&tenant, "id = ?", tenantID).Error; err != nil {
		return coreerrors.New(coreerrors.KindWorkspaceNotConfigured, "tenant %s not found", tenantID)
	}
	if tenant.KillSwitchEngaged {
		return coreerrors.New(coreerrors.KindWorkspaceUnsafe, "tenant kill-switch engaged: %s", tenant.KillSwitchReason)
	}
	return nil
}

// Start acquires the execution lock, runs full preflight, and transitions
// to RUNNING (spec §4.6 start).
func (s *Service) Start(ctx context.Context, campaignID, tenantID uuid.UUID, actor string) (*preflight.CheckReport, error) {
	if err := s.checkSafety(ctx, tenantID); err != nil {
		return nil, err
	}

	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, "id = ? AND tenant_id = ?", campaignID, tenantID).Error; err != nil {
		return nil, coreerrors.New(coreerrors.KindCampaignNotFound, "campaign %s not found", campaignID)
	}

	acq, err := s.lock.Acquire(ctx, campaignID.String(), ownerID(campaignID), lock.DefaultTTL)
	if err != nil {
		return nil, err
	}
	if !acq.Acquired {
		return nil, coreerrors.New(coreerrors.KindCampaignAlreadyRunning, "campaign %s already running", campaignID)
	}

	spec := recipientSpecFromJSON(c.RecipientSpec)
	report, err := s.preflight.Run(ctx, tenantID, c.Template.TemplateID, spec, c.Batching.BatchSize)
	if err != nil || !report.Valid {
		s.lock.Release(ctx, campaignID.String(), ownerID(campaignID), true)
		if err != nil {
			return nil, err
		}
		return report, coreerrors.New(coreerrors.KindPreflightFailed, "preflight failed for campaign %s", campaignID).WithDetail(report)
	}

	now := time.Now()
	c.Status = models.CampaignRunning
	c.StartedAt = &now
	c.Batching.TotalBatches = report.Estimates.BatchCount
	c.Totals.TotalRecipients = report.Estimates.RecipientCount
	s.appendAudit(&c, "STARTED", actor, "", false)

	if err := s.db.WithContext(ctx).Save(&c).Error; err != nil {
		s.lock.Release(ctx, campaignID.String(), ownerID(campaignID), true)
		return report, fmt.Errorf("campaign: persist start: %w", err)
	}

	job := &queue.Job{
		Type:     queue.JobTypeCampaignStart,
		DedupKey: queue.CampaignStartDedupKey(campaignID),
		CampaignStart: &queue.CampaignStartPayload{
			CampaignID: campaignID,
			TenantID:   tenantID,
		},
	}
	if err := s.q.Enqueue(ctx, job); err != nil {
		return report, fmt.Errorf("campaign: enqueue campaign-start: %w", err)
	}

	return report, nil
}

// Pause transitions a RUNNING campaign to PAUSED, halting non-final
// batches (spec §4.6 pause).
func (s *Service) Pause(ctx context.Context, campaignID, tenantID uuid.UUID, actor string, reason models.PauseReason) error {
	return s.pauseInternal(ctx, campaignID, tenantID, actor, reason, false)
}

// SystemPause is the internal-observer variant of pause (spec §4.6
// systemPause): identical state transition, audited as system-initiated.
func (s *Service) SystemPause(ctx context.Context, campaignID uuid.UUID, reason models.PauseReason) error {
	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, "id = ?", campaignID).Error; err != nil {
		return coreerrors.New(coreerrors.KindCampaignNotFound, "campaign %s not found", campaignID)
	}
	return s.pauseInternal(ctx, campaignID, c.TenantID, "system", reason, true)
}

func (s *Service) pauseInternal(ctx context.Context, campaignID, tenantID uuid.UUID, actor string, reason models.PauseReason, systemInitiated bool) error {
	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, "id = ? AND tenant_id = ?", campaignID, tenantID).Error; err != nil {
		return coreerrors.New(coreerrors.KindCampaignNotFound, "campaign %s not found", campaignID)
	}
	if c.Status != models.CampaignRunning {
		return coreerrors.New(coreerrors.KindInvalidStatus, "campaign %s is %s, pause requires RUNNING", campaignID, c.Status)
	}

	if err := s.db.WithContext(ctx).Model(&models.CampaignBatch{}).
		Where("campaign_id = ? AND status IN ?", campaignID, []models.BatchStatus{models.BatchPending, models.BatchQueued}).
		Update("status", models.BatchPaused).Error; err != nil {
		return fmt.Errorf("campaign: pause batches: %w", err)
	}

	now := time.Now()
	c.Status = models.CampaignPaused
	c.PausedReason = reason
	c.PausedAt = &now
	action := "PAUSED"
	if systemInitiated {
		action = "SYSTEM_PAUSED"
	}
	s.appendAudit(&c, action, actor, string(reason), systemInitiated)

	if err := s.db.WithContext(ctx).Save(&c).Error; err != nil {
		return fmt.Errorf("campaign: persist pause: %w", err)
	}

	if _, err := s.lock.Release(ctx, campaignID.String(), ownerID(campaignID), true); err != nil {
		s.log.Error("lock release failed on pause", "error", err, "campaign_id", campaignID)
	}
	return nil
}

// Resume re-validates and re-enqueues only resumable batches (spec §4.6
// resume): the batch-finality invariant forbids re-enqueueing COMPLETED or
// PROCESSING batches.
func (s *Service) Resume(ctx context.Context, campaignID, tenantID uuid.UUID, actor string) error {
	if err := s.checkSafety(ctx, tenantID); err != nil {
		return err
	}

	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, "id = ? AND tenant_id = ?", campaignID, tenantID).Error; err != nil {
		return coreerrors.New(coreerrors.KindCampaignNotFound, "campaign %s not found", campaignID)
	}
	if c.Status != models.CampaignPaused {
		return coreerrors.New(coreerrors.KindInvalidStatus, "campaign %s is %s, resume requires PAUSED", campaignID, c.Status)
	}

	acq, err := s.lock.Acquire(ctx, campaignID.String(), ownerID(campaignID), lock.DefaultTTL)
	if err != nil {
		return err
	}
	if !acq.Acquired {
		return coreerrors.New(coreerrors.KindCampaignAlreadyRunning, "campaign %s already running", campaignID)
	}

	spec := recipientSpecFromJSON(c.RecipientSpec)
	report, err := s.preflight.Run(ctx, tenantID, c.Template.TemplateID, spec, c.Batching.BatchSize)
	if err != nil || !report.Valid {
		s.lock.Release(ctx, campaignID.String(), ownerID(campaignID), true)
		if err != nil {
			return err
		}
		return coreerrors.New(coreerrors.KindPreflightFailed, "preflight failed resuming campaign %s", campaignID).WithDetail(report)
	}

	var batches []models.CampaignBatch
	if err := s.db.WithContext(ctx).Where("campaign_id = ?", campaignID).Order("index").Find(&batches).Error; err != nil {
		s.lock.Release(ctx, campaignID.String(), ownerID(campaignID), true)
		return fmt.Errorf("campaign: load batches: %w", err)
	}

	var resumable []models.CampaignBatch
	for _, b := range batches {
		if models.IsResumableBatchStatus(b.Status) {
			resumable = append(resumable, b)
		}
	}

	var queuedMessages int64
	s.db.WithContext(ctx).Model(&models.CampaignMessage{}).
		Where("campaign_id = ? AND status = ?", campaignID, models.CampaignMessageQueued).Count(&queuedMessages)

	if len(resumable) == 0 && queuedMessages == 0 {
		return s.Complete(ctx, campaignID, "no_resumable_batches")
	}

	for i, b := range resumable {
		if err := s.db.WithContext(ctx).Model(&models.CampaignBatch{}).Where("id = ?", b.ID).Update("status", models.BatchPending).Error; err != nil {
			s.log.Error("failed to reset batch to pending", "error", err, "batch_id", b.ID)
			continue
		}
		job := &queue.Job{
			Type:     queue.JobTypeBatchProcess,
			DedupKey: queue.BatchDedupKey(campaignID, b.Index),
			BatchProcess: &queue.BatchProcessPayload{
				BatchID:    b.ID,
				CampaignID: campaignID,
				TenantID:   tenantID,
				BatchIndex: b.Index,
			},
		}
		if err := s.q.EnqueueAt(ctx, job, time.Now().Add(time.Duration(i)*BatchStagger)); err != nil {
			s.log.Error("failed to enqueue resumed batch", "error", err, "batch_id", b.ID)
		}
	}

	c.Status = models.CampaignRunning
	c.PausedReason = ""
	c.PausedAt = nil
	s.appendAudit(&c, "RESUMED", actor, "", false)
	if err := s.db.WithContext(ctx).Save(&c).Error; err != nil {
		return fmt.Errorf("campaign: persist resume: %w", err)
	}

	checkJob := &queue.Job{
		Type:     queue.JobTypeCampaignCheck,
		DedupKey: queue.CampaignCheckDedupKey(campaignID),
		CampaignCheck: &queue.CampaignCheckPayload{
			CampaignID: campaignID,
			TenantID:   tenantID,
		},
	}
	s.q.EnqueueAt(ctx, checkJob, time.Now().Add(report.Estimates.EstimatedDuration+CompletionCheckGrace))

	return nil
}

// Complete marks a campaign COMPLETED and releases its lock (spec §4.6
// complete).
func (s *Service) Complete(ctx context.Context, campaignID uuid.UUID, reason string) error {
	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, "id = ?", campaignID).Error; err != nil {
		return coreerrors.New(coreerrors.KindCampaignNotFound, "campaign %s not found", campaignID)
	}
	if c.Status == models.CampaignCompleted {
		return nil
	}
	now := time.Now()
	c.Status = models.CampaignCompleted
	c.CompletedAt = &now
	s.appendAudit(&c, "COMPLETED", "system", reason, true)
	if err := s.db.WithContext(ctx).Save(&c).Error; err != nil {
		return fmt.Errorf("campaign: persist complete: %w", err)
	}
	s.lock.Release(ctx, campaignID.String(), ownerID(campaignID), true)
	return nil
}

// Fail marks a campaign FAILED and releases its lock (spec §4.6 fail).
func (s *Service) Fail(ctx context.Context, campaignID uuid.UUID, reason string) error {
	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, "id = ?", campaignID).Error; err != nil {
		return coreerrors.New(coreerrors.KindCampaignNotFound, "campaign %s not found", campaignID)
	}
	c.Status = models.CampaignFailed
	s.appendAudit(&c, "FAILED", "system", reason, true)
	if err := s.db.WithContext(ctx).Save(&c).Error; err != nil {
		return fmt.Errorf("campaign: persist fail: %w", err)
	}
	s.lock.Release(ctx, campaignID.String(), ownerID(campaignID), true)
	return nil
}

func recipientSpecFromJSON(j models.JSONB) models.RecipientSpec {
	spec := models.RecipientSpec{}
	if kind, ok := j["kind"].(string); ok {
		spec.Kind = models.RecipientSpecKind(kind)
	}
	if ids, ok := j["contact_ids"].([]interface{}); ok {
		for _, v := range ids {
			if s, ok := v.(string); ok {
				if id, err := uuid.Parse(s); err == nil {
					spec.ContactIDs = append(spec.ContactIDs, id)
				}
			}
		}
	}
	if ids, ok := j["contact_ids"].([]uuid.UUID); ok {
		spec.ContactIDs = ids
	}
	if segID, ok := j["segment_id"].(string); ok {
		spec.SegmentID = segID
	}
	return spec
}
