package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wabroker/msgcore/internal/coreerrors"
	"github.com/wabroker/msgcore/internal/models"
	"github.com/wabroker/msgcore/internal/queue"
	"github.com/wabroker/msgcore/internal/ratelimiter"
	"github.com/wabroker/msgcore/internal/sendpipeline"
	"github.com/wabroker/msgcore/pkg/whatsapp"
	"gorm.io/gorm"
)

// Handler builds the queue.Handler dispatching each of the four job types
// to the matching method, for registration against a queue.WorkerPool.
func (s *Service) Handler() queue.Handler {
	return func(job *queue.Job) queue.Outcome {
		ctx := context.Background()
		switch job.Type {
		case queue.JobTypeCampaignStart:
			return s.handleCampaignStart(ctx, job.CampaignStart)
		case queue.JobTypeBatchProcess:
			return s.handleBatchProcess(ctx, job.BatchProcess)
		case queue.JobTypeCampaignCheck:
			return s.handleCampaignCheck(ctx, job.CampaignCheck)
		case queue.JobTypeScheduledStart:
			return s.handleScheduledStart(ctx, job.ScheduledStart)
		default:
			return queue.Failed("unknown job type")
		}
	}
}

func (s *Service) handleScheduledStart(ctx context.Context, p *queue.ScheduledStartPayload) queue.Outcome {
	if p == nil {
		return queue.Failed("missing scheduled-start payload")
	}
	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, "id = ?", p.CampaignID).Error; err != nil {
		return queue.Failed("campaign not found")
	}
	if c.Status != models.CampaignScheduled {
		return queue.Completed
	}
	if _, err := s.Start(ctx, p.CampaignID, p.TenantID, "scheduler"); err != nil {
		s.log.Error("scheduled start failed", "error", err, "campaign_id", p.CampaignID)
		return queue.RetryAfter(30 * time.Second)
	}
	return queue.Completed
}

// handleCampaignStart resolves recipients, creates batches, and enqueues
// per-batch jobs (spec §4.6.1).
func (s *Service) handleCampaignStart(ctx context.Context, p *queue.CampaignStartPayload) queue.Outcome {
	if p == nil {
		return queue.Failed("missing campaign-start payload")
	}

	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, "id = ?", p.CampaignID).Error; err != nil {
		return queue.Failed("campaign not found")
	}
	if c.Status != models.CampaignRunning {
		return queue.Completed
	}

	var tmpl models.Template
	if err := s.db.WithContext(ctx).First(&tmpl, "id = ?", c.Template.TemplateID).Error; err != nil || tmpl.Status != models.TemplateStatusApproved {
		s.SystemPause(ctx, p.CampaignID, models.PauseTemplateRevoked)
		return queue.Failed("template no longer approved")
	}

	spec := recipientSpecFromJSON(c.RecipientSpec)
	report, err := s.preflight.Run(ctx, p.TenantID, c.Template.TemplateID, spec, c.Batching.BatchSize)
	if err != nil {
		return queue.RetryAfter(10 * time.Second)
	}
	contactIDs := report.ResolvedContactIDs
	if len(contactIDs) == 0 {
		s.Fail(ctx, p.CampaignID, "no recipients resolved")
		return queue.Completed
	}

	var contacts []models.Contact
	s.db.WithContext(ctx).Where("id IN ?", contactIDs).Find(&contacts)
	contactsByID := make(map[uuid.UUID]models.Contact, len(contacts))
	for _, ct := range contacts {
		contactsByID[ct.ID] = ct
	}

	batchSize := c.Batching.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batchCount := (len(contactIDs) + batchSize - 1) / batchSize

	var batches []models.CampaignBatch
	for i := 0; i < batchCount; i++ {
		start := i * batchSize
		end := start + batchSize
		if end > len(contactIDs) {
			end = len(contactIDs)
		}
		var recipients models.BatchRecipients
		for _, id := range contactIDs[start:end] {
			phone := ""
			if ct, ok := contactsByID[id]; ok {
				phone = ct.PhoneNumber
			}
			recipients = append(recipients, models.BatchRecipient{ContactID: id, Phone: phone, Status: models.RecipientPending})
		}
		batches = append(batches, models.CampaignBatch{
			BaseModel:  models.BaseModel{ID: uuid.New()},
			CampaignID: p.CampaignID,
			TenantID:   p.TenantID,
			Index:      i,
			Recipients: recipients,
			Status:     models.BatchPending,
		})
	}

	if err := s.db.WithContext(ctx).Create(&batches).Error; err != nil {
		return queue.RetryAfter(10 * time.Second)
	}

	if err := s.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", p.CampaignID).Updates(map[string]interface{}{
		"batching_total_batches":   batchCount,
		"totals_total_recipients":  len(contactIDs),
	}).Error; err != nil {
		s.log.Error("failed to persist batch plan", "error", err, "campaign_id", p.CampaignID)
	}

	for i, b := range batches {
		job := &queue.Job{
			Type:     queue.JobTypeBatchProcess,
			DedupKey: queue.BatchDedupKey(p.CampaignID, b.Index),
			BatchProcess: &queue.BatchProcessPayload{
				BatchID:    b.ID,
				CampaignID: p.CampaignID,
				TenantID:   p.TenantID,
				BatchIndex: b.Index,
			},
		}
		if err := s.q.EnqueueAt(ctx, job, time.Now().Add(time.Duration(i)*BatchStagger)); err != nil {
			s.log.Error("failed to enqueue batch", "error", err, "batch_index", b.Index)
		}
	}

	checkJob := &queue.Job{
		Type:     queue.JobTypeCampaignCheck,
		DedupKey: queue.CampaignCheckDedupKey(p.CampaignID),
		CampaignCheck: &queue.CampaignCheckPayload{
			CampaignID: p.CampaignID,
			TenantID:   p.TenantID,
		},
	}
	s.q.EnqueueAt(ctx, checkJob, time.Now().Add(report.Estimates.EstimatedDuration+CompletionCheckGrace))

	return queue.Completed
}

// handleBatchProcess enforces the finality/safety checks and sends to
// every pending/queued recipient in the batch (spec §4.6.2).
func (s *Service) handleBatchProcess(ctx context.Context, p *queue.BatchProcessPayload) queue.Outcome {
	if p == nil {
		return queue.Failed("missing batch-process payload")
	}

	var batch models.CampaignBatch
	if err := s.db.WithContext(ctx).First(&batch, "id = ?", p.BatchID).Error; err != nil {
		return queue.Failed("batch not found")
	}

	if batch.Status == models.BatchCompleted {
		return queue.Completed
	}
	if batch.Status == models.BatchProcessing && batch.StartedAt != nil {
		if time.Since(*batch.StartedAt) < BatchStaleAfter {
			return queue.Completed
		}
	}

	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, "id = ?", p.CampaignID).Error; err != nil {
		return queue.Failed("campaign not found")
	}
	if c.Status != models.CampaignRunning {
		s.db.WithContext(ctx).Model(&batch).Update("status", models.BatchPaused)
		return queue.Completed
	}

	if backoff, err := s.limiter.ShouldWaitForBackoff(ctx, p.CampaignID.String()); err == nil && backoff.ShouldWait {
		return queue.RetryAfter(time.Duration(backoff.WaitMs) * time.Millisecond)
	}

	now := time.Now()
	batch.Status = models.BatchProcessing
	batch.StartedAt = &now
	batch.Attempts++
	s.db.WithContext(ctx).Model(&models.CampaignBatch{}).Where("id = ?", batch.ID).Updates(map[string]interface{}{
		"status": models.BatchProcessing, "started_at": now, "attempts": batch.Attempts,
	})

	tenantPhone := s.loadTenantPhone(ctx, p.TenantID)
	var tenantForCaps models.Tenant
	s.db.WithContext(ctx).Select("plan").First(&tenantForCaps, "id = ?", p.TenantID)

	for i := range batch.Recipients {
		r := &batch.Recipients[i]
		if r.Status != models.RecipientPending && r.Status != models.RecipientQueued {
			continue
		}

		var freshStatus models.CampaignStatus
		s.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", p.CampaignID).Pluck("status", &freshStatus)
		if freshStatus != models.CampaignRunning {
			// Mirror the pre-loop check at the top of this function: a batch
			// caught mid-send when the campaign pauses must land in PAUSED,
			// not be left as PROCESSING (which Resume's resumable set never
			// picks back up). Already-sent recipients keep their Sent status.
			batch.Status = models.BatchPaused
			break
		}

		if tenantPhone != nil {
			caps := ratelimiter.ResolveCaps(tenantForCaps.Plan, tenantPhone.Tier)
			check, err := s.limiter.Check(ctx, p.TenantID.String(), tenantPhone.PhoneNumberID, caps)
			if err == nil && !check.Allowed {
				s.limiter.RecordRateLimitHit(ctx, p.CampaignID.String(), time.Duration(check.RetryAfterSeconds)*time.Second)
				s.persistBatchProgress(ctx, &batch)
				return queue.RetryAfter(time.Duration(check.RetryAfterSeconds) * time.Second)
			}
		}

		var existing models.CampaignMessage
		err := s.db.WithContext(ctx).Where("campaign_id = ? AND contact_id = ?", p.CampaignID, r.ContactID).First(&existing).Error
		if err == nil && existing.IsFinalForIdempotency() {
			r.Status = models.RecipientSent
			r.ProviderMessageID = existing.ProviderMessageID
			continue
		}

		variables := s.resolveVariables(ctx, &c, r.ContactID)
		campaignID := p.CampaignID
		batchID := batch.ID
		result, sendErr := s.pipeline.Send(ctx, sendpipeline.SendInput{
			TenantID:       p.TenantID,
			TemplateID:     c.Template.TemplateID,
			ContactID:      r.ContactID,
			RecipientPhone: r.Phone,
			Variables:      variables,
			Attribution:    &models.AttributionMeta{CampaignID: &campaignID, BatchID: &batchID},
		})

		processedAt := time.Now()
		if sendErr != nil {
			r.Status = models.RecipientFailed
			r.Error = sendErr.Error()
			r.ProcessedAt = &processedAt
			s.recordFailure(ctx, &c, sendErr)

			if ce, ok := coreerrors.As(sendErr); ok {
				if class, ok := ce.Detail.(whatsapp.ErrorClass); ok {
					if class == whatsapp.ClassRateLimit {
						s.persistBatchProgress(ctx, &batch)
						return queue.RetryAfter(30 * time.Second)
					}
					if class.RequiresCampaignPause() {
						s.SystemPause(ctx, p.CampaignID, models.PauseReason(class.PauseReasonHint()))
						s.persistBatchProgress(ctx, &batch)
						return queue.Completed
					}
				}
			}
		} else {
			r.Status = models.RecipientSent
			r.ProviderMessageID = result.ProviderMessageID
			r.ProcessedAt = &processedAt
			s.recordSuccess(ctx, &c)
		}

		s.upsertCampaignMessage(ctx, p, r)

		time.Sleep(sendpipeline.InterMessagePause)
	}

	remaining := 0
	for _, r := range batch.Recipients {
		if r.Status == models.RecipientPending || r.Status == models.RecipientQueued {
			remaining++
		}
	}

	if remaining == 0 {
		completedAt := time.Now()
		batch.Status = models.BatchCompleted
		batch.CompletedAt = &completedAt
		s.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", p.CampaignID).
			Update("batching_completed_batches", gorm.Expr("batching_completed_batches + 1"))
	}
	s.persistBatchProgress(ctx, &batch)

	s.handleCampaignCheck(ctx, &queue.CampaignCheckPayload{CampaignID: p.CampaignID, TenantID: p.TenantID})

	return queue.Completed
}

func (s *Service) persistBatchProgress(ctx context.Context, batch *models.CampaignBatch) {
	s.db.WithContext(ctx).Model(&models.CampaignBatch{}).Where("id = ?", batch.ID).Updates(map[string]interface{}{
		"recipients":   batch.Recipients,
		"status":       batch.Status,
		"completed_at": batch.CompletedAt,
	})
}

func (s *Service) upsertCampaignMessage(ctx context.Context, p *queue.BatchProcessPayload, r *models.BatchRecipient) {
	status := models.CampaignMessageSent
	if r.Status == models.RecipientFailed {
		status = models.CampaignMessageFailed
	}
	var existing models.CampaignMessage
	err := s.db.WithContext(ctx).Where("campaign_id = ? AND contact_id = ?", p.CampaignID, r.ContactID).First(&existing).Error
	now := time.Now()
	if err == gorm.ErrRecordNotFound {
		cm := models.CampaignMessage{
			BaseModel:         models.BaseModel{ID: uuid.New()},
			CampaignID:        p.CampaignID,
			ContactID:         r.ContactID,
			TenantID:          p.TenantID,
			BatchID:           p.BatchID,
			Status:            status,
			ProviderMessageID: r.ProviderMessageID,
			LastError:         r.Error,
		}
		if status == models.CampaignMessageSent {
			cm.SentAt = &now
		} else {
			cm.FailedAt = &now
		}
		s.db.WithContext(ctx).Create(&cm)
		return
	}
	updates := map[string]interface{}{"status": status, "provider_message_id": r.ProviderMessageID, "last_error": r.Error, "attempts": existing.Attempts + 1}
	if status == models.CampaignMessageSent {
		updates["sent_at"] = now
	} else {
		updates["failed_at"] = now
	}
	s.db.WithContext(ctx).Model(&existing).Updates(updates)
}

func (s *Service) recordSuccess(ctx context.Context, c *models.Campaign) {
	s.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
		"totals_sent":                 gorm.Expr("totals_sent + 1"),
		"failure_consecutive_failures": 0,
	})
}

func (s *Service) recordFailure(ctx context.Context, c *models.Campaign, sendErr error) {
	now := time.Now()
	s.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", c.ID).Updates(map[string]interface{}{
		"totals_failed":                gorm.Expr("totals_failed + 1"),
		"failure_consecutive_failures": gorm.Expr("failure_consecutive_failures + 1"),
		"failure_last_error":           sendErr.Error(),
		"failure_last_failure_at":      now,
	})

	var fresh models.Campaign
	s.db.WithContext(ctx).Select("totals_sent, totals_failed, failure_consecutive_failures").Where("id = ?", c.ID).First(&fresh)
	if shouldPause, _ := s.limiter.EvaluateAutoPause(fresh.Failure.ConsecutiveFailures, fresh.Totals.Sent, fresh.Totals.Failed); shouldPause {
		s.SystemPause(ctx, c.ID, models.PauseHighFailureRate)
	}
}

// handleCampaignCheck implements the completion check (spec §4.6.3).
func (s *Service) handleCampaignCheck(ctx context.Context, p *queue.CampaignCheckPayload) queue.Outcome {
	if p == nil {
		return queue.Failed("missing campaign-check payload")
	}

	var c models.Campaign
	if err := s.db.WithContext(ctx).First(&c, "id = ?", p.CampaignID).Error; err != nil {
		return queue.Failed("campaign not found")
	}
	if c.Status != models.CampaignRunning {
		return queue.Completed
	}

	var completed, failed, total int64
	s.db.WithContext(ctx).Model(&models.CampaignBatch{}).Where("campaign_id = ? AND status = ?", p.CampaignID, models.BatchCompleted).Count(&completed)
	s.db.WithContext(ctx).Model(&models.CampaignBatch{}).Where("campaign_id = ? AND status = ?", p.CampaignID, models.BatchFailed).Count(&failed)
	s.db.WithContext(ctx).Model(&models.CampaignBatch{}).Where("campaign_id = ?", p.CampaignID).Count(&total)

	s.db.WithContext(ctx).Model(&models.Campaign{}).Where("id = ?", p.CampaignID).Updates(map[string]interface{}{
		"batching_completed_batches": completed,
		"batching_failed_batches":    failed,
	})

	if total > 0 && completed+failed >= total {
		return queue.OutcomeFromError(s.Complete(ctx, p.CampaignID, "all_batches_final"))
	}

	if shouldPause, _ := s.limiter.EvaluateAutoPause(c.Failure.ConsecutiveFailures, c.Totals.Sent, c.Totals.Failed); shouldPause {
		s.SystemPause(ctx, p.CampaignID, models.PauseHighFailureRate)
	}

	return queue.Completed
}

func (s *Service) loadTenantPhone(ctx context.Context, tenantID uuid.UUID) *models.TenantPhone {
	var phone models.TenantPhone
	if err := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&phone).Error; err != nil {
		return nil
	}
	return &phone
}

func (s *Service) resolveVariables(ctx context.Context, c *models.Campaign, contactID uuid.UUID) sendpipeline.Variables {
	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, "id = ?", contactID).Error; err != nil {
		return sendpipeline.Variables{}
	}

	var body []string
	for i := 1; ; i++ {
		key := fmt.Sprintf("body.%d", i)
		path, ok := c.VariableMapping[key]
		if !ok {
			break
		}
		pathStr, _ := path.(string)
		val, _ := contact.FieldByPath(pathStr)
		body = append(body, fmt.Sprintf("%v", val))
	}
	return sendpipeline.Variables{Body: body}
}
