package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zerodha/logf"
)

// StreamName and ConsumerGroup mirror the single-stream consumer-group
// pattern, generalized here to carry all four job types on one stream
// (dispatch is by the envelope's Type field, not by stream identity).
const (
	StreamName        = "msgcore:campaigns"
	ConsumerGroup      = "campaign-workers"
	BlockTimeout       = 5 * time.Second
	ClaimMinIdleTime   = 5 * time.Minute
	DelayedSetKey      = "msgcore:campaigns:delayed"
	dedupKeyPrefix     = "msgcore:campaigns:dedup:"
	dedupKeyTTL        = 10 * time.Minute
)

// RedisQueue enqueues jobs, deduplicating on DedupKey within a short
// window so a retried enqueue (e.g. a redelivered scheduler tick) doesn't
// create a second in-flight job for the same unit of work.
type RedisQueue struct {
	client *redis.Client
	log    logf.Logger
}

func NewRedisQueue(client *redis.Client, log logf.Logger) *RedisQueue {
	return &RedisQueue{client: client, log: log}
}

// Enqueue adds the job to the stream immediately, unless its dedup key was
// already seen within dedupKeyTTL.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.DedupKey != "" {
		set, err := q.client.SetNX(ctx, dedupKeyPrefix+job.DedupKey, "1", dedupKeyTTL).Result()
		if err != nil {
			return fmt.Errorf("queue: dedup check: %w", err)
		}
		if !set {
			q.log.Debug("enqueue skipped, duplicate", "dedup_key", job.DedupKey)
			return nil
		}
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]interface{}{
			"type":    string(job.Type),
			"payload": payload,
		},
	}).Err()
}

// EnqueueAt schedules a job for delivery at (or after) when, via a sorted
// set drained by a lightweight promoter (see Promote).
func (q *RedisQueue) EnqueueAt(ctx context.Context, job *Job, when time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal delayed job: %w", err)
	}
	return q.client.ZAdd(ctx, DelayedSetKey, redis.Z{
		Score:  float64(when.Unix()),
		Member: payload,
	}).Err()
}

// Promote moves due delayed jobs from the sorted set onto the live stream.
// Intended to be called on a short ticker (e.g. every few seconds) by the
// same process running the scheduler tick.
func (q *RedisQueue) Promote(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	due, err := q.client.ZRangeByScore(ctx, DelayedSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(now, 'f', 0, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan delayed set: %w", err)
	}

	promoted := 0
	for _, raw := range due {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.log.Error("dropping unparseable delayed job", "error", err)
			q.client.ZRem(ctx, DelayedSetKey, raw)
			continue
		}
		if err := q.Enqueue(ctx, &job); err != nil {
			q.log.Error("failed to promote delayed job", "error", err, "type", job.Type)
			continue
		}
		q.client.ZRem(ctx, DelayedSetKey, raw)
		promoted++
	}
	return promoted, nil
}

func (q *RedisQueue) Close() error {
	return nil
}

// RedisConsumer reads the stream as part of ConsumerGroup, claiming stale
// pending entries left by a dead consumer before reading new ones.
type RedisConsumer struct {
	client     *redis.Client
	log        logf.Logger
	consumerID string
}

func NewRedisConsumer(client *redis.Client, log logf.Logger) (*RedisConsumer, error) {
	hostname, _ := os.Hostname()
	consumerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	ctx := context.Background()
	err := client.XGroupCreateMkStream(ctx, StreamName, ConsumerGroup, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("queue: create consumer group: %w", err)
	}

	return &RedisConsumer{client: client, log: log, consumerID: consumerID}, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists")
}

// Consume runs until ctx is canceled, dispatching each job to handler and
// acking on success. A non-retry outcome (Completed or Failed) acks the
// message; a Retry outcome re-enqueues the job on the delayed set at the
// requested delay (or AttemptBackoff) and then acks the original delivery,
// so retries are modeled as fresh jobs, not redelivery replay. Once
// DefaultMaxAttempts is reached the job is acked and dropped.
func (c *RedisConsumer) Consume(ctx context.Context, q *RedisQueue, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.claimPendingMessages(ctx, q, handler); err != nil {
			c.log.Error("claim pending failed", "error", err)
		}

		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    ConsumerGroup,
			Consumer: c.consumerID,
			Streams:  []string{StreamName, ">"},
			Count:    10,
			Block:    BlockTimeout,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("xreadgroup failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				c.processMessage(ctx, q, msg, handler)
			}
		}
	}
}

func (c *RedisConsumer) claimPendingMessages(ctx context.Context, q *RedisQueue, handler Handler) error {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: StreamName,
		Group:  ConsumerGroup,
		Idle:   ClaimMinIdleTime,
		Start:  "-",
		End:    "+",
		Count:  50,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("queue: xpending: %w", err)
	}

	for _, p := range pending {
		claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   StreamName,
			Group:    ConsumerGroup,
			Consumer: c.consumerID,
			MinIdle:  ClaimMinIdleTime,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			c.log.Error("xclaim failed", "error", err, "id", p.ID)
			continue
		}
		for _, msg := range claimed {
			c.processMessage(ctx, q, msg, handler)
		}
	}
	return nil
}

func (c *RedisConsumer) processMessage(ctx context.Context, q *RedisQueue, msg redis.XMessage, handler Handler) {
	typeVal, _ := msg.Values["type"].(string)
	payloadVal, _ := msg.Values["payload"].(string)

	var job Job
	if err := json.Unmarshal([]byte(payloadVal), &job); err != nil {
		c.log.Error("unmarshal job failed, acking to drop", "error", err, "id", msg.ID)
		c.client.XAck(ctx, StreamName, ConsumerGroup, msg.ID)
		return
	}
	if string(job.Type) != typeVal {
		c.log.Error("job type mismatch between fields, acking to drop", "id", msg.ID)
		c.client.XAck(ctx, StreamName, ConsumerGroup, msg.ID)
		return
	}

	job.Attempts++
	outcome := handler(&job)

	switch {
	case outcome.Retry:
		if job.Attempts >= DefaultMaxAttempts {
			c.log.Error("job exhausted retries", "type", job.Type, "attempts", job.Attempts)
			c.client.XAck(ctx, StreamName, ConsumerGroup, msg.ID)
			return
		}
		delay := outcome.After
		if delay <= 0 {
			delay = AttemptBackoff(job.Attempts)
		}
		// The original enqueue's dedup key is still live; clear it so
		// Promote does not drop this retry as a duplicate.
		job.DedupKey = ""
		if err := q.EnqueueAt(ctx, &job, time.Now().Add(delay)); err != nil {
			c.log.Error("failed to reschedule retry", "error", err)
		}
		c.client.XAck(ctx, StreamName, ConsumerGroup, msg.ID)
	case outcome.FailReason != "":
		c.log.Error("job failed terminally", "type", job.Type, "reason", outcome.FailReason)
		c.client.XAck(ctx, StreamName, ConsumerGroup, msg.ID)
	default:
		c.client.XAck(ctx, StreamName, ConsumerGroup, msg.ID)
	}
}
