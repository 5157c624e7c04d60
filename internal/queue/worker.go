package queue

import (
	"context"
	"sync"
	"time"

	"github.com/zerodha/logf"
	"golang.org/x/time/rate"
)

// DefaultWorkerConcurrency and DefaultGlobalJobsPerSec match spec §4.5: a small
// fixed worker pool behind a global across-tenant rate limit so one
// tenant's burst can't starve the others' jobs.
const (
	DefaultWorkerConcurrency = 5
	DefaultGlobalJobsPerSec  = 10
)

// WorkerPool runs Consume loops across a fixed number of goroutines, all
// sharing one global token-bucket limiter before dispatching into handler.
type WorkerPool struct {
	consumer    *RedisConsumer
	queue       *RedisQueue
	log         logf.Logger
	concurrency int
	limiter     *rate.Limiter
}

func NewWorkerPool(consumer *RedisConsumer, q *RedisQueue, log logf.Logger, concurrency int, globalJobsPerSec float64) *WorkerPool {
	if concurrency <= 0 {
		concurrency = DefaultWorkerConcurrency
	}
	if globalJobsPerSec <= 0 {
		globalJobsPerSec = DefaultGlobalJobsPerSec
	}
	return &WorkerPool{
		consumer:    consumer,
		queue:       q,
		log:         log,
		concurrency: concurrency,
		limiter:     rate.NewLimiter(rate.Limit(globalJobsPerSec), int(globalJobsPerSec)),
	}
}

// Run blocks until ctx is canceled, running concurrency goroutines each
// executing the consume loop against the shared handler, rate-limited by
// the pool's global token bucket.
func (w *WorkerPool) Run(ctx context.Context, handler Handler) error {
	limited := func(job *Job) Outcome {
		if err := w.limiter.Wait(ctx); err != nil {
			return RetryAfter(time.Second)
		}
		return handler(job)
	}

	var wg sync.WaitGroup
	errs := make(chan error, w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.consumer.Consume(ctx, w.queue, limited); err != nil && ctx.Err() == nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
