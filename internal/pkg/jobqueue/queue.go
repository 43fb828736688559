package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/ChatCredits/internal/pkg/metrics"
)

const (
	// Redis keys
	JobKeyPrefix     = "chatcredits:job:"
	JobQueueKey      = "chatcredits:job_queue"
	JobProcessingKey = "chatcredits:job_processing"
	JobDelayedKey    = "chatcredits:job_delayed"
	JobStatsKey      = "chatcredits:job_stats"

	DefaultMaxRetries = 3
	RefundMaxRetries  = 10
	JobTTL            = 7 * 24 * time.Hour // refunds may wait out a long outage
	DefaultRetryDelay = time.Minute

	defaultWorkers     = 3
	dequeueTimeout     = time.Second
	promoteInterval    = time.Second
	stuckJobAge        = 10 * time.Minute
	stuckSweepInterval = time.Minute
)

type handlerFunc func(ctx context.Context, job *Job) error

// Option configures a Queue.
type Option func(*Queue)

// WithRefunder sets the ledger used by usage_refund jobs.
func WithRefunder(r Refunder) Option {
	return func(q *Queue) { q.refunds = r }
}

// WithReconciler sets the billing service used by reconcile_purchases jobs.
func WithReconciler(r PurchaseReconciler) Option {
	return func(q *Queue) { q.reconciler = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithRetryDelay sets the base delay; attempt n waits n times this.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.retryDelay = d
		}
	}
}

// Queue is a Redis backed job queue. Pending job ids live in a list, jobs
// being worked on in a processing list and failed jobs waiting for their
// next attempt in a sorted set scored by due time. Job bodies are stored
// separately so every instance sees the same state.
type Queue struct {
	client     *redis.Client
	workers    int
	retryDelay time.Duration
	handlers   map[JobType]handlerFunc

	refunds    Refunder
	reconciler PurchaseReconciler
	metrics    *metrics.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewQueue creates a queue with the given number of workers.
func NewQueue(client *redis.Client, workers int, opts ...Option) *Queue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	q := &Queue{
		client:     client,
		workers:    workers,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.handlers = map[JobType]handlerFunc{
		JobTypeUsageRefund:        q.processUsageRefundJob,
		JobTypeReconcilePurchases: q.processReconcilePurchasesJob,
	}
	return q
}

// Start launches the workers, the retry promoter and the stuck job sweeper.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.every(ctx, promoteInterval, func(ctx context.Context) {
		if _, err := q.promoteDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
			log.Errorf("[JobQueue] Promoting delayed jobs: %v", err)
		}
	})
	q.every(ctx, stuckSweepInterval, func(ctx context.Context) {
		if _, err := q.recoverStuck(ctx, stuckJobAge, time.Now()); err != nil && ctx.Err() == nil {
			log.Errorf("[JobQueue] Sweeping stuck jobs: %v", err)
		}
	})
}

// Stop waits for in-flight jobs to finish and stops all loops.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	q.cancel()
	q.wg.Wait()
	q.running = false
	log.Info("[JobQueue] All workers stopped")
}

func (q *Queue) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log.Debugf("[JobQueue] Worker %d started", id)

	for ctx.Err() == nil {
		job, err := q.dequeueJob(ctx)
		switch {
		case err == nil:
			log.Infof("[JobQueue] Worker %d processing job %s (type %s)", id, job.ID, job.Type)
			// a started job runs to completion even during shutdown
			q.processJob(context.WithoutCancel(ctx), job)
		case errors.Is(err, redis.Nil), ctx.Err() != nil:
		default:
			log.Errorf("[JobQueue] Worker %d: dequeue failed: %v", id, err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
	log.Debugf("[JobQueue] Worker %d stopped", id)
}

// EnqueueJob stores a job and makes it available to workers.
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload interface{}) (*Job, error) {
	maxRetries := DefaultMaxRetries
	if jobType == JobTypeUsageRefund {
		maxRetries = RefundMaxRetries
	}
	job, err := newJob(uuid.New().String(), jobType, payload, maxRetries, time.Now())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL)
		pipe.LPush(ctx, JobQueueKey, job.ID)
		pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (type %s)", job.ID, job.Type)
	return job, nil
}

// dequeueJob moves the oldest pending id to the processing list and loads
// its body. redis.Nil means the queue stayed empty for dequeueTimeout.
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	id, err := q.client.BLMove(ctx, JobQueueKey, JobProcessingKey, "RIGHT", "LEFT", dequeueTimeout).Result()
	if err != nil {
		return nil, err
	}
	job, err := q.GetJob(ctx, id)
	if err != nil {
		q.removeFromProcessing(ctx, id)
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return job, nil
}

func (q *Queue) processJob(ctx context.Context, job *Job) {
	defer q.removeFromProcessing(ctx, job.ID)

	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	handler, ok := q.handlers[job.Type]
	var err error
	if ok {
		err = handler(ctx, job)
	} else {
		err = fmt.Errorf("unknown job type: %s", job.Type)
	}

	if err == nil {
		log.Infof("[JobQueue] Job %s completed", job.ID)
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted)
		if err := q.client.Del(ctx, JobKeyPrefix+job.ID).Err(); err != nil {
			log.Errorf("[JobQueue] Failed to remove completed job %s: %v", job.ID, err)
		}
		return
	}

	log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
	job.MarkAsFailed(err.Error())
	if !job.IsRetryable() {
		log.Errorf("[JobQueue] Job %s permanently failed after %d attempts", job.ID, job.RetryCount)
		q.updateJobStats(ctx, JobStatusFailed)
		if job.Type == JobTypeUsageRefund {
			q.metrics.RefundJob("abandoned")
		}
		q.updateJob(ctx, job)
		return
	}

	due := time.Now().Add(job.RetryDelay(q.retryDelay))
	job.MarkAsRetrying(due)
	q.updateJob(ctx, job)
	if err := q.client.ZAdd(ctx, JobDelayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: job.ID}).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to park job %s for retry: %v", job.ID, err)
		return
	}
	log.Infof("[JobQueue] Job %s retries at %s (attempt %d/%d)", job.ID, due.Format(time.RFC3339), job.RetryCount+1, job.MaxRetries)
}

// promoteDue moves delayed jobs whose retry time has passed back to the
// pending list. ZRem decides which instance promotes a job.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, JobDelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, JobDelayedKey, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, JobQueueKey, id).Err(); err != nil {
			// put it back so the next tick retries the promotion
			q.client.ZAdd(ctx, JobDelayedKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// recoverStuck requeues jobs left in the processing list by a crashed
// worker for longer than maxAge.
func (q *Queue) recoverStuck(ctx context.Context, maxAge time.Duration, now time.Time) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil || job.Status != JobStatusProcessing {
			q.removeFromProcessing(ctx, id)
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= maxAge {
			continue
		}

		log.Warnf("[JobQueue] Recovering stuck job %s (type %s), age %s", job.ID, job.Type, now.Sub(started))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		q.updateJob(ctx, job)
		if n, err := q.client.LRem(ctx, JobProcessingKey, 1, id).Result(); err != nil || n == 0 {
			continue
		}
		if err := q.client.RPush(ctx, JobQueueKey, id).Err(); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func (q *Queue) updateJob(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing list: %v", jobID, err)
	}
}

func (q *Queue) updateJobStats(ctx context.Context, status JobStatus) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), 1).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob loads a stored job. Completed jobs are deleted and return
// redis.Nil.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.client.Get(ctx, JobKeyPrefix+jobID).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns the lifetime counters per status.
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	raw, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}
	stats := make(map[JobStatus]int64, len(raw))
	for status, count := range raw {
		if n, err := strconv.ParseInt(count, 10, 64); err == nil {
			stats[JobStatus(status)] = n
		}
	}
	return stats, nil
}

// GetQueueSize returns the number of pending jobs.
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being worked on.
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

// GetDelayedSize returns the number of jobs waiting for a retry.
func (q *Queue) GetDelayedSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, JobDelayedKey).Result()
}
