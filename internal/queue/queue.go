package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Kind names a job type. Each kind has a fixed priority lane.
type Kind string

const (
	KindBuild   Kind = "build-container"
	KindDestroy Kind = "destroy-container"
	KindCleanup Kind = "cleanup-stale"
)

// State is the queue-side lifecycle of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

const (
	prefix = "envzilla:queue:"

	keyDelayed   = prefix + "delayed"
	keyActive    = prefix + "active"
	keyCompleted = prefix + "completed"
	keyDead      = prefix + "dead"

	// Bounded history of finished jobs.
	completedKeep = 50
	deadKeep      = 100

	// Finished job records linger for a day for /admin/jobs lookups.
	jobTTL = 24 * time.Hour

	// Backoff schedule for retries.
	backoffBase = 2 * time.Second
	backoffCap  = 60 * time.Second

	// Priority lanes, lowest number dequeued first.
	minPriority = 1
	maxPriority = 3
)

// ErrJobNotFound is returned when a job ID has no record.
var ErrJobNotFound = errors.New("job not found")

// Job is a queued unit of work. Immutable after enqueue except for the
// attempt counter, progress, and terminal result.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Progress    int             `json:"progress"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Queue is a durable at-least-once job queue on Redis: priority waiting
// lists, a delayed zset for backoff, an active zset keyed by heartbeat time
// for stall detection, and capped completed/dead history lists.
type Queue struct {
	rdb         *redis.Client
	maxAttempts int
	stallAfter  time.Duration
	log         *slog.Logger
}

// New creates a queue. maxAttempts bounds delivery attempts per job;
// stallAfter is how long a job may go without a progress heartbeat before it
// is re-delivered.
func New(rdb *redis.Client, maxAttempts int, stallAfter time.Duration, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if stallAfter <= 0 {
		stallAfter = 2 * time.Minute
	}
	return &Queue{rdb: rdb, maxAttempts: maxAttempts, stallAfter: stallAfter, log: log}
}

// Enqueue stores the job and pushes it onto its priority lane.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, priority int, payload any) (string, error) {
	if priority < minPriority || priority > maxPriority {
		return "", fmt.Errorf("priority %d out of range", priority)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Priority:    priority,
		Payload:     data,
		State:       StateWaiting,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := q.saveJob(ctx, job, 0); err != nil {
		return "", err
	}
	if err := q.rdb.LPush(ctx, waitingKey(priority), job.ID).Err(); err != nil {
		return "", fmt.Errorf("push job: %w", err)
	}

	q.log.Info("job enqueued", "job_id", job.ID, "kind", kind, "priority", priority)
	return job.ID, nil
}

// Dequeue blocks up to timeout for the next job, scanning priority lanes in
// order. The job moves to the active set with a fresh heartbeat and its
// attempt counter incremented. Returns nil when the timeout elapses empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	keys := make([]string, 0, maxPriority)
	for p := minPriority; p <= maxPriority; p++ {
		keys = append(keys, waitingKey(p))
	}

	res, err := q.rdb.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("brpop: %w", err)
	}
	jobID := res[1]

	job, err := q.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		// Record expired while waiting; drop the orphaned ID.
		q.log.Warn("dropping orphaned job id", "job_id", jobID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.State = StateActive
	job.Attempts++
	job.Progress = 0
	if err := q.saveJob(ctx, job, 0); err != nil {
		return nil, err
	}
	if err := q.rdb.ZAdd(ctx, keyActive, redis.Z{Score: nowScore(), Member: job.ID}).Err(); err != nil {
		return nil, fmt.Errorf("track active: %w", err)
	}
	return job, nil
}

// Progress publishes job progress (0..100) and refreshes the stall
// heartbeat.
func (q *Queue) Progress(ctx context.Context, jobID string, pct int) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	job.Progress = pct
	if err := q.saveJob(ctx, job, 0); err != nil {
		return err
	}
	return q.rdb.ZAdd(ctx, keyActive, redis.Z{Score: nowScore(), Member: jobID}).Err()
}

// Complete marks a job done and appends it to the capped completed history.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.State = StateCompleted
	job.Progress = 100
	job.LastError = ""
	if err := q.saveJob(ctx, job, jobTTL); err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyActive, jobID)
	pipe.LPush(ctx, keyCompleted, jobID)
	pipe.LTrim(ctx, keyCompleted, 0, completedKeep-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Fail records a failed attempt. Retryable failures below the attempt limit
// go to the delayed set with exponential backoff; everything else
// dead-letters.
func (q *Queue) Fail(ctx context.Context, jobID, reason string, retryable bool) error {
	job, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	job.LastError = reason

	if retryable && job.Attempts < job.MaxAttempts {
		job.State = StateDelayed
		if err := q.saveJob(ctx, job, 0); err != nil {
			return err
		}
		delay := backoff(job.Attempts)
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, keyActive, jobID)
		pipe.ZAdd(ctx, keyDelayed, redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: jobID,
		})
		_, err = pipe.Exec(ctx)
		if err == nil {
			q.log.Warn("job retry scheduled", "job_id", jobID, "attempt", job.Attempts, "delay", delay, "error", reason)
		}
		return err
	}

	job.State = StateFailed
	if err := q.saveJob(ctx, job, jobTTL); err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, keyActive, jobID)
	pipe.LPush(ctx, keyDead, jobID)
	pipe.LTrim(ctx, keyDead, 0, deadKeep-1)
	_, err = pipe.Exec(ctx)
	if err == nil {
		q.log.Error("job dead-lettered", "job_id", jobID, "attempts", job.Attempts, "error", reason)
	}
	return err
}

// Get returns a job by ID.
func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// PromoteDelayed moves due delayed jobs back onto their waiting lanes.
// Returns how many were promoted.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	due, err := q.rdb.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("range delayed: %w", err)
	}

	promoted := 0
	for _, jobID := range due {
		removed, err := q.rdb.ZRem(ctx, keyDelayed, jobID).Result()
		if err != nil || removed == 0 {
			continue // another promoter won the race
		}
		job, err := q.Get(ctx, jobID)
		if err != nil {
			continue
		}
		job.State = StateWaiting
		if err := q.saveJob(ctx, job, 0); err != nil {
			continue
		}
		if err := q.rdb.LPush(ctx, waitingKey(job.Priority), jobID).Err(); err != nil {
			continue
		}
		promoted++
	}
	return promoted, nil
}

// RequeueStalled re-delivers active jobs whose heartbeat is older than the
// stall window. Each stall counts against the attempt limit so a job that
// keeps stalling eventually dead-letters.
func (q *Queue) RequeueStalled(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-q.stallAfter).UnixMilli()
	stalled, err := q.rdb.ZRangeByScore(ctx, keyActive, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("range active: %w", err)
	}

	requeued := 0
	for _, jobID := range stalled {
		removed, err := q.rdb.ZRem(ctx, keyActive, jobID).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.Fail(ctx, jobID, "queue-stalled", true); err != nil {
			q.log.Error("requeue stalled job", "job_id", jobID, "error", err)
			continue
		}
		requeued++
	}
	return requeued, nil
}

// Stats holds queue depth counters per state.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Dead      int64 `json:"dead"`
}

// Stats returns current queue depths.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	for p := minPriority; p <= maxPriority; p++ {
		n, err := q.rdb.LLen(ctx, waitingKey(p)).Result()
		if err != nil {
			return nil, err
		}
		stats.Waiting += n
	}
	var err error
	if stats.Delayed, err = q.rdb.ZCard(ctx, keyDelayed).Result(); err != nil {
		return nil, err
	}
	if stats.Active, err = q.rdb.ZCard(ctx, keyActive).Result(); err != nil {
		return nil, err
	}
	if stats.Completed, err = q.rdb.LLen(ctx, keyCompleted).Result(); err != nil {
		return nil, err
	}
	if stats.Dead, err = q.rdb.LLen(ctx, keyDead).Result(); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	job.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	return q.rdb.Set(ctx, jobKey(job.ID), data, ttl).Err()
}

// backoff returns the delay before re-delivering after the given attempt
// count: 2s, 4s, 8s, ... capped.
func backoff(attempts int) time.Duration {
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

func waitingKey(priority int) string {
	return prefix + "waiting:" + strconv.Itoa(priority)
}

func jobKey(id string) string {
	return prefix + "jobs:" + id
}

func nowScore() float64 {
	return float64(time.Now().UnixMilli())
}
