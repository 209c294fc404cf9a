// Package jobs binds queue job kinds to their executors.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/EnvZilla/envzilla/internal/executor"
	"github.com/EnvZilla/envzilla/internal/health"
	"github.com/EnvZilla/envzilla/internal/queue"
)

// CleanupPayload is the job body for cleanup-stale jobs.
type CleanupPayload struct {
	MaxAgeHours int `json:"max_age_hours,omitempty"`
}

// Register installs handlers for every job kind on the pool. Executor
// failures that retrying cannot fix are marked non-retryable here, so the
// executors stay unaware of queue policy.
func Register(pool *queue.Pool, builder *executor.Builder, destroyer *executor.Destroyer, sweeper *health.Sweeper) {
	pool.Register(queue.KindBuild, func(ctx context.Context, job *queue.Job, report func(int)) error {
		var payload executor.BuildPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.NoRetry(fmt.Errorf("decode build payload: %w", err))
		}
		return classify(builder.Execute(ctx, payload, report))
	})

	pool.Register(queue.KindDestroy, func(ctx context.Context, job *queue.Job, report func(int)) error {
		var payload executor.DestroyPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.NoRetry(fmt.Errorf("decode destroy payload: %w", err))
		}
		return classify(destroyer.Execute(ctx, payload, report))
	})

	pool.Register(queue.KindCleanup, func(ctx context.Context, job *queue.Job, report func(int)) error {
		var payload CleanupPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return queue.NoRetry(fmt.Errorf("decode cleanup payload: %w", err))
		}
		maxAge := sweeper.MaxAge
		if payload.MaxAgeHours > 0 {
			maxAge = time.Duration(payload.MaxAgeHours) * time.Hour
		}
		report(10)
		_, err := sweeper.Sweep(ctx, maxAge)
		report(100)
		return err
	})
}

// classify wraps executor errors whose kinds must never be retried: a
// payload that fails to decrypt or a malformed container reference will
// fail identically on every delivery.
func classify(err error) error {
	var exErr *executor.Error
	if errors.As(err, &exErr) {
		switch exErr.Kind {
		case executor.KindDecryptError, executor.KindInvalidContainerID:
			return queue.NoRetry(err)
		}
	}
	return err
}
