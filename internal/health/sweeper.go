package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/EnvZilla/envzilla/internal/executor"
	"github.com/EnvZilla/envzilla/internal/queue"
	"github.com/EnvZilla/envzilla/internal/store"
)

// Sweeper periodically moves deployments older than the age limit to
// destroying and enqueues their destroy jobs.
type Sweeper struct {
	Store    *store.Store
	Queue    *queue.Queue
	Interval time.Duration
	MaxAge   time.Duration
	Log      *slog.Logger
}

// NewSweeper creates a sweeper. Defaults: scan every 6h, reap past 24h.
func NewSweeper(st *store.Store, q *queue.Queue, interval, maxAge time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Sweeper{Store: st, Queue: q, Interval: interval, MaxAge: maxAge, Log: log}
}

// Run sweeps on the interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx, s.MaxAge); err != nil {
				s.Log.Error("sweep", "error", err)
			} else if n > 0 {
				s.Log.Info("sweep reaped stale deployments", "count", n)
			}
		}
	}
}

// Sweep promotes records older than maxAge to destroying and enqueues
// destroy jobs for them. Records already destroying, or younger than the
// threshold, are untouched. Returns how many were promoted.
func (s *Sweeper) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	records, err := s.Store.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	swept := 0
	for _, rec := range records {
		if rec.Status == store.StatusDestroying || store.Terminal(rec.Status) {
			continue
		}
		if rec.CreatedAt.After(cutoff) {
			continue
		}

		if _, err := s.Store.Transition(ctx, rec.PRNumber, store.StatusDestroying, nil); err != nil {
			s.Log.Warn("sweep transition", "pr", rec.PRNumber, "error", err)
			continue
		}
		_, err := s.Queue.Enqueue(ctx, queue.KindDestroy, 2, executor.DestroyPayload{
			PRNumber:    rec.PRNumber,
			ContainerID: rec.ContainerID,
			RemoveImage: true,
		})
		if err != nil {
			s.Log.Error("sweep enqueue", "pr", rec.PRNumber, "error", err)
			continue
		}
		swept++
		s.Log.Info("stale deployment queued for destroy", "pr", rec.PRNumber, "age", time.Since(rec.CreatedAt).Round(time.Minute))
	}
	return swept, nil
}
