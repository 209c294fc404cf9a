package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitForState(t *testing.T, q *Queue, jobID string, want State) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(context.Background(), jobID)
		if err == nil && job.State == want {
			return job
		}
		time.Sleep(20 * time.Millisecond)
	}
	job, _ := q.Get(context.Background(), jobID)
	t.Fatalf("job never reached %s, last seen %+v", want, job)
	return nil
}

func TestPoolRunsHandlerToCompletion(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	pool := NewPool(q, 1, nil, nil)

	ran := make(chan struct{}, 1)
	pool.Register(KindBuild, func(ctx context.Context, job *Job, report func(int)) error {
		report(50)
		ran <- struct{}{}
		return nil
	})

	jobID, _ := q.Enqueue(context.Background(), KindBuild, 1, testPayload{PR: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}
	waitForState(t, q, jobID, StateCompleted)
}

func TestPoolDeadLettersNonRetryable(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	pool := NewPool(q, 1, nil, nil)

	pool.Register(KindDestroy, func(ctx context.Context, job *Job, report func(int)) error {
		return NoRetry(errors.New("invalid-container-id: bad"))
	})

	jobID, _ := q.Enqueue(context.Background(), KindDestroy, 2, testPayload{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	job := waitForState(t, q, jobID, StateFailed)
	if job.Attempts != 1 {
		t.Fatalf("non-retryable job took %d attempts", job.Attempts)
	}
}

func TestPoolRetriesHandlerError(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	pool := NewPool(q, 1, nil, nil)

	pool.Register(KindBuild, func(ctx context.Context, job *Job, report func(int)) error {
		return errors.New("clone-failed: transient")
	})

	jobID, _ := q.Enqueue(context.Background(), KindBuild, 1, testPayload{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	// The promotion loop runs every second, so three attempts land within a
	// few seconds.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(context.Background(), jobID)
		if err == nil && job.State == StateFailed {
			if job.Attempts != 3 {
				t.Fatalf("dead-lettered after %d attempts, want 3", job.Attempts)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("job never dead-lettered")
}

func TestPoolRecoversHandlerPanic(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	pool := NewPool(q, 1, nil, nil)

	pool.Register(KindBuild, func(ctx context.Context, job *Job, report func(int)) error {
		panic("boom")
	})

	jobID, _ := q.Enqueue(context.Background(), KindBuild, 1, testPayload{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	job := waitForState(t, q, jobID, StateFailed)
	if job.LastError == "" {
		t.Fatal("panic left no error on the job")
	}
}

func TestMaintenanceLoopRunsUntilCancelled(t *testing.T) {
	q, _ := newTestQueue(t, 3)
	pool := NewPool(q, 1, nil, nil)

	ticks := make(chan struct{}, 16)
	ctx, cancel := context.WithCancel(context.Background())

	pool.wg.Add(1)
	go pool.maintenanceLoop(ctx, 5*time.Millisecond, func(context.Context) {
		select {
		case ticks <- struct{}{}:
		default:
		}
	})

	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(2 * time.Second):
			t.Fatal("maintenance function never ran")
		}
	}

	cancel()
	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance loop did not exit on cancel")
	}
}

func TestNoRetryUnwraps(t *testing.T) {
	base := errors.New("decrypt-error")
	wrapped := NoRetry(base)

	var nre *NonRetryableError
	if !errors.As(wrapped, &nre) {
		t.Fatal("errors.As failed")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("errors.Is failed through wrapper")
	}
}
