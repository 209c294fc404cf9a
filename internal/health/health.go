// Package health reports controller health and reaps deployments past
// their age limit.
package health

import (
	"context"
	"runtime"
	"time"

	"github.com/EnvZilla/envzilla/internal/engine"
	"github.com/EnvZilla/envzilla/internal/queue"
	"github.com/EnvZilla/envzilla/internal/store"
)

// Status is the top-level health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Snapshot is one point-in-time health report.
type Snapshot struct {
	Status          Status               `json:"status"`
	EngineReachable bool                 `json:"engine_reachable"`
	EngineVersion   string               `json:"engine_version,omitempty"`
	Deployments     map[store.Status]int `json:"deployments"`
	Queue           *queue.Stats         `json:"queue,omitempty"`
	MemoryPercent   float64              `json:"memory_percent"`
	UptimeSeconds   int64                `json:"uptime_seconds"`
	Errors          []string             `json:"errors,omitempty"`
}

// Checker produces health snapshots.
type Checker struct {
	Store   *store.Store
	Engine  *engine.Docker
	Queue   *queue.Queue
	started time.Time
}

// NewChecker creates a checker anchored at the current time for uptime.
func NewChecker(st *store.Store, eng *engine.Docker, q *queue.Queue) *Checker {
	return &Checker{Store: st, Engine: eng, Queue: q, started: time.Now()}
}

// Snapshot gathers engine reachability, record counts by status, queue
// depths, and process memory. Classification: healthy with no errors;
// degraded when the engine is down or memory is above 90%; unhealthy when
// failed deployments outnumber running ones.
func (c *Checker) Snapshot(ctx context.Context) *Snapshot {
	snap := &Snapshot{
		Deployments:   make(map[store.Status]int),
		UptimeSeconds: int64(time.Since(c.started).Seconds()),
	}

	if version, err := c.Engine.Version(ctx); err == nil {
		snap.EngineReachable = true
		snap.EngineVersion = version
	} else {
		snap.Errors = append(snap.Errors, "engine: "+err.Error())
	}

	if counts, err := c.Store.CountByStatus(ctx); err == nil {
		snap.Deployments = counts
	} else {
		snap.Errors = append(snap.Errors, "store: "+err.Error())
	}

	if c.Queue != nil {
		if stats, err := c.Queue.Stats(ctx); err == nil {
			snap.Queue = stats
		} else {
			snap.Errors = append(snap.Errors, "queue: "+err.Error())
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	if mem.Sys > 0 {
		snap.MemoryPercent = float64(mem.HeapAlloc) / float64(mem.Sys) * 100
	}

	snap.Status = classify(snap)
	return snap
}

func classify(snap *Snapshot) Status {
	if snap.Deployments[store.StatusFailed] > snap.Deployments[store.StatusRunning] &&
		snap.Deployments[store.StatusFailed] > 0 {
		return StatusUnhealthy
	}
	if !snap.EngineReachable || snap.MemoryPercent > 90 {
		return StatusDegraded
	}
	if len(snap.Errors) > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// HTTPStatus maps a snapshot to its /health response code.
func (s Status) HTTPStatus() int {
	switch s {
	case StatusHealthy:
		return 200
	case StatusDegraded:
		return 206
	default:
		return 503
	}
}
