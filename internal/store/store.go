package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a PR.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict is returned when a write would violate the status
	// state machine.
	ErrStateConflict = errors.New("state-conflict")
)

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusBuilding   Status = "building"
	StatusRunning    Status = "running"
	StatusDestroying Status = "destroying"
	StatusFailed     Status = "failed"
	StatusStopped    Status = "stopped"
)

// DeploymentRecord is the authoritative per-PR bookkeeping entity. At most
// one live record exists per PR number.
type DeploymentRecord struct {
	PRNumber     int    `json:"pr_number"`
	Status       Status `json:"status"`
	ContainerID  string `json:"container_id,omitempty"`
	HostPort     int    `json:"host_port,omitempty"`
	ImageRef     string `json:"image_ref,omitempty"`
	Branch       string `json:"branch,omitempty"`
	CommitSHA    string `json:"commit_sha,omitempty"`
	Title        string `json:"title,omitempty"`
	Author       string `json:"author,omitempty"`
	RepoFullName string `json:"repo_full_name,omitempty"`
	CloneURL     string `json:"clone_url,omitempty"`
	TunnelURL    string `json:"tunnel_url,omitempty"`
	LastError    string `json:"last_error,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	BuildStartedAt   *time.Time `json:"build_started_at,omitempty"`
	BuildCompletedAt *time.Time `json:"build_completed_at,omitempty"`
}

// legalFrom maps a target status to the statuses a record may hold before
// the write. The empty status stands for "no record yet". A running record
// may return to queued so a new push rebuilds the preview; only building
// blocks a requeue, which coalesces events racing an in-flight build.
var legalFrom = map[Status][]Status{
	StatusQueued:     {"", StatusFailed, StatusStopped, StatusQueued, StatusRunning},
	StatusBuilding:   {StatusQueued},
	StatusRunning:    {StatusBuilding},
	StatusFailed:     {StatusQueued, StatusBuilding, StatusDestroying},
	StatusDestroying: {StatusQueued, StatusBuilding, StatusRunning, StatusFailed, StatusStopped},
	StatusStopped:    {StatusDestroying},
}

// CanTransition reports whether a record in state from may move to state to.
func CanTransition(from, to Status) bool {
	for _, s := range legalFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Terminal reports whether a status is exempt from the TTL sweep. Only
// stopped is terminal; failed records can be revived by a reopen.
func Terminal(s Status) bool {
	return s == StatusStopped
}
