package executor

// BuildPayload is the job body for build-container jobs. CloneURL and
// CommitSHA are sealed by the dispatcher and opened by the executor; they
// are sensitive in transit through the queue.
type BuildPayload struct {
	PRNumber       int    `json:"pr_number"`
	Branch         string `json:"branch"`
	CloneURL       string `json:"clone_url"`
	CommitSHA      string `json:"commit_sha"`
	RepoFullName   string `json:"repo_full_name"`
	Author         string `json:"author"`
	InstallationID int64  `json:"installation_id,omitempty"`
}

// DestroyPayload is the job body for destroy-container jobs. ContainerID
// may be empty, in which case containers are found by their preview name.
type DestroyPayload struct {
	PRNumber    int    `json:"pr_number"`
	ContainerID string `json:"container_id,omitempty"`
	RemoveImage bool   `json:"remove_image"`
}
