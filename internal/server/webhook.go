package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/EnvZilla/envzilla/internal/executor"
	"github.com/EnvZilla/envzilla/internal/forge"
	"github.com/EnvZilla/envzilla/internal/queue"
	"github.com/EnvZilla/envzilla/internal/store"
)

// maxWebhookBody bounds the payload size before any parsing happens.
const maxWebhookBody = 1 << 20

// handleWebhook receives forge webhooks. The raw body is captured and
// size-limited first, then the HMAC signature is verified over those exact
// bytes; only verified payloads are parsed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds 1 MiB")
			return
		}
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if err := forge.VerifySignature(body, sig, s.cfg.WebhookSecret); err != nil {
		s.log.Warn("webhook rejected", "error", err, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "signature-invalid")
		return
	}

	if event := r.Header.Get("X-GitHub-Event"); event != "pull_request" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "event": event})
		return
	}

	pr, err := s.forge.ParsePullRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed pull_request payload")
		return
	}

	log := s.log.With("pr", pr.Number, "action", pr.Action, "repo", pr.RepoFullName)
	switch pr.Action {
	case "opened", "reopened", "synchronize":
		s.dispatchBuild(w, r, pr, log)
	case "closed", "merged":
		s.dispatchDestroy(w, r, pr.Number, log)
	default:
		log.Debug("webhook action ignored")
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "action": pr.Action})
	}
}

// dispatchBuild upserts the deployment record and enqueues a build job. The
// sensitive payload fields are sealed before they touch Redis. The record
// moves queued then building before the response goes out, so a second
// event for the same PR arriving mid-dispatch hits a state conflict.
func (s *Server) dispatchBuild(w http.ResponseWriter, r *http.Request, pr *forge.PullRequestEvent, log *slog.Logger) {
	ctx := r.Context()

	sealedURL, err := s.cipher.Encrypt(pr.CloneURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sealing payload")
		return
	}
	sealedSHA, err := s.cipher.Encrypt(pr.CommitSHA)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sealing payload")
		return
	}

	_, err = s.store.Transition(ctx, pr.Number, store.StatusQueued, func(rec *store.DeploymentRecord) {
		rec.Branch = pr.HeadBranch
		rec.Title = pr.Title
		rec.Author = pr.Sender
		rec.RepoFullName = pr.RepoFullName
		rec.CloneURL = sealedURL
		rec.CommitSHA = sealedSHA
		// A requeue from failed or stopped starts clean.
		rec.ContainerID = ""
		rec.HostPort = 0
		rec.ImageRef = ""
		rec.TunnelURL = ""
		rec.LastError = ""
		rec.BuildStartedAt = nil
		rec.BuildCompletedAt = nil
	})
	if errors.Is(err, store.ErrStateConflict) {
		log.Warn("build dispatch conflicts with current state")
		writeError(w, http.StatusConflict, "state-conflict")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "recording deployment")
		return
	}

	jobID, err := s.queue.Enqueue(ctx, queue.KindBuild, 1, executor.BuildPayload{
		PRNumber:       pr.Number,
		Branch:         pr.HeadBranch,
		CloneURL:       sealedURL,
		CommitSHA:      sealedSHA,
		RepoFullName:   pr.RepoFullName,
		Author:         pr.Sender,
		InstallationID: pr.InstallationID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueueing build")
		return
	}

	if _, err := s.store.Transition(ctx, pr.Number, store.StatusBuilding, nil); err != nil {
		log.Warn("marking record building", "error", err)
	}

	log.Info("build dispatched", "job_id", jobID, "branch", pr.HeadBranch)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "queued",
		"pr_number": pr.Number,
		"job_id":    jobID,
	})
}

// dispatchDestroy enqueues teardown for a PR's preview. A PR that never
// produced a container answers no-deployment rather than an error.
func (s *Server) dispatchDestroy(w http.ResponseWriter, r *http.Request, prNumber int, log *slog.Logger) {
	ctx := r.Context()

	rec, err := s.store.Get(ctx, prNumber)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no-deployment"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading deployment")
		return
	}
	if rec.ContainerID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no-deployment"})
		return
	}

	if _, err := s.store.Transition(ctx, prNumber, store.StatusDestroying, nil); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			writeError(w, http.StatusConflict, "state-conflict")
			return
		}
		writeError(w, http.StatusInternalServerError, "recording teardown")
		return
	}

	jobID, err := s.queue.Enqueue(ctx, queue.KindDestroy, 2, executor.DestroyPayload{
		PRNumber:    prNumber,
		ContainerID: rec.ContainerID,
		RemoveImage: true,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueueing destroy")
		return
	}

	log.Info("destroy dispatched", "job_id", jobID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "destroying",
		"pr_number": prNumber,
		"job_id":    jobID,
	})
}
