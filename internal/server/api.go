package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/EnvZilla/envzilla/internal/queue"
	"github.com/EnvZilla/envzilla/internal/store"
)

// handleHealth reports a health snapshot: 200 healthy, 206 degraded,
// 503 unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.checker.Snapshot(r.Context())
	writeJSON(w, snap.Status.HTTPStatus(), snap)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing deployments")
		return
	}
	if records == nil {
		records = []*store.DeploymentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deployments": records,
		"count":       len(records),
	})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	pr, ok := prParam(w, r)
	if !ok {
		return
	}
	rec, err := s.store.Get(r.Context(), pr)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no deployment for pr")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading deployment")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteDeployment tears a preview down on request, same path as a
// closed webhook.
func (s *Server) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	pr, ok := prParam(w, r)
	if !ok {
		return
	}
	s.dispatchDestroy(w, r, pr, s.log.With("pr", pr, "via", "api"))
}

// handleCleanup sweeps deployments older than maxAge hours (default: the
// configured sweep age) into teardown.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	maxAge := s.cfg.SweepMaxAge.Duration()
	if v := r.URL.Query().Get("maxAge"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, "invalid maxAge")
			return
		}
		maxAge = time.Duration(hours) * time.Hour
	}

	swept, err := s.sweeper.Sweep(r.Context(), maxAge)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"swept":         swept,
		"max_age_hours": maxAge.Hours(),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading queue stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := s.queue.Get(r.Context(), jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "no such job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reading job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func prParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	pr, err := strconv.Atoi(chi.URLParam(r, "pr"))
	if err != nil || pr <= 0 {
		writeError(w, http.StatusBadRequest, "invalid pr number")
		return 0, false
	}
	return pr, true
}
