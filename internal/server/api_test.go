package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/EnvZilla/envzilla/internal/config"
	"github.com/EnvZilla/envzilla/internal/queue"
	"github.com/EnvZilla/envzilla/internal/store"
)

func (e *testEnv) request(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	// The test engine binary does not exist, so the snapshot degrades.
	rr := env.request(t, http.MethodGet, "/health")
	if rr.Code != http.StatusPartialContent {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}

	var snap map[string]any
	json.Unmarshal(rr.Body.Bytes(), &snap)
	if snap["status"] != "degraded" {
		t.Fatalf("snapshot %v", snap)
	}
	if snap["engine_reachable"] != false {
		t.Fatal("engine should be unreachable in tests")
	}
}

func TestListDeployments(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rr := env.request(t, http.MethodGet, "/deployments")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Count != 0 {
		t.Fatalf("count %d", resp.Count)
	}

	env.store.Transition(ctx, 3, store.StatusQueued, nil)
	rr = env.request(t, http.MethodGet, "/deployments")
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Count != 1 {
		t.Fatalf("count %d after insert", resp.Count)
	}
}

func TestGetDeployment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if rr := env.request(t, http.MethodGet, "/deployments/5"); rr.Code != http.StatusNotFound {
		t.Fatalf("missing record status %d", rr.Code)
	}
	if rr := env.request(t, http.MethodGet, "/deployments/zero"); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad pr status %d", rr.Code)
	}

	env.store.Transition(ctx, 5, store.StatusQueued, func(r *store.DeploymentRecord) {
		r.Branch = "feature/y"
	})
	rr := env.request(t, http.MethodGet, "/deployments/5")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var rec store.DeploymentRecord
	json.Unmarshal(rr.Body.Bytes(), &rec)
	if rec.PRNumber != 5 || rec.Branch != "feature/y" {
		t.Fatalf("record %+v", rec)
	}
}

func TestDeleteDeployment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if rr := env.request(t, http.MethodDelete, "/deployments/6"); rr.Code != http.StatusOK {
		t.Fatalf("absent record delete status %d", rr.Code)
	}

	env.store.Transition(ctx, 6, store.StatusQueued, nil)
	env.store.Transition(ctx, 6, store.StatusBuilding, nil)
	env.store.Transition(ctx, 6, store.StatusRunning, func(r *store.DeploymentRecord) {
		r.ContainerID = "c6"
		r.HostPort = 5006
	})

	rr := env.request(t, http.MethodDelete, "/deployments/6")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	rec, _ := env.store.Get(ctx, 6)
	if rec.Status != store.StatusDestroying {
		t.Fatalf("status %s", rec.Status)
	}
}

func TestQueueStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	env.queue.Enqueue(context.Background(), queue.KindBuild, 1, map[string]int{"pr": 1})

	rr := env.request(t, http.MethodGet, "/admin/queue/stats")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var stats queue.Stats
	json.Unmarshal(rr.Body.Bytes(), &stats)
	if stats.Waiting != 1 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestGetJobEndpoint(t *testing.T) {
	env := newTestEnv(t)

	if rr := env.request(t, http.MethodGet, "/admin/jobs/nope"); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown job status %d", rr.Code)
	}

	jobID, _ := env.queue.Enqueue(context.Background(), queue.KindBuild, 1, map[string]int{"pr": 1})
	rr := env.request(t, http.MethodGet, "/admin/jobs/"+jobID)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var job queue.Job
	json.Unmarshal(rr.Body.Bytes(), &job)
	if job.ID != jobID || job.State != queue.StateWaiting {
		t.Fatalf("job %+v", job)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rr := env.request(t, http.MethodPost, "/admin/cleanup")
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Swept int `json:"swept"`
	}
	json.Unmarshal(rr.Body.Bytes(), &resp)
	if resp.Swept != 0 {
		t.Fatalf("swept %d on empty store", resp.Swept)
	}

	if rr := env.request(t, http.MethodPost, "/admin/cleanup?maxAge=12"); rr.Code != http.StatusOK {
		t.Fatalf("maxAge override status %d", rr.Code)
	}
	if rr := env.request(t, http.MethodPost, "/admin/cleanup?maxAge=bogus"); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad maxAge status %d", rr.Code)
	}
}

func TestRouterProxyAndThrottleSettings(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.TrustProxy = true
		c.RateLimitMax = 4
	})

	for i := 0; i < 3; i++ {
		rr := env.request(t, http.MethodGet, "/deployments")
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d status %d", i, rr.Code)
		}
	}
}
