package tunnel

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Monitor probes each active tunnel URL with HEAD requests and tracks
// consecutive failures. It only observes: deployment state is never mutated
// from here.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	client   *http.Client
	log      *slog.Logger
}

// NewMonitor creates a monitor probing every interval (default 30s).
func NewMonitor(m *Manager, interval time.Duration, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		manager:  m,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      log,
	}
}

// Run probes until the context is cancelled.
func (mo *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mo.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mo.sweep(ctx)
		}
	}
}

func (mo *Monitor) sweep(ctx context.Context) {
	mo.manager.mu.Lock()
	tunnels := make([]*Tunnel, 0, len(mo.manager.tunnels))
	for _, t := range mo.manager.tunnels {
		tunnels = append(tunnels, t)
	}
	mo.manager.mu.Unlock()

	for _, t := range tunnels {
		ok := mo.probe(ctx, t.URL)

		mo.manager.mu.Lock()
		t.LastCheck = time.Now()
		if ok {
			t.Failures = 0
		} else {
			t.Failures++
		}
		failures := t.Failures
		mo.manager.mu.Unlock()

		if failures > 0 {
			mo.log.Warn("tunnel health probe failed", "pr", t.PR, "url", t.URL, "consecutive", failures)
		}
	}
}

func (mo *Monitor) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := mo.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
