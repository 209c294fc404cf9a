// Package tunnel supervises one HTTP tunnel child process per pull request,
// exposing a locally bound port through a public URL printed by the tunnel
// binary on startup.
package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

var (
	// ErrStartup is returned when the tunnel process dies or prints a fatal
	// line before producing a URL.
	ErrStartup = errors.New("tunnel-failed")

	urlPattern   = regexp.MustCompile(`https://[a-zA-Z0-9][a-zA-Z0-9.-]*\.[a-zA-Z]{2,}[^\s]*`)
	fatalPattern = regexp.MustCompile(`(?i)panic|fatal|unable to initialize|exited unexpectedly`)

	// Informational hosts printed in banners and terms notices; never the
	// tunnel endpoint.
	ignoredHosts = []string{
		"www.cloudflare.com",
		"developers.cloudflare.com",
		"github.com",
		"api.trycloudflare.com",
	}
)

// Config selects the tunnel binary and its startup behavior.
type Config struct {
	Binary          string
	Protocol        string
	Name            string
	CredentialsPath string
	StartupTimeout  time.Duration
}

// Tunnel is one live tunnel child.
type Tunnel struct {
	PR        int       `json:"pr_number"`
	URL       string    `json:"url"`
	HostPort  int       `json:"host_port"`
	StartedAt time.Time `json:"started_at"`
	LastCheck time.Time `json:"last_check,omitempty"`
	Failures  int       `json:"consecutive_failures,omitempty"`

	cmd  *exec.Cmd
	done chan struct{}
}

// Manager owns every tunnel child. At most one tunnel is live per PR, and
// StopAll is hooked into process shutdown so no child outlives the
// controller.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	tunnels map[int]*Tunnel
}

// NewManager creates a tunnel manager.
func NewManager(cfg Config, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "cloudflared"
	}
	if cfg.Protocol == "" {
		// TCP-over-TLS; QUIC trips host UDP buffer limits.
		cfg.Protocol = "http2"
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return &Manager{cfg: cfg, log: log, tunnels: make(map[int]*Tunnel)}
}

// Start spawns a tunnel for a PR's host port and returns the public URL.
// An existing tunnel for the PR is stopped first.
func (m *Manager) Start(ctx context.Context, pr, hostPort int) (string, error) {
	m.Stop(pr)

	args := m.args(hostPort)
	cmd := exec.Command(m.cfg.Binary, args...)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("%w: spawn %s: %v", ErrStartup, m.cfg.Binary, err)
	}

	log := m.log.With("pr", pr, "port", hostPort)
	log.Info("tunnel starting", "binary", m.cfg.Binary, "protocol", m.cfg.Protocol)

	urlCh := make(chan string, 2)
	fatalCh := make(chan string, 2)
	registeredCh := make(chan struct{}, 2)
	go m.scan(log, stdout, urlCh, fatalCh, registeredCh)
	go m.scan(log, stderr, urlCh, fatalCh, registeredCh)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.cfg.StartupTimeout)
	defer timer.Stop()

	registered := false
	presumed := ""
	for {
		select {
		case url := <-urlCh:
			if presumed == "" {
				presumed = url
			}
			if registered || !m.cfg.needsRegistration() {
				return m.adopt(pr, hostPort, url, cmd, done), nil
			}
		case <-registeredCh:
			registered = true
			if presumed != "" {
				return m.adopt(pr, hostPort, presumed, cmd, done), nil
			}
		case line := <-fatalCh:
			stopProcess(cmd, done, 5*time.Second)
			return "", fmt.Errorf("%w: %s", ErrStartup, line)
		case <-done:
			return "", fmt.Errorf("%w: process exited during startup", ErrStartup)
		case <-timer.C:
			// A registered connection without an explicit URL line still
			// means the tunnel is up; resolve with what we saw.
			if registered && presumed != "" {
				return m.adopt(pr, hostPort, presumed, cmd, done), nil
			}
			stopProcess(cmd, done, 5*time.Second)
			return "", fmt.Errorf("%w: no URL within %s", ErrStartup, m.cfg.StartupTimeout)
		case <-ctx.Done():
			stopProcess(cmd, done, 5*time.Second)
			return "", ctx.Err()
		}
	}
}

// Stop terminates the tunnel for a PR: SIGTERM, 5s grace, then SIGKILL of
// the process group. No-op when none is live.
func (m *Manager) Stop(pr int) {
	m.mu.Lock()
	t, ok := m.tunnels[pr]
	if ok {
		delete(m.tunnels, pr)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.log.Info("tunnel stopping", "pr", pr, "url", t.URL)
	stopProcess(t.cmd, t.done, 5*time.Second)
}

// StopAll terminates every live tunnel. Called on controller shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	prs := make([]int, 0, len(m.tunnels))
	for pr := range m.tunnels {
		prs = append(prs, pr)
	}
	m.mu.Unlock()

	for _, pr := range prs {
		m.Stop(pr)
	}
}

// URL returns the public URL for a PR's tunnel, or "".
func (m *Manager) URL(pr int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tunnels[pr]; ok {
		return t.URL
	}
	return ""
}

// Active returns a snapshot of live tunnels.
func (m *Manager) Active() []Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, *t)
	}
	return out
}

func (m *Manager) adopt(pr, hostPort int, url string, cmd *exec.Cmd, done chan struct{}) string {
	t := &Tunnel{
		PR:        pr,
		URL:       url,
		HostPort:  hostPort,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      done,
	}
	m.mu.Lock()
	m.tunnels[pr] = t
	m.mu.Unlock()
	m.log.Info("tunnel ready", "pr", pr, "url", url)

	// Reap the entry if the child dies on its own.
	go func() {
		<-done
		m.mu.Lock()
		if cur, ok := m.tunnels[pr]; ok && cur == t {
			delete(m.tunnels, pr)
			m.log.Warn("tunnel exited", "pr", pr, "url", url)
		}
		m.mu.Unlock()
	}()
	return url
}

// scan classifies output lines: adopt the first non-informational URL,
// abort on fatal patterns, log the rest (UDP buffer warnings included).
func (m *Manager) scan(log *slog.Logger, r io.Reader, urlCh, fatalCh chan<- string, registeredCh chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug("tunnel output", "line", line)

		if fatalPattern.MatchString(line) {
			select {
			case fatalCh <- line:
			default:
			}
			continue
		}
		if strings.Contains(strings.ToLower(line), "registered tunnel connection") {
			select {
			case registeredCh <- struct{}{}:
			default:
			}
		}
		if url := urlPattern.FindString(line); url != "" && !ignoredURL(url) {
			select {
			case urlCh <- strings.TrimRight(url, ".,)"):
			default:
			}
		}
	}
}

func (m *Manager) args(hostPort int) []string {
	args := []string{
		"tunnel",
		"--no-autoupdate",
		"--protocol", m.cfg.Protocol,
		"--url", fmt.Sprintf("http://127.0.0.1:%d", hostPort),
	}
	if m.cfg.CredentialsPath != "" {
		args = append(args, "--credentials-file", m.cfg.CredentialsPath)
	}
	if m.cfg.Name != "" {
		args = append(args, "--name", m.cfg.Name)
	}
	return args
}

// needsRegistration reports whether startup should wait for a
// connection-registered line before trusting a URL. Named tunnels print
// their hostname immediately; ephemeral ones assign it on registration.
func (c Config) needsRegistration() bool {
	return c.Name == ""
}

func ignoredURL(url string) bool {
	for _, host := range ignoredHosts {
		if strings.Contains(url, host) {
			return true
		}
	}
	return false
}

// stopProcess delivers SIGTERM to the child's process group, waits up to
// grace, then SIGKILLs.
func stopProcess(cmd *exec.Cmd, done <-chan struct{}, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	terminate(cmd)
	select {
	case <-done:
	case <-time.After(grace):
		kill(cmd)
		<-done
	}
}
