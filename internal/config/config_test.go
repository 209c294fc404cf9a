package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "s3cret")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 3000 || cfg.JobConcurrency != 3 || cfg.JobMaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.PortRangeMin != 5001 || cfg.PortRangeMax != 5999 {
		t.Fatalf("port range %d-%d", cfg.PortRangeMin, cfg.PortRangeMax)
	}
	if cfg.TunnelBinary != "cloudflared" || cfg.TunnelProtocol != "http2" {
		t.Fatalf("tunnel defaults: %s %s", cfg.TunnelBinary, cfg.TunnelProtocol)
	}
	if cfg.DeployTTL.Duration() != 7*24*time.Hour {
		t.Fatalf("deploy ttl %s", cfg.DeployTTL.Duration())
	}
	if cfg.RedisAddr() != "127.0.0.1:6379" {
		t.Fatalf("redis addr %s", cfg.RedisAddr())
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "")
	if _, err := Load(t.TempDir()); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("want ErrNoSecret, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("PORT", "8080")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("JOB_MAX_ATTEMPTS", "5")
	t.Setenv("TUNNEL_STARTUP_TIMEOUT_MS", "45000")
	t.Setenv("SWEEP_MAX_AGE_HOURS", "12")
	t.Setenv("TRUST_PROXY", "true")
	t.Setenv("RATE_LIMIT_MAX", "100")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 || cfg.RedisHost != "redis.internal" || cfg.JobMaxAttempts != 5 {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.TunnelStartupTimeout.Duration() != 45*time.Second {
		t.Fatalf("tunnel timeout %s", cfg.TunnelStartupTimeout.Duration())
	}
	if cfg.SweepMaxAge.Duration() != 12*time.Hour {
		t.Fatalf("sweep age %s", cfg.SweepMaxAge.Duration())
	}
	if !cfg.TrustProxy || cfg.RateLimitMax != 100 {
		t.Fatalf("proxy/rate limit overrides not applied: %+v", cfg)
	}
}

func TestTrustProxyDefaultsOff(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "s3cret")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TrustProxy || cfg.RateLimitMax != 0 {
		t.Fatalf("proxy settings should default off: %+v", cfg)
	}
}

func TestYAMLFileThenEnvWins(t *testing.T) {
	dir := t.TempDir()
	yaml := `
port: 9000
log_level: debug
build_file: Dockerfile.preview
service_ready_delay: 5s
`
	if err := os.WriteFile(filepath.Join(dir, "envzilla.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("PORT", "9090")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9090 {
		t.Fatalf("env should override file, port %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" || cfg.BuildFile != "Dockerfile.preview" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ServiceReadyDelay.Duration() != 5*time.Second {
		t.Fatalf("duration parse %s", cfg.ServiceReadyDelay.Duration())
	}
}

func TestTOMLFile(t *testing.T) {
	dir := t.TempDir()
	toml := `
port = 7000
container_port = 8080
preview_url_delay = "3s"
`
	if err := os.WriteFile(filepath.Join(dir, "envzilla.toml"), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WEBHOOK_SECRET", "s3cret")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7000 || cfg.ContainerPort != 8080 {
		t.Fatalf("toml values not applied: %+v", cfg)
	}
	if cfg.PreviewURLDelay.Duration() != 3*time.Second {
		t.Fatalf("duration parse %s", cfg.PreviewURLDelay.Duration())
	}
}

func TestYAMLRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "envzilla.yaml"), []byte("prot: 3000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WEBHOOK_SECRET", "s3cret")

	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestInvalidPortRange(t *testing.T) {
	t.Setenv("WEBHOOK_SECRET", "s3cret")
	t.Setenv("PORT_RANGE_MIN", "6000")
	t.Setenv("PORT_RANGE_MAX", "5000")

	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error for inverted range")
	}
}
