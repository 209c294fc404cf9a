package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrNoSecret is returned when the webhook secret is missing.
var ErrNoSecret = errors.New("WEBHOOK_SECRET is required")

// Config holds the controller configuration. Values come from an optional
// envzilla.yaml / envzilla.toml file, with environment variables overriding
// anything the file sets.
type Config struct {
	// HTTP server
	Port       int    `yaml:"port" toml:"port"`
	LogLevel   string `yaml:"log_level" toml:"log_level"`
	CORSOrigin string `yaml:"cors_origin" toml:"cors_origin"`

	// TrustProxy makes the server take client addresses from
	// X-Forwarded-For / X-Real-IP. Only enable behind a proxy that sets
	// them, since clients can forge the headers otherwise.
	TrustProxy bool `yaml:"trust_proxy" toml:"trust_proxy"`

	// RateLimitMax caps concurrent in-flight requests. Zero disables the
	// limit.
	RateLimitMax int `yaml:"rate_limit_max" toml:"rate_limit_max"`

	// Webhook verification
	WebhookSecret string `yaml:"webhook_secret" toml:"webhook_secret"`

	// Redis connection (store + queue)
	RedisHost     string `yaml:"redis_host" toml:"redis_host"`
	RedisPort     int    `yaml:"redis_port" toml:"redis_port"`
	RedisPassword string `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int    `yaml:"redis_db" toml:"redis_db"`

	// Job pipeline
	JobConcurrency int `yaml:"job_concurrency" toml:"job_concurrency"`
	JobMaxAttempts int `yaml:"job_max_attempts" toml:"job_max_attempts"`

	// Build executor
	BuildFile     string `yaml:"build_file" toml:"build_file"`
	ContainerPort int    `yaml:"container_port" toml:"container_port"`
	PortRangeMin  int    `yaml:"port_range_min" toml:"port_range_min"`
	PortRangeMax  int    `yaml:"port_range_max" toml:"port_range_max"`

	// Readiness and preview URL probing
	ContainerHealthTimeout   Duration `yaml:"container_health_timeout" toml:"container_health_timeout"`
	ServiceReadyAttempts     int      `yaml:"service_ready_attempts" toml:"service_ready_attempts"`
	ServiceReadyDelay        Duration `yaml:"service_ready_delay" toml:"service_ready_delay"`
	PreviewURLAttempts       int      `yaml:"preview_url_attempts" toml:"preview_url_attempts"`
	PreviewURLDelay          Duration `yaml:"preview_url_delay" toml:"preview_url_delay"`
	PreviewURLRequestTimeout Duration `yaml:"preview_url_request_timeout" toml:"preview_url_request_timeout"`

	// Tunnel
	TunnelBinary          string   `yaml:"tunnel_binary" toml:"tunnel_binary"`
	TunnelProtocol        string   `yaml:"tunnel_protocol" toml:"tunnel_protocol"`
	TunnelStartupTimeout  Duration `yaml:"tunnel_startup_timeout" toml:"tunnel_startup_timeout"`
	TunnelName            string   `yaml:"tunnel_name" toml:"tunnel_name"`
	TunnelCredentialsPath string   `yaml:"tunnel_credentials_path" toml:"tunnel_credentials_path"`

	// Forge comment posting
	ForgeAppID          int64  `yaml:"forge_app_id" toml:"forge_app_id"`
	ForgePrivateKey     string `yaml:"forge_private_key" toml:"forge_private_key"`
	ForgePrivateKeyPath string `yaml:"forge_private_key_path" toml:"forge_private_key_path"`
	ForgeToken          string `yaml:"forge_token" toml:"forge_token"`

	// Deployment lifecycle
	DeployTTL     Duration `yaml:"deploy_ttl" toml:"deploy_ttl"`
	SweepInterval Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	SweepMaxAge   Duration `yaml:"sweep_max_age" toml:"sweep_max_age"`
}

// Duration wraps time.Duration for parsing "90s" style values from YAML,
// TOML, and JSON.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.set(s)
}

func (d *Duration) UnmarshalText(text []byte) error {
	return d.set(string(text))
}

func (d *Duration) set(s string) error {
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Load builds the configuration: defaults, then an optional config file in
// dir, then environment variables.
func Load(dir string) (*Config, error) {
	cfg := defaults()

	if err := loadFile(dir, cfg); err != nil {
		return nil, err
	}
	loadEnv(cfg)

	if cfg.WebhookSecret == "" {
		return nil, ErrNoSecret
	}
	if cfg.PortRangeMin >= cfg.PortRangeMax {
		return nil, fmt.Errorf("invalid port range %d-%d", cfg.PortRangeMin, cfg.PortRangeMax)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:                     3000,
		LogLevel:                 "info",
		RedisHost:                "127.0.0.1",
		RedisPort:                6379,
		JobConcurrency:           3,
		JobMaxAttempts:           3,
		BuildFile:                "Dockerfile",
		ContainerPort:            3000,
		PortRangeMin:             5001,
		PortRangeMax:             5999,
		ContainerHealthTimeout:   Duration(60 * time.Second),
		ServiceReadyAttempts:     15,
		ServiceReadyDelay:        Duration(2 * time.Second),
		PreviewURLAttempts:       6,
		PreviewURLDelay:          Duration(2 * time.Second),
		PreviewURLRequestTimeout: Duration(8 * time.Second),
		TunnelBinary:             "cloudflared",
		TunnelProtocol:           "http2",
		TunnelStartupTimeout:     Duration(30 * time.Second),
		DeployTTL:                Duration(7 * 24 * time.Hour),
		SweepInterval:            Duration(6 * time.Hour),
		SweepMaxAge:              Duration(24 * time.Hour),
	}
}

func loadFile(dir string, cfg *Config) error {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{"envzilla.yaml", parseYAML},
		{"envzilla.yml", parseYAML},
		{"envzilla.toml", parseTOML},
	}

	for _, c := range candidates {
		data, err := os.ReadFile(filepath.Join(dir, c.name))
		if err != nil {
			continue
		}
		if err := c.parser(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", c.name, err)
		}
		return nil
	}
	return nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	return decoder.Decode(cfg)
}

func parseTOML(data []byte, cfg *Config) error {
	_, err := toml.Decode(string(data), cfg)
	return err
}

func loadEnv(cfg *Config) {
	envInt(&cfg.Port, "PORT")
	envStr(&cfg.LogLevel, "LOG_LEVEL")
	envStr(&cfg.CORSOrigin, "CORS_ORIGIN")
	envBool(&cfg.TrustProxy, "TRUST_PROXY")
	envInt(&cfg.RateLimitMax, "RATE_LIMIT_MAX")
	envStr(&cfg.WebhookSecret, "WEBHOOK_SECRET")

	envStr(&cfg.RedisHost, "REDIS_HOST")
	envInt(&cfg.RedisPort, "REDIS_PORT")
	envStr(&cfg.RedisPassword, "REDIS_PASSWORD")
	envInt(&cfg.RedisDB, "REDIS_DB")

	envInt(&cfg.JobConcurrency, "JOB_CONCURRENCY")
	envInt(&cfg.JobMaxAttempts, "JOB_MAX_ATTEMPTS")

	envStr(&cfg.BuildFile, "BUILD_FILE")
	envInt(&cfg.ContainerPort, "CONTAINER_PORT")
	envInt(&cfg.PortRangeMin, "PORT_RANGE_MIN")
	envInt(&cfg.PortRangeMax, "PORT_RANGE_MAX")

	envMillis(&cfg.ContainerHealthTimeout, "CONTAINER_HEALTH_TIMEOUT_MS")
	envInt(&cfg.ServiceReadyAttempts, "SERVICE_READY_ATTEMPTS")
	envMillis(&cfg.ServiceReadyDelay, "SERVICE_READY_DELAY_MS")
	envInt(&cfg.PreviewURLAttempts, "PREVIEW_URL_ATTEMPTS")
	envMillis(&cfg.PreviewURLDelay, "PREVIEW_URL_DELAY_MS")
	envMillis(&cfg.PreviewURLRequestTimeout, "PREVIEW_URL_REQUEST_TIMEOUT_MS")

	envStr(&cfg.TunnelBinary, "TUNNEL_BINARY")
	envStr(&cfg.TunnelProtocol, "TUNNEL_PROTOCOL")
	envMillis(&cfg.TunnelStartupTimeout, "TUNNEL_STARTUP_TIMEOUT_MS")
	envStr(&cfg.TunnelName, "TUNNEL_NAME")
	envStr(&cfg.TunnelCredentialsPath, "TUNNEL_CREDENTIALS_PATH")

	envInt64(&cfg.ForgeAppID, "FORGE_APP_ID")
	envStr(&cfg.ForgePrivateKey, "FORGE_PRIVATE_KEY")
	envStr(&cfg.ForgePrivateKeyPath, "FORGE_PRIVATE_KEY_PATH")
	envStr(&cfg.ForgeToken, "FORGE_TOKEN")

	envHours(&cfg.DeployTTL, "DEPLOY_TTL_HOURS")
	envHours(&cfg.SweepInterval, "SWEEP_INTERVAL_HOURS")
	envHours(&cfg.SweepMaxAge, "SWEEP_MAX_AGE_HOURS")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envMillis(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = Duration(time.Duration(n) * time.Millisecond)
		}
	}
}

func envHours(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = Duration(time.Duration(n) * time.Hour)
		}
	}
}

// RedisAddr returns the host:port address for the Redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// PrivateKeyPEM returns the forge app private key, reading the key file if
// only a path was configured.
func (c *Config) PrivateKeyPEM() (string, error) {
	if c.ForgePrivateKey != "" {
		return c.ForgePrivateKey, nil
	}
	if c.ForgePrivateKeyPath == "" {
		return "", nil
	}
	data, err := os.ReadFile(c.ForgePrivateKeyPath)
	if err != nil {
		return "", fmt.Errorf("read private key: %w", err)
	}
	return string(data), nil
}
