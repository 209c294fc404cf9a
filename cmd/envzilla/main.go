package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/EnvZilla/envzilla/internal/config"
	"github.com/EnvZilla/envzilla/internal/crypto"
	"github.com/EnvZilla/envzilla/internal/engine"
	"github.com/EnvZilla/envzilla/internal/executor"
	"github.com/EnvZilla/envzilla/internal/forge"
	"github.com/EnvZilla/envzilla/internal/health"
	"github.com/EnvZilla/envzilla/internal/jobs"
	"github.com/EnvZilla/envzilla/internal/queue"
	"github.com/EnvZilla/envzilla/internal/server"
	"github.com/EnvZilla/envzilla/internal/store"
	"github.com/EnvZilla/envzilla/internal/tunnel"
	"github.com/EnvZilla/envzilla/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "envzilla",
		Short:   "Preview environments for pull requests",
		Version: version.Version,
	}

	rootCmd.AddCommand(
		serverCmd(),
		sweepCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the controller: webhook receiver, API, and job workers",
		RunE:  runServer,
	}
	cmd.Flags().String("config-dir", ".", "Directory to look for envzilla.yaml / envzilla.toml")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")

	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		return fmt.Errorf("redis at %s: %w", cfg.RedisAddr(), err)
	}

	cipher, err := crypto.NewCipher(cfg.WebhookSecret)
	if err != nil {
		return err
	}

	st := store.New(rdb, cfg.DeployTTL.Duration(), log)
	q := queue.New(rdb, cfg.JobMaxAttempts, 2*time.Minute, log)
	eng := &engine.Docker{}

	tunnels := tunnel.NewManager(tunnel.Config{
		Binary:          cfg.TunnelBinary,
		Protocol:        cfg.TunnelProtocol,
		Name:            cfg.TunnelName,
		CredentialsPath: cfg.TunnelCredentialsPath,
		StartupTimeout:  cfg.TunnelStartupTimeout.Duration(),
	}, log)
	defer tunnels.StopAll()

	fg, err := buildForge(cfg, log)
	if err != nil {
		return err
	}

	builder := &executor.Builder{
		Store:   st,
		Engine:  eng,
		Cloner:  &executor.Cloner{},
		Ports:   executor.NewPortAllocator(cfg.PortRangeMin, cfg.PortRangeMax),
		Tunnels: tunnels,
		Forge:   fg,
		Cipher:  cipher,
		Config: executor.BuildConfig{
			BuildFile:                cfg.BuildFile,
			ContainerPort:            cfg.ContainerPort,
			ContainerHealthTimeout:   cfg.ContainerHealthTimeout.Duration(),
			ServiceReadyAttempts:     cfg.ServiceReadyAttempts,
			ServiceReadyDelay:        cfg.ServiceReadyDelay.Duration(),
			PreviewURLAttempts:       cfg.PreviewURLAttempts,
			PreviewURLDelay:          cfg.PreviewURLDelay.Duration(),
			PreviewURLRequestTimeout: cfg.PreviewURLRequestTimeout.Duration(),
		},
		Log: log,
	}
	destroyer := &executor.Destroyer{Store: st, Engine: eng, Tunnels: tunnels, Log: log}
	sweeper := health.NewSweeper(st, q, cfg.SweepInterval.Duration(), cfg.SweepMaxAge.Duration(), log)
	checker := health.NewChecker(st, eng, q)

	pool := queue.NewPool(q, cfg.JobConcurrency, map[queue.Kind]time.Duration{
		queue.KindBuild:   20 * time.Minute,
		queue.KindDestroy: 5 * time.Minute,
		queue.KindCleanup: 5 * time.Minute,
	}, log)
	jobs.Register(pool, builder, destroyer, sweeper)

	srv := server.New(cfg, st, q, fg, cipher, checker, sweeper, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	monitor := tunnel.NewMonitor(tunnels, 30*time.Second, log)
	go monitor.Run(ctx)
	go sweeper.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	pool.Stop()
	tunnels.StopAll()
	return nil
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reap deployments older than the age limit, then exit",
		RunE:  runSweep,
	}
	cmd.Flags().String("config-dir", ".", "Directory to look for envzilla.yaml / envzilla.toml")
	cmd.Flags().Int("max-age-hours", 0, "Override the configured sweep age")
	return cmd
}

func runSweep(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	maxAgeHours, _ := cmd.Flags().GetInt("max-age-hours")

	cfg, err := config.Load(configDir)
	if err != nil {
		return err
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	st := store.New(rdb, cfg.DeployTTL.Duration(), log)
	q := queue.New(rdb, cfg.JobMaxAttempts, 2*time.Minute, log)
	sweeper := health.NewSweeper(st, q, cfg.SweepInterval.Duration(), cfg.SweepMaxAge.Duration(), log)

	maxAge := cfg.SweepMaxAge.Duration()
	if maxAgeHours > 0 {
		maxAge = time.Duration(maxAgeHours) * time.Hour
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	swept, err := sweeper.Sweep(ctx, maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("queued %d stale deployments for teardown\n", swept)
	return nil
}

// buildForge configures GitHub access: app credentials when present, a
// plain token otherwise. Neither configured means comments are skipped.
func buildForge(cfg *config.Config, log *slog.Logger) (forge.Forge, error) {
	gh := &forge.GitHub{Token: cfg.ForgeToken}

	if cfg.ForgeAppID != 0 {
		pem, err := cfg.PrivateKeyPEM()
		if err != nil {
			return nil, err
		}
		if pem == "" {
			return nil, fmt.Errorf("FORGE_APP_ID set but no private key configured")
		}
		app, err := forge.NewAppAuth(cfg.ForgeAppID, pem)
		if err != nil {
			return nil, err
		}
		gh.App = app
		log.Info("forge app auth configured", "app_id", cfg.ForgeAppID)
	} else if cfg.ForgeToken == "" {
		log.Warn("no forge credentials configured, PR comments disabled")
	}
	return gh, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
