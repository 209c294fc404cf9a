package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/EnvZilla/envzilla/internal/crypto"
	"github.com/EnvZilla/envzilla/internal/engine"
	"github.com/EnvZilla/envzilla/internal/forge"
	"github.com/EnvZilla/envzilla/internal/store"
	"github.com/EnvZilla/envzilla/internal/tunnel"
)

const (
	cloneTimeout = 5 * time.Minute
	buildTimeout = 10 * time.Minute
	runTimeout   = 60 * time.Second

	readinessRequestTimeout = 5 * time.Second
)

// BuildConfig tunes the build pipeline.
type BuildConfig struct {
	BuildFile     string
	ContainerPort int

	// ContainerHealthTimeout caps the whole readiness wait, attempts and
	// engine health probes included.
	ContainerHealthTimeout time.Duration

	ServiceReadyAttempts int
	ServiceReadyDelay    time.Duration

	PreviewURLAttempts       int
	PreviewURLDelay          time.Duration
	PreviewURLRequestTimeout time.Duration
}

// Builder runs the build pipeline for one PR: clone, image build, port
// allocation, container run, readiness, tunnel, comment, record
// finalization.
type Builder struct {
	Store   *store.Store
	Engine  *engine.Docker
	Cloner  *Cloner
	Ports   *PortAllocator
	Tunnels *tunnel.Manager
	Forge   forge.Forge
	Cipher  *crypto.Cipher
	Config  BuildConfig
	Log     *slog.Logger

	// Client probes readiness and tunnel URLs. Nil means a default client.
	Client *http.Client
}

// Execute runs a build job. On success the record is running with
// container, port, image, and tunnel URL; on failure it is failed with a
// classified last_error and partial artifacts are cleaned up best-effort.
// report publishes progress through the queue.
func (b *Builder) Execute(ctx context.Context, payload BuildPayload, report func(int)) error {
	log := b.log().With("pr", payload.PRNumber, "branch", payload.Branch)

	cloneURL, err := b.Cipher.Decrypt(payload.CloneURL)
	if err != nil {
		return b.fail(ctx, payload.PRNumber, failed(KindDecryptError, err))
	}
	commitSHA, err := b.Cipher.Decrypt(payload.CommitSHA)
	if err != nil {
		return b.fail(ctx, payload.PRNumber, failed(KindDecryptError, err))
	}

	if _, err := b.Store.Update(ctx, payload.PRNumber, func(rec *store.DeploymentRecord) {
		now := time.Now().UTC()
		rec.BuildStartedAt = &now
		rec.LastError = ""
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn("record build-start update", "error", err)
	}

	// Pre-flight: no engine, no point cloning anything.
	report(5)
	if _, err := b.Engine.Version(ctx); err != nil {
		return b.fail(ctx, payload.PRNumber, failed(KindEngineUnavailable, err))
	}

	report(10)
	cloneCtx, cancelClone := context.WithTimeout(ctx, cloneTimeout)
	workDir, err := b.Cloner.Clone(cloneCtx, cloneURL, payload.Branch, payload.PRNumber)
	cancelClone()
	if err != nil {
		return b.fail(ctx, payload.PRNumber, failed(KindCloneFailed, err))
	}
	defer os.RemoveAll(workDir)

	report(20)
	imageRef := fmt.Sprintf("preview-pr-%d:%d", payload.PRNumber, time.Now().Unix())
	buildCtx, cancelBuild := context.WithTimeout(ctx, buildTimeout)
	err = b.Engine.Build(buildCtx, workDir, b.Config.BuildFile, imageRef)
	cancelBuild()
	if err != nil {
		b.removeImage(imageRef)
		return b.fail(ctx, payload.PRNumber, failed(KindBuildFailed, err))
	}

	report(50)
	used, err := b.Store.UsedPorts(ctx)
	if err != nil {
		log.Warn("reading used ports", "error", err)
		used = map[int]bool{}
	}
	hostPort, err := b.Ports.Allocate(ctx, used)
	if err != nil {
		b.removeImage(imageRef)
		return b.fail(ctx, payload.PRNumber, failed(KindNoFreePort, err))
	}

	report(60)
	containerName := fmt.Sprintf("preview-%d", payload.PRNumber)
	// A rebuild supersedes the previous preview: anything still holding the
	// name must go before the new container can bind it.
	b.removeContainer(containerName)
	runCtx, cancelRun := context.WithTimeout(ctx, runTimeout)
	containerID, err := b.Engine.RunDetached(runCtx, imageRef, containerName, hostPort, b.Config.ContainerPort)
	cancelRun()
	if err != nil {
		b.Ports.Release(hostPort)
		b.removeContainer(containerName)
		b.removeImage(imageRef)
		return b.fail(ctx, payload.PRNumber, failed(KindRunFailed, err))
	}
	log.Info("container started", "container", shortID(containerID), "port", hostPort)

	// Readiness is advisory: an app that is slow to bind still gets its
	// tunnel and comment.
	report(70)
	if err := b.waitReady(ctx, containerName, hostPort); err != nil {
		log.Warn("service readiness", "error", err, "kind", KindReadinessTimeout)
	}

	report(80)
	tunnelURL, tunnelErr := b.Tunnels.Start(ctx, payload.PRNumber, hostPort)
	localURL := fmt.Sprintf("http://127.0.0.1:%d", hostPort)
	previewURL := tunnelURL
	if tunnelErr != nil {
		log.Warn("tunnel start", "error", tunnelErr, "kind", KindTunnelFailed)
		previewURL = localURL
	}

	report(90)
	verified := false
	if tunnelErr == nil {
		verified = b.verifyPreviewURL(ctx, tunnelURL)
		if !verified {
			log.Warn("preview URL unverified", "url", tunnelURL, "kind", KindTunnelUnverified)
		}
	}

	rec, err := b.Store.Transition(ctx, payload.PRNumber, store.StatusRunning, func(rec *store.DeploymentRecord) {
		now := time.Now().UTC()
		rec.ContainerID = containerID
		rec.HostPort = hostPort
		rec.ImageRef = imageRef
		rec.TunnelURL = tunnelURL
		rec.CommitSHA = commitSHA
		rec.LastError = ""
		rec.BuildCompletedAt = &now
	})
	if err != nil {
		// Likely a concurrent destroy won the record; unwind the container.
		b.removeContainer(containerName)
		b.removeImage(imageRef)
		b.Tunnels.Stop(payload.PRNumber)
		b.Ports.Release(hostPort)
		return failed(KindInternal, err)
	}

	report(95)
	if b.Forge != nil {
		comment := buildComment(rec, previewURL, verified, tunnelErr == nil)
		if err := b.Forge.UpsertComment(ctx, payload.RepoFullName, payload.PRNumber, payload.InstallationID, comment); err != nil {
			log.Warn("comment post", "error", err, "kind", KindCommentFailed)
			// Advisory: the preview is up, so surface the miss on the record
			// without failing the job.
			if serr := b.Store.SetError(ctx, payload.PRNumber, failed(KindCommentFailed, err).Error()); serr != nil {
				log.Debug("recording comment failure", "error", serr)
			}
		}
	}

	report(100)
	log.Info("preview deployed", "url", previewURL, "verified", verified)
	return nil
}

// fail records the classified error on the deployment and returns it for
// the queue layer.
func (b *Builder) fail(ctx context.Context, pr int, ferr *Error) error {
	if _, err := b.Store.Transition(ctx, pr, store.StatusFailed, func(rec *store.DeploymentRecord) {
		rec.LastError = ferr.Error()
	}); err != nil {
		b.log().Error("recording build failure", "pr", pr, "error", err, "cause", ferr)
	}
	return ferr
}

// waitReady waits for the app to answer on its host port. Engine-level
// health wins when the image defines a healthcheck; otherwise any non-5xx
// HTTP response counts, and "running with the port bound" is accepted once
// the attempt budget runs out.
func (b *Builder) waitReady(ctx context.Context, containerName string, hostPort int) error {
	attempts := b.Config.ServiceReadyAttempts
	if attempts <= 0 {
		attempts = 15
	}
	delay := b.Config.ServiceReadyDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	healthTimeout := b.Config.ContainerHealthTimeout
	if healthTimeout <= 0 {
		healthTimeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/", hostPort)
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if health, err := b.Engine.HealthState(ctx, containerName); err == nil {
			switch health {
			case "healthy":
				return nil
			case "unhealthy":
				continue
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, readinessRequestTimeout)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			continue
		}
		resp, err := b.client().Do(req)
		cancel()
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 500 {
			return nil
		}
	}

	if running, err := b.Engine.IsRunning(ctx, containerName); err == nil && running {
		return nil
	}
	return fmt.Errorf("no response on port %d after %d attempts", hostPort, attempts)
}

// verifyPreviewURL probes the tunnel in two phases: two quick HEADs, then
// GETs under exponential backoff. DNS for fresh tunnel hostnames can lag,
// so an unverified URL is a warning, not a failure.
func (b *Builder) verifyPreviewURL(ctx context.Context, url string) bool {
	for i := 0; i < 2; i++ {
		if b.probeOnce(ctx, http.MethodHead, url) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(500 * time.Millisecond):
		}
	}

	attempts := b.Config.PreviewURLAttempts
	if attempts <= 0 {
		attempts = 6
	}
	delay := b.Config.PreviewURLDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	const delayCap = 15 * time.Second

	for i := 0; i < attempts; i++ {
		if b.probeOnce(ctx, http.MethodGet, url) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		delay *= 2
		if delay > delayCap {
			delay = delayCap
		}
	}
	return false
}

func (b *Builder) probeOnce(ctx context.Context, method, url string) bool {
	timeout := b.Config.PreviewURLRequestTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		return false
	}
	resp, err := b.client().Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

// Compensation helpers run on detached short contexts so a cancelled job
// can still clean up.

func (b *Builder) removeImage(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Engine.RemoveImage(ctx, ref); err != nil {
		b.log().Debug("image cleanup", "image", ref, "error", err)
	}
}

func (b *Builder) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Engine.Remove(ctx, name, true); err != nil {
		b.log().Debug("container cleanup", "container", name, "error", err)
	}
}

func (b *Builder) client() *http.Client {
	if b.Client != nil {
		return b.Client
	}
	return http.DefaultClient
}

func (b *Builder) log() *slog.Logger {
	if b.Log != nil {
		return b.Log
	}
	return slog.Default()
}

func buildComment(rec *store.DeploymentRecord, previewURL string, verified, tunneled bool) string {
	var sb strings.Builder
	sb.WriteString("### Preview environment\n\n")
	fmt.Fprintf(&sb, "**URL:** %s\n\n", previewURL)
	if tunneled && !verified {
		sb.WriteString("_The tunnel may still be propagating; give it a minute before retrying._\n\n")
	}
	if !tunneled {
		sb.WriteString("_Public tunnel unavailable; the URL above is local to the controller host._\n\n")
	}
	fmt.Fprintf(&sb, "| | |\n|---|---|\n")
	fmt.Fprintf(&sb, "| Branch | `%s` |\n", rec.Branch)
	if rec.CommitSHA != "" {
		fmt.Fprintf(&sb, "| Commit | `%s` |\n", shortID(rec.CommitSHA))
	}
	fmt.Fprintf(&sb, "| Container | `%s` |\n", shortID(rec.ContainerID))
	fmt.Fprintf(&sb, "| Host port | `%d` |\n", rec.HostPort)
	fmt.Fprintf(&sb, "| Image | `%s` |\n", rec.ImageRef)
	return sb.String()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
