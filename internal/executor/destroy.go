package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/EnvZilla/envzilla/internal/engine"
	"github.com/EnvZilla/envzilla/internal/store"
	"github.com/EnvZilla/envzilla/internal/tunnel"
)

const (
	stopGrace          = 30 * time.Second
	removeTimeout      = 15 * time.Second
	forceRemoveTimeout = 15 * time.Second
)

var (
	fullIDPattern   = regexp.MustCompile(`^[0-9a-f]{64}$`)
	prefixIDPattern = regexp.MustCompile(`^[0-9a-zA-Z]{3,64}$`)
)

// ErrInvalidContainerID is returned before any engine contact when the
// payload carries a malformed container reference.
var ErrInvalidContainerID = errors.New("invalid-container-id")

// ValidateContainerID accepts full 64-hex IDs or 3-64 alphanumeric
// prefixes.
func ValidateContainerID(id string) error {
	if fullIDPattern.MatchString(id) || prefixIDPattern.MatchString(id) {
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidContainerID, id)
}

// Destroyer tears down a PR's preview: container, images, tunnel, record.
type Destroyer struct {
	Store   *store.Store
	Engine  *engine.Docker
	Tunnels *tunnel.Manager
	Log     *slog.Logger
}

// Execute runs a destroy job. Every step is attempted regardless of
// earlier failures; errors are aggregated. Removing the container is the
// bar for deleting the record; anything less leaves the record failed
// with destroy-partial.
func (d *Destroyer) Execute(ctx context.Context, payload DestroyPayload, report func(int)) error {
	log := d.log().With("pr", payload.PRNumber)
	containerName := fmt.Sprintf("preview-%d", payload.PRNumber)

	var targets []string
	if payload.ContainerID != "" {
		if err := ValidateContainerID(payload.ContainerID); err != nil {
			d.recordFailure(ctx, payload.PRNumber, failed(KindInvalidContainerID, err))
			return failed(KindInvalidContainerID, err)
		}
		targets = []string{payload.ContainerID}
	} else {
		found, err := d.Engine.ContainersByName(ctx, containerName)
		if err != nil {
			log.Warn("container lookup", "error", err)
		}
		targets = found
	}

	var errs []error
	removed := len(targets) == 0 // nothing to remove counts as removed

	report(10)
	for _, target := range targets {
		// Image lookup must happen before the container goes away.
		imageRef := ""
		if payload.RemoveImage {
			if ref, err := d.Engine.ImageOf(ctx, target); err == nil {
				imageRef = ref
			}
		}

		stopCtx, cancelStop := context.WithTimeout(ctx, stopGrace+5*time.Second)
		if err := d.Engine.Stop(stopCtx, target, stopGrace); err != nil {
			log.Warn("container stop", "container", shortID(target), "error", err)
		}
		cancelStop()

		report(40)
		rmCtx, cancelRm := context.WithTimeout(ctx, removeTimeout)
		err := d.Engine.Remove(rmCtx, target, false)
		cancelRm()
		if err != nil {
			forceCtx, cancelForce := context.WithTimeout(ctx, forceRemoveTimeout)
			err = d.Engine.Remove(forceCtx, target, true)
			cancelForce()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", shortID(target), err))
			continue
		}
		removed = true

		if imageRef != "" {
			if err := d.Engine.RemoveImage(ctx, imageRef); err != nil {
				errs = append(errs, fmt.Errorf("remove image %s: %w", imageRef, err))
			}
		}
	}

	report(60)
	if payload.RemoveImage {
		prefix := fmt.Sprintf("preview-pr-%d", payload.PRNumber)
		if images, err := d.Engine.ImagesByPrefix(ctx, prefix); err == nil {
			for _, ref := range images {
				if err := d.Engine.RemoveImage(ctx, ref); err != nil {
					errs = append(errs, fmt.Errorf("remove image %s: %w", ref, err))
				}
			}
		} else {
			log.Warn("image listing", "prefix", prefix, "error", err)
		}
	}

	// Sweep residual containers that still answer to the preview name, for
	// the case where the recorded ID was stale.
	report(75)
	if residual, err := d.Engine.ContainersByName(ctx, containerName); err == nil {
		for _, id := range residual {
			forceCtx, cancelForce := context.WithTimeout(ctx, forceRemoveTimeout)
			err := d.Engine.Remove(forceCtx, id, true)
			cancelForce()
			if err != nil {
				errs = append(errs, fmt.Errorf("sweep %s: %w", shortID(id), err))
			} else {
				removed = true
			}
		}
	}

	report(90)
	d.Tunnels.Stop(payload.PRNumber)

	if removed {
		if err := d.Store.Delete(ctx, payload.PRNumber); err != nil {
			errs = append(errs, fmt.Errorf("delete record: %w", err))
		}
	}

	report(100)
	if !removed || len(errs) > 0 {
		ferr := failedf(KindDestroyPartial, "%s", joinErrors(errs))
		if !removed {
			d.recordFailure(ctx, payload.PRNumber, ferr)
			return ferr
		}
		// Container gone, record deleted; leftover image/sweep errors are
		// logged but the job succeeded.
		log.Warn("destroy finished with residual errors", "errors", joinErrors(errs))
		return nil
	}

	log.Info("preview destroyed")
	return nil
}

func (d *Destroyer) recordFailure(ctx context.Context, pr int, ferr *Error) {
	if _, err := d.Store.Transition(ctx, pr, store.StatusFailed, func(rec *store.DeploymentRecord) {
		rec.LastError = ferr.Error()
	}); err != nil && !errors.Is(err, store.ErrNotFound) {
		d.log().Error("recording destroy failure", "pr", pr, "error", err)
	}
}

func (d *Destroyer) log() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func joinErrors(errs []error) string {
	if len(errs) == 0 {
		return "no steps succeeded"
	}
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}
