// Package engine drives the container engine through its CLI. It works with
// Docker Desktop, Colima, OrbStack, Podman, and anything else that speaks
// the docker command set.
package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Docker invokes the docker CLI. The zero value uses the "docker" binary on
// PATH.
type Docker struct {
	// Binary overrides the CLI name, for tests.
	Binary string
}

// Version probes the engine daemon with a short timeout. A failure means
// the engine is unreachable and builds cannot proceed.
func (d *Docker) Version(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := d.run(ctx, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		return "", fmt.Errorf("engine unreachable: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Build builds an image from the recipe file at buildFile inside
// contextDir, tagging it tag.
func (d *Docker) Build(ctx context.Context, contextDir, buildFile, tag string) error {
	_, err := d.run(ctx, "build", "-f", buildFile, "-t", tag, contextDir)
	if err != nil {
		return fmt.Errorf("image build: %w", err)
	}
	return nil
}

// RunDetached starts a container in the background with a host->container
// port binding and returns the container ID.
func (d *Docker) RunDetached(ctx context.Context, image, name string, hostPort, containerPort int) (string, error) {
	out, err := d.run(ctx, "run", "-d",
		"--name", name,
		"-p", fmt.Sprintf("%d:%d", hostPort, containerPort),
		image,
	)
	if err != nil {
		return "", fmt.Errorf("container run: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Stop gracefully stops a container, giving it timeout seconds before the
// engine kills it.
func (d *Docker) Stop(ctx context.Context, container string, timeout time.Duration) error {
	_, err := d.run(ctx, "stop", "-t", fmt.Sprintf("%d", int(timeout.Seconds())), container)
	return err
}

// Remove deletes a stopped container. force removes a running one.
func (d *Docker) Remove(ctx context.Context, container string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, container)
	_, err := d.run(ctx, args...)
	return err
}

// RemoveImage deletes an image by reference.
func (d *Docker) RemoveImage(ctx context.Context, ref string) error {
	_, err := d.run(ctx, "rmi", "-f", ref)
	return err
}

// ImageOf returns the image reference a container was created from.
func (d *Docker) ImageOf(ctx context.Context, container string) (string, error) {
	out, err := d.run(ctx, "inspect", "--format", "{{.Config.Image}}", container)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// HealthState returns the engine-level health status of a container:
// "healthy", "unhealthy", "starting", or "none" when the image defines no
// healthcheck.
func (d *Docker) HealthState(ctx context.Context, container string) (string, error) {
	out, err := d.run(ctx, "inspect", "--format",
		"{{if .State.Health}}{{.State.Health.Status}}{{else}}none{{end}}", container)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsRunning reports whether the container's state is running.
func (d *Docker) IsRunning(ctx context.Context, container string) (bool, error) {
	out, err := d.run(ctx, "inspect", "--format", "{{.State.Running}}", container)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "true", nil
}

// ContainersByName lists container IDs (running or not) whose name matches
// the filter exactly.
func (d *Docker) ContainersByName(ctx context.Context, name string) ([]string, error) {
	out, err := d.run(ctx, "ps", "-a", "-q", "--filter", "name=^"+name+"$")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// ImagesByPrefix lists image references matching a repository prefix, e.g.
// "preview-pr-42" matches every preview-pr-42:<tag>.
func (d *Docker) ImagesByPrefix(ctx context.Context, repo string) ([]string, error) {
	out, err := d.run(ctx, "images", "--format", "{{.Repository}}:{{.Tag}}", repo)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (d *Docker) run(ctx context.Context, args ...string) (string, error) {
	binary := d.Binary
	if binary == "" {
		binary = "docker"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s %s: %w: %s", binary, args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
