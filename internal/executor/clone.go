package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Cloner shallow-clones PR branches into per-PR work directories.
type Cloner struct {
	// BaseDir is the temp root for clones. Empty means os.TempDir().
	BaseDir string
}

// Clone checks out branch at depth 1 and returns the work directory. The
// directory name carries a monotonic suffix so a rebuild of the same PR
// never collides with a dying clone of the previous attempt. The caller
// removes the directory when done, success or not.
func (c *Cloner) Clone(ctx context.Context, cloneURL, branch string, pr int) (string, error) {
	baseDir := c.BaseDir
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "envzilla")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return "", fmt.Errorf("create work root: %w", err)
	}

	workDir := filepath.Join(baseDir, fmt.Sprintf("pr-%d-%d", pr, time.Now().UnixNano()))
	if err := os.Mkdir(workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	cmd := exec.CommandContext(ctx, "git", "clone", "--depth=1", "--branch", branch, cloneURL, workDir)
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if output, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(workDir)
		return "", fmt.Errorf("git clone: %w\n%s", err, output)
	}
	return workDir, nil
}
