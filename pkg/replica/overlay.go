package replica

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// overlayStrategy builds a fuse-overlayfs union mount per task: lower is
// the project root (read-only from the agent's perspective), upper+work
// are per-task so writes land outside the real project, and merged is the
// union view the agent actually works in.
type overlayStrategy struct {
	binary          string
	projectRoot     string
	excludePrefixes []string
}

func (s *overlayStrategy) Name() string { return "overlay" }

func (s *overlayStrategy) Create(ctx context.Context, taskID, dir string) (Mount, error) {
	upper := filepath.Join(dir, "upper")
	work := filepath.Join(dir, "work")
	merged := filepath.Join(dir, "merged")

	for _, d := range []string{upper, work, merged} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return Mount{}, fmt.Errorf("replica/overlay: mkdir %s: %w", d, err)
		}
	}

	if isMounted(merged) {
		return s.mountSpec(merged), nil
	}

	options := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", s.projectRoot, upper, work)
	cmd := exec.CommandContext(ctx, s.binary, "-o", options, merged)
	if out, err := cmd.CombinedOutput(); err != nil {
		return Mount{}, fmt.Errorf("replica/overlay: mount failed: %w: %s", err, string(out))
	}

	return s.mountSpec(merged), nil
}

func (s *overlayStrategy) mountSpec(merged string) Mount {
	return specs.Mount{
		Source:      merged,
		Destination: merged,
		Type:        "bind",
		Options:     []string{"rbind", "rw"},
	}
}

func (s *overlayStrategy) Destroy(ctx context.Context, dir string) error {
	merged := filepath.Join(dir, "merged")
	if !isMounted(merged) {
		return nil
	}
	cmd := exec.CommandContext(ctx, "fusermount", "-u", merged)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("replica/overlay: unmount failed: %w: %s", err, string(out))
	}
	return nil
}

// isMounted does a best-effort check via /proc/self/mountinfo; absence of
// the file (non-Linux) is treated as "not mounted" rather than an error,
// since overlayStrategy is only ever selected when the overlay binary and
// platform both support it.
func isMounted(path string) bool {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return false
	}
	needle := []byte(" " + path + " ")
	for _, line := range bytes.Split(data, []byte("\n")) {
		if bytes.Contains(line, needle) {
			return true
		}
	}
	return false
}
