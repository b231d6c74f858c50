package replica

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// copyStrategy is the portable fallback when overlayfs isn't available: a
// filtered copy of the project root, always excluding the configured
// prefixes, plus absolute symlinks back to node_modules and .git so the
// agent doesn't pay the cost of copying them and still sees their content.
type copyStrategy struct {
	projectRoot     string
	excludePrefixes []string
}

func (s *copyStrategy) Name() string { return "copy" }

func (s *copyStrategy) Create(ctx context.Context, taskID, dir string) (Mount, error) {
	root := filepath.Join(dir, "workspace")
	if _, err := os.Stat(root); err == nil {
		return s.mountSpec(root), nil
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return Mount{}, fmt.Errorf("replica/copy: mkdir %s: %w", root, err)
	}

	if err := s.copyTree(ctx, s.projectRoot, root); err != nil {
		return Mount{}, err
	}

	for _, linked := range []string{"node_modules", ".git"} {
		src := filepath.Join(s.projectRoot, linked)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(root, linked)
		_ = os.RemoveAll(dst)
		if err := os.Symlink(src, dst); err != nil {
			return Mount{}, fmt.Errorf("replica/copy: symlink %s: %w", linked, err)
		}
	}

	return s.mountSpec(root), nil
}

func (s *copyStrategy) mountSpec(root string) Mount {
	return specs.Mount{
		Source:      root,
		Destination: root,
		Type:        "bind",
		Options:     []string{"rbind", "rw"},
	}
}

func (s *copyStrategy) Destroy(_ context.Context, _ string) error {
	// The caller (Manager) removes dir wholesale; nothing extra to tear
	// down for a plain filesystem copy.
	return nil
}

func (s *copyStrategy) excluded(rel string) bool {
	for _, prefix := range s.excludePrefixes {
		if rel == prefix || strings.HasPrefix(rel, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (s *copyStrategy) copyTree(ctx context.Context, src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if s.excluded(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(linkTarget, target)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
