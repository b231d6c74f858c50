package replica

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omssupervisor/singularity/pkg/config"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	projectRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(projectRoot, "main.go"), []byte("package main"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(projectRoot, "node_modules", "leftpad"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(projectRoot, "node_modules", "leftpad", "index.js"), []byte("x"), 0o644))

	cfg := config.DefaultReplicaConfig()
	cfg.BaseDir = t.TempDir()
	cfg.PreferOverlay = false // tests run portably via copyStrategy

	m := New(cfg, projectRoot, nil)
	return m, projectRoot
}

func TestSanitize_StripsUnsafeCharacters(t *testing.T) {
	assert.Equal(t, "T1_foo_bar", Sanitize("T1/foo:bar"))
}

func TestManager_CreateReplicaCopiesAndSymlinks(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	mount, err := m.CreateReplica(ctx, "T1")
	require.NoError(t, err)
	assert.DirExists(t, mount.Source)
	assert.FileExists(t, filepath.Join(mount.Source, "main.go"))

	link := filepath.Join(mount.Source, "node_modules")
	info, err := os.Lstat(link)
	require.NoError(t, err)
	assert.True(t, info.Mode()&os.ModeSymlink != 0)
}

func TestManager_CreateReplicaIsIdempotent(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	first, err := m.CreateReplica(ctx, "T1")
	require.NoError(t, err)
	second, err := m.CreateReplica(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, first.Source, second.Source)
}

func TestManager_ReplicaExistsAndDestroy(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	assert.False(t, m.ReplicaExists("T1"))
	_, err := m.CreateReplica(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, m.ReplicaExists("T1"))

	require.NoError(t, m.DestroyReplica(ctx, "T1"))
	assert.False(t, m.ReplicaExists("T1"))
}

func TestManager_ListReplicas(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()
	_, err := m.CreateReplica(ctx, "T1")
	require.NoError(t, err)
	_, err = m.CreateReplica(ctx, "T2")
	require.NoError(t, err)

	names, err := m.ListReplicas()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"T1", "T2"}, names)
}

func TestManager_WithMergeLockSerializes(t *testing.T) {
	m, _ := testManager(t)
	ctx := context.Background()

	var order []int
	done := make(chan struct{}, 2)

	go func() {
		_ = m.WithMergeLock(ctx, func(ctx context.Context) error {
			time.Sleep(30 * time.Millisecond)
			order = append(order, 1)
			return nil
		})
		done <- struct{}{}
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		_ = m.WithMergeLock(ctx, func(ctx context.Context) error {
			order = append(order, 2)
			return nil
		})
		done <- struct{}{}
	}()

	<-done
	<-done
	assert.Equal(t, []int{1, 2}, order)
}

func TestManager_StartStopCleanupRemovesStaleReplicas(t *testing.T) {
	m, _ := testManager(t)
	m.cfg.StaleCleanupAfter = 0
	m.cfg.CleanupScanInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := m.CreateReplica(ctx, "T1")
	require.NoError(t, err)

	m.StartCleanup(ctx, func() map[string]bool { return map[string]bool{} })
	require.Eventually(t, func() bool {
		return !m.ReplicaExists("T1")
	}, time.Second, 10*time.Millisecond)
	m.StopCleanup()
}

func TestManager_CleanupKeepsActiveTasks(t *testing.T) {
	m, _ := testManager(t)
	m.cfg.StaleCleanupAfter = 0
	m.cfg.CleanupScanInterval = 10 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := m.CreateReplica(ctx, "T1")
	require.NoError(t, err)

	m.StartCleanup(ctx, func() map[string]bool { return map[string]bool{"T1": true} })
	time.Sleep(60 * time.Millisecond)
	m.StopCleanup()

	assert.True(t, m.ReplicaExists("T1"))
}
