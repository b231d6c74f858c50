// Package replica manages per-task working-directory replicas: either a
// fuse-overlayfs union mount (lower=project root, upper+work=per-task) or,
// where overlay isn't available, a filtered copy with symlinks back to the
// heavy, excluded directories.
package replica

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/omssupervisor/singularity/pkg/config"
)

var sanitizeTaskID = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// Sanitize maps an arbitrary task id to a filesystem-safe directory name.
func Sanitize(taskID string) string {
	return sanitizeTaskID.ReplaceAllString(taskID, "_")
}

// Mount describes where a replica's merged view (or filtered-copy root)
// lives, expressed as an OCI-shaped bind mount so downstream components
// (and any future container-based sandboxing) consume a standard type.
type Mount = specs.Mount

// Strategy creates and tears down one task's replica.
type Strategy interface {
	// Create builds (or reuses) the replica for taskID under dir and
	// returns the mount the agent should treat as its working directory.
	Create(ctx context.Context, taskID, dir string) (Mount, error)
	// Destroy tears down whatever Create built at dir.
	Destroy(ctx context.Context, dir string) error
	// Name identifies the strategy for logging.
	Name() string
}

// Manager owns replica creation/destruction/cleanup for every task, wrapping
// a Strategy in per-task create dedup and a FIFO merge lock (spec.md §4.3).
type Manager struct {
	cfg         *config.ReplicaConfig
	projectRoot string
	strategy    Strategy
	log         *slog.Logger

	inFlightMu sync.Mutex
	inFlight   map[string]chan struct{}

	mergeTickets chan struct{}

	cleanupStop chan struct{}
	cleanupWG   sync.WaitGroup

	scanMu       sync.Mutex
	lastScan     time.Time
	staleRemoved int
}

// New selects a Strategy by probing the platform and the configured overlay
// binary once at construction (spec.md §4.3: "selected once at startup").
func New(cfg *config.ReplicaConfig, projectRoot string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	var strat Strategy
	if cfg.PreferOverlay && overlayAvailable(cfg.OverlayBinary) {
		strat = &overlayStrategy{binary: cfg.OverlayBinary, projectRoot: projectRoot, excludePrefixes: cfg.ExcludePrefixes}
	} else {
		strat = &copyStrategy{projectRoot: projectRoot, excludePrefixes: cfg.ExcludePrefixes}
	}
	log.Info("replica manager selected strategy", "strategy", strat.Name())

	// The merge lock is a one-ticket channel: acquiring means receiving the
	// ticket, releasing means putting it back, which naturally serves
	// waiters in FIFO order (Go channels are FIFO for same-priority
	// receivers), mirroring the teacher's worker-pool admission gating.
	tickets := make(chan struct{}, 1)
	tickets <- struct{}{}

	return &Manager{
		cfg:          cfg,
		projectRoot:  projectRoot,
		strategy:     strat,
		log:          log,
		inFlight:     make(map[string]chan struct{}),
		mergeTickets: tickets,
	}
}

func overlayAvailable(binary string) bool {
	if binary == "" {
		return false
	}
	_, err := exec.LookPath(binary)
	return err == nil
}

func (m *Manager) replicaDir(taskID string) string {
	return filepath.Join(m.cfg.BaseDir, Sanitize(taskID))
}

// ReplicaDir returns the on-disk path a task's replica lives (or would
// live) under, regardless of whether it currently exists.
func (m *Manager) ReplicaDir(taskID string) string {
	return m.replicaDir(taskID)
}

// BaseDir returns the parent directory all task replicas live under,
// handed to spawned children as OMS_TASK_STORE_DIR (spec.md §6).
func (m *Manager) BaseDir() string {
	return m.cfg.BaseDir
}

// CreateReplica is idempotent and deduplicates concurrent callers for the
// same task id via a single in-flight channel per task.
func (m *Manager) CreateReplica(ctx context.Context, taskID string) (Mount, error) {
	dir := m.replicaDir(taskID)

	m.inFlightMu.Lock()
	if ch, ok := m.inFlight[taskID]; ok {
		m.inFlightMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return Mount{}, ctx.Err()
		}
		return m.strategy.Create(ctx, taskID, dir)
	}
	done := make(chan struct{})
	m.inFlight[taskID] = done
	m.inFlightMu.Unlock()

	defer func() {
		m.inFlightMu.Lock()
		delete(m.inFlight, taskID)
		m.inFlightMu.Unlock()
		close(done)
	}()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Mount{}, fmt.Errorf("replica: mkdir %s: %w", dir, err)
	}
	return m.strategy.Create(ctx, taskID, dir)
}

// DestroyReplica tears down the replica for taskID, if any.
func (m *Manager) DestroyReplica(ctx context.Context, taskID string) error {
	dir := m.replicaDir(taskID)
	if err := m.strategy.Destroy(ctx, dir); err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// ReplicaExists reports whether taskID's replica directory is usable.
func (m *Manager) ReplicaExists(taskID string) bool {
	info, err := os.Stat(m.replicaDir(taskID))
	return err == nil && info.IsDir()
}

// ListReplicas returns the sanitized task ids present on disk under BaseDir.
func (m *Manager) ListReplicas() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("replica: list %s: %w", m.cfg.BaseDir, err)
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// WithMergeLock runs fn holding the single merge ticket, guaranteeing one
// merge proceeds at a time across the whole manager (spec.md §4.3/§4.4).
func (m *Manager) WithMergeLock(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-m.mergeTickets:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { m.mergeTickets <- struct{}{} }()
	return fn(ctx)
}

// StartCleanup launches a ticker that periodically removes replicas not
// referenced by any active task (caller supplies the activeTaskIDs lookup
// so this package stays independent of the pipeline/registry packages).
// Grounded on the teacher's orphan-detection ticker loop.
func (m *Manager) StartCleanup(ctx context.Context, activeTaskIDs func() map[string]bool) {
	m.cleanupStop = make(chan struct{})
	m.cleanupWG.Add(1)
	go func() {
		defer m.cleanupWG.Done()
		ticker := time.NewTicker(m.cfg.CleanupScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.cleanupStop:
				return
			case <-ticker.C:
				m.sweepStale(ctx, activeTaskIDs())
			}
		}
	}()
}

// StopCleanup signals the cleanup loop to exit and waits for it.
func (m *Manager) StopCleanup() {
	if m.cleanupStop == nil {
		return
	}
	close(m.cleanupStop)
	m.cleanupWG.Wait()
}

func (m *Manager) sweepStale(ctx context.Context, activeTaskIDs map[string]bool) {
	names, err := m.ListReplicas()
	if err != nil {
		m.log.Error("replica cleanup: list failed", "error", err)
		return
	}

	removed := 0
	for _, name := range names {
		if activeTaskIDs[name] {
			continue
		}
		dir := filepath.Join(m.cfg.BaseDir, name)
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) < m.cfg.StaleCleanupAfter {
			continue
		}
		if err := m.strategy.Destroy(ctx, dir); err != nil {
			m.log.Warn("replica cleanup: destroy failed", "task", name, "error", err)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			m.log.Warn("replica cleanup: remove failed", "task", name, "error", err)
			continue
		}
		removed++
	}

	m.scanMu.Lock()
	m.lastScan = time.Now()
	m.staleRemoved += removed
	m.scanMu.Unlock()

	if removed > 0 {
		m.log.Warn("replica cleanup: removed stale replicas", "count", removed)
	}
}

// Stats returns the cleanup loop's cumulative counters, for health reporting.
func (m *Manager) Stats() (lastScan time.Time, staleRemoved int) {
	m.scanMu.Lock()
	defer m.scanMu.Unlock()
	return m.lastScan, m.staleRemoved
}
