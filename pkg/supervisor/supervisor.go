// Package supervisor is the agent loop (C8): a single-threaded cooperative
// tick that drives admission control, resume/new-task pipeline kickoffs,
// periodic steering, merge-queue processing, and the external control
// surface (start/stop/interrupt/broadcast/replace), spec.md §4.8.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/omssupervisor/singularity/pkg/config"
	"github.com/omssupervisor/singularity/pkg/mergequeue"
	"github.com/omssupervisor/singularity/pkg/pipeline"
	"github.com/omssupervisor/singularity/pkg/registry"
	"github.com/omssupervisor/singularity/pkg/replica"
	"github.com/omssupervisor/singularity/pkg/spawner"
	"github.com/omssupervisor/singularity/pkg/steering"
	"github.com/omssupervisor/singularity/pkg/taskstore"
)

// Manager is the agent loop. It owns the tick timer and coordinates C3–C7;
// it never touches an agent's RPC handle directly except through those
// components.
type Manager struct {
	registry *registry.Registry
	replica  *replica.Manager
	spawner  *spawner.Spawner
	steering *steering.Manager
	pipeline *pipeline.Manager
	queue    *mergequeue.Queue
	store    taskstore.Client
	cfg      *config.SchedulerConfig
	timeouts *config.TimeoutsConfig
	log      *slog.Logger

	mu      sync.Mutex
	running bool
	paused  bool

	tickStop chan struct{}
	wakeCh   chan struct{}
	tickWG   sync.WaitGroup

	tickMu       sync.Mutex
	tickInFlight bool
	pendingWake  bool

	transitionMu sync.Mutex
	transition   map[string]bool

	mergerMu        sync.Mutex
	mergerRunning   bool
	mergerProcessing bool
}

// New builds a supervisor Manager wiring every subordinate component.
func New(
	reg *registry.Registry,
	repl *replica.Manager,
	sp *spawner.Spawner,
	st *steering.Manager,
	pl *pipeline.Manager,
	queue *mergequeue.Queue,
	store taskstore.Client,
	cfg *config.SchedulerConfig,
	timeouts *config.TimeoutsConfig,
	log *slog.Logger,
) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		registry:   reg,
		replica:    repl,
		spawner:    sp,
		steering:   st,
		pipeline:   pl,
		queue:      queue,
		store:      store,
		cfg:        cfg,
		timeouts:   timeouts,
		log:        log,
		wakeCh:     make(chan struct{}, 1),
		transition: make(map[string]bool),
	}
}

// Start launches the tick loop and the registry heartbeat. Also runs
// restoreMergerQueueFromReplicas once before the first tick (spec.md
// §4.8.1).
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.tickStop = make(chan struct{})
	m.mu.Unlock()

	m.restoreMergerQueueFromReplicas(ctx)

	m.tickWG.Add(1)
	go m.tickLoop(ctx)
}

func (m *Manager) tickLoop(ctx context.Context) {
	defer m.tickWG.Done()
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.tickStop:
			return
		case <-ticker.C:
			m.tick(ctx)
		case <-m.wakeCh:
			m.tick(ctx)
		}
	}
}

// wake coalesces repeated wake requests into a single next tick.
func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// tick is the agent loop's single iteration (spec.md §4.8).
func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if paused {
		return
	}

	m.tickMu.Lock()
	if m.tickInFlight {
		m.pendingWake = true
		m.tickMu.Unlock()
		return
	}
	m.tickInFlight = true
	m.tickMu.Unlock()

	defer func() {
		m.tickMu.Lock()
		m.tickInFlight = false
		again := m.pendingWake
		m.pendingWake = false
		m.tickMu.Unlock()
		if again {
			m.wake()
		}
	}()

	m.processMergerQueue(ctx)

	slots := m.availableWorkerSlots()
	if slots <= 0 {
		m.steering.MaybeSteerWorkers(ctx, paused)
		return
	}

	// Phase A reserves one slot for startTasks-driven new work; the rest
	// goes to resuming already-claimed tasks.
	phaseA := slots - 1
	if phaseA < 0 {
		phaseA = 0
	}
	kicked := m.kickResumeCandidates(ctx, phaseA)

	remaining := slots - kicked
	if remaining > 0 {
		m.kickResumeCandidates(ctx, remaining)
	}

	m.steering.MaybeSteerWorkers(ctx, paused)
}

func (m *Manager) kickResumeCandidates(ctx context.Context, n int) int {
	if n <= 0 {
		return 0
	}
	tasks, err := m.store.GetInProgressTasksWithoutAgent(ctx, n)
	if err != nil {
		m.log.Warn("supervisor: list resume candidates failed", "error", err)
		return 0
	}
	kicked := 0
	for _, task := range tasks {
		if m.isTransitioning(task.ID) || m.pipeline.IsInFlight(task.ID) {
			continue
		}
		m.pipeline.KickoffResumePipeline(ctx, task)
		kicked++
	}
	return kicked
}

// availableWorkerSlots implements the admission formula (spec.md §5):
// max(0, maxWorkers - activeWorkerCount - pipelineInFlightDistinctTasks).
func (m *Manager) availableWorkerSlots() int {
	active := 0
	for _, rec := range m.registry.GetActive() {
		if rec.Type.IsWorkerClass() {
			active++
		}
	}
	slots := m.cfg.MaxWorkers - active - m.pipeline.PipelineInFlightDistinctTasks()
	if slots < 0 {
		return 0
	}
	return slots
}

// StartTasks claims and kicks up to min(n, availableWorkerSlots) new tasks
// (spec.md §4.8, "startTasks(n?)"). Exposed for the HTTP control surface's
// POST /control/start.
func (m *Manager) StartTasks(ctx context.Context, n int) int {
	slots := m.availableWorkerSlots()
	if n <= 0 || n > slots {
		n = slots
	}
	if n <= 0 {
		return 0
	}
	tasks, err := m.store.ListClaimable(ctx, n)
	if err != nil {
		m.log.Warn("supervisor: list claimable tasks failed", "error", err)
		return 0
	}
	started := 0
	for _, task := range tasks {
		if started >= n {
			break
		}
		m.pipeline.KickoffNewTaskPipeline(ctx, task)
		started++
	}
	return started
}

func (m *Manager) isTransitioning(taskID string) bool {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	return m.transition[taskID]
}

func (m *Manager) setTransitioning(taskID string, v bool) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()
	if v {
		m.transition[taskID] = true
	} else {
		delete(m.transition, taskID)
	}
}

// Pause stops admission/steering on future ticks without stopping the timer.
func (m *Manager) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume clears Pause and wakes the loop immediately.
func (m *Manager) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
	m.wake()
}

// Stop performs graceful shutdown (spec.md §4.8): clears the timer, stops
// every active agent, updates external state, stops the heartbeat.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop := m.tickStop
	m.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	m.tickWG.Wait()

	m.stopAgentsMatching(ctx, func(*registry.Record) bool { return true }, false)
	m.registry.StopHeartbeat()
	m.replica.StopCleanup()
}
