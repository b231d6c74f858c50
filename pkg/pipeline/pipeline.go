// Package pipeline drives one task end to end: issuer/speedy with retry,
// worker-type selection, and the new-task/resume entrypoints the agent
// loop kicks off (spec.md §4.7, C7).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/omssupervisor/singularity/pkg/config"
	"github.com/omssupervisor/singularity/pkg/lifecycle"
	"github.com/omssupervisor/singularity/pkg/registry"
	"github.com/omssupervisor/singularity/pkg/spawner"
	"github.com/omssupervisor/singularity/pkg/steering"
	"github.com/omssupervisor/singularity/pkg/taskstore"
)

// agentEndWait bounds how long runAgentWithRetry waits for a single
// attempt's agent_end (spec.md §4.7.2).
const agentEndWait = 15 * time.Minute

// designerLabels matches task labels that route a new task to the
// designer agent type instead of the default worker.
var designerLabels = regexp.MustCompile(`(?i)design|ui|ux|figma|visual|brand`)

// Manager implements the per-task pipeline entrypoints (spec.md §4.7).
type Manager struct {
	registry *registry.Registry
	spawner  *spawner.Spawner
	steering *steering.Manager
	store    taskstore.Client
	lc       *lifecycle.Store
	retry    *config.RetryConfig
	log      *slog.Logger

	mu                        sync.Mutex
	pipelineInFlight          map[string]int
	pendingWorkerReplacements map[string]bool
}

// New builds a pipeline Manager.
func New(reg *registry.Registry, sp *spawner.Spawner, st *steering.Manager, store taskstore.Client, lc *lifecycle.Store, retry *config.RetryConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		registry:                  reg,
		spawner:                   sp,
		steering:                  st,
		store:                     store,
		lc:                        lc,
		retry:                     retry,
		log:                       log,
		pipelineInFlight:          make(map[string]int),
		pendingWorkerReplacements: make(map[string]bool),
	}
}

// PipelineInFlightDistinctTasks is the admission formula's second
// subtracted term (spec.md §4.7/§5).
func (m *Manager) PipelineInFlightDistinctTasks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pipelineInFlight)
}

// IsInFlight reports whether taskID already has a pipeline running
// (spec.md §4.8 step 3: resume kicking skips tasks with
// pipelineInFlight).
func (m *Manager) IsInFlight(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipelineInFlight[taskID] > 0
}

// MarkWorkerReplacementPending suppresses the pipeline's own blocking logic
// for taskID while an external replace-agent call is in progress.
func (m *Manager) MarkWorkerReplacementPending(taskID string, pending bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pending {
		m.pendingWorkerReplacements[taskID] = true
	} else {
		delete(m.pendingWorkerReplacements, taskID)
	}
}

// AdvanceLifecycle validates and records call, then best-effort aborts any
// live issuer RPC on the same task — its job is done once it hands off
// (spec.md §4.7.1).
func (m *Manager) AdvanceLifecycle(ctx context.Context, call lifecycle.Call) (lifecycle.Record, error) {
	rec, err := m.lc.Record(call)
	if err != nil {
		return lifecycle.Record{}, err
	}
	for _, agent := range m.registry.GetActiveByTask(call.TaskID) {
		if agent.Type == config.AgentTypeIssuer {
			_ = agent.RPC.Abort(ctx)
		}
	}
	return rec, nil
}

// ReserveInFlight increments the pipeline-in-flight count for taskID and
// returns a release function that decrements it. Used by the supervisor's
// spawnAgentBySingularity replace entrypoint, which drives a spawn outside
// the normal kickoff helpers but still needs to hold an admission slot
// (spec.md §4.8, "spawnAgentBySingularity: ... increment pipelineInFlight").
func (m *Manager) ReserveInFlight(taskID string) (release func()) {
	m.incInFlight(taskID)
	return func() { m.decInFlight(taskID) }
}

func (m *Manager) incInFlight(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelineInFlight[taskID]++
}

func (m *Manager) decInFlight(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pipelineInFlight[taskID]--
	if m.pipelineInFlight[taskID] <= 0 {
		delete(m.pipelineInFlight, taskID)
	}
}

// KickoffNewTaskPipeline reserves a pipeline-in-flight slot for task, runs
// runNewTaskPipeline in the background, and releases the slot on any exit
// path (spec.md §4.7.5).
func (m *Manager) KickoffNewTaskPipeline(ctx context.Context, task *taskstore.Task) {
	m.incInFlight(task.ID)
	go func() {
		defer m.decInFlight(task.ID)
		if err := m.runNewTaskPipeline(ctx, task); err != nil {
			m.log.Warn("pipeline: new-task pipeline failed", "task_id", task.ID, "error", err)
		}
	}()
}

// KickoffResumePipeline is KickoffNewTaskPipeline's resume-path counterpart.
func (m *Manager) KickoffResumePipeline(ctx context.Context, task *taskstore.Task) {
	m.incInFlight(task.ID)
	go func() {
		defer m.decInFlight(task.ID)
		if err := m.runResumePipeline(ctx, task); err != nil {
			m.log.Warn("pipeline: resume pipeline failed", "task_id", task.ID, "error", err)
		}
	}()
}

func (m *Manager) blockTask(ctx context.Context, agentName, taskID, reason string) {
	if err := m.store.SetStatus(ctx, taskID, taskstore.StatusBlocked); err != nil {
		m.log.Warn("pipeline: set blocked status failed", "task_id", taskID, "error", err)
	}
	comment := fmt.Sprintf("Blocked by %s. %s", agentName, reason)
	if err := m.store.AddComment(ctx, taskID, comment); err != nil {
		m.log.Warn("pipeline: block comment failed", "task_id", taskID, "error", err)
	}
}

func (m *Manager) hasActiveWorker(taskID string) bool {
	for _, rec := range m.registry.GetActiveByTask(taskID) {
		if rec.Type.IsWorkerClass() {
			return true
		}
	}
	return false
}

func (m *Manager) isWorkerReplacementPending(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingWorkerReplacements[taskID]
}

func (m *Manager) SelectWorkerType(task *taskstore.Task, target config.AgentType) config.AgentType {
	if target == config.AgentTypeWorker || target == config.AgentTypeDesigner {
		return target
	}
	for _, label := range task.Labels {
		if designerLabels.MatchString(label) {
			return config.AgentTypeDesigner
		}
	}
	return config.AgentTypeWorker
}
