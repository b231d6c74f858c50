package supervisor

import (
	"context"
	"encoding/json"

	"github.com/omssupervisor/singularity/pkg/config"
	"github.com/omssupervisor/singularity/pkg/mergequeue"
	"github.com/omssupervisor/singularity/pkg/registry"
	"github.com/omssupervisor/singularity/pkg/taskstore"
)

// mergerVerdict is the merger agent's final JSON output, parsed from its
// last assistant turn once agent_end fires (merger has no lifecycle
// record, spec.md §4.9: "merger, steering, singularity: no lifecycle
// record").
type mergerVerdict struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// restoreMergerQueueFromReplicas scans on-disk replicas at startup and
// re-enqueues any that belong to a still in_progress task, destroying the
// rest (spec.md §4.8.1).
func (m *Manager) restoreMergerQueueFromReplicas(ctx context.Context) {
	names, err := m.replica.ListReplicas()
	if err != nil {
		m.log.Warn("supervisor: list replicas at startup failed", "error", err)
		return
	}
	for _, taskID := range names {
		if m.queue.HasTask(taskID) {
			continue
		}
		task, err := m.store.Get(ctx, taskID)
		if err != nil || task.Status != taskstore.StatusInProgress {
			if destroyErr := m.replica.DestroyReplica(ctx, taskID); destroyErr != nil {
				m.log.Warn("supervisor: destroy orphaned replica failed", "task_id", taskID, "error", destroyErr)
			}
			continue
		}
		m.queue.Enqueue(mergequeue.Entry{TaskID: taskID, ReplicaDir: m.replica.ReplicaDir(taskID)})
	}
}

// processMergerQueue drives the merge queue one step (spec.md §4.8.1):
// globally single-flight, at most one merger agent alive at a time.
func (m *Manager) processMergerQueue(ctx context.Context) {
	m.mergerMu.Lock()
	if m.mergerRunning || m.mergerProcessing {
		m.mergerMu.Unlock()
		return
	}
	m.mergerRunning = true
	m.mergerMu.Unlock()
	defer func() {
		m.mergerMu.Lock()
		m.mergerRunning = false
		m.mergerMu.Unlock()
	}()

	entry, ok := m.queue.Peek()
	if !ok {
		return
	}

	task, err := m.store.Get(ctx, entry.TaskID)
	if err != nil || task.Status != taskstore.StatusInProgress {
		m.queue.Dequeue()
		if destroyErr := m.replica.DestroyReplica(ctx, entry.TaskID); destroyErr != nil {
			m.log.Warn("supervisor: destroy replica for non-in-progress task failed", "task_id", entry.TaskID, "error", destroyErr)
		}
		m.processMergerQueue(ctx)
		return
	}

	if !m.replica.ReplicaExists(entry.TaskID) {
		m.queue.Dequeue()
		if err := m.store.SetStatus(ctx, entry.TaskID, taskstore.StatusClosed); err != nil {
			m.log.Warn("supervisor: close task with missing replica failed", "task_id", entry.TaskID, "error", err)
		}
		_ = m.store.AddComment(ctx, entry.TaskID, "Closed without merge (replica directory missing)")
		m.unblockDependents(ctx, entry.TaskID)
		m.processMergerQueue(ctx)
		return
	}

	m.mergerMu.Lock()
	m.mergerProcessing = true
	m.mergerMu.Unlock()

	rec, err := m.spawner.SpawnMerger(ctx, entry.TaskID, entry.ReplicaDir)
	if err != nil {
		m.log.Warn("supervisor: spawn merger failed", "task_id", entry.TaskID, "error", err)
		m.clearMergerLockAndRetry(ctx)
		return
	}

	go m.awaitMergerOutcome(ctx, rec)
}

// awaitMergerOutcome waits for the merger's agent_end, parses its final
// JSON decision from the last assistant turn, and dispatches to the
// matching outcome handler. An agent that exits without a decipherable
// verdict just clears the lock and lets the next tick retry it.
func (m *Manager) awaitMergerOutcome(ctx context.Context, rec *registry.Record) {
	_, err := rec.RPC.WaitForAgentEnd(ctx, m.timeouts.AgentEndMerger)
	if err != nil {
		m.log.Warn("supervisor: merger agent_end wait failed", "task_id", rec.TaskID, "error", err)
		m.clearMergerLockAndRetry(ctx)
		return
	}

	raw, err := rec.RPC.GetLastAssistantText(ctx)
	if err != nil {
		m.log.Warn("supervisor: merger final text fetch failed", "task_id", rec.TaskID, "error", err)
		m.clearMergerLockAndRetry(ctx)
		return
	}

	var verdict mergerVerdict
	if err := json.Unmarshal(raw, &verdict); err != nil {
		m.log.Warn("supervisor: merger verdict parse failed", "task_id", rec.TaskID, "error", err)
		m.clearMergerLockAndRetry(ctx)
		return
	}

	switch verdict.Action {
	case "complete":
		m.handleMergerComplete(ctx, rec.TaskID, verdict.Reason)
	case "conflict":
		m.handleMergerConflict(ctx, rec.TaskID, verdict.Reason)
	default:
		m.log.Warn("supervisor: merger returned unknown action", "task_id", rec.TaskID, "action", verdict.Action)
		m.clearMergerLockAndRetry(ctx)
	}
}

func (m *Manager) clearMergerLockAndRetry(ctx context.Context) {
	m.mergerMu.Lock()
	m.mergerProcessing = false
	m.mergerMu.Unlock()
	m.processMergerQueue(ctx)
}

// handleMergerComplete follows the strict ordering spec.md §4.8.2 and §5
// require: destroyReplica precedes close precedes unblockDependents
// precedes the next spawnMerger.
func (m *Manager) handleMergerComplete(ctx context.Context, taskID, reason string) {
	m.queue.Dequeue()
	if err := m.replica.DestroyReplica(ctx, taskID); err != nil {
		m.log.Warn("supervisor: destroy replica on merge complete failed", "task_id", taskID, "error", err)
	}
	if err := m.store.SetStatus(ctx, taskID, taskstore.StatusClosed); err != nil {
		m.log.Warn("supervisor: close merged task failed", "task_id", taskID, "error", err)
	}
	if reason != "" {
		_ = m.store.AddComment(ctx, taskID, reason)
	}
	m.abortMergerRPCsForTask(ctx, taskID)
	m.unblockDependents(ctx, taskID)
	m.clearMergerLockAndRetry(ctx)
}

// handleMergerConflict blocks the task and leaves its replica intact for
// human resolution (spec.md §4.8.2).
func (m *Manager) handleMergerConflict(ctx context.Context, taskID, reason string) {
	m.queue.Dequeue()
	if err := m.store.SetStatus(ctx, taskID, taskstore.StatusBlocked); err != nil {
		m.log.Warn("supervisor: block task on merge conflict failed", "task_id", taskID, "error", err)
	}
	_ = m.store.AddComment(ctx, taskID, "Blocked by merger conflict. "+reason)
	m.abortMergerRPCsForTask(ctx, taskID)
	m.clearMergerLockAndRetry(ctx)
}

// handleExternalTaskClose is called when the task store reports a task
// closed by some path outside the merge flow (spec.md §4.8.2).
func (m *Manager) handleExternalTaskClose(ctx context.Context, taskID string) {
	if !m.queue.HasTask(taskID) {
		return
	}
	m.queue.Remove(taskID)
	if err := m.replica.DestroyReplica(ctx, taskID); err != nil {
		m.log.Warn("supervisor: destroy replica on external close failed", "task_id", taskID, "error", err)
	}
	m.abortMergerRPCsForTask(ctx, taskID)
	m.processMergerQueue(ctx)
}

func (m *Manager) abortMergerRPCsForTask(ctx context.Context, taskID string) {
	for _, rec := range m.registry.GetActiveByTask(taskID) {
		if rec.Type != config.AgentTypeMerger {
			continue
		}
		_ = rec.RPC.Abort(ctx)
	}
}

// handleFinisherCloseTask either enqueues the task for merge (if its
// replica still exists) or closes it directly (spec.md §4.8.2).
func (m *Manager) handleFinisherCloseTask(ctx context.Context, taskID, reason string) (queuedForMerge bool) {
	if m.replica.ReplicaExists(taskID) {
		m.queue.Enqueue(mergequeue.Entry{TaskID: taskID, ReplicaDir: m.replica.ReplicaDir(taskID)})
		m.abortFinisherRPCsForTask(ctx, taskID)
		return true
	}
	m.closeTaskAndUnblockDependents(ctx, taskID, reason)
	return false
}

func (m *Manager) abortFinisherRPCsForTask(ctx context.Context, taskID string) {
	for _, rec := range m.registry.GetActiveByTask(taskID) {
		if rec.Type != config.AgentTypeFinisher {
			continue
		}
		_ = rec.RPC.Abort(ctx)
	}
}

// closeTaskAndUnblockDependents closes taskID directly (no merge involved)
// and, if not paused, kicks pipelines for any dependents it unblocks
// (spec.md §4.8.2).
func (m *Manager) closeTaskAndUnblockDependents(ctx context.Context, taskID, reason string) {
	if err := m.store.SetStatus(ctx, taskID, taskstore.StatusClosed); err != nil {
		m.log.Warn("supervisor: close task failed", "task_id", taskID, "error", err)
		return
	}
	if reason != "" {
		_ = m.store.AddComment(ctx, taskID, reason)
	}
	m.unblockDependents(ctx, taskID)
}

func (m *Manager) unblockDependents(ctx context.Context, taskID string) {
	unblocked, err := m.store.FindTasksUnblockedBy(ctx, taskID)
	if err != nil {
		m.log.Warn("supervisor: find unblocked dependents failed", "task_id", taskID, "error", err)
		return
	}
	m.mu.Lock()
	paused := m.paused
	m.mu.Unlock()
	if paused {
		return
	}
	for _, dep := range unblocked {
		if err := m.store.SetStatus(ctx, dep.ID, taskstore.StatusOpen); err != nil {
			m.log.Warn("supervisor: reopen unblocked dependent failed", "task_id", dep.ID, "error", err)
			continue
		}
		if m.availableWorkerSlots() <= 0 {
			continue
		}
		m.pipeline.KickoffNewTaskPipeline(ctx, dep)
	}
}
