package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/omssupervisor/singularity/pkg/config"
	"github.com/omssupervisor/singularity/pkg/registry"
	"github.com/omssupervisor/singularity/pkg/rpcevents"
	"github.com/omssupervisor/singularity/pkg/steering"
	"github.com/omssupervisor/singularity/pkg/taskstore"
)

const blockedByStopComment = "Blocked by user via Stop. Ask Singularity for guidance, then unblock when ready."

// stopAgentsMatching marks every matching active agent stopped in the
// registry first (so any subsequent agent_end guards observe the terminal
// state), fires off rpc.abort, awaits rpc.stop, then optionally blocks the
// affected tasks (spec.md §4.8.3).
func (m *Manager) stopAgentsMatching(ctx context.Context, pred func(*registry.Record) bool, blockStoppedTasks bool) []*registry.Record {
	var matched []*registry.Record
	for _, rec := range m.registry.GetActive() {
		if pred(rec) {
			rec.Status = registry.StatusStopped
			matched = append(matched, rec)
		}
	}

	var wg sync.WaitGroup
	for _, rec := range matched {
		wg.Add(1)
		go func(rec *registry.Record) {
			defer wg.Done()
			go func() { _ = rec.RPC.Abort(ctx) }()
			_ = rec.RPC.Stop(m.timeouts.ShutdownGrace)
		}(rec)
	}
	wg.Wait()

	if blockStoppedTasks {
		blocked := make(map[string]bool)
		for _, rec := range matched {
			if rec.TaskID == "" || blocked[rec.TaskID] {
				continue
			}
			blocked[rec.TaskID] = true
			if err := m.store.SetStatus(ctx, rec.TaskID, taskstore.StatusBlocked); err != nil {
				m.log.Warn("supervisor: block stopped task failed", "task_id", rec.TaskID, "error", err)
				continue
			}
			_ = m.store.AddComment(ctx, rec.TaskID, blockedByStopComment)
		}
	}
	return matched
}

// StopAgentsForTask aborts, waits for, and finalizes every active agent on
// taskID, blocking the task if any were stopped (spec.md §4.8).
func (m *Manager) StopAgentsForTask(ctx context.Context, taskID string, includeFinisher bool) []*registry.Record {
	return m.stopAgentsMatching(ctx, func(rec *registry.Record) bool {
		if rec.TaskID != taskID {
			return false
		}
		if !includeFinisher && rec.Type == config.AgentTypeFinisher {
			return false
		}
		return true
	}, true)
}

// StopAgentsForTaskIDsAndPause pauses the loop, then stops every agent on
// the given tasks.
func (m *Manager) StopAgentsForTaskIDsAndPause(ctx context.Context, taskIDs []string, blockStoppedTasks bool) []*registry.Record {
	m.Pause()
	ids := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		ids[id] = true
	}
	return m.stopAgentsMatching(ctx, func(rec *registry.Record) bool { return ids[rec.TaskID] }, blockStoppedTasks)
}

// StopAgentByID stops a single agent by its registry id.
func (m *Manager) StopAgentByID(ctx context.Context, agentID string) bool {
	matched := m.stopAgentsMatching(ctx, func(rec *registry.Record) bool { return rec.ID == agentID }, true)
	return len(matched) > 0
}

// StopAllAgentsAndPause pauses the loop and stops every active agent.
func (m *Manager) StopAllAgentsAndPause(ctx context.Context) []*registry.Record {
	m.Pause()
	return m.stopAgentsMatching(ctx, func(*registry.Record) bool { return true }, true)
}

// WaitForAgent waits for agentID's agent_end event.
func (m *Manager) WaitForAgent(ctx context.Context, agentID string, timeout time.Duration) (rpcevents.Event, error) {
	rec, err := m.registry.Get(agentID)
	if err != nil {
		return rpcevents.Event{}, err
	}
	return rec.RPC.WaitForAgentEnd(ctx, timeout)
}

// BroadcastToWorkers delegates to the steering manager (spec.md §4.8's
// control surface; see §4.6 for the implementation).
func (m *Manager) BroadcastToWorkers(ctx context.Context, message string, meta map[string]string) error {
	return m.steering.BroadcastToWorkers(ctx, message, meta)
}

// SteerAgent delegates to the steering manager.
func (m *Manager) SteerAgent(ctx context.Context, taskID, message string) bool {
	return m.steering.SteerAgent(ctx, taskID, message)
}

// InterruptAgent delegates to the steering manager.
func (m *Manager) InterruptAgent(ctx context.Context, taskID, message string) bool {
	return m.steering.InterruptAgent(ctx, taskID, message)
}

// Complain delegates to the steering manager.
func (m *Manager) Complain(ctx context.Context, complainantAgentID, complainantTaskID string, files []string, reason string) (*steering.Complaint, error) {
	return m.steering.Complain(ctx, complainantAgentID, complainantTaskID, files, reason)
}

// RevokeComplaint delegates to the steering manager.
func (m *Manager) RevokeComplaint(ctx context.Context, complaintID string) bool {
	return m.steering.RevokeComplaint(ctx, complaintID)
}

// SpawnAgentBySingularity is the external "replace" entrypoint (spec.md
// §4.8): per-(type,taskId) in-flight guard, unblocks the task, stops every
// active agent on it, then spawns the requested type. An issuer request
// gets its lifecycle outcome honored the same way the pipeline does.
func (m *Manager) SpawnAgentBySingularity(ctx context.Context, agentType config.AgentType, taskID, extraContext string) error {
	guardKey := fmt.Sprintf("%s:%s", agentType, taskID)
	if m.isTransitioning(guardKey) {
		return fmt.Errorf("supervisor: replace already in flight for %s", guardKey)
	}
	m.setTransitioning(guardKey, true)
	defer m.setTransitioning(guardKey, false)

	release := m.pipeline.ReserveInFlight(taskID)
	defer release()

	task, err := m.store.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("supervisor: replace lookup %s: %w", taskID, err)
	}
	if task.Status == taskstore.StatusBlocked {
		if err := m.store.SetStatus(ctx, taskID, taskstore.StatusInProgress); err != nil {
			return fmt.Errorf("supervisor: unblock %s: %w", taskID, err)
		}
	}

	m.stopAgentsMatching(ctx, func(rec *registry.Record) bool { return rec.TaskID == taskID }, false)

	switch agentType {
	case config.AgentTypeIssuer:
		return m.pipeline.RunIssuerAndDispatch(ctx, task, extraContext)
	case config.AgentTypeFinisher:
		_, err := m.spawner.SpawnFinisher(ctx, task, extraContext)
		return err
	default:
		workerType := m.pipeline.SelectWorkerType(task, agentType)
		_, err := m.spawner.SpawnWorker(ctx, workerType, task, extraContext)
		return err
	}
}
