package pipeline

import (
	"context"
	"fmt"

	"github.com/omssupervisor/singularity/pkg/config"
	"github.com/omssupervisor/singularity/pkg/lifecycle"
	"github.com/omssupervisor/singularity/pkg/registry"
	"github.com/omssupervisor/singularity/pkg/spawner"
	"github.com/omssupervisor/singularity/pkg/taskstore"
)

// runNewTaskPipeline drives a brand-new task: tiny-scope tasks try the
// speedy fast path first, everything else (and any speedy escalation) goes
// through the issuer (spec.md §4.7.3).
func (m *Manager) runNewTaskPipeline(ctx context.Context, task *taskstore.Task) error {
	claimed, err := m.store.TryClaim(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("pipeline: claim %s: %w", task.ID, err)
	}
	if !claimed {
		m.log.Debug("pipeline: task claimed by someone else", "task_id", task.ID)
		return nil
	}

	if task.Scope == taskstore.ScopeTiny {
		return m.runSpeedyFirst(ctx, task)
	}
	return m.RunIssuerAndDispatch(ctx, task, "")
}

// runSpeedyFirst implements the tiny-scope fast path (spec.md §4.7.3 step
// 2): close means done, block means blocked, advance-to-finisher means
// speedy finished the work itself, advance-to-issuer escalates to the full
// issuer/worker chain with the speedy agent's note attached.
func (m *Manager) runSpeedyFirst(ctx context.Context, task *taskstore.Task) error {
	rec, err := m.runAgentWithRetry(ctx, retryDriver{
		TaskID:      task.ID,
		AgentName:   "speedy",
		MaxAttempts: m.retry.SpeedyMaxAttempts,
		SpawnFresh: func(ctx context.Context) (*registry.Record, error) {
			return m.spawner.SpawnSpeedy(ctx, task)
		},
		SpawnResume: func(ctx context.Context, sessionID, kickoff string) (*registry.Record, error) {
			return m.spawner.ResumeAgent(ctx, config.AgentTypeSpeedy, task.ID, sessionID, kickoff)
		},
	})
	if err != nil {
		m.blockTask(ctx, "speedy", task.ID, err.Error())
		return err
	}

	switch rec.Action {
	case lifecycle.ActionClose:
		return nil
	case lifecycle.ActionBlock:
		m.blockTask(ctx, "speedy", task.ID, firstNonEmpty(rec.Reason, rec.Message))
		return nil
	case lifecycle.ActionAdvance:
		switch rec.Target {
		case config.AgentTypeFinisher:
			_, err := m.spawner.SpawnFinisher(ctx, task, rec.Message)
			return err
		case config.AgentTypeIssuer:
			extra := spawner.BuildEscalationKickoff(task, rec.Message)
			return m.RunIssuerAndDispatch(ctx, task, extra)
		}
	}
	return nil
}

// runResumePipeline drives a task that is already in_progress with no
// active worker, as found at supervisor startup (spec.md §4.7.4). A
// pending interrupt kickoff skips the issuer entirely and goes straight to
// the worker.
func (m *Manager) runResumePipeline(ctx context.Context, task *taskstore.Task) error {
	if kickoff, ok := m.steering.ConsumePendingKickoff(task.ID); ok {
		workerType := m.SelectWorkerType(task, "")
		_, err := m.spawner.SpawnWorker(ctx, workerType, task, kickoff)
		return err
	}
	return m.RunIssuerAndDispatch(ctx, task, spawner.BuildResumeNudge(task))
}

// RunIssuerAndDispatch runs the issuer with the given extra prompt context
// and applies its lifecycle decision (spec.md §4.7.3 step 3, shared by the
// resume pipeline's equivalent decision in §4.7.4).
func (m *Manager) RunIssuerAndDispatch(ctx context.Context, task *taskstore.Task, extraContext string) error {
	rec, err := m.runAgentWithRetry(ctx, retryDriver{
		TaskID:      task.ID,
		AgentName:   "issuer",
		MaxAttempts: m.retry.IssuerMaxAttempts,
		SpawnFresh: func(ctx context.Context) (*registry.Record, error) {
			return m.spawner.SpawnIssuer(ctx, task, extraContext, nil, nil)
		},
		SpawnResume: func(ctx context.Context, sessionID, kickoff string) (*registry.Record, error) {
			return m.spawner.ResumeAgent(ctx, config.AgentTypeIssuer, task.ID, sessionID, kickoff)
		},
	})
	if err != nil {
		m.blockTask(ctx, "issuer", task.ID, err.Error())
		return err
	}
	return m.handleIssuerOutcome(ctx, task, rec)
}

func (m *Manager) handleIssuerOutcome(ctx context.Context, task *taskstore.Task, rec lifecycle.Record) error {
	switch rec.Action {
	case lifecycle.ActionClose:
		_, err := m.spawner.SpawnFinisher(ctx, task, "No worker needed: "+rec.Message)
		return err
	case lifecycle.ActionBlock:
		if m.isWorkerReplacementPending(task.ID) || m.hasActiveWorker(task.ID) {
			return nil
		}
		m.blockTask(ctx, "issuer", task.ID, firstNonEmpty(rec.Reason, rec.Message))
		return nil
	case lifecycle.ActionAdvance:
		workerType := m.SelectWorkerType(task, rec.Target)
		_, err := m.spawner.SpawnWorker(ctx, workerType, task, rec.Message)
		return err
	default:
		m.log.Warn("pipeline: unknown issuer lifecycle action", "task_id", task.ID, "action", rec.Action)
		return nil
	}
}
