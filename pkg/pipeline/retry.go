package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/omssupervisor/singularity/pkg/lifecycle"
	"github.com/omssupervisor/singularity/pkg/registry"
	"github.com/omssupervisor/singularity/pkg/spawner"
	"github.com/omssupervisor/singularity/pkg/taskstore"
)

// errRetryAborted is returned by runAgentWithRetry when a between-attempts
// check decides recovery is no longer worthwhile (spec.md §4.7.2).
var errRetryAborted = errors.New("pipeline: retry aborted")

// retryDriver parameterizes runAgentWithRetry for either the issuer or the
// speedy agent (spec.md §4.7.2: "the common driver for issuer and speedy").
type retryDriver struct {
	TaskID      string
	AgentName   string
	MaxAttempts int
	// SpawnFresh starts a brand new agent for the first attempt.
	SpawnFresh func(ctx context.Context) (*registry.Record, error)
	// SpawnResume resumes sessionID with a steer/kickoff message for every
	// retry attempt after the first.
	SpawnResume func(ctx context.Context, sessionID, kickoff string) (*registry.Record, error)
}

// runAgentWithRetry runs d's agent to completion, retrying up to
// d.MaxAttempts times whenever an attempt ends without an advance_lifecycle
// call (spec.md §4.7.2).
func (m *Manager) runAgentWithRetry(ctx context.Context, d retryDriver) (lifecycle.Record, error) {
	m.lc.Clear(d.TaskID)

	var sessionID string
	for attempt := 1; attempt <= d.MaxAttempts; attempt++ {
		var rec *registry.Record
		var err error
		if attempt == 1 {
			rec, err = d.SpawnFresh(ctx)
		} else {
			rec, err = d.SpawnResume(ctx, sessionID, spawner.BuildRecoverySteer(attempt, d.MaxAttempts))
		}
		if err != nil {
			m.log.Warn("pipeline: spawn failed", "agent", d.AgentName, "task_id", d.TaskID, "attempt", attempt, "error", err)
		} else {
			_, _ = rec.RPC.WaitForAgentEnd(ctx, agentEndWait)
		}

		if lcRec, ok := m.lc.Consume(d.TaskID); ok {
			return lcRec, nil
		}

		if rec != nil && rec.Status == registry.StatusStopped {
			return lifecycle.Record{}, fmt.Errorf("%w: %s externally replaced", errRetryAborted, d.AgentName)
		}

		if rec != nil {
			sessionID = firstNonEmpty(rec.RPC.SessionID(), rec.SessionID, sessionID)
			rec.Status = registry.StatusDead
			m.log.Warn("pipeline: agent ended without advance_lifecycle", "agent", d.AgentName, "task_id", d.TaskID, "attempt", attempt)
		}

		if attempt == d.MaxAttempts {
			break
		}
		if abortReason, abort := m.shouldAbortRetry(ctx, d.TaskID); abort {
			return lifecycle.Record{}, fmt.Errorf("%w: %s", errRetryAborted, abortReason)
		}
	}

	return lifecycle.Record{}, fmt.Errorf("%s failed after %d attempts (missing advance_lifecycle)", d.AgentName, d.MaxAttempts)
}

// shouldAbortRetry checks the task's external state between attempts: a
// closed/blocked/deleted task, a live worker, or a pending worker
// replacement all mean recovery is no longer worthwhile.
func (m *Manager) shouldAbortRetry(ctx context.Context, taskID string) (string, bool) {
	task, err := m.store.Get(ctx, taskID)
	if err != nil {
		return "task no longer exists", true
	}
	switch task.Status {
	case taskstore.StatusClosed, taskstore.StatusBlocked:
		return fmt.Sprintf("task is now %s", task.Status), true
	}
	if m.isWorkerReplacementPending(taskID) {
		return "a worker replacement is pending", true
	}
	if m.hasActiveWorker(taskID) {
		return "a worker is already active", true
	}
	return "", false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
