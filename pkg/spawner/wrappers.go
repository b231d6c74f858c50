package spawner

import (
	"context"

	"github.com/omssupervisor/singularity/pkg/config"
	"github.com/omssupervisor/singularity/pkg/registry"
	"github.com/omssupervisor/singularity/pkg/taskstore"
)

// SpawnIssuer spawns a fresh issuer for task (new-task pipeline, §4.7.3) or,
// when extraContext carries a resume/escalation nudge, a fresh issuer for
// an already in_progress task (§4.7.4).
func (s *Spawner) SpawnIssuer(ctx context.Context, task *taskstore.Task, extraContext string, parentComments, referencedComments []taskComment) (*registry.Record, error) {
	return s.SpawnAgent(ctx, config.AgentTypeIssuer, task.ID, Opts{
		Task:               task,
		ExtraContext:       extraContext,
		ParentComments:     parentComments,
		ReferencedComments: referencedComments,
	})
}

// ResumeAgent resumes agentType's LLM session with sessionID, optionally
// steering it with a message first (the recovery-retry driver's "resume
// with captured session id" path, §4.7.2).
func (s *Spawner) ResumeAgent(ctx context.Context, agentType config.AgentType, taskID, sessionID, kickoff string) (*registry.Record, error) {
	return s.SpawnAgent(ctx, agentType, taskID, Opts{
		ResumeSessionID: sessionID,
		ResumeKickoff:   kickoff,
	})
}

// SpawnWorker spawns a worker-class agent (worker or designer, per the
// pipeline's label-based selection, §4.7.3) with a kickoff message.
func (s *Spawner) SpawnWorker(ctx context.Context, workerType config.AgentType, task *taskstore.Task, kickoff string) (*registry.Record, error) {
	return s.SpawnAgent(ctx, workerType, task.ID, Opts{
		RawPrompt: kickoff,
	})
}

// SpawnFinisher spawns a finisher to verify and close out task, fed the
// worker's (or speedy's) final message as context.
func (s *Spawner) SpawnFinisher(ctx context.Context, task *taskstore.Task, workerOutput string) (*registry.Record, error) {
	return s.SpawnAgent(ctx, config.AgentTypeFinisher, task.ID, Opts{
		Task:         task,
		ExtraContext: workerOutput,
	})
}

// SpawnSpeedy spawns the fast-path agent for a tiny-scope task (§4.7.3 step 2).
func (s *Spawner) SpawnSpeedy(ctx context.Context, task *taskstore.Task) (*registry.Record, error) {
	return s.SpawnAgent(ctx, config.AgentTypeSpeedy, task.ID, Opts{
		Task: task,
	})
}

// SpawnMerger spawns the single merger agent for taskID against its
// already-created replicaDir (spec.md §4.4/§4.8.1).
func (s *Spawner) SpawnMerger(ctx context.Context, taskID, replicaDir string) (*registry.Record, error) {
	return s.SpawnAgent(ctx, config.AgentTypeMerger, taskID, Opts{
		ReplicaDirOverride: replicaDir,
		RawPrompt:          "Merge this task's replica into the project root, then close it.",
	})
}

// SpawnSteering spawns a per-worker periodic steering review agent fed a
// formatted recent-history summary (spec.md §4.6).
func (s *Spawner) SpawnSteering(ctx context.Context, taskID, historySummary string) (*registry.Record, error) {
	return s.SpawnAgent(ctx, config.AgentTypeSteering, taskID, Opts{
		RawPrompt: historySummary,
	})
}

// SpawnBroadcastSteering spawns the single global broadcast-steering agent
// fed the broadcast message plus a per-worker snapshot (spec.md §4.6).
func (s *Spawner) SpawnBroadcastSteering(ctx context.Context, message, snapshot string) (*registry.Record, error) {
	return s.SpawnAgent(ctx, config.AgentTypeSteering, "", Opts{
		RawPrompt: message + "\n\n" + snapshot,
	})
}

// SpawnResolver spawns a complaint-resolution agent against the complaint's
// description (steering manager's conflict-resolution path, §4.6).
func (s *Spawner) SpawnResolver(ctx context.Context, taskID, complaintSummary string) (*registry.Record, error) {
	return s.SpawnAgent(ctx, config.AgentTypeSteering, taskID, Opts{
		RawPrompt: complaintSummary,
	})
}
