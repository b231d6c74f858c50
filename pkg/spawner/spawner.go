// Package spawner builds the command line and environment for each agent
// type, delegates to the RPC client, registers the result with the
// registry, and enforces per-task spawn-guard dedup (spec.md §4.5, C5).
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omssupervisor/singularity/pkg/config"
	"github.com/omssupervisor/singularity/pkg/redact"
	"github.com/omssupervisor/singularity/pkg/registry"
	"github.com/omssupervisor/singularity/pkg/replica"
	"github.com/omssupervisor/singularity/pkg/rpcclient"
	"github.com/omssupervisor/singularity/pkg/taskstore"
)

// ErrNoAgentTypeConfig is returned when typeKey has no spawner table entry.
var ErrNoAgentTypeConfig = errors.New("spawner: no configuration for agent type")

// Deps collects the components Spawner delegates to.
type Deps struct {
	Config     *config.Config
	Registry   *registry.Registry
	Replica    *replica.Manager
	Store      taskstore.Client
	Redactor   *redact.Redactor
	Log        *slog.Logger
	Command    string // path to the child CLI binary
	SocketPath string // OMS_SINGULARITY_SOCK
}

// Opts customizes one spawnAgent call.
type Opts struct {
	// RawPrompt, if set, is sent verbatim (step 8a).
	RawPrompt string
	// ResumeSessionID resumes an existing LLM session instead of starting fresh.
	ResumeSessionID string
	// ResumeKickoff, if set (and RawPrompt isn't), is the resume-kickoff
	// message (step 8b).
	ResumeKickoff string
	// Task, if set, drives the standardized task prompt (step 8c).
	Task *taskstore.Task
	// ExtraContext is appended to the standardized task prompt.
	ExtraContext string
	// ParentComments / ReferencedComments render issuer dependency context.
	ParentComments     []taskComment
	ReferencedComments []taskComment
	// ExtraEnv is appended to the child's environment.
	ExtraEnv map[string]string
	// ReplicaDirOverride forces cwd, bypassing the type's replica strategy
	// (used by spawnMerger, which is handed a specific replica dir).
	ReplicaDirOverride string
}

// Spawner implements spawnAgent and its convenience wrappers.
type Spawner struct {
	deps   Deps
	prompt *promptBuilder

	guardMu sync.Mutex
	guards  map[string]chan struct{}
}

// New builds a Spawner.
func New(deps Deps) *Spawner {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Spawner{
		deps:   deps,
		prompt: newPromptBuilder(),
		guards: make(map[string]chan struct{}),
	}
}

// SpawnAgent implements the spawner's eleven-step procedure (spec.md §4.5).
func (s *Spawner) SpawnAgent(ctx context.Context, typeKey config.AgentType, taskID string, opts Opts) (*registry.Record, error) {
	typeCfg, err := s.deps.Config.AgentTypeConfig(typeKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAgentTypeConfig, typeKey)
	}

	// Step 1: spawn-guard dedup.
	if typeCfg.SpawnGuard != "" && taskID != "" {
		if rec, ok := s.findGuardedAgent(typeCfg.SpawnGuard, taskID); ok {
			return rec, nil
		}
		release, winner := s.acquireGuard(ctx, typeCfg.SpawnGuard, taskID)
		if !winner {
			if rec, ok := s.findGuardedAgent(typeCfg.SpawnGuard, taskID); ok {
				return rec, nil
			}
		} else {
			defer release()
		}
	}

	agentID := fmt.Sprintf("%s:%s:%s", typeKey, orPlaceholder(taskID), uuid.NewString()[:8])

	// Step 2: claim or assert status.
	var tasksAgentID string
	if taskID != "" && s.deps.Store != nil {
		if opts.ResumeSessionID == "" {
			claimed, err := s.deps.Store.TryClaim(ctx, taskID)
			if err != nil {
				return nil, fmt.Errorf("spawner: claim %s: %w", taskID, err)
			}
			// TryClaim only flips an open task to in_progress and reports
			// false for anyone else; a task already in_progress (a worker
			// or reviewer spawned against it earlier) is still a valid
			// spawn target, so only a genuinely unspawnable status (closed,
			// blocked, deferred) fails the call.
			if !claimed {
				task, err := s.deps.Store.Get(ctx, taskID)
				if err != nil {
					return nil, fmt.Errorf("spawner: look up %s: %w", taskID, err)
				}
				if task.Status != taskstore.StatusInProgress {
					return nil, fmt.Errorf("spawner: task %s not claimable (status=%s)", taskID, task.Status)
				}
			}
		}
		// Step 3: tasks-store agent record.
		id, err := s.deps.Store.CreateAgent(ctx, taskID, string(typeKey))
		if err != nil {
			s.deps.Log.Warn("spawner: create tasks-agent failed", "task_id", taskID, "error", err)
		}
		tasksAgentID = id
	}

	rec := &registry.Record{
		ID:           agentID,
		Type:         typeKey,
		TaskID:       taskID,
		TasksAgentID: tasksAgentID,
		Status:       registry.StatusSpawning,
		SpawnedAt:    time.Now(),
		LastActivity: time.Now(),
		Model:        typeCfg.DefaultModel,
		Thinking:     typeCfg.Thinking,
	}

	// Step 5: resolve cwd per replica strategy.
	cwd, err := s.resolveCwd(ctx, typeCfg, taskID, opts)
	if err != nil {
		return nil, s.failSpawn(ctx, rec, err)
	}
	rec.ReplicaDir = cwd

	// Step 4: build argv.
	promptPath := typeCfg.PromptFile
	argv := buildArgv(typeCfg, opts.ResumeSessionID, promptPath)

	// Step 6: build env.
	env := buildEnv(envParams{
		AgentType:    typeKey,
		TaskID:       taskID,
		AgentID:      agentID,
		SocketPath:   s.deps.SocketPath,
		TaskStoreDir: s.deps.Replica.BaseDir(),
		Extra:        opts.ExtraEnv,
	})

	// Step 7: construct RPC client and start it.
	client := rpcclient.New(rpcclient.Config{
		Command:  s.deps.Command,
		Args:     argv,
		Env:      env,
		Dir:      cwd,
		Redactor: s.deps.Redactor,
	}, s.deps.Log)
	if err := client.Start(ctx); err != nil {
		return nil, s.failSpawn(ctx, rec, fmt.Errorf("spawner: start: %w", err))
	}
	rec.RPC = client

	s.deps.Registry.Register(rec)

	// Step 8: build initial prompt.
	initialPrompt := s.buildInitialPrompt(opts)

	// Step 9: send prompt.
	if _, err := client.Send(ctx, map[string]any{"command": "prompt", "text": initialPrompt}); err != nil {
		return nil, s.failSpawn(ctx, rec, fmt.Errorf("spawner: send prompt: %w", err))
	}

	// Step 10: mark tasks-store slot and state.
	if taskID != "" && s.deps.Store != nil {
		if err := s.deps.Store.SetSlot(ctx, taskID, "callbackHandler", agentID); err != nil {
			s.deps.Log.Warn("spawner: set slot failed", "task_id", taskID, "error", err)
		}
	}
	rec.Status = registry.StatusWorking

	return rec, nil
}

func (s *Spawner) buildInitialPrompt(opts Opts) string {
	switch {
	case opts.RawPrompt != "":
		return s.prompt.buildRaw(opts.RawPrompt)
	case opts.ResumeSessionID != "":
		return s.prompt.buildResumeKickoff(opts.ResumeKickoff)
	case opts.Task != nil:
		return s.prompt.buildTaskPrompt(opts.Task, opts.ExtraContext, opts.ParentComments, opts.ReferencedComments)
	default:
		return opts.ExtraContext
	}
}

func (s *Spawner) resolveCwd(ctx context.Context, typeCfg *config.AgentTypeConfig, taskID string, opts Opts) (string, error) {
	if opts.ReplicaDirOverride != "" {
		return opts.ReplicaDirOverride, nil
	}
	switch typeCfg.ReplicaStrategy {
	case config.ReplicaStrategyNone:
		return "", nil
	case config.ReplicaStrategyCreate, config.ReplicaStrategyResolve:
		if taskID == "" || s.deps.Replica == nil {
			return "", nil
		}
		mount, err := s.deps.Replica.CreateReplica(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("replica: %w", err)
		}
		return mount.Source, nil
	default:
		return "", nil
	}
}

// failSpawn implements spawner step 11's best-effort failure path: comment
// on the task, mark the tasks-agent failed, close it, stop the RPC.
func (s *Spawner) failSpawn(ctx context.Context, rec *registry.Record, cause error) error {
	rec.Status = registry.StatusFailed
	if rec.TaskID != "" && s.deps.Store != nil {
		if err := s.deps.Store.AddComment(ctx, rec.TaskID, fmt.Sprintf("spawn failed for %s: %s", rec.Type, cause)); err != nil {
			s.deps.Log.Warn("spawner: comment failed", "task_id", rec.TaskID, "error", err)
		}
		if rec.TasksAgentID != "" {
			if err := s.deps.Store.CloseAgent(ctx, rec.TaskID, rec.TasksAgentID, true); err != nil {
				s.deps.Log.Warn("spawner: close tasks-agent failed", "task_id", rec.TaskID, "error", err)
			}
		}
	}
	if rec.RPC != nil {
		_ = rec.RPC.Stop(3 * time.Second)
	}
	return cause
}

func (s *Spawner) findGuardedAgent(guard, taskID string) (*registry.Record, bool) {
	for _, rec := range s.deps.Registry.GetActiveByTask(taskID) {
		typeCfg, err := s.deps.Config.AgentTypeConfig(rec.Type)
		if err != nil {
			continue
		}
		if typeCfg.SpawnGuard == guard {
			return rec, true
		}
	}
	return nil, false
}

// acquireGuard enters a per-(guard,taskID) single-flight: the first caller
// becomes the winner and gets a release func; everyone else blocks until
// the winner releases, then re-checks the registry themselves.
func (s *Spawner) acquireGuard(ctx context.Context, guard, taskID string) (release func(), winner bool) {
	key := guard + ":" + taskID

	s.guardMu.Lock()
	if ch, ok := s.guards[key]; ok {
		s.guardMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
		}
		return func() {}, false
	}
	done := make(chan struct{})
	s.guards[key] = done
	s.guardMu.Unlock()

	return func() {
		s.guardMu.Lock()
		delete(s.guards, key)
		s.guardMu.Unlock()
		close(done)
	}, true
}

func orPlaceholder(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
