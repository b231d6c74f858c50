package config

import "time"

// Config is the umbrella configuration for a singularity supervisor process.
// It is assembled by Initialize from the built-in defaults, an optional
// singularity.yaml, and environment variable expansion.
type Config struct {
	configDir string

	Scheduler *SchedulerConfig `yaml:"scheduler,omitempty"`
	Steering  *SteeringConfig  `yaml:"steering,omitempty"`
	Spawner   *SpawnerConfig   `yaml:"spawner,omitempty"`
	Replica   *ReplicaConfig   `yaml:"replica,omitempty"`
	Timeouts  *TimeoutsConfig  `yaml:"timeouts,omitempty"`
	Retry     *RetryConfig     `yaml:"retry,omitempty"`
}

// ConfigDir returns the directory Initialize loaded this config from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// AgentTypeConfig returns the spawner table entry for t, or ErrAgentTypeNotFound.
func (c *Config) AgentTypeConfig(t AgentType) (*AgentTypeConfig, error) {
	if c.Spawner == nil {
		return nil, NewValidationError("spawner", string(t), "", ErrAgentTypeNotFound)
	}
	cfg, ok := c.Spawner.Types[t]
	if !ok {
		return nil, NewValidationError("spawner", string(t), "", ErrAgentTypeNotFound)
	}
	return cfg, nil
}

// SchedulerConfig controls the supervisor's tick cadence and admission caps
// (spec.md §8: "at most one live worker-class agent per task").
type SchedulerConfig struct {
	// TickInterval is how often the agent loop re-evaluates admission.
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`
	// MaxWorkers bounds concurrently-running worker-class agents.
	MaxWorkers int `yaml:"max_workers,omitempty"`
	// MaxTotalAgents bounds concurrently-running agents of any type.
	MaxTotalAgents int `yaml:"max_total_agents,omitempty"`
}

// SteeringConfig controls the periodic steering review cadence (spec.md §4.6).
type SteeringConfig struct {
	// ReviewInterval is how often the steering manager reviews live workers.
	ReviewInterval time.Duration `yaml:"review_interval,omitempty"`
	// FirstReviewGrace delays the first review after a worker spawns.
	FirstReviewGrace time.Duration `yaml:"first_review_grace,omitempty"`
	// HistoryTurns is how many trailing assistant turns are summarized into
	// the steering context (grounded on the teacher's context formatter).
	HistoryTurns int `yaml:"history_turns,omitempty"`
	// BroadcastDrainTimeout bounds how long a broadcast waits for every
	// worker's acknowledging agent_end before giving up on stragglers.
	BroadcastDrainTimeout time.Duration `yaml:"broadcast_drain_timeout,omitempty"`
}

// SpawnerConfig is the declarative per-agent-type table (spec.md §4.5).
type SpawnerConfig struct {
	Types map[AgentType]*AgentTypeConfig `yaml:"types,omitempty"`
}

// AgentTypeConfig declares how one agent type is spawned: its tool access,
// replica strategy, and spawn-guard identity used for dedup.
type AgentTypeConfig struct {
	Type AgentType `yaml:"type"`
	// ReplicaStrategy selects the working-directory derivation for this type.
	ReplicaStrategy ReplicaStrategy `yaml:"replica_strategy,omitempty"`
	// StripBash removes shell-exec tool access from the spawned agent's tool set.
	StripBash bool `yaml:"strip_bash,omitempty"`
	// ExtraTools are appended to the CLI's default tool set.
	ExtraTools []string `yaml:"extra_tools,omitempty"`
	// SpawnGuard is the dedup key checked before spawning a second agent of
	// the same guard for a task; empty disables guarding. Workers,
	// designers, and speedy agents all share guard identity "worker".
	SpawnGuard string `yaml:"spawn_guard,omitempty"`
	// DefaultModel overrides the CLI's default model selection, if set.
	DefaultModel string `yaml:"default_model,omitempty"`
	// Thinking selects the CLI's thinking-effort level for this type.
	Thinking string `yaml:"thinking,omitempty"`
	// ExtensionKeys are opaque names resolved via a fixed table into
	// `--extension <file>` flags, one per key.
	ExtensionKeys []string `yaml:"extension_keys,omitempty"`
	// PromptFile optionally overrides the type's default
	// `--append-system-prompt` file.
	PromptFile string `yaml:"prompt_file,omitempty"`
}

// ReplicaConfig controls replica creation and cleanup (spec.md §4.3).
type ReplicaConfig struct {
	// BaseDir is the parent directory under which per-task replica directories live.
	BaseDir string `yaml:"base_dir,omitempty"`
	// ExcludePrefixes are path prefixes skipped during a filtered-copy replica.
	ExcludePrefixes []string `yaml:"exclude_prefixes,omitempty"`
	// OverlayBinary is the overlay helper invoked when PreferOverlay is true.
	OverlayBinary string `yaml:"overlay_binary,omitempty"`
	// PreferOverlay selects overlayfs over filtered-copy when the overlay
	// binary is available; falls back to filtered-copy otherwise.
	PreferOverlay bool `yaml:"prefer_overlay,omitempty"`
	// StaleCleanupAfter is how long an unreferenced replica may sit before
	// the cleanup sweep removes it.
	StaleCleanupAfter time.Duration `yaml:"stale_cleanup_after,omitempty"`
	// CleanupScanInterval is how often the stale-replica sweep runs.
	CleanupScanInterval time.Duration `yaml:"cleanup_scan_interval,omitempty"`
}

// TimeoutsConfig collects the RPC and lifecycle wait timeouts spec.md §6/§8 name.
type TimeoutsConfig struct {
	// RPCSend bounds how long a single RPC request may wait for a response.
	RPCSend time.Duration `yaml:"rpc_send,omitempty"`
	// AgentEndWorker bounds how long the pipeline waits for a worker's
	// agent_end; zero means wait indefinitely.
	AgentEndWorker time.Duration `yaml:"agent_end_worker,omitempty"`
	// AgentEndResumeIssuer bounds waiting for a resume-kickoff issuer's agent_end.
	AgentEndResumeIssuer time.Duration `yaml:"agent_end_resume_issuer,omitempty"`
	// AgentEndSubIssuer bounds waiting for a sub-issuer's agent_end.
	AgentEndSubIssuer time.Duration `yaml:"agent_end_sub_issuer,omitempty"`
	// AgentEndBroadcastSteering bounds waiting for a steering broadcast's agent_end.
	AgentEndBroadcastSteering time.Duration `yaml:"agent_end_broadcast_steering,omitempty"`
	// AgentEndComplaintResolver bounds waiting for a complaint-resolution agent's agent_end.
	AgentEndComplaintResolver time.Duration `yaml:"agent_end_complaint_resolver,omitempty"`
	// AgentEndMerger bounds waiting for a merger agent's agent_end.
	AgentEndMerger time.Duration `yaml:"agent_end_merger,omitempty"`
	// ShutdownGrace bounds the grace period given to live agents on supervisor stop.
	ShutdownGrace time.Duration `yaml:"shutdown_grace,omitempty"`
}

// RetryConfig collects the retry-with-recovery budgets spec.md §4.7/§9 name.
type RetryConfig struct {
	// IssuerMaxAttempts bounds retries of a failed issuer-class agent.
	IssuerMaxAttempts int `yaml:"issuer_max_attempts,omitempty"`
	// SpeedyMaxAttempts bounds retries of a failed speedy-class agent.
	SpeedyMaxAttempts int `yaml:"speedy_max_attempts,omitempty"`
}
