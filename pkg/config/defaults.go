package config

import "time"

// DefaultConfig returns the built-in configuration used when a singularity.yaml
// doesn't override a section. Every field here has a corresponding validate*
// bound check in validator.go.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: DefaultSchedulerConfig(),
		Steering:  DefaultSteeringConfig(),
		Spawner:   DefaultSpawnerConfig(),
		Replica:   DefaultReplicaConfig(),
		Timeouts:  DefaultTimeoutsConfig(),
		Retry:     DefaultRetryConfig(),
	}
}

// DefaultSchedulerConfig returns the default admission/polling tunables.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval:   500 * time.Millisecond,
		MaxWorkers:     4,
		MaxTotalAgents: 12,
	}
}

// DefaultSteeringConfig returns the default steering-manager tunables.
func DefaultSteeringConfig() *SteeringConfig {
	return &SteeringConfig{
		ReviewInterval:        15 * time.Minute,
		FirstReviewGrace:      2 * time.Minute,
		HistoryTurns:          5,
		BroadcastDrainTimeout: 30 * time.Second,
	}
}

// DefaultSpawnerConfig returns the built-in per-agent-type table. User
// config overrides merge on top of this via MergeSpawnerConfig.
func DefaultSpawnerConfig() *SpawnerConfig {
	return &SpawnerConfig{
		Types: map[AgentType]*AgentTypeConfig{
			AgentTypeIssuer: {
				Type:            AgentTypeIssuer,
				ReplicaStrategy: ReplicaStrategyCreate,
				StripBash:       false,
				SpawnGuard:      "issuer",
				DefaultModel:    "claude-sonnet",
				Thinking:        "medium",
				ExtensionKeys:   []string{"advance_lifecycle", "task_store"},
				PromptFile:      "issuer.md",
			},
			AgentTypeWorker: {
				Type:            AgentTypeWorker,
				ReplicaStrategy: ReplicaStrategyResolve,
				StripBash:       false,
				SpawnGuard:      "worker",
				DefaultModel:    "claude-sonnet",
				Thinking:        "high",
				ExtensionKeys:   []string{"advance_lifecycle", "task_store", "interrupt_agent"},
				PromptFile:      "worker.md",
			},
			AgentTypeDesigner: {
				Type:            AgentTypeDesigner,
				ReplicaStrategy: ReplicaStrategyResolve,
				StripBash:       true,
				SpawnGuard:      "worker",
				DefaultModel:    "claude-sonnet",
				Thinking:        "high",
				ExtensionKeys:   []string{"advance_lifecycle", "task_store", "interrupt_agent"},
				PromptFile:      "designer.md",
			},
			AgentTypeSpeedy: {
				Type:            AgentTypeSpeedy,
				ReplicaStrategy: ReplicaStrategyResolve,
				StripBash:       true,
				SpawnGuard:      "worker",
				DefaultModel:    "claude-haiku",
				Thinking:        "low",
				ExtensionKeys:   []string{"advance_lifecycle", "task_store"},
				PromptFile:      "speedy.md",
			},
			AgentTypeFinisher: {
				Type:            AgentTypeFinisher,
				ReplicaStrategy: ReplicaStrategyResolve,
				StripBash:       false,
				SpawnGuard:      "finisher",
				DefaultModel:    "claude-sonnet",
				Thinking:        "medium",
				ExtensionKeys:   []string{"advance_lifecycle", "task_store"},
				PromptFile:      "finisher.md",
			},
			AgentTypeMerger: {
				Type:            AgentTypeMerger,
				ReplicaStrategy: ReplicaStrategyNone,
				StripBash:       false,
				SpawnGuard:      "merger",
				DefaultModel:    "claude-sonnet",
				Thinking:        "medium",
				ExtensionKeys:   []string{"task_store"},
				PromptFile:      "merger.md",
			},
			AgentTypeSteering: {
				Type:            AgentTypeSteering,
				ReplicaStrategy: ReplicaStrategyNone,
				StripBash:       true,
				SpawnGuard:      "",
				DefaultModel:    "claude-haiku",
				Thinking:        "low",
				ExtensionKeys:   nil,
				PromptFile:      "steering.md",
			},
		},
	}
}

// DefaultReplicaConfig returns the default replica-manager tunables.
func DefaultReplicaConfig() *ReplicaConfig {
	return &ReplicaConfig{
		BaseDir:             "/var/lib/singularity/replicas",
		ExcludePrefixes:     []string{".git", "node_modules", ".singularity"},
		OverlayBinary:       "fuse-overlayfs",
		PreferOverlay:       true,
		StaleCleanupAfter:   6 * time.Hour,
		CleanupScanInterval: 10 * time.Minute,
	}
}

// DefaultTimeoutsConfig returns the default RPC and agent-end wait timeouts.
func DefaultTimeoutsConfig() *TimeoutsConfig {
	return &TimeoutsConfig{
		RPCSend:                   5 * time.Second,
		AgentEndWorker:            0,
		AgentEndResumeIssuer:      10 * time.Minute,
		AgentEndSubIssuer:         10 * time.Minute,
		AgentEndBroadcastSteering: 2 * time.Minute,
		AgentEndComplaintResolver: 2 * time.Minute,
		AgentEndMerger:            10 * time.Minute,
		ShutdownGrace:             3 * time.Second,
	}
}

// DefaultRetryConfig returns the default retry budgets.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		IssuerMaxAttempts: 3,
		SpeedyMaxAttempts: 3,
	}
}
