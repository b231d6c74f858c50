package config

// AgentType identifies the role a spawned agent subprocess plays in a
// task's pipeline. It drives spawner argument/env construction, lifecycle
// capability checks, and concurrency accounting.
type AgentType string

const (
	AgentTypeIssuer      AgentType = "issuer"
	AgentTypeWorker      AgentType = "worker"
	AgentTypeDesigner    AgentType = "designer"
	AgentTypeSpeedy      AgentType = "speedy"
	AgentTypeFinisher    AgentType = "finisher"
	AgentTypeMerger      AgentType = "merger"
	AgentTypeSteering    AgentType = "steering"
	AgentTypeSingularity AgentType = "singularity"
)

// IsValid reports whether t is one of the known agent types.
func (t AgentType) IsValid() bool {
	switch t {
	case AgentTypeIssuer, AgentTypeWorker, AgentTypeDesigner, AgentTypeSpeedy,
		AgentTypeFinisher, AgentTypeMerger, AgentTypeSteering, AgentTypeSingularity:
		return true
	default:
		return false
	}
}

// IsWorkerClass reports whether t counts against the single-active-worker-per-task
// invariant (spec.md §8, invariant 2).
func (t AgentType) IsWorkerClass() bool {
	return t == AgentTypeWorker || t == AgentTypeDesigner || t == AgentTypeSpeedy
}

// ReplicaStrategy selects how a spawned agent's working directory is derived.
type ReplicaStrategy string

const (
	// ReplicaStrategyCreate creates a fresh per-task replica; cwd is its merged view.
	ReplicaStrategyCreate ReplicaStrategy = "create"
	// ReplicaStrategyResolve reuses an existing worker's replica if one exists.
	ReplicaStrategyResolve ReplicaStrategy = "resolve"
	// ReplicaStrategyNone runs the agent directly against the project root.
	ReplicaStrategyNone ReplicaStrategy = "none"
)

// IsValid reports whether s is a known replica strategy.
func (s ReplicaStrategy) IsValid() bool {
	return s == ReplicaStrategyCreate || s == ReplicaStrategyResolve || s == ReplicaStrategyNone
}
