// Package taskstore declares the narrow interface the supervisor uses to
// read and write task state. The task store itself — issue tracker, ticket
// queue, whatever backs it — lives outside this module; CRUD over issues,
// comments, status, and slot assignments is deliberately out of scope here.
package taskstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the task store has no record for the given id.
var ErrNotFound = errors.New("task not found")

// Status is the task store's own lifecycle, distinct from an agent's status.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
	StatusDeferred   Status = "deferred"
)

// Scope is a coarse sizing hint that drives pipeline shape (spec.md §4.9
// scenario S2: scope=tiny skips the issuer/worker/finisher chain entirely).
type Scope string

const (
	ScopeTiny   Scope = "tiny"
	ScopeSmall  Scope = "small"
	ScopeMedium Scope = "medium"
	ScopeLarge  Scope = "large"
)

// Task is the read-mostly reference record the supervisor pulls from the
// external store. Status transitions are the store's responsibility; the
// supervisor reads and writes them through Client, never mutates them
// in-process.
type Task struct {
	ID           string
	Title        string
	Description  string
	Acceptance   string
	Labels       []string
	DependsOnIDs []string
	Status       Status
	Scope        Scope
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsActive reports whether t is eligible for a new pipeline run.
func (t *Task) IsActive() bool {
	return t.Status == StatusOpen || t.Status == StatusInProgress
}

// Client is the narrow contract the supervisor uses against the external
// task store. Implementations live outside this module (spec.md §1's
// explicit "deliberately out of scope" boundary); this package only
// declares the shape consumers here are written against, the way the
// teacher's queue package consumes a SessionExecutor it never implements.
type Client interface {
	// Get fetches a single task by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// ListClaimable returns tasks eligible for a new pipeline: status=open,
	// all DependsOnIDs closed, up to limit results.
	ListClaimable(ctx context.Context, limit int) ([]*Task, error)

	// SetStatus transitions a task's store-side status.
	SetStatus(ctx context.Context, id string, status Status) error

	// AddComment appends an audit-trail comment (e.g. "Finisher close
	// recorded for T1", spec.md §4.9 scenario S1).
	AddComment(ctx context.Context, id string, body string) error

	// SetAgentState records the observable state of a live agent against
	// its task, written by the registry's heartbeat loop (spec.md §4.2).
	SetAgentState(ctx context.Context, taskID string, agentID string, state AgentState) error

	// TryClaim atomically adopts ownership of an open task for a new
	// pipeline run. Returns false (no error) if the task is no longer
	// claimable — someone beat the caller to it.
	TryClaim(ctx context.Context, taskID string) (bool, error)

	// CreateAgent records a new tasks-store agent slot for taskID and
	// returns its store-side id (spawner step 3).
	CreateAgent(ctx context.Context, taskID string, agentType string) (string, error)

	// CloseAgent marks a tasks-store agent record as failed/closed
	// (spawner step 11's best-effort failure path).
	CloseAgent(ctx context.Context, taskID string, tasksAgentID string, failed bool) error

	// SetSlot assigns a named callback slot (e.g. "callbackHandler", "hook")
	// on taskID to value (spawner step 10).
	SetSlot(ctx context.Context, taskID string, slot string, value string) error

	// ClearSlot removes a named callback slot from taskID.
	ClearSlot(ctx context.Context, taskID string, slot string) error

	// GetInProgressTasksWithoutAgent returns up to limit tasks that are
	// in_progress with no currently active agent (resume-pipeline scan,
	// spec.md §4.7.4).
	GetInProgressTasksWithoutAgent(ctx context.Context, limit int) ([]*Task, error)

	// FindTasksUnblockedBy returns tasks whose only remaining open
	// dependency was taskID, now that it has closed.
	FindTasksUnblockedBy(ctx context.Context, taskID string) ([]*Task, error)
}

// AgentState is the subset of an agent record the heartbeat pushes to the
// external store: usage counters and last-activity timestamp.
type AgentState struct {
	AgentID      string
	Type         string
	Status       string
	TokensUsed   int64
	CostUSD      float64
	LastActivity time.Time
}
