// Package registry is the in-memory map of live agents the supervisor's
// other components consult and mutate: one record per spawned subprocess,
// keyed by agent id.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/omssupervisor/singularity/pkg/config"
	"github.com/omssupervisor/singularity/pkg/rpcclient"
	"github.com/omssupervisor/singularity/pkg/rpcevents"
	"github.com/omssupervisor/singularity/pkg/taskstore"
)

// ErrNotFound is returned by Get when no record exists for the given id.
var ErrNotFound = errors.New("registry: agent not found")

// Status is an agent's lifecycle state (spec.md §3).
type Status string

const (
	StatusSpawning Status = "spawning"
	StatusWorking  Status = "working"
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusAborted  Status = "aborted"
	StatusStopped  Status = "stopped"
	StatusDead     Status = "dead"
)

// IsTerminal reports whether s is one of the non-active terminal statuses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusAborted, StatusStopped, StatusDead:
		return true
	default:
		return false
	}
}

// Usage holds token/cost counters observed off RPC events.
type Usage struct {
	TokensUsed int64
	CostUSD    float64
}

// Record is one live (or recently live) agent subprocess.
type Record struct {
	ID           string
	Type         config.AgentType
	TaskID       string
	TasksAgentID string
	Status       Status
	Usage        Usage
	SpawnedAt    time.Time
	LastActivity time.Time
	RPC          *rpcclient.Client
	ReplicaDir   string
	SessionID    string
	Model        string
	Thinking     string

	events *rpcevents.Ring
}

// IsActive reports whether r's status is not terminal.
func (r *Record) IsActive() bool {
	return !r.Status.IsTerminal()
}

// Events returns a snapshot of this record's buffered events.
func (r *Record) Events() []rpcevents.Event {
	return r.events.Snapshot()
}

// Summary is the lightweight view returned by ListActiveSummaries.
type Summary struct {
	ID           string
	Type         config.AgentType
	TaskID       string
	Status       Status
	LastActivity time.Time
}

// Registry is the sync.RWMutex-guarded agent map, mirroring the teacher's
// in-memory service-state pattern (e.g. pkg/queue.WorkerPool's
// activeSessions map).
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Record

	store taskstore.Client
	log   *slog.Logger

	heartbeatMu   sync.Mutex
	heartbeatStop chan struct{}
	heartbeatWG   sync.WaitGroup
}

// New builds an empty registry. store may be nil, in which case the
// heartbeat loop is a no-op.
func New(store taskstore.Client, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*Record),
		store:  store,
		log:    log,
	}
}

// Register adds rec to the registry, giving it a fresh event ring if it
// doesn't already have one.
func (r *Registry) Register(rec *Record) {
	if rec.events == nil {
		rec.events = rpcevents.NewRing(rpcevents.DefaultRingCapacity)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[rec.ID] = rec
}

// Remove deletes the record for id, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// Get returns the record for id, or ErrNotFound.
func (r *Registry) Get(id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// GetAll returns every record, in no particular order.
func (r *Registry) GetAll() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec)
	}
	return out
}

// GetActive returns every non-terminal record.
func (r *Registry) GetActive() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0, len(r.agents))
	for _, rec := range r.agents {
		if rec.IsActive() {
			out = append(out, rec)
		}
	}
	return out
}

// GetByTask returns every record for taskID, active or not.
func (r *Registry) GetByTask(taskID string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0)
	for _, rec := range r.agents {
		if rec.TaskID == taskID {
			out = append(out, rec)
		}
	}
	return out
}

// GetActiveByTask returns every active record for taskID.
func (r *Registry) GetActiveByTask(taskID string) []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Record, 0)
	for _, rec := range r.agents {
		if rec.TaskID == taskID && rec.IsActive() {
			out = append(out, rec)
		}
	}
	return out
}

// PushEvent appends ev to id's bounded ring and refreshes LastActivity.
// Unknown ids are ignored — an event arriving after a record was removed is
// not an error.
func (r *Registry) PushEvent(id string, ev rpcevents.Event) {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rec.events.Push(ev)

	r.mu.Lock()
	rec.LastActivity = time.Now()
	r.mu.Unlock()
}

// ListActiveSummaries returns a lightweight view of every active agent.
func (r *Registry) ListActiveSummaries() []Summary {
	active := r.GetActive()
	out := make([]Summary, 0, len(active))
	for _, rec := range active {
		out = append(out, Summary{
			ID:           rec.ID,
			Type:         rec.Type,
			TaskID:       rec.TaskID,
			Status:       rec.Status,
			LastActivity: rec.LastActivity,
		})
	}
	return out
}

// StartHeartbeat launches a background loop that periodically pushes every
// active agent's observable state into the task store (spec.md §4.2).
// Calling StartHeartbeat while already running is a no-op.
func (r *Registry) StartHeartbeat(ctx context.Context, interval time.Duration) {
	r.heartbeatMu.Lock()
	defer r.heartbeatMu.Unlock()
	if r.heartbeatStop != nil {
		r.log.Warn("heartbeat already running")
		return
	}
	stop := make(chan struct{})
	r.heartbeatStop = stop
	r.heartbeatWG.Add(1)

	go func() {
		defer r.heartbeatWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.flushHeartbeat(ctx)
				return
			case <-stop:
				r.flushHeartbeat(ctx)
				return
			case <-ticker.C:
				r.flushHeartbeat(ctx)
			}
		}
	}()
}

// StopHeartbeat signals the heartbeat loop to exit and waits for it, doing
// one final flush. Idempotent.
func (r *Registry) StopHeartbeat() {
	r.heartbeatMu.Lock()
	stop := r.heartbeatStop
	r.heartbeatStop = nil
	r.heartbeatMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	r.heartbeatWG.Wait()
}

func (r *Registry) flushHeartbeat(ctx context.Context) {
	if r.store == nil {
		return
	}
	for _, rec := range r.GetActive() {
		state := taskstore.AgentState{
			AgentID:      rec.ID,
			Type:         string(rec.Type),
			Status:       string(rec.Status),
			TokensUsed:   rec.Usage.TokensUsed,
			CostUSD:      rec.Usage.CostUSD,
			LastActivity: rec.LastActivity,
		}
		if rec.TaskID == "" {
			continue
		}
		if err := r.store.SetAgentState(ctx, rec.TaskID, rec.ID, state); err != nil {
			r.log.Warn("heartbeat: failed to push agent state", "agent_id", rec.ID, "error", err)
		}
	}
}
