package taskstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Memory is an in-process Client used by tests and local runs that don't
// wire a real task store. Not intended for production use.
type Memory struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	comments    map[string][]string
	states      map[string]map[string]AgentState
	slots       map[string]map[string]string
	agentSeq    int
	tasksAgents map[string]bool
}

// NewMemory builds an empty in-memory task store, optionally seeded with tasks.
func NewMemory(seed ...*Task) *Memory {
	m := &Memory{
		tasks:       make(map[string]*Task),
		comments:    make(map[string][]string),
		states:      make(map[string]map[string]AgentState),
		slots:       make(map[string]map[string]string),
		tasksAgents: make(map[string]bool),
	}
	for _, t := range seed {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *Memory) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListClaimable(_ context.Context, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.Status != StatusOpen {
			continue
		}
		if m.hasOpenDependency(t) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) hasOpenDependency(t *Task) bool {
	for _, depID := range t.DependsOnIDs {
		dep, ok := m.tasks[depID]
		if !ok || dep.Status != StatusClosed {
			return true
		}
	}
	return false
}

func (m *Memory) SetStatus(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	return nil
}

func (m *Memory) AddComment(_ context.Context, id string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	m.comments[id] = append(m.comments[id], body)
	return nil
}

// Comments returns the comments recorded against id, for test assertions.
func (m *Memory) Comments(id string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.comments[id]...)
}

func (m *Memory) SetAgentState(_ context.Context, taskID string, agentID string, state AgentState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return ErrNotFound
	}
	if m.states[taskID] == nil {
		m.states[taskID] = make(map[string]AgentState)
	}
	m.states[taskID][agentID] = state
	return nil
}

// TryClaim succeeds once per task: the first caller to see it StatusOpen
// flips it to StatusInProgress and wins; everyone else loses.
func (m *Memory) TryClaim(_ context.Context, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}
	if t.Status != StatusOpen {
		return false, nil
	}
	t.Status = StatusInProgress
	return true, nil
}

// CreateAgent allocates a store-side agent id for taskID.
func (m *Memory) CreateAgent(_ context.Context, taskID string, agentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return "", ErrNotFound
	}
	m.agentSeq++
	id := fmt.Sprintf("%s-agent-%d-%s", taskID, m.agentSeq, agentType)
	m.tasksAgents[id] = true
	return id, nil
}

// CloseAgent marks a tasks-store agent record closed. failed is recorded
// as a comment for test/audit visibility; Memory has no separate agent
// status field to flip.
func (m *Memory) CloseAgent(_ context.Context, taskID string, tasksAgentID string, failed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasksAgents[tasksAgentID]; !ok {
		return ErrNotFound
	}
	delete(m.tasksAgents, tasksAgentID)
	if failed {
		m.comments[taskID] = append(m.comments[taskID], fmt.Sprintf("agent %s failed", tasksAgentID))
	}
	return nil
}

// SetSlot assigns a named callback slot on taskID.
func (m *Memory) SetSlot(_ context.Context, taskID string, slot string, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return ErrNotFound
	}
	if m.slots[taskID] == nil {
		m.slots[taskID] = make(map[string]string)
	}
	m.slots[taskID][slot] = value
	return nil
}

// ClearSlot removes a named callback slot from taskID.
func (m *Memory) ClearSlot(_ context.Context, taskID string, slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return ErrNotFound
	}
	delete(m.slots[taskID], slot)
	return nil
}

// Slot returns a task's slot value, for test assertions.
func (m *Memory) Slot(taskID, slot string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.slots[taskID][slot]
	return v, ok
}

// GetInProgressTasksWithoutAgent returns in_progress tasks, up to limit.
// Memory has no agent-liveness concept of its own, so every in_progress
// task qualifies; callers (the resume pipeline) additionally consult the
// registry to skip tasks with an active worker.
func (m *Memory) GetInProgressTasksWithoutAgent(_ context.Context, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.Status != StatusInProgress {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindTasksUnblockedBy returns open tasks that depended on taskID and now
// have every dependency closed.
func (m *Memory) FindTasksUnblockedBy(_ context.Context, taskID string) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.Status != StatusOpen && t.Status != StatusBlocked {
			continue
		}
		dependsOnIt := false
		for _, dep := range t.DependsOnIDs {
			if dep == taskID {
				dependsOnIt = true
				break
			}
		}
		if !dependsOnIt || m.hasOpenDependency(t) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
