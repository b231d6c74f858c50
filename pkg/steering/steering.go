// Package steering implements the periodic worker review, urgent
// interrupt, broadcast, and complaint-resolution surface (spec.md §4.6,
// C6).
package steering

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omssupervisor/singularity/pkg/config"
	"github.com/omssupervisor/singularity/pkg/registry"
	"github.com/omssupervisor/singularity/pkg/spawner"
	"github.com/omssupervisor/singularity/pkg/taskstore"
)

// workerState tracks one task's steering bookkeeping.
type workerState struct {
	lastSteering     time.Time
	inFlight         bool
	finisherTakeover bool
}

// decision is a steering agent's parsed final verdict.
type decision struct {
	Action  string `json:"action"` // "steer" or "interrupt"
	Message string `json:"message"`
}

// broadcastDecision is one entry of a broadcast-steering agent's per-worker
// verdict list.
type broadcastDecision struct {
	TaskID  string `json:"taskId"`
	Action  string `json:"action"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Manager implements the periodic review / urgent interrupt / broadcast /
// complaint-resolution surface against a shared registry and spawner.
type Manager struct {
	registry *registry.Registry
	spawner  *spawner.Spawner
	cfg      *config.SteeringConfig
	log      *slog.Logger

	mu     sync.Mutex
	states map[string]*workerState

	pendingMu sync.Mutex
	pending   map[string]string // taskID -> queued interrupt kickoff

	broadcastMu  sync.Mutex
	broadcasting bool

	complaints *complaintTable
}

// New builds a steering Manager.
func New(reg *registry.Registry, sp *spawner.Spawner, cfg *config.SteeringConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		registry:   reg,
		spawner:    sp,
		cfg:        cfg,
		log:        log,
		states:     make(map[string]*workerState),
		pending:    make(map[string]string),
		complaints: newComplaintTable(),
	}
}

func (m *Manager) stateFor(taskID string) *workerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[taskID]
	if !ok {
		st = &workerState{}
		m.states[taskID] = st
	}
	return st
}

// MaybeSteerWorkers is the tick entry point: for every active worker-class
// agent with a task, if it has no active finisher, no in-flight steering,
// and the review interval has elapsed, kick off runSteeringForWorker in
// the background.
func (m *Manager) MaybeSteerWorkers(ctx context.Context, paused bool) {
	if paused {
		return
	}
	for _, rec := range m.registry.GetActive() {
		if !rec.Type.IsWorkerClass() || rec.TaskID == "" {
			continue
		}
		if m.hasActiveFinisher(rec.TaskID) {
			continue
		}

		st := m.stateFor(rec.TaskID)
		m.mu.Lock()
		due := !st.inFlight && time.Since(st.lastSteering) >= m.cfg.ReviewInterval
		if due {
			st.inFlight = true
		}
		m.mu.Unlock()
		if !due {
			continue
		}

		worker := rec
		go func() {
			defer func() {
				m.mu.Lock()
				st.inFlight = false
				st.lastSteering = time.Now()
				m.mu.Unlock()
			}()
			if err := m.runSteeringForWorker(ctx, worker); err != nil {
				m.log.Warn("steering: review failed", "task_id", worker.TaskID, "error", err)
			}
		}()
	}
}

func (m *Manager) hasActiveFinisher(taskID string) bool {
	for _, rec := range m.registry.GetActiveByTask(taskID) {
		if rec.Type == config.AgentTypeFinisher {
			return true
		}
	}
	return false
}

// runSteeringForWorker fetches recent history from worker, spawns a
// steering agent with a formatted summary, force-kills it after its first
// turn, and applies its decision.
func (m *Manager) runSteeringForWorker(ctx context.Context, worker *registry.Record) error {
	summary, err := m.fetchHistorySummary(ctx, worker)
	if err != nil {
		return fmt.Errorf("steering: fetch history: %w", err)
	}

	rec, err := m.spawner.SpawnSteering(ctx, worker.TaskID, summary)
	if err != nil {
		return fmt.Errorf("steering: spawn: %w", err)
	}

	_, waitErr := rec.RPC.WaitForAgentEnd(ctx, m.cfg.ReviewInterval)
	text, textErr := rec.RPC.GetLastAssistantText(ctx)
	_ = rec.RPC.ForceKill()
	if waitErr != nil {
		return fmt.Errorf("steering: agent did not conclude: %w", waitErr)
	}
	if textErr != nil {
		return fmt.Errorf("steering: fetch verdict: %w", textErr)
	}

	var d decision
	if err := json.Unmarshal(text, &d); err != nil {
		return fmt.Errorf("steering: parse verdict: %w", err)
	}

	st := m.stateFor(worker.TaskID)
	m.mu.Lock()
	takeover := st.finisherTakeover
	m.mu.Unlock()
	if takeover {
		return nil
	}

	switch d.Action {
	case "steer":
		return worker.RPC.Steer(ctx, d.Message)
	case "interrupt":
		return worker.RPC.Abort(ctx)
	default:
		return fmt.Errorf("steering: unknown action %q", d.Action)
	}
}

// fetchHistorySummary pulls the worker's recent message history via
// get_messages, falling back to get_last_assistant_text, and renders the
// last cfg.HistoryTurns turns into a compact summary.
func (m *Manager) fetchHistorySummary(ctx context.Context, worker *registry.Record) (string, error) {
	raw, err := worker.RPC.GetMessages(ctx)
	if err != nil || len(raw) == 0 {
		raw, err = worker.RPC.GetLastAssistantText(ctx)
		if err != nil {
			return "", err
		}
	}

	var turns []Turn
	var parsed struct {
		Turns []Turn `json:"turns"`
	}
	if json.Unmarshal(raw, &parsed) == nil && len(parsed.Turns) > 0 {
		turns = parsed.Turns
	} else {
		turns = []Turn{{Text: string(raw)}}
	}

	n := m.cfg.HistoryTurns
	if n <= 0 {
		n = 5
	}
	return formatRecentTurns(turns, n), nil
}

// SteerAgent delivers message to every active non-finisher agent on
// taskID. Returns false if no such agent exists.
func (m *Manager) SteerAgent(ctx context.Context, taskID, message string) bool {
	targets := m.nonFinisherAgents(taskID)
	if len(targets) == 0 {
		return false
	}
	for _, rec := range targets {
		if err := rec.RPC.Steer(ctx, message); err != nil {
			m.log.Warn("steering: steer failed", "agent_id", rec.ID, "error", err)
		}
	}
	return true
}

// InterruptAgent is the urgent form: if no active agents exist, queue the
// message as a pending kickoff consumed at next resume. Otherwise suppress
// the next agent_end per target and call AbortAndPrompt; on failure for a
// target, fall through to a forced stop and queue the kickoff.
func (m *Manager) InterruptAgent(ctx context.Context, taskID, message string) bool {
	targets := m.nonFinisherAgents(taskID)
	if len(targets) == 0 {
		m.queueKickoff(taskID, message)
		return false
	}
	for _, rec := range targets {
		rec.RPC.SuppressNextAgentEnd()
		if err := rec.RPC.AbortAndPrompt(ctx, message); err != nil {
			m.log.Warn("steering: abort_and_prompt failed, forcing stop", "agent_id", rec.ID, "error", err)
			_ = rec.RPC.ForceKill()
			m.queueKickoff(taskID, message)
		}
	}
	return true
}

func (m *Manager) nonFinisherAgents(taskID string) []*registry.Record {
	var out []*registry.Record
	for _, rec := range m.registry.GetActiveByTask(taskID) {
		if rec.Type != config.AgentTypeFinisher {
			out = append(out, rec)
		}
	}
	return out
}

func (m *Manager) queueKickoff(taskID, message string) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	m.pending[taskID] = message
}

// ConsumePendingKickoff returns and removes taskID's queued interrupt
// kickoff, if any (consumed exactly once by the resume pipeline).
func (m *Manager) ConsumePendingKickoff(taskID string) (string, bool) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	msg, ok := m.pending[taskID]
	if ok {
		delete(m.pending, taskID)
	}
	return msg, ok
}

// BroadcastToWorkers is single-flight globally: a second call while one is
// in progress is rejected outright.
func (m *Manager) BroadcastToWorkers(ctx context.Context, message string, meta map[string]string) error {
	m.broadcastMu.Lock()
	if m.broadcasting {
		m.broadcastMu.Unlock()
		return fmt.Errorf("steering: broadcast already in progress")
	}
	m.broadcasting = true
	m.broadcastMu.Unlock()
	defer func() {
		m.broadcastMu.Lock()
		m.broadcasting = false
		m.broadcastMu.Unlock()
	}()

	snapshot := m.snapshotWorkers()
	rec, err := m.spawner.SpawnBroadcastSteering(ctx, message, snapshot)
	if err != nil {
		return fmt.Errorf("steering: spawn broadcast: %w", err)
	}

	_, waitErr := rec.RPC.WaitForAgentEnd(ctx, m.cfg.BroadcastDrainTimeout)
	text, textErr := rec.RPC.GetLastAssistantText(ctx)
	_ = rec.RPC.ForceKill()
	if waitErr != nil {
		return fmt.Errorf("steering: broadcast agent did not conclude: %w", waitErr)
	}
	if textErr != nil {
		return fmt.Errorf("steering: broadcast fetch verdict: %w", textErr)
	}

	var decisions []broadcastDecision
	if err := json.Unmarshal(text, &decisions); err != nil {
		return fmt.Errorf("steering: parse broadcast verdict: %w", err)
	}

	for _, d := range decisions {
		if m.hasActiveFinisher(d.TaskID) {
			continue
		}
		targets := m.nonFinisherAgents(d.TaskID)
		for _, worker := range targets {
			switch d.Action {
			case "steer":
				_ = worker.RPC.Steer(ctx, d.Message)
			case "abort":
				_ = worker.RPC.Abort(ctx)
			}
		}
	}
	return nil
}

// SpawnFinisherAfterStoppingSteering sets the takeover flag for taskID,
// stops every active steering agent on it, and spawns the finisher.
func (m *Manager) SpawnFinisherAfterStoppingSteering(ctx context.Context, taskID, workerOutput string) (*registry.Record, error) {
	st := m.stateFor(taskID)
	m.mu.Lock()
	st.finisherTakeover = true
	m.mu.Unlock()

	for _, rec := range m.registry.GetActiveByTask(taskID) {
		if rec.Type == config.AgentTypeSteering {
			_ = rec.RPC.ForceKill()
		}
	}

	// The finisher prompt only needs the task's id and title; the caller's
	// pipeline already holds the full *taskstore.Task and should prefer
	// calling spawner.SpawnFinisher directly when it has one on hand.
	return m.spawner.SpawnFinisher(ctx, &taskstore.Task{ID: taskID}, workerOutput)
}

// snapshotWorkers renders a compact per-task listing of active worker-class
// agents, given to the broadcast-steering agent as context for its per-task
// decisions.
func (m *Manager) snapshotWorkers() string {
	var sb []byte
	for _, rec := range m.registry.GetActive() {
		if !rec.Type.IsWorkerClass() || rec.TaskID == "" {
			continue
		}
		sb = append(sb, []byte(fmt.Sprintf("- task %s: %s agent %s\n", rec.TaskID, rec.Type, rec.ID))...)
	}
	if len(sb) == 0 {
		return "(no active workers)"
	}
	return string(sb)
}

// resolverVerdict is a complaint resolver agent's final JSON output.
type resolverVerdict struct {
	TargetAgentID      string `json:"targetAgentId"`
	ConflictingAgentID string `json:"conflictingAgentId,omitempty"`
	Resolution         string `json:"resolution"` // "steer" or "abort", applied to targetAgentId
	Message            string `json:"message,omitempty"`
}

var complaintSeq int64

func nextComplaintID() string {
	complaintSeq++
	return fmt.Sprintf("complaint-%d", complaintSeq)
}

// Complain files a worker's report of a conflicting concurrent edit,
// freezes every other active worker-class agent so nothing races while a
// resolver decides, spawns a resolver agent, and applies its verdict
// (spec.md §3 Complaint data model, §4.6).
func (m *Manager) Complain(ctx context.Context, complainantAgentID, complainantTaskID string, files []string, reason string) (*Complaint, error) {
	c := &Complaint{
		ID:                 nextComplaintID(),
		ComplainantAgentID: complainantAgentID,
		ComplainantTaskID:  complainantTaskID,
		Files:              files,
		Reason:             reason,
		Status:             ComplaintStatusPending,
		FiledAt:            time.Now(),
	}

	for _, rec := range m.registry.GetActive() {
		if rec.ID == complainantAgentID || !rec.Type.IsWorkerClass() {
			continue
		}
		if err := rec.RPC.Steer(ctx, "Pause: a conflicting edit was reported, wait for resolution."); err == nil {
			c.FrozenAgents = append(c.FrozenAgents, rec.ID)
		}
	}
	m.complaints.add(c)
	defer m.unfreeze(ctx, c)

	summary := fmt.Sprintf("Complaint from %s (task %s): %s\nFiles: %s",
		complainantAgentID, complainantTaskID, reason, squashWhitespace(fmt.Sprint(files)))
	rec, err := m.spawner.SpawnResolver(ctx, complainantTaskID, summary)
	if err != nil {
		c.Status = ComplaintStatusError
		return c, fmt.Errorf("steering: spawn resolver: %w", err)
	}

	_, waitErr := rec.RPC.WaitForAgentEnd(ctx, 2*time.Minute)
	text, textErr := rec.RPC.GetLastAssistantText(ctx)
	_ = rec.RPC.ForceKill()
	if waitErr != nil || textErr != nil {
		c.Status = ComplaintStatusError
		return c, fmt.Errorf("steering: resolver did not conclude")
	}

	var v resolverVerdict
	if err := json.Unmarshal(text, &v); err != nil {
		c.Status = ComplaintStatusError
		return c, fmt.Errorf("steering: parse resolver verdict: %w", err)
	}
	c.ResolverAgentID = rec.ID
	c.TargetAgentID = v.TargetAgentID

	if m.complaints.isCircular(c, v.ConflictingAgentID) {
		c.Status = ComplaintStatusCircularLoser
		return c, nil
	}

	target, err := m.registry.Get(v.TargetAgentID)
	if err != nil {
		c.Status = ComplaintStatusUnidentified
		return c, nil
	}
	switch v.Resolution {
	case "abort":
		_ = target.RPC.Abort(ctx)
	default:
		_ = target.RPC.Steer(ctx, v.Message)
	}
	c.Status = ComplaintStatusResolved
	return c, nil
}

func (m *Manager) unfreeze(ctx context.Context, c *Complaint) {
	for _, id := range c.FrozenAgents {
		rec, err := m.registry.Get(id)
		if err != nil {
			continue
		}
		_ = rec.RPC.Steer(ctx, "Resume: complaint resolved, you may continue.")
	}
}

// RevokeComplaint withdraws a still-pending complaint and unfreezes any
// agents it had paused.
func (m *Manager) RevokeComplaint(ctx context.Context, complaintID string) bool {
	c, ok := m.complaints.get(complaintID)
	if !ok {
		return false
	}
	m.unfreeze(ctx, c)
	m.complaints.remove(complaintID)
	return true
}
