// Package lifecycle implements the advance_lifecycle hand-off contract
// (spec.md §4.9): the per-agent-type capability table, validated recording
// of hand-off calls, and exactly-once consumption.
package lifecycle

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/omssupervisor/singularity/pkg/config"
)

// Action is one of the three verbs an agent can hand off with.
type Action string

const (
	ActionAdvance Action = "advance"
	ActionClose   Action = "close"
	ActionBlock   Action = "block"
)

// Capability enumerates the actions (and, for advance, allowed targets) one
// agent type may record.
type Capability struct {
	Allowed        map[Action]bool
	AdvanceTargets map[config.AgentType]bool
}

// table is the authoritative per-type capability enumeration (spec.md §4.9).
var table = map[config.AgentType]Capability{
	config.AgentTypeIssuer: {
		Allowed:        map[Action]bool{ActionAdvance: true, ActionClose: true, ActionBlock: true},
		AdvanceTargets: targets(config.AgentTypeWorker, config.AgentTypeDesigner),
	},
	config.AgentTypeWorker: {
		Allowed:        map[Action]bool{ActionBlock: true, ActionAdvance: true},
		AdvanceTargets: targets(config.AgentTypeFinisher),
	},
	config.AgentTypeDesigner: {
		Allowed:        map[Action]bool{ActionBlock: true, ActionAdvance: true},
		AdvanceTargets: targets(config.AgentTypeFinisher),
	},
	config.AgentTypeSpeedy: {
		Allowed:        map[Action]bool{ActionClose: true, ActionBlock: true, ActionAdvance: true},
		AdvanceTargets: targets(config.AgentTypeIssuer, config.AgentTypeFinisher),
	},
	config.AgentTypeFinisher: {
		Allowed:        map[Action]bool{ActionClose: true, ActionBlock: true, ActionAdvance: true},
		AdvanceTargets: targets(config.AgentTypeWorker, config.AgentTypeIssuer),
	},
}

func targets(types ...config.AgentType) map[config.AgentType]bool {
	m := make(map[config.AgentType]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

// CapabilityFor returns the capability table entry for t, and whether t has
// a lifecycle record at all (merger/steering/singularity don't).
func CapabilityFor(t config.AgentType) (Capability, bool) {
	cap, ok := table[t]
	return cap, ok
}

// Call is the raw advance_lifecycle input an agent submits.
type Call struct {
	AgentType config.AgentType
	AgentID   string
	TaskID    string
	Action    Action
	Target    config.AgentType
	Message   string
	Reason    string
}

// Record is a validated, recorded hand-off.
type Record struct {
	Call
	// FiledAt timestamps when this record was recorded. Not currently
	// correlated against anything — see the circular-complaint-detector
	// open question — but a future freshness check has a field to read.
	FiledAt int64
}

// ValidationError reports why a Call was rejected synchronously, before
// anything was recorded (spec.md §7: "reject synchronously with a
// structured {ok:false, summary}; nothing is recorded").
type ValidationError struct {
	Summary string
}

func (e *ValidationError) Error() string { return e.Summary }

// Validate checks c against the capability table, without recording
// anything.
func Validate(c Call) error {
	if c.TaskID == "" {
		return &ValidationError{Summary: "advance_lifecycle: missing taskId"}
	}
	cap, ok := CapabilityFor(c.AgentType)
	if !ok {
		return &ValidationError{Summary: fmt.Sprintf("advance_lifecycle: agent type %q has no lifecycle record", c.AgentType)}
	}
	if !cap.Allowed[c.Action] {
		return &ValidationError{Summary: fmt.Sprintf("advance_lifecycle: action %q not allowed for %q", c.Action, c.AgentType)}
	}
	if c.Action == ActionAdvance {
		if c.Target == "" {
			return &ValidationError{Summary: "advance_lifecycle: advance requires target"}
		}
		if !cap.AdvanceTargets[c.Target] {
			return &ValidationError{Summary: fmt.Sprintf("advance_lifecycle: target %q not allowed for %q", c.Target, c.AgentType)}
		}
	}
	return nil
}

// Store holds at most one pending record per task: overwrite-on-write,
// consume-once (spec.md §4.7.1/§4.9). A second recording for the same task
// logs a warning and replaces the first, matching the spec's documented,
// still-unclear-for-the-future observable behavior (kept non-fatal here —
// see the Open Question decision in the project's grounding ledger).
type Store struct {
	mu      sync.Mutex
	records map[string]Record
	log     *slog.Logger
	now     func() int64
}

// NewStore builds an empty lifecycle record store. now lets callers inject
// a deterministic clock in tests; nil uses a monotonically increasing
// counter instead of wall-clock time so records stay comparable without
// depending on real time.
func NewStore(log *slog.Logger, now func() int64) *Store {
	if log == nil {
		log = slog.Default()
	}
	if now == nil {
		var counter int64
		now = func() int64 {
			counter++
			return counter
		}
	}
	return &Store{records: make(map[string]Record), log: log, now: now}
}

// Record validates c and, if valid, records it against c.TaskID, overwriting
// any existing pending record for that task.
func (s *Store) Record(c Call) (Record, error) {
	if err := Validate(c); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[c.TaskID]; exists {
		s.log.Warn("advance_lifecycle: overwriting pending record for task", "task_id", c.TaskID)
	}

	rec := Record{Call: c, FiledAt: s.now()}
	s.records[c.TaskID] = rec
	return rec, nil
}

// Consume removes and returns the pending record for taskID, if any. This
// is the only read path; reading removes (spec.md §4.9: "exactly-once
// consumption: reading a record removes it").
func (s *Store) Consume(taskID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[taskID]
	if ok {
		delete(s.records, taskID)
	}
	return rec, ok
}

// Peek returns the pending record for taskID without consuming it, for
// callers that only need to know whether one exists.
func (s *Store) Peek(taskID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[taskID]
	return rec, ok
}

// Clear removes any pending record for taskID without returning it (spec.md
// §4.7.2 step 1: "Clear any stale lifecycleByTask[taskId]").
func (s *Store) Clear(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, taskID)
}
