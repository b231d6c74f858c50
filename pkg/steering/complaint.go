package steering

import (
	"sync"
	"time"
)

// ComplaintStatus is a complaint's resolution outcome.
type ComplaintStatus string

const (
	ComplaintStatusPending       ComplaintStatus = "pending"
	ComplaintStatusResolved      ComplaintStatus = "resolved"
	ComplaintStatusUnidentified  ComplaintStatus = "unidentified"
	ComplaintStatusCircularLoser ComplaintStatus = "circular_loser"
	ComplaintStatusError         ComplaintStatus = "error"
)

// Complaint is one worker's report of a conflicting concurrent edit
// (spec.md §3 data model).
type Complaint struct {
	ID                 string
	ComplainantAgentID string
	ComplainantTaskID  string
	Files              []string
	Reason             string
	FrozenAgents       []string
	ResolverAgentID    string
	TargetAgentID      string
	Status             ComplaintStatus
	FiledAt            time.Time
}

// complaintTable is the mutex-guarded complaint set the steering manager's
// control surface methods operate against.
type complaintTable struct {
	mu         sync.Mutex
	complaints map[string]*Complaint
}

func newComplaintTable() *complaintTable {
	return &complaintTable{complaints: make(map[string]*Complaint)}
}

func (t *complaintTable) add(c *Complaint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.complaints[c.ID] = c
}

func (t *complaintTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.complaints, id)
}

func (t *complaintTable) get(id string) (*Complaint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.complaints[id]
	return c, ok
}

func (t *complaintTable) listByAgent(agentID string) []*Complaint {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Complaint
	for _, c := range t.complaints {
		if c.ComplainantAgentID == agentID || c.TargetAgentID == agentID {
			out = append(out, c)
		}
	}
	return out
}

// isCircular reports whether resolved complaint c and the resolver's
// self-reported conflictingAgentID together describe a pair of agents each
// complaining about the other. This trusts the resolver's self-report
// outright — it does not additionally verify that both complaints were
// filed "recently" of one another (left unspecified; see FiledAt).
//
// TODO: if false-positive circular-loser verdicts show up in practice,
// correlate FiledAt between the two complaints before accepting the loop.
func (t *complaintTable) isCircular(c *Complaint, conflictingAgentID string) bool {
	if conflictingAgentID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, other := range t.complaints {
		if other.ComplainantAgentID == conflictingAgentID && other.TargetAgentID == c.ComplainantAgentID {
			return true
		}
	}
	return false
}
