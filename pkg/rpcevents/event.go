// Package rpcevents defines the RPC event envelope shared by the agent
// registry and RPC client, plus the bounded buffers that prevent either one
// from growing unbounded over a multi-hour run.
package rpcevents

import (
	"encoding/json"
	"time"
)

// Event is a single inbound line from an agent's stdio RPC stream that
// wasn't a response to a pending request (spec.md §6: "Events are any
// non-response object"). Fields beyond Type/SessionID are carried in Raw so
// callers can re-decode into a more specific shape without this package
// needing to know every event variant.
type Event struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Raw       json.RawMessage `json:"-"`
	Received  time.Time       `json:"-"`
}

// Known event type tags (spec.md §6).
const (
	TypeResponse      = "response"
	TypeMessageUpdate = "message_update"
	TypeAgentEnd      = "agent_end"
	TypeRPCExit       = "rpc_exit"
	TypeRPCParseError = "rpc_parse_error"
)

// sessionIDCarrier matches either spelling of the session id field spec.md
// §6 allows ("session_id" or "sessionId") on events and response data.
type sessionIDCarrier struct {
	SessionID  string `json:"session_id"`
	SessionID2 string `json:"sessionId"`
}

// ParseEvent decodes a raw JSON line into an Event, tolerating either
// session-id field spelling. It does not reject unknown types — the
// registry/steering layers decide which types matter to them.
func ParseEvent(line []byte, now time.Time) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return Event{}, err
	}
	var sid sessionIDCarrier
	_ = json.Unmarshal(line, &sid)

	sessionID := sid.SessionID
	if sessionID == "" {
		sessionID = sid.SessionID2
	}

	return Event{
		Type:      head.Type,
		SessionID: sessionID,
		Raw:       append(json.RawMessage(nil), line...),
		Received:  now,
	}, nil
}

// IsResponse reports whether this line should be treated as a response to a
// pending request rather than fanned out as an event.
func (e Event) IsResponse() bool {
	return e.Type == TypeResponse
}
