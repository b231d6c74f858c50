package rpcclient

import (
	"context"
	"encoding/json"
)

// Steer delivers a course-correction message to a running agent without
// interrupting its current turn (spec.md §6 command list).
func (c *Client) Steer(ctx context.Context, message string) error {
	_, err := c.Send(ctx, map[string]any{"command": "steer", "message": message})
	return err
}

// Abort cancels the agent's current turn.
func (c *Client) Abort(ctx context.Context) error {
	_, err := c.Send(ctx, map[string]any{"command": "abort"})
	return err
}

// AbortAndPrompt cancels the current turn and immediately starts a new one
// with message — the urgent-interrupt form (spec.md §4.6).
func (c *Client) AbortAndPrompt(ctx context.Context, message string) error {
	_, err := c.Send(ctx, map[string]any{"command": "abort_and_prompt", "message": message})
	return err
}

// FollowUp sends a follow-up turn to an agent that already completed one.
func (c *Client) FollowUp(ctx context.Context, message string) error {
	_, err := c.Send(ctx, map[string]any{"command": "follow_up", "message": message})
	return err
}

// GetState returns the agent's raw state blob.
func (c *Client) GetState(ctx context.Context) (json.RawMessage, error) {
	return c.Send(ctx, map[string]any{"command": "get_state"})
}

// GetMessages returns the agent's message history.
func (c *Client) GetMessages(ctx context.Context) (json.RawMessage, error) {
	return c.Send(ctx, map[string]any{"command": "get_messages"})
}

// GetLastAssistantText returns just the last assistant turn's text, the
// fallback when GetMessages isn't supported (spec.md §4.6).
func (c *Client) GetLastAssistantText(ctx context.Context) (json.RawMessage, error) {
	return c.Send(ctx, map[string]any{"command": "get_last_assistant_text"})
}

// SetThinkingLevel adjusts the agent's thinking effort mid-session.
func (c *Client) SetThinkingLevel(ctx context.Context, level string) error {
	_, err := c.Send(ctx, map[string]any{"command": "set_thinking_level", "level": level})
	return err
}

// GetSessionID asks the agent directly for its session id, independent of
// the lazily-observed one cached off stdout events.
func (c *Client) GetSessionID(ctx context.Context) (json.RawMessage, error) {
	return c.Send(ctx, map[string]any{"command": "get_session_id"})
}
