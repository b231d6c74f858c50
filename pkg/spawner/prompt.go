package spawner

import (
	"fmt"
	"strings"

	"github.com/omssupervisor/singularity/pkg/taskstore"
)

// promptBuilder assembles the initial prompt text handed to a spawned
// agent's first "prompt" RPC call. Stateless — every input arrives as a
// parameter — mirroring the teacher's PromptBuilder.
type promptBuilder struct{}

func newPromptBuilder() *promptBuilder { return &promptBuilder{} }

// buildRaw passes a caller-supplied prompt through unchanged (spawner step
// 8a).
func (b *promptBuilder) buildRaw(raw string) string { return raw }

// buildResumeKickoff wraps a resume message with the minimal framing a
// resumed session needs (spawner step 8b).
func (b *promptBuilder) buildResumeKickoff(message string) string {
	if message == "" {
		return "Resuming. Continue from where you left off."
	}
	return message
}

// buildTaskPrompt assembles the standardized task prompt (spawner step
// 8c): id/title/description/acceptance/labels plus optional extra context.
// For issuers, parentComments and referencedComments render rendered
// parent-dependency and referenced-task comments.
func (b *promptBuilder) buildTaskPrompt(task *taskstore.Task, extra string, parentComments, referencedComments []taskComment) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Task %s: %s\n\n", task.ID, task.Title)
	if task.Description != "" {
		sb.WriteString(task.Description)
		sb.WriteString("\n\n")
	}
	if task.Acceptance != "" {
		sb.WriteString("Acceptance criteria:\n")
		sb.WriteString(task.Acceptance)
		sb.WriteString("\n\n")
	}
	if len(task.Labels) > 0 {
		fmt.Fprintf(&sb, "Labels: %s\n\n", strings.Join(task.Labels, ", "))
	}

	if len(parentComments) > 0 {
		sb.WriteString("Parent task context:\n")
		sb.WriteString(formatTaskComments(parentComments))
		sb.WriteString("\n")
	}
	if len(referencedComments) > 0 {
		sb.WriteString("Referenced task context:\n")
		sb.WriteString(formatTaskComments(referencedComments))
		sb.WriteString("\n")
	}

	if extra != "" {
		sb.WriteString(extra)
		sb.WriteString("\n\n")
	}

	sb.WriteString("When your work is complete, hand off via advance_lifecycle. Do not stop without calling it.")

	return sb.String()
}

// taskComment is one rendered comment line attributed to a task id, used
// to assemble an issuer's parent-dependency / referenced-task context.
type taskComment struct {
	TaskID string
	Body   string
}

func formatTaskComments(comments []taskComment) string {
	var sb strings.Builder
	for _, c := range comments {
		fmt.Fprintf(&sb, "- [%s] %s\n", c.TaskID, c.Body)
	}
	return sb.String()
}

// buildEscalationKickoff synthesizes an issuer kickoff explaining a
// speedy-agent escalation (spec.md §4.7.3 step 2, "escalate" branch).
func (b *promptBuilder) buildEscalationKickoff(task *taskstore.Task, speedyMessage string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s was first attempted by a fast-path agent, which escalated it back to you.\n\n", task.ID)
	fmt.Fprintf(&sb, "Fast-path agent's note: %s\n\n", speedyMessage)
	sb.WriteString("Take over the task from here.")
	return sb.String()
}

// buildResumeNudge builds the "resume from current state" issuer prompt
// used by the resume pipeline (spec.md §4.7.4).
func (b *promptBuilder) buildResumeNudge(task *taskstore.Task) string {
	return fmt.Sprintf(
		"Task %s (%s) is already in_progress with no active worker. Review its current state and decide how to proceed.",
		task.ID, task.Title,
	)
}

// buildRecoverySteer builds the "SYSTEM RECOVERY" steer message injected
// on a retry attempt after an agent exited without calling
// advance_lifecycle (spec.md §4.7.2, §7).
func (b *promptBuilder) buildRecoverySteer(attempt, maxAttempts int) string {
	return fmt.Sprintf(
		"SYSTEM RECOVERY: your previous turn ended without calling advance_lifecycle. "+
			"This is attempt %d of %d. You must call advance_lifecycle before ending your turn.",
		attempt, maxAttempts,
	)
}

// BuildRecoverySteer exports buildRecoverySteer for pkg/pipeline's
// runAgentWithRetry driver, which has no other access to promptBuilder.
func BuildRecoverySteer(attempt, maxAttempts int) string {
	return newPromptBuilder().buildRecoverySteer(attempt, maxAttempts)
}

// BuildEscalationKickoff exports buildEscalationKickoff for
// pkg/pipeline's new-task pipeline (spec.md §4.7.3 step 2).
func BuildEscalationKickoff(task *taskstore.Task, speedyMessage string) string {
	return newPromptBuilder().buildEscalationKickoff(task, speedyMessage)
}

// BuildResumeNudge exports buildResumeNudge for pkg/pipeline's resume
// pipeline (spec.md §4.7.4).
func BuildResumeNudge(task *taskstore.Task) string {
	return newPromptBuilder().buildResumeNudge(task)
}
