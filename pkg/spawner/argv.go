package spawner

import (
	"fmt"
	"strings"

	"github.com/omssupervisor/singularity/pkg/config"
)

// defaultTools is the CLI's baseline tool set before a type's ExtraTools
// and StripBash are applied.
var defaultTools = []string{"read", "write", "edit", "bash", "grep"}

// buildArgv assembles the child CLI's argument list (spawner step 4).
func buildArgv(typeCfg *config.AgentTypeConfig, resumeSessionID string, promptPath string) []string {
	args := []string{"--no-pty"}

	if typeCfg.Thinking != "" {
		args = append(args, "--thinking", typeCfg.Thinking)
	}
	if typeCfg.DefaultModel != "" {
		args = append(args, "--model", typeCfg.DefaultModel)
	}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}

	for _, file := range resolveExtensionFiles(typeCfg.ExtensionKeys) {
		args = append(args, "--extension", file)
	}

	args = append(args, "--tools", strings.Join(toolSet(typeCfg), ","))

	if promptPath != "" {
		args = append(args, "--append-system-prompt", promptPath)
	}

	return args
}

// toolSet computes the final tool allowlist for typeCfg: the default set,
// minus bash if StripBash, plus ExtraTools.
func toolSet(typeCfg *config.AgentTypeConfig) []string {
	tools := make([]string, 0, len(defaultTools)+len(typeCfg.ExtraTools))
	for _, t := range defaultTools {
		if typeCfg.StripBash && t == "bash" {
			continue
		}
		tools = append(tools, t)
	}
	tools = append(tools, typeCfg.ExtraTools...)
	return tools
}

// envParams collects the caller-supplied values buildEnv needs beyond the
// static per-type config.
type envParams struct {
	AgentType    config.AgentType
	TaskID       string
	AgentID      string
	SocketPath   string
	TaskStoreDir string
	Extra        map[string]string
}

// buildEnv assembles the child's environment (spawner step 6), inheriting
// nothing from the supervisor's own environment — callers append any OS
// environment they want passed through before Start.
func buildEnv(p envParams) []string {
	env := []string{
		"TASKS_ACTOR=singularity",
		fmt.Sprintf("OMS_AGENT_TYPE=%s", p.AgentType),
		fmt.Sprintf("OMS_AGENT_ID=%s", p.AgentID),
	}
	if p.TaskID != "" {
		env = append(env, fmt.Sprintf("OMS_TASK_ID=%s", p.TaskID))
	}
	if p.SocketPath != "" {
		env = append(env, fmt.Sprintf("OMS_SINGULARITY_SOCK=%s", p.SocketPath))
	}
	if p.TaskStoreDir != "" {
		env = append(env, fmt.Sprintf("OMS_TASK_STORE_DIR=%s", p.TaskStoreDir))
	}
	for k, v := range p.Extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
