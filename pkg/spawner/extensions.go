package spawner

// extensionFiles resolves an opaque extension key (the only thing a
// config.AgentTypeConfig names) to the file argument passed to the child
// CLI's `--extension` flag. Every agent's actual tool implementation lives
// outside this module (spec.md §1); this table only knows where its
// descriptor file sits on disk.
var extensionFiles = map[string]string{
	"advance_lifecycle": "extensions/advance_lifecycle.json",
	"task_store":        "extensions/task_store.json",
	"interrupt_agent":   "extensions/interrupt_agent.json",
}

// resolveExtensionFiles maps each key to its file, dropping keys with no
// known mapping rather than failing a spawn over a config typo.
func resolveExtensionFiles(keys []string) []string {
	files := make([]string, 0, len(keys))
	for _, k := range keys {
		if f, ok := extensionFiles[k]; ok {
			files = append(files, f)
		}
	}
	return files
}
