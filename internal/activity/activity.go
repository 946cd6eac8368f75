// Package activity infers human-readable descriptions of what an agent is
// doing from the tool calls it makes. The board surfaces these summaries so
// operators can see live progress without tailing logs.
package activity

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/agenthive/agenthive/internal/common/maputil"
	"github.com/agenthive/agenthive/internal/coordination/models"
)

// maxCommandLen bounds command excerpts embedded in summaries.
const maxCommandLen = 80

// fileArgKeys are the argument names whose values are treated as files, in
// the order they are reported.
var fileArgKeys = []string{
	"file_path", "file_paths", "path", "paths", "file", "files",
	"filename", "source", "destination", "directory",
}

// Tracker turns (tool, arguments) pairs into activity summaries. Inference
// is pure; Record mutates only the supplied agent.
type Tracker struct{}

// NewTracker creates a tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record infers the activity for a tool call, writes it through to the
// agent's current activity fields and bounded history, and returns what it
// recorded.
func (t *Tracker) Record(agent *models.Agent, toolName string, args map[string]interface{}, at time.Time) (string, []string) {
	summary, files := t.Infer(toolName, args)
	agent.RecordActivity(summary, files, at)
	return summary, files
}

// Infer derives a human-readable summary and the list of files a tool call
// touches. Well-known tools get tailored phrasing; everything else falls
// back to a humanized form of the tool name.
func (t *Tracker) Infer(toolName string, args map[string]interface{}) (string, []string) {
	files := collectFiles(args)

	switch toolName {
	case "read_file", "read_text_file", "read_media_file", "read_multiple_files":
		return fileSummary("Reading", files), files
	case "write_file":
		return fileSummary("Writing", files), files
	case "edit_file":
		return fileSummary("Editing", files), files
	case "create_directory":
		return fileSummary("Creating directory", files), files
	case "list_directory", "list_directory_with_sizes", "directory_tree":
		return fileSummary("Listing", files), files
	case "move_file":
		return moveSummary(args), files
	case "get_file_info":
		return fileSummary("Inspecting", files), files
	case "search_files", "search", "grep":
		return searchSummary(args), files
	case "execute_command", "run_command", "run_terminal_command", "shell", "bash":
		return commandSummary(args), files

	case "register_agent":
		if name := maputil.GetString(args, "name"); name != "" {
			return fmt.Sprintf("Registering as %q", name), files
		}
		return "Registering", files
	case "unregister_agent":
		return "Going offline", files
	case "heartbeat":
		return "Sending heartbeat", files
	case "register_codebase":
		if name := maputil.GetString(args, "name"); name != "" {
			return fmt.Sprintf("Registering codebase %q", name), files
		}
		return "Registering a codebase", files
	case "list_codebases":
		return "Listing codebases", files
	case "get_codebase_status", "discover_codebase_info":
		return "Inspecting a codebase", files
	case "add_codebase_dependency":
		return "Linking codebases", files
	case "create_task", "create_agent_task":
		if title := maputil.GetString(args, "title"); title != "" {
			return fmt.Sprintf("Creating task %q", title), files
		}
		return "Creating a task", files
	case "create_cross_codebase_task":
		if title := maputil.GetString(args, "title"); title != "" {
			return fmt.Sprintf("Creating cross-codebase task %q", title), files
		}
		return "Creating a cross-codebase task", files
	case "register_task_set":
		if n := len(maputil.GetSlice(args, "task_set")); n > 0 {
			return fmt.Sprintf("Queueing %d tasks", n), files
		}
		return "Queueing tasks", files
	case "get_next_task":
		return "Picking up the next task", files
	case "complete_task":
		if id := maputil.GetString(args, "task_id"); id != "" {
			return fmt.Sprintf("Completing task %s", id), files
		}
		return "Completing a task", files
	case "get_task_board", "get_detailed_task_board":
		return "Checking the task board", files
	case "get_agent_task_history":
		return "Reviewing task history", files

	case "create_entities", "create_relations", "add_observations":
		return "Updating the knowledge graph", files
	case "delete_entities", "delete_relations", "delete_observations":
		return "Pruning the knowledge graph", files
	case "read_graph":
		return "Reading the knowledge graph", files
	case "search_nodes", "open_nodes":
		return "Searching the knowledge graph", files
	case "sequentialthinking":
		return "Working through a problem", files
	case "resolve-library-id":
		return "Resolving library documentation", files
	case "get-library-docs":
		return "Reading library documentation", files

	default:
		return humanize(toolName), files
	}
}

// fileSummary phrases a verb against the files a call names.
func fileSummary(verb string, files []string) string {
	switch len(files) {
	case 0:
		return verb
	case 1:
		return verb + " " + files[0]
	default:
		return fmt.Sprintf("%s %d files", verb, len(files))
	}
}

func moveSummary(args map[string]interface{}) string {
	src := maputil.GetString(args, "source")
	dst := maputil.GetString(args, "destination")
	if src != "" && dst != "" {
		return fmt.Sprintf("Moving %s to %s", src, dst)
	}
	return "Moving files"
}

func searchSummary(args map[string]interface{}) string {
	pattern := maputil.GetString(args, "pattern")
	if pattern == "" {
		pattern = maputil.GetString(args, "query")
	}
	if pattern != "" {
		return fmt.Sprintf("Searching for %q", pattern)
	}
	return "Searching files"
}

func commandSummary(args map[string]interface{}) string {
	command := maputil.GetString(args, "command")
	if command == "" {
		return "Running a command"
	}
	return "Running " + truncate(command, maxCommandLen)
}

// collectFiles gathers file-like argument values in fileArgKeys order,
// deduplicated, preserving first appearance.
func collectFiles(args map[string]interface{}) []string {
	if len(args) == 0 {
		return nil
	}
	var files []string
	seen := make(map[string]struct{})
	add := func(v string) {
		if v == "" {
			return
		}
		if _, ok := seen[v]; ok {
			return
		}
		seen[v] = struct{}{}
		files = append(files, v)
	}
	for _, key := range fileArgKeys {
		switch v := args[key].(type) {
		case string:
			add(v)
		case []string:
			for _, s := range v {
				add(s)
			}
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		}
	}
	return files
}

// humanize renders an unknown tool name as a readable phrase. Tools exposed
// by editor bridges keep their origin visible.
func humanize(toolName string) string {
	name := strings.TrimPrefix(toolName, "mcp_")
	name = strings.TrimPrefix(name, "tool_")
	suffix := ""
	if strings.HasPrefix(name, "vscode_") {
		name = strings.TrimPrefix(name, "vscode_")
		suffix = " in VS Code"
	}
	name = strings.ReplaceAll(name, "_", " ")
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.TrimSpace(name)
	if name == "" {
		return "Using a tool"
	}
	runes := []rune(name)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes) + suffix
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
