package session

import (
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// alwaysAllowed is the fixed surface exposed to every caller: the broker's
// coordination tools plus the well-known memory, sequential-thinking, and
// library-docs tools.
var alwaysAllowed = map[string]struct{}{
	// Coordination.
	"register_agent":             {},
	"unregister_agent":           {},
	"heartbeat":                  {},
	"register_codebase":          {},
	"list_codebases":             {},
	"get_codebase_status":        {},
	"add_codebase_dependency":    {},
	"create_task":                {},
	"create_cross_codebase_task": {},
	"create_agent_task":          {},
	"register_task_set":          {},
	"get_next_task":              {},
	"complete_task":              {},
	"get_task_board":             {},
	"get_detailed_task_board":    {},
	"get_agent_task_history":     {},
	"discover_codebase_info":     {},
	// Knowledge graph / memory.
	"create_entities":     {},
	"create_relations":    {},
	"add_observations":    {},
	"delete_entities":     {},
	"delete_observations": {},
	"delete_relations":    {},
	"read_graph":          {},
	"search_nodes":        {},
	"open_nodes":          {},
	// Sequential thinking.
	"sequentialthinking": {},
	// Library docs.
	"resolve-library-id": {},
	"get-library-docs":   {},
}

// deniedNameFragments flag tools that reach the filesystem or a terminal.
var deniedNameFragments = []string{
	"read_file", "write_file", "edit_file", "create_directory",
	"list_directory", "directory_tree", "move_file", "search_files",
	"get_file_info", "list_allowed_directories",
	"terminal", "shell", "command", "bash", "exec",
}

// pathTokens mark a schema parameter as filesystem-shaped.
var pathTokens = map[string]struct{}{
	"path": {}, "file": {}, "files": {}, "filename": {},
	"dir": {}, "directory": {}, "folder": {}, "cwd": {},
}

// ToolFilter decides which tools a caller may see and invoke based on its
// connection classification. The filter is stateless.
type ToolFilter struct{}

// NewToolFilter creates a filter.
func NewToolFilter() *ToolFilter {
	return &ToolFilter{}
}

// Allowed reports whether a caller may see and invoke a tool. Local
// callers are unrestricted. Non-local callers keep the fixed allow-list
// and lose anything name- or schema-wise filesystem/terminal shaped.
func (f *ToolFilter) Allowed(clientCtx *ClientContext, tool mcp.Tool) bool {
	if clientCtx.IsLocal() {
		return true
	}
	if _, ok := alwaysAllowed[tool.Name]; ok {
		return true
	}

	lowered := strings.ToLower(tool.Name)
	if strings.HasPrefix(lowered, "vscode_") {
		return false
	}
	for _, fragment := range deniedNameFragments {
		if strings.Contains(lowered, fragment) {
			return false
		}
	}

	for _, prop := range SchemaPropertyNames(tool) {
		if isPathLike(prop) {
			return false
		}
	}
	return true
}

// FilterTools drops the tools a caller may not see.
func (f *ToolFilter) FilterTools(clientCtx *ClientContext, tools []mcp.Tool) []mcp.Tool {
	if clientCtx.IsLocal() {
		return tools
	}
	filtered := make([]mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if f.Allowed(clientCtx, tool) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

// SchemaPropertyNames extracts the parameter names a tool declares,
// reading either the structured or the raw input schema.
func SchemaPropertyNames(tool mcp.Tool) []string {
	if len(tool.InputSchema.Properties) > 0 {
		names := make([]string, 0, len(tool.InputSchema.Properties))
		for name := range tool.InputSchema.Properties {
			names = append(names, name)
		}
		return names
	}
	if len(tool.RawInputSchema) > 0 {
		var schema struct {
			Properties map[string]json.RawMessage `json:"properties"`
		}
		if err := json.Unmarshal(tool.RawInputSchema, &schema); err == nil {
			names := make([]string, 0, len(schema.Properties))
			for name := range schema.Properties {
				names = append(names, name)
			}
			return names
		}
	}
	return nil
}

// isPathLike reports whether a parameter name suggests a filesystem path.
// Names are compared token-wise so "profile" does not trip on "file".
func isPathLike(name string) bool {
	for _, token := range strings.Split(strings.ToLower(name), "_") {
		if _, ok := pathTokens[token]; ok {
			return true
		}
	}
	return false
}
