package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthive/agenthive/internal/codebase"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/coordination/registry"
	"github.com/agenthive/agenthive/internal/downstream"
	"github.com/agenthive/agenthive/internal/events/bus"
	"github.com/agenthive/agenthive/internal/session"
	"github.com/agenthive/agenthive/pkg/jsonrpc"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

// fakeExternal stands in for the downstream supervisor.
type fakeExternal struct {
	tools  []mcp.Tool
	result json.RawMessage
	err    error
	calls  []externalCall
}

type externalCall struct {
	name string
	args map[string]interface{}
}

func (f *fakeExternal) Tools() []mcp.Tool { return f.tools }

func (f *fakeExternal) HasTool(name string) bool {
	for _, tool := range f.tools {
		if tool.Name == name {
			return true
		}
	}
	return false
}

func (f *fakeExternal) ServerForTool(name string) (string, bool) {
	if f.HasTool(name) {
		return "fake-server", true
	}
	return "", false
}

func (f *fakeExternal) CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, externalCall{name: name, args: args})
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeProvider stands in for the editor tool provider.
type fakeProvider struct {
	tools  []mcp.Tool
	result interface{}
	err    error
	calls  []string
}

func (f *fakeProvider) Tools() []mcp.Tool { return f.tools }

func (f *fakeProvider) CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	f.calls = append(f.calls, name)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeTracker records scheduler re-arms.
type fakeTracker struct {
	tracked []string
}

func (f *fakeTracker) Track(agentID string) {
	f.tracked = append(f.tracked, agentID)
}

func externalTool(name string) mcp.Tool {
	return mcp.Tool{
		Name:        name,
		Description: "external test tool",
		RawInputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query":    {"type": "string"},
				"agent_id": {"type": "string"}
			},
			"required": ["agent_id"]
		}`),
	}
}

func newTestDispatcher(t *testing.T, external ExternalTools) *Dispatcher {
	t.Helper()
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	identifier := codebase.NewIdentifier(log)
	codebases := codebase.NewRegistry(identifier, eventBus, log)
	sessions := session.NewManager(0, 0, log)
	reg := registry.NewRegistry(codebases, sessions, eventBus, log, registry.DefaultConfig())
	return NewDispatcher(reg, codebases, identifier, external, log)
}

func callRequest(t *testing.T, id interface{}, tool string, args map[string]interface{}) *jsonrpc.Request {
	t.Helper()
	params := map[string]interface{}{"name": tool}
	if args != nil {
		params["arguments"] = args
	}
	req, err := jsonrpc.NewRequest(id, jsonrpc.MethodToolsCall, params)
	require.NoError(t, err)
	return req
}

// decodeTextResult unwraps a native tool response's text content payload.
func decodeTextResult(t *testing.T, resp *jsonrpc.Response) map[string]interface{} {
	t.Helper()
	require.NotNil(t, resp)
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)

	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok, "result is %T", resp.Result)
	content, ok := result["content"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, content)
	item, ok := content[0].(map[string]interface{})
	require.True(t, ok)
	text, ok := item["text"].(string)
	require.True(t, ok)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text), &decoded))
	return decoded
}

func registerTestAgent(t *testing.T, d *Dispatcher, name string, capabilities []interface{}) string {
	t.Helper()
	resp := d.Handle(context.Background(), callRequest(t, 1, "register_agent", map[string]interface{}{
		"name":         name,
		"capabilities": capabilities,
	}), session.StdioContext())
	out := decodeTextResult(t, resp)
	agentID, _ := out["agent_id"].(string)
	require.NotEmpty(t, agentID)
	return agentID
}

func TestInitialize(t *testing.T) {
	d := newTestDispatcher(t, nil)

	req, err := jsonrpc.NewRequest(1, jsonrpc.MethodInitialize, nil)
	require.NoError(t, err)

	resp := d.Handle(context.Background(), req, session.StdioContext())
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]interface{})
	assert.Equal(t, jsonrpc.ProtocolVersion, result["protocolVersion"])
	serverInfo := result["serverInfo"].(map[string]interface{})
	assert.Equal(t, ServerName, serverInfo["name"])
	assert.Contains(t, result["capabilities"].(map[string]interface{}), "tools")
}

func TestUnknownMethod(t *testing.T) {
	d := newTestDispatcher(t, nil)

	req, err := jsonrpc.NewRequest(7, "resources/list", nil)
	require.NoError(t, err)

	resp := d.Handle(context.Background(), req, session.StdioContext())
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.MethodNotFound, resp.Error.Code)
}

func TestInitializedNotificationGetsNoResponse(t *testing.T) {
	d := newTestDispatcher(t, nil)

	notif := &jsonrpc.Request{JSONRPC: jsonrpc.Version, Method: jsonrpc.MethodInitialized}
	resp := d.Handle(context.Background(), notif, session.StdioContext())
	assert.Nil(t, resp)

	// With an id the same method is acknowledged.
	req, err := jsonrpc.NewRequest(2, jsonrpc.MethodInitialized, nil)
	require.NoError(t, err)
	resp = d.Handle(context.Background(), req, session.StdioContext())
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestMissingAgentIDRejected(t *testing.T) {
	d := newTestDispatcher(t, nil)

	resp := d.Handle(context.Background(), callRequest(t, 3, "get_task_board", nil), session.StdioContext())
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.InvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "register_agent")
}

func TestRegisterAgentExemptFromAgentID(t *testing.T) {
	d := newTestDispatcher(t, nil)

	resp := d.Handle(context.Background(), callRequest(t, 4, "register_agent", map[string]interface{}{
		"name":         "alpha",
		"capabilities": []interface{}{"coding"},
	}), session.StdioContext())
	out := decodeTextResult(t, resp)

	assert.Equal(t, "registered", out["status"])
	assert.NotEmpty(t, out["agent_id"])
	assert.NotEmpty(t, out["session_token"])

	// No agent_id in the call, so no heartbeat annotation.
	result := resp.Result.(map[string]interface{})
	_, annotated := result["_heartbeat_metadata"]
	assert.False(t, annotated)
}

func TestHeartbeatMetadataAttached(t *testing.T) {
	d := newTestDispatcher(t, nil)
	tracker := &fakeTracker{}
	d.SetHeartbeatTracker(tracker)

	agentID := registerTestAgent(t, d, "alpha", []interface{}{"coding"})

	resp := d.Handle(context.Background(), callRequest(t, 5, "heartbeat", map[string]interface{}{
		"agent_id": agentID,
	}), session.StdioContext())
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]interface{})
	meta, ok := result["_heartbeat_metadata"].(map[string]interface{})
	require.True(t, ok, "expected heartbeat metadata on a wrapped call")
	assert.Equal(t, agentID, meta["agent_id"])
	assert.NotEmpty(t, meta["timestamp"])

	assert.Contains(t, tracker.tracked, agentID)
}

func TestHeartbeatMetadataAbsentOnError(t *testing.T) {
	d := newTestDispatcher(t, nil)
	agentID := registerTestAgent(t, d, "alpha", []interface{}{"coding"})

	// Nothing in progress, so complete_task fails.
	resp := d.Handle(context.Background(), callRequest(t, 6, "complete_task", map[string]interface{}{
		"agent_id": agentID,
	}), session.StdioContext())
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.HandlerError, resp.Error.Code)
	assert.Nil(t, resp.Result)
}

func TestToolNotFound(t *testing.T) {
	d := newTestDispatcher(t, nil)
	agentID := registerTestAgent(t, d, "alpha", []interface{}{"coding"})

	resp := d.Handle(context.Background(), callRequest(t, 7, "no_such_tool", map[string]interface{}{
		"agent_id": agentID,
	}), session.StdioContext())
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.MethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "no_such_tool")
}

func TestExternalRoutingStripsAgentID(t *testing.T) {
	external := &fakeExternal{
		tools: []mcp.Tool{externalTool("memory_query")},
		result: json.RawMessage(`{
			"content": [{"type": "text", "text": "{\"answer\": 42}"}]
		}`),
	}
	d := newTestDispatcher(t, external)
	agentID := registerTestAgent(t, d, "alpha", []interface{}{"coding"})

	resp := d.Handle(context.Background(), callRequest(t, 8, "memory_query", map[string]interface{}{
		"agent_id": agentID,
		"query":    "life",
	}), session.StdioContext())
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	require.Len(t, external.calls, 1)
	call := external.calls[0]
	assert.Equal(t, "memory_query", call.name)
	assert.Equal(t, "life", call.args["query"])
	_, leaked := call.args["agent_id"]
	assert.False(t, leaked, "agent_id must not reach the downstream server")

	result := resp.Result.(map[string]interface{})
	content := result["content"].([]interface{})
	item := content[0].(map[string]interface{})
	decoded, ok := item["text"].(map[string]interface{})
	require.True(t, ok, "JSON text content should be decoded in place")
	assert.Equal(t, float64(42), decoded["answer"])

	_, annotated := result["_heartbeat_metadata"]
	assert.True(t, annotated)
}

func TestExternalErrorCodePassthrough(t *testing.T) {
	external := &fakeExternal{
		tools: []mcp.Tool{externalTool("memory_query")},
		err: fmt.Errorf("tools/call to fake-server: %w",
			&jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: "query is required"}),
	}
	d := newTestDispatcher(t, external)
	agentID := registerTestAgent(t, d, "alpha", []interface{}{"coding"})

	resp := d.Handle(context.Background(), callRequest(t, 9, "memory_query", map[string]interface{}{
		"agent_id": agentID,
	}), session.StdioContext())
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.InvalidParams, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "query is required")
}

func TestExternalTimeoutMapsToInternal(t *testing.T) {
	external := &fakeExternal{
		tools: []mcp.Tool{externalTool("memory_query")},
		err:   fmt.Errorf("tools/call to fake-server after 30s: %w", downstream.ErrRequestTimeout),
	}
	d := newTestDispatcher(t, external)
	agentID := registerTestAgent(t, d, "alpha", []interface{}{"coding"})

	resp := d.Handle(context.Background(), callRequest(t, 10, "memory_query", map[string]interface{}{
		"agent_id": agentID,
	}), session.StdioContext())
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.InternalError, resp.Error.Code)

	data, ok := resp.Error.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "timeout", data["kind"])
}

func TestProviderDelegation(t *testing.T) {
	d := newTestDispatcher(t, nil)
	provider := &fakeProvider{
		tools: []mcp.Tool{{Name: "vscode_get_diagnostics", Description: "editor diagnostics"}},
		result: map[string]interface{}{
			"diagnostics": []interface{}{},
		},
	}
	d.SetToolProvider(provider)
	agentID := registerTestAgent(t, d, "alpha", []interface{}{"coding"})

	resp := d.Handle(context.Background(), callRequest(t, 11, "vscode_get_diagnostics", map[string]interface{}{
		"agent_id": agentID,
	}), session.StdioContext())
	out := decodeTextResult(t, resp)

	assert.Contains(t, provider.calls, "vscode_get_diagnostics")
	assert.Contains(t, out, "diagnostics")
}

func TestFilterBlocksRemoteCalls(t *testing.T) {
	external := &fakeExternal{
		tools:  []mcp.Tool{externalTool("read_file_content")},
		result: json.RawMessage(`{"content":[]}`),
	}
	d := newTestDispatcher(t, external)
	agentID := registerTestAgent(t, d, "alpha", []interface{}{"coding"})

	remote := session.HTTPContext("203.0.113.7:51442", false, "", "test-agent")
	require.False(t, remote.IsLocal())

	resp := d.Handle(context.Background(), callRequest(t, 12, "read_file_content", map[string]interface{}{
		"agent_id": agentID,
		"path":     "/etc/passwd",
	}), remote)
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.MethodNotFound, resp.Error.Code)

	data, ok := resp.Error.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(session.ConnectionRemote), data["connection_type"])

	assert.Empty(t, external.calls, "a filtered call must never reach the downstream server")
}

func TestVisibleToolsFiltered(t *testing.T) {
	external := &fakeExternal{
		tools: []mcp.Tool{
			externalTool("read_file_content"),
			externalTool("create_entities"),
		},
	}
	d := newTestDispatcher(t, external)
	provider := &fakeProvider{
		tools: []mcp.Tool{{Name: "vscode_get_diagnostics"}},
	}
	d.SetToolProvider(provider)

	local := d.VisibleTools(session.StdioContext())
	localNames := toolNames(local)
	assert.Contains(t, localNames, "register_agent")
	assert.Contains(t, localNames, "read_file_content")
	assert.Contains(t, localNames, "vscode_get_diagnostics")

	remote := d.VisibleTools(session.HTTPContext("203.0.113.7:51442", false, "", "test-agent"))
	remoteNames := toolNames(remote)
	assert.Contains(t, remoteNames, "register_agent")
	assert.Contains(t, remoteNames, "create_entities")
	assert.NotContains(t, remoteNames, "read_file_content")
	assert.NotContains(t, remoteNames, "vscode_get_diagnostics")
}

func TestToolsListMergesNamespaces(t *testing.T) {
	external := &fakeExternal{
		tools: []mcp.Tool{externalTool("memory_query"), externalTool("create_entities")},
	}
	d := newTestDispatcher(t, external)

	req, err := jsonrpc.NewRequest(13, jsonrpc.MethodToolsList, nil)
	require.NoError(t, err)

	resp := d.Handle(context.Background(), req, session.StdioContext())
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	result := resp.Result.(map[string]interface{})
	tools, ok := result["tools"].([]mcp.Tool)
	require.True(t, ok)
	assert.Len(t, tools, len(d.tools)+2)

	names := toolNames(tools)
	assert.Contains(t, names, "create_task")
	assert.Contains(t, names, "memory_query")
}

func toolNames(tools []mcp.Tool) []string {
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	return names
}
