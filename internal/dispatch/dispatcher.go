// Package dispatch is the single entry point for every decoded JSON-RPC
// request the broker receives. It merges the native coordination tools,
// the editor tool provider, and the tools discovered on downstream MCP
// servers into one namespace, routes calls to the right backend, and
// wraps attributable calls in heartbeat and activity updates.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/codebase"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/common/maputil"
	"github.com/agenthive/agenthive/internal/coordination/registry"
	"github.com/agenthive/agenthive/internal/downstream"
	"github.com/agenthive/agenthive/internal/session"
	"github.com/agenthive/agenthive/pkg/jsonrpc"
)

const (
	// ServerName identifies the broker in initialize responses and the
	// Server response header.
	ServerName = "agenthive-coordinator"

	// ServerVersion is advertised alongside the name.
	ServerVersion = "1.0.0"

	// vscodePrefix marks tools served by the editor tool provider.
	vscodePrefix = "vscode_"
)

// ToolProvider supplies an extra tool namespace. The editor bridge
// registers one when an editor is attached; calls whose name carries the
// vscode_ prefix are delegated here.
type ToolProvider interface {
	Tools() []mcp.Tool
	CallTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error)
}

// ExternalTools is the slice of the downstream supervisor the dispatcher
// routes through: the advertised tool list and call forwarding.
type ExternalTools interface {
	Tools() []mcp.Tool
	HasTool(name string) bool
	ServerForTool(name string) (string, bool)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error)
}

// HeartbeatTracker re-arms an agent's liveness timer. The heartbeat
// scheduler implements it; every wrapped call resets the agent's timer so
// scheduled pings only fire during idle periods.
type HeartbeatTracker interface {
	Track(agentID string)
}

// nativeHandler executes one native coordination tool.
type nativeHandler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Dispatcher routes JSON-RPC requests. Handle is safe for concurrent use;
// the optional collaborators must be set before serving starts.
type Dispatcher struct {
	registry   *registry.Registry
	codebases  *codebase.Registry
	identifier *codebase.Identifier
	external   ExternalTools
	provider   ToolProvider
	tracker    HeartbeatTracker
	filter     *session.ToolFilter
	logger     *logger.Logger

	tools    []mcp.Tool // native descriptors in registration order
	handlers map[string]nativeHandler
}

// NewDispatcher wires the dispatcher to the coordination registries and
// the downstream supervisor. external may be nil when no downstream
// servers are configured.
func NewDispatcher(reg *registry.Registry, codebases *codebase.Registry, identifier *codebase.Identifier, external ExternalTools, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		registry:   reg,
		codebases:  codebases,
		identifier: identifier,
		external:   external,
		filter:     session.NewToolFilter(),
		logger:     log.WithFields(zap.String("component", "dispatcher")),
		handlers:   make(map[string]nativeHandler),
	}
	d.registerNativeTools()
	return d
}

// SetToolProvider attaches the editor tool provider. Call before serving.
func (d *Dispatcher) SetToolProvider(p ToolProvider) {
	d.provider = p
}

// SetHeartbeatTracker attaches the scheduler hook. Call before serving.
func (d *Dispatcher) SetHeartbeatTracker(t HeartbeatTracker) {
	d.tracker = t
}

// Handle processes one decoded JSON-RPC request and returns the response,
// or nil when the request is a notification and must not be answered.
func (d *Dispatcher) Handle(ctx context.Context, req *jsonrpc.Request, clientCtx *session.ClientContext) *jsonrpc.Response {
	if clientCtx == nil {
		clientCtx = session.StdioContext()
	}

	var resp *jsonrpc.Response
	switch req.Method {
	case jsonrpc.MethodInitialize:
		resp = jsonrpc.NewResponse(req.ID, d.InitializeResult())
	case jsonrpc.MethodInitialized:
		d.logger.Debug("client initialized",
			zap.String("connection_type", string(clientCtx.ConnectionType)))
		resp = jsonrpc.NewResponse(req.ID, map[string]interface{}{})
	case jsonrpc.MethodToolsList:
		resp = jsonrpc.NewResponse(req.ID, map[string]interface{}{
			"tools": d.VisibleTools(clientCtx),
		})
	case jsonrpc.MethodToolsCall:
		resp = d.handleToolsCall(ctx, req, clientCtx)
	default:
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound,
			fmt.Sprintf("Method not found: %s", req.Method))
	}

	if req.IsNotification() {
		return nil
	}
	return resp
}

// InitializeResult is the initialize response payload, also served on the
// HTTP capabilities endpoint.
func (d *Dispatcher) InitializeResult() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": jsonrpc.ProtocolVersion,
		"serverInfo": map[string]interface{}{
			"name":    ServerName,
			"version": ServerVersion,
		},
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{
				"listChanged": true,
			},
			"coordination": map[string]interface{}{
				"agents":         true,
				"tasks":          true,
				"codebases":      true,
				"file_locks":     true,
				"cross_codebase": true,
			},
		},
	}
}

// VisibleTools returns the merged tool namespace as seen from a caller's
// context: native tools, editor tools when a provider is attached, and
// downstream tools, trimmed by the tool filter for non-local callers.
func (d *Dispatcher) VisibleTools(clientCtx *session.ClientContext) []mcp.Tool {
	tools := make([]mcp.Tool, 0, len(d.tools))
	tools = append(tools, d.tools...)
	if d.provider != nil {
		tools = append(tools, d.provider.Tools()...)
	}
	if d.external != nil {
		tools = append(tools, d.external.Tools()...)
	}
	return d.filter.FilterTools(clientCtx, tools)
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *jsonrpc.Request, clientCtx *session.ClientContext) *jsonrpc.Response {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams,
				fmt.Sprintf("invalid tools/call parameters: %v", err))
		}
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams, "tool name is required")
	}
	args := params.Arguments
	if args == nil {
		args = make(map[string]interface{})
	}

	// Every call must be attributable to a registered agent; only the
	// registration call itself is exempt.
	agentID := maputil.GetString(args, "agent_id")
	if agentID == "" && params.Name != "register_agent" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidParams,
			"agent_id is required: call register_agent first and pass the returned agent_id with every tool call")
	}

	if !clientCtx.IsLocal() {
		if tool, ok := d.describeTool(params.Name); ok && !d.filter.Allowed(clientCtx, tool) {
			d.logger.Warn("tool call blocked",
				zap.String("tool", params.Name),
				zap.String("connection_type", string(clientCtx.ConnectionType)),
				zap.String("security_level", string(clientCtx.SecurityLevel)))
			return jsonrpc.NewErrorResponseWithData(req.ID, jsonrpc.MethodNotFound,
				fmt.Sprintf("Tool not available: %s", params.Name),
				map[string]interface{}{
					"connection_type": string(clientCtx.ConnectionType),
				})
		}
	}

	wrapped := agentID != "" && d.registry.HasAgent(agentID)
	if wrapped {
		if err := d.registry.Heartbeat(ctx, agentID); err != nil {
			d.logger.Debug("pre-call heartbeat failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
		if err := d.registry.RecordActivity(ctx, agentID, params.Name, args); err != nil {
			d.logger.Debug("activity update failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	result, rpcErr := d.route(ctx, params.Name, args)
	if rpcErr != nil {
		return &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: req.ID, Error: rpcErr}
	}

	if wrapped {
		if err := d.registry.Heartbeat(ctx, agentID); err != nil {
			d.logger.Debug("post-call heartbeat failed",
				zap.String("agent_id", agentID), zap.Error(err))
		}
		if d.tracker != nil {
			d.tracker.Track(agentID)
		}
		result["_heartbeat_metadata"] = map[string]interface{}{
			"agent_id":  agentID,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
	}

	return jsonrpc.NewResponse(req.ID, result)
}

// route dispatches a tool call by origin: native table first, then the
// editor provider by prefix, then the downstream tool index.
func (d *Dispatcher) route(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, *jsonrpc.Error) {
	if handler, ok := d.handlers[name]; ok {
		out, err := handler(ctx, args)
		if err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.HandlerError, Message: err.Error()}
		}
		return textResult(out)
	}

	if strings.HasPrefix(name, vscodePrefix) && d.provider != nil {
		out, err := d.provider.CallTool(ctx, name, args)
		if err != nil {
			return nil, &jsonrpc.Error{Code: jsonrpc.HandlerError, Message: err.Error()}
		}
		return textResult(out)
	}

	if d.external != nil && d.external.HasTool(name) {
		return d.routeExternal(ctx, name, args)
	}

	return nil, &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: fmt.Sprintf("Tool not found: %s", name)}
}

// routeExternal forwards a call to the owning downstream server. The
// agent_id convention is the coordinator's own; it is stripped before the
// arguments leave the process.
func (d *Dispatcher) routeExternal(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, *jsonrpc.Error) {
	forwarded := make(map[string]interface{}, len(args))
	for key, value := range args {
		if key == "agent_id" {
			continue
		}
		forwarded[key] = value
	}

	server, _ := d.external.ServerForTool(name)
	d.logger.Debug("forwarding tool call downstream",
		zap.String("tool", name), zap.String("server", server))

	raw, err := d.external.CallTool(ctx, name, forwarded)
	if err != nil {
		return nil, upstreamError(err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.InternalError,
			Message: fmt.Sprintf("downstream server %s returned a malformed result: %v", server, err),
		}
	}
	decodeContentText(result)
	return result, nil
}

// describeTool finds the descriptor for a tool name anywhere in the
// merged namespace.
func (d *Dispatcher) describeTool(name string) (mcp.Tool, bool) {
	if _, ok := d.handlers[name]; ok {
		for _, tool := range d.tools {
			if tool.Name == name {
				return tool, true
			}
		}
	}
	if d.provider != nil {
		for _, tool := range d.provider.Tools() {
			if tool.Name == name {
				return tool, true
			}
		}
	}
	if d.external != nil {
		for _, tool := range d.external.Tools() {
			if tool.Name == name {
				return tool, true
			}
		}
	}
	return mcp.Tool{}, false
}

// textResult wraps a native handler value as MCP text content.
func textResult(v interface{}) (map[string]interface{}, *jsonrpc.Error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.InternalError,
			Message: fmt.Sprintf("failed to encode tool result: %v", err),
		}
	}
	return map[string]interface{}{
		"content": []interface{}{
			map[string]interface{}{"type": "text", "text": string(encoded)},
		},
	}, nil
}

// decodeContentText parses JSON-looking text content in place so callers
// get structured data instead of double-encoded strings.
func decodeContentText(result map[string]interface{}) {
	items, ok := result["content"].([]interface{})
	if !ok {
		return
	}
	for _, entry := range items {
		item, ok := entry.(map[string]interface{})
		if !ok || maputil.GetString(item, "type") != "text" {
			continue
		}
		text, ok := item["text"].(string)
		if !ok {
			continue
		}
		trimmed := strings.TrimSpace(text)
		if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
			continue
		}
		var decoded interface{}
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			item["text"] = decoded
		}
	}
}

// upstreamError maps a downstream failure onto a JSON-RPC error. A child
// that answered with a JSON-RPC error keeps its code; transport-level
// failures get the standard internal code with the failure kind attached.
func upstreamError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.Code != 0 {
			return rpcErr
		}
		return &jsonrpc.Error{Code: jsonrpc.InternalError, Message: rpcErr.Message}
	}

	kind := "upstream_error"
	switch {
	case errors.Is(err, downstream.ErrUnknownTool):
		return &jsonrpc.Error{Code: jsonrpc.MethodNotFound, Message: err.Error()}
	case errors.Is(err, downstream.ErrRequestTimeout):
		kind = "timeout"
	case errors.Is(err, downstream.ErrServerUnavailable), errors.Is(err, downstream.ErrChildExited):
		kind = "upstream_unavailable"
	}
	return &jsonrpc.Error{
		Code:    jsonrpc.InternalError,
		Message: err.Error(),
		Data:    map[string]interface{}{"kind": kind},
	}
}
