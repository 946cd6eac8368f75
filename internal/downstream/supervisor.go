// Package downstream supervises the external MCP servers the broker
// spawns as child processes: lifecycle, the line-delimited JSON-RPC
// protocol on their stdio pipes, tool discovery, and the flat tool
// index the dispatcher routes external calls through.
package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agenthive/agenthive/internal/common/config"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Routing errors surfaced to the dispatcher.
var (
	ErrUnknownTool       = errors.New("no downstream server provides this tool")
	ErrServerUnavailable = errors.New("downstream server is not running")
)

// ServerStatus reports one configured downstream server for the health
// surface.
type ServerStatus struct {
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Running     bool      `json:"running"`
	PID         int       `json:"pid,omitempty"`
	ToolCount   int       `json:"tool_count"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

// Supervisor starts the configured downstream servers, keeps their tool
// lists fresh, restarts crashed children, and routes external tool calls
// to the owning child.
type Supervisor struct {
	cfg      *Config
	mcpCfg   *config.MCPConfig
	eventBus bus.EventBus
	logger   *logger.Logger

	mu        sync.RWMutex
	children  map[string]*child
	tools     map[string][]mcp.Tool
	toolIndex map[string]string
	running   bool
	stopCh    chan struct{}

	wg sync.WaitGroup
}

// NewSupervisor creates a downstream supervisor. The event bus may be
// nil; lifecycle events are then skipped.
func NewSupervisor(cfg *Config, mcpCfg *config.MCPConfig, eventBus bus.EventBus, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		mcpCfg:    mcpCfg,
		eventBus:  eventBus,
		logger:    log.WithFields(zap.String("component", "downstream-supervisor")),
		children:  make(map[string]*child),
		tools:     make(map[string][]mcp.Tool),
		toolIndex: make(map[string]string),
	}
}

// Start launches every configured server in parallel and builds the tool
// index. A server that fails to start or to answer the handshake is
// logged and skipped; one bad server never aborts the broker.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	names := make([]string, 0, len(s.cfg.Servers))
	for name := range s.cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		server := s.cfg.Servers[name]
		g.Go(func() error {
			s.launch(gctx, name, server)
			return nil
		})
	}
	g.Wait()

	s.rebuildIndex()

	s.mu.RLock()
	started, toolCount := len(s.children), len(s.toolIndex)
	s.mu.RUnlock()
	s.logger.Info("downstream supervisor started",
		zap.Int("configured", len(names)),
		zap.Int("running", started),
		zap.Int("tools", toolCount))
	return nil
}

// launch starts one server and records its tools. Failures are logged,
// never returned.
func (s *Supervisor) launch(ctx context.Context, name string, cfg ServerConfig) {
	if err := cfg.Validate(name); err != nil {
		s.logger.Error("skipping misconfigured downstream server", zap.Error(err))
		return
	}
	if cfg.Type == TypeHTTP {
		// Reserved transport: listed in statuses, not dialed for tools.
		s.logger.Info("skipping http downstream server", zap.String("server", name))
		return
	}

	ch := newChild(name, cfg, s.logger)
	if err := ch.start(); err != nil {
		s.logger.Error("failed to start downstream server",
			zap.String("server", name), zap.Error(err))
		return
	}

	tools := s.handshake(ctx, ch)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ch.stop(stopCtx)
		cancel()
		return
	}
	s.children[name] = ch
	s.tools[name] = tools
	s.mu.Unlock()

	s.wg.Add(1)
	go s.monitor(name, ch)

	s.publish(ctx, events.DownstreamServerStarted, name, map[string]interface{}{
		"server": name,
		"pid":    ch.pid(),
		"tools":  len(tools),
	})
}

// handshake runs initialize and tool discovery against a fresh child. A
// failed handshake leaves the child running with an empty tool set.
func (s *Supervisor) handshake(ctx context.Context, ch *child) []mcp.Tool {
	timeout := s.mcpCfg.DiscoveryTimeoutDuration()
	if err := ch.initialize(ctx, timeout); err != nil {
		s.logger.Warn("downstream initialize failed, continuing with no tools",
			zap.String("server", ch.name), zap.Error(err))
		return nil
	}
	tools, err := ch.discoverTools(ctx, timeout)
	if err != nil {
		s.logger.Warn("downstream tool discovery failed, continuing with no tools",
			zap.String("server", ch.name), zap.Error(err))
		return nil
	}
	rewritten := rewriteAll(tools)
	s.logger.Info("downstream tools discovered",
		zap.String("server", ch.name), zap.Int("count", len(rewritten)))
	return rewritten
}

// monitor waits for a child to exit. Unexpected exits drop the child
// from the active set and, when configured, schedule a restart.
func (s *Supervisor) monitor(name string, ch *child) {
	defer s.wg.Done()

	s.mu.RLock()
	stopCh := s.stopCh
	s.mu.RUnlock()

	select {
	case <-ch.done():
	case <-stopCh:
		return
	}
	if ch.wasStopped() {
		return
	}

	s.mu.Lock()
	if s.children[name] == ch {
		delete(s.children, name)
		delete(s.tools, name)
	}
	s.mu.Unlock()
	s.rebuildIndex()

	s.logger.Warn("downstream server exited unexpectedly", zap.String("server", name))
	s.publish(context.Background(), events.DownstreamServerExited, name, map[string]interface{}{
		"server":       name,
		"auto_restart": ch.cfg.AutoRestart,
	})

	if !ch.cfg.AutoRestart {
		return
	}

	select {
	case <-time.After(s.mcpCfg.RestartDelayDuration()):
	case <-stopCh:
		return
	}
	s.restart(name, ch.cfg)
}

// restart spawns a replacement child after a crash.
func (s *Supervisor) restart(name string, cfg ServerConfig) {
	ctx := context.Background()

	s.logger.Info("restarting downstream server", zap.String("server", name))
	replacement := newChild(name, cfg, s.logger)
	if err := replacement.start(); err != nil {
		s.logger.Error("failed to restart downstream server",
			zap.String("server", name), zap.Error(err))
		return
	}
	tools := s.handshake(ctx, replacement)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		replacement.stop(stopCtx)
		cancel()
		return
	}
	s.children[name] = replacement
	s.tools[name] = tools
	s.mu.Unlock()
	s.rebuildIndex()

	s.wg.Add(1)
	go s.monitor(name, replacement)

	s.publish(ctx, events.DownstreamServerRestarted, name, map[string]interface{}{
		"server": name,
		"pid":    replacement.pid(),
		"tools":  len(tools),
	})
}

// Stop shuts down every child and waits for the monitors to drain.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	children := make([]*child, 0, len(s.children))
	for _, ch := range s.children {
		children = append(children, ch)
	}
	s.children = make(map[string]*child)
	s.tools = make(map[string][]mcp.Tool)
	s.toolIndex = make(map[string]string)
	s.mu.Unlock()

	var stopWG sync.WaitGroup
	for _, ch := range children {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			ch.stop(ctx)
		}()
	}
	stopWG.Wait()
	s.wg.Wait()

	s.logger.Info("downstream supervisor stopped")
	return nil
}

// Tools returns every routable external tool with its rewritten schema,
// in stable server order. A tool shadowed by a name collision is not
// listed.
func (s *Supervisor) Tools() []mcp.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []mcp.Tool
	for _, server := range names {
		for _, tool := range s.tools[server] {
			if s.toolIndex[tool.Name] == server {
				out = append(out, tool)
			}
		}
	}
	return out
}

// HasTool reports whether any downstream server provides the tool.
func (s *Supervisor) HasTool(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.toolIndex[name]
	return ok
}

// ServerForTool returns the server a tool routes to.
func (s *Supervisor) ServerForTool(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	server, ok := s.toolIndex[name]
	return server, ok
}

// CallTool forwards a tool call to the owning child and returns the raw
// JSON-RPC result. The dispatcher strips agent_id before calling here;
// downstream servers never see it.
func (s *Supervisor) CallTool(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	s.mu.RLock()
	server, ok := s.toolIndex[name]
	ch := s.children[server]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if ch == nil || !ch.alive() {
		return nil, fmt.Errorf("%w: %s (tool %s)", ErrServerUnavailable, server, name)
	}
	return ch.callTool(ctx, name, args, s.mcpCfg.CallTimeoutDuration())
}

// RefreshTools re-runs discovery on every alive child and rebuilds the
// tool index.
func (s *Supervisor) RefreshTools(ctx context.Context) {
	s.mu.RLock()
	alive := make(map[string]*child, len(s.children))
	for name, ch := range s.children {
		alive[name] = ch
	}
	s.mu.RUnlock()

	timeout := s.mcpCfg.DiscoveryTimeoutDuration()
	for name, ch := range alive {
		if !ch.alive() {
			continue
		}
		tools, err := ch.discoverTools(ctx, timeout)
		if err != nil {
			s.logger.Warn("tool refresh failed",
				zap.String("server", name), zap.Error(err))
			continue
		}
		rewritten := rewriteAll(tools)
		s.mu.Lock()
		if _, tracked := s.children[name]; tracked {
			s.tools[name] = rewritten
		}
		s.mu.Unlock()
	}
	s.rebuildIndex()
}

// ServerStatuses lists every configured server, running or not, sorted
// by name.
func (s *Supervisor) ServerStatuses() []ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.cfg.Servers))
	for name := range s.cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		cfg := s.cfg.Servers[name]
		status := ServerStatus{
			Name:        name,
			Type:        cfg.Type,
			Description: cfg.Description,
			ToolCount:   len(s.tools[name]),
		}
		if ch, ok := s.children[name]; ok && ch.alive() {
			status.Running = true
			status.PID = ch.pid()
			status.StartedAt = ch.startedAt
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// rebuildIndex rebuilds the flat tool map. Server names are walked in
// sorted order so collisions resolve deterministically: the first server
// to claim a name wins and later claims are logged and ignored.
func (s *Supervisor) rebuildIndex() {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := make(map[string]string)
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, server := range names {
		for _, tool := range s.tools[server] {
			if owner, exists := index[tool.Name]; exists {
				s.logger.Warn("tool name collision between downstream servers",
					zap.String("tool", tool.Name),
					zap.String("kept", owner),
					zap.String("ignored", server))
				continue
			}
			index[tool.Name] = server
		}
	}
	s.toolIndex = index
}

// publish emits a downstream lifecycle event. Best-effort: a failed or
// absent bus never affects supervision.
func (s *Supervisor) publish(ctx context.Context, eventType, serverName string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	data["timestamp"] = time.Now().UTC()
	event := bus.NewEvent(eventType, "downstream-supervisor", data)
	if err := s.eventBus.Publish(ctx, events.BuildDownstreamServerSubject(eventType, serverName), event); err != nil {
		s.logger.Error("failed to publish downstream event",
			zap.String("event", eventType), zap.Error(err))
	}
}

// rewriteAll applies the agent_id schema requirement to a tool list.
func rewriteAll(tools []mcp.Tool) []mcp.Tool {
	out := make([]mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, requireAgentID(tool))
	}
	return out
}

// requireAgentID returns a copy of the tool whose input schema declares
// a required agent_id string parameter. Coordinator clients must supply
// it so every call is attributable to an agent; the dispatcher strips
// the value before forwarding, so the downstream server never sees it.
func requireAgentID(tool mcp.Tool) mcp.Tool {
	var schema map[string]interface{}
	if len(tool.RawInputSchema) > 0 {
		if err := json.Unmarshal(tool.RawInputSchema, &schema); err != nil {
			schema = nil
		}
	}
	if schema == nil {
		schema = map[string]interface{}{}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}

	props, _ := schema["properties"].(map[string]interface{})
	if props == nil {
		props = map[string]interface{}{}
	}
	if _, ok := props["agent_id"]; !ok {
		props["agent_id"] = map[string]interface{}{
			"type":        "string",
			"description": "ID of the registered agent making this call",
		}
	}
	schema["properties"] = props

	required := toStringSlice(schema["required"])
	present := false
	for _, name := range required {
		if name == "agent_id" {
			present = true
			break
		}
	}
	if !present {
		required = append(required, "agent_id")
	}
	schema["required"] = required

	raw, err := json.Marshal(schema)
	if err != nil {
		return tool
	}
	tool.RawInputSchema = raw
	return tool
}

func toStringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return vals
	default:
		return nil
	}
}
