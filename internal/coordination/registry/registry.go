// Package registry implements the coordination core: agent lifecycle,
// per-agent inboxes, the global pending queue, file locks, and
// cross-codebase task fan-out.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/activity"
	"github.com/agenthive/agenthive/internal/codebase"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/coordination/inbox"
	"github.com/agenthive/agenthive/internal/coordination/models"
	"github.com/agenthive/agenthive/internal/coordination/queue"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
	"github.com/agenthive/agenthive/internal/session"
)

// DefaultOfflineThreshold is how stale a heartbeat may be before the agent
// counts as offline.
const DefaultOfflineThreshold = 30 * time.Second

// Common errors
var (
	// ErrAgentNameExists is the wire-visible duplicate-name rejection.
	ErrAgentNameExists = errors.New("Agent name already exists")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrTaskNotFound    = errors.New("task not found")
	// ErrAgentBusy rejects unregistering an agent with an active task.
	ErrAgentBusy = errors.New("agent has an active task; complete it or force unregister")
)

// Config tunes registry behavior.
type Config struct {
	OfflineThreshold time.Duration
	MaxInboxHistory  int
}

// DefaultConfig returns the shipped tuning.
func DefaultConfig() Config {
	return Config{
		OfflineThreshold: DefaultOfflineThreshold,
		MaxInboxHistory:  inbox.DefaultMaxHistory,
	}
}

type lockKey struct {
	codebaseID string
	path       string
}

// Registry owns all agents, their inboxes, every known task, the global
// pending queue, and the per-codebase file locks. One mutex serializes all
// coordination decisions; inboxes and the codebase registry keep their own
// locks and never call back in.
type Registry struct {
	mu sync.RWMutex

	agents     map[string]*models.Agent
	agentOrder []string          // registration order, the deterministic tie-break
	names      map[string]string // live agent name -> id
	inboxes    map[string]*inbox.Inbox
	tasks      map[string]*models.Task
	pending    *queue.TaskQueue
	fileLocks  map[lockKey]string // (codebase, path) -> holding task id
	crossTasks map[string][]models.CrossCodebaseTaskRef

	codebases  *codebase.Registry
	sessions   *session.Manager
	tracker    *activity.Tracker
	eventBus   bus.EventBus
	config     Config
	logger     *logger.Logger
	baseLogger *logger.Logger
}

// NewRegistry creates the coordination registry. The session manager may be
// nil, which disables token minting.
func NewRegistry(codebases *codebase.Registry, sessions *session.Manager, eventBus bus.EventBus, log *logger.Logger, cfg Config) *Registry {
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = DefaultOfflineThreshold
	}
	if cfg.MaxInboxHistory <= 0 {
		cfg.MaxInboxHistory = inbox.DefaultMaxHistory
	}
	return &Registry{
		agents:     make(map[string]*models.Agent),
		names:      make(map[string]string),
		inboxes:    make(map[string]*inbox.Inbox),
		tasks:      make(map[string]*models.Task),
		pending:    queue.NewTaskQueue(),
		fileLocks:  make(map[lockKey]string),
		crossTasks: make(map[string][]models.CrossCodebaseTaskRef),
		codebases:  codebases,
		sessions:   sessions,
		tracker:    activity.NewTracker(),
		eventBus:   eventBus,
		config:     cfg,
		logger:     log.WithFields(zap.String("component", "task-registry")),
		baseLogger: log,
	}
}

// AgentOptions carries the optional fields accepted at agent registration.
type AgentOptions struct {
	CodebaseID           string
	WorkspacePath        string
	CrossCodebaseCapable bool
	Metadata             map[string]interface{}
}

// RegisterResult is the outcome of a successful registration.
type RegisterResult struct {
	Agent   *models.Agent
	Session *session.Session
}

// RegisterAgent creates an agent under a unique live name, materializes its
// inbox, files it with its codebase, mints a session token when a session
// manager is wired, and retries pending assignments.
func (r *Registry) RegisterAgent(ctx context.Context, name string, capabilities []string, opts AgentOptions) (*RegisterResult, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("agent name is required")
	}

	codebaseID := opts.CodebaseID
	if codebaseID == "" && opts.WorkspacePath != "" {
		if cb, err := r.codebases.Register(ctx, "", opts.WorkspacePath, "", nil); err == nil {
			codebaseID = cb.ID
		}
	}
	cb := r.codebases.Ensure(ctx, codebaseID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.names[name]; taken {
		return nil, ErrAgentNameExists
	}

	agent := models.NewAgent(name, capabilities, cb.ID)
	agent.WorkspacePath = opts.WorkspacePath
	agent.Metadata = opts.Metadata
	if opts.CrossCodebaseCapable {
		if agent.Metadata == nil {
			agent.Metadata = make(map[string]interface{})
		}
		agent.Metadata["cross_codebase_capable"] = true
	}

	r.agents[agent.ID] = agent
	r.names[name] = agent.ID
	r.agentOrder = append(r.agentOrder, agent.ID)
	if _, ok := r.inboxes[agent.ID]; !ok {
		r.inboxes[agent.ID] = inbox.New(agent.ID, r.config.MaxInboxHistory, r.eventBus, r.baseLogger)
	}
	r.codebases.AddAgent(ctx, cb.ID, agent.ID)

	r.publish(ctx, events.BuildAgentRegisteredSubject(cb.ID), events.AgentRegistered, map[string]interface{}{
		"agent_id":     agent.ID,
		"name":         agent.Name,
		"capabilities": agent.Capabilities,
		"codebase_id":  cb.ID,
	})

	result := &RegisterResult{Agent: agent}
	if r.sessions != nil {
		sess, err := r.sessions.CreateSession(agent.ID, map[string]interface{}{"agent_name": name})
		if err != nil {
			r.logger.Warn("failed to mint session for agent",
				zap.String("agent_id", agent.ID),
				zap.Error(err))
		} else {
			result.Session = sess
		}
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("name", name),
		zap.String("codebase_id", cb.ID))

	r.sweepLocked(ctx)
	return result, nil
}

// Heartbeat refreshes an agent's liveness and retries pending assignments
// when queued work exists: a heartbeat can bring an agent back online.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	agent.LastHeartbeat = time.Now().UTC()

	r.publish(ctx, events.BuildAgentHeartbeatSubject(agentID), events.AgentHeartbeat, map[string]interface{}{
		"agent_id": agentID,
		"status":   string(agent.Status),
	})

	if r.pending.Len() > 0 {
		r.sweepLocked(ctx)
	}
	return nil
}

// UnregisterResult reports what happened to the departing agent's tasks.
type UnregisterResult struct {
	AgentID        string
	Name           string
	RequeuedTaskID string // the in-progress task returned to the queue head
	RequeuedCount  int    // pending inbox tasks returned to the queue
}

// Unregister removes an agent. A busy agent is refused unless force is set,
// in which case its in-progress task goes back to the head of the pending
// queue and its locks are released.
func (r *Registry) Unregister(ctx context.Context, agentID, reason string, force bool) (*UnregisterResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if agent.Status == models.AgentStatusBusy && !force {
		return nil, ErrAgentBusy
	}

	result := &UnregisterResult{AgentID: agentID, Name: agent.Name}
	reassigned := false
	if ib := r.inboxes[agentID]; ib != nil {
		if inProg := ib.TakeInProgress(); inProg != nil {
			r.releaseLocksLocked(inProg.ID)
			inProg.Status = models.TaskStatusPending
			inProg.AgentID = ""
			inProg.Touch()
			if err := r.pending.PushFront(inProg); err != nil {
				r.logger.Error("failed to requeue in-progress task",
					zap.String("task_id", inProg.ID),
					zap.Error(err))
			} else {
				reassigned = true
				result.RequeuedTaskID = inProg.ID
				r.publish(ctx, events.TaskReassigned, events.TaskReassigned, map[string]interface{}{
					"task_id":    inProg.ID,
					"from_agent": agentID,
					"reason":     reason,
				})
			}
		}
		for _, t := range ib.DrainPending() {
			t.AgentID = ""
			t.Touch()
			if err := r.pending.Push(t); err != nil {
				r.logger.Error("failed to requeue pending task",
					zap.String("task_id", t.ID),
					zap.Error(err))
				continue
			}
			result.RequeuedCount++
			r.publish(ctx, events.BuildTaskQueuedSubject(t.CodebaseID), events.TaskQueued, map[string]interface{}{
				"task_id":     t.ID,
				"title":       t.Title,
				"priority":    string(t.Priority),
				"codebase_id": t.CodebaseID,
			})
		}
	}

	delete(r.agents, agentID)
	delete(r.names, agent.Name)
	delete(r.inboxes, agentID)
	for i, id := range r.agentOrder {
		if id == agentID {
			r.agentOrder = append(r.agentOrder[:i], r.agentOrder[i+1:]...)
			break
		}
	}
	r.codebases.RemoveAgent(agent.CodebaseID, agentID)
	if r.sessions != nil {
		r.sessions.InvalidateForAgent(agentID)
	}

	subject := events.AgentUnregistered
	if reassigned {
		subject = events.AgentUnregisteredWithReassignment
	}
	data := map[string]interface{}{
		"agent_id": agentID,
		"name":     agent.Name,
		"reason":   reason,
	}
	if result.RequeuedTaskID != "" {
		data["requeued_task_id"] = result.RequeuedTaskID
	}
	r.publish(ctx, subject, subject, data)

	r.logger.Info("agent unregistered",
		zap.String("agent_id", agentID),
		zap.String("name", agent.Name),
		zap.Bool("forced", force))

	r.sweepLocked(ctx)
	return result, nil
}

// GetAgent returns a registered agent by id.
func (r *Registry) GetAgent(agentID string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return agent, nil
}

// HasAgent reports whether an agent id is registered.
func (r *Registry) HasAgent(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// GetTask returns any task the registry knows about.
func (r *Registry) GetTask(taskID string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return task, nil
}

// ListAgents returns agents in registration order, optionally scoped to a
// codebase.
func (r *Registry) ListAgents(codebaseID string) []*models.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Agent, 0, len(r.agentOrder))
	for _, id := range r.agentOrder {
		agent := r.agents[id]
		if codebaseID != "" && agent.CodebaseID != codebaseID {
			continue
		}
		result = append(result, agent)
	}
	return result
}

// AgentsAPI returns wire representations of all agents with derived status.
func (r *Registry) AgentsAPI() []map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	result := make([]map[string]interface{}, 0, len(r.agentOrder))
	for _, id := range r.agentOrder {
		result = append(result, r.agents[id].ToAPI(now, r.config.OfflineThreshold))
	}
	return result
}

// PendingCount returns the size of the global pending queue.
func (r *Registry) PendingCount() int {
	return r.pending.Len()
}

// RecordActivity infers what an agent is doing from a tool call, stores it
// on the agent, and announces it against the agent's current task when one
// is attached.
func (r *Registry) RecordActivity(ctx context.Context, agentID, toolName string, args map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	summary, files := r.tracker.Record(agent, toolName, args, time.Now().UTC())

	if agent.CurrentTaskID != "" {
		r.publishActivity(ctx, agent.CurrentTaskID, agentID, toolName, summary, files)
	}
	return nil
}

// UpdateTaskActivity announces a tool call against a task. No registry
// state changes.
func (r *Registry) UpdateTaskActivity(ctx context.Context, taskID, toolName string, args map[string]interface{}) error {
	r.mu.RLock()
	task, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	summary, files := r.tracker.Infer(toolName, args)
	r.publishActivity(ctx, task.ID, task.AgentID, toolName, summary, files)
	return nil
}
