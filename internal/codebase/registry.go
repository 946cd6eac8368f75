package codebase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
)

// DefaultCodebaseID names the synthetic codebase that always exists.
const DefaultCodebaseID = "default"

var (
	// ErrNotFound is returned when a codebase id is unknown
	ErrNotFound = errors.New("codebase not found")
)

// Codebase is a registered project identity
type Codebase struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	WorkspacePath string                 `json:"workspace_path,omitempty"`
	Agents        map[string]struct{}    `json:"-"`
	ActiveTasks   map[string]struct{}    `json:"-"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// ToAPI converts a codebase to its wire representation with sorted
// membership lists.
func (c *Codebase) ToAPI() map[string]interface{} {
	agents := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		agents = append(agents, id)
	}
	sort.Strings(agents)
	tasks := make([]string, 0, len(c.ActiveTasks))
	for id := range c.ActiveTasks {
		tasks = append(tasks, id)
	}
	sort.Strings(tasks)

	result := map[string]interface{}{
		"id":           c.ID,
		"name":         c.Name,
		"agents":       agents,
		"active_tasks": tasks,
		"created_at":   c.CreatedAt,
		"updated_at":   c.UpdatedAt,
	}
	if c.WorkspacePath != "" {
		result["workspace_path"] = c.WorkspacePath
	}
	if c.Metadata != nil {
		result["metadata"] = c.Metadata
	}
	return result
}

// Dependency is a directed edge between two codebases
type Dependency struct {
	Source    string                 `json:"source"`
	Target    string                 `json:"target"`
	Type      string                 `json:"type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ToAPI converts a dependency edge to its wire representation.
func (d *Dependency) ToAPI() map[string]interface{} {
	result := map[string]interface{}{
		"source":     d.Source,
		"target":     d.Target,
		"type":       d.Type,
		"created_at": d.CreatedAt,
	}
	if d.Metadata != nil {
		result["metadata"] = d.Metadata
	}
	return result
}

type depKey struct {
	source string
	target string
}

// Registry tracks codebases and their dependency edges.
type Registry struct {
	mu           sync.RWMutex
	codebases    map[string]*Codebase
	dependencies map[depKey]*Dependency
	identifier   *Identifier
	eventBus     bus.EventBus
	logger       *logger.Logger
}

// NewRegistry creates a codebase registry seeded with the default codebase.
func NewRegistry(identifier *Identifier, eventBus bus.EventBus, log *logger.Logger) *Registry {
	now := time.Now().UTC()
	r := &Registry{
		codebases:    make(map[string]*Codebase),
		dependencies: make(map[depKey]*Dependency),
		identifier:   identifier,
		eventBus:     eventBus,
		logger:       log.WithFields(zap.String("component", "codebase-registry")),
	}
	r.codebases[DefaultCodebaseID] = &Codebase{
		ID:          DefaultCodebaseID,
		Name:        "Default",
		Agents:      make(map[string]struct{}),
		ActiveTasks: make(map[string]struct{}),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return r
}

// Register creates or updates a codebase. The id is the supplied custom id
// when present, the canonical identity of the workspace path otherwise, and
// the name as a last resort.
func (r *Registry) Register(ctx context.Context, name, workspacePath, customID string, metadata map[string]interface{}) (*Codebase, error) {
	if name == "" && customID == "" && workspacePath == "" {
		return nil, fmt.Errorf("codebase registration needs a name, id, or workspace path")
	}

	id := customID
	var info *Info
	if id == "" && workspacePath != "" {
		info = r.identifier.Identify(ctx, workspacePath, "")
		id = info.CanonicalID
	}
	if id == "" {
		id = name
	}
	if name == "" {
		if info != nil {
			name = info.DisplayName
		} else {
			name = id
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	cb, exists := r.codebases[id]
	if exists {
		cb.Name = name
		if workspacePath != "" {
			cb.WorkspacePath = workspacePath
		}
		if metadata != nil {
			if cb.Metadata == nil {
				cb.Metadata = make(map[string]interface{})
			}
			for k, v := range metadata {
				cb.Metadata[k] = v
			}
		}
		cb.UpdatedAt = now
		r.publish(ctx, events.CodebaseUpdated, map[string]interface{}{
			"codebase_id": cb.ID,
			"name":        cb.Name,
		})
		return cb, nil
	}

	cb = &Codebase{
		ID:            id,
		Name:          name,
		WorkspacePath: workspacePath,
		Agents:        make(map[string]struct{}),
		ActiveTasks:   make(map[string]struct{}),
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.codebases[id] = cb
	r.publish(ctx, events.CodebaseRegistered, map[string]interface{}{
		"codebase_id":    cb.ID,
		"name":           cb.Name,
		"workspace_path": cb.WorkspacePath,
	})
	return cb, nil
}

// Ensure returns the codebase with the given id, creating a minimal entry
// when it is unknown. An empty id maps to the default codebase.
func (r *Registry) Ensure(ctx context.Context, id string) *Codebase {
	if id == "" {
		id = DefaultCodebaseID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.codebases[id]; ok {
		return cb
	}

	now := time.Now().UTC()
	cb := &Codebase{
		ID:          id,
		Name:        id,
		Agents:      make(map[string]struct{}),
		ActiveTasks: make(map[string]struct{}),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.codebases[id] = cb
	r.publish(ctx, events.CodebaseRegistered, map[string]interface{}{
		"codebase_id": cb.ID,
		"name":        cb.Name,
	})
	return cb
}

// Get returns a codebase by id.
func (r *Registry) Get(id string) (*Codebase, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cb, ok := r.codebases[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cb, nil
}

// List returns all codebases sorted by id.
func (r *Registry) List() []*Codebase {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Codebase, 0, len(r.codebases))
	for _, cb := range r.codebases {
		result = append(result, cb)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// AddAgent records an agent as a member of a codebase, creating the
// codebase when unknown.
func (r *Registry) AddAgent(ctx context.Context, codebaseID, agentID string) {
	cb := r.Ensure(ctx, codebaseID)

	r.mu.Lock()
	defer r.mu.Unlock()
	cb.Agents[agentID] = struct{}{}
	cb.UpdatedAt = time.Now().UTC()
}

// RemoveAgent drops an agent from a codebase's membership.
func (r *Registry) RemoveAgent(codebaseID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.codebases[codebaseID]
	if !ok {
		return
	}
	delete(cb.Agents, agentID)
	cb.UpdatedAt = time.Now().UTC()
}

// AddActiveTask records a task as active within a codebase.
func (r *Registry) AddActiveTask(ctx context.Context, codebaseID, taskID string) {
	cb := r.Ensure(ctx, codebaseID)

	r.mu.Lock()
	defer r.mu.Unlock()
	cb.ActiveTasks[taskID] = struct{}{}
	cb.UpdatedAt = time.Now().UTC()
}

// RemoveActiveTask drops a task from a codebase's active set.
func (r *Registry) RemoveActiveTask(codebaseID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.codebases[codebaseID]
	if !ok {
		return
	}
	delete(cb.ActiveTasks, taskID)
	cb.UpdatedAt = time.Now().UTC()
}

// AddDependency upserts a directed dependency edge between two registered
// codebases, keyed by (source, target).
func (r *Registry) AddDependency(ctx context.Context, source, target, depType string, metadata map[string]interface{}) (*Dependency, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.codebases[source]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, source)
	}
	if _, ok := r.codebases[target]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, target)
	}

	key := depKey{source: source, target: target}
	dep, exists := r.dependencies[key]
	if exists {
		dep.Type = depType
		dep.Metadata = metadata
	} else {
		dep = &Dependency{
			Source:    source,
			Target:    target,
			Type:      depType,
			Metadata:  metadata,
			CreatedAt: time.Now().UTC(),
		}
		r.dependencies[key] = dep
	}

	r.publish(ctx, events.CodebaseDependencyAdded, map[string]interface{}{
		"source": source,
		"target": target,
		"type":   depType,
	})
	return dep, nil
}

// Dependencies returns all edges sorted by (source, target).
func (r *Registry) Dependencies() []*Dependency {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Dependency, 0, len(r.dependencies))
	for _, dep := range r.dependencies {
		result = append(result, dep)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Source != result[j].Source {
			return result[i].Source < result[j].Source
		}
		return result[i].Target < result[j].Target
	})
	return result
}

// DependenciesOf returns the edges originating from a codebase.
func (r *Registry) DependenciesOf(source string) []*Dependency {
	var result []*Dependency
	for _, dep := range r.Dependencies() {
		if dep.Source == source {
			result = append(result, dep)
		}
	}
	return result
}

// SameCodebase reports whether two workspace paths resolve to the same
// canonical identity.
func (r *Registry) SameCodebase(ctx context.Context, path1, path2 string) bool {
	id1 := r.identifier.Identify(ctx, path1, "")
	id2 := r.identifier.Identify(ctx, path2, "")
	return id1.CanonicalID == id2.CanonicalID
}

// Status returns a codebase snapshot with membership counts and its
// outgoing dependency edges.
func (r *Registry) Status(id string) (map[string]interface{}, error) {
	cb, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	status := cb.ToAPI()
	status["agent_count"] = len(cb.Agents)
	status["active_task_count"] = len(cb.ActiveTasks)

	var deps []map[string]interface{}
	for key, dep := range r.dependencies {
		if key.source == id {
			deps = append(deps, dep.ToAPI())
		}
	}
	sort.Slice(deps, func(i, j int) bool {
		return deps[i]["target"].(string) < deps[j]["target"].(string)
	})
	if deps != nil {
		status["dependencies"] = deps
	}
	return status, nil
}

func (r *Registry) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if r.eventBus == nil {
		return
	}
	data["timestamp"] = time.Now().UTC()
	if err := r.eventBus.Publish(ctx, eventType, bus.NewEvent(eventType, "codebase-registry", data)); err != nil {
		r.logger.Error("failed to publish codebase event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
