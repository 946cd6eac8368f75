// Package models defines the coordination domain types shared by the
// registry, inboxes, and transports.
package models

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents an agent's lifecycle state
type AgentStatus string

const (
	// AgentStatusIdle - registered and available for work
	AgentStatusIdle AgentStatus = "idle"
	// AgentStatusBusy - has a task in progress
	AgentStatusBusy AgentStatus = "busy"
	// AgentStatusOffline - heartbeat expired, derived not stored
	AgentStatusOffline AgentStatus = "offline"
	// AgentStatusError - agent reported a failure
	AgentStatusError AgentStatus = "error"
)

// TaskStatus represents a task's lifecycle state
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusBlocked    TaskStatus = "blocked"
)

// TaskPriority orders tasks within queues
type TaskPriority string

const (
	PriorityUrgent TaskPriority = "urgent"
	PriorityHigh   TaskPriority = "high"
	PriorityNormal TaskPriority = "normal"
	PriorityLow    TaskPriority = "low"
)

// Rank maps a priority to its sort position. Lower ranks pop first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// ParsePriority normalizes a wire value; unknown strings become normal.
func ParsePriority(s string) TaskPriority {
	switch TaskPriority(s) {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return TaskPriority(s)
	default:
		return PriorityNormal
	}
}

// CoordinationStrategy describes how dependent tasks across codebases are
// meant to be worked. It is recorded on the main task, not enforced.
type CoordinationStrategy string

const (
	StrategySequential     CoordinationStrategy = "sequential"
	StrategyParallel       CoordinationStrategy = "parallel"
	StrategyLeaderFollower CoordinationStrategy = "leader_follower"
)

// ParseStrategy normalizes a wire value; unknown strings become sequential.
func ParseStrategy(s string) CoordinationStrategy {
	switch CoordinationStrategy(s) {
	case StrategySequential, StrategyParallel, StrategyLeaderFollower:
		return CoordinationStrategy(s)
	default:
		return StrategySequential
	}
}

// ActivityHistoryLimit caps the per-agent activity ring.
const ActivityHistoryLimit = 10

// ActivityEntry is one remembered activity report
type ActivityEntry struct {
	Activity  string    `json:"activity"`
	Files     []string  `json:"files,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Agent represents a registered worker
type Agent struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Capabilities    []string               `json:"capabilities,omitempty"`
	Status          AgentStatus            `json:"status"`
	CurrentTaskID   string                 `json:"current_task_id,omitempty"`
	CodebaseID      string                 `json:"codebase_id"`
	WorkspacePath   string                 `json:"workspace_path,omitempty"`
	LastHeartbeat   time.Time              `json:"last_heartbeat"`
	CurrentActivity string                 `json:"current_activity,omitempty"`
	CurrentFiles    []string               `json:"current_files,omitempty"`
	ActivityHistory []ActivityEntry        `json:"activity_history,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// NewAgent creates a registered agent with a fresh heartbeat.
func NewAgent(name string, capabilities []string, codebaseID string) *Agent {
	return &Agent{
		ID:            uuid.New().String(),
		Name:          name,
		Capabilities:  capabilities,
		Status:        AgentStatusIdle,
		CodebaseID:    codebaseID,
		LastHeartbeat: time.Now().UTC(),
	}
}

// CrossCodebaseCapable reports whether the agent may take tasks from other
// codebases. Only a boolean true in metadata enables it.
func (a *Agent) CrossCodebaseCapable() bool {
	if a.Metadata == nil {
		return false
	}
	v, ok := a.Metadata["cross_codebase_capable"].(bool)
	return ok && v
}

// HasCapabilities reports whether every required capability is present.
// An empty requirement always matches.
func (a *Agent) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(a.Capabilities))
	for _, c := range a.Capabilities {
		have[c] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[r]; !ok {
			return false
		}
	}
	return true
}

// EffectiveStatus derives the externally visible status: offline when the
// heartbeat is older than threshold, the stored status otherwise.
func (a *Agent) EffectiveStatus(now time.Time, threshold time.Duration) AgentStatus {
	if now.Sub(a.LastHeartbeat) > threshold {
		return AgentStatusOffline
	}
	return a.Status
}

// Online reports whether the agent's heartbeat is within threshold.
func (a *Agent) Online(now time.Time, threshold time.Duration) bool {
	return now.Sub(a.LastHeartbeat) <= threshold
}

// RecordActivity updates the current activity fields and appends to the
// bounded history ring, evicting the oldest entry past the limit.
func (a *Agent) RecordActivity(activity string, files []string, at time.Time) {
	a.CurrentActivity = activity
	a.CurrentFiles = files
	a.ActivityHistory = append(a.ActivityHistory, ActivityEntry{
		Activity:  activity,
		Files:     files,
		Timestamp: at,
	})
	if len(a.ActivityHistory) > ActivityHistoryLimit {
		a.ActivityHistory = a.ActivityHistory[len(a.ActivityHistory)-ActivityHistoryLimit:]
	}
}

// ToAPI converts an agent to its wire representation. Status is derived
// from the heartbeat so callers always see offline agents as offline.
func (a *Agent) ToAPI(now time.Time, offlineThreshold time.Duration) map[string]interface{} {
	result := map[string]interface{}{
		"id":             a.ID,
		"name":           a.Name,
		"status":         string(a.EffectiveStatus(now, offlineThreshold)),
		"codebase_id":    a.CodebaseID,
		"last_heartbeat": a.LastHeartbeat,
	}
	if len(a.Capabilities) > 0 {
		result["capabilities"] = a.Capabilities
	}
	if a.CurrentTaskID != "" {
		result["current_task_id"] = a.CurrentTaskID
	}
	if a.WorkspacePath != "" {
		result["workspace_path"] = a.WorkspacePath
	}
	if a.CurrentActivity != "" {
		result["current_activity"] = a.CurrentActivity
	}
	if len(a.CurrentFiles) > 0 {
		result["current_files"] = a.CurrentFiles
	}
	if len(a.ActivityHistory) > 0 {
		result["activity_history"] = a.ActivityHistory
	}
	if a.Metadata != nil {
		result["metadata"] = a.Metadata
	}
	return result
}

// CrossCodebaseTaskRef links a task to a counterpart in another codebase
type CrossCodebaseTaskRef struct {
	CodebaseID string `json:"codebase_id"`
	TaskID     string `json:"task_id"`
}

// Task represents a unit of work routed through the broker
type Task struct {
	ID                        string                 `json:"id"`
	Title                     string                 `json:"title"`
	Description               string                 `json:"description"`
	Status                    TaskStatus             `json:"status"`
	Priority                  TaskPriority           `json:"priority"`
	AgentID                   string                 `json:"agent_id,omitempty"`
	CodebaseID                string                 `json:"codebase_id"`
	FilePaths                 []string               `json:"file_paths,omitempty"`
	Dependencies              []string               `json:"dependencies,omitempty"`
	CrossCodebaseDependencies []CrossCodebaseTaskRef `json:"cross_codebase_dependencies,omitempty"`
	CreatedAt                 time.Time              `json:"created_at"`
	UpdatedAt                 time.Time              `json:"updated_at"`
	Metadata                  map[string]interface{} `json:"metadata,omitempty"`
}

// NewTask creates a pending task with a fresh UUID and timestamps.
func NewTask(title, description string, priority TaskPriority, codebaseID string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: description,
		Status:      TaskStatusPending,
		Priority:    priority,
		CodebaseID:  codebaseID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Touch bumps the updated timestamp.
func (t *Task) Touch() {
	t.UpdatedAt = time.Now().UTC()
}

// RequiredCapabilities reads the capability requirement from task metadata.
func (t *Task) RequiredCapabilities() []string {
	if t.Metadata == nil {
		return nil
	}
	raw, ok := t.Metadata["required_capabilities"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		caps := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				caps = append(caps, s)
			}
		}
		return caps
	default:
		return nil
	}
}

// ToAPI converts a task to its wire representation.
func (t *Task) ToAPI() map[string]interface{} {
	result := map[string]interface{}{
		"id":          t.ID,
		"title":       t.Title,
		"description": t.Description,
		"status":      string(t.Status),
		"priority":    string(t.Priority),
		"codebase_id": t.CodebaseID,
		"created_at":  t.CreatedAt,
		"updated_at":  t.UpdatedAt,
	}
	if t.AgentID != "" {
		result["agent_id"] = t.AgentID
	}
	if len(t.FilePaths) > 0 {
		result["file_paths"] = t.FilePaths
	}
	if len(t.Dependencies) > 0 {
		result["dependencies"] = t.Dependencies
	}
	if len(t.CrossCodebaseDependencies) > 0 {
		result["cross_codebase_dependencies"] = t.CrossCodebaseDependencies
	}
	if t.Metadata != nil {
		result["metadata"] = t.Metadata
	}
	return result
}
