// Package events provides event subjects and utilities for the AgentHive event system.
package events

// Event types for agent lifecycle
const (
	AgentRegistered                   = "agent.registered"   // Suffixed with codebase ID
	AgentHeartbeat                    = "agent.heartbeat"    // Suffixed with agent ID
	AgentUnregistered                 = "agent.unregistered" // Clean departure
	AgentUnregisteredWithReassignment = "agent.unregistered.with_reassignment"
	AgentTaskAdded                    = "agent.task_added" // Suffixed with agent ID, task landed in an inbox
)

// Event types for task lifecycle
const (
	TaskQueued          = "task.queued"   // Suffixed with codebase ID
	TaskAssigned        = "task.assigned" // Suffixed with codebase ID
	TaskStarted         = "task.started"
	TaskBlocked         = "task.blocked" // Suffixed with codebase ID
	TaskCompleted       = "task.completed"
	TaskReassigned      = "task.reassigned"
	TaskActivityUpdated = "task.activity_updated"
)

// Event types for codebases
const (
	CodebaseRegistered      = "codebase.registered"
	CodebaseUpdated         = "codebase.updated"
	CodebaseDependencyAdded = "codebase.dependency.added"
)

// Event types for cross-codebase coordination
const (
	CrossCodebaseTaskCreated = "cross-codebase.task.created"
)

// Event types for downstream MCP server lifecycle
const (
	DownstreamServerStarted   = "downstream.server.started"   // Suffixed with server name
	DownstreamServerExited    = "downstream.server.exited"    // Suffixed with server name
	DownstreamServerRestarted = "downstream.server.restarted" // Suffixed with server name
)

// BuildDownstreamServerSubject creates a lifecycle subject for a specific downstream server
func BuildDownstreamServerSubject(eventType, serverName string) string {
	return eventType + "." + serverName
}

// BuildAgentRegisteredSubject creates a registration subject for a specific codebase
func BuildAgentRegisteredSubject(codebaseID string) string {
	return AgentRegistered + "." + codebaseID
}

// BuildAgentRegisteredWildcardSubject creates a wildcard subscription for all agent registrations
func BuildAgentRegisteredWildcardSubject() string {
	return AgentRegistered + ".*"
}

// BuildAgentHeartbeatSubject creates a heartbeat subject for a specific agent
func BuildAgentHeartbeatSubject(agentID string) string {
	return AgentHeartbeat + "." + agentID
}

// BuildAgentHeartbeatWildcardSubject creates a wildcard subscription for all agent heartbeats
func BuildAgentHeartbeatWildcardSubject() string {
	return AgentHeartbeat + ".*"
}

// BuildAgentTaskAddedSubject creates an inbox-delivery subject for a specific agent
func BuildAgentTaskAddedSubject(agentID string) string {
	return AgentTaskAdded + "." + agentID
}

// BuildAgentTaskAddedWildcardSubject creates a wildcard subscription for all inbox deliveries
func BuildAgentTaskAddedWildcardSubject() string {
	return AgentTaskAdded + ".*"
}

// BuildTaskQueuedSubject creates a queued-task subject for a specific codebase
func BuildTaskQueuedSubject(codebaseID string) string {
	return TaskQueued + "." + codebaseID
}

// BuildTaskQueuedWildcardSubject creates a wildcard subscription for all queued tasks
func BuildTaskQueuedWildcardSubject() string {
	return TaskQueued + ".*"
}

// BuildTaskAssignedSubject creates an assignment subject for a specific codebase
func BuildTaskAssignedSubject(codebaseID string) string {
	return TaskAssigned + "." + codebaseID
}

// BuildTaskAssignedWildcardSubject creates a wildcard subscription for all task assignments
func BuildTaskAssignedWildcardSubject() string {
	return TaskAssigned + ".*"
}

// BuildTaskBlockedSubject creates a blocked-task subject for a specific codebase
func BuildTaskBlockedSubject(codebaseID string) string {
	return TaskBlocked + "." + codebaseID
}

// BuildTaskBlockedWildcardSubject creates a wildcard subscription for all blocked tasks
func BuildTaskBlockedWildcardSubject() string {
	return TaskBlocked + ".*"
}

// BuildAllSubjectsWildcard creates a subscription covering every broker event
func BuildAllSubjectsWildcard() string {
	return ">"
}
