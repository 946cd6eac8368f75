package registry

import (
	"fmt"
	"time"

	"github.com/agenthive/agenthive/internal/coordination/models"
)

// TaskBoard returns the coordination snapshot used by dashboards and the
// get_task_board tool: every agent with its derived status and load, the
// globally pending tasks, and summary counters. codebaseID narrows the view
// when non-empty.
func (r *Registry) TaskBoard(codebaseID string) map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.taskBoardLocked(codebaseID)
}

func (r *Registry) taskBoardLocked(codebaseID string) map[string]interface{} {
	now := time.Now().UTC()

	agents := make([]map[string]interface{}, 0, len(r.agentOrder))
	var idle, busy, offline int
	for _, id := range r.agentOrder {
		agent := r.agents[id]
		if codebaseID != "" && agent.CodebaseID != codebaseID {
			continue
		}
		status := agent.EffectiveStatus(now, r.config.OfflineThreshold)
		switch status {
		case models.AgentStatusIdle:
			idle++
		case models.AgentStatusBusy:
			busy++
		case models.AgentStatusOffline:
			offline++
		}

		entry := map[string]interface{}{
			"id":          agent.ID,
			"name":        agent.Name,
			"status":      string(status),
			"codebase_id": agent.CodebaseID,
		}
		if agent.CurrentActivity != "" {
			entry["current_activity"] = agent.CurrentActivity
		}
		if ib := r.inboxes[id]; ib != nil {
			entry["pending_count"] = ib.PendingCount()
		}
		if agent.CurrentTaskID != "" {
			if task, ok := r.tasks[agent.CurrentTaskID]; ok {
				entry["current_task"] = map[string]interface{}{
					"id":    task.ID,
					"title": task.Title,
				}
			}
		}
		agents = append(agents, entry)
	}

	pendingTasks := make([]map[string]interface{}, 0)
	for _, task := range r.pending.List() {
		if codebaseID != "" && task.CodebaseID != codebaseID {
			continue
		}
		pendingTasks = append(pendingTasks, taskSummary(task))
	}

	counts := r.taskCountsLocked(codebaseID)

	return map[string]interface{}{
		"agents":        agents,
		"pending_tasks": pendingTasks,
		"summary": map[string]interface{}{
			"agents_total":      len(agents),
			"agents_idle":       idle,
			"agents_busy":       busy,
			"agents_offline":    offline,
			"tasks_pending":     counts[models.TaskStatusPending],
			"tasks_blocked":     counts[models.TaskStatusBlocked],
			"tasks_in_progress": counts[models.TaskStatusInProgress],
			"tasks_completed":   counts[models.TaskStatusCompleted],
		},
		"generated_at": now,
	}
}

// DetailedTaskBoard extends TaskBoard with per-agent inbox contents, the
// file lock table, and the blocked tasks. includeTaskDetails switches the
// inbox view between full task listings and counts.
func (r *Registry) DetailedTaskBoard(codebaseID string, includeTaskDetails bool) map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	board := r.taskBoardLocked(codebaseID)

	inboxes := make(map[string]interface{}, len(r.agentOrder))
	for _, id := range r.agentOrder {
		agent := r.agents[id]
		if codebaseID != "" && agent.CodebaseID != codebaseID {
			continue
		}
		ib := r.inboxes[id]
		if ib == nil {
			continue
		}
		if includeTaskDetails {
			inboxes[id] = ib.ListTasks()
		} else {
			inboxes[id] = ib.GetStatus()
		}
	}
	board["inboxes"] = inboxes

	locks := make([]map[string]interface{}, 0, len(r.fileLocks))
	for key, taskID := range r.fileLocks {
		if codebaseID != "" && key.codebaseID != codebaseID {
			continue
		}
		locks = append(locks, map[string]interface{}{
			"codebase_id": key.codebaseID,
			"path":        key.path,
			"task_id":     taskID,
		})
	}
	board["file_locks"] = locks

	blocked := make([]map[string]interface{}, 0)
	for _, task := range r.tasks {
		if task.Status != models.TaskStatusBlocked {
			continue
		}
		if codebaseID != "" && task.CodebaseID != codebaseID {
			continue
		}
		blocked = append(blocked, taskSummary(task))
	}
	board["blocked_tasks"] = blocked

	return board
}

// AgentTaskHistory returns one agent's task view: the in-progress task,
// the planned inbox backlog, the completed ring, and the activity history.
// limit caps the completed list when positive.
func (r *Registry) AgentTaskHistory(agentID string, includePlanned, includeCompleted bool, limit int) (map[string]interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	ib := r.inboxes[agentID]

	result := map[string]interface{}{
		"agent_id":   agent.ID,
		"agent_name": agent.Name,
	}

	if current := ib.CurrentTask(); current != nil {
		result["in_progress"] = current.ToAPI()
	}

	if includePlanned {
		planned := ib.PendingTasks()
		plannedAPI := make([]map[string]interface{}, len(planned))
		for i, t := range planned {
			plannedAPI[i] = t.ToAPI()
		}
		result["planned"] = plannedAPI
	}

	if includeCompleted {
		completed := ib.CompletedTasks()
		if limit > 0 && len(completed) > limit {
			completed = completed[:limit]
		}
		completedAPI := make([]map[string]interface{}, len(completed))
		for i, t := range completed {
			completedAPI[i] = t.ToAPI()
		}
		result["completed"] = completedAPI
	}

	history := make([]map[string]interface{}, len(agent.ActivityHistory))
	for i, e := range agent.ActivityHistory {
		history[i] = map[string]interface{}{
			"activity":  e.Activity,
			"files":     e.Files,
			"timestamp": e.Timestamp,
		}
	}
	result["activity_history"] = history

	return result, nil
}

// taskCountsLocked tallies known tasks by status, optionally scoped to a
// codebase.
func (r *Registry) taskCountsLocked(codebaseID string) map[models.TaskStatus]int {
	counts := make(map[models.TaskStatus]int)
	for _, task := range r.tasks {
		if codebaseID != "" && task.CodebaseID != codebaseID {
			continue
		}
		counts[task.Status]++
	}
	return counts
}

func taskSummary(task *models.Task) map[string]interface{} {
	entry := map[string]interface{}{
		"id":          task.ID,
		"title":       task.Title,
		"priority":    string(task.Priority),
		"status":      string(task.Status),
		"codebase_id": task.CodebaseID,
	}
	if task.Metadata != nil {
		if reason, ok := task.Metadata["block_reason"].(string); ok {
			entry["block_reason"] = reason
		}
	}
	return entry
}
