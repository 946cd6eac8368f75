package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/coordination/models"
	"github.com/agenthive/agenthive/internal/coordination/queue"
	"github.com/agenthive/agenthive/internal/events"
)

// AssignStatus is the outcome of an assignment attempt.
type AssignStatus string

const (
	AssignStatusAssigned      AssignStatus = "assigned"
	AssignStatusNoAgents      AssignStatus = "no_available_agents"
	AssignStatusFileConflicts AssignStatus = "file_conflicts"
)

// FileConflict names a path that is already locked and the task holding it.
type FileConflict struct {
	Path       string `json:"path"`
	HeldByTask string `json:"held_by_task"`
}

// AssignResult reports what AssignTask did with a task.
type AssignResult struct {
	Status    AssignStatus
	AgentID   string
	AgentName string
	Conflicts []FileConflict
}

// TaskOptions carries the optional fields accepted at task creation.
type TaskOptions struct {
	Priority                  string
	CodebaseID                string
	AgentID                   string // directed delivery, skips agent selection
	FilePaths                 []string
	Dependencies              []string
	RequiredCapabilities      []string
	CrossCodebaseDependencies []models.CrossCodebaseTaskRef
	Metadata                  map[string]interface{}
}

// CreateTaskResult reports where a created task ended up. Status is
// "assigned" or "queued"; a conflicted task is queued with the conflicts
// attached.
type CreateTaskResult struct {
	Task      *models.Task
	Status    string
	AgentID   string
	AgentName string
	Conflicts []FileConflict
}

// CreateTask builds a task and tries to hand it to an agent immediately.
// When no agent is available or the task's files are locked, it is queued.
// Every path retains the task; creation never loses one.
func (r *Registry) CreateTask(ctx context.Context, title, description string, opts TaskOptions) (*CreateTaskResult, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errors.New("task title is required")
	}
	cb := r.codebases.Ensure(ctx, opts.CodebaseID)

	task := models.NewTask(title, description, models.ParsePriority(opts.Priority), cb.ID)
	task.FilePaths = opts.FilePaths
	task.Dependencies = opts.Dependencies
	task.CrossCodebaseDependencies = opts.CrossCodebaseDependencies
	task.Metadata = opts.Metadata
	if len(opts.RequiredCapabilities) > 0 {
		if task.Metadata == nil {
			task.Metadata = make(map[string]interface{})
		}
		task.Metadata["required_capabilities"] = opts.RequiredCapabilities
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[task.ID] = task
	r.codebases.AddActiveTask(ctx, task.CodebaseID, task.ID)

	if opts.AgentID != "" {
		return r.deliverDirectedLocked(ctx, task, opts.AgentID)
	}

	res := r.assignLocked(ctx, task, true)
	switch res.Status {
	case AssignStatusAssigned:
		return &CreateTaskResult{
			Task:      task,
			Status:    "assigned",
			AgentID:   res.AgentID,
			AgentName: res.AgentName,
		}, nil
	case AssignStatusFileConflicts:
		// assignLocked already blocked the task and parked it at the head
		// of the pending queue
		return &CreateTaskResult{Task: task, Status: "queued", Conflicts: res.Conflicts}, nil
	default:
		if err := r.addToPendingLocked(ctx, task); err != nil {
			return nil, err
		}
		return &CreateTaskResult{Task: task, Status: "queued"}, nil
	}
}

// deliverDirectedLocked places a task straight into a named agent's inbox.
// The agent keeps its status; it picks the task up with get_next_task.
func (r *Registry) deliverDirectedLocked(ctx context.Context, task *models.Task, agentID string) (*CreateTaskResult, error) {
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	ib := r.inboxes[agentID]

	task.AgentID = agentID
	if err := ib.AddTask(ctx, task); err != nil {
		return nil, err
	}
	r.publish(ctx, events.BuildTaskAssignedSubject(task.CodebaseID), events.TaskAssigned, map[string]interface{}{
		"task_id":     task.ID,
		"agent_id":    agentID,
		"agent_name":  agent.Name,
		"title":       task.Title,
		"priority":    string(task.Priority),
		"codebase_id": task.CodebaseID,
		"directed":    true,
	})
	return &CreateTaskResult{
		Task:      task,
		Status:    "assigned",
		AgentID:   agentID,
		AgentName: agent.Name,
	}, nil
}

// AssignTask runs the assignment algorithm for a task the caller built.
// On file conflicts the task is blocked and parked at the head of the
// pending queue.
func (r *Registry) AssignTask(ctx context.Context, task *models.Task) *AssignResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[task.ID] = task
	return r.assignLocked(ctx, task, true)
}

// AddToPending pushes a task onto the global pending queue.
func (r *Registry) AddToPending(ctx context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return r.addToPendingLocked(ctx, task)
}

func (r *Registry) addToPendingLocked(ctx context.Context, task *models.Task) error {
	if err := r.pending.Push(task); err != nil {
		return err
	}
	r.publish(ctx, events.BuildTaskQueuedSubject(task.CodebaseID), events.TaskQueued, map[string]interface{}{
		"task_id":     task.ID,
		"title":       task.Title,
		"priority":    string(task.Priority),
		"codebase_id": task.CodebaseID,
	})
	return nil
}

// assignLocked filters, conflict-checks, and selects an agent for a task.
// When parkOnConflict is set a conflicted task is marked blocked, prepended
// to the pending queue, and announced; the sweep passes false because the
// task is already in its right place.
func (r *Registry) assignLocked(ctx context.Context, task *models.Task, parkOnConflict bool) *AssignResult {
	candidates := r.candidatesLocked(task)
	if len(candidates) == 0 {
		return &AssignResult{Status: AssignStatusNoAgents}
	}

	conflicts := r.lockConflictsLocked(task)
	if len(conflicts) > 0 {
		if parkOnConflict {
			blockTask(task, conflicts)
			if err := r.pending.PushFront(task); err != nil && !errors.Is(err, queue.ErrTaskExists) {
				r.logger.Error("failed to park blocked task",
					zap.String("task_id", task.ID),
					zap.Error(err))
			}
			r.publish(ctx, events.BuildTaskBlockedSubject(task.CodebaseID), events.TaskBlocked, map[string]interface{}{
				"task_id":     task.ID,
				"title":       task.Title,
				"codebase_id": task.CodebaseID,
				"conflicts":   conflictsPayload(conflicts),
			})
		}
		return &AssignResult{Status: AssignStatusFileConflicts, Conflicts: conflicts}
	}

	chosen := r.chooseLocked(task, candidates)
	ib := r.inboxes[chosen.ID]

	task.Status = models.TaskStatusPending
	task.AgentID = chosen.ID
	task.Touch()
	if err := ib.AddTask(ctx, task); err != nil {
		// the task already sits in this inbox; treat the claim as done
		r.logger.Warn("task already delivered to inbox",
			zap.String("task_id", task.ID),
			zap.String("agent_id", chosen.ID))
	}
	chosen.Status = models.AgentStatusBusy
	chosen.CurrentTaskID = task.ID

	r.publish(ctx, events.BuildTaskAssignedSubject(task.CodebaseID), events.TaskAssigned, map[string]interface{}{
		"task_id":     task.ID,
		"agent_id":    chosen.ID,
		"agent_name":  chosen.Name,
		"title":       task.Title,
		"priority":    string(task.Priority),
		"codebase_id": task.CodebaseID,
	})

	return &AssignResult{Status: AssignStatusAssigned, AgentID: chosen.ID, AgentName: chosen.Name}
}

// candidatesLocked returns the agents eligible for a task in registration
// order: matching codebase (or cross-codebase capable for cross-codebase
// work), idle, online, and holding every required capability.
func (r *Registry) candidatesLocked(task *models.Task) []*models.Agent {
	now := time.Now().UTC()
	required := task.RequiredCapabilities()
	cross := isCrossCodebase(task)

	var candidates []*models.Agent
	for _, id := range r.agentOrder {
		agent := r.agents[id]
		if agent.Status != models.AgentStatusIdle {
			continue
		}
		if !agent.Online(now, r.config.OfflineThreshold) {
			continue
		}
		if agent.CodebaseID != task.CodebaseID && !(cross && agent.CrossCodebaseCapable()) {
			continue
		}
		if !agent.HasCapabilities(required) {
			continue
		}
		candidates = append(candidates, agent)
	}
	return candidates
}

// chooseLocked picks the best candidate: same codebase first, then fewest
// pending inbox tasks. Registration order breaks remaining ties because the
// candidate list preserves it and only strictly better scores displace the
// current pick.
func (r *Registry) chooseLocked(task *models.Task, candidates []*models.Agent) *models.Agent {
	score := func(a *models.Agent) (int, int) {
		foreign := 1
		if a.CodebaseID == task.CodebaseID {
			foreign = 0
		}
		pending := 0
		if ib := r.inboxes[a.ID]; ib != nil {
			pending = ib.PendingCount()
		}
		return foreign, pending
	}

	best := candidates[0]
	bestForeign, bestPending := score(best)
	for _, a := range candidates[1:] {
		foreign, pending := score(a)
		if foreign < bestForeign || (foreign == bestForeign && pending < bestPending) {
			best, bestForeign, bestPending = a, foreign, pending
		}
	}
	return best
}

// sweepLocked retries assignment for every globally pending task. Tasks
// that still cannot run keep their relative order.
func (r *Registry) sweepLocked(ctx context.Context) {
	if r.pending.Len() == 0 {
		return
	}

	for _, task := range r.pending.Drain() {
		res := r.assignLocked(ctx, task, false)
		if res.Status == AssignStatusAssigned {
			r.logger.Debug("pending task assigned by sweep",
				zap.String("task_id", task.ID),
				zap.String("agent_id", res.AgentID))
			continue
		}
		if err := r.pending.Push(task); err != nil {
			r.logger.Error("failed to requeue pending task during sweep",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
	}
}

func (r *Registry) lockConflictsLocked(task *models.Task) []FileConflict {
	var conflicts []FileConflict
	for _, path := range task.FilePaths {
		if holder, ok := r.fileLocks[lockKey{task.CodebaseID, path}]; ok && holder != task.ID {
			conflicts = append(conflicts, FileConflict{Path: path, HeldByTask: holder})
		}
	}
	return conflicts
}

func (r *Registry) acquireLocksLocked(task *models.Task) {
	for _, path := range task.FilePaths {
		r.fileLocks[lockKey{task.CodebaseID, path}] = task.ID
	}
}

func (r *Registry) releaseLocksLocked(taskID string) {
	for key, holder := range r.fileLocks {
		if holder == taskID {
			delete(r.fileLocks, key)
		}
	}
}

// blockTask marks a task blocked and records the conflicting paths.
func blockTask(task *models.Task, conflicts []FileConflict) {
	paths := make([]string, len(conflicts))
	for i, c := range conflicts {
		paths[i] = c.Path
	}
	task.Status = models.TaskStatusBlocked
	if task.Metadata == nil {
		task.Metadata = make(map[string]interface{})
	}
	task.Metadata["block_reason"] = "file conflict on " + strings.Join(paths, ", ")
	task.Touch()
}

// isCrossCodebase reports whether a task participates in cross-codebase
// work and may therefore run on cross-codebase-capable agents elsewhere.
func isCrossCodebase(task *models.Task) bool {
	if len(task.CrossCodebaseDependencies) > 0 {
		return true
	}
	if task.Metadata == nil {
		return false
	}
	v, ok := task.Metadata["cross_codebase"].(bool)
	return ok && v
}

func conflictsPayload(conflicts []FileConflict) []map[string]interface{} {
	payload := make([]map[string]interface{}, len(conflicts))
	for i, c := range conflicts {
		payload[i] = map[string]interface{}{
			"path":         c.Path,
			"held_by_task": c.HeldByTask,
		}
	}
	return payload
}
