package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/coordination/models"
	"github.com/agenthive/agenthive/internal/events"
)

// GetNextTask pops the next task from an agent's inbox and starts it. File
// locks are taken here; a task whose files became locked while it waited is
// blocked, returned to the global pending queue at the head of its priority
// class, and the next inbox task is tried. Returns (nil, nil) when the inbox
// is empty.
func (r *Registry) GetNextTask(ctx context.Context, agentID string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	ib := r.inboxes[agentID]

	for {
		task, started := ib.GetNextTask(ctx)
		if task == nil {
			return nil, nil
		}
		if !started {
			// an in-progress task is already underway; hand it back
			return task, nil
		}

		conflicts := r.lockConflictsLocked(task)
		if len(conflicts) == 0 {
			r.acquireLocksLocked(task)
			agent.Status = models.AgentStatusBusy
			agent.CurrentTaskID = task.ID
			r.publish(ctx, events.TaskStarted, events.TaskStarted, map[string]interface{}{
				"task_id":     task.ID,
				"agent_id":    agentID,
				"title":       task.Title,
				"codebase_id": task.CodebaseID,
			})
			return task, nil
		}

		// files were locked between delivery and pickup; push the task
		// back to the global queue and try the next one
		ib.TakeInProgress()
		blockTask(task, conflicts)
		task.AgentID = ""
		if err := r.pending.PushFront(task); err != nil {
			r.logger.Error("failed to park conflicted task",
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
}

// CompleteTask finishes an agent's in-progress task, releases its file
// locks, and sweeps the pending queue. The sweep runs while the completing
// agent is still marked busy so freed work flows to other agents first; the
// agent turns idle afterwards and picks up anything left on the next cycle.
func (r *Registry) CompleteTask(ctx context.Context, agentID string) (*models.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	ib := r.inboxes[agentID]

	task, err := ib.CompleteCurrentTask(ctx)
	if err != nil {
		return nil, err
	}

	r.releaseLocksLocked(task.ID)
	r.codebases.RemoveActiveTask(task.CodebaseID, task.ID)

	r.publish(ctx, events.TaskCompleted, events.TaskCompleted, map[string]interface{}{
		"task_id":     task.ID,
		"agent_id":    agentID,
		"title":       task.Title,
		"codebase_id": task.CodebaseID,
	})

	r.sweepLocked(ctx)

	agent.Status = models.AgentStatusIdle
	agent.CurrentTaskID = ""

	return task, nil
}

// TaskSpec describes one task in a register_task_set batch.
type TaskSpec struct {
	Title       string
	Description string
	Priority    string
	FilePaths   []string
	Metadata    map[string]interface{}
}

// RegisterTaskSet queues a batch of tasks onto one agent's inbox. The batch
// is validated up front so either every task is created or none is.
func (r *Registry) RegisterTaskSet(ctx context.Context, agentID string, specs []TaskSpec) ([]*models.Task, error) {
	if len(specs) == 0 {
		return nil, errors.New("task set is empty")
	}
	for i, spec := range specs {
		if strings.TrimSpace(spec.Title) == "" {
			return nil, fmt.Errorf("task %d has no title", i)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	ib := r.inboxes[agentID]

	tasks := make([]*models.Task, 0, len(specs))
	for _, spec := range specs {
		task := models.NewTask(spec.Title, spec.Description, models.ParsePriority(spec.Priority), agent.CodebaseID)
		task.FilePaths = spec.FilePaths
		task.Metadata = spec.Metadata
		task.AgentID = agentID

		r.tasks[task.ID] = task
		r.codebases.AddActiveTask(ctx, task.CodebaseID, task.ID)
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
		tasks = append(tasks, task)
	}

	r.logger.Info("task set registered",
		zap.String("agent_id", agentID),
		zap.Int("count", len(tasks)))
	return tasks, nil
}

// CrossCodebaseResult reports the task graph built for a cross-codebase
// change: one main task on the primary codebase plus a dependent task per
// affected codebase, each routed independently.
type CrossCodebaseResult struct {
	MainTask       *models.Task
	DependentTasks []*models.Task
	Strategy       models.CoordinationStrategy
	Assignments    map[string]*AssignResult
}

// CreateCrossCodebaseTask builds the main/dependent task graph for a change
// spanning several codebases. The strategy is recorded on the tasks for
// agents to honor; the broker does not sequence the work itself.
func (r *Registry) CreateCrossCodebaseTask(ctx context.Context, title, description, primaryCodebaseID string, affected []string, strategy string) (*CrossCodebaseResult, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errors.New("task title is required")
	}
	if strings.TrimSpace(primaryCodebaseID) == "" {
		return nil, errors.New("primary codebase is required")
	}

	strat := models.ParseStrategy(strategy)
	primary := r.codebases.Ensure(ctx, primaryCodebaseID)

	// resolve affected codebases up front, dropping duplicates and the
	// primary itself
	seen := map[string]bool{primary.ID: true}
	targets := make([]string, 0, len(affected))
	for _, id := range affected {
		cb := r.codebases.Ensure(ctx, id)
		if seen[cb.ID] {
			continue
		}
		seen[cb.ID] = true
		targets = append(targets, cb.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	main := models.NewTask(title, description, models.PriorityNormal, primary.ID)
	main.Metadata = map[string]interface{}{
		"cross_codebase":        true,
		"coordination_strategy": string(strat),
		"affected_codebases":    targets,
		"role":                  "main",
	}
	r.tasks[main.ID] = main
	r.codebases.AddActiveTask(ctx, primary.ID, main.ID)

	dependents := make([]*models.Task, 0, len(targets))
	refs := make([]models.CrossCodebaseTaskRef, 0, len(targets))
	for _, target := range targets {
		dep := models.NewTask(
			fmt.Sprintf("%s (%s)", title, target),
			description,
			models.PriorityNormal,
			target,
		)
		dep.CrossCodebaseDependencies = []models.CrossCodebaseTaskRef{
			{CodebaseID: primary.ID, TaskID: main.ID},
		}
		dep.Metadata = map[string]interface{}{
			"cross_codebase":        true,
			"coordination_strategy": string(strat),
			"role":                  "dependent",
			"main_task_id":          main.ID,
		}
		r.tasks[dep.ID] = dep
		r.codebases.AddActiveTask(ctx, target, dep.ID)
		refs = append(refs, models.CrossCodebaseTaskRef{CodebaseID: target, TaskID: dep.ID})
		dependents = append(dependents, dep)
	}
	main.CrossCodebaseDependencies = refs
	r.crossTasks[main.ID] = refs

	assignments := make(map[string]*AssignResult, len(dependents)+1)
	route := func(task *models.Task) {
		res := r.assignLocked(ctx, task, true)
		if res.Status == AssignStatusNoAgents {
			if err := r.addToPendingLocked(ctx, task); err != nil {
				r.logger.Error("failed to queue cross-codebase task",
					zap.String("task_id", task.ID),
					zap.Error(err))
			}
		}
		assignments[task.ID] = res
	}
	route(main)
	for _, dep := range dependents {
		route(dep)
	}

	depIDs := make([]string, len(dependents))
	for i, dep := range dependents {
		depIDs[i] = dep.ID
	}
	r.publish(ctx, events.CrossCodebaseTaskCreated, events.CrossCodebaseTaskCreated, map[string]interface{}{
		"main_task_id":       main.ID,
		"primary_codebase":   primary.ID,
		"affected_codebases": targets,
		"strategy":           string(strat),
		"dependent_task_ids": depIDs,
	})
	r.logger.Info("cross-codebase task created",
		zap.String("main_task_id", main.ID),
		zap.String("primary_codebase", primary.ID),
		zap.Strings("affected", targets),
		zap.String("strategy", string(strat)))

	return &CrossCodebaseResult{
		MainTask:       main,
		DependentTasks: dependents,
		Strategy:       strat,
		Assignments:    assignments,
	}, nil
}
