package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/maputil"
	"github.com/agenthive/agenthive/internal/coordination/models"
	"github.com/agenthive/agenthive/internal/coordination/registry"
)

// register adds one native tool to the table. Registration order is the
// order tools/list advertises.
func (d *Dispatcher) register(tool mcp.Tool, handler nativeHandler) {
	d.tools = append(d.tools, tool)
	d.handlers[tool.Name] = handler
}

func (d *Dispatcher) registerNativeTools() {
	// Agent lifecycle
	d.register(
		mcp.NewTool("register_agent",
			mcp.WithDescription("Register an AI agent with the coordinator. Returns the agent_id every other tool call requires."),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Unique display name for the agent"),
			),
			mcp.WithArray("capabilities",
				mcp.Required(),
				mcp.Description("Capability tags used for task matching, e.g. [\"coding\", \"testing\"]"),
			),
			mcp.WithString("codebase_id",
				mcp.Description("Codebase the agent works on; derived from workspace_path when omitted"),
			),
			mcp.WithString("workspace_path",
				mcp.Description("Absolute path of the agent's checkout, used to identify its codebase"),
			),
			mcp.WithBoolean("cross_codebase_capable",
				mcp.Description("Whether the agent may take tasks outside its own codebase"),
			),
			mcp.WithObject("metadata",
				mcp.Description("Arbitrary agent metadata"),
			),
		),
		d.handleRegisterAgent,
	)

	d.register(
		mcp.NewTool("unregister_agent",
			mcp.WithDescription("Remove an agent from the coordinator. A busy agent is refused unless force is set, in which case its in-progress task is requeued."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
			mcp.WithString("reason",
				mcp.Description("Why the agent is leaving"),
			),
			mcp.WithBoolean("force",
				mcp.Description("Unregister even while busy, requeueing the in-progress task"),
			),
		),
		d.handleUnregisterAgent,
	)

	d.register(
		mcp.NewTool("heartbeat",
			mcp.WithDescription("Report that an agent is still alive. Agents silent for 30 seconds are treated as offline."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
		),
		d.handleHeartbeat,
	)

	// Codebases
	d.register(
		mcp.NewTool("register_codebase",
			mcp.WithDescription("Register a codebase so agents and tasks can be scoped to it."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Human-readable codebase name"),
			),
			mcp.WithString("workspace_path",
				mcp.Required(),
				mcp.Description("Absolute path of a checkout, used to derive the canonical id"),
			),
			mcp.WithString("id",
				mcp.Description("Explicit codebase id overriding the derived one"),
			),
			mcp.WithString("description",
				mcp.Description("Free-form description stored in the codebase metadata"),
			),
			mcp.WithObject("metadata",
				mcp.Description("Arbitrary codebase metadata"),
			),
		),
		d.handleRegisterCodebase,
	)

	d.register(
		mcp.NewTool("list_codebases",
			mcp.WithDescription("List every registered codebase with its agents and active tasks."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
		),
		d.handleListCodebases,
	)

	d.register(
		mcp.NewTool("get_codebase_status",
			mcp.WithDescription("Get one codebase's agents, active tasks, and dependency edges."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
			mcp.WithString("codebase_id",
				mcp.Required(),
				mcp.Description("Codebase to inspect"),
			),
		),
		d.handleCodebaseStatus,
	)

	d.register(
		mcp.NewTool("add_codebase_dependency",
			mcp.WithDescription("Record a dependency edge between two registered codebases."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
			mcp.WithString("source",
				mcp.Required(),
				mcp.Description("Codebase that depends on the target"),
			),
			mcp.WithString("target",
				mcp.Required(),
				mcp.Description("Codebase being depended on"),
			),
			mcp.WithString("type",
				mcp.Required(),
				mcp.Description("Edge type, e.g. depends_on, api_contract, shared_schema"),
			),
			mcp.WithObject("metadata",
				mcp.Description("Arbitrary edge metadata"),
			),
		),
		d.handleAddCodebaseDependency,
	)

	d.register(
		mcp.NewTool("discover_codebase_info",
			mcp.WithDescription("Identify the canonical codebase for a workspace path without registering it."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
			mcp.WithString("workspace_path",
				mcp.Required(),
				mcp.Description("Absolute path of the checkout to identify"),
			),
			mcp.WithString("custom_id",
				mcp.Description("Explicit id to use instead of deriving one"),
			),
		),
		d.handleDiscoverCodebaseInfo,
	)

	// Tasks
	d.register(
		mcp.NewTool("create_task",
			mcp.WithDescription("Create a task and assign it to the best available agent, or queue it when none fits or its files are locked."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("Short task title"),
			),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("What the task is about"),
			),
			mcp.WithString("priority",
				mcp.Description("urgent, high, normal, or low (default normal)"),
			),
			mcp.WithString("codebase_id",
				mcp.Description("Codebase the task belongs to (default is the caller's)"),
			),
			mcp.WithArray("file_paths",
				mcp.Description("Files the task will touch; used for conflict avoidance"),
			),
			mcp.WithArray("required_capabilities",
				mcp.Description("Capabilities an agent must have to take this task"),
			),
			mcp.WithArray("dependencies",
				mcp.Description("Task ids this task depends on"),
			),
			mcp.WithArray("cross_codebase_dependencies",
				mcp.Description("Refs {codebase_id, task_id} linking this task to work in other codebases"),
			),
			mcp.WithObject("metadata",
				mcp.Description("Arbitrary task metadata"),
			),
		),
		d.handleCreateTask,
	)

	d.register(
		mcp.NewTool("create_agent_task",
			mcp.WithDescription("Create a task delivered directly into one agent's inbox, skipping agent selection."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Agent to deliver the task to"),
			),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("Short task title"),
			),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("What the task is about"),
			),
			mcp.WithString("priority",
				mcp.Description("urgent, high, normal, or low (default normal)"),
			),
			mcp.WithString("codebase_id",
				mcp.Description("Codebase the task belongs to"),
			),
			mcp.WithArray("file_paths",
				mcp.Description("Files the task will touch"),
			),
			mcp.WithObject("metadata",
				mcp.Description("Arbitrary task metadata"),
			),
		),
		d.handleCreateAgentTask,
	)

	d.register(
		mcp.NewTool("create_cross_codebase_task",
			mcp.WithDescription("Create a main task plus one dependent task per affected codebase for a change spanning several repositories."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
			mcp.WithString("title",
				mcp.Required(),
				mcp.Description("Short task title"),
			),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("What the change is about"),
			),
			mcp.WithString("primary_codebase_id",
				mcp.Required(),
				mcp.Description("Codebase that owns the main task"),
			),
			mcp.WithArray("affected_codebases",
				mcp.Required(),
				mcp.Description("Other codebases that need a dependent task"),
			),
			mcp.WithString("coordination_strategy",
				mcp.Description("sequential, parallel, or leader_follower (default sequential)"),
			),
		),
		d.handleCreateCrossCodebaseTask,
	)

	d.register(
		mcp.NewTool("register_task_set",
			mcp.WithDescription("Queue a batch of planned tasks onto the calling agent's own inbox. The batch is applied atomically."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Agent whose inbox receives the batch"),
			),
			mcp.WithArray("task_set",
				mcp.Required(),
				mcp.Description("Task objects with title, description, and optional priority, file_paths, metadata"),
			),
		),
		d.handleRegisterTaskSet,
	)

	d.register(
		mcp.NewTool("get_next_task",
			mcp.WithDescription("Pop the highest-priority task from the calling agent's inbox and start working on it."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
		),
		d.handleGetNextTask,
	)

	d.register(
		mcp.NewTool("complete_task",
			mcp.WithDescription("Mark the calling agent's in-progress task as completed and release its file locks."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
		),
		d.handleCompleteTask,
	)

	// Boards
	d.register(
		mcp.NewTool("get_task_board",
			mcp.WithDescription("Summarize agents, pending tasks, and task counts, optionally scoped to one codebase."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
			mcp.WithString("codebase_id",
				mcp.Description("Limit the board to one codebase"),
			),
		),
		d.handleTaskBoard,
	)

	d.register(
		mcp.NewTool("get_detailed_task_board",
			mcp.WithDescription("Task board plus per-agent inboxes, file locks, and blocked tasks."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("ID of the registered agent making this call"),
			),
			mcp.WithString("codebase_id",
				mcp.Description("Limit the board to one codebase"),
			),
			mcp.WithBoolean("include_task_details",
				mcp.Description("Include full task objects instead of ids"),
			),
		),
		d.handleDetailedTaskBoard,
	)

	d.register(
		mcp.NewTool("get_agent_task_history",
			mcp.WithDescription("One agent's in-progress task, planned backlog, completed tasks, and recent activity."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Agent whose history to return"),
			),
			mcp.WithBoolean("include_planned",
				mcp.Description("Include the pending inbox backlog (default true)"),
			),
			mcp.WithBoolean("include_completed",
				mcp.Description("Include completed tasks (default true)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Cap the completed list when positive"),
			),
		),
		d.handleAgentTaskHistory,
	)

	d.logger.Info("registered native coordination tools", zap.Int("count", len(d.tools)))
}

func (d *Dispatcher) handleRegisterAgent(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	res, err := d.registry.RegisterAgent(ctx,
		maputil.GetString(args, "name"),
		maputil.GetStringSlice(args, "capabilities"),
		registry.AgentOptions{
			CodebaseID:           maputil.GetString(args, "codebase_id"),
			WorkspacePath:        maputil.GetString(args, "workspace_path"),
			CrossCodebaseCapable: boolArg(args, "cross_codebase_capable", false),
			Metadata:             maputil.GetMap(args, "metadata"),
		})
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{
		"agent_id":    res.Agent.ID,
		"agent_name":  res.Agent.Name,
		"codebase_id": res.Agent.CodebaseID,
		"status":      "registered",
	}
	if res.Session != nil {
		out["session_token"] = res.Session.Token
		out["expires_at"] = res.Session.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return out, nil
}

func (d *Dispatcher) handleUnregisterAgent(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	reason := maputil.GetString(args, "reason")
	res, err := d.registry.Unregister(ctx,
		maputil.GetString(args, "agent_id"),
		reason,
		boolArg(args, "force", false))
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{
		"status":     "agent_unregistered",
		"agent_id":   res.AgentID,
		"agent_name": res.Name,
	}
	if reason != "" {
		out["reason"] = reason
	}
	if res.RequeuedTaskID != "" {
		out["requeued_task_id"] = res.RequeuedTaskID
	}
	if res.RequeuedCount > 0 {
		out["requeued_pending"] = res.RequeuedCount
	}
	return out, nil
}

func (d *Dispatcher) handleHeartbeat(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	agentID := maputil.GetString(args, "agent_id")
	if err := d.registry.Heartbeat(ctx, agentID); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":    "heartbeat_received",
		"agent_id":  agentID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (d *Dispatcher) handleRegisterCodebase(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	metadata := maputil.GetMap(args, "metadata")
	if description := maputil.GetString(args, "description"); description != "" {
		if metadata == nil {
			metadata = make(map[string]interface{})
		}
		metadata["description"] = description
	}

	cb, err := d.codebases.Register(ctx,
		maputil.GetString(args, "name"),
		maputil.GetString(args, "workspace_path"),
		maputil.GetString(args, "id"),
		metadata)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "codebase_registered",
		"codebase_id": cb.ID,
		"codebase":    cb.ToAPI(),
	}, nil
}

func (d *Dispatcher) handleListCodebases(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	list := d.codebases.List()
	api := make([]map[string]interface{}, len(list))
	for i, cb := range list {
		api[i] = cb.ToAPI()
	}
	return map[string]interface{}{
		"codebases": api,
		"count":     len(api),
	}, nil
}

func (d *Dispatcher) handleCodebaseStatus(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return d.codebases.Status(maputil.GetString(args, "codebase_id"))
}

func (d *Dispatcher) handleAddCodebaseDependency(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	depType := maputil.GetString(args, "type")
	if depType == "" {
		return nil, errors.New("dependency type is required")
	}
	dep, err := d.codebases.AddDependency(ctx,
		maputil.GetString(args, "source"),
		maputil.GetString(args, "target"),
		depType,
		maputil.GetMap(args, "metadata"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":     "dependency_added",
		"dependency": dep.ToAPI(),
	}, nil
}

func (d *Dispatcher) handleDiscoverCodebaseInfo(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	workspacePath := maputil.GetString(args, "workspace_path")
	if workspacePath == "" {
		return nil, errors.New("workspace_path is required")
	}
	return d.identifier.Identify(ctx, workspacePath, maputil.GetString(args, "custom_id")), nil
}

func (d *Dispatcher) handleCreateTask(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	res, err := d.registry.CreateTask(ctx,
		maputil.GetString(args, "title"),
		maputil.GetString(args, "description"),
		registry.TaskOptions{
			Priority:                  maputil.GetString(args, "priority"),
			CodebaseID:                maputil.GetString(args, "codebase_id"),
			FilePaths:                 maputil.GetStringSlice(args, "file_paths"),
			Dependencies:              maputil.GetStringSlice(args, "dependencies"),
			RequiredCapabilities:      maputil.GetStringSlice(args, "required_capabilities"),
			CrossCodebaseDependencies: crossRefs(args, "cross_codebase_dependencies"),
			Metadata:                  maputil.GetMap(args, "metadata"),
		})
	if err != nil {
		return nil, err
	}
	return createTaskAPI(res), nil
}

func (d *Dispatcher) handleCreateAgentTask(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	res, err := d.registry.CreateTask(ctx,
		maputil.GetString(args, "title"),
		maputil.GetString(args, "description"),
		registry.TaskOptions{
			AgentID:    maputil.GetString(args, "agent_id"),
			Priority:   maputil.GetString(args, "priority"),
			CodebaseID: maputil.GetString(args, "codebase_id"),
			FilePaths:  maputil.GetStringSlice(args, "file_paths"),
			Metadata:   maputil.GetMap(args, "metadata"),
		})
	if err != nil {
		return nil, err
	}
	return createTaskAPI(res), nil
}

func (d *Dispatcher) handleCreateCrossCodebaseTask(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	res, err := d.registry.CreateCrossCodebaseTask(ctx,
		maputil.GetString(args, "title"),
		maputil.GetString(args, "description"),
		maputil.GetString(args, "primary_codebase_id"),
		maputil.GetStringSlice(args, "affected_codebases"),
		maputil.GetString(args, "coordination_strategy"))
	if err != nil {
		return nil, err
	}

	dependents := make([]map[string]interface{}, len(res.DependentTasks))
	for i, task := range res.DependentTasks {
		dependents[i] = map[string]interface{}{
			"task_id":     task.ID,
			"codebase_id": task.CodebaseID,
		}
	}
	assignments := make(map[string]interface{}, len(res.Assignments))
	for taskID, assign := range res.Assignments {
		assignments[taskID] = assignAPI(assign)
	}

	return map[string]interface{}{
		"status":                "cross_codebase_task_created",
		"main_task_id":          res.MainTask.ID,
		"primary_codebase_id":   res.MainTask.CodebaseID,
		"coordination_strategy": string(res.Strategy),
		"dependent_tasks":       dependents,
		"assignments":           assignments,
	}, nil
}

func (d *Dispatcher) handleRegisterTaskSet(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	entries := maputil.GetSlice(args, "task_set")
	if len(entries) == 0 {
		return nil, errors.New("task_set is required")
	}
	specs := make([]registry.TaskSpec, 0, len(entries))
	for _, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			return nil, errors.New("task_set entries must be objects")
		}
		specs = append(specs, registry.TaskSpec{
			Title:       maputil.GetString(m, "title"),
			Description: maputil.GetString(m, "description"),
			Priority:    maputil.GetString(m, "priority"),
			FilePaths:   maputil.GetStringSlice(m, "file_paths"),
			Metadata:    maputil.GetMap(m, "metadata"),
		})
	}

	agentID := maputil.GetString(args, "agent_id")
	tasks, err := d.registry.RegisterTaskSet(ctx, agentID, specs)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(tasks))
	for i, task := range tasks {
		ids[i] = task.ID
	}
	return map[string]interface{}{
		"status":   "task_set_registered",
		"agent_id": agentID,
		"task_ids": ids,
		"count":    len(ids),
	}, nil
}

func (d *Dispatcher) handleGetNextTask(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	task, err := d.registry.GetNextTask(ctx, maputil.GetString(args, "agent_id"))
	if err != nil {
		return nil, err
	}
	if task == nil {
		return map[string]interface{}{"message": "No tasks available"}, nil
	}
	return map[string]interface{}{
		"status":  "task_started",
		"task_id": task.ID,
		"task":    task.ToAPI(),
	}, nil
}

func (d *Dispatcher) handleCompleteTask(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	task, err := d.registry.CompleteTask(ctx, maputil.GetString(args, "agent_id"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":  "completed",
		"task_id": task.ID,
		"title":   task.Title,
	}, nil
}

func (d *Dispatcher) handleTaskBoard(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return d.registry.TaskBoard(maputil.GetString(args, "codebase_id")), nil
}

func (d *Dispatcher) handleDetailedTaskBoard(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return d.registry.DetailedTaskBoard(
		maputil.GetString(args, "codebase_id"),
		boolArg(args, "include_task_details", false)), nil
}

func (d *Dispatcher) handleAgentTaskHistory(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return d.registry.AgentTaskHistory(
		maputil.GetString(args, "agent_id"),
		boolArg(args, "include_planned", true),
		boolArg(args, "include_completed", true),
		maputil.GetInt(args, "limit"))
}

// createTaskAPI shapes a CreateTaskResult for the wire.
func createTaskAPI(res *registry.CreateTaskResult) map[string]interface{} {
	out := map[string]interface{}{
		"task_id":     res.Task.ID,
		"status":      res.Status,
		"codebase_id": res.Task.CodebaseID,
		"priority":    string(res.Task.Priority),
	}
	if res.AgentID != "" {
		out["assigned_to"] = res.AgentID
		out["agent_name"] = res.AgentName
	}
	if len(res.Conflicts) > 0 {
		out["file_conflicts"] = res.Conflicts
	}
	return out
}

// assignAPI shapes an AssignResult for the wire.
func assignAPI(res *registry.AssignResult) map[string]interface{} {
	out := map[string]interface{}{
		"status": string(res.Status),
	}
	if res.AgentID != "" {
		out["agent_id"] = res.AgentID
		out["agent_name"] = res.AgentName
	}
	if len(res.Conflicts) > 0 {
		out["file_conflicts"] = res.Conflicts
	}
	return out
}

// boolArg reads an optional boolean argument with a default.
func boolArg(args map[string]interface{}, key string, fallback bool) bool {
	if v, ok := args[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return fallback
}

// crossRefs parses a cross_codebase_dependencies argument.
func crossRefs(args map[string]interface{}, key string) []models.CrossCodebaseTaskRef {
	entries := maputil.GetSlice(args, key)
	if len(entries) == 0 {
		return nil
	}
	refs := make([]models.CrossCodebaseTaskRef, 0, len(entries))
	for _, entry := range entries {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		ref := models.CrossCodebaseTaskRef{
			CodebaseID: maputil.GetString(m, "codebase_id"),
			TaskID:     maputil.GetString(m, "task_id"),
		}
		if ref.CodebaseID == "" && ref.TaskID == "" {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}
