package registry

import (
	"context"
	"testing"

	"github.com/agenthive/agenthive/internal/coordination/models"
	"github.com/agenthive/agenthive/internal/events"
)

func TestCreateTaskAssignsToIdleAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res, _ := r.RegisterAgent(ctx, "alice", []string{"coding"}, AgentOptions{})

	created, err := r.CreateTask(ctx, "Fix bug", "Crash on startup", TaskOptions{Priority: "high"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if created.Status != "assigned" {
		t.Fatalf("expected assigned, got %s", created.Status)
	}
	if created.AgentID != res.Agent.ID || created.AgentName != "alice" {
		t.Errorf("expected assignment to alice, got %s/%s", created.AgentID, created.AgentName)
	}
	if res.Agent.Status != models.AgentStatusBusy {
		t.Errorf("expected agent claimed busy, got %s", res.Agent.Status)
	}
	if res.Agent.CurrentTaskID != created.Task.ID {
		t.Errorf("expected current task %s, got %s", created.Task.ID, res.Agent.CurrentTaskID)
	}

	task, err := r.GetNextTask(ctx, res.Agent.ID)
	if err != nil {
		t.Fatalf("GetNextTask failed: %v", err)
	}
	if task == nil || task.ID != created.Task.ID {
		t.Errorf("expected the assigned task in the inbox, got %v", task)
	}
	if task.Status != models.TaskStatusInProgress {
		t.Errorf("expected in_progress after pickup, got %s", task.Status)
	}
}

func TestCreateTaskQueuedWhenNoAgents(t *testing.T) {
	r, eventBus := newTestRegistry(t)
	ctx := context.Background()
	ch := captureEvents(t, eventBus, events.BuildTaskQueuedWildcardSubject())

	created, err := r.CreateTask(ctx, "Fix bug", "", TaskOptions{})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if created.Status != "queued" {
		t.Fatalf("expected queued, got %s", created.Status)
	}
	if r.PendingCount() != 1 {
		t.Errorf("expected 1 pending, got %d", r.PendingCount())
	}

	select {
	case e := <-ch:
		if e.Data["task_id"] != created.Task.ID {
			t.Errorf("expected queued event for %s, got %v", created.Task.ID, e.Data["task_id"])
		}
	default:
		t.Fatal("expected task.queued event")
	}
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, err := r.CreateTask(context.Background(), "  ", "", TaskOptions{}); err == nil {
		t.Error("expected error for empty title")
	}
}

func TestAssignmentFiltersByCapabilities(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.RegisterAgent(ctx, "alice", []string{"python"}, AgentOptions{})

	created, _ := r.CreateTask(ctx, "Port module", "", TaskOptions{
		RequiredCapabilities: []string{"coding"},
	})
	if created.Status != "queued" {
		t.Fatalf("expected queued without a capable agent, got %s", created.Status)
	}

	// A capable agent arriving sweeps the queue.
	res, _ := r.RegisterAgent(ctx, "bob", []string{"coding", "review"}, AgentOptions{})
	if created.Task.AgentID != res.Agent.ID {
		t.Errorf("expected bob to pick up the task, got %q", created.Task.AgentID)
	}
}

func TestAssignmentExcludesOtherCodebases(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.RegisterAgent(ctx, "alice", nil, AgentOptions{CodebaseID: "web"})

	created, _ := r.CreateTask(ctx, "Fix API", "", TaskOptions{CodebaseID: "api"})
	if created.Status != "queued" {
		t.Errorf("expected queued, agents in other codebases must not match, got %s", created.Status)
	}
}

func TestAssignmentCrossCodebaseCapable(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{
		CodebaseID:           "web",
		CrossCodebaseCapable: true,
	})

	created, _ := r.CreateTask(ctx, "Sync schemas", "", TaskOptions{
		CodebaseID: "api",
		Metadata:   map[string]interface{}{"cross_codebase": true},
	})
	if created.Status != "assigned" || created.AgentID != res.Agent.ID {
		t.Errorf("expected cross-codebase agent to take the task, got %s/%s", created.Status, created.AgentID)
	}
}

func TestAssignmentPrefersSameCodebase(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	// alice registers first but lives in another codebase.
	r.RegisterAgent(ctx, "alice", nil, AgentOptions{
		CodebaseID:           "web",
		CrossCodebaseCapable: true,
	})
	res, _ := r.RegisterAgent(ctx, "bob", nil, AgentOptions{CodebaseID: "api"})

	created, _ := r.CreateTask(ctx, "Sync schemas", "", TaskOptions{
		CodebaseID: "api",
		Metadata:   map[string]interface{}{"cross_codebase": true},
	})
	if created.AgentID != res.Agent.ID {
		t.Errorf("expected same-codebase bob preferred, got %s", created.AgentName)
	}
}

func TestAssignmentPrefersFewestPending(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	alice, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{})
	bob, _ := r.RegisterAgent(ctx, "bob", nil, AgentOptions{})

	// Load alice's inbox with directed work.
	for _, title := range []string{"One", "Two"} {
		if _, err := r.CreateTask(ctx, title, "", TaskOptions{AgentID: alice.Agent.ID}); err != nil {
			t.Fatalf("directed CreateTask failed: %v", err)
		}
	}

	created, _ := r.CreateTask(ctx, "Fresh work", "", TaskOptions{})
	if created.AgentID != bob.Agent.ID {
		t.Errorf("expected bob with the emptier inbox, got %s", created.AgentName)
	}
}

func TestAssignmentTieBreaksByRegistrationOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	alice, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{})
	r.RegisterAgent(ctx, "bob", nil, AgentOptions{})

	created, _ := r.CreateTask(ctx, "Fix bug", "", TaskOptions{})
	if created.AgentID != alice.Agent.ID {
		t.Errorf("expected first-registered alice on a tie, got %s", created.AgentName)
	}
}

func TestFileConflictQueuesThenSweepsToOtherAgent(t *testing.T) {
	r, eventBus := newTestRegistry(t)
	ctx := context.Background()
	blocked := captureEvents(t, eventBus, events.BuildTaskBlockedWildcardSubject())

	alice, _ := r.RegisterAgent(ctx, "alice", []string{"coding"}, AgentOptions{})
	bob, _ := r.RegisterAgent(ctx, "bob", []string{"coding"}, AgentOptions{})

	t1, _ := r.CreateTask(ctx, "T1", "", TaskOptions{FilePaths: []string{"lib/auth.ex"}})
	if t1.AgentID != alice.Agent.ID {
		t.Fatalf("expected T1 on alice, got %s", t1.AgentName)
	}
	if _, err := r.GetNextTask(ctx, alice.Agent.ID); err != nil {
		t.Fatalf("GetNextTask failed: %v", err)
	}

	// Same file while T1 holds the lock.
	t2, err := r.CreateTask(ctx, "T2", "", TaskOptions{FilePaths: []string{"lib/auth.ex"}})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if t2.Status != "queued" {
		t.Fatalf("expected T2 queued on conflict, got %s", t2.Status)
	}
	if len(t2.Conflicts) != 1 || t2.Conflicts[0].Path != "lib/auth.ex" || t2.Conflicts[0].HeldByTask != t1.Task.ID {
		t.Errorf("expected conflict on lib/auth.ex held by T1, got %v", t2.Conflicts)
	}
	if t2.Task.Status != models.TaskStatusBlocked {
		t.Errorf("expected T2 blocked, got %s", t2.Task.Status)
	}

	// T2 must not sit in bob's inbox while blocked.
	if task, _ := r.GetNextTask(ctx, bob.Agent.ID); task != nil {
		t.Errorf("expected bob's inbox empty, got %v", task.ID)
	}

	select {
	case e := <-blocked:
		if e.Data["task_id"] != t2.Task.ID {
			t.Errorf("expected blocked event for T2, got %v", e.Data["task_id"])
		}
	default:
		t.Fatal("expected task.blocked event")
	}

	// Completing T1 releases the lock; the sweep hands T2 to bob because
	// alice is still finishing up.
	if _, err := r.CompleteTask(ctx, alice.Agent.ID); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if t2.Task.AgentID != bob.Agent.ID {
		t.Errorf("expected sweep to assign T2 to bob, got %q", t2.Task.AgentID)
	}
	if alice.Agent.Status != models.AgentStatusIdle {
		t.Errorf("expected alice idle after completing, got %s", alice.Agent.Status)
	}
	if bob.Agent.Status != models.AgentStatusBusy {
		t.Errorf("expected bob claimed busy, got %s", bob.Agent.Status)
	}
}

func TestGetNextTaskParksLateConflict(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	alice, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{})
	bob, _ := r.RegisterAgent(ctx, "bob", nil, AgentOptions{})

	t1, _ := r.CreateTask(ctx, "T1", "", TaskOptions{FilePaths: []string{"db/schema.sql"}})
	if t1.AgentID != alice.Agent.ID {
		t.Fatalf("expected T1 on alice, got %s", t1.AgentName)
	}
	if _, err := r.GetNextTask(ctx, alice.Agent.ID); err != nil {
		t.Fatalf("GetNextTask failed: %v", err)
	}

	// Directed delivery bypasses the conflict check at creation.
	t2, _ := r.CreateTask(ctx, "T2", "", TaskOptions{
		AgentID:   bob.Agent.ID,
		FilePaths: []string{"db/schema.sql"},
	})

	// Pickup detects the lock and parks the task instead of starting it.
	task, err := r.GetNextTask(ctx, bob.Agent.ID)
	if err != nil {
		t.Fatalf("GetNextTask failed: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no startable task for bob, got %s", task.ID)
	}
	if t2.Task.Status != models.TaskStatusBlocked {
		t.Errorf("expected T2 blocked, got %s", t2.Task.Status)
	}
	if r.PendingCount() != 1 {
		t.Errorf("expected T2 parked in the pending queue, got %d", r.PendingCount())
	}

	// Completing T1 frees the path; bob is idle and takes T2 on the sweep.
	if _, err := r.CompleteTask(ctx, alice.Agent.ID); err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if t2.Task.AgentID != bob.Agent.ID {
		t.Errorf("expected T2 swept to bob, got %q", t2.Task.AgentID)
	}
	started, err := r.GetNextTask(ctx, bob.Agent.ID)
	if err != nil {
		t.Fatalf("GetNextTask failed: %v", err)
	}
	if started == nil || started.ID != t2.Task.ID {
		t.Errorf("expected bob to start T2, got %v", started)
	}
}

func TestSweepPreservesRelativeOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	// Queue three normal tasks with nobody to take them.
	var ids []string
	for _, title := range []string{"One", "Two", "Three"} {
		created, _ := r.CreateTask(ctx, title, "", TaskOptions{})
		ids = append(ids, created.Task.ID)
	}

	// One agent appears: the registration sweep assigns exactly the first
	// task and must keep the rest in order.
	res, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{})
	if r.PendingCount() != 2 {
		t.Fatalf("expected 2 still pending, got %d", r.PendingCount())
	}

	first, _ := r.GetNextTask(ctx, res.Agent.ID)
	if first == nil || first.ID != ids[0] {
		t.Fatalf("expected One assigned first, got %v", first)
	}

	remaining := r.pending.List()
	if remaining[0].ID != ids[1] || remaining[1].ID != ids[2] {
		t.Errorf("expected order Two, Three after sweep, got %s, %s", remaining[0].Title, remaining[1].Title)
	}
}

func TestCompleteTaskReleasesLocks(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{})
	created, _ := r.CreateTask(ctx, "T1", "", TaskOptions{FilePaths: []string{"a.go", "b.go"}})
	if _, err := r.GetNextTask(ctx, res.Agent.ID); err != nil {
		t.Fatalf("GetNextTask failed: %v", err)
	}

	r.mu.RLock()
	held := len(r.fileLocks)
	r.mu.RUnlock()
	if held != 2 {
		t.Fatalf("expected 2 locks held, got %d", held)
	}

	done, err := r.CompleteTask(ctx, res.Agent.ID)
	if err != nil {
		t.Fatalf("CompleteTask failed: %v", err)
	}
	if done.ID != created.Task.ID || done.Status != models.TaskStatusCompleted {
		t.Errorf("expected T1 completed, got %v", done)
	}

	r.mu.RLock()
	held = len(r.fileLocks)
	r.mu.RUnlock()
	if held != 0 {
		t.Errorf("expected locks released, %d still held", held)
	}
	if res.Agent.Status != models.AgentStatusIdle {
		t.Errorf("expected agent idle, got %s", res.Agent.Status)
	}
	if res.Agent.CurrentTaskID != "" {
		t.Errorf("expected current task cleared, got %q", res.Agent.CurrentTaskID)
	}
}

func TestCompleteTaskWithoutStart(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{})
	if _, err := r.CompleteTask(ctx, res.Agent.ID); err == nil {
		t.Error("expected error completing with nothing in progress")
	}
}

func TestGetNextTaskIdempotentWhileStarted(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{})
	r.CreateTask(ctx, "T1", "", TaskOptions{})

	first, _ := r.GetNextTask(ctx, res.Agent.ID)
	second, _ := r.GetNextTask(ctx, res.Agent.ID)
	if first == nil || second == nil || first.ID != second.ID {
		t.Errorf("expected repeated pickup to return the running task, got %v then %v", first, second)
	}
}

func TestRegisterTaskSet(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{})

	tasks, err := r.RegisterTaskSet(ctx, res.Agent.ID, []TaskSpec{
		{Title: "Plan", Priority: "high"},
		{Title: "Implement"},
		{Title: "Verify", Priority: "low"},
	})
	if err != nil {
		t.Fatalf("RegisterTaskSet failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.AgentID != res.Agent.ID {
			t.Errorf("expected task bound to alice, got %q", task.AgentID)
		}
	}
	// Queued work does not claim the agent.
	if res.Agent.Status != models.AgentStatusIdle {
		t.Errorf("expected alice still idle, got %s", res.Agent.Status)
	}

	// Priority ordering applies on pickup.
	first, _ := r.GetNextTask(ctx, res.Agent.ID)
	if first == nil || first.Title != "Plan" {
		t.Errorf("expected Plan first, got %v", first)
	}
}

func TestRegisterTaskSetValidatesUpFront(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{})

	_, err := r.RegisterTaskSet(ctx, res.Agent.ID, []TaskSpec{
		{Title: "Good"},
		{Title: "   "},
	})
	if err == nil {
		t.Fatal("expected error for unnamed task")
	}

	// Nothing from the bad batch may land in the inbox.
	if task, _ := r.GetNextTask(ctx, res.Agent.ID); task != nil {
		t.Errorf("expected empty inbox after rejected batch, got %v", task.ID)
	}

	if _, err := r.RegisterTaskSet(ctx, res.Agent.ID, nil); err == nil {
		t.Error("expected error for empty batch")
	}
}

func TestCreateCrossCodebaseTask(t *testing.T) {
	r, eventBus := newTestRegistry(t)
	ctx := context.Background()
	ch := captureEvents(t, eventBus, events.CrossCodebaseTaskCreated)

	alice, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{CodebaseID: "web"})
	bob, _ := r.RegisterAgent(ctx, "bob", nil, AgentOptions{CodebaseID: "api"})

	result, err := r.CreateCrossCodebaseTask(ctx, "Rename user field", "Coordinated rename",
		"web", []string{"api", "mobile", "api"}, "parallel")
	if err != nil {
		t.Fatalf("CreateCrossCodebaseTask failed: %v", err)
	}

	if result.Strategy != models.StrategyParallel {
		t.Errorf("expected parallel strategy, got %s", result.Strategy)
	}
	if len(result.DependentTasks) != 2 {
		t.Fatalf("expected 2 dependent tasks after dedupe, got %d", len(result.DependentTasks))
	}

	main := result.MainTask
	if main.CodebaseID != "web" {
		t.Errorf("expected main task on web, got %s", main.CodebaseID)
	}
	if len(main.CrossCodebaseDependencies) != 2 {
		t.Errorf("expected main task to reference both dependents, got %v", main.CrossCodebaseDependencies)
	}
	if main.AgentID != alice.Agent.ID {
		t.Errorf("expected main task on alice, got %q", main.AgentID)
	}

	for _, dep := range result.DependentTasks {
		if len(dep.CrossCodebaseDependencies) != 1 || dep.CrossCodebaseDependencies[0].TaskID != main.ID {
			t.Errorf("expected dependent to reference the main task, got %v", dep.CrossCodebaseDependencies)
		}
		if dep.Metadata["coordination_strategy"] != "parallel" {
			t.Errorf("expected strategy recorded, got %v", dep.Metadata["coordination_strategy"])
		}
		switch dep.CodebaseID {
		case "api":
			if dep.AgentID != bob.Agent.ID {
				t.Errorf("expected api dependent on bob, got %q", dep.AgentID)
			}
		case "mobile":
			if dep.AgentID != "" {
				t.Errorf("expected mobile dependent queued, got %q", dep.AgentID)
			}
		default:
			t.Errorf("unexpected dependent codebase %s", dep.CodebaseID)
		}
	}

	if r.PendingCount() != 1 {
		t.Errorf("expected the mobile dependent queued, got %d pending", r.PendingCount())
	}

	select {
	case e := <-ch:
		if e.Data["main_task_id"] != main.ID {
			t.Errorf("expected event for main task, got %v", e.Data["main_task_id"])
		}
		if e.Data["strategy"] != "parallel" {
			t.Errorf("expected strategy in event, got %v", e.Data["strategy"])
		}
	default:
		t.Fatal("expected cross-codebase.task.created event")
	}
}

func TestCreateCrossCodebaseTaskValidation(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.CreateCrossCodebaseTask(ctx, "", "", "web", nil, ""); err == nil {
		t.Error("expected error for empty title")
	}
	if _, err := r.CreateCrossCodebaseTask(ctx, "T", "", "", nil, ""); err == nil {
		t.Error("expected error for missing primary codebase")
	}
}
