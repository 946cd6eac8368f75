package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestTaskBoardSnapshot(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	alice, _ := r.RegisterAgent(ctx, "alice", []string{"coding"}, AgentOptions{})
	t1, _ := r.CreateTask(ctx, "T1", "", TaskOptions{})
	if _, err := r.GetNextTask(ctx, alice.Agent.ID); err != nil {
		t.Fatalf("GetNextTask failed: %v", err)
	}
	r.RegisterAgent(ctx, "bob", nil, AgentOptions{})
	r.CreateTask(ctx, "T2", "", TaskOptions{RequiredCapabilities: []string{"ops"}})
	if err := r.RecordActivity(ctx, alice.Agent.ID, "edit_file", map[string]interface{}{"file_path": "x.go"}); err != nil {
		t.Fatalf("RecordActivity failed: %v", err)
	}

	board := r.TaskBoard("")

	agents, ok := board["agents"].([]map[string]interface{})
	if !ok || len(agents) != 2 {
		t.Fatalf("expected 2 agents on the board, got %v", board["agents"])
	}
	aliceEntry := agents[0]
	if aliceEntry["name"] != "alice" || aliceEntry["status"] != "busy" {
		t.Errorf("expected alice busy, got %v", aliceEntry)
	}
	if aliceEntry["current_activity"] != "Editing x.go" {
		t.Errorf("expected current activity, got %v", aliceEntry["current_activity"])
	}
	current, ok := aliceEntry["current_task"].(map[string]interface{})
	if !ok || current["id"] != t1.Task.ID || current["title"] != "T1" {
		t.Errorf("expected current task T1, got %v", aliceEntry["current_task"])
	}
	if agents[1]["status"] != "idle" {
		t.Errorf("expected bob idle, got %v", agents[1]["status"])
	}

	pending, ok := board["pending_tasks"].([]map[string]interface{})
	if !ok || len(pending) != 1 || pending[0]["title"] != "T2" {
		t.Errorf("expected T2 pending, got %v", board["pending_tasks"])
	}

	summary, ok := board["summary"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected summary, got %v", board["summary"])
	}
	checks := map[string]int{
		"agents_total":      2,
		"agents_idle":       1,
		"agents_busy":       1,
		"agents_offline":    0,
		"tasks_pending":     1,
		"tasks_in_progress": 1,
	}
	for key, want := range checks {
		if summary[key] != want {
			t.Errorf("summary[%s]: expected %d, got %v", key, want, summary[key])
		}
	}
}

func TestTaskBoardFiltersByCodebase(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.RegisterAgent(ctx, "alice", nil, AgentOptions{CodebaseID: "web"})
	r.RegisterAgent(ctx, "bob", nil, AgentOptions{CodebaseID: "api"})
	r.CreateTask(ctx, "Fix mobile", "", TaskOptions{CodebaseID: "mobile"})

	board := r.TaskBoard("web")
	agents := board["agents"].([]map[string]interface{})
	if len(agents) != 1 || agents[0]["name"] != "alice" {
		t.Errorf("expected only alice on the web board, got %v", agents)
	}
	pending := board["pending_tasks"].([]map[string]interface{})
	if len(pending) != 0 {
		t.Errorf("expected no web pending tasks, got %v", pending)
	}

	mobile := r.TaskBoard("mobile")
	pending = mobile["pending_tasks"].([]map[string]interface{})
	if len(pending) != 1 {
		t.Errorf("expected the mobile task, got %v", pending)
	}
}

func TestDetailedTaskBoard(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	alice, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{})
	t1, _ := r.CreateTask(ctx, "T1", "", TaskOptions{FilePaths: []string{"a.go"}})
	if _, err := r.GetNextTask(ctx, alice.Agent.ID); err != nil {
		t.Fatalf("GetNextTask failed: %v", err)
	}

	// With bob idle the conflicting task hits the lock check and blocks;
	// without any candidate it would just sit in the pending queue.
	r.RegisterAgent(ctx, "bob", nil, AgentOptions{})
	t2, _ := r.CreateTask(ctx, "T2", "", TaskOptions{FilePaths: []string{"a.go"}})

	board := r.DetailedTaskBoard("", true)

	locks, ok := board["file_locks"].([]map[string]interface{})
	if !ok || len(locks) != 1 {
		t.Fatalf("expected 1 file lock, got %v", board["file_locks"])
	}
	if locks[0]["path"] != "a.go" || locks[0]["task_id"] != t1.Task.ID {
		t.Errorf("expected a.go held by T1, got %v", locks[0])
	}

	blocked, ok := board["blocked_tasks"].([]map[string]interface{})
	if !ok || len(blocked) != 1 || blocked[0]["id"] != t2.Task.ID {
		t.Fatalf("expected T2 blocked, got %v", board["blocked_tasks"])
	}
	if blocked[0]["block_reason"] == nil {
		t.Error("expected block_reason on blocked task")
	}

	inboxes, ok := board["inboxes"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected inboxes, got %v", board["inboxes"])
	}
	aliceInbox, ok := inboxes[alice.Agent.ID].(map[string]interface{})
	if !ok {
		t.Fatalf("expected alice's inbox, got %v", inboxes)
	}
	inProgress, ok := aliceInbox["in_progress"].(map[string]interface{})
	if !ok || inProgress["id"] != t1.Task.ID {
		t.Errorf("expected T1 in progress in alice's inbox, got %v", aliceInbox["in_progress"])
	}
}

func TestAgentTaskHistory(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	alice, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{})

	// Run three tasks to completion.
	for i := 0; i < 3; i++ {
		r.CreateTask(ctx, fmt.Sprintf("Done %d", i), "", TaskOptions{})
		if _, err := r.GetNextTask(ctx, alice.Agent.ID); err != nil {
			t.Fatalf("GetNextTask failed: %v", err)
		}
		if _, err := r.CompleteTask(ctx, alice.Agent.ID); err != nil {
			t.Fatalf("CompleteTask failed: %v", err)
		}
	}
	// Directed work stays planned until picked up.
	r.CreateTask(ctx, "Planned", "", TaskOptions{AgentID: alice.Agent.ID})
	if err := r.RecordActivity(ctx, alice.Agent.ID, "read_file", map[string]interface{}{"file_path": "main.go"}); err != nil {
		t.Fatalf("RecordActivity failed: %v", err)
	}

	history, err := r.AgentTaskHistory(alice.Agent.ID, true, true, 0)
	if err != nil {
		t.Fatalf("AgentTaskHistory failed: %v", err)
	}
	if history["agent_name"] != "alice" {
		t.Errorf("expected agent_name alice, got %v", history["agent_name"])
	}
	if _, ok := history["in_progress"]; ok {
		t.Error("expected no in-progress task")
	}

	planned, ok := history["planned"].([]map[string]interface{})
	if !ok || len(planned) != 1 || planned[0]["title"] != "Planned" {
		t.Errorf("expected 1 planned task, got %v", history["planned"])
	}

	completed, ok := history["completed"].([]map[string]interface{})
	if !ok || len(completed) != 3 {
		t.Fatalf("expected 3 completed tasks, got %v", history["completed"])
	}
	// Newest first.
	if completed[0]["title"] != "Done 2" {
		t.Errorf("expected newest completion first, got %v", completed[0]["title"])
	}

	activity, ok := history["activity_history"].([]map[string]interface{})
	if !ok || len(activity) != 1 {
		t.Errorf("expected 1 activity entry, got %v", history["activity_history"])
	}
}

func TestAgentTaskHistoryLimitAndFlags(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	alice, _ := r.RegisterAgent(ctx, "alice", nil, AgentOptions{})
	for i := 0; i < 3; i++ {
		r.CreateTask(ctx, fmt.Sprintf("Done %d", i), "", TaskOptions{})
		r.GetNextTask(ctx, alice.Agent.ID)
		r.CompleteTask(ctx, alice.Agent.ID)
	}

	history, err := r.AgentTaskHistory(alice.Agent.ID, false, true, 2)
	if err != nil {
		t.Fatalf("AgentTaskHistory failed: %v", err)
	}
	if _, ok := history["planned"]; ok {
		t.Error("expected planned omitted")
	}
	completed := history["completed"].([]map[string]interface{})
	if len(completed) != 2 {
		t.Errorf("expected limit of 2 completions, got %d", len(completed))
	}

	history, err = r.AgentTaskHistory(alice.Agent.ID, true, false, 0)
	if err != nil {
		t.Fatalf("AgentTaskHistory failed: %v", err)
	}
	if _, ok := history["completed"]; ok {
		t.Error("expected completed omitted")
	}
}

func TestAgentTaskHistoryUnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.AgentTaskHistory("nope", true, true, 0)
	if !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("expected ErrAgentNotFound, got %v", err)
	}
}
