package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/agenthive/agenthive/internal/coordination/models"
)

// createTestTask creates a task for testing with the given parameters
func createTestTask(id string, priority models.TaskPriority) *models.Task {
	task := models.NewTask("Test Task "+id, "", priority, "default")
	task.ID = id
	return task
}

func TestNewTaskQueue(t *testing.T) {
	q := NewTaskQueue()
	if q == nil {
		t.Fatal("NewTaskQueue returned nil")
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
}

func TestPush(t *testing.T) {
	q := NewTaskQueue()
	task := createTestTask("task-1", models.PriorityNormal)

	if err := q.Push(task); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if q.Len() != 1 {
		t.Errorf("expected Len() = 1, got %d", q.Len())
	}
	if !q.Contains("task-1") {
		t.Error("expected queue to contain task-1")
	}
}

func TestPushDuplicate(t *testing.T) {
	q := NewTaskQueue()
	task := createTestTask("task-1", models.PriorityNormal)

	_ = q.Push(task)
	err := q.Push(task)
	if !errors.Is(err, ErrTaskExists) {
		t.Errorf("expected ErrTaskExists, got %v", err)
	}
}

func TestPopEmptyQueue(t *testing.T) {
	q := NewTaskQueue()
	if popped := q.Pop(); popped != nil {
		t.Errorf("expected nil from empty queue, got %v", popped)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := NewTaskQueue()

	_ = q.Push(createTestTask("low", models.PriorityLow))
	_ = q.Push(createTestTask("urgent", models.PriorityUrgent))
	_ = q.Push(createTestTask("normal", models.PriorityNormal))
	_ = q.Push(createTestTask("high", models.PriorityHigh))

	expected := []string{"urgent", "high", "normal", "low"}
	for _, want := range expected {
		got := q.Pop()
		if got == nil {
			t.Fatalf("expected %s, got nil", want)
		}
		if got.ID != want {
			t.Errorf("expected %s, got %s", want, got.ID)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := NewTaskQueue()

	_ = q.Push(createTestTask("first", models.PriorityNormal))
	_ = q.Push(createTestTask("second", models.PriorityNormal))
	_ = q.Push(createTestTask("third", models.PriorityNormal))

	for _, want := range []string{"first", "second", "third"} {
		got := q.Pop()
		if got.ID != want {
			t.Errorf("expected %s with FIFO ordering, got %s", want, got.ID)
		}
	}
}

func TestPushFrontLeadsPriorityPeers(t *testing.T) {
	q := NewTaskQueue()

	_ = q.Push(createTestTask("n1", models.PriorityNormal))
	_ = q.Push(createTestTask("n2", models.PriorityNormal))
	_ = q.PushFront(createTestTask("requeued", models.PriorityNormal))

	if got := q.Pop(); got.ID != "requeued" {
		t.Errorf("expected requeued task first among peers, got %s", got.ID)
	}
	if got := q.Pop(); got.ID != "n1" {
		t.Errorf("expected n1 second, got %s", got.ID)
	}
}

func TestPushFrontDoesNotJumpPriorities(t *testing.T) {
	q := NewTaskQueue()

	_ = q.Push(createTestTask("urgent", models.PriorityUrgent))
	_ = q.PushFront(createTestTask("requeued-low", models.PriorityLow))

	if got := q.Pop(); got.ID != "urgent" {
		t.Errorf("expected urgent to stay ahead of requeued low task, got %s", got.ID)
	}
}

func TestPeek(t *testing.T) {
	q := NewTaskQueue()

	if q.Peek() != nil {
		t.Error("expected nil Peek on empty queue")
	}

	_ = q.Push(createTestTask("task-1", models.PriorityHigh))
	peeked := q.Peek()
	if peeked == nil || peeked.ID != "task-1" {
		t.Errorf("expected task-1 from Peek, got %v", peeked)
	}
	if q.Len() != 1 {
		t.Error("Peek must not remove the task")
	}
}

func TestRemove(t *testing.T) {
	q := NewTaskQueue()

	_ = q.Push(createTestTask("task-1", models.PriorityNormal))
	_ = q.Push(createTestTask("task-2", models.PriorityHigh))

	if !q.Remove("task-1") {
		t.Error("Remove should return true for existing task")
	}
	if q.Len() != 1 {
		t.Errorf("expected Len() = 1 after remove, got %d", q.Len())
	}
	if q.Remove("task-1") {
		t.Error("queue should not contain removed task")
	}
	if q.Remove("non-existent") {
		t.Error("Remove should return false for non-existent task")
	}
}

func TestGet(t *testing.T) {
	q := NewTaskQueue()
	_ = q.Push(createTestTask("task-1", models.PriorityNormal))

	task, ok := q.Get("task-1")
	if !ok || task.ID != "task-1" {
		t.Errorf("expected to get task-1, got %v ok=%v", task, ok)
	}
	if _, ok := q.Get("missing"); ok {
		t.Error("expected ok=false for missing task")
	}
}

func TestListPopOrder(t *testing.T) {
	q := NewTaskQueue()

	_ = q.Push(createTestTask("n1", models.PriorityNormal))
	_ = q.Push(createTestTask("u1", models.PriorityUrgent))
	_ = q.Push(createTestTask("h1", models.PriorityHigh))
	_ = q.Push(createTestTask("n2", models.PriorityNormal))
	_ = q.Push(createTestTask("l1", models.PriorityLow))

	list := q.List()
	if len(list) != 5 {
		t.Fatalf("expected List() to return 5 items, got %d", len(list))
	}
	expected := []string{"u1", "h1", "n1", "n2", "l1"}
	for i, want := range expected {
		if list[i].ID != want {
			t.Errorf("List()[%d]: expected %s, got %s", i, want, list[i].ID)
		}
	}
	if q.Len() != 5 {
		t.Error("List must not drain the queue")
	}
}

func TestDrain(t *testing.T) {
	q := NewTaskQueue()

	for i := 0; i < 4; i++ {
		_ = q.Push(createTestTask(fmt.Sprintf("task-%d", i), models.PriorityNormal))
	}

	drained := q.Drain()
	if len(drained) != 4 {
		t.Fatalf("expected 4 drained tasks, got %d", len(drained))
	}
	for i, task := range drained {
		want := fmt.Sprintf("task-%d", i)
		if task.ID != want {
			t.Errorf("drained[%d]: expected %s, got %s", i, want, task.ID)
		}
	}
	if q.Len() != 0 {
		t.Errorf("expected empty queue after Drain, got %d", q.Len())
	}
}
