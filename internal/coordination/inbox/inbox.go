// Package inbox implements the per-agent task mailbox: a priority-ordered
// pending queue, a single in-progress slot, and a bounded completed history.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/coordination/models"
	"github.com/agenthive/agenthive/internal/coordination/queue"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/events/bus"
)

// DefaultMaxHistory bounds the completed ring when no limit is given.
const DefaultMaxHistory = 100

var (
	// ErrNoTaskInProgress is returned when completing with nothing started
	ErrNoTaskInProgress = errors.New("no task in progress")
)

// Inbox holds one agent's tasks. Every task the inbox knows about sits in
// exactly one of pending, the in-progress slot, or the completed ring.
type Inbox struct {
	mu         sync.Mutex
	agentID    string
	pending    *queue.TaskQueue
	inProgress *models.Task
	completed  []*models.Task // newest first
	maxHistory int
	eventBus   bus.EventBus
	logger     *logger.Logger
}

// New creates an inbox for an agent. maxHistory <= 0 selects the default.
func New(agentID string, maxHistory int, eventBus bus.EventBus, log *logger.Logger) *Inbox {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Inbox{
		agentID:    agentID,
		pending:    queue.NewTaskQueue(),
		maxHistory: maxHistory,
		eventBus:   eventBus,
		logger:     log.WithFields(zap.String("component", "inbox"), zap.String("agent_id", agentID)),
	}
}

// AgentID returns the owning agent's id.
func (i *Inbox) AgentID() string {
	return i.agentID
}

// AddTask priority-inserts a task and announces the delivery.
func (i *Inbox) AddTask(ctx context.Context, task *models.Task) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.inProgress != nil && i.inProgress.ID == task.ID {
		return queue.ErrTaskExists
	}
	if err := i.pending.Push(task); err != nil {
		return err
	}

	i.publish(ctx, events.BuildAgentTaskAddedSubject(i.agentID), events.AgentTaskAdded, map[string]interface{}{
		"agent_id": i.agentID,
		"task_id":  task.ID,
		"priority": string(task.Priority),
	})
	return nil
}

// GetNextTask pops the highest-priority pending task into the in-progress
// slot and marks it started. The second return is false when nothing was
// popped: either the inbox is empty (nil task) or a task is already running
// (that task is returned unchanged).
func (i *Inbox) GetNextTask(ctx context.Context) (*models.Task, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.inProgress != nil {
		return i.inProgress, false
	}

	task := i.pending.Pop()
	if task == nil {
		return nil, false
	}

	task.Status = models.TaskStatusInProgress
	task.AgentID = i.agentID
	task.Touch()
	i.inProgress = task
	return task, true
}

// CompleteCurrentTask marks the in-progress task completed and moves it to
// the front of the completed ring.
func (i *Inbox) CompleteCurrentTask(ctx context.Context) (*models.Task, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.inProgress == nil {
		return nil, ErrNoTaskInProgress
	}

	task := i.inProgress
	i.inProgress = nil
	task.Status = models.TaskStatusCompleted
	task.Touch()

	i.completed = append([]*models.Task{task}, i.completed...)
	if len(i.completed) > i.maxHistory {
		i.completed = i.completed[:i.maxHistory]
	}
	return task, nil
}

// CurrentTask returns the in-progress task, or nil.
func (i *Inbox) CurrentTask() *models.Task {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.inProgress
}

// PendingCount returns the number of queued tasks.
func (i *Inbox) PendingCount() int {
	return i.pending.Len()
}

// GetStatus returns a counting snapshot.
func (i *Inbox) GetStatus() map[string]interface{} {
	i.mu.Lock()
	defer i.mu.Unlock()

	status := map[string]interface{}{
		"agent_id":        i.agentID,
		"pending_count":   i.pending.Len(),
		"completed_count": len(i.completed),
	}
	if i.inProgress != nil {
		status["in_progress_task_id"] = i.inProgress.ID
	}
	return status
}

// ListTasks returns a full snapshot of every bucket. Pending tasks appear
// in pop order, completed tasks newest first.
func (i *Inbox) ListTasks() map[string]interface{} {
	i.mu.Lock()
	defer i.mu.Unlock()

	pending := i.pending.List()
	pendingAPI := make([]map[string]interface{}, len(pending))
	for n, t := range pending {
		pendingAPI[n] = t.ToAPI()
	}
	completedAPI := make([]map[string]interface{}, len(i.completed))
	for n, t := range i.completed {
		completedAPI[n] = t.ToAPI()
	}

	result := map[string]interface{}{
		"agent_id":  i.agentID,
		"pending":   pendingAPI,
		"completed": completedAPI,
	}
	if i.inProgress != nil {
		result["in_progress"] = i.inProgress.ToAPI()
	}
	return result
}

// PendingTasks returns the queued tasks in pop order.
func (i *Inbox) PendingTasks() []*models.Task {
	return i.pending.List()
}

// CompletedTasks returns the completed ring, newest first.
func (i *Inbox) CompletedTasks() []*models.Task {
	i.mu.Lock()
	defer i.mu.Unlock()

	result := make([]*models.Task, len(i.completed))
	copy(result, i.completed)
	return result
}

// DrainPending removes and returns all pending tasks in pop order. Used
// when the inbox's agent unregisters and its queue returns to the registry.
func (i *Inbox) DrainPending() []*models.Task {
	return i.pending.Drain()
}

// TakeInProgress removes and returns the in-progress task, or nil.
func (i *Inbox) TakeInProgress() *models.Task {
	i.mu.Lock()
	defer i.mu.Unlock()

	task := i.inProgress
	i.inProgress = nil
	return task
}

func (i *Inbox) publish(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if i.eventBus == nil {
		return
	}
	data["timestamp"] = time.Now().UTC()
	if err := i.eventBus.Publish(ctx, subject, bus.NewEvent(eventType, "inbox", data)); err != nil {
		i.logger.Error("failed to publish inbox event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}
