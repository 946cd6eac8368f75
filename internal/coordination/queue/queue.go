// Package queue provides the priority queue backing agent inboxes and
// per-codebase pending queues.
package queue

import (
	"container/heap"
	"errors"
	"sort"
	"sync"

	"github.com/agenthive/agenthive/internal/coordination/models"
)

var (
	// ErrTaskExists is returned when a task is already queued
	ErrTaskExists = errors.New("task already exists in queue")
)

// queuedTask wraps a task with its heap bookkeeping
type queuedTask struct {
	task  *models.Task
	seq   int64 // Two-ended sequence: appends grow upward, head-inserts downward
	index int   // Index in the heap (used by container/heap)
}

// taskHeap implements heap.Interface ordered by priority rank then sequence
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	ri, rj := h[i].task.Priority.Rank(), h[j].task.Priority.Rank()
	if ri != rj {
		return ri < rj
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// TaskQueue is a priority queue of tasks. Pop order is urgent, high,
// normal, low, FIFO within a priority. PushFront places a task ahead of
// its priority peers without letting it jump higher priorities.
type TaskQueue struct {
	mu      sync.RWMutex
	heap    taskHeap
	taskMap map[string]*queuedTask // For quick lookup by task ID
	seqTail int64
	seqHead int64
}

// NewTaskQueue creates an empty task queue
func NewTaskQueue() *TaskQueue {
	q := &TaskQueue{
		heap:    make(taskHeap, 0),
		taskMap: make(map[string]*queuedTask),
	}
	heap.Init(&q.heap)
	return q
}

// Push appends a task behind its priority peers
func (q *TaskQueue) Push(task *models.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[task.ID]; exists {
		return ErrTaskExists
	}

	q.seqTail++
	qt := &queuedTask{task: task, seq: q.seqTail}
	heap.Push(&q.heap, qt)
	q.taskMap[task.ID] = qt
	return nil
}

// PushFront places a task ahead of its priority peers
func (q *TaskQueue) PushFront(task *models.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.taskMap[task.ID]; exists {
		return ErrTaskExists
	}

	q.seqHead--
	qt := &queuedTask{task: task, seq: q.seqHead}
	heap.Push(&q.heap, qt)
	q.taskMap[task.ID] = qt
	return nil
}

// Pop removes and returns the highest priority task, or nil when empty
func (q *TaskQueue) Pop() *models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}

	qt := heap.Pop(&q.heap).(*queuedTask)
	delete(q.taskMap, qt.task.ID)
	return qt.task
}

// Peek returns the highest priority task without removing it
func (q *TaskQueue) Peek() *models.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0].task
}

// Remove removes a specific task from the queue
func (q *TaskQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return false
	}

	heap.Remove(&q.heap, qt.index)
	delete(q.taskMap, taskID)
	return true
}

// Get returns a queued task by ID without removing it
func (q *TaskQueue) Get(taskID string) (*models.Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	qt, exists := q.taskMap[taskID]
	if !exists {
		return nil, false
	}
	return qt.task, true
}

// Contains reports whether a task is queued
func (q *TaskQueue) Contains(taskID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	_, exists := q.taskMap[taskID]
	return exists
}

// Len returns the number of queued tasks
func (q *TaskQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	return len(q.heap)
}

// List returns the queued tasks in pop order (for status endpoints)
func (q *TaskQueue) List() []*models.Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	items := make([]*queuedTask, len(q.heap))
	copy(items, q.heap)
	sort.Slice(items, func(i, j int) bool {
		ri, rj := items[i].task.Priority.Rank(), items[j].task.Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return items[i].seq < items[j].seq
	})

	result := make([]*models.Task, len(items))
	for i, qt := range items {
		result[i] = qt.task
	}
	return result
}

// Drain removes and returns every queued task in pop order
func (q *TaskQueue) Drain() []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]*models.Task, 0, len(q.heap))
	for len(q.heap) > 0 {
		qt := heap.Pop(&q.heap).(*queuedTask)
		delete(q.taskMap, qt.task.ID)
		result = append(result, qt.task)
	}
	return result
}
