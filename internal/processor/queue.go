package processor

import (
	"container/heap"
	"errors"
	"fmt"
	"time"

	"github.com/vidforge/vidforge/internal/session"
)

// Priority orders queued jobs. Lower values are served first.
type Priority int

// Priority classes in descending precedence.
const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// ErrUnknownPriority indicates a priority name outside the four classes.
var ErrUnknownPriority = errors.New("unknown priority")

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a priority name to its class. Empty defaults to normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: %q", ErrUnknownPriority, s)
	}
}

// task is one queued job waiting for admission.
type task struct {
	sessionID   string
	userID      string
	request     session.JobRequest
	priority    Priority
	submittedAt time.Time
	seq         uint64

	index   int
	removed bool
}

// taskHeap orders tasks by (priority, seq); seq preserves FIFO within a
// priority class.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}

	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]

	return t
}

// taskQueue is a priority queue with removal by session id. It is not
// goroutine safe; the processor serializes access under its own lock.
type taskQueue struct {
	heap  taskHeap
	byID  map[string]*task
	count int
}

func newTaskQueue() *taskQueue {
	return &taskQueue{byID: make(map[string]*task)}
}

// Len returns the number of live (non-removed) tasks.
func (q *taskQueue) Len() int {
	return q.count
}

func (q *taskQueue) PushTask(t *task) {
	heap.Push(&q.heap, t)
	q.byID[t.sessionID] = t
	q.count++
}

// PopTask returns the highest-priority live task, or nil when empty.
// Removed tasks are discarded lazily on the way out.
func (q *taskQueue) PopTask() *task {
	for q.heap.Len() > 0 {
		t := heap.Pop(&q.heap).(*task)
		if t.removed {
			continue
		}

		delete(q.byID, t.sessionID)
		q.count--

		return t
	}

	return nil
}

// PeekTask returns the highest-priority live task without removing it.
func (q *taskQueue) PeekTask() *task {
	for q.heap.Len() > 0 {
		t := q.heap[0]
		if !t.removed {
			return t
		}

		heap.Pop(&q.heap)
	}

	return nil
}

// Remove marks the task for the session as removed. Returns false when the
// session is not queued.
func (q *taskQueue) Remove(sessionID string) bool {
	t, ok := q.byID[sessionID]
	if !ok {
		return false
	}

	t.removed = true
	delete(q.byID, sessionID)
	q.count--

	return true
}

// Contains reports whether the session is currently queued.
func (q *taskQueue) Contains(sessionID string) bool {
	_, ok := q.byID[sessionID]

	return ok
}

// Depths returns the number of queued tasks per priority class.
func (q *taskQueue) Depths() map[string]int {
	depths := map[string]int{
		PriorityUrgent.String(): 0,
		PriorityHigh.String():   0,
		PriorityNormal.String(): 0,
		PriorityLow.String():    0,
	}

	for _, t := range q.byID {
		depths[t.priority.String()]++
	}

	return depths
}
