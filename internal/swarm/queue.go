package swarm

import (
	"container/heap"
	"sync"

	"github.com/paymesh/payment-fabric/internal/models"
)

// TaskQueue is a two-tier pending queue: an urgent deque served first
// (failure requeues land at its head) and a priority heap ordered by
// descending priority with FIFO ties via a submission sequence.
type TaskQueue struct {
	mu     sync.Mutex
	urgent []*models.Task
	heap   taskHeap
	seq    uint64
}

func NewTaskQueue() *TaskQueue {
	return &TaskQueue{}
}

// Push enqueues a task by priority.
func (q *TaskQueue) Push(task *models.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.heap, &queued{task: task, seq: q.seq})
}

// PushFront puts a task ahead of everything else, including other urgent
// entries.
func (q *TaskQueue) PushFront(task *models.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.urgent = append([]*models.Task{task}, q.urgent...)
}

// Pop returns the next task to dispatch, urgent tier first.
func (q *TaskQueue) Pop() (*models.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.urgent) > 0 {
		task := q.urgent[0]
		q.urgent = q.urgent[1:]
		return task, true
	}
	if q.heap.Len() > 0 {
		item := heap.Pop(&q.heap).(*queued)
		return item.task, true
	}
	return nil, false
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.urgent) + q.heap.Len()
}

// Drain empties the queue and returns what was pending, urgent tier first.
func (q *TaskQueue) Drain() []*models.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*models.Task, 0, len(q.urgent)+q.heap.Len())
	out = append(out, q.urgent...)
	q.urgent = nil
	for q.heap.Len() > 0 {
		item := heap.Pop(&q.heap).(*queued)
		out = append(out, item.task)
	}
	return out
}

type queued struct {
	task *models.Task
	seq  uint64
}

type taskHeap []*queued

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*queued)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
