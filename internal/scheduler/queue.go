package scheduler

import (
	"container/heap"

	"github.com/ethank2222/TriniTeam/internal/model"
)

// taskQueue implements a priority queue for tasks. It is not safe for
// concurrent use; TaskGraph holds its own lock while draining it.
type taskQueue []*model.Task

// Len returns the length of the queue
func (q taskQueue) Len() int { return len(q) }

// Less orders by priority (higher first), then by creation order
func (q taskQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].Seq < q[j].Seq
}

// Swap swaps two tasks in the queue
func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

// Push adds a task to the queue
func (q *taskQueue) Push(x interface{}) {
	*q = append(*q, x.(*model.Task))
}

// Pop removes and returns the last task of the underlying slice
func (q *taskQueue) Pop() interface{} {
	old := *q
	n := len(old)
	if n == 0 {
		return nil
	}
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// drainByPriority returns tasks highest priority first, FIFO within a priority
func drainByPriority(tasks []*model.Task) []*model.Task {
	q := make(taskQueue, 0, len(tasks))
	q = append(q, tasks...)
	heap.Init(&q)

	ordered := make([]*model.Task, 0, len(tasks))
	for q.Len() > 0 {
		ordered = append(ordered, heap.Pop(&q).(*model.Task))
	}
	return ordered
}
