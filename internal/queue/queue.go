// Package queue holds the ordered set of jobs waiting for a worker slot.
// Dispatch is FIFO within a priority class; priority submissions go ahead
// of normal ones but never reorder each other.
package queue

import (
	"sync"

	"mediadeck/internal/model"
)

// JobQueue manages the ordered queue of pending jobs. Blocking and wakeup
// live in the scheduler; the queue itself never blocks.
type JobQueue struct {
	items []*model.Job
	mutex sync.Mutex
}

func New() *JobQueue {
	return &JobQueue{
		items: make([]*model.Job, 0),
	}
}

// Push appends a job at the tail of its priority class. A retried job goes
// through here too, so it re-enters behind other queued work of the same
// class instead of starving it.
func (q *JobQueue) Push(job *model.Job) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if job.Priority {
		idx := len(q.items)
		for i, item := range q.items {
			if !item.Priority {
				idx = i
				break
			}
		}
		q.items = append(q.items, nil)
		copy(q.items[idx+1:], q.items[idx:])
		q.items[idx] = job
	} else {
		q.items = append(q.items, job)
	}
}

// PopNext removes and returns the head job, or nil when the queue is empty.
func (q *JobQueue) PopNext() *model.Job {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	job := q.items[0]
	q.items = q.items[1:]
	return job
}

// Remove deletes a specific job by ID (queued-job cancellation).
func (q *JobQueue) Remove(id string) *model.Job {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return item
		}
	}
	return nil
}

// Len returns the number of queued jobs.
func (q *JobQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

// Jobs returns a snapshot of the queued jobs in dispatch order.
func (q *JobQueue) Jobs() []*model.Job {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	result := make([]*model.Job, len(q.items))
	copy(result, q.items)
	return result
}
