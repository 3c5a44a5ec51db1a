package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-memory Queue for development and tests.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*Job), now: time.Now}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	id := uuid.NewString()
	q.jobs[id] = &Job{ID: id, Message: msg, Status: JobPending, NextAttemptAt: now, CreatedAt: now}
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []*Job
	for _, j := range q.jobs {
		if j.Status == JobPending && !j.NextAttemptAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].NextAttemptAt.Before(due[k].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*Job, 0, len(due))
	for _, j := range due {
		j.NextAttemptAt = now.Add(lease)
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Status = JobSent
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, id string, attempts int, lastErr string, next time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Attempts = attempts
	j.LastError = lastErr
	j.NextAttemptAt = next
	return nil
}

func (q *MemoryQueue) Bury(ctx context.Context, id string, attempts int, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Attempts = attempts
	j.LastError = lastErr
	j.Status = JobDead
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Status == JobPending {
			n++
		}
	}
	return n, nil
}

// Jobs returns copies of all jobs, for inspection in tests and debugging.
func (q *MemoryQueue) Jobs() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

var _ Queue = (*MemoryQueue)(nil)
