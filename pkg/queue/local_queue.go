package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"consultbot/internal/util"
	"golang.org/x/sync/semaphore"
)

// LocalQueue runs jobs in-process, bounded by a semaphore. Jobs do not
// survive a restart.
type LocalQueue struct {
	mu      sync.RWMutex
	jobs    map[string]JobStatus
	sem     *semaphore.Weighted
	handler Handler
	ctx     context.Context
	wg      sync.WaitGroup
}

func NewLocalQueue() *LocalQueue {
	return &LocalQueue{jobs: make(map[string]JobStatus)}
}

func (q *LocalQueue) Start(ctx context.Context, concurrency int, handler Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx = ctx
	q.sem = semaphore.NewWeighted(int64(concurrency))
	q.handler = handler
}

func (q *LocalQueue) Enqueue(_ context.Context, j Job) (JobStatus, error) {
	if j.ConversationID <= 0 {
		return JobStatus{}, errors.New("conversationId required")
	}
	q.mu.Lock()
	if q.handler == nil {
		q.mu.Unlock()
		return JobStatus{}, errors.New("queue not started")
	}
	now := time.Now().UTC()
	job := JobStatus{ID: util.NewID(), Job: j, Status: StatusQueued, CreatedAt: now, UpdatedAt: now}
	q.jobs[job.ID] = job
	ctx, sem, handler := q.ctx, q.sem, q.handler
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(ctx, sem, handler, job)
	return job, nil
}

func (q *LocalQueue) run(ctx context.Context, sem *semaphore.Weighted, handler Handler, job JobStatus) {
	defer q.wg.Done()
	if err := sem.Acquire(ctx, 1); err != nil {
		q.update(job.ID, StatusFailed, err.Error(), false)
		return
	}
	defer sem.Release(1)
	job = q.update(job.ID, StatusProcessing, "", true)
	if err := handler(ctx, job); err != nil {
		q.update(job.ID, StatusFailed, err.Error(), false)
		return
	}
	q.update(job.ID, StatusDone, "", false)
}

func (q *LocalQueue) update(id, status, errMsg string, attempt bool) JobStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := q.jobs[id]
	job.Status = status
	job.ErrorMessage = errMsg
	if attempt {
		job.Attempts++
	}
	job.UpdatedAt = time.Now().UTC()
	q.jobs[id] = job
	return job
}

func (q *LocalQueue) GetJob(_ context.Context, jobID string) (JobStatus, bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[jobID]
	return job, ok, nil
}

// Wait blocks until all enqueued jobs have finished.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}
