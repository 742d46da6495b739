package worker

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// InlineQueue runs tasks in-process for development without Redis.
// It satisfies service.Enqueuer.
type InlineQueue struct {
	mu      sync.RWMutex
	handler asynq.Handler
	sem     chan struct{}
	wg      sync.WaitGroup
}

// NewInlineQueue bounds concurrently running tasks to concurrency
func NewInlineQueue(concurrency int) *InlineQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &InlineQueue{sem: make(chan struct{}, concurrency)}
}

// Handle sets the handler every enqueued task is passed to
func (q *InlineQueue) Handle(h asynq.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = h
}

func (q *InlineQueue) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.RLock()
	h := q.handler
	q.mu.RUnlock()
	if h == nil {
		return nil, fmt.Errorf("no handler for task %s", task.Type())
	}

	info := &asynq.TaskInfo{
		ID:      uuid.New().String(),
		Queue:   "default",
		Type:    task.Type(),
		Payload: task.Payload(),
		State:   asynq.TaskStatePending,
	}
	for _, opt := range opts {
		switch opt.Type() {
		case asynq.TaskIDOpt:
			info.ID, _ = opt.Value().(string)
		case asynq.QueueOpt:
			info.Queue, _ = opt.Value().(string)
		}
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.sem <- struct{}{}
		defer func() { <-q.sem }()
		if err := h.ProcessTask(context.Background(), task); err != nil {
			log.Printf("[Queue] task %s (%s) failed: %v", info.ID, task.Type(), err)
		}
	}()
	return info, nil
}

// Wait blocks until every enqueued task returned
func (q *InlineQueue) Wait() {
	q.wg.Wait()
}
