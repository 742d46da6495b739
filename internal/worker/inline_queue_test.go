package worker

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/hibiken/asynq"
)

func TestInlineQueueRunsTasks(t *testing.T) {
	q := NewInlineQueue(2)
	var ran atomic.Int32
	q.Handle(asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		ran.Add(1)
		return nil
	}))

	info, err := q.Enqueue(asynq.NewTask("render:session", nil), asynq.TaskID("job-1"), asynq.Queue("render"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.ID != "job-1" || info.Queue != "render" {
		t.Errorf("expected options reflected in info, got %+v", info)
	}
	_, _ = q.Enqueue(asynq.NewTask("render:session", nil))
	q.Wait()

	if ran.Load() != 2 {
		t.Errorf("expected 2 tasks to run, got %d", ran.Load())
	}
}

func TestInlineQueueWithoutHandler(t *testing.T) {
	if _, err := NewInlineQueue(1).Enqueue(asynq.NewTask("render:session", nil)); err == nil {
		t.Fatal("expected error without handler")
	}
}
