package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/hibiken/asynq"

	"github.com/cutline/render/internal/engine"
	"github.com/cutline/render/internal/metrics"
	"github.com/cutline/render/internal/model"
	"github.com/cutline/render/internal/service"
	"github.com/cutline/render/internal/session"
	"github.com/cutline/render/internal/websocket"
)

type nopEnqueuer struct {
	tasks []*asynq.Task
}

func (e *nopEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{}, nil
}

type storeFetcher struct {
	svc *service.RenderService
}

func (f storeFetcher) FetchPayload(ctx context.Context, token string) (*model.HeadlessJobPayload, error) {
	return f.svc.GetPayload(ctx, token)
}

// ackConn acknowledges every request immediately
type ackConn struct {
	mu   sync.Mutex
	subs []func(model.RPCAck)
	done chan struct{}
}

func (c *ackConn) Send(ctx context.Context, req model.RPCRequest) error {
	c.mu.Lock()
	subs := append([]func(model.RPCAck){}, c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(model.RPCAck{Status: model.AckStatusSuccess, Method: req.Method})
	}
	return nil
}

func (c *ackConn) Subscribe(fn func(model.RPCAck)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
	return func() {}
}

func (c *ackConn) Done() <-chan struct{} { return c.done }
func (c *ackConn) Close() error          { return nil }

// scriptedEngine reports progress for every frame without drawing
type scriptedEngine struct {
	err error
}

func (e *scriptedEngine) SetVariables(vars map[string]any) {}

func (e *scriptedEngine) Render(ctx context.Context, settings engine.Settings, exporter engine.Exporter, listener engine.Listener) error {
	total := model.TotalFrames(settings.Range, settings.FPS)
	if err := exporter.Start(ctx); err != nil {
		return err
	}
	result := model.RenderResultSuccess
	for f := 0; f <= total; f++ {
		if e.err != nil && f == total/2 {
			result = model.RenderResultError
			break
		}
		listener.OnFrameChanged(f)
	}
	listener.OnFinished(result)
	return e.err
}

func setup(t *testing.T, eng engine.Engine) (*service.RenderService, *RenderWorker, *asynq.Task, string) {
	t.Helper()
	enq := &nopEnqueuer{}
	svc := service.NewRenderService(service.NewMemoryJobStore(), enq, service.RenderServiceOptions{})
	res, err := svc.StartRender(context.Background(), "u1", &model.RenderRequest{
		Project:   json.RawMessage(`{"duration":1}`),
		ProjectID: "p1",
		Output:    model.RenderOptions{Format: model.FormatMP4, Quality: model.QualityWeb},
	})
	if err != nil {
		t.Fatalf("start render: %v", err)
	}

	factory := func(host session.Host) *session.Driver {
		return &session.Driver{
			Fetcher: storeFetcher{svc: svc},
			Dial: func(ctx context.Context, token string) (session.Conn, error) {
				return &ackConn{done: make(chan struct{})}, nil
			},
			Engine: eng,
			Host:   host,
		}
	}
	w := NewRenderWorker(svc, websocket.NewHub(), metrics.New(), factory)
	return svc, w, enq.tasks[0], res.JobID
}

func TestProcessTaskCompletesJob(t *testing.T) {
	svc, w, task, jobID := setup(t, &scriptedEngine{})

	if err := w.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	status, _ := svc.GetStatus(context.Background(), jobID)
	if status.State != model.JobStateCompleted || status.Progress != 100 {
		t.Errorf("expected completed job, got %+v", status)
	}
	if status.ProcessedOn == nil || status.FinishedOn == nil {
		t.Errorf("expected processed and finished timestamps, got %+v", status)
	}
}

func TestProcessTaskFailsJob(t *testing.T) {
	svc, w, task, jobID := setup(t, &scriptedEngine{err: errors.New("draw exploded")})

	err := w.ProcessTask(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry error, got %v", err)
	}

	status, _ := svc.GetStatus(context.Background(), jobID)
	if status.State != model.JobStateFailed || status.FailedReason != "draw exploded" {
		t.Errorf("expected failed job, got %+v", status)
	}
}

func TestProcessTaskSkipsTerminalJob(t *testing.T) {
	svc, w, task, jobID := setup(t, &scriptedEngine{})
	_, _ = svc.FailJob(context.Background(), jobID, "cancelled")

	called := false
	w.newDriver = func(host session.Host) *session.Driver {
		called = true
		return nil
	}
	if err := w.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("expected no session for a terminal job")
	}
}

func TestProcessTaskRejectsBadPayload(t *testing.T) {
	_, w, _, _ := setup(t, &scriptedEngine{})
	err := w.ProcessTask(context.Background(), asynq.NewTask(model.TaskTypeRenderSession, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestJobHostReportsEachPercentOnce(t *testing.T) {
	svc, w, _, jobID := setup(t, &scriptedEngine{})
	h := &jobHost{ctx: context.Background(), worker: w, jobID: jobID, lastPercent: -1}

	h.OnRenderProgress(1, 200)
	h.OnRenderProgress(2, 200)
	h.OnRenderProgress(100, 200)

	status, _ := svc.GetStatus(context.Background(), jobID)
	if status.State != model.JobStateActive || status.Progress != 50 {
		t.Errorf("expected active at 50%%, got %+v", status)
	}
	if h.lastPercent != 50 {
		t.Errorf("expected last percent 50, got %d", h.lastPercent)
	}
}
