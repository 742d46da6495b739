package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/cutline/render/internal/apiclient"
	"github.com/cutline/render/internal/channel"
	"github.com/cutline/render/internal/config"
	"github.com/cutline/render/internal/engine"
	"github.com/cutline/render/internal/metrics"
	"github.com/cutline/render/internal/model"
	"github.com/cutline/render/internal/service"
	"github.com/cutline/render/internal/session"
	"github.com/cutline/render/internal/websocket"
)

// DriverFactory builds a fresh session driver reporting to host
type DriverFactory func(host session.Host) *session.Driver

// NewDriverFactory wires sessions against the server's own HTTP surface:
// payloads from /jobs/:token, frames to /ws/encoder/:token, drawing in headless Chrome.
func NewDriverFactory(cfg *config.Config) DriverFactory {
	api := apiclient.New(apiclient.Config{
		BaseURL:     cfg.Server.PublicURL,
		InternalKey: cfg.Server.InternalKey,
	})
	header := http.Header{}
	if cfg.Server.InternalKey != "" {
		header.Set("X-Internal-Key", cfg.Server.InternalKey)
	}
	dial := session.WebsocketDialer(cfg.Server.PublicURL, channel.DialOptions{
		HandshakeTimeout: cfg.Render.ConnectTimeout,
		Retries:          cfg.Render.ConnectRetries,
		Header:           header,
	})
	rod := engine.RodConfig{
		PlayerURL:   cfg.Render.PlayerURL,
		BrowserURL:  cfg.Render.BrowserURL,
		PageTimeout: cfg.Render.PageTimeout,
	}

	return func(host session.Host) *session.Driver {
		return &session.Driver{
			Fetcher: api,
			Dial:    dial,
			Engine:  engine.NewRenderer(engine.NewRodScene(rod), nil),
			Host:    host,
		}
	}
}

// RenderWorker runs one headless render session per render:session task
type RenderWorker struct {
	renderService *service.RenderService
	hub           *websocket.Hub
	metrics       *metrics.Metrics
	newDriver     DriverFactory
}

// NewRenderWorker creates a new render worker; m may be nil
func NewRenderWorker(renderService *service.RenderService, hub *websocket.Hub, m *metrics.Metrics, newDriver DriverFactory) *RenderWorker {
	return &RenderWorker{
		renderService: renderService,
		hub:           hub,
		metrics:       m,
		newDriver:     newDriver,
	}
}

// ProcessTask handles render task processing
func (w *RenderWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var task model.RenderSessionTask
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}

	jobID := task.JobID
	status, err := w.renderService.MarkWaiting(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if status.State.IsTerminal() {
		log.Printf("[Worker] job %s already %s, skipping", jobID, status.State)
		return nil
	}
	log.Printf("[Worker] starting render session for job %s", jobID)

	if w.metrics != nil {
		w.metrics.ActiveSessions.Inc()
		defer w.metrics.ActiveSessions.Dec()
	}
	started := time.Now()

	host := &jobHost{ctx: ctx, worker: w, jobID: jobID, lastPercent: -1}
	driver := w.newDriver(host)
	if w.metrics != nil {
		driver.OnFrameDropped = func(int) { w.metrics.FramesDropped.Inc() }
	}

	runErr := driver.Run(ctx, &session.LaunchParams{Token: task.Token})
	w.observe(host.result, started)

	if runErr != nil {
		w.failJob(ctx, jobID, runErr.Error())
		return fmt.Errorf("render session for job %s: %v: %w", jobID, runErr, asynq.SkipRetry)
	}

	w.completeJob(ctx, jobID, status.OutputPath)
	return nil
}

func (w *RenderWorker) completeJob(ctx context.Context, jobID, outputPath string) {
	downloadURL, err := w.renderService.DownloadURL(ctx, outputPath)
	if err != nil {
		log.Printf("[Worker] failed to sign download URL for job %s: %v", jobID, err)
	}

	status, err := w.renderService.CompleteJob(ctx, jobID, outputPath, downloadURL)
	if err != nil {
		log.Printf("[Worker] failed to mark job %s completed: %v", jobID, err)
		return
	}
	if w.metrics != nil {
		w.metrics.JobsFinished.WithLabelValues(string(model.JobStateCompleted)).Inc()
	}
	w.hub.BroadcastComplete(*status)
	log.Printf("[Worker] job %s completed", jobID)
}

func (w *RenderWorker) failJob(ctx context.Context, jobID, errMsg string) {
	status, err := w.renderService.FailJob(ctx, jobID, errMsg)
	if err != nil {
		log.Printf("[Worker] failed to mark job %s failed: %v", jobID, err)
	}
	if w.metrics != nil {
		w.metrics.JobsFinished.WithLabelValues(string(model.JobStateFailed)).Inc()
	}
	w.hub.BroadcastError(jobID, "RENDER_FAILED", errMsg)
	if status != nil {
		w.hub.BroadcastComplete(*status)
	}
}

func (w *RenderWorker) observe(result model.RenderResult, started time.Time) {
	if w.metrics == nil {
		return
	}
	if result == "" {
		result = model.RenderResultError
	}
	w.metrics.SessionDuration.WithLabelValues(string(result)).Observe(time.Since(started).Seconds())
}

// jobHost maps session callbacks onto job status updates and hub pushes
type jobHost struct {
	ctx         context.Context
	worker      *RenderWorker
	jobID       string
	lastPercent int
	result      model.RenderResult
}

func (h *jobHost) OnRenderProgress(frame, total int) {
	if total <= 0 {
		return
	}
	percent := min(frame*100/total, 100)
	if percent == h.lastPercent {
		return
	}
	h.lastPercent = percent

	status, err := h.worker.renderService.UpdateProgress(h.ctx, h.jobID, percent)
	if err != nil {
		log.Printf("[Worker] failed to update progress for job %s: %v", h.jobID, err)
		return
	}
	h.worker.hub.BroadcastProgress(*status, frame, total)
}

func (h *jobHost) OnRenderEnd(result model.RenderResult) {
	h.result = result
}

func (h *jobHost) OnRenderError(message string) {
	log.Printf("[Worker] job %s session error: %s", h.jobID, message)
}
