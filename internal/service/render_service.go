package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/cutline/render/internal/metrics"
	"github.com/cutline/render/internal/model"
	"github.com/cutline/render/internal/storage"
)

// ErrInvalidProject wraps problems with the submitted project document
var ErrInvalidProject = errors.New("invalid project")

// Enqueuer is the part of asynq.Client the service needs
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// RenderDefaults fill output settings the request leaves open
type RenderDefaults struct {
	FPS    int
	Width  int
	Height int
}

// RenderService handles render job management
type RenderService struct {
	store     JobStore
	enqueuer  Enqueuer
	credits   CreditChecker
	storage   storage.Client
	defaults  RenderDefaults
	urlExpiry time.Duration
	metrics   *metrics.Metrics
}

// RenderServiceOptions collects the optional collaborators
type RenderServiceOptions struct {
	Credits   CreditChecker
	Storage   storage.Client
	Defaults  RenderDefaults
	URLExpiry time.Duration
	Metrics   *metrics.Metrics
}

func NewRenderService(store JobStore, enqueuer Enqueuer, opts RenderServiceOptions) *RenderService {
	if opts.Defaults.FPS <= 0 {
		opts.Defaults.FPS = 30
	}
	if opts.Defaults.Width <= 0 || opts.Defaults.Height <= 0 {
		opts.Defaults.Width, opts.Defaults.Height = 1920, 1080
	}
	if opts.URLExpiry <= 0 {
		opts.URLExpiry = time.Hour
	}
	return &RenderService{
		store:     store,
		enqueuer:  enqueuer,
		credits:   opts.Credits,
		storage:   opts.Storage,
		defaults:  opts.Defaults,
		urlExpiry: opts.URLExpiry,
		metrics:   opts.Metrics,
	}
}

// projectDocument is the subset of the editor project the backend reads
type projectDocument struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	AudioOffset float64         `json:"audioOffset"`
	Duration    float64         `json:"duration"`
	Size        *model.Size     `json:"size"`
	Background  string          `json:"background"`
	AudioURL    string          `json:"audioUrl"`
	Variables   map[string]any  `json:"variables"`
	Scenes      json.RawMessage `json:"scenes"`
}

// StartRender charges credits, stores the job and its payload, and queues a session
func (s *RenderService) StartRender(ctx context.Context, userID string, req *model.RenderRequest) (*model.RenderStartResponse, error) {
	var doc projectDocument
	if err := json.Unmarshal(req.Project, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProject, err)
	}

	rng := [2]float64{0, doc.Duration}
	if req.Output.Range != nil {
		rng = *req.Output.Range
	}
	if rng[0] < 0 || rng[1] <= rng[0] {
		return nil, fmt.Errorf("%w: render range [%g, %g] is empty", ErrInvalidProject, rng[0], rng[1])
	}

	fps := s.defaults.FPS
	if req.Output.FPS != nil {
		fps = *req.Output.FPS
	}

	if s.credits != nil {
		cost := RenderCost(rng[1]-rng[0], req.Output.Quality)
		if err := s.credits.Charge(ctx, userID, cost); err != nil {
			return nil, err
		}
	}

	jobID := uuid.New().String()
	token := uuid.New().String()
	now := time.Now()
	outputPath := fmt.Sprintf("renders/%s/%s.%s", ownerSegment(userID), jobID, req.Output.Format)

	size := model.Size{Width: s.defaults.Width, Height: s.defaults.Height}
	if doc.Size != nil && doc.Size.Width > 0 && doc.Size.Height > 0 {
		size = *doc.Size
	}

	payload := &model.HeadlessJobPayload{
		Token: token,
		JobID: jobID,
		Project: model.Project{
			ID:          req.ProjectID,
			Name:        doc.Name,
			AudioOffset: doc.AudioOffset,
			Scenes:      doc.Scenes,
		},
		Variables: doc.Variables,
		Output: model.OutputSettings{
			FilePath:        outputPath,
			FPS:             float64(fps),
			Size:            size,
			Range:           rng,
			Background:      doc.Background,
			ResolutionScale: resolutionScale(req.Output.Quality),
			ColorSpace:      "srgb",
			Format:          req.Output.Format,
			Quality:         req.Output.Quality,
			IncludeAudio:    doc.AudioURL != "",
			FastStart:       req.Output.Format == model.FormatMP4,
		},
		Exporter: model.ExporterSettings{
			Name: "ffmpeg",
			Options: model.ExporterOptions{
				Format:       req.Output.Format,
				Quality:      req.Output.Quality,
				Output:       outputPath,
				FastStart:    req.Output.Format == model.FormatMP4,
				IncludeAudio: doc.AudioURL != "",
				AudioURL:     doc.AudioURL,
			},
		},
	}

	job := &model.RenderJob{
		JobID:      jobID,
		ProjectID:  req.ProjectID,
		UserID:     userID,
		Token:      token,
		OutputPath: outputPath,
		StartedAt:  now,
		Status: model.RenderJobStatus{
			JobID:      jobID,
			State:      model.JobStateQueued,
			OutputPath: outputPath,
		},
	}

	if err := s.store.SavePayload(ctx, payload); err != nil {
		return nil, fmt.Errorf("failed to save payload: %w", err)
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task, err := NewRenderSessionTask(jobID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	_, err = s.enqueuer.Enqueue(task,
		asynq.Queue("render"),
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
		asynq.Retention(JobTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	if s.metrics != nil {
		s.metrics.JobsSubmitted.WithLabelValues(string(req.Output.Format), string(req.Output.Quality)).Inc()
	}

	log.Printf("[Render] job %s queued for project %s (%s/%s, %d frames)",
		jobID, req.ProjectID, req.Output.Format, req.Output.Quality, payload.Output.TotalFrames())

	return &model.RenderStartResponse{
		JobID:      jobID,
		Status:     model.JobStateQueued,
		OutputPath: outputPath,
	}, nil
}

// GetStatus returns the current status of a render job
func (s *RenderService) GetStatus(ctx context.Context, jobID string) (*model.RenderJobStatus, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	status := job.Status
	return &status, nil
}

// GetPayload returns the session payload a token stands for
func (s *RenderService) GetPayload(ctx context.Context, token string) (*model.HeadlessJobPayload, error) {
	return s.store.GetPayload(ctx, token)
}

// MarkWaiting records that a worker picked the job up
func (s *RenderService) MarkWaiting(ctx context.Context, jobID string) (*model.RenderJobStatus, error) {
	return s.transition(ctx, jobID, func(st *model.RenderJobStatus) {
		if st.State == model.JobStateQueued {
			st.State = model.JobStateWaiting
		}
	})
}

// UpdateProgress moves the job to active and records its percentage
func (s *RenderService) UpdateProgress(ctx context.Context, jobID string, progress int) (*model.RenderJobStatus, error) {
	return s.transition(ctx, jobID, func(st *model.RenderJobStatus) {
		if st.State != model.JobStateActive {
			st.State = model.JobStateActive
			now := time.Now()
			st.ProcessedOn = &now
		}
		if progress > st.Progress {
			st.Progress = min(progress, 99)
		}
	})
}

// CompleteJob marks the job completed
func (s *RenderService) CompleteJob(ctx context.Context, jobID, outputPath, downloadURL string) (*model.RenderJobStatus, error) {
	return s.transition(ctx, jobID, func(st *model.RenderJobStatus) {
		st.State = model.JobStateCompleted
		st.Progress = 100
		if outputPath != "" {
			st.OutputPath = outputPath
		}
		st.DownloadURL = downloadURL
		now := time.Now()
		st.FinishedOn = &now
	})
}

// FailJob marks the job failed with reason
func (s *RenderService) FailJob(ctx context.Context, jobID, reason string) (*model.RenderJobStatus, error) {
	if reason == "" {
		reason = "render failed"
	}
	return s.transition(ctx, jobID, func(st *model.RenderJobStatus) {
		st.State = model.JobStateFailed
		st.FailedReason = reason
		now := time.Now()
		st.FinishedOn = &now
	})
}

// DownloadURL signs outputPath; empty when no storage is configured
func (s *RenderService) DownloadURL(ctx context.Context, outputPath string) (string, error) {
	if s.storage == nil {
		return "", nil
	}
	key := storage.KeyFromPath(outputPath)
	if key == "" {
		return "", fmt.Errorf("%w: empty storage path", ErrInvalidProject)
	}
	return s.storage.GetSignedURL(ctx, key, s.urlExpiry)
}

// transition applies fn unless the job already reached a terminal state
func (s *RenderService) transition(ctx context.Context, jobID string, fn func(*model.RenderJobStatus)) (*model.RenderJobStatus, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.State.IsTerminal() {
		status := job.Status
		return &status, nil
	}

	fn(&job.Status)
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	status := job.Status
	return &status, nil
}

// NewRenderSessionTask builds the asynq task for one headless session
func NewRenderSessionTask(jobID, token string) (*asynq.Task, error) {
	data, err := json.Marshal(model.RenderSessionTask{JobID: jobID, Token: token})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(model.TaskTypeRenderSession, data), nil
}

func resolutionScale(q model.Quality) float64 {
	switch q {
	case model.QualityDraft:
		return 0.5
	case model.QualityStudio:
		return 2
	default:
		return 1
	}
}

func ownerSegment(userID string) string {
	if userID == "" {
		return "anonymous"
	}
	return userID
}
