package model

import "time"

// JobState is the lifecycle state of a render job
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// IsTerminal reports whether no further transition is allowed from s
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// RenderJob is the backend-owned record of a submitted render
type RenderJob struct {
	JobID      string          `json:"jobId"`
	ProjectID  string          `json:"projectId"`
	UserID     string          `json:"userId,omitempty"`
	Token      string          `json:"token,omitempty"`
	OutputPath string          `json:"outputPath,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	Status     RenderJobStatus `json:"status"`
}

// RenderJobStatus is what GET /api/render/:jobId returns
type RenderJobStatus struct {
	JobID        string     `json:"jobId"`
	State        JobState   `json:"state"`
	Progress     int        `json:"progress"`
	FailedReason string     `json:"failedReason,omitempty"`
	DownloadURL  string     `json:"downloadUrl,omitempty"`
	OutputPath   string     `json:"outputPath,omitempty"`
	ProcessedOn  *time.Time `json:"processedOn,omitempty"`
	FinishedOn   *time.Time `json:"finishedOn,omitempty"`
}

// StoredJobRecord is the client-side persisted view of a job
type StoredJobRecord struct {
	JobID      string          `json:"jobId"`
	ProjectID  string          `json:"projectId"`
	OutputPath string          `json:"outputPath,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	Status     RenderJobStatus `json:"status"`
}

// Task type for asynq
const TaskTypeRenderSession = "render:session"

// RenderSessionTask is the asynq payload for one headless session
type RenderSessionTask struct {
	JobID string `json:"jobId"`
	Token string `json:"token"`
}
