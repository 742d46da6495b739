package model

import (
	"encoding/json"
	"math"
)

// Output formats
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatWebM Format = "webm"
	FormatGIF  Format = "gif"
)

// Quality tiers
type Quality string

const (
	QualityDraft  Quality = "draft"
	QualityWeb    Quality = "web"
	QualityHigh   Quality = "high"
	QualityStudio Quality = "studio"
)

// RenderOptions are the user-selected output options of a render request
type RenderOptions struct {
	Format  Format      `json:"format" validate:"required,oneof=mp4 webm gif"`
	Quality Quality     `json:"quality" validate:"required,oneof=draft web high studio"`
	FPS     *int        `json:"fps,omitempty" validate:"omitempty,min=1,max=120"`
	Range   *[2]float64 `json:"range,omitempty"`
}

// RenderRequest represents the body of POST /api/render
type RenderRequest struct {
	Project   json.RawMessage `json:"project" validate:"required"`
	ProjectID string          `json:"projectId" validate:"required,max=128"`
	Output    RenderOptions   `json:"output" validate:"required"`
}

// RenderStartResponse is the 201 body of POST /api/render
type RenderStartResponse struct {
	JobID      string   `json:"jobId"`
	Status     JobState `json:"status"`
	OutputPath string   `json:"outputPath,omitempty"`
}

// RenderErrorResponse is the non-2xx body of POST /api/render
type RenderErrorResponse struct {
	Error    string `json:"error"`
	Required *int   `json:"required,omitempty"`
}

// DownloadURLRequest represents the body of POST /api/render/download-url
type DownloadURLRequest struct {
	GCSPath string `json:"gcsPath" validate:"required"`
}

// DownloadURLResponse is the body returned for a download-url lookup
type DownloadURLResponse struct {
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// RenderResult is the final status reported by the engine
type RenderResult string

const (
	RenderResultSuccess RenderResult = "success"
	RenderResultAborted RenderResult = "aborted"
	RenderResultError   RenderResult = "error"
)

// TotalFrames returns round(max(0, end-start) * fps)
func TotalFrames(r [2]float64, fps float64) int {
	return int(math.Round(math.Max(0, r[1]-r[0]) * fps))
}
