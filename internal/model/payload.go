package model

import "encoding/json"

// HeadlessJobPayload is everything a render session needs, fetched by token
type HeadlessJobPayload struct {
	Token     string           `json:"token"`
	JobID     string           `json:"jobId,omitempty"`
	Project   Project          `json:"project"`
	Variables map[string]any   `json:"variables,omitempty"`
	Output    OutputSettings   `json:"output"`
	Exporter  ExporterSettings `json:"exporter"`
}

// Project is the scene definition handed to the render engine
type Project struct {
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name,omitempty"`
	AudioOffset float64         `json:"audioOffset"`
	Scenes      json.RawMessage `json:"scenes,omitempty"`
}

// Size is a pixel size
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// OutputSettings describes the frames a session must produce
type OutputSettings struct {
	FilePath        string     `json:"filePath"`
	FPS             float64    `json:"fps"`
	Size            Size       `json:"size"`
	Range           [2]float64 `json:"range"`
	Background      string     `json:"background,omitempty"`
	ResolutionScale float64    `json:"resolutionScale"`
	ColorSpace      string     `json:"colorSpace,omitempty"`
	Format          Format     `json:"format"`
	Quality         Quality    `json:"quality"`
	IncludeAudio    bool       `json:"includeAudio"`
	FastStart       bool       `json:"fastStart"`
}

// TotalFrames is the number of frames the encoder expects for these settings
func (o OutputSettings) TotalFrames() int {
	return TotalFrames(o.Range, o.FPS)
}

// ExporterSettings is forwarded verbatim to the encoder process
type ExporterSettings struct {
	Name    string          `json:"name"`
	Options ExporterOptions `json:"options"`
}

// ExporterOptions are the encoder-facing knobs
type ExporterOptions struct {
	Format       Format  `json:"format"`
	Quality      Quality `json:"quality,omitempty"`
	Output       string  `json:"output,omitempty"`
	FastStart    bool    `json:"fastStart,omitempty"`
	IncludeAudio bool    `json:"includeAudio,omitempty"`
	AudioURL     string  `json:"audioUrl,omitempty"`
}

// SegmentOverride narrows a session to one slice of a job's frame range
type SegmentOverride struct {
	Index          int      `json:"index"`
	Total          int      `json:"total"`
	Start          *float64 `json:"start,omitempty"`
	End            *float64 `json:"end,omitempty"`
	OutputOverride string   `json:"outputOverride,omitempty"`
}
