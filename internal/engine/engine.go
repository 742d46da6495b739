// Package engine adapts the external frame-producing render engine.
//
// The engine itself (scene graph, animation scheduling, layout) lives outside
// this repository. What it must offer is small: accept variables, draw a frame
// by index, and report frame and finished events while pushing bitmaps into an
// Exporter.
package engine

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/cutline/render/internal/model"
)

// Exporter receives the frames of one render
type Exporter interface {
	Start(ctx context.Context) error
	HandleFrame(ctx context.Context, img image.Image) error
	Stop(ctx context.Context, result model.RenderResult) (*model.EndAckData, error)
}

// Settings are the output parameters of one render call
type Settings struct {
	Size            model.Size
	FPS             float64
	ResolutionScale float64
	Background      string
	ColorSpace      string
	Range           [2]float64
}

// SettingsFromOutput maps payload output settings onto engine settings
func SettingsFromOutput(o model.OutputSettings) Settings {
	scale := o.ResolutionScale
	if scale <= 0 {
		scale = 1
	}
	colorSpace := o.ColorSpace
	if colorSpace == "" {
		colorSpace = "srgb"
	}
	return Settings{
		Size:            o.Size,
		FPS:             o.FPS,
		ResolutionScale: scale,
		Background:      o.Background,
		ColorSpace:      colorSpace,
		Range:           o.Range,
	}
}

// Listener receives engine lifecycle events. Nil funcs are skipped.
type Listener struct {
	OnFrameChanged func(frame int)
	OnFinished     func(result model.RenderResult)
}

// Engine is the interface the session driver drives
type Engine interface {
	SetVariables(vars map[string]any)
	Render(ctx context.Context, settings Settings, exporter Exporter, listener Listener) error
}

// Scene produces bitmaps for absolute frame indices
type Scene interface {
	Setup(ctx context.Context, settings Settings, variables map[string]any) error
	Draw(ctx context.Context, frame int) (image.Image, error)
	Close() error
}

// Renderer is the frame loop shared by every Scene
type Renderer struct {
	scene     Scene
	defaults  map[string]any
	variables map[string]any

	// StopTimeout bounds the final Stop call after a cancelled render
	StopTimeout time.Duration
}

// NewRenderer returns an Engine over scene with the given default variables
func NewRenderer(scene Scene, defaults map[string]any) *Renderer {
	r := &Renderer{
		scene:       scene,
		defaults:    defaults,
		StopTimeout: 30 * time.Second,
	}
	r.SetVariables(nil)
	return r
}

// SetVariables merges vars over the engine defaults
func (r *Renderer) SetVariables(vars map[string]any) {
	merged := make(map[string]any, len(r.defaults)+len(vars))
	for k, v := range r.defaults {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}
	r.variables = merged
}

// Variables returns the current variable namespace
func (r *Renderer) Variables() map[string]any {
	return r.variables
}

// Render draws every frame of settings.Range and pushes it into exporter.
// Like the upstream engine it emits one trailing frame past the range end.
func (r *Renderer) Render(ctx context.Context, settings Settings, exporter Exporter, listener Listener) error {
	total := model.TotalFrames(settings.Range, settings.FPS)
	first := int(math.Round(settings.Range[0] * settings.FPS))

	// Setup may acquire resources before it fails
	defer r.scene.Close()
	if err := r.scene.Setup(ctx, settings, r.variables); err != nil {
		return fmt.Errorf("failed to set up scene: %w", err)
	}

	result := model.RenderResultSuccess
	var renderErr error
	if err := exporter.Start(ctx); err != nil {
		result = model.RenderResultError
		renderErr = fmt.Errorf("failed to start exporter: %w", err)
	}
	for f := 0; renderErr == nil && f <= total; f++ {
		if err := ctx.Err(); err != nil {
			result = model.RenderResultAborted
			renderErr = err
			break
		}

		img, err := r.scene.Draw(ctx, first+f)
		if err != nil {
			result = model.RenderResultError
			renderErr = fmt.Errorf("failed to draw frame %d: %w", first+f, err)
			break
		}
		if listener.OnFrameChanged != nil {
			listener.OnFrameChanged(f)
		}

		if err := exporter.HandleFrame(ctx, img); err != nil {
			result = model.RenderResultError
			renderErr = fmt.Errorf("failed to export frame %d: %w", f, err)
			break
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.StopTimeout)
	defer cancel()
	if _, err := exporter.Stop(stopCtx, result); err != nil && renderErr == nil {
		result = model.RenderResultError
		renderErr = fmt.Errorf("failed to stop exporter: %w", err)
	}

	if listener.OnFinished != nil {
		listener.OnFinished(result)
	}
	return renderErr
}
