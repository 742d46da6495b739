package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"log"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodConfig configures the headless player page
type RodConfig struct {
	// PlayerURL serves the page exposing window.cutline.{setup,draw}
	PlayerURL string
	// BrowserURL is the control URL of a running Chrome. Empty launches a local headless one.
	BrowserURL  string
	PageTimeout time.Duration
}

// RodScene draws frames inside headless Chrome through go-rod
type RodScene struct {
	cfg     RodConfig
	lnch    *launcher.Launcher
	browser *rod.Browser
	page    *rod.Page
}

// NewRodScene creates a scene; Chrome is started lazily in Setup
func NewRodScene(cfg RodConfig) *RodScene {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	return &RodScene{cfg: cfg}
}

// Setup opens the player page and hands it variables and output settings
func (s *RodScene) Setup(ctx context.Context, settings Settings, variables map[string]any) (err error) {
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	controlURL := s.cfg.BrowserURL
	if controlURL == "" {
		l := launcher.New().Headless(true).Set("disable-gpu").Set("hide-scrollbars")
		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("engine: launch chrome: %w", err)
		}
		s.lnch = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("engine: connect chrome: %w", err)
	}
	s.browser = browser

	page, err := browser.Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return fmt.Errorf("engine: open page: %w", err)
	}
	s.page = page

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             settings.Size.Width,
		Height:            settings.Size.Height,
		DeviceScaleFactor: settings.ResolutionScale,
	}); err != nil {
		return fmt.Errorf("engine: set viewport: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.PageTimeout)
	defer cancel()
	if err := page.Context(navCtx).Navigate(s.cfg.PlayerURL); err != nil {
		return fmt.Errorf("engine: navigate %s: %w", s.cfg.PlayerURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		return fmt.Errorf("engine: wait load: %w", err)
	}

	setup := map[string]any{
		"size":            settings.Size,
		"fps":             settings.FPS,
		"resolutionScale": settings.ResolutionScale,
		"background":      settings.Background,
		"colorSpace":      settings.ColorSpace,
		"range":           settings.Range,
	}
	if _, err := page.Context(navCtx).Eval(`(vars, settings) => window.cutline.setup(vars, settings)`, variables, setup); err != nil {
		return fmt.Errorf("engine: player setup: %w", err)
	}

	log.Printf("[Engine] player ready at %s (%dx%d @ %.2f fps)", s.cfg.PlayerURL, settings.Size.Width, settings.Size.Height, settings.FPS)
	return nil
}

// Draw seeks the player to frame and returns its canvas as an image
func (s *RodScene) Draw(ctx context.Context, frame int) (image.Image, error) {
	if s.page == nil {
		return nil, fmt.Errorf("engine: draw before setup")
	}
	res, err := s.page.Context(ctx).Eval(`(frame) => window.cutline.draw(frame)`, frame)
	if err != nil {
		return nil, fmt.Errorf("engine: draw frame %d: %w", frame, err)
	}
	return decodeDataURL(res.Value.Str())
}

// Close releases the page, the browser, and a locally launched Chrome
func (s *RodScene) Close() error {
	if s.page != nil {
		_ = s.page.Close()
		s.page = nil
	}
	if s.browser != nil {
		_ = s.browser.Close()
		s.browser = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
	return nil
}

func decodeDataURL(dataURL string) (image.Image, error) {
	comma := strings.IndexByte(dataURL, ',')
	if !strings.HasPrefix(dataURL, "data:image/png;base64") || comma < 0 {
		return nil, fmt.Errorf("engine: player returned an unexpected frame encoding")
	}
	raw, err := base64.StdEncoding.DecodeString(dataURL[comma+1:])
	if err != nil {
		return nil, fmt.Errorf("engine: decode frame: %w", err)
	}
	return png.Decode(bytes.NewReader(raw))
}
