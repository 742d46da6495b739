package session

import (
	"log"

	"github.com/cutline/render/internal/model"
)

// LogHost reports session events to the process log
type LogHost struct {
	lastPercent int
}

// NewLogHost creates a host that logs every 10% of progress
func NewLogHost() *LogHost {
	return &LogHost{lastPercent: -1}
}

func (h *LogHost) OnRenderProgress(frame, total int) {
	if total <= 0 {
		return
	}
	percent := frame * 100 / total
	if percent > 100 {
		percent = 100
	}
	if percent/10 == h.lastPercent/10 && h.lastPercent >= 0 {
		return
	}
	h.lastPercent = percent
	log.Printf("[Session] frame %d/%d (%d%%)", frame, total, percent)
}

func (h *LogHost) OnRenderEnd(result model.RenderResult) {
	log.Printf("[Session] render finished: %s", result)
}

func (h *LogHost) OnRenderError(message string) {
	log.Printf("[Session] render error: %s", message)
}
