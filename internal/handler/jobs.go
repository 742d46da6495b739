package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/cutline/render/internal/service"
	"github.com/cutline/render/pkg/response"
)

// JobsHandler serves session payloads to headless render sessions
type JobsHandler struct {
	service *service.RenderService
}

func NewJobsHandler(svc *service.RenderService) *JobsHandler {
	return &JobsHandler{service: svc}
}

// Payload handles GET /jobs/:token
func (h *JobsHandler) Payload(c *fiber.Ctx) error {
	token := c.Params("token")
	if token == "" {
		return response.ValidationError(c, "Token is required", nil)
	}

	payload, err := h.service.GetPayload(c.UserContext(), token)
	if err != nil {
		if errors.Is(err, service.ErrPayloadNotFound) {
			return response.NotFound(c, "Job payload not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, payload)
}

// RequireSession rejects encoder connections for unknown tokens before the upgrade
func (h *JobsHandler) RequireSession(c *fiber.Ctx) error {
	if _, err := h.service.GetPayload(c.UserContext(), c.Params("token")); err != nil {
		if errors.Is(err, service.ErrPayloadNotFound) {
			return response.NotFound(c, "Unknown session token")
		}
		return response.ServiceError(c, err.Error())
	}
	return c.Next()
}
