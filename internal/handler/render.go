package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/cutline/render/internal/middleware"
	"github.com/cutline/render/internal/model"
	"github.com/cutline/render/internal/service"
	"github.com/cutline/render/internal/storage"
	"github.com/cutline/render/pkg/response"
)

type RenderHandler struct {
	service    *service.RenderService
	validator  *validator.Validate
	storage    storage.Client
	httpClient *http.Client
}

// NewRenderHandler builds the render routes; store may be nil when object storage is off
func NewRenderHandler(svc *service.RenderService, v *validator.Validate, store storage.Client) *RenderHandler {
	return &RenderHandler{
		service:    svc,
		validator:  v,
		storage:    store,
		httpClient: &http.Client{},
	}
}

// Start handles POST /api/render
func (h *RenderHandler) Start(c *fiber.Ctx) error {
	var req model.RenderRequest
	if err := c.BodyParser(&req); err != nil {
		return renderError(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return renderError(c, fiber.StatusBadRequest, validationMessage(err), nil)
	}

	result, err := h.service.StartRender(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		var ice *service.InsufficientCreditsError
		switch {
		case errors.As(err, &ice):
			required := ice.Required
			return renderError(c, fiber.StatusPaymentRequired, "Insufficient credits", &required)
		case errors.Is(err, service.ErrInvalidProject):
			return renderError(c, fiber.StatusBadRequest, err.Error(), nil)
		}
		return renderError(c, fiber.StatusInternalServerError, err.Error(), nil)
	}

	return response.Created(c, result)
}

// Status handles GET /api/render/:jobId
func (h *RenderHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.UserContext(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// DownloadURL handles POST /api/render/download-url
func (h *RenderHandler) DownloadURL(c *fiber.Ctx) error {
	var req model.DownloadURLRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	downloadURL, err := h.service.DownloadURL(c.UserContext(), req.GCSPath)
	if err != nil {
		if errors.Is(err, service.ErrInvalidProject) {
			return response.ValidationError(c, err.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, model.DownloadURLResponse{DownloadURL: downloadURL})
}

// Download handles GET /api/render/download?url= by streaming a stored output
func (h *RenderHandler) Download(c *fiber.Ctx) error {
	raw := c.Query("url")
	if raw == "" {
		return response.ValidationError(c, "url is required", nil)
	}

	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") {
		return response.ValidationError(c, "Invalid url", nil)
	}
	if h.storage == nil || !h.storage.Owns(target) {
		return response.Forbidden(c, "URL is not served by render storage")
	}

	req, err := http.NewRequestWithContext(c.UserContext(), http.MethodGet, target.String(), nil)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return response.UpstreamError(c, fmt.Sprintf("Download failed: %v", err))
	}
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return response.NotFound(c, "Output not found")
		}
		return response.UpstreamError(c, fmt.Sprintf("Storage returned status %d", resp.StatusCode))
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		c.Set(fiber.HeaderContentType, ct)
	}
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", path.Base(target.Path)))

	// fasthttp closes the body once it has been streamed
	return c.Status(fiber.StatusOK).SendStream(resp.Body, int(resp.ContentLength))
}

func renderError(c *fiber.Ctx, status int, message string, required *int) error {
	return c.Status(status).JSON(model.RenderErrorResponse{
		Error:    message,
		Required: required,
	})
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}

func validationMessage(err error) string {
	fields, ok := formatValidationErrors(err).(map[string]string)
	if !ok || len(fields) == 0 {
		return "Validation failed"
	}
	parts := make([]string, 0, len(fields))
	for field, tag := range fields {
		parts = append(parts, field+" "+tag)
	}
	sort.Strings(parts)
	return "Validation failed: " + strings.Join(parts, ", ")
}
