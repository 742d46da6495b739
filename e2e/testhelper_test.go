package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/hibiken/asynq"

	"github.com/cutline/render/internal/encoderd"
	"github.com/cutline/render/internal/handler"
	"github.com/cutline/render/internal/metrics"
	"github.com/cutline/render/internal/middleware"
	"github.com/cutline/render/internal/service"
	"github.com/cutline/render/internal/storage"
	ws "github.com/cutline/render/internal/websocket"
)

const (
	testJWTSecret   = "test-secret-for-e2e"
	testInternalKey = "test-internal-key"
	testUserID      = "test-user-123"
)

// recordingEnqueuer keeps tasks instead of running them
type recordingEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (e *recordingEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

type appOptions struct {
	store    service.JobStore
	enqueuer service.Enqueuer
	credits  service.CreditChecker
	storage  storage.Client
	gateway  *encoderd.Gateway
	limiter  *middleware.RateLimiter
}

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	service  *service.RenderService
	hub      *ws.Hub
	metrics  *metrics.Metrics
	enqueuer *recordingEnqueuer
}

// setupApp creates a Fiber app wired like main.go over in-memory stores
func setupApp(t *testing.T) *testApp {
	t.Helper()
	return setupAppWith(t, appOptions{})
}

func setupAppWith(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	ta := &testApp{hub: ws.NewHub(), metrics: metrics.New()}
	go ta.hub.Run()

	if opts.store == nil {
		opts.store = service.NewMemoryJobStore()
	}
	if opts.enqueuer == nil {
		ta.enqueuer = &recordingEnqueuer{}
		opts.enqueuer = ta.enqueuer
	}
	if opts.limiter == nil {
		opts.limiter = middleware.NewRateLimiter(nil)
	}

	ta.service = service.NewRenderService(opts.store, opts.enqueuer, service.RenderServiceOptions{
		Credits: opts.credits,
		Storage: opts.storage,
		Metrics: ta.metrics,
	})

	validate := validator.New()
	renderHandler := handler.NewRenderHandler(ta.service, validate, opts.storage)
	jobsHandler := handler.NewJobsHandler(ta.service)
	authMiddleware := middleware.NewHMACAuthMiddleware(testJWTSecret)
	internalKey := middleware.InternalKey(testInternalKey)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":   false,
				"storage": opts.storage != nil,
				"credits": opts.credits != nil,
				"auth":    true,
			},
		})
	})
	app.Get("/metrics", adaptor.HTTPHandler(ta.metrics.Handler()))

	api := app.Group("/api", authMiddleware.Authenticate())
	api.Post("/render", opts.limiter.RenderLimit(10000), renderHandler.Start)
	api.Post("/render/download-url", renderHandler.DownloadURL)
	api.Get("/render/download", renderHandler.Download)
	api.Get("/render/:jobId", renderHandler.Status)

	app.Get("/jobs/:token", internalKey, jobsHandler.Payload)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		ta.hub.HandleConnection(c, c.Params("jobId"))
	}))
	if opts.gateway != nil {
		app.Get("/ws/encoder/:token", internalKey, jobsHandler.RequireSession, websocket.New(func(c *websocket.Conn) {
			opts.gateway.HandleConnection(c, c.Params("token"))
		}))
	}

	ta.app = app
	return ta
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	token, err := middleware.NewHMACAuthMiddleware(testJWTSecret).GenerateToken(testUserID, "test@example.com")
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	token := generateToken(t)
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// cdnStorage is a storage.Client whose objects live on one test host
type cdnStorage struct {
	base *url.URL
}

func (s cdnStorage) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	return s.GetPublicURL(key), nil
}
func (s cdnStorage) UploadFile(ctx context.Context, key, path, contentType string) (string, error) {
	return s.GetPublicURL(key), nil
}
func (s cdnStorage) GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("%s?X-Amz-Expires=%d", s.GetPublicURL(key), int(expiry.Seconds())), nil
}
func (s cdnStorage) GetPublicURL(key string) string {
	return s.base.String() + "/" + key
}
func (s cdnStorage) Owns(u *url.URL) bool { return u.Host == s.base.Host }
