// Package apiclient is the typed HTTP client for the render backend
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cutline/render/internal/model"
)

// ErrJobNotFound is returned when the backend no longer knows a job
var ErrJobNotFound = errors.New("job not found")

// InsufficientCreditsError is the 402 answer of POST /api/render
type InsufficientCreditsError struct {
	Required *int
	Message  string
}

func (e *InsufficientCreditsError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "insufficient credits"
}

// StatusError is any other non-2xx answer
type StatusError struct {
	StatusCode int
	Message    string

	body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("render API error (status %d): %s", e.StatusCode, e.Message)
}

// Config configures a Client
type Config struct {
	BaseURL     string
	Token       string
	InternalKey string
	Timeout     time.Duration
}

// Client talks to the render backend
type Client struct {
	httpClient  *http.Client
	baseURL     string
	token       string
	internalKey string
}

// New creates a new render API client
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		internalKey: cfg.InternalKey,
	}
}

// BaseURL returns the backend root the client was built with
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StartRender submits a render request
func (c *Client) StartRender(ctx context.Context, req *model.RenderRequest) (*model.RenderStartResponse, error) {
	var result model.RenderStartResponse
	err := c.post(ctx, "/api/render", req, &result)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusPaymentRequired {
			return nil, c.creditsError(se)
		}
		return nil, err
	}
	return &result, nil
}

// GetStatus fetches the status of a job
func (c *Client) GetStatus(ctx context.Context, jobID string) (*model.RenderJobStatus, error) {
	var result model.RenderJobStatus
	err := c.get(ctx, "/api/render/"+url.PathEscape(jobID), &result)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &result, nil
}

// ResolveDownloadURL exchanges a storage path for a download URL
func (c *Client) ResolveDownloadURL(ctx context.Context, outputPath string) (string, error) {
	var result model.DownloadURLResponse
	if err := c.post(ctx, "/api/render/download-url", model.DownloadURLRequest{GCSPath: outputPath}, &result); err != nil {
		return "", err
	}
	return result.DownloadURL, nil
}

// FetchPayload retrieves the headless session payload for a token
func (c *Client) FetchPayload(ctx context.Context, token string) (*model.HeadlessJobPayload, error) {
	var result model.HeadlessJobPayload
	if err := c.get(ctx, "/jobs/"+url.PathEscape(token), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Download streams a rendered file through the backend proxy into w
func (c *Client) Download(ctx context.Context, downloadURL string, w io.Writer) (int64, error) {
	endpoint := "/api/render/download?url=" + url.QueryEscape(downloadURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(req)

	// downloads may outlive the API timeout
	httpClient := *c.httpClient
	httpClient.Timeout = 0
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read download: %w", err)
	}
	return n, nil
}

// post sends a POST request with JSON body
func (c *Client) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *Client) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.internalKey != "" {
		req.Header.Set("X-Internal-Key", c.internalKey)
	}
}

// doRequest executes an HTTP request and parses the response
func (c *Client) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	log.Printf("[Render API] → %s %s", req.Method, req.URL.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Render API] ✗ %s %s: request failed: %v", req.Method, req.URL.Path, err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	log.Printf("[Render API] ← %d %s %s", resp.StatusCode, req.Method, req.URL.Path)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(respBody), body: respBody}
	}

	if result == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) creditsError(se *StatusError) *InsufficientCreditsError {
	var body model.RenderErrorResponse
	_ = json.Unmarshal(se.body, &body)
	msg := body.Error
	if msg == "" {
		msg = se.Message
	}
	return &InsufficientCreditsError{Required: body.Required, Message: msg}
}

// errorMessage understands both {"error":"..."} and {"error":{"message":"..."}}
func errorMessage(body []byte) string {
	var flat struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &flat); err == nil && flat.Error != "" {
		return flat.Error
	}
	var nested struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &nested); err == nil && nested.Error.Message != "" {
		return nested.Error.Message
	}
	return strings.TrimSpace(string(body))
}
