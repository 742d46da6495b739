package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/cutline/render/internal/model"
	"github.com/cutline/render/internal/service"
)

const validRenderBody = `{
	"projectId": "proj-1",
	"project": {"name": "Promo", "duration": 3, "variables": {"title": "Hello"}},
	"output": {"format": "mp4", "quality": "web"}
}`

type fixedCredits struct {
	balance int
}

func (c *fixedCredits) Charge(ctx context.Context, userID string, amount int) error {
	if amount > c.balance {
		return &service.InsufficientCreditsError{Required: amount, Balance: c.balance}
	}
	c.balance -= amount
	return nil
}

func TestStartRender(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, "POST", "/api/render", validRenderBody)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)

	body := parseJSON(t, resp)
	if body["jobId"] == nil || body["jobId"] == "" {
		t.Error("expected jobId in response")
	}
	if body["status"] != "queued" {
		t.Errorf("expected status queued, got %v", body["status"])
	}
	if len(ta.enqueuer.tasks) != 1 {
		t.Errorf("expected one queued task, got %d", len(ta.enqueuer.tasks))
	}
}

func TestStartRenderNoAuth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, "POST", "/api/render", validRenderBody, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestStartRenderValidation(t *testing.T) {
	ta := setupApp(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing project", `{"projectId":"p","output":{"format":"mp4","quality":"web"}}`},
		{"bad format", `{"projectId":"p","project":{"duration":1},"output":{"format":"avi","quality":"web"}}`},
		{"bad quality", `{"projectId":"p","project":{"duration":1},"output":{"format":"mp4","quality":"ultra"}}`},
		{"empty range", `{"projectId":"p","project":{"duration":0},"output":{"format":"mp4","quality":"web"}}`},
		{"not json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := doAuthRequest(t, ta.app, "POST", "/api/render", tt.body)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			assertStatus(t, resp, http.StatusBadRequest)

			body := parseJSON(t, resp)
			if msg, _ := body["error"].(string); msg == "" {
				t.Errorf("expected flat error message, got %v", body)
			}
		})
	}
	if len(ta.enqueuer.tasks) != 0 {
		t.Errorf("expected nothing queued, got %d", len(ta.enqueuer.tasks))
	}
}

func TestStartRenderInsufficientCredits(t *testing.T) {
	ta := setupAppWith(t, appOptions{credits: &fixedCredits{balance: 2}})

	resp, err := doAuthRequest(t, ta.app, "POST", "/api/render", validRenderBody)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusPaymentRequired)

	body := parseJSON(t, resp)
	// 3 seconds at the web multiplier
	if body["required"] != float64(6) {
		t.Errorf("expected required=6, got %v", body["required"])
	}
}

func TestRenderStatus(t *testing.T) {
	ta := setupApp(t)

	resp, _ := doAuthRequest(t, ta.app, "POST", "/api/render", validRenderBody)
	jobID, _ := parseJSON(t, resp)["jobId"].(string)

	resp, err := doAuthRequest(t, ta.app, "GET", "/api/render/"+jobID, "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	var status model.RenderJobStatus
	if err := json.Unmarshal([]byte(readBody(t, resp)), &status); err != nil {
		t.Fatalf("failed to parse status: %v", err)
	}
	if status.JobID != jobID || status.State != model.JobStateQueued || status.Progress != 0 {
		t.Errorf("unexpected status: %+v", status)
	}
}

func TestRenderStatusNotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, "GET", "/api/render/does-not-exist", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)

	body := parseJSON(t, resp)
	errObj, _ := body["error"].(map[string]interface{})
	if errObj["code"] != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND, got %v", body["error"])
	}
}

func TestDownloadURL(t *testing.T) {
	base, _ := url.Parse("https://cdn.example.com")
	ta := setupAppWith(t, appOptions{storage: cdnStorage{base: base}})

	resp, err := doAuthRequest(t, ta.app, "POST", "/api/render/download-url", `{"gcsPath":"gs://bucket/renders/u/j.mp4"}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)

	body := parseJSON(t, resp)
	if body["downloadUrl"] != "https://cdn.example.com/renders/u/j.mp4?X-Amz-Expires=3600" {
		t.Errorf("unexpected downloadUrl %v", body["downloadUrl"])
	}

	resp, _ = doAuthRequest(t, ta.app, "POST", "/api/render/download-url", `{}`)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestDownloadProxy(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/renders/u/j.mp4" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.Write([]byte("fake-mp4-bytes"))
	}))
	defer origin.Close()

	base, _ := url.Parse(origin.URL)
	ta := setupAppWith(t, appOptions{storage: cdnStorage{base: base}})

	t.Run("streams owned output", func(t *testing.T) {
		resp, err := doAuthRequest(t, ta.app, "GET", "/api/render/download?url="+url.QueryEscape(origin.URL+"/renders/u/j.mp4"), "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusOK)
		if ct := resp.Header.Get("Content-Type"); ct != "video/mp4" {
			t.Errorf("expected video/mp4, got %s", ct)
		}
		if cd := resp.Header.Get("Content-Disposition"); cd != `attachment; filename="j.mp4"` {
			t.Errorf("unexpected disposition %s", cd)
		}
		if body := readBody(t, resp); body != "fake-mp4-bytes" {
			t.Errorf("unexpected body %q", body)
		}
	})

	t.Run("missing output", func(t *testing.T) {
		resp, _ := doAuthRequest(t, ta.app, "GET", "/api/render/download?url="+url.QueryEscape(origin.URL+"/renders/u/gone.mp4"), "")
		assertStatus(t, resp, http.StatusNotFound)
	})

	t.Run("foreign host", func(t *testing.T) {
		resp, _ := doAuthRequest(t, ta.app, "GET", "/api/render/download?url="+url.QueryEscape("https://evil.example.com/x.mp4"), "")
		assertStatus(t, resp, http.StatusForbidden)
	})

	t.Run("missing url", func(t *testing.T) {
		resp, _ := doAuthRequest(t, ta.app, "GET", "/api/render/download", "")
		assertStatus(t, resp, http.StatusBadRequest)
	})
}

func TestJobPayload(t *testing.T) {
	ta := setupApp(t)

	resp, _ := doAuthRequest(t, ta.app, "POST", "/api/render", validRenderBody)
	assertStatus(t, resp, http.StatusCreated)

	var task model.RenderSessionTask
	if err := json.Unmarshal(ta.enqueuer.tasks[0].Payload(), &task); err != nil {
		t.Fatalf("failed to parse task: %v", err)
	}

	t.Run("without internal key", func(t *testing.T) {
		resp, _ := doRequest(ta.app, "GET", "/jobs/"+task.Token, "", nil)
		assertStatus(t, resp, http.StatusForbidden)
	})

	t.Run("with internal key", func(t *testing.T) {
		resp, err := doRequest(ta.app, "GET", "/jobs/"+task.Token, "", map[string]string{"X-Internal-Key": testInternalKey})
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		assertStatus(t, resp, http.StatusOK)

		var payload model.HeadlessJobPayload
		if err := json.Unmarshal([]byte(readBody(t, resp)), &payload); err != nil {
			t.Fatalf("failed to parse payload: %v", err)
		}
		if payload.JobID != task.JobID || payload.Output.Range != [2]float64{0, 3} {
			t.Errorf("unexpected payload: %+v", payload)
		}
		if payload.Variables["title"] != "Hello" {
			t.Errorf("expected variables carried, got %v", payload.Variables)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		resp, _ := doRequest(ta.app, "GET", "/jobs/nope", "", map[string]string{"X-Internal-Key": testInternalKey})
		assertStatus(t, resp, http.StatusNotFound)
	})
}
