package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cutline/render/internal/apiclient"
	"github.com/cutline/render/internal/model"
)

type statusReply struct {
	status *model.RenderJobStatus
	err    error
}

type fakeAPI struct {
	mu           sync.Mutex
	startRes     *model.RenderStartResponse
	startErr     error
	replies      map[string][]statusReply
	polls        map[string]int
	resolveURL   string
	resolveCalls int
	resolvedPath string
	// gate, when set, holds every GetStatus until a value is sent
	gate chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		replies: make(map[string][]statusReply),
		polls:   make(map[string]int),
	}
}

func (a *fakeAPI) StartRender(ctx context.Context, req *model.RenderRequest) (*model.RenderStartResponse, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return nil, a.startErr
	}
	res := *a.startRes
	return &res, nil
}

func (a *fakeAPI) GetStatus(ctx context.Context, jobID string) (*model.RenderJobStatus, error) {
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls[jobID]++
	seq := a.replies[jobID]
	if len(seq) == 0 {
		return nil, errors.New("no reply scripted")
	}
	r := seq[0]
	if len(seq) > 1 {
		a.replies[jobID] = seq[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	s := *r.status
	return &s, nil
}

func (a *fakeAPI) ResolveDownloadURL(ctx context.Context, outputPath string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resolveCalls++
	a.resolvedPath = outputPath
	return a.resolveURL, nil
}

func (a *fakeAPI) script(jobID string, replies ...statusReply) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies[jobID] = replies
}

func (a *fakeAPI) pollCount(jobID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polls[jobID]
}

func (a *fakeAPI) resolveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resolveCalls
}

type recordingNotifier struct {
	mu        sync.Mutex
	completed []model.RenderJobStatus
	failed    []string
	credits   []InsufficientCredits
}

func (n *recordingNotifier) RenderCompleted(status model.RenderJobStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, status)
}

func (n *recordingNotifier) RenderFailed(jobID, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, message)
}

func (n *recordingNotifier) InsufficientCredits(info InsufficientCredits) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.credits = append(n.credits, info)
}

func (n *recordingNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completed), len(n.failed)
}

func ok(s model.RenderJobStatus) statusReply { return statusReply{status: &s} }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestTracker(api API, store Store, n Notifier) *Tracker {
	return New(api, store, Options{
		PollInterval:   5 * time.Millisecond,
		RemediationURL: "/settings/billing",
		Notifier:       n,
	})
}

var testProject = json.RawMessage(`{"scenes":[]}`)

var webMP4 = model.RenderOptions{Format: model.FormatMP4, Quality: model.QualityWeb}

func TestStartRenderPollsUntilCompleted(t *testing.T) {
	api := newFakeAPI()
	api.startRes = &model.RenderStartResponse{JobID: "j1", Status: model.JobStateQueued, OutputPath: "renders/j1.mp4"}
	api.gate = make(chan struct{})
	api.script("j1",
		ok(model.RenderJobStatus{JobID: "j1", State: model.JobStateActive, Progress: 40}),
		ok(model.RenderJobStatus{JobID: "j1", State: model.JobStateCompleted, Progress: 100, DownloadURL: "https://x"}),
	)
	store := NewMemoryStore()
	n := &recordingNotifier{}
	tr := newTestTracker(api, store, n)

	if err := tr.StartRender(context.Background(), testProject, "p1", webMP4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	records, _ := store.Load(context.Background())
	if len(records) != 1 || records[0].JobID != "j1" || records[0].Status.State != model.JobStateQueued {
		t.Fatalf("expected queued record for j1, got %+v", records)
	}
	if !tr.State().IsRendering {
		t.Error("expected IsRendering after submission")
	}

	api.gate <- struct{}{}
	waitFor(t, "progress 40", func() bool {
		s := tr.State()
		return s.Status != nil && s.Status.Progress == 40
	})

	api.gate <- struct{}{}
	tr.Wait()

	s := tr.State()
	if s.IsRendering {
		t.Error("expected IsRendering=false after completion")
	}
	if s.Status.State != model.JobStateCompleted || s.Status.DownloadURL != "https://x" {
		t.Errorf("unexpected final status: %+v", s.Status)
	}
	if s.Status.OutputPath != "renders/j1.mp4" {
		t.Errorf("expected local output path to be merged, got %q", s.Status.OutputPath)
	}
	if completed, _ := n.counts(); completed != 1 {
		t.Errorf("expected exactly one completion notification, got %d", completed)
	}
	if api.resolveCount() != 0 {
		t.Error("expected no download URL resolution when the server returned one")
	}

	records, _ = store.Load(context.Background())
	if records[0].Status.State != model.JobStateCompleted {
		t.Errorf("expected persisted completed status, got %s", records[0].Status.State)
	}
}

func TestStartRenderInsufficientCredits(t *testing.T) {
	required := 500
	api := newFakeAPI()
	api.startErr = &apiclient.InsufficientCreditsError{Required: &required, Message: "Insufficient credits"}
	store := NewMemoryStore()
	n := &recordingNotifier{}
	tr := newTestTracker(api, store, n)

	if err := tr.StartRender(context.Background(), testProject, "p1", webMP4); err == nil {
		t.Fatal("expected error")
	}

	s := tr.State()
	if s.IsRendering {
		t.Error("expected IsRendering=false")
	}
	if s.Error != "Insufficient credits" {
		t.Errorf("expected server message, got %q", s.Error)
	}
	if s.InsufficientCredits == nil || *s.InsufficientCredits.Required != 500 {
		t.Fatalf("expected required 500, got %+v", s.InsufficientCredits)
	}
	if s.InsufficientCredits.RemediationURL != "/settings/billing" {
		t.Errorf("expected remediation URL, got %q", s.InsufficientCredits.RemediationURL)
	}
	if records, _ := store.Load(context.Background()); len(records) != 0 {
		t.Errorf("expected no job record, got %+v", records)
	}
	if len(n.credits) != 1 {
		t.Errorf("expected one credits notification, got %d", len(n.credits))
	}
}

func TestStartRenderGenericFailure(t *testing.T) {
	api := newFakeAPI()
	api.startErr = &apiclient.StatusError{StatusCode: 500, Message: "boom"}
	tr := newTestTracker(api, NewMemoryStore(), nil)

	if err := tr.StartRender(context.Background(), testProject, "p1", webMP4); err == nil {
		t.Fatal("expected error")
	}
	s := tr.State()
	if s.IsRendering || s.Error != msgStartFailed || s.InsufficientCredits != nil {
		t.Errorf("unexpected state: %+v", s)
	}
}

func TestNotFoundWithKnownOutputCompletes(t *testing.T) {
	api := newFakeAPI()
	api.startRes = &model.RenderStartResponse{JobID: "j1", OutputPath: "renders/j1.mp4"}
	api.resolveURL = "https://x/renders/j1.mp4"
	api.script("j1", statusReply{err: apiclient.ErrJobNotFound})
	n := &recordingNotifier{}
	tr := newTestTracker(api, NewMemoryStore(), n)

	if err := tr.StartRender(context.Background(), testProject, "p1", webMP4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr.Wait()

	s := tr.State()
	if s.Status.State != model.JobStateCompleted || s.Status.Progress != 100 {
		t.Errorf("expected completed at 100, got %+v", s.Status)
	}
	if s.Status.DownloadURL != "https://x/renders/j1.mp4" {
		t.Errorf("expected resolved download URL, got %q", s.Status.DownloadURL)
	}
	if api.resolveCount() != 1 {
		t.Errorf("expected one resolution attempt, got %d", api.resolveCount())
	}
	if api.pollCount("j1") != 1 {
		t.Errorf("expected polling to stop after not-found, got %d polls", api.pollCount("j1"))
	}
	if completed, _ := n.counts(); completed != 1 {
		t.Errorf("expected one completion notification, got %d", completed)
	}
}

func TestNotFoundWithoutOutputFails(t *testing.T) {
	api := newFakeAPI()
	api.startRes = &model.RenderStartResponse{JobID: "j1"}
	api.script("j1", statusReply{err: apiclient.ErrJobNotFound})
	n := &recordingNotifier{}
	tr := newTestTracker(api, NewMemoryStore(), n)

	_ = tr.StartRender(context.Background(), testProject, "p1", webMP4)
	tr.Wait()

	s := tr.State()
	if s.Status.State != model.JobStateFailed || s.Error != msgJobNotFound {
		t.Errorf("expected hard failure, got %+v (error %q)", s.Status, s.Error)
	}
	if _, failed := n.counts(); failed != 1 {
		t.Errorf("expected one failure notification, got %d", failed)
	}
}

func TestFailedStatusSurfacesReason(t *testing.T) {
	api := newFakeAPI()
	api.startRes = &model.RenderStartResponse{JobID: "j1", OutputPath: "renders/j1.mp4"}
	api.script("j1", ok(model.RenderJobStatus{JobID: "j1", State: model.JobStateFailed, FailedReason: "encoder crashed"}))
	n := &recordingNotifier{}
	tr := newTestTracker(api, NewMemoryStore(), n)

	_ = tr.StartRender(context.Background(), testProject, "p1", webMP4)
	tr.Wait()

	s := tr.State()
	if s.Error != "encoder crashed" || s.IsRendering {
		t.Errorf("unexpected state: %+v", s)
	}
	if _, failed := n.counts(); failed != 1 {
		t.Errorf("expected one failure notification, got %d", failed)
	}
}

func TestStatusFetchErrorStopsPolling(t *testing.T) {
	api := newFakeAPI()
	api.startRes = &model.RenderStartResponse{JobID: "j1"}
	api.script("j1", statusReply{err: &apiclient.StatusError{StatusCode: 502, Message: "bad gateway"}})
	tr := newTestTracker(api, NewMemoryStore(), nil)

	_ = tr.StartRender(context.Background(), testProject, "p1", webMP4)
	tr.Wait()

	s := tr.State()
	if s.Error != msgStatusFetchErr || s.IsRendering {
		t.Errorf("unexpected state: %+v", s)
	}
	if api.pollCount("j1") != 1 {
		t.Errorf("expected a single poll, got %d", api.pollCount("j1"))
	}
}

func TestStartPollingTwiceLeavesOnePoller(t *testing.T) {
	api := newFakeAPI()
	api.script("a", ok(model.RenderJobStatus{JobID: "a", State: model.JobStateActive}))
	api.script("b", ok(model.RenderJobStatus{JobID: "b", State: model.JobStateActive}))
	tr := newTestTracker(api, NewMemoryStore(), nil)

	tr.startPolling("a")
	tr.startPolling("b")

	waitFor(t, "polls of b", func() bool { return api.pollCount("b") >= 3 })
	tr.Reset()
	tr.Wait()

	if n := api.pollCount("a"); n != 0 {
		t.Errorf("expected the first poller to be cancelled, got %d polls", n)
	}
}

func TestCancelPollingIsSafe(t *testing.T) {
	tr := newTestTracker(newFakeAPI(), NewMemoryStore(), nil)
	tr.CancelPolling()
	tr.CancelPolling()
	tr.Wait()
}

func TestJobsPrunesOldRecords(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore(
		model.StoredJobRecord{JobID: "old", StartedAt: now.Add(-25 * time.Hour)},
		model.StoredJobRecord{JobID: "edge", StartedAt: now.Add(-24 * time.Hour)},
		model.StoredJobRecord{JobID: "fresh", StartedAt: now.Add(-time.Hour)},
	)
	tr := New(newFakeAPI(), store, Options{Now: func() time.Time { return now }})

	jobs := tr.Jobs(context.Background())
	if len(jobs) != 1 || jobs[0].JobID != "fresh" {
		t.Fatalf("expected only the fresh record, got %+v", jobs)
	}
	stored, _ := store.Load(context.Background())
	if len(stored) != 1 {
		t.Errorf("expected pruned list to be written back, got %d", len(stored))
	}
}

func TestResumeTerminalJobDoesNotPoll(t *testing.T) {
	for _, state := range []model.JobState{model.JobStateCompleted, model.JobStateFailed} {
		api := newFakeAPI()
		tr := newTestTracker(api, NewMemoryStore(), nil)

		tr.ResumeJob(model.StoredJobRecord{
			JobID:     "j1",
			StartedAt: time.Now(),
			Status:    model.RenderJobStatus{JobID: "j1", State: state, DownloadURL: "https://x"},
		})
		time.Sleep(30 * time.Millisecond)
		tr.Wait()

		if n := api.pollCount("j1"); n != 0 {
			t.Errorf("%s: expected no polls, got %d", state, n)
		}
		if tr.State().IsRendering {
			t.Errorf("%s: expected IsRendering=false", state)
		}
	}
}

func TestResumeCompletedRepairsDownloadURL(t *testing.T) {
	api := newFakeAPI()
	api.resolveURL = "https://x/renders/j1.mp4"
	record := model.StoredJobRecord{
		JobID:      "j1",
		OutputPath: "renders/j1.mp4",
		StartedAt:  time.Now(),
		Status:     model.RenderJobStatus{JobID: "j1", State: model.JobStateCompleted, Progress: 100},
	}
	store := NewMemoryStore(record)
	tr := newTestTracker(api, store, nil)

	tr.ResumeJob(record)
	tr.Wait()

	if api.pollCount("j1") != 0 {
		t.Error("expected repair not to poll")
	}
	if got := tr.State().Status.DownloadURL; got != "https://x/renders/j1.mp4" {
		t.Errorf("expected repaired URL in state, got %q", got)
	}
	stored, _ := store.Load(context.Background())
	if stored[0].Status.DownloadURL != "https://x/renders/j1.mp4" {
		t.Errorf("expected repaired URL in record, got %q", stored[0].Status.DownloadURL)
	}
	if stored[0].Status.State != model.JobStateCompleted {
		t.Errorf("expected record to stay completed, got %s", stored[0].Status.State)
	}
}

func TestResumeRepairsUsingStatusOutputPath(t *testing.T) {
	api := newFakeAPI()
	api.resolveURL = "https://x/renders/j2.webm"
	record := model.StoredJobRecord{
		JobID:     "j2",
		StartedAt: time.Now(),
		Status: model.RenderJobStatus{
			JobID: "j2", State: model.JobStateCompleted, Progress: 100, OutputPath: "renders/j2.webm",
		},
	}
	store := NewMemoryStore(record)
	tr := newTestTracker(api, store, nil)

	tr.ResumeJob(record)
	tr.Wait()

	api.mu.Lock()
	resolved := api.resolvedPath
	api.mu.Unlock()
	if resolved != "renders/j2.webm" {
		t.Fatalf("expected repair to resolve the status output path, got %q", resolved)
	}
	if got := tr.State().OutputPath; got != "renders/j2.webm" {
		t.Errorf("expected state output path from status, got %q", got)
	}
	stored, _ := store.Load(context.Background())
	if stored[0].Status.DownloadURL != "https://x/renders/j2.webm" || stored[0].OutputPath != "renders/j2.webm" {
		t.Errorf("expected repaired record, got %+v", stored[0])
	}
}

func TestResumeActiveJobPolls(t *testing.T) {
	api := newFakeAPI()
	api.script("j1", ok(model.RenderJobStatus{JobID: "j1", State: model.JobStateCompleted, DownloadURL: "https://x"}))
	n := &recordingNotifier{}
	tr := newTestTracker(api, NewMemoryStore(), n)

	tr.ResumeJob(model.StoredJobRecord{
		JobID:     "j1",
		StartedAt: time.Now(),
		Status:    model.RenderJobStatus{JobID: "j1", State: model.JobStateActive, Progress: 10},
	})
	if !tr.State().IsRendering {
		t.Error("expected IsRendering after resuming an active job")
	}
	tr.Wait()

	if completed, _ := n.counts(); completed != 1 {
		t.Errorf("expected completion notification, got %d", completed)
	}
}

func TestClearJobResetsActiveJob(t *testing.T) {
	api := newFakeAPI()
	api.script("j1", ok(model.RenderJobStatus{JobID: "j1", State: model.JobStateActive}))
	record := model.StoredJobRecord{JobID: "j1", StartedAt: time.Now(), Status: model.RenderJobStatus{State: model.JobStateActive}}
	other := model.StoredJobRecord{JobID: "j2", StartedAt: time.Now(), Status: model.RenderJobStatus{State: model.JobStateCompleted}}
	store := NewMemoryStore(record, other)
	tr := newTestTracker(api, store, nil)

	tr.ResumeJob(record)
	tr.ClearJob(context.Background(), "j1")
	tr.Wait()

	if s := tr.State(); s.JobID != "" || s.IsRendering {
		t.Errorf("expected reset state, got %+v", s)
	}
	stored, _ := store.Load(context.Background())
	if len(stored) != 1 || stored[0].JobID != "j2" {
		t.Errorf("expected only j2 to remain, got %+v", stored)
	}
}

func TestStoreErrorsAreSwallowed(t *testing.T) {
	api := newFakeAPI()
	api.startRes = &model.RenderStartResponse{JobID: "j1"}
	api.script("j1", ok(model.RenderJobStatus{JobID: "j1", State: model.JobStateCompleted, DownloadURL: "https://x"}))
	store := NewMemoryStore()
	store.Err = errors.New("disk full")
	tr := newTestTracker(api, store, nil)

	if err := tr.StartRender(context.Background(), testProject, "p1", webMP4); err != nil {
		t.Fatalf("expected store failure to be swallowed, got %v", err)
	}
	tr.Wait()
	if tr.State().Status.State != model.JobStateCompleted {
		t.Error("expected polling to proceed despite store errors")
	}
	if jobs := tr.Jobs(context.Background()); jobs != nil {
		t.Errorf("expected no jobs from failing store, got %+v", jobs)
	}
}

func TestFileStoreNamespaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	a := NewFileStore(path, "alpha")
	b := NewFileStore(path, "beta")
	ctx := context.Background()

	if err := a.Save(ctx, []model.StoredJobRecord{{JobID: "a1"}}); err != nil {
		t.Fatalf("save alpha: %v", err)
	}
	if err := b.Save(ctx, []model.StoredJobRecord{{JobID: "b1"}, {JobID: "b2"}}); err != nil {
		t.Fatalf("save beta: %v", err)
	}

	got, err := a.Load(ctx)
	if err != nil {
		t.Fatalf("load alpha: %v", err)
	}
	if len(got) != 1 || got[0].JobID != "a1" {
		t.Errorf("expected alpha records untouched, got %+v", got)
	}
	got, _ = b.Load(ctx)
	if len(got) != 2 {
		t.Errorf("expected two beta records, got %d", len(got))
	}
}

func TestFileStoreConcurrentUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	store := NewFileStore(path, "alpha")
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			errs <- store.Save(ctx, []model.StoredJobRecord{{JobID: fmt.Sprintf("job-%d", i)}})
		}(i)
		go func() {
			defer wg.Done()
			_, err := store.Load(ctx)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("unexpected store error: %v", err)
		}
	}

	got, err := store.Load(ctx)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected one record after concurrent saves, got %+v (%v)", got, err)
	}

	// the file lock must be free once every call returned
	other := NewFileStore(path, "beta")
	if err := other.Save(ctx, []model.StoredJobRecord{{JobID: "b1"}}); err != nil {
		t.Errorf("expected lock to be released, got %v", err)
	}
}

func TestStorageKey(t *testing.T) {
	if got := StorageKey("studio"); got != "studio:render-jobs" {
		t.Errorf("unexpected key %s", got)
	}
}
