// Package tracker is the client side of the render job lifecycle: submit,
// persist, poll and surface completion.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cutline/render/internal/apiclient"
	"github.com/cutline/render/internal/model"
)

const (
	DefaultPollInterval = 2 * time.Second
	RecordMaxAge        = 24 * time.Hour

	msgStartFailed    = "Failed to start render"
	msgRenderFailed   = "Render failed"
	msgJobNotFound    = "Render job not found"
	msgNoCredits      = "Insufficient credits"
	msgStatusFetchErr = "Failed to fetch render status"
)

// API is the slice of the backend the tracker needs
type API interface {
	StartRender(ctx context.Context, req *model.RenderRequest) (*model.RenderStartResponse, error)
	GetStatus(ctx context.Context, jobID string) (*model.RenderJobStatus, error)
	ResolveDownloadURL(ctx context.Context, outputPath string) (string, error)
}

// Notifier surfaces user-visible outcomes
type Notifier interface {
	RenderCompleted(status model.RenderJobStatus)
	RenderFailed(jobID, message string)
	InsufficientCredits(info InsufficientCredits)
}

// InsufficientCredits is the recoverable 402 condition
type InsufficientCredits struct {
	Required       *int
	Message        string
	RemediationURL string
}

// State is a snapshot of the tracker's in-memory render state
type State struct {
	IsRendering         bool
	JobID               string
	OutputPath          string
	Status              *model.RenderJobStatus
	Error               string
	InsufficientCredits *InsufficientCredits
}

// Options configure a Tracker
type Options struct {
	PollInterval   time.Duration
	RemediationURL string
	Notifier       Notifier
	Now            func() time.Time
}

// Tracker owns the render state of one client. At most one poller is live;
// results of a cancelled poller are discarded by generation.
type Tracker struct {
	api   API
	store Store
	opts  Options

	mu     sync.Mutex
	state  State
	gen    uint64
	cancel context.CancelFunc

	wg sync.WaitGroup
}

// New creates a tracker
func New(api API, store Store, opts Options) *Tracker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	return &Tracker{api: api, store: store, opts: opts}
}

// State returns a copy of the current state
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.state
	if s.Status != nil {
		status := *s.Status
		s.Status = &status
	}
	return s
}

// Wait blocks until polling stopped and background repairs finished
func (t *Tracker) Wait() {
	t.wg.Wait()
}

// StartRender submits a new render and starts polling it
func (t *Tracker) StartRender(ctx context.Context, project json.RawMessage, projectID string, options model.RenderOptions) error {
	t.CancelPolling()

	t.mu.Lock()
	t.state = State{IsRendering: true}
	t.mu.Unlock()

	res, err := t.api.StartRender(ctx, &model.RenderRequest{
		Project:   project,
		ProjectID: projectID,
		Output:    options,
	})
	if err != nil {
		var ice *apiclient.InsufficientCreditsError
		if errors.As(err, &ice) {
			info := InsufficientCredits{
				Required:       ice.Required,
				Message:        ice.Message,
				RemediationURL: t.opts.RemediationURL,
			}
			if info.Message == "" {
				info.Message = msgNoCredits
			}
			t.mu.Lock()
			t.state.IsRendering = false
			t.state.Error = info.Message
			t.state.InsufficientCredits = &info
			t.mu.Unlock()
			t.opts.Notifier.InsufficientCredits(info)
			return err
		}

		log.Printf("[Tracker] start render for project %s failed: %v", projectID, err)
		t.mu.Lock()
		t.state.IsRendering = false
		t.state.Error = msgStartFailed
		t.mu.Unlock()
		return err
	}

	status := model.RenderJobStatus{
		JobID:      res.JobID,
		State:      model.JobStateQueued,
		OutputPath: res.OutputPath,
	}
	t.mu.Lock()
	t.state.JobID = res.JobID
	t.state.OutputPath = res.OutputPath
	t.state.Status = &status
	t.mu.Unlock()

	t.upsertRecord(ctx, model.StoredJobRecord{
		JobID:      res.JobID,
		ProjectID:  projectID,
		OutputPath: res.OutputPath,
		StartedAt:  t.opts.Now(),
		Status:     status,
	})

	log.Printf("[Tracker] job %s queued (output=%s)", res.JobID, res.OutputPath)
	t.startPolling(res.JobID)
	return nil
}

// ResumeJob restores a persisted job. Non-terminal jobs resume polling;
// completed jobs missing a download URL get it resolved in the background.
func (t *Tracker) ResumeJob(record model.StoredJobRecord) {
	t.CancelPolling()

	status := record.Status
	if status.JobID == "" {
		status.JobID = record.JobID
	}
	if status.OutputPath == "" {
		status.OutputPath = record.OutputPath
	}
	record.Status = status
	record.OutputPath = status.OutputPath
	terminal := status.State.IsTerminal()

	t.mu.Lock()
	t.state = State{
		IsRendering: !terminal,
		JobID:       record.JobID,
		OutputPath:  record.OutputPath,
		Status:      &status,
	}
	if status.State == model.JobStateFailed {
		t.state.Error = failureMessage(status)
	}
	t.mu.Unlock()

	switch {
	case !terminal:
		t.startPolling(record.JobID)
	case status.State == model.JobStateCompleted && status.DownloadURL == "" && status.OutputPath != "":
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.repairDownloadURL(record)
		}()
	}
}

// CancelPolling stops the active poller, if any
func (t *Tracker) CancelPolling() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// ClearJob forgets a persisted job; the active job also resets state
func (t *Tracker) ClearJob(ctx context.Context, jobID string) {
	records := t.Jobs(ctx)
	kept := records[:0]
	for _, r := range records {
		if r.JobID != jobID {
			kept = append(kept, r)
		}
	}
	t.save(ctx, kept)

	t.mu.Lock()
	active := t.state.JobID == jobID
	t.mu.Unlock()
	if active {
		t.Reset()
	}
}

// Reset cancels polling and clears in-memory state. Records are untouched.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.state = State{}
}

// Jobs loads the persisted records younger than RecordMaxAge
func (t *Tracker) Jobs(ctx context.Context) []model.StoredJobRecord {
	records, err := t.store.Load(ctx)
	if err != nil {
		log.Printf("[Tracker] load records: %v", err)
		return nil
	}
	now := t.opts.Now()
	fresh := make([]model.StoredJobRecord, 0, len(records))
	for _, r := range records {
		if now.Sub(r.StartedAt) < RecordMaxAge {
			fresh = append(fresh, r)
		}
	}
	if len(fresh) != len(records) {
		t.save(ctx, fresh)
	}
	return fresh
}

// Record returns the persisted record of jobID
func (t *Tracker) Record(ctx context.Context, jobID string) (model.StoredJobRecord, bool) {
	for _, r := range t.Jobs(ctx) {
		if r.JobID == jobID {
			return r, true
		}
	}
	return model.StoredJobRecord{}, false
}

// DownloadURL returns the download URL of jobID, resolving it when missing
func (t *Tracker) DownloadURL(ctx context.Context, jobID string) (string, error) {
	outputPath := ""
	t.mu.Lock()
	if t.state.JobID == jobID && t.state.Status != nil {
		if t.state.Status.DownloadURL != "" {
			u := t.state.Status.DownloadURL
			t.mu.Unlock()
			return u, nil
		}
		outputPath = t.state.OutputPath
	}
	t.mu.Unlock()

	if outputPath == "" {
		rec, ok := t.Record(ctx, jobID)
		if !ok {
			return "", fmt.Errorf("no record for job %s", jobID)
		}
		if rec.Status.DownloadURL != "" {
			return rec.Status.DownloadURL, nil
		}
		outputPath = rec.OutputPath
	}
	if outputPath == "" {
		return "", fmt.Errorf("job %s has no output path", jobID)
	}
	return t.api.ResolveDownloadURL(ctx, outputPath)
}

func (t *Tracker) stopLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen++
}

func (t *Tracker) startPolling(jobID string) {
	t.mu.Lock()
	t.stopLocked()
	gen := t.gen
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	go t.poll(ctx, cancel, gen, jobID)
}

func (t *Tracker) poll(ctx context.Context, cancel context.CancelFunc, gen uint64, jobID string) {
	defer t.wg.Done()
	defer cancel()

	ticker := time.NewTicker(t.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if done := t.pollOnce(ctx, gen, jobID); done {
			return
		}
	}
}

// pollOnce performs one status fetch and reports whether polling is over
func (t *Tracker) pollOnce(ctx context.Context, gen uint64, jobID string) bool {
	status, err := t.api.GetStatus(ctx, jobID)
	if ctx.Err() != nil {
		return true
	}

	t.mu.Lock()
	localOutput := t.state.OutputPath
	t.mu.Unlock()

	if errors.Is(err, apiclient.ErrJobNotFound) {
		if localOutput == "" {
			log.Printf("[Tracker] job %s not found and no output path known", jobID)
			t.finish(ctx, gen, model.RenderJobStatus{
				JobID:        jobID,
				State:        model.JobStateFailed,
				FailedReason: msgJobNotFound,
			})
			return true
		}
		// an expired job with a known output is taken as finished
		log.Printf("[Tracker] job %s not found, treating %s as completed", jobID, localOutput)
		finished := t.opts.Now()
		status = &model.RenderJobStatus{
			JobID:      jobID,
			State:      model.JobStateCompleted,
			Progress:   100,
			OutputPath: localOutput,
			FinishedOn: &finished,
		}
		err = nil
	}
	if err != nil {
		log.Printf("[Tracker] fetch status of %s: %v", jobID, err)
		t.mu.Lock()
		if gen == t.gen {
			t.state.Error = msgStatusFetchErr
			t.state.IsRendering = false
			t.cancel = nil
		}
		t.mu.Unlock()
		return true
	}

	merged := *status
	if merged.JobID == "" {
		merged.JobID = jobID
	}
	if merged.OutputPath == "" {
		merged.OutputPath = localOutput
	}

	if merged.State == model.JobStateCompleted && merged.DownloadURL == "" && merged.OutputPath != "" {
		u, err := t.api.ResolveDownloadURL(ctx, merged.OutputPath)
		if err != nil {
			log.Printf("[Tracker] resolve download URL for %s: %v", jobID, err)
		}
		merged.DownloadURL = u
	}

	if merged.State.IsTerminal() {
		t.finish(ctx, gen, merged)
		return true
	}

	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return true
	}
	t.state.Status = &merged
	t.mu.Unlock()
	t.updateRecordStatus(ctx, jobID, merged)
	return false
}

// finish applies a terminal status once and notifies
func (t *Tracker) finish(ctx context.Context, gen uint64, status model.RenderJobStatus) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.state.Status = &status
	t.state.IsRendering = false
	if status.State == model.JobStateFailed {
		t.state.Error = failureMessage(status)
	}
	t.cancel = nil
	t.mu.Unlock()

	t.updateRecordStatus(ctx, status.JobID, status)

	switch status.State {
	case model.JobStateCompleted:
		log.Printf("[Tracker] job %s completed", status.JobID)
		t.opts.Notifier.RenderCompleted(status)
	case model.JobStateFailed:
		log.Printf("[Tracker] job %s failed: %s", status.JobID, failureMessage(status))
		t.opts.Notifier.RenderFailed(status.JobID, failureMessage(status))
	}
}

func (t *Tracker) repairDownloadURL(record model.StoredJobRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	u, err := t.api.ResolveDownloadURL(ctx, record.OutputPath)
	if err != nil || u == "" {
		log.Printf("[Tracker] repair download URL for %s: %v", record.JobID, err)
		return
	}

	status := record.Status
	status.DownloadURL = u
	t.updateRecordStatus(ctx, record.JobID, status)

	t.mu.Lock()
	if t.state.JobID == record.JobID && t.state.Status != nil {
		s := *t.state.Status
		s.DownloadURL = u
		t.state.Status = &s
	}
	t.mu.Unlock()
}

func (t *Tracker) updateRecordStatus(ctx context.Context, jobID string, status model.RenderJobStatus) {
	records := t.Jobs(ctx)
	for i := range records {
		if records[i].JobID == jobID {
			records[i].Status = status
			if status.OutputPath != "" {
				records[i].OutputPath = status.OutputPath
			}
			t.save(ctx, records)
			return
		}
	}
}

func (t *Tracker) upsertRecord(ctx context.Context, record model.StoredJobRecord) {
	records := t.Jobs(ctx)
	for i := range records {
		if records[i].JobID == record.JobID {
			records[i] = record
			t.save(ctx, records)
			return
		}
	}
	t.save(ctx, append([]model.StoredJobRecord{record}, records...))
}

// save is best effort; failures are logged and swallowed
func (t *Tracker) save(ctx context.Context, records []model.StoredJobRecord) {
	if err := t.store.Save(ctx, records); err != nil {
		log.Printf("[Tracker] save records: %v", err)
	}
}

func failureMessage(status model.RenderJobStatus) string {
	if status.FailedReason != "" {
		return status.FailedReason
	}
	return msgRenderFailed
}

type nopNotifier struct{}

func (nopNotifier) RenderCompleted(model.RenderJobStatus)   {}
func (nopNotifier) RenderFailed(string, string)             {}
func (nopNotifier) InsufficientCredits(InsufficientCredits) {}
