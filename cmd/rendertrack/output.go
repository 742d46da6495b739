package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/cutline/render/internal/model"
	"github.com/cutline/render/internal/tracker"
)

// consoleNotifier prints terminal outcomes
type consoleNotifier struct {
	out io.Writer
}

func (n *consoleNotifier) RenderCompleted(status model.RenderJobStatus) {
	if status.DownloadURL != "" {
		fmt.Fprintf(n.out, "Render %s completed: %s\n", status.JobID, status.DownloadURL)
		return
	}
	fmt.Fprintf(n.out, "Render %s completed\n", status.JobID)
}

func (n *consoleNotifier) RenderFailed(jobID, message string) {
	fmt.Fprintf(n.out, "Render %s failed: %s\n", jobID, message)
}

func (n *consoleNotifier) InsufficientCredits(info tracker.InsufficientCredits) {
	msg := info.Message
	if info.Required != nil {
		msg = fmt.Sprintf("%s (%d credits required)", msg, *info.Required)
	}
	fmt.Fprintf(n.out, "%s\nTop up at %s\n", msg, info.RemediationURL)
}

const watchTick = 250 * time.Millisecond

// watch reports progress until the tracker stops rendering
func watch(ctx context.Context, t *tracker.Tracker, out io.Writer) error {
	ticker := time.NewTicker(watchTick)
	defer ticker.Stop()

	last := -1
	for {
		st := t.State()
		if st.Status != nil && st.Status.Progress != last && !st.Status.State.IsTerminal() {
			last = st.Status.Progress
			fmt.Fprintf(out, "%s  %-9s %3d%%\n", st.JobID, st.Status.State, last)
		}
		if !st.IsRendering {
			t.Wait()
			return watchResult(t.State())
		}

		select {
		case <-ctx.Done():
			t.CancelPolling()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func watchResult(st tracker.State) error {
	if st.InsufficientCredits != nil {
		return fmt.Errorf("insufficient credits")
	}
	if st.Error != "" {
		return fmt.Errorf("%s", st.Error)
	}
	return nil
}

func renderJobsTable(records []model.StoredJobRecord, colorize bool) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	if colorize {
		tw.SetStyle(table.StyleRounded)
	}
	tw.AppendHeader(table.Row{"Job", "Project", "State", "Progress", "Started", "Output"})

	for _, r := range records {
		state := string(r.Status.State)
		if colorize {
			state = stateColor(r.Status.State).Sprint(state)
		}
		tw.AppendRow(table.Row{
			r.JobID,
			r.ProjectID,
			state,
			fmt.Sprintf("%d%%", r.Status.Progress),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.OutputPath,
		})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
	})
	return tw.Render()
}

func stateColor(s model.JobState) text.Colors {
	switch s {
	case model.JobStateCompleted:
		return text.Colors{text.FgGreen}
	case model.JobStateFailed:
		return text.Colors{text.FgRed}
	case model.JobStateActive:
		return text.Colors{text.FgCyan}
	default:
		return text.Colors{text.FgYellow}
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// projectIDFromFile prefers the document's own id
func projectIDFromFile(path string, project []byte) string {
	var doc struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(project, &doc) == nil && doc.ID != "" {
		return doc.ID
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
