package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cutline/render/internal/model"
)

func newSubmitCommand(ctx *commandContext) *cobra.Command {
	var (
		projectID  string
		format     string
		quality    string
		fps        int
		rangeStart float64
		rangeEnd   float64
		detach     bool
	)

	cmd := &cobra.Command{
		Use:   "submit <project.json>",
		Short: "Submit a project for rendering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read project: %w", err)
			}
			if !json.Valid(project) {
				return fmt.Errorf("%s is not valid JSON", args[0])
			}
			if projectID == "" {
				projectID = projectIDFromFile(args[0], project)
			}

			options := model.RenderOptions{
				Format:  model.Format(format),
				Quality: model.Quality(quality),
			}
			if cmd.Flags().Changed("fps") {
				options.FPS = &fps
			}
			if cmd.Flags().Changed("start") || cmd.Flags().Changed("end") {
				if !cmd.Flags().Changed("end") {
					return errors.New("--end is required with --start")
				}
				options.Range = &[2]float64{rangeStart, rangeEnd}
			}

			t := ctx.tracker
			if err := t.StartRender(cmd.Context(), project, projectID, options); err != nil {
				return err
			}
			st := t.State()
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted job %s\n", st.JobID)

			if detach {
				t.CancelPolling()
				return nil
			}
			return watch(cmd.Context(), t, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&projectID, "project-id", "", "Project ID (defaults to the document id or file name)")
	flags.StringVar(&format, "format", string(model.FormatMP4), "Output format: mp4, webm or gif")
	flags.StringVar(&quality, "quality", string(model.QualityWeb), "Quality: draft, web, high or studio")
	flags.IntVar(&fps, "fps", 30, "Frames per second")
	flags.Float64Var(&rangeStart, "start", 0, "Range start in seconds")
	flags.Float64Var(&rangeEnd, "end", 0, "Range end in seconds")
	flags.BoolVarP(&detach, "detach", "d", false, "Return after submitting instead of following the job")

	return cmd
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <jobId>",
		Short: "Follow a recorded job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, ok := ctx.tracker.Record(cmd.Context(), args[0])
			if !ok {
				return fmt.Errorf("no record for job %s", args[0])
			}
			ctx.tracker.ResumeJob(record)
			return watch(cmd.Context(), ctx.tracker, cmd.OutOrStdout())
		},
	}
}

func newResumeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the most recent job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records := ctx.tracker.Jobs(cmd.Context())
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No recent jobs")
				return nil
			}
			record := records[0]
			fmt.Fprintf(cmd.OutOrStdout(), "Resuming job %s (%s)\n", record.JobID, record.Status.State)
			ctx.tracker.ResumeJob(record)
			return watch(cmd.Context(), ctx.tracker, cmd.OutOrStdout())
		},
	}
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs from the last 24 hours",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records := ctx.tracker.Jobs(cmd.Context())
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No recent jobs")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderJobsTable(records, shouldColorize(cmd.OutOrStdout())))
			return nil
		},
	}
}

func newClearCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clear [jobId]",
		Short: "Forget a recorded job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case all:
				for _, r := range ctx.tracker.Jobs(cmd.Context()) {
					ctx.tracker.ClearJob(cmd.Context(), r.JobID)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cleared all jobs")
			case len(args) == 1:
				ctx.tracker.ClearJob(cmd.Context(), args[0])
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared job %s\n", args[0])
			default:
				return errors.New("specify a job ID or --all")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Clear every recorded job")

	return cmd
}

func newDownloadCommand(ctx *commandContext) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <jobId>",
		Short: "Download the output of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			downloadURL, err := ctx.tracker.DownloadURL(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			if downloadURL == "" {
				return fmt.Errorf("no download URL available for job %s", jobID)
			}

			if output == "" {
				output = jobID + filepath.Ext(urlPath(downloadURL))
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			n, err := ctx.api.Download(cmd.Context(), downloadURL, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(output)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", output, formatBytes(n))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file")

	return cmd
}
