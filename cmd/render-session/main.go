package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts launchOptions

	cmd := &cobra.Command{
		Use:           "render-session",
		Short:         "Run one headless render session for a job token",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, &opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.query, "query", "", "Launch query string, e.g. \"token=abc&segmentIndex=0\"")
	flags.StringVar(&opts.token, "token", "", "Job session token")
	flags.StringVar(&opts.segmentIndex, "segment-index", "", "Segment index")
	flags.StringVar(&opts.segmentTotal, "segment-total", "", "Segment count")
	flags.StringVar(&opts.segmentStart, "segment-start", "", "Segment start in seconds")
	flags.StringVar(&opts.segmentEnd, "segment-end", "", "Segment end in seconds")
	flags.StringVar(&opts.segmentOutput, "segment-output", "", "Output path override for the segment")
	flags.String("api-url", "", "Backend base URL (overrides PUBLIC_URL)")
	flags.String("internal-key", "", "Internal key for payload and encoder endpoints")
	flags.String("player-url", "", "Player page URL")
	flags.String("browser-url", "", "Control URL of a running Chrome")
	bindFlags(flags)

	return cmd
}
