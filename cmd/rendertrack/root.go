package main

import (
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cutline/render/internal/apiclient"
	"github.com/cutline/render/internal/config"
	"github.com/cutline/render/internal/tracker"
)

// commandContext is built once per invocation in PersistentPreRunE
type commandContext struct {
	cfg     *config.Config
	api     *apiclient.Client
	tracker *tracker.Tracker
	closers []io.Closer
}

func (c *commandContext) close() {
	for _, cl := range c.closers {
		cl.Close()
	}
}

var persistentFlagKeys = map[string]string{
	"api-url":       "tracker.api_url",
	"token":         "tracker.token",
	"store":         "tracker.store",
	"store-path":    "tracker.store_path",
	"namespace":     "tracker.namespace",
	"poll-interval": "tracker.poll_interval",
	"redis-addr":    "redis.addr",
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "rendertrack",
		Short:         "Submit render jobs and follow them to completion",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.init(cmd.OutOrStdout())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("api-url", "", "Render backend base URL")
	flags.String("token", "", "Bearer token for the render API")
	flags.String("store", "", "Where job records are kept: file or redis")
	flags.String("store-path", "", "Job record file (file store)")
	flags.String("namespace", "", "Record namespace")
	flags.Duration("poll-interval", 0, "Status poll interval")
	flags.String("redis-addr", "", "Redis address (redis store)")
	for name, key := range persistentFlagKeys {
		_ = viper.BindPFlag(key, flags.Lookup(name))
	}

	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newResumeCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newClearCommand(ctx))
	rootCmd.AddCommand(newDownloadCommand(ctx))

	return rootCmd
}

func (c *commandContext) init(out io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	c.cfg = cfg

	c.api = apiclient.New(apiclient.Config{
		BaseURL: cfg.Tracker.APIURL,
		Token:   cfg.Tracker.Token,
	})

	var store tracker.Store
	switch cfg.Tracker.Store {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.closers = append(c.closers, rdb)
		store = tracker.NewRedisStore(rdb, cfg.Tracker.Namespace)
	case "file", "":
		store = tracker.NewFileStore(cfg.Tracker.StorePath, cfg.Tracker.Namespace)
	default:
		return fmt.Errorf("unknown store %q (want file or redis)", cfg.Tracker.Store)
	}

	c.tracker = tracker.New(c.api, store, tracker.Options{
		PollInterval:   cfg.Tracker.PollInterval,
		RemediationURL: cfg.Credits.RemediationURL,
		Notifier:       &consoleNotifier{out: out},
	})
	return nil
}
