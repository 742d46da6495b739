package main

import (
	"fmt"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cutline/render/internal/config"
	"github.com/cutline/render/internal/session"
	"github.com/cutline/render/internal/worker"
)

type launchOptions struct {
	query         string
	token         string
	segmentIndex  string
	segmentTotal  string
	segmentStart  string
	segmentEnd    string
	segmentOutput string
}

// flag name -> config key
var flagKeys = map[string]string{
	"api-url":      "server.public_url",
	"internal-key": "server.internal_key",
	"player-url":   "render.player_url",
	"browser-url":  "render.browser_url",
}

func bindFlags(flags *pflag.FlagSet) {
	for name, key := range flagKeys {
		_ = viper.BindPFlag(key, flags.Lookup(name))
	}
}

// launchParams parses either the raw query or the individual flags
func (o *launchOptions) launchParams() (*session.LaunchParams, error) {
	if o.query != "" {
		return session.ParseQuery(o.query)
	}

	values := url.Values{}
	set := func(key, value string) {
		if value != "" {
			values.Set(key, value)
		}
	}
	set("token", o.token)
	set("segmentIndex", o.segmentIndex)
	set("segmentTotal", o.segmentTotal)
	set("segmentStart", o.segmentStart)
	set("segmentEnd", o.segmentEnd)
	set("segmentOutput", o.segmentOutput)
	return session.ParseLaunchParams(values)
}

func runSession(cmd *cobra.Command, opts *launchOptions) error {
	params, err := opts.launchParams()
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver := worker.NewDriverFactory(cfg)(session.NewLogHost())
	return driver.Run(ctx, params)
}
