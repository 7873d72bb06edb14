// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/messagebroker/mbc-mailchimp-subscription/config"
	"github.com/spf13/cobra"
)

const appName = "mbc-mailchimp-subscription"

type rootOptions struct {
	configFile string
	envFiles   []string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           appName,
		Short:         "Apply subscription events from RabbitMQ to Mailchimp lists",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to configuration file")
	root.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", config.DefaultEnvFiles, "Dotenv files to load before reading the environment")

	root.AddCommand(
		newConsumeCmd(opts),
		newDeclareCmd(opts),
		newCheckConfigCmd(opts),
		newDeadLettersCmd(opts),
	)

	// Running the binary without a subcommand consumes, as the deployment expects.
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runConsume(cmd, opts)
	}

	return root
}

// load reads the file configuration and overlays the environment.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.LoadEnv(o.envFiles...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
