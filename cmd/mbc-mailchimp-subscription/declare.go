// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/messagebroker/mbc-mailchimp-subscription/client/amqp"
	"github.com/spf13/cobra"
)

func newDeclareCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "declare",
		Short: "Declare the exchange, queues and bindings, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithTimeout(ctx, cfg.Broker.DialTimeout+cfg.Broker.ConfirmTimeout)
			defer cancel()

			opt := amqpOptions(cfg, "declare", logger)
			opt.SetAutoReconnect(false)
			client, err := amqp.New(opt)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Connect(ctx); err != nil {
				logger.Error("Failed to connect to broker", slog.String("address", cfg.Broker.Address()), slog.String("error", err.Error()))
				return err
			}
			if err := client.DeclareTopology(ctx, cfg.Topology); err != nil {
				logger.Error("Failed to declare topology", slog.String("error", err.Error()))
				return err
			}

			printf(cmd, "declared exchange %s", cfg.Topology.Exchange.Name)
			for _, q := range cfg.Topology.Queues {
				printf(cmd, ", queue %s (%s)", q.Name, q.BindingKey)
			}
			if dl := cfg.Topology.DeadLetter; dl != nil {
				printf(cmd, ", dead-letter %s -> %s", dl.Exchange, dl.Queue)
			}
			printf(cmd, "\n")
			return nil
		},
	}
}
