// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"net/url"

	"github.com/messagebroker/mbc-mailchimp-subscription/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const masked = "******"

func newCheckConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(redact(*cfg))
			if err != nil {
				return err
			}
			printf(cmd, "%s", out)
			return nil
		},
	}
}

// redact returns cfg with credentials masked.
func redact(cfg config.Config) config.Config {
	if cfg.Broker.Password != "" {
		cfg.Broker.Password = masked
	}
	if cfg.Broker.URL != "" {
		if u, err := url.Parse(cfg.Broker.URL); err == nil {
			cfg.Broker.URL = u.Redacted()
		} else {
			cfg.Broker.URL = masked
		}
	}
	if cfg.Mailchimp.APIKey != "" {
		cfg.Mailchimp.APIKey = masked
	}
	if cfg.Metrics.StatHat.EZKey != "" {
		cfg.Metrics.StatHat.EZKey = masked
	}
	return cfg
}
