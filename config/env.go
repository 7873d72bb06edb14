// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultEnvFiles are read by LoadEnv when no files are given.
var DefaultEnvFiles = []string{".env", ".env.local"}

// environment lists the variables the deployment sets. Unset variables leave
// the file configuration untouched.
type environment struct {
	RabbitHost     string `env:"RABBITMQ_HOST"`
	RabbitPort     int    `env:"RABBITMQ_PORT"`
	RabbitUsername string `env:"RABBITMQ_USERNAME"`
	RabbitPassword string `env:"RABBITMQ_PASSWORD"`
	RabbitVhost    string `env:"RABBITMQ_VHOST"`
	RabbitURL      string `env:"RABBITMQ_URL"`

	MailchimpAPIKey string `env:"MAILCHIMP_APIKEY"`
	MailchimpListID string `env:"MAILCHIMP_INTERNATIONAL_LIST_ID"`

	StatHatEZKey string `env:"STATHAT_EZKEY"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
}

// LoadEnv overlays environment variables onto c. Existing dotenv files are
// loaded first; variables already set in the process take precedence over
// them. The result is validated.
func (c *Config) LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = DefaultEnvFiles
	}

	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return fmt.Errorf("failed to load env files: %w", err)
		}
	}

	var e environment
	if err := env.Parse(&e); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	e.apply(c)

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (e environment) apply(c *Config) {
	set(&c.Broker.Host, e.RabbitHost)
	set(&c.Broker.Username, e.RabbitUsername)
	set(&c.Broker.Password, e.RabbitPassword)
	set(&c.Broker.Vhost, e.RabbitVhost)
	set(&c.Broker.URL, e.RabbitURL)
	if e.RabbitPort != 0 {
		c.Broker.Port = e.RabbitPort
	}

	set(&c.Mailchimp.APIKey, e.MailchimpAPIKey)
	set(&c.Mailchimp.DefaultListID, e.MailchimpListID)

	if e.StatHatEZKey != "" {
		c.Metrics.StatHat.EZKey = e.StatHatEZKey
		c.Metrics.StatHat.Enabled = true
	}

	set(&c.Log.Level, e.LogLevel)
	set(&c.Log.Format, e.LogFormat)
}

func set(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
