// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Command mbc-mailchimp-subscription consumes subscription events from
// RabbitMQ and applies them to Mailchimp lists.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
