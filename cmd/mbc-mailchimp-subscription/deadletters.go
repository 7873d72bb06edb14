// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/messagebroker/mbc-mailchimp-subscription/storage"
	"github.com/spf13/cobra"
)

type deadLettersOptions struct {
	limit  int
	id     string
	asJSON bool
}

func newDeadLettersCmd(opts *rootOptions) *cobra.Command {
	dl := &deadLettersOptions{}

	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered messages recorded in the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)
			if cfg.Storage.Type == "memory" {
				logger.Warn("The in-memory journal is empty outside the consuming process; query /dead-letters on the health server instead")
			}

			journal, err := openJournal(cfg.Storage, logger)
			if err != nil {
				return err
			}
			defer journal.Close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return dl.run(ctx, cmd, journal)
		},
	}

	cmd.Flags().IntVar(&dl.limit, "limit", 20, "Maximum number of records to list (0 for all)")
	cmd.Flags().StringVar(&dl.id, "id", "", "Show the record with this ID")
	cmd.Flags().BoolVar(&dl.asJSON, "json", false, "Print records as JSON")

	return cmd
}

func (o *deadLettersOptions) run(ctx context.Context, cmd *cobra.Command, journal storage.DeadLetterStore) error {
	if o.id != "" {
		rec, err := journal.Get(ctx, o.id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("dead letter %s not found", o.id)
		}
		if err != nil {
			return err
		}
		return o.print(cmd, []*storage.DeadLetter{rec}, true)
	}

	recs, err := journal.List(ctx, o.limit)
	if err != nil {
		slog.Error("Failed to list dead letters", slog.String("error", err.Error()))
		return err
	}
	return o.print(cmd, recs, false)
}

func (o *deadLettersOptions) print(cmd *cobra.Command, recs []*storage.DeadLetter, withBody bool) error {
	if o.asJSON {
		if recs == nil {
			recs = []*storage.DeadLetter{}
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	if len(recs) == 0 {
		printf(cmd, "no dead letters\n")
		return nil
	}
	for _, rec := range recs {
		printf(cmd, "%s  %s  queue=%s redeliveries=%d reason=%q\n",
			rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), rec.ID, rec.Queue, rec.Redeliveries, rec.Reason)
		if withBody {
			printf(cmd, "%s\n", rec.Body)
		}
	}
	return nil
}
