package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/adapter/filesystem"
	"github.com/trickstertwo/xrelay/adapter/redisstore"
)

func (a *app) journalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Inspect the message journal",
	}

	var (
		path        string
		redisAddr   string
		redisPrefix string
		start       string
		count       int
		categories  []string
		topics      []string
	)
	read := &cobra.Command{
		Use:   "read",
		Short: "Print one page of journal entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			var journal xrelay.MessageJournal
			switch {
			case path != "" && redisAddr != "":
				return errors.New("--path and --redis-addr are exclusive")
			case path != "":
				j, err := filesystem.OpenJournal(path, filesystem.WithLogger(a.logger))
				if err != nil {
					return err
				}
				defer j.Close()
				journal = j
			case redisAddr != "":
				cfg := redisstore.Defaults()
				cfg.Addr = redisAddr
				if redisPrefix != "" {
					cfg.Prefix = redisPrefix
				}
				client, err := redisstore.Connect(cfg)
				if err != nil {
					return err
				}
				defer client.Close()
				journal = redisstore.NewJournal(client, cfg, redisstore.WithLogger(a.logger))
			default:
				return errors.New("one of --path or --redis-addr is required")
			}

			filter := &xrelay.JournalFilter{Topics: topics}
			for _, c := range categories {
				cat, err := xrelay.ParseJournalCategory(c)
				if err != nil {
					return err
				}
				filter.Categories = append(filter.Categories, cat)
			}

			ctx := cmd.Context()
			pos, err := journal.BeginningOfJournal(ctx)
			if err != nil {
				return err
			}
			if start != "" {
				if pos, err = journal.ParsePosition(start); err != nil {
					return err
				}
			}
			res, err := journal.Read(ctx, pos, count, filter)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "POSITION\tCATEGORY\tTIMESTAMP\tMESSAGE ID\tNAME\tTOPIC")
			for _, e := range res.Entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Position, e.Category, e.Timestamp.Format(time.RFC3339Nano),
					e.Message.ID(), e.Message.Name(), e.Message.Topic())
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "next: %s end: %t\n", res.Next, res.EndOfJournal)
			return nil
		},
	}
	read.Flags().StringVar(&path, "path", "", "Filesystem journal file")
	read.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address of a stream journal")
	read.Flags().StringVar(&redisPrefix, "redis-prefix", "", "Redis key prefix (default xrelay)")
	read.Flags().StringVar(&start, "start", "", "Position to read from (default: beginning)")
	read.Flags().IntVar(&count, "count", 100, "Maximum entries to print")
	read.Flags().StringSliceVar(&categories, "category", nil, "Only Sent, Received or Published entries")
	read.Flags().StringSliceVar(&topics, "topic", nil, "Only entries published to these topics")

	cmd.AddCommand(read)
	return cmd
}
