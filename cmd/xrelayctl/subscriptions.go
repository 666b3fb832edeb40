package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xrelay/adapter/filesystem"
)

func (a *app) subscriptionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "subscriptions",
		Aliases: []string{"subs"},
		Short:   "Inspect tracked topic subscriptions",
	}

	var (
		dir   string
		topic string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List subscribers per topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker := filesystem.NewSubscriptionTracker(dir, filesystem.WithLogger(a.logger))
			if err := tracker.Init(cmd.Context()); err != nil {
				return err
			}
			topics := tracker.Topics()
			if topic != "" {
				topics = []string{topic}
			}

			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOPIC\tSUBSCRIBER\tEXPIRES\tSTATUS")
			for _, t := range topics {
				for _, s := range tracker.Subscriptions(t) {
					expires, status := s.Expires.Format(time.RFC3339), "active"
					if s.Permanent() {
						expires = "never"
					} else if !s.Expires.After(now) {
						status = "expired"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Topic, s.Subscriber, expires, status)
				}
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&dir, "dir", "", "Subscription directory (*.psub files)")
	list.Flags().StringVar(&topic, "topic", "", "Only this topic")
	_ = list.MarkFlagRequired("dir")

	cmd.AddCommand(list)
	return cmd
}
