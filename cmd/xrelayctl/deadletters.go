package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/trickstertwo/xrelay/adapter/filesystem"
)

func (a *app) deadLettersCmd() *cobra.Command {
	var queueDir string
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dl"},
		Short:   "List or requeue dead-lettered messages of a queue",
	}
	cmd.PersistentFlags().StringVar(&queueDir, "queue-dir", "", "Queue directory (contains .dl)")
	_ = cmd.MarkPersistentFlagRequired("queue-dir")

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			dls, err := filesystem.DeadLetters(queueDir)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MESSAGE ID\tNAME\tPRINCIPAL\tFILE\tERROR")
			for _, dl := range dls {
				id, name, problem := "-", "-", ""
				if dl.Message != nil {
					id, name = dl.Message.ID(), dl.Message.Name()
				}
				if dl.Err != nil {
					problem = dl.Err.Error()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, name, dl.Principal, dl.File.Path(), problem)
			}
			a.logger.Debug().Str("queue_dir", queueDir).Msg("listed dead letters")
			return w.Flush()
		},
	}

	var id string
	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Move dead-lettered messages back into the queue",
		Long: `Moves dead-lettered records back into the queue directory. The bus
delivers them the next time the queue is initialized.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dls, err := filesystem.DeadLetters(queueDir)
			if err != nil {
				return err
			}
			var (
				moved int
				errs  []error
			)
			for _, dl := range dls {
				if id != "" && (dl.Message == nil || dl.Message.ID() != id) {
					continue
				}
				if dl.Err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", dl.File.Path(), dl.Err))
					continue
				}
				f, err := filesystem.Requeue(dl.File, queueDir)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				a.logger.Debug().Str("path", f.Path()).Msg("requeued")
				moved++
			}
			if id != "" && moved == 0 && len(errs) == 0 {
				return fmt.Errorf("no dead letter with message id %q", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d message(s)\n", moved)
			return errors.Join(errs...)
		},
	}
	requeue.Flags().StringVar(&id, "id", "", "Only requeue the message with this MessageId")

	cmd.AddCommand(list, requeue)
	return cmd
}
