package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventpoller/internal/config"
	"github.com/alfredjeanlab/eventpoller/internal/poller"
	"github.com/alfredjeanlab/eventpoller/internal/queue"
	"github.com/alfredjeanlab/eventpoller/internal/store"
)

var pollCmd = &cobra.Command{
	Use:   "poll <subject-id>",
	Short: "Run one poll cycle for a subject now",
	Long: `Run one poll cycle for a subject now, outside the scheduler.

With --dry-run nothing is written: summaries are printed to stdout as
newline-delimited JSON instead of being published, and the subject's
cursor and cache tag are left as they are.`,
	GroupID: "polling",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pg, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer pg.Close()

		subj, err := pg.GetSubject(ctx, args[0])
		if err != nil {
			return fmt.Errorf("loading subject: %w", err)
		}
		if subj.NeedsAttention {
			return fmt.Errorf("subject %s needs attention (%s); run 'poller reinstate %s' once the credential is fixed",
				subj.ID, subj.AttentionReason, subj.ID)
		}

		client := newFeedClient(cfg)
		resolver, closeCache, err := newResolver(ctx, cfg, client, logger)
		if err != nil {
			return err
		}
		defer closeCache()

		var (
			s         store.Store = pg
			publisher queue.Publisher
			out       = cmd.OutOrStdout()
		)
		if dryRun {
			s = poller.NewDryRunStore(pg)
			publisher = queue.NewWriterPublisher(out)
			out = cmd.ErrOrStderr()
		} else {
			if publisher, err = newPublisher(cfg, logger); err != nil {
				return err
			}
		}
		defer publisher.Close()

		res, err := newCycle(cfg, s, client, resolver, publisher, false, logger).Run(ctx, subj)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(out, res)
		}
		printCycleResult(out, res, dryRun)
		return nil
	},
}

func init() {
	pollCmd.Flags().Bool("dry-run", false, "print summaries instead of publishing and leave state untouched")
}
