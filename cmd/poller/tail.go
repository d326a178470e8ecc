package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventpoller/internal/config"
	"github.com/alfredjeanlab/eventpoller/internal/model"
	"github.com/alfredjeanlab/eventpoller/internal/queue"
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Consume summaries from the queue and print them",
	Long: `Consume summaries from the durable queue and print them, acking each
one after it is printed. The durable consumer remembers its position, so a
second run continues where the first stopped.`,
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		durable, _ := cmd.Flags().GetString("durable")
		limit, _ := cmd.Flags().GetInt("limit")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.QueueDriver != "jetstream" {
			return fmt.Errorf("tail reads the jetstream queue; POLLER_QUEUE_DRIVER is %q", cfg.QueueDriver)
		}
		logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		consumer, err := queue.NewJetStreamConsumer(ctx, jetStreamOptions(cfg, logger), durable)
		if err != nil {
			return err
		}
		defer consumer.Close()

		out := cmd.OutOrStdout()
		err = consumer.Consume(ctx, limit, func(_ context.Context, msg *model.SummaryMessage) error {
			if jsonOutput {
				return printJSONLine(out, msg)
			}
			printSummaryLine(out, msg)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().String("durable", "poller-tail", "durable consumer name")
	tailCmd.Flags().Int("limit", 0, "stop after this many summaries (0 = until interrupted)")
}
