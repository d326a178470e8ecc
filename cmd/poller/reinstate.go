package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventpoller/internal/config"
	"github.com/alfredjeanlab/eventpoller/internal/ui"
)

var reinstateCmd = &cobra.Command{
	Use:     "reinstate <subject-id>",
	Short:   "Clear a subject's credential-attention flag so it is polled again",
	GroupID: "polling",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		if err != nil {
			return err
		}
		s, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := context.Background()
		if err := s.Reinstate(ctx, args[0]); err != nil {
			return fmt.Errorf("reinstating subject: %w", err)
		}
		subj, err := s.GetSubject(ctx, args[0])
		if err != nil {
			return fmt.Errorf("loading subject: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), subj)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (next poll %s)\n",
			ui.RenderOK("Reinstated"), subj.ID, subj.NextScheduledAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}
