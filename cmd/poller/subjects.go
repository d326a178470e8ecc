package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventpoller/internal/config"
	"github.com/alfredjeanlab/eventpoller/internal/model"
)

var subjectsCmd = &cobra.Command{
	Use:     "subjects",
	Short:   "List polled subjects",
	GroupID: "polling",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tierFlag, _ := cmd.Flags().GetString("tier")
		attention, _ := cmd.Flags().GetBool("attention")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := model.SubjectFilter{AttentionOnly: attention, Limit: limit}
		if tierFlag != "" {
			tier, err := model.ParseTier(tierFlag)
			if err != nil {
				return err
			}
			filter.Tier = tier
		}

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

		subjects, err := s.ListSubjects(context.Background(), filter)
		if err != nil {
			return fmt.Errorf("listing subjects: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), subjects)
		}
		printSubjectTable(cmd.OutOrStdout(), subjects)
		return nil
	},
}

func init() {
	subjectsCmd.Flags().String("tier", "", "only this tier (active, regular, dormant or 1-3)")
	subjectsCmd.Flags().Bool("attention", false, "only subjects whose credential needs attention")
	subjectsCmd.Flags().Int("limit", 0, "maximum number of subjects (0 = all)")
}
