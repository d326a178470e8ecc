package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/eventpoller/internal/client"
	"github.com/alfredjeanlab/eventpoller/internal/model"
	"github.com/alfredjeanlab/eventpoller/internal/server"
	"github.com/alfredjeanlab/eventpoller/internal/ui"
)

func defaultOpsURL() string {
	if s := os.Getenv("POLLER_OPS_URL"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

func defaultGRPCAddr() string {
	if s := os.Getenv("POLLER_OPS_GRPC"); s != "" {
		return s
	}
	return "localhost:9090"
}

type statusReport struct {
	Health     *client.Health `json:"health"`
	GRPCHealth string         `json:"grpc_health"`
	Stats      *model.Stats   `json:"stats,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show the health and queue backlog of a running poller",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opsURL, _ := cmd.Flags().GetString("ops-url")
		grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
		ctx := context.Background()

		ops := client.NewHTTPClient(opsURL, os.Getenv("POLLER_OPS_TOKEN"))
		defer ops.Close()

		report := statusReport{}
		h, err := ops.Health(ctx)
		if err != nil {
			return fmt.Errorf("checking health: %w", err)
		}
		report.Health = h

		grpcHealth, err := client.NewGRPCHealthClient(grpcAddr)
		if err != nil {
			return err
		}
		defer grpcHealth.Close()
		if st, err := grpcHealth.Check(ctx, server.ServiceName); err != nil {
			report.GRPCHealth = "unreachable"
		} else {
			report.GRPCHealth = st.String()
		}

		if report.Stats, err = ops.Stats(ctx); err != nil {
			return fmt.Errorf("loading stats: %w", err)
		}

		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			printStatus(cmd.OutOrStdout(), report)
		}
		if !h.OK() {
			return fmt.Errorf("unhealthy: scheduler %s", h.Scheduler)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("ops-url", defaultOpsURL(), "ops HTTP API base URL")
	statusCmd.Flags().String("grpc-addr", defaultGRPCAddr(), "gRPC health address")
}

func printStatus(w io.Writer, r statusReport) {
	health := ui.RenderOK(r.Health.Status)
	if !r.Health.OK() {
		health = ui.RenderError(r.Health.Status)
	}
	fmt.Fprintf(w, "Health:     %s (scheduler %s, up %s)\n", health, r.Health.Scheduler, r.Health.Uptime)
	fmt.Fprintf(w, "gRPC:       %s\n", r.GRPCHealth)
	if r.Stats == nil {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tSUBJECTS\tDUE\tATTENTION")
	for _, t := range r.Stats.Tiers {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", t.Tier, t.Subjects, t.Due, t.Attention)
	}
	tw.Flush()

	statuses := make([]string, 0, len(r.Stats.Events))
	for s := range r.Stats.Events {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)
	fmt.Fprintln(w)
	for _, s := range statuses {
		fmt.Fprintf(w, "%-16s %d\n", ui.RenderStatus(s)+":", r.Stats.Events[model.ProcessingStatus(s)])
	}
}
