package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/model"
	"github.com/alfredjeanlab/eventpoller/internal/poller"
	"github.com/alfredjeanlab/eventpoller/internal/ui"
)

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printJSONLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func printSubjectTable(w io.Writer, subjects []*model.Subject) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUSERNAME\tTIER\tCURSOR\tNEXT POLL\tLAST POLLED\tSTATE")
	for _, s := range subjects {
		state := ui.RenderOK("ok")
		if s.NeedsAttention {
			state = ui.RenderError("attention")
			if s.AttentionReason != "" {
				state += " " + ui.RenderMuted("("+s.AttentionReason+")")
			}
		}
		username := s.Username
		if username == "" {
			username = ui.RenderMuted("-")
		}
		next := s.NextScheduledAt
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			s.ID,
			username,
			s.Tier,
			s.Cursor,
			formatTime(&next),
			formatTime(s.LastPolledAt),
			state,
		)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d subjects\n", len(subjects))
}

func printCycleResult(w io.Writer, res *poller.CycleResult, dryRun bool) {
	prefix := ""
	if dryRun {
		prefix = ui.RenderWarn("[dry-run] ")
	}
	if res.Unchanged {
		fmt.Fprintf(w, "%s%s %s: feed unchanged, next poll %s\n",
			prefix, ui.RenderMuted(res.CycleID), res.SubjectID, formatTime(&res.NextDue))
		return
	}
	fmt.Fprintf(w, "%s%s %s: fetched %d, new %d, published %d",
		prefix, ui.RenderMuted(res.CycleID), res.SubjectID, res.Fetched, res.New, res.Published)
	if res.Partial > 0 {
		fmt.Fprintf(w, ", %s", ui.RenderWarn(fmt.Sprintf("%d partially enriched", res.Partial)))
	}
	fmt.Fprintf(w, "; cursor %d\n", res.Cursor)
}

func printSummaryLine(w io.Writer, msg *model.SummaryMessage) {
	status := "published"
	if msg.Enrichment.Partial {
		status = "failed_partial"
	}
	fmt.Fprintf(w, "%s  %s  %-18s %s", msg.OccurredAt.UTC().Format(time.RFC3339), ui.RenderAccent(msg.SubjectID), msg.EventType, msg.RepoName)
	if msg.Ref != "" {
		fmt.Fprintf(w, " %s", ui.RenderMuted(msg.Ref))
	}
	if len(msg.Commits) > 0 {
		fmt.Fprintf(w, "  %d/%d commits enriched %s", msg.Enrichment.Succeeded, msg.Enrichment.Attempted, ui.RenderStatus(status))
	}
	fmt.Fprintln(w)
}
