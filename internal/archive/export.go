package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/model"
)

// pageSize bounds each read of the event window.
const pageSize = 1000

// Source is the part of the store an export reads.
type Source interface {
	ListEventsCreatedBetween(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]*model.RawEvent, error)
	ListEnrichments(ctx context.Context, eventID int64) ([]*model.EnrichmentRecord, error)
}

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version         string    `json:"version"`
	Type            string    `json:"type"`
	Timestamp       time.Time `json:"timestamp"`
	WindowStart     time.Time `json:"window_start"`
	WindowEnd       time.Time `json:"window_end"`
	EventCount      int       `json:"event_count"`
	EnrichmentCount int       `json:"enrichment_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Summary reports what an export wrote.
type Summary struct {
	Events      int
	Enrichments int
}

// ExportJSONL writes every event created in [from, to) to w as JSONL, each
// followed by its enrichment records. Events are ordered by creation time.
func ExportJSONL(ctx context.Context, src Source, from, to time.Time, w io.Writer) (Summary, error) {
	events, err := listWindow(ctx, src, from, to)
	if err != nil {
		return Summary{}, err
	}

	enrichments := make(map[int64][]*model.EnrichmentRecord, len(events))
	var sum Summary
	for _, ev := range events {
		recs, err := src.ListEnrichments(ctx, ev.ID)
		if err != nil {
			return Summary{}, fmt.Errorf("list enrichments for event %d: %w", ev.ID, err)
		}
		enrichments[ev.ID] = recs
		sum.Enrichments += len(recs)
	}
	sum.Events = len(events)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(header{
		Version:         "1",
		Type:            "header",
		Timestamp:       time.Now().UTC(),
		WindowStart:     from.UTC(),
		WindowEnd:       to.UTC(),
		EventCount:      sum.Events,
		EnrichmentCount: sum.Enrichments,
	}); err != nil {
		return Summary{}, fmt.Errorf("encode header: %w", err)
	}

	for _, ev := range events {
		if err := enc.Encode(record{Type: "event", Data: ev}); err != nil {
			return Summary{}, fmt.Errorf("encode event %d: %w", ev.ID, err)
		}
		for _, rec := range enrichments[ev.ID] {
			if err := enc.Encode(record{Type: "enrichment", Data: rec}); err != nil {
				return Summary{}, fmt.Errorf("encode enrichment %d/%s: %w", ev.ID, rec.SHA, err)
			}
		}
	}
	return sum, nil
}

// listWindow reads [from, to) page by page, resuming each page after the
// last (created_at, id) seen.
func listWindow(ctx context.Context, src Source, from, to time.Time) ([]*model.RawEvent, error) {
	var (
		out     []*model.RawEvent
		cursor  = from
		afterID int64
	)
	for {
		page, err := src.ListEventsCreatedBetween(ctx, cursor, to, afterID, pageSize)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		out = append(out, page...)
		if len(page) < pageSize {
			return out, nil
		}
		last := page[len(page)-1]
		cursor, afterID = last.CreatedAt, last.ID
	}
}
