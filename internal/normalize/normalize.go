// Package normalize turns a recorded event and its enrichment records into
// the summary message published downstream.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/alfredjeanlab/eventpoller/internal/enrich"
	"github.com/alfredjeanlab/eventpoller/internal/model"
)

// Options bounds the size of a summary.
type Options struct {
	// MaxCommits caps the commits listed for a push (0 is unbounded). It
	// should match the enrichment cap so every listed commit was attempted.
	MaxCommits int
	// MaxPatchBytes bounds the patch text of each commit (0 is unbounded).
	MaxPatchBytes int
	// MaxFiles bounds the file list of each commit (0 is unbounded).
	MaxFiles int
}

// genericPayload holds the fields most event payloads share.
type genericPayload struct {
	Action string `json:"action"`
	Ref    string `json:"ref"`
}

// Normalize builds the summary of ev. It is a pure function of its inputs:
// the same event and records always produce the same message.
func Normalize(ev *model.RawEvent, records []*model.EnrichmentRecord, opts Options) (*model.SummaryMessage, error) {
	item, err := ev.Item()
	if err != nil {
		return nil, err
	}

	msg := &model.SummaryMessage{
		EventID:    strconv.FormatInt(ev.UpstreamID, 10),
		SubjectID:  ev.SubjectID,
		EventType:  ev.Type,
		OccurredAt: ev.OccurredAt.UTC(),
		RepoName:   ev.RepoName,
		ActorLogin: ev.ActorLogin,
	}

	// A payload that does not decode still produces a message; the
	// envelope fields come from the stored event, not the payload.
	switch ev.Type {
	case model.EventTypePullRequest:
		var p enrich.PullRequestPayload
		if json.Unmarshal(item.Payload, &p) == nil {
			msg.Action = p.Action
			msg.PRState = p.PullRequest.State
			msg.Ref = p.PullRequest.Base.Ref
		}
	default:
		var p genericPayload
		if json.Unmarshal(item.Payload, &p) == nil {
			msg.Action = p.Action
			msg.Ref = p.Ref
		}
	}

	shape, refs, err := enrich.Extract(item, opts.MaxCommits)
	if err != nil || shape == enrich.ShapeNone {
		return msg, nil
	}

	bySHA := make(map[string]*model.EnrichmentRecord, len(records))
	for _, r := range records {
		bySHA[r.SHA] = r
	}
	msg.Commits = make([]model.CommitSummary, 0, len(refs))
	for _, ref := range refs {
		c := commitSummary(ref, bySHA[ref.SHA], opts)
		if c.Enriched {
			msg.Enrichment.Succeeded++
		}
		msg.Commits = append(msg.Commits, c)
	}
	msg.Enrichment.Attempted = len(refs)
	msg.Enrichment.Partial = msg.Enrichment.Succeeded < msg.Enrichment.Attempted
	return msg, nil
}

func commitSummary(ref enrich.CommitRef, rec *model.EnrichmentRecord, opts Options) model.CommitSummary {
	c := model.CommitSummary{
		SHA:         ref.SHA,
		Message:     ref.Message,
		AuthorName:  ref.AuthorName,
		AuthorEmail: ref.AuthorEmail,
	}
	if rec == nil {
		return c
	}

	c.Enriched = true
	if rec.Message != "" {
		c.Message = rec.Message
	}
	if rec.AuthorName != "" {
		c.AuthorName = rec.AuthorName
		c.AuthorEmail = rec.AuthorEmail
	}
	c.Additions = rec.Additions
	c.Deletions = rec.Deletions
	c.ChangedFiles = rec.ChangedFiles

	files := slices.Clone(rec.Files)
	slices.SortStableFunc(files, func(a, b model.FileChange) int {
		return strings.Compare(a.Path, b.Path)
	})
	if opts.MaxFiles > 0 && len(files) > opts.MaxFiles {
		files = files[:opts.MaxFiles]
		c.FilesTruncated = true
	}
	c.Files = files

	patch, truncated := model.TruncateText(rec.DiffFragment, opts.MaxPatchBytes)
	c.Patch = patch
	c.PatchTruncated = truncated || rec.DiffTruncated
	return c
}

// Encode renders msg as compact JSON. Identical messages encode to
// identical bytes.
func Encode(msg *model.SummaryMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, fmt.Errorf("encode summary %s: %w", msg.DedupKey(), err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
