package model

import "time"

// SummaryMessage is the compact, queue-bound representation of one
// processed event. It is never persisted by the poller.
type SummaryMessage struct {
	EventID    string           `json:"event_id"`
	SubjectID  string           `json:"subject_id"`
	EventType  string           `json:"event_type"`
	OccurredAt time.Time        `json:"occurred_at"`
	RepoName   string           `json:"repo_name,omitempty"`
	ActorLogin string           `json:"actor_login,omitempty"`
	Ref        string           `json:"ref,omitempty"`
	Action     string           `json:"action,omitempty"`
	PRState    string           `json:"pr_state,omitempty"`
	Commits    []CommitSummary  `json:"commits,omitempty"`
	Enrichment EnrichmentDigest `json:"enrichment"`
}

// CommitSummary is one sub-item of a summary. Enriched is false when the
// detail fetch for the commit failed or was never attempted.
type CommitSummary struct {
	SHA            string       `json:"sha"`
	Message        string       `json:"message,omitempty"`
	AuthorName     string       `json:"author_name,omitempty"`
	AuthorEmail    string       `json:"author_email,omitempty"`
	Enriched       bool         `json:"enriched"`
	Additions      int          `json:"additions"`
	Deletions      int          `json:"deletions"`
	ChangedFiles   int          `json:"changed_files"`
	Files          []FileChange `json:"files,omitempty"`
	FilesTruncated bool         `json:"files_truncated,omitempty"`
	Patch          string       `json:"patch,omitempty"`
	PatchTruncated bool         `json:"patch_truncated,omitempty"`
}

// EnrichmentDigest counts enrichment outcomes for the event's sub-items.
type EnrichmentDigest struct {
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Partial   bool `json:"partial"`
}

// DedupKey identifies the summary for duplicate suppression downstream.
func (m *SummaryMessage) DedupKey() string {
	return m.SubjectID + ":" + m.EventID
}
