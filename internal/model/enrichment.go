package model

import "time"

// FileChange is the per-file line statistics of one commit.
type FileChange struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}

// CommitFile is a FileChange with its unified diff hunk, as returned by the
// upstream detail endpoints.
type CommitFile struct {
	FileChange
	Patch string `json:"patch,omitempty"`
}

// CommitDetail is what an enrichment fetch strategy returns for one commit.
type CommitDetail struct {
	SHA          string       `json:"sha"`
	Message      string       `json:"message"`
	AuthorName   string       `json:"author_name,omitempty"`
	AuthorEmail  string       `json:"author_email,omitempty"`
	Additions    int          `json:"additions"`
	Deletions    int          `json:"deletions"`
	ChangedFiles int          `json:"changed_files"`
	Files        []CommitFile `json:"files,omitempty"`
}

// Patch concatenates the per-file patches in file order, each preceded by a
// header naming the file.
func (d *CommitDetail) Patch() string {
	var n int
	for _, f := range d.Files {
		n += len(f.Path) + len(f.Patch) + 16
	}
	buf := make([]byte, 0, n)
	for _, f := range d.Files {
		if f.Patch == "" {
			continue
		}
		buf = append(buf, "--- "...)
		buf = append(buf, f.Path...)
		buf = append(buf, '\n')
		buf = append(buf, f.Patch...)
		if len(f.Patch) > 0 && f.Patch[len(f.Patch)-1] != '\n' {
			buf = append(buf, '\n')
		}
	}
	return string(buf)
}

// EnrichmentRecord is the persisted detail of one commit of an eligible
// event. A record exists only when the detail fetch succeeded.
type EnrichmentRecord struct {
	ID            int64        `json:"id,omitempty"`
	EventID       int64        `json:"event_id"`
	SHA           string       `json:"sha"`
	Message       string       `json:"message"`
	AuthorName    string       `json:"author_name,omitempty"`
	AuthorEmail   string       `json:"author_email,omitempty"`
	Additions     int          `json:"additions"`
	Deletions     int          `json:"deletions"`
	ChangedFiles  int          `json:"changed_files"`
	Files         []FileChange `json:"files,omitempty"`
	DiffFragment  string       `json:"diff_fragment,omitempty"`
	DiffTruncated bool         `json:"diff_truncated,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// NewEnrichmentRecord builds the record stored for detail, keeping at most
// maxDiff bytes of the combined patch.
func NewEnrichmentRecord(eventID int64, d *CommitDetail, maxDiff int) *EnrichmentRecord {
	files := make([]FileChange, len(d.Files))
	for i, f := range d.Files {
		files[i] = f.FileChange
	}
	diff, truncated := TruncateText(d.Patch(), maxDiff)
	return &EnrichmentRecord{
		EventID:       eventID,
		SHA:           d.SHA,
		Message:       d.Message,
		AuthorName:    d.AuthorName,
		AuthorEmail:   d.AuthorEmail,
		Additions:     d.Additions,
		Deletions:     d.Deletions,
		ChangedFiles:  d.ChangedFiles,
		Files:         files,
		DiffFragment:  diff,
		DiffTruncated: truncated,
	}
}
