package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanSubject scans a single row into a model.Subject.
// The row must contain columns in the order defined by subjectColumns.
func scanSubject(row scannable) (*model.Subject, error) {
	var s model.Subject
	var (
		token        sql.NullString
		username     sql.NullString
		cursor       sql.NullInt64
		etag         sql.NullString
		intervalSecs int64
		leaseUntil   sql.NullTime
		reason       sql.NullString
		lastPolledAt sql.NullTime
	)

	err := row.Scan(
		&s.ID,
		&s.Provider,
		&token,
		&username,
		&cursor,
		&etag,
		&s.Tier,
		&s.NextScheduledAt,
		&intervalSecs,
		&leaseUntil,
		&s.NeedsAttention,
		&reason,
		&lastPolledAt,
	)
	if err != nil {
		return nil, err
	}

	s.AccessToken = token.String
	s.Username = username.String
	s.Cursor = cursor.Int64
	s.CacheTag = etag.String
	s.PollingInterval = time.Duration(intervalSecs) * time.Second
	s.LeaseUntil = timePtr(leaseUntil)
	s.AttentionReason = reason.String
	s.LastPolledAt = timePtr(lastPolledAt)
	return &s, nil
}

// scanSubjects scans all rows into a slice of model.Subject and closes rows.
func scanSubjects(rows *sql.Rows) ([]*model.Subject, error) {
	defer rows.Close()
	var subjects []*model.Subject
	for rows.Next() {
		s, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

func sortByNextDue(subjects []*model.Subject) {
	slices.SortStableFunc(subjects, func(a, b *model.Subject) int {
		return a.NextScheduledAt.Compare(b.NextScheduledAt)
	})
}

// scanEvent scans a single row into a model.RawEvent.
// The row must contain columns in the order defined by eventColumns.
func scanEvent(row scannable) (*model.RawEvent, error) {
	var ev model.RawEvent
	var (
		repoName    sql.NullString
		actorLogin  sql.NullString
		payload     []byte
		publishedAt sql.NullTime
	)

	err := row.Scan(
		&ev.ID,
		&ev.SubjectID,
		&ev.UpstreamID,
		&ev.Type,
		&ev.OccurredAt,
		&repoName,
		&actorLogin,
		&payload,
		&ev.Status,
		&publishedAt,
		&ev.CreatedAt,
		&ev.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.RepoName = repoName.String
	ev.ActorLogin = actorLogin.String
	if len(payload) > 0 {
		ev.Payload = json.RawMessage(payload)
	}
	ev.PublishedAt = timePtr(publishedAt)
	return &ev, nil
}

// scanEvents scans all rows into a slice of model.RawEvent and closes rows.
func scanEvents(rows *sql.Rows) ([]*model.RawEvent, error) {
	defer rows.Close()
	var events []*model.RawEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// scanEnrichment scans a single row into a model.EnrichmentRecord.
// The row must contain columns in the order defined by enrichmentColumns.
func scanEnrichment(row scannable) (*model.EnrichmentRecord, error) {
	var r model.EnrichmentRecord
	var (
		authorName  sql.NullString
		authorEmail sql.NullString
		files       []byte
		diff        sql.NullString
	)

	err := row.Scan(
		&r.ID,
		&r.EventID,
		&r.SHA,
		&r.Message,
		&authorName,
		&authorEmail,
		&r.Additions,
		&r.Deletions,
		&r.ChangedFiles,
		&files,
		&diff,
		&r.DiffTruncated,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.AuthorName = authorName.String
	r.AuthorEmail = authorEmail.String
	r.DiffFragment = diff.String
	if len(files) > 0 {
		if err := json.Unmarshal(files, &r.Files); err != nil {
			return nil, fmt.Errorf("decode files of %s: %w", r.SHA, err)
		}
	}
	return &r, nil
}

// scanEnrichments scans all rows into a slice of model.EnrichmentRecord and closes rows.
func scanEnrichments(rows *sql.Rows) ([]*model.EnrichmentRecord, error) {
	defer rows.Close()
	var records []*model.EnrichmentRecord
	for rows.Next() {
		r, err := scanEnrichment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// timePtr converts a sql.NullTime to a *time.Time.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// nullString converts a string to sql.NullString; empty string is null.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// jsonbBytes converts json.RawMessage to a []byte suitable for JSONB columns.
func jsonbBytes(m json.RawMessage) []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(m)
}

// marshalFiles encodes per-file statistics for the files JSONB column.
func marshalFiles(files []model.FileChange) ([]byte, error) {
	if len(files) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(files)
	if err != nil {
		return nil, fmt.Errorf("encode files: %w", err)
	}
	return b, nil
}
