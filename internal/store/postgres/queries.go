package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alfredjeanlab/eventpoller/internal/model"
	"github.com/alfredjeanlab/eventpoller/internal/store"
)

// subjectColumns is the column list used for SELECT statements on subjects.
// Every query selecting it aliases user_polling_state as p and account as a.
const subjectColumns = `p.user_id, p.provider_id, a.access_token, a.account_username,
	p.last_event_id_gh, p.etag, p.priority, p.next_scheduled_at, p.polling_interval_secs,
	p.lease_until, p.needs_attention, p.attention_reason, p.last_polled_at`

// eventColumns is the column list used for SELECT statements on github_event.
const eventColumns = `event_id, user_id, event_id_gh, event_type, occurred_at,
	repo_name, actor_login, payload, processing_status, published_at, created_at, updated_at`

// enrichmentColumns is the column list used for SELECT statements on code_change.
const enrichmentColumns = `id, event_id, sha, message, author_name, author_email,
	additions, deletions, changed_files, files, diff_fragment, diff_truncated, created_at`

// executor is the interface satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// querySelectDue leases up to limit due subjects of tier in one statement.
// SKIP LOCKED lets concurrent pollers claim disjoint batches; the lease keeps
// claimed rows invisible to later selections until it expires or is cleared.
func querySelectDue(ctx context.Context, db executor, tier model.Tier, limit int, lease time.Duration) ([]*model.Subject, error) {
	rows, err := db.QueryContext(ctx, `
		WITH due AS (
			SELECT user_id, provider_id FROM user_polling_state
			WHERE priority = $1
				AND provider_id = $2
				AND next_scheduled_at <= now()
				AND NOT needs_attention
				AND (lease_until IS NULL OR lease_until < now())
			ORDER BY next_scheduled_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE user_polling_state p
		SET lease_until = now() + make_interval(secs => $4)
		FROM due, account a
		WHERE p.user_id = due.user_id AND p.provider_id = due.provider_id
			AND a.user_id = p.user_id AND a.provider_id = p.provider_id
		RETURNING `+subjectColumns,
		int(tier), model.ProviderGitHub, limit, lease.Seconds(),
	)
	if err != nil {
		return nil, err
	}
	subjects, err := scanSubjects(rows)
	if err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING does not keep the CTE's order.
	sortByNextDue(subjects)
	return subjects, nil
}

func queryGetSubject(ctx context.Context, db executor, id string) (*model.Subject, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+subjectColumns+`
		FROM user_polling_state p
		JOIN account a ON a.user_id = p.user_id AND a.provider_id = p.provider_id
		WHERE p.user_id = $1 AND p.provider_id = $2`,
		id, model.ProviderGitHub,
	)
	s, err := scanSubject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subject %s: %w", id, store.ErrNotFound)
	}
	return s, err
}

func queryListSubjects(ctx context.Context, db executor, filter model.SubjectFilter) ([]*model.Subject, error) {
	var (
		whereClauses []string
		args         []any
		argIdx       int
	)

	nextArg := func() string {
		argIdx++
		return fmt.Sprintf("$%d", argIdx)
	}

	whereClauses = append(whereClauses, "p.provider_id = "+nextArg())
	args = append(args, model.ProviderGitHub)

	if filter.Tier != 0 {
		whereClauses = append(whereClauses, "p.priority = "+nextArg())
		args = append(args, int(filter.Tier))
	}
	if filter.AttentionOnly {
		whereClauses = append(whereClauses, "p.needs_attention")
	}

	query := `SELECT ` + subjectColumns + `
		FROM user_polling_state p
		JOIN account a ON a.user_id = p.user_id AND a.provider_id = p.provider_id
		WHERE ` + strings.Join(whereClauses, " AND ") + `
		ORDER BY p.priority ASC, p.next_scheduled_at ASC`
	if filter.Limit > 0 {
		query += " LIMIT " + nextArg()
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanSubjects(rows)
}

func querySetProfile(ctx context.Context, db executor, id string, p *model.Profile) error {
	res, err := db.ExecContext(ctx, `
		UPDATE account SET account_username = $3, account_name = $4, account_bio = $5
		WHERE user_id = $1 AND provider_id = $2`,
		id, model.ProviderGitHub, p.Login, nullString(p.Name), nullString(p.Bio),
	)
	return expectOneRow(res, err, "subject", id)
}

func queryMarkCredentialInvalid(ctx context.Context, db executor, id, reason string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE user_polling_state
		SET needs_attention = true, attention_reason = $3, lease_until = NULL
		WHERE user_id = $1 AND provider_id = $2`,
		id, model.ProviderGitHub, reason,
	)
	return expectOneRow(res, err, "subject", id)
}

func queryReinstate(ctx context.Context, db executor, id string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE user_polling_state
		SET needs_attention = false, attention_reason = NULL, lease_until = NULL,
			next_scheduled_at = now()
		WHERE user_id = $1 AND provider_id = $2`,
		id, model.ProviderGitHub,
	)
	return expectOneRow(res, err, "subject", id)
}

func queryReleaseLease(ctx context.Context, db executor, id string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE user_polling_state SET lease_until = NULL
		WHERE user_id = $1 AND provider_id = $2`,
		id, model.ProviderGitHub,
	)
	return err
}

// queryAdvanceState writes cursor, cache tag and next-due together. The
// previous cursor and tag guard the update; GREATEST keeps both the cursor
// and the next-due time from ever moving backwards.
func queryAdvanceState(ctx context.Context, db executor, a model.StateAdvance) error {
	if err := model.ValidateStateAdvance(a); err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
		UPDATE user_polling_state SET
			last_event_id_gh = GREATEST(COALESCE(last_event_id_gh, 0), $3),
			etag = $4,
			next_scheduled_at = GREATEST(next_scheduled_at, $5),
			polling_interval_secs = $6,
			last_polled_at = $7,
			lease_until = NULL
		WHERE user_id = $1 AND provider_id = $2
			AND COALESCE(last_event_id_gh, 0) = $8
			AND COALESCE(etag, '') = $9`,
		a.SubjectID, model.ProviderGitHub,
		a.Cursor, nullString(a.CacheTag), a.NextScheduledAt(),
		int(a.Interval/time.Second), a.Now,
		a.PrevCursor, a.PrevCacheTag,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("advance subject %s: %w", a.SubjectID, store.ErrStateConflict)
	}
	return nil
}

// queryRecordEvent inserts ev unless (subject, upstream id) already exists.
// Either way ev.ID, ev.Status and ev.PublishedAt reflect the stored row.
func queryRecordEvent(ctx context.Context, db executor, ev *model.RawEvent) (bool, error) {
	if err := model.ValidateRawEvent(ev); err != nil {
		return false, err
	}
	err := db.QueryRowContext(ctx, `
		INSERT INTO github_event (
			user_id, event_id_gh, event_type, occurred_at, repo_name, actor_login,
			payload, processing_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT ON CONSTRAINT github_event_subject_upstream_key DO NOTHING
		RETURNING event_id, created_at, updated_at`,
		ev.SubjectID,
		ev.UpstreamID,
		ev.Type,
		ev.OccurredAt,
		nullString(ev.RepoName),
		nullString(ev.ActorLogin),
		jsonbBytes(ev.Payload),
		string(ev.Status),
	).Scan(&ev.ID, &ev.CreatedAt, &ev.UpdatedAt)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	var publishedAt sql.NullTime
	err = db.QueryRowContext(ctx, `
		SELECT event_id, processing_status, published_at, created_at, updated_at
		FROM github_event WHERE user_id = $1 AND event_id_gh = $2`,
		ev.SubjectID, ev.UpstreamID,
	).Scan(&ev.ID, &ev.Status, &publishedAt, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("load existing event %d: %w", ev.UpstreamID, err)
	}
	ev.PublishedAt = timePtr(publishedAt)
	return false, nil
}

func querySetEventStatus(ctx context.Context, db executor, eventID int64, status model.ProcessingStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid processing status %q", status)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE github_event SET processing_status = $2, updated_at = now()
		WHERE event_id = $1`,
		eventID, string(status),
	)
	return expectOneRow(res, err, "event", eventID)
}

// queryMarkPublished records delivery. Only pending and enriched events move
// to published; failed_partial and failed keep their enrichment outcome.
func queryMarkPublished(ctx context.Context, db executor, eventID int64, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE github_event SET
			published_at = $2,
			processing_status = CASE
				WHEN processing_status IN ('pending', 'enriched') THEN 'published'
				ELSE processing_status
			END,
			updated_at = now()
		WHERE event_id = $1`,
		eventID, at,
	)
	return expectOneRow(res, err, "event", eventID)
}

func queryListEventsCreatedBetween(ctx context.Context, db executor, from, to time.Time, afterID int64, limit int) ([]*model.RawEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM github_event
		WHERE (created_at, event_id) > ($1, $3) AND created_at < $2
		ORDER BY created_at ASC, event_id ASC
		LIMIT $4`,
		from, to, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func queryRecordEnrichment(ctx context.Context, db executor, eventID int64, r *model.EnrichmentRecord) error {
	files, err := marshalFiles(r.Files)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO code_change (
			event_id, sha, message, author_name, author_email,
			additions, deletions, changed_files, files, diff_fragment, diff_truncated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (event_id, sha) DO NOTHING`,
		eventID,
		r.SHA,
		r.Message,
		nullString(r.AuthorName),
		nullString(r.AuthorEmail),
		r.Additions,
		r.Deletions,
		r.ChangedFiles,
		files,
		nullString(r.DiffFragment),
		r.DiffTruncated,
	)
	return err
}

func queryListEnrichments(ctx context.Context, db executor, eventID int64) ([]*model.EnrichmentRecord, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+enrichmentColumns+` FROM code_change
		WHERE event_id = $1
		ORDER BY id ASC`,
		eventID,
	)
	if err != nil {
		return nil, err
	}
	return scanEnrichments(rows)
}

func queryStats(ctx context.Context, db executor) (*model.Stats, error) {
	stats := &model.Stats{Events: make(map[model.ProcessingStatus]int)}

	rows, err := db.QueryContext(ctx, `
		SELECT priority,
			count(*),
			count(*) FILTER (WHERE next_scheduled_at <= now() AND NOT needs_attention),
			count(*) FILTER (WHERE needs_attention)
		FROM user_polling_state
		WHERE provider_id = $1
		GROUP BY priority
		ORDER BY priority`,
		model.ProviderGitHub,
	)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var ts model.TierStats
		if err := rows.Scan(&ts.Tier, &ts.Subjects, &ts.Due, &ts.Attention); err != nil {
			rows.Close()
			return nil, err
		}
		stats.Tiers = append(stats.Tiers, ts)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = db.QueryContext(ctx, `
		SELECT processing_status, count(*) FROM github_event GROUP BY processing_status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status model.ProcessingStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.Events[status] = n
	}
	return stats, rows.Err()
}

// queryNow reads the database clock, which stamps created_at.
func queryNow(ctx context.Context, db executor) (time.Time, error) {
	var now time.Time
	if err := db.QueryRowContext(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, err
	}
	return now.UTC(), nil
}

// expectOneRow converts an update that touched nothing into ErrNotFound.
func expectOneRow(res sql.Result, err error, kind string, id any) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %v: %w", kind, id, store.ErrNotFound)
	}
	return nil
}
