// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/eventpoller/internal/model"
	"github.com/alfredjeanlab/eventpoller/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Option configures a PostgresStore.
type Option func(*PostgresStore)

// WithMaxConns bounds the process-wide connection pool.
func WithMaxConns(n int) Option {
	return func(s *PostgresStore) { s.maxConns = n }
}

// WithSlowCheckout sets how long a connection may stay checked out before a
// warning is logged. Zero disables the warning.
func WithSlowCheckout(d time.Duration) Option {
	return func(s *PostgresStore) { s.slowCheckout = d }
}

// WithLogger sets the logger used for connection diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(s *PostgresStore) { s.logger = l }
}

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db           *sql.DB
	logger       *slog.Logger
	maxConns     int
	slowCheckout time.Duration
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string, opts ...Option) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := newStore(db, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return s, nil
}

func newStore(db *sql.DB, opts ...Option) *PostgresStore {
	s := &PostgresStore{
		db:           db,
		logger:       slog.Default(),
		maxConns:     20,
		slowCheckout: 5 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	db.SetMaxOpenConns(s.maxConns)
	db.SetMaxIdleConns(s.maxConns)
	db.SetConnMaxIdleTime(10 * time.Second)
	return s
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// withConn checks out a dedicated connection for one operation and logs a
// warning if it is still held after the slow-checkout threshold.
func withConn[T any](ctx context.Context, s *PostgresStore, op string, fn func(*sql.Conn) (T, error)) (T, error) {
	var zero T
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return zero, fmt.Errorf("%s: acquire connection: %w", op, err)
	}
	defer conn.Close()

	if s.slowCheckout > 0 {
		start := time.Now()
		timer := time.AfterFunc(s.slowCheckout, func() {
			s.logger.Warn("database connection held longer than expected",
				"op", op, "threshold", s.slowCheckout, "held", time.Since(start).Round(time.Millisecond))
		})
		defer timer.Stop()
	}

	v, err := fn(conn)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", op, err)
	}
	return v, nil
}

func (s *PostgresStore) exec(ctx context.Context, op string, fn func(*sql.Conn) error) error {
	_, err := withConn(ctx, s, op, func(db *sql.Conn) (struct{}, error) {
		return struct{}{}, fn(db)
	})
	return err
}

func (s *PostgresStore) SelectDue(ctx context.Context, tier model.Tier, limit int, lease time.Duration) ([]*model.Subject, error) {
	return withConn(ctx, s, "select due", func(db *sql.Conn) ([]*model.Subject, error) {
		return querySelectDue(ctx, db, tier, limit, lease)
	})
}

func (s *PostgresStore) GetSubject(ctx context.Context, id string) (*model.Subject, error) {
	return withConn(ctx, s, "get subject", func(db *sql.Conn) (*model.Subject, error) {
		return queryGetSubject(ctx, db, id)
	})
}

func (s *PostgresStore) ListSubjects(ctx context.Context, filter model.SubjectFilter) ([]*model.Subject, error) {
	return withConn(ctx, s, "list subjects", func(db *sql.Conn) ([]*model.Subject, error) {
		return queryListSubjects(ctx, db, filter)
	})
}

func (s *PostgresStore) SetProfile(ctx context.Context, id string, profile *model.Profile) error {
	return s.exec(ctx, "set profile", func(db *sql.Conn) error {
		return querySetProfile(ctx, db, id, profile)
	})
}

func (s *PostgresStore) MarkCredentialInvalid(ctx context.Context, id, reason string) error {
	return s.exec(ctx, "mark credential invalid", func(db *sql.Conn) error {
		return queryMarkCredentialInvalid(ctx, db, id, reason)
	})
}

func (s *PostgresStore) Reinstate(ctx context.Context, id string) error {
	return s.exec(ctx, "reinstate", func(db *sql.Conn) error {
		return queryReinstate(ctx, db, id)
	})
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, id string) error {
	return s.exec(ctx, "release lease", func(db *sql.Conn) error {
		return queryReleaseLease(ctx, db, id)
	})
}

func (s *PostgresStore) AdvanceState(ctx context.Context, adv model.StateAdvance) error {
	return s.exec(ctx, "advance state", func(db *sql.Conn) error {
		return queryAdvanceState(ctx, db, adv)
	})
}

func (s *PostgresStore) RecordEvent(ctx context.Context, ev *model.RawEvent) (bool, error) {
	return withConn(ctx, s, "record event", func(db *sql.Conn) (bool, error) {
		return queryRecordEvent(ctx, db, ev)
	})
}

func (s *PostgresStore) SetEventStatus(ctx context.Context, eventID int64, status model.ProcessingStatus) error {
	return s.exec(ctx, "set event status", func(db *sql.Conn) error {
		return querySetEventStatus(ctx, db, eventID, status)
	})
}

func (s *PostgresStore) MarkPublished(ctx context.Context, eventID int64, at time.Time) error {
	return s.exec(ctx, "mark published", func(db *sql.Conn) error {
		return queryMarkPublished(ctx, db, eventID, at)
	})
}

func (s *PostgresStore) ListEventsCreatedBetween(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]*model.RawEvent, error) {
	return withConn(ctx, s, "list events", func(db *sql.Conn) ([]*model.RawEvent, error) {
		return queryListEventsCreatedBetween(ctx, db, from, to, afterID, limit)
	})
}

func (s *PostgresStore) RecordEnrichment(ctx context.Context, eventID int64, rec *model.EnrichmentRecord) error {
	return s.exec(ctx, "record enrichment", func(db *sql.Conn) error {
		return queryRecordEnrichment(ctx, db, eventID, rec)
	})
}

func (s *PostgresStore) ListEnrichments(ctx context.Context, eventID int64) ([]*model.EnrichmentRecord, error) {
	return withConn(ctx, s, "list enrichments", func(db *sql.Conn) ([]*model.EnrichmentRecord, error) {
		return queryListEnrichments(ctx, db, eventID)
	})
}

func (s *PostgresStore) Stats(ctx context.Context) (*model.Stats, error) {
	return withConn(ctx, s, "stats", func(db *sql.Conn) (*model.Stats, error) {
		return queryStats(ctx, db)
	})
}

// Now returns the database's current time.
func (s *PostgresStore) Now(ctx context.Context) (time.Time, error) {
	return withConn(ctx, s, "read clock", func(db *sql.Conn) (time.Time, error) {
		return queryNow(ctx, db)
	})
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return s.exec(ctx, "transaction", func(db *sql.Conn) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		txS := &txStore{tx: tx}
		if err := fn(txS); err != nil {
			_ = tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transaction: %w", err)
		}
		return nil
	})
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) SelectDue(ctx context.Context, tier model.Tier, limit int, lease time.Duration) ([]*model.Subject, error) {
	return querySelectDue(ctx, s.tx, tier, limit, lease)
}

func (s *txStore) GetSubject(ctx context.Context, id string) (*model.Subject, error) {
	return queryGetSubject(ctx, s.tx, id)
}

func (s *txStore) ListSubjects(ctx context.Context, filter model.SubjectFilter) ([]*model.Subject, error) {
	return queryListSubjects(ctx, s.tx, filter)
}

func (s *txStore) SetProfile(ctx context.Context, id string, profile *model.Profile) error {
	return querySetProfile(ctx, s.tx, id, profile)
}

func (s *txStore) MarkCredentialInvalid(ctx context.Context, id, reason string) error {
	return queryMarkCredentialInvalid(ctx, s.tx, id, reason)
}

func (s *txStore) Reinstate(ctx context.Context, id string) error {
	return queryReinstate(ctx, s.tx, id)
}

func (s *txStore) ReleaseLease(ctx context.Context, id string) error {
	return queryReleaseLease(ctx, s.tx, id)
}

func (s *txStore) AdvanceState(ctx context.Context, adv model.StateAdvance) error {
	return queryAdvanceState(ctx, s.tx, adv)
}

func (s *txStore) RecordEvent(ctx context.Context, ev *model.RawEvent) (bool, error) {
	return queryRecordEvent(ctx, s.tx, ev)
}

func (s *txStore) SetEventStatus(ctx context.Context, eventID int64, status model.ProcessingStatus) error {
	return querySetEventStatus(ctx, s.tx, eventID, status)
}

func (s *txStore) MarkPublished(ctx context.Context, eventID int64, at time.Time) error {
	return queryMarkPublished(ctx, s.tx, eventID, at)
}

func (s *txStore) ListEventsCreatedBetween(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]*model.RawEvent, error) {
	return queryListEventsCreatedBetween(ctx, s.tx, from, to, afterID, limit)
}

func (s *txStore) RecordEnrichment(ctx context.Context, eventID int64, rec *model.EnrichmentRecord) error {
	return queryRecordEnrichment(ctx, s.tx, eventID, rec)
}

func (s *txStore) ListEnrichments(ctx context.Context, eventID int64) ([]*model.EnrichmentRecord, error) {
	return queryListEnrichments(ctx, s.tx, eventID)
}

func (s *txStore) Stats(ctx context.Context) (*model.Stats, error) {
	return queryStats(ctx, s.tx)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
