package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"
	_ "modernc.org/sqlite"

	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/pkg/schema"
)

// Supported database/sql driver names.
const (
	DriverLibSQL = "libsql"
	DriverSQLite = "sqlite"
)

// SQLStore implements the Store interface on libSQL (embedded SQLite fork) or
// the pure-Go SQLite driver. Both speak the same dialect.
type SQLStore struct {
	db  *sql.DB
	hub streaming.EventHub
}

// Option configures an SQLStore.
type Option func(*SQLStore)

// WithHub publishes every committed event to the given hub.
func WithHub(h streaming.EventHub) Option {
	return func(s *SQLStore) { s.hub = h }
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string, opts ...Option) (*SQLStore, error) {
	return Open(DriverLibSQL, dbPath, opts...)
}

// NewSQLiteStore opens a database through modernc.org/sqlite, e.g. ":memory:".
func NewSQLiteStore(dsn string, opts ...Option) (*SQLStore, error) {
	return Open(DriverSQLite, dsn, opts...)
}

// Open opens a database with the named driver and applies connection PRAGMAs.
func Open(driver, dsn string, opts ...Option) (*SQLStore, error) {
	switch driver {
	case DriverLibSQL, DriverSQLite:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported db driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	// One connection serializes every write transaction.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow and ignore the result.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	s := &SQLStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// txn collects the events appended inside one transaction so they can be
// published once it commits.
type txn struct {
	tx     *sql.Tx
	events []*Event
}

func (s *SQLStore) inTx(ctx context.Context, fn func(t *txn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	t := &txn{tx: tx}
	if err := fn(t); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.publish(t.events)
	return nil
}

func (s *SQLStore) publish(events []*Event) {
	if s.hub == nil {
		return
	}
	for _, e := range events {
		wfID, _, _ := ParseRunID(e.RunID)
		_ = s.hub.Publish(context.Background(), streaming.StreamEvent{
			WorkflowID: wfID,
			RunID:      e.RunID,
			StepID:     e.StepID,
			Category:   string(e.Category),
			Status:     string(e.Status),
			Sequence:   e.Sequence,
			Timestamp:  e.Timestamp,
		})
	}
}

// appendEvent inserts one immutable event with the run's next sequence number.
func (t *txn) appendEvent(ctx context.Context, runID string, category schema.Category, status schema.EventStatus, stepID string, ts time.Time) (*Event, error) {
	var seq int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM event WHERE run_id = ?`, runID,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("get next sequence: %w", err)
	}

	e := &Event{
		ID:        uuid.New().String(),
		RunID:     runID,
		Category:  category,
		Status:    status,
		StepID:    stepID,
		Sequence:  seq,
		Timestamp: fromMillis(toMillis(timeOrNow(ts))),
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO event (id, run_id, category, status, step_id, sequence, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, string(e.Category), string(e.Status), nullStr(e.StepID), e.Sequence, toMillis(e.Timestamp),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	t.events = append(t.events, e)
	return e, nil
}

// ListRunEvents returns a run's history ordered by sequence. A gap in the
// sequence means the history was tampered with and is reported as a store error.
func (s *SQLStore) ListRunEvents(ctx context.Context, runID string) ([]*Event, error) {
	return listEvents(ctx, s.db, runID)
}

func listEvents(ctx context.Context, q querier, runID string) ([]*Event, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, run_id, category, status, step_id, sequence, timestamp
		 FROM event WHERE run_id = ? ORDER BY sequence ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID sql.NullString
		var category, status string
		var ts int64
		if err := rows.Scan(&e.ID, &e.RunID, &category, &status, &stepID, &e.Sequence, &ts); err != nil {
			return nil, err
		}
		e.Category = schema.Category(category)
		e.Status = schema.EventStatus(status)
		e.StepID = stepID.String
		e.Timestamp = fromMillis(ts)
		if want := int64(len(events) + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, want, e.Sequence)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scanning ---

// eventCols selects the columns of an event joined under the given alias.
func eventCols(alias string) string {
	return fmt.Sprintf("%[1]s.id, %[1]s.category, %[1]s.status, %[1]s.step_id, %[1]s.sequence, %[1]s.timestamp", alias)
}

// nullEvent scans the columns produced by eventCols through a LEFT JOIN.
type nullEvent struct {
	id, category, status, stepID sql.NullString
	sequence, timestamp          sql.NullInt64
}

func (n *nullEvent) dest() []any {
	return []any{&n.id, &n.category, &n.status, &n.stepID, &n.sequence, &n.timestamp}
}

func (n *nullEvent) event(runID string) *Event {
	if !n.id.Valid {
		return nil
	}
	return &Event{
		ID:        n.id.String,
		RunID:     runID,
		Category:  schema.Category(n.category.String),
		Status:    schema.EventStatus(n.status.String),
		StepID:    n.stepID.String,
		Sequence:  n.sequence.Int64,
		Timestamp: fromMillis(n.timestamp.Int64),
	}
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.StepflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(format string, args ...any) *schema.StepflowError {
	return schema.NewErrorf(schema.ErrCodeConflict, format, args...)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalReason(r schema.FailureReason) (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal failure reason: %w", err)
	}
	return string(b), nil
}

func reasonOrNil(ns sql.NullString) *schema.FailureReason {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var r schema.FailureReason
	if err := json.Unmarshal([]byte(ns.String), &r); err != nil {
		return &schema.FailureReason{Code: schema.ErrCodeExecution, Message: ns.String}
	}
	return &r
}
