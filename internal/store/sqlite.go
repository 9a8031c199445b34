// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session and transcript persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers, which makes every
	// read-modify-write transaction below atomic per user.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			user_id        TEXT PRIMARY KEY,
			logged_in      INTEGER NOT NULL DEFAULT 0,
			thread_id      TEXT,
			run_id         TEXT,
			run_updated_at TEXT,
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_run
			ON sessions(run_updated_at) WHERE run_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS transcripts (
			thread_id    TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			summary_text TEXT,
			created_at   TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transcripts_user_updated
			ON transcripts(user_id, updated_at);

		CREATE TABLE IF NOT EXISTS turns (
			thread_id  TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			role       TEXT NOT NULL,
			text       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (thread_id, seq),
			FOREIGN KEY (thread_id) REFERENCES transcripts(thread_id),
			CHECK (role IN ('user', 'assistant'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies column additions that CREATE TABLE IF NOT EXISTS
// cannot express for databases created by older builds.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('transcripts') WHERE name = 'summary_json'`,
			apply:  `ALTER TABLE transcripts ADD COLUMN summary_json TEXT`,
			column: "summary_json",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking column %s: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding column %s: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

const sessionColumns = `user_id, logged_in, thread_id, run_id, run_updated_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                 Session
		loggedIn             int
		threadID, runID      sql.NullString
		runUpdated           sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&sess.UserID, &loggedIn, &threadID, &runID, &runUpdated, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.LoggedIn = loggedIn != 0
	sess.ThreadID = threadID.String
	sess.RunID = runID.String
	if runUpdated.Valid {
		sess.RunUpdatedAt = parseTime(runUpdated.String)
	}
	sess.CreatedAt = parseTime(createdAt)
	sess.UpdatedAt = parseTime(updatedAt)
	return &sess, nil
}

// GetSession retrieves the session for a user.
// Returns ErrNotFound if the user has no record.
func (s *SQLiteStore) GetSession(ctx context.Context, userID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = ?`, userID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying session", err)
	}
	return sess, nil
}

// ensureSession inserts an empty record for the user if none exists.
func ensureSession(ctx context.Context, tx *sql.Tx, userID, now string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (user_id, logged_in, created_at, updated_at) VALUES (?, 0, ?, ?)`,
		userID, now, now)
	return err
}

// UpdateSession merges the non-nil fields of update into the user's record.
func (s *SQLiteStore) UpdateSession(ctx context.Context, userID string, update SessionUpdate) error {
	now := formatTime(s.now())

	sets := []string{"updated_at = ?"}
	args := []any{now}
	if update.LoggedIn != nil {
		sets = append(sets, "logged_in = ?")
		args = append(args, boolToInt(*update.LoggedIn))
	}
	if update.ThreadID != nil {
		sets = append(sets, "thread_id = ?")
		args = append(args, nullString(*update.ThreadID))
	}
	if update.RunID != nil {
		sets = append(sets, "run_id = ?", "run_updated_at = ?")
		if *update.RunID == "" {
			args = append(args, nil, nil)
		} else {
			args = append(args, *update.RunID, now)
		}
	}
	args = append(args, userID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := ensureSession(ctx, tx, userID, now); err != nil {
		return unavailable("creating session", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE user_id = ?`, args...); err != nil {
		return unavailable("updating session", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("committing session update", err)
	}

	s.logger.Debug("updated session", "user_id", userID)
	return nil
}

// ClearSessionFields removes the given fields from the user's record.
func (s *SQLiteStore) ClearSessionFields(ctx context.Context, userID string, fields ...SessionField) error {
	if len(fields) == 0 {
		return nil
	}

	sets := []string{"updated_at = ?"}
	for _, f := range fields {
		switch f {
		case FieldThreadID:
			sets = append(sets, "thread_id = NULL")
		case FieldRunID:
			sets = append(sets, "run_id = NULL", "run_updated_at = NULL")
		default:
			return fmt.Errorf("unknown session field %q", f)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE user_id = ?`,
		formatTime(s.now()), userID)
	if err != nil {
		return unavailable("clearing session fields", err)
	}
	return nil
}

// SwapRunID atomically replaces the RunID when it equals expected.
func (s *SQLiteStore) SwapRunID(ctx context.Context, userID, expected, next string) (bool, error) {
	now := formatTime(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable("beginning transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := ensureSession(ctx, tx, userID, now); err != nil {
		return false, unavailable("creating session", err)
	}

	var runUpdated any
	if next != "" {
		runUpdated = now
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET run_id = ?, run_updated_at = ?, updated_at = ?
		WHERE user_id = ? AND COALESCE(run_id, '') = ?`,
		nullString(next), runUpdated, now, userID, expected)
	if err != nil {
		return false, unavailable("swapping run id", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("swapping run id", err)
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable("committing run id swap", err)
	}
	return n == 1, nil
}

// ListStaleRuns returns sessions whose run was set before the cutoff.
func (s *SQLiteStore) ListStaleRuns(ctx context.Context, before time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE run_id IS NOT NULL AND run_updated_at < ? ORDER BY run_updated_at`,
		formatTime(before))
	if err != nil {
		return nil, unavailable("querying stale runs", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, unavailable("scanning session", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating sessions", err)
	}
	return out, nil
}

// CreateTranscript creates an empty transcript for a thread.
// Returns ErrDuplicateTranscript if one already exists.
func (s *SQLiteStore) CreateTranscript(ctx context.Context, t *Transcript) error {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcripts (thread_id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.UserID, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateTranscript
		}
		return unavailable("inserting transcript", err)
	}

	s.logger.Debug("created transcript", "thread_id", t.ID, "user_id", t.UserID)
	return nil
}

// AppendTurn appends a turn with the next sequence number.
func (s *SQLiteStore) AppendTurn(ctx context.Context, threadID string, role Role, text string) (*Turn, error) {
	now := s.now()
	stamp := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("beginning transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `UPDATE transcripts SET updated_at = ? WHERE thread_id = ?`, stamp, threadID)
	if err != nil {
		return nil, unavailable("touching transcript", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	var seq int
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE thread_id = ?`, threadID).Scan(&seq)
	if err != nil {
		return nil, unavailable("reading turn sequence", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (thread_id, seq, role, text, created_at) VALUES (?, ?, ?, ?, ?)`,
		threadID, seq, string(role), text, stamp); err != nil {
		return nil, unavailable("inserting turn", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("committing turn", err)
	}

	return &Turn{Seq: seq, Role: role, Text: text, CreatedAt: parseTime(stamp)}, nil
}

// SetSummary replaces the summary text and structured summary of a transcript.
func (s *SQLiteStore) SetSummary(ctx context.Context, threadID, text string, summary *StructuredSummary) error {
	var summaryJSON any
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("encoding summary: %w", err)
		}
		summaryJSON = string(data)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE transcripts SET summary_text = ?, summary_json = ?, updated_at = ? WHERE thread_id = ?`,
		text, summaryJSON, formatTime(s.now()), threadID)
	if err != nil {
		return unavailable("updating summary", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const transcriptColumns = `thread_id, user_id, summary_text, summary_json, created_at, updated_at`

func scanTranscript(row rowScanner) (*Transcript, error) {
	var (
		t                    Transcript
		summaryText          sql.NullString
		summaryJSON          sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&t.ID, &t.UserID, &summaryText, &summaryJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if summaryText.Valid {
		text := summaryText.String
		t.SummaryText = &text
	}
	if summaryJSON.Valid {
		var sum StructuredSummary
		if err := json.Unmarshal([]byte(summaryJSON.String), &sum); err != nil {
			return nil, fmt.Errorf("decoding summary: %w", err)
		}
		t.Summary = &sum
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// GetTranscript retrieves a transcript and its turns in order.
// Returns ErrNotFound if the transcript doesn't exist.
func (s *SQLiteStore) GetTranscript(ctx context.Context, threadID string) (*Transcript, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transcriptColumns+` FROM transcripts WHERE thread_id = ?`, threadID)
	t, err := scanTranscript(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying transcript", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, role, text, created_at FROM turns WHERE thread_id = ? ORDER BY seq`, threadID)
	if err != nil {
		return nil, unavailable("querying turns", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			turn      Turn
			role      string
			createdAt string
		)
		if err := rows.Scan(&turn.Seq, &role, &turn.Text, &createdAt); err != nil {
			return nil, unavailable("scanning turn", err)
		}
		turn.Role = Role(role)
		turn.CreatedAt = parseTime(createdAt)
		t.Turns = append(t.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating turns", err)
	}
	return t, nil
}

// ListSummarizedTranscripts returns the user's transcripts that carry a
// structured summary, most recently updated first.
func (s *SQLiteStore) ListSummarizedTranscripts(ctx context.Context, userID string, limit int) ([]*Transcript, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+transcriptColumns+` FROM transcripts
		WHERE user_id = ? AND summary_json IS NOT NULL
		ORDER BY updated_at DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, unavailable("querying transcripts", err)
	}
	defer rows.Close()

	var out []*Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, unavailable("scanning transcript", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating transcripts", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
