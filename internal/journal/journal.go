package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	_ "modernc.org/sqlite"
)

// Outcome is the final state of a session.
type Outcome string

const (
	OutcomeOpen   Outcome = "open"
	OutcomeOK     Outcome = "ok"
	OutcomeFailed Outcome = "failed"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// Session is one served diagnostic exchange.
type Session struct {
	ID         int64     `json:"id"`
	Endpoint   string    `json:"endpoint"`
	Mode       string    `json:"mode"`
	Command    string    `json:"command,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// Duration reports how long the session ran, or zero while it is open.
func (s Session) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Journal persists sessions in SQLite.
type Journal struct {
	db    *sql.DB
	path  string
	clock clock.Clock
}

// Option customizes a Journal.
type Option func(*Journal)

// WithClock replaces the wall clock used for timestamps.
func WithClock(clk clock.Clock) Option {
	return func(j *Journal) {
		if clk != nil {
			j.clock = clk
		}
	}
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond

	// Fixed-width UTC timestamps sort lexically in chronological order.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (j *Journal) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx = ensureContext(ctx)
	var (
		res     sql.Result
		execErr error
	)
	if err := retryOnBusy(ctx, func() error {
		res, execErr = j.db.ExecContext(ctx, query, args...)
		return execErr
	}); err != nil {
		return nil, err
	}
	return res, nil
}

// Open initializes or connects to the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	j := &Journal{db: db, path: path, clock: clock.New()}
	for _, opt := range opts {
		opt(j)
	}
	if err := j.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Path returns the database file location.
func (j *Journal) Path() string { return j.path }

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func (j *Journal) now() string {
	return j.clock.Now().UTC().Format(timeLayout)
}

// Begin records a new open session and returns its id.
func (j *Journal) Begin(ctx context.Context, endpoint, mode string) (int64, error) {
	res, err := j.execWithRetry(ctx,
		`INSERT INTO sessions (endpoint, mode, started_at, outcome) VALUES (?, ?, ?, ?)`,
		endpoint, mode, j.now(), OutcomeOpen,
	)
	if err != nil {
		return 0, fmt.Errorf("begin session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("begin session id: %w", err)
	}
	return id, nil
}

// Finish closes session id with the command it served and its outcome.
func (j *Journal) Finish(ctx context.Context, id int64, command string, outcome Outcome, errMsg string) error {
	if outcome == "" || outcome == OutcomeOpen {
		return fmt.Errorf("finish session %d: outcome %q is not final", id, outcome)
	}
	res, err := j.execWithRetry(ctx,
		`UPDATE sessions SET command = ?, finished_at = ?, outcome = ?, error = ? WHERE id = ?`,
		command, j.now(), outcome, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("finish session %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finish session %d: %w", id, ErrNotFound)
	}
	return nil
}

// List returns up to limit sessions, newest first. A non-positive limit
// returns every session.
func (j *Journal) List(ctx context.Context, limit int) ([]Session, error) {
	ctx = ensureContext(ctx)
	query := `SELECT id, endpoint, mode, command, started_at, finished_at, outcome, error
FROM sessions ORDER BY started_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Get returns a single session.
func (j *Journal) Get(ctx context.Context, id int64) (Session, error) {
	ctx = ensureContext(ctx)
	row := j.db.QueryRowContext(ctx, `SELECT id, endpoint, mode, command, started_at, finished_at, outcome, error
FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return s, err
}

// Count returns the number of recorded sessions.
func (j *Journal) Count(ctx context.Context) (int, error) {
	ctx = ensureContext(ctx)
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// Prune deletes finished sessions that started more than olderThan ago and
// reports how many were removed. Open sessions are kept.
func (j *Journal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := j.clock.Now().Add(-olderThan).UTC().Format(timeLayout)
	res, err := j.execWithRetry(ctx,
		`DELETE FROM sessions WHERE outcome != ? AND started_at < ?`,
		OutcomeOpen, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (Session, error) {
	var (
		s        Session
		started  string
		finished sql.NullString
		outcome  string
	)
	if err := row.Scan(&s.ID, &s.Endpoint, &s.Mode, &s.Command, &started, &finished, &outcome, &s.Error); err != nil {
		return Session{}, err
	}
	s.Outcome = Outcome(outcome)
	var err error
	if s.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return Session{}, fmt.Errorf("parse started_at for session %d: %w", s.ID, err)
	}
	if finished.Valid && finished.String != "" {
		if s.FinishedAt, err = time.Parse(timeLayout, finished.String); err != nil {
			return Session{}, fmt.Errorf("parse finished_at for session %d: %w", s.ID, err)
		}
	}
	return s, nil
}
