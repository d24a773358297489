// Package history keeps a journal of apply attempts in SQLite.
//
// Each attempt is one row: when it started and finished, the result kind
// ("success", "noop" or the error kind), the error message, the plan
// summary and the checkpoint it ran under. The CLI lists recent entries.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"grimm.is/netconverge/internal/clock"
)

// DefaultPath is where the journal lives unless configured otherwise.
const DefaultPath = "/var/lib/netconverge/history.db"

var (
	ErrNotFound = errors.New("history entry not found")
	ErrClosed   = errors.New("history journal is closed")
)

// Result labels besides error kinds.
const (
	ResultSuccess = "success"
	ResultNoop    = "noop"
)

// Entry is one apply attempt.
type Entry struct {
	ID         string    `json:"id"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
	Result     string    `json:"result"`
	Message    string    `json:"message,omitempty"`
	Plan       string    `json:"plan"`
	Checkpoint string    `json:"checkpoint,omitempty"`
}

// Duration returns how long the attempt took.
func (e Entry) Duration() time.Duration {
	return e.Finished.Sub(e.Started)
}

// Options configures the journal.
type Options struct {
	Path    string // Database file path (":memory:" for in-memory)
	WALMode bool
	// Retain is the number of entries kept; older ones are pruned on
	// every Record. Zero keeps everything.
	Retain int
	Clock  clock.Clock
}

// DefaultOptions returns sensible defaults.
func DefaultOptions(path string) Options {
	return Options{
		Path:    path,
		WALMode: true,
		Retain:  500,
	}
}

// Journal is the SQLite-backed apply journal.
type Journal struct {
	db     *sql.DB
	clock  clock.Clock
	retain int
}

// Open opens or creates the journal.
func Open(opts Options) (*Journal, error) {
	dsn := opts.Path
	if opts.WALMode && opts.Path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.Path == ":memory:" {
		// Every connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real
	}
	j := &Journal{db: db, clock: clk, retain: opts.Retain}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	_, err := j.db.Exec(`
		CREATE TABLE IF NOT EXISTS applies (
			id TEXT PRIMARY KEY,
			started INTEGER NOT NULL,
			finished INTEGER NOT NULL,
			result TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT '',
			checkpoint TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_applies_started ON applies(started);
	`)
	return err
}

// NewID returns a fresh entry id.
func NewID() string {
	return uuid.NewString()
}

// Record stores e. An empty ID gets a fresh one and a zero Finished is
// set to now.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if j.db == nil {
		return ErrClosed
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Finished.IsZero() {
		e.Finished = j.clock.Now()
	}
	if e.Started.IsZero() {
		e.Started = e.Finished
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO applies (id, started, finished, result, message, plan, checkpoint)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished = excluded.finished,
			result = excluded.result,
			message = excluded.message,
			plan = excluded.plan,
			checkpoint = excluded.checkpoint`,
		e.ID, e.Started.UnixNano(), e.Finished.UnixNano(), e.Result, e.Message, e.Plan, e.Checkpoint)
	if err != nil {
		return fmt.Errorf("failed to record apply %s: %w", e.ID, err)
	}
	if j.retain > 0 {
		return j.Prune(ctx, j.retain)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if j.db == nil {
		return nil, ErrClosed
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, started, finished, result, message, plan, checkpoint
		FROM applies ORDER BY started DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the entry with id.
func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	if j.db == nil {
		return nil, ErrClosed
	}
	row := j.db.QueryRowContext(ctx, `
		SELECT id, started, finished, result, message, plan, checkpoint
		FROM applies WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Prune keeps the newest keep entries.
func (j *Journal) Prune(ctx context.Context, keep int) error {
	_, err := j.db.ExecContext(ctx, `
		DELETE FROM applies WHERE id NOT IN (
			SELECT id FROM applies ORDER BY started DESC, rowid DESC LIMIT ?
		)`, keep)
	return err
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                 Entry
		started, finished int64
	)
	if err := s.Scan(&e.ID, &started, &finished, &e.Result, &e.Message, &e.Plan, &e.Checkpoint); err != nil {
		return Entry{}, err
	}
	e.Started = time.Unix(0, started)
	e.Finished = time.Unix(0, finished)
	return e, nil
}
