// Package ledger keeps the run history of a dataset in a SQLite file: one row
// per invocation and one row per step or pair transition reported by the
// engine.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/kingrea/neuropipe/internal/cohort"
	"github.com/kingrea/neuropipe/internal/workflow/engine"
)

// ErrRunNotFound reports an unknown run id.
var ErrRunNotFound = errors.New("ledger: run not found")

// Run statuses.
const (
	RunRunning = "running"
	RunOK      = "ok"
	RunFailed  = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	command TEXT NOT NULL,
	args TEXT NOT NULL DEFAULT '[]',
	pairs INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	failures INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	finished_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

CREATE TABLE IF NOT EXISTS step_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	subject TEXT NOT NULL,
	session TEXT NOT NULL,
	step_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	duration_ms INTEGER NOT NULL DEFAULT 0,
	at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_run ON step_events(run_id);
CREATE INDEX IF NOT EXISTS idx_events_pair ON step_events(subject, session, step_id);
`

// Ledger is a SQLite-backed run history. It is safe for concurrent use.
type Ledger struct {
	db     *sql.DB
	path   string
	now    func() time.Time
	logger *zap.Logger
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger reports Observe failures, which cannot be returned.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Open creates or opens the ledger at path.
func Open(path string, opts ...Option) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	// Pairs report concurrently; one connection serialises the writes.
	db.SetMaxOpenConns(1)
	l := &Ledger{db: db, path: path, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(l)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create tables: %w", err)
	}
	return l, nil
}

// Path returns the database file.
func (l *Ledger) Path() string { return l.path }

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Run is one neuropipe invocation.
type Run struct {
	ID         string
	Command    string
	Args       []string
	Pairs      int
	Status     string
	Failures   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Event is one engine transition of a pair or step.
type Event struct {
	ID       int64
	RunID    string
	Pair     cohort.Pair
	StepID   string
	Kind     string
	Status   string
	Message  string
	Error    string
	Duration time.Duration
	At       time.Time
}

// StartRun records a new run and returns it with a fresh id.
func (l *Ledger) StartRun(ctx context.Context, command string, args []string, pairs int) (Run, error) {
	if args == nil {
		args = []string{}
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return Run{}, fmt.Errorf("ledger: encode args: %w", err)
	}
	run := Run{
		ID:        uuid.NewString(),
		Command:   command,
		Args:      args,
		Pairs:     pairs,
		Status:    RunRunning,
		StartedAt: l.now().UTC(),
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO runs (id, command, args, pairs, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Command, string(encoded), run.Pairs, run.Status, formatTime(run.StartedAt))
	if err != nil {
		return Run{}, fmt.Errorf("ledger: insert run: %w", err)
	}
	return run, nil
}

// FinishRun closes a run. Any failure marks it failed.
func (l *Ledger) FinishRun(ctx context.Context, id string, failures int) error {
	status := RunOK
	if failures > 0 {
		status = RunFailed
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, failures = ?, finished_at = ? WHERE id = ?`,
		status, failures, formatTime(l.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("ledger: finish run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: finish run %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return nil
}

const runColumns = `id, command, args, pairs, status, failures, started_at, COALESCE(finished_at, '')`

// Run returns the run with id.
func (l *Ledger) Run(ctx context.Context, id string) (Run, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// Runs returns up to limit runs, newest first. A limit <= 0 returns all.
func (l *Ledger) Runs(ctx context.Context, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: query runs: %w", err)
	}
	return runs, nil
}

// Record appends ev. Its time defaults to now.
func (l *Ledger) Record(ctx context.Context, ev Event) error {
	if ev.RunID == "" {
		return fmt.Errorf("ledger: event without run id")
	}
	if ev.At.IsZero() {
		ev.At = l.now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO step_events (run_id, subject, session, step_id, kind, status, message, error, duration_ms, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Pair.Subject, ev.Pair.Session, ev.StepID, ev.Kind, ev.Status,
		ev.Message, ev.Error, ev.Duration.Milliseconds(), formatTime(ev.At.UTC()))
	if err != nil {
		return fmt.Errorf("ledger: insert event: %w", err)
	}
	return nil
}

const eventColumns = `id, run_id, subject, session, step_id, kind, status, message, error, duration_ms, at`

// Events returns the events of a run in the order they were recorded.
func (l *Ledger) Events(ctx context.Context, runID string) ([]Event, error) {
	if _, err := l.Run(ctx, runID); err != nil {
		return nil, err
	}
	return l.queryEvents(ctx, `SELECT `+eventColumns+` FROM step_events WHERE run_id = ? ORDER BY id`, runID)
}

// LatestSteps returns the most recent step event of every step of pair.
func (l *Ledger) LatestSteps(ctx context.Context, pair cohort.Pair) (map[string]Event, error) {
	events, err := l.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM step_events
		 WHERE id IN (
			SELECT MAX(id) FROM step_events
			WHERE subject = ? AND session = ? AND step_id != ''
			GROUP BY step_id
		 )`,
		pair.Subject, pair.Session)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Event, len(events))
	for _, ev := range events {
		out[ev.StepID] = ev
	}
	return out, nil
}

func (l *Ledger) queryEvents(ctx context.Context, query string, args ...any) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query events: %w", err)
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var (
			ev       Event
			duration int64
			at       string
		)
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Pair.Subject, &ev.Pair.Session, &ev.StepID,
			&ev.Kind, &ev.Status, &ev.Message, &ev.Error, &duration, &at); err != nil {
			return nil, fmt.Errorf("ledger: scan event: %w", err)
		}
		ev.Duration = time.Duration(duration) * time.Millisecond
		if ev.At, err = parseTime(at); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: query events: %w", err)
	}
	return events, nil
}

// Observe implements engine.Observer. Step transitions and pair results are
// stored; started events are not.
func (l *Ledger) Observe(ev engine.Event) {
	if ev.RunID == "" {
		return
	}
	rec := Event{
		RunID:    ev.RunID,
		Pair:     ev.Pair,
		StepID:   ev.StepID,
		Kind:     string(ev.Kind),
		Status:   string(ev.Status),
		Message:  ev.Message,
		Duration: ev.Duration,
		At:       ev.Time,
	}
	if ev.Err != nil {
		rec.Error = ev.Err.Error()
	}
	switch ev.Kind {
	case engine.EventStepFinished, engine.EventStepFailed:
	case engine.EventPairFinished:
		rec.Status = string(ev.Engine)
	default:
		return
	}
	if err := l.Record(context.Background(), rec); err != nil {
		l.logger.Warn("ledger write failed", zap.String("kind", rec.Kind), zap.Error(err))
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		run      Run
		args     string
		started  string
		finished string
	)
	if err := row.Scan(&run.ID, &run.Command, &args, &run.Pairs, &run.Status, &run.Failures, &started, &finished); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("ledger: scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(args), &run.Args); err != nil {
		return Run{}, fmt.Errorf("ledger: decode args of %s: %w", run.ID, err)
	}
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return Run{}, err
	}
	if finished != "" {
		if run.FinishedAt, err = parseTime(finished); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ledger: parse time %q: %w", s, err)
	}
	return t, nil
}
