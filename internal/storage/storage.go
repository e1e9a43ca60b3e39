// Package storage persists profiling results in DuckDB.
//
// Every delivered result becomes a row in profiling_runs keyed by a fresh
// run id. pidstat records and perf stat counters hang off that row. A
// result whose fingerprint was already stored for the same kind is not
// written twice, so re-importing a kept dump is harmless.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb" // Register DuckDB driver.
	"github.com/rs/zerolog"

	ferrors "github.com/coral-mesh/frep/internal/errors"
	"github.com/coral-mesh/frep/internal/perfstat"
	"github.com/coral-mesh/frep/internal/pidstat"
	"github.com/coral-mesh/frep/internal/retry"
)

// Kind tells which parser produced a run.
type Kind string

const (
	KindPidStat  Kind = "pidstat"
	KindPerfStat Kind = "perfstat"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run is the summary row of one stored result.
type Run struct {
	ID          string    `json:"id" yaml:"id"`
	Kind        Kind      `json:"kind" yaml:"kind"`
	Label       string    `json:"label" yaml:"label"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	RecordedAt  time.Time `json:"recorded_at" yaml:"recorded_at"`
	Error       string    `json:"error" yaml:"error"`
	Traceback   []string  `json:"traceback" yaml:"traceback"`
	// Rows is the number of pidstat records or perf stat counters.
	Rows int `json:"rows" yaml:"rows"`
}

// Filter narrows History. Zero fields match everything.
type Filter struct {
	Kind  Kind
	Label string
	Since time.Time
	Until time.Time
	Limit int
}

// Store writes and reads profiling runs.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	mu     sync.Mutex
	retry  retry.Config
	now    func() time.Time
	owned  bool
}

// Open opens (or creates) the database at path. An empty path opens an
// in-memory database.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s, err := New(db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an open database and creates the schema.
func New(db *sql.DB, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "storage").Logger(),
		retry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
		},
		now: time.Now,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database if the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS profiling_runs (
			run_id      TEXT      PRIMARY KEY,
			kind        TEXT      NOT NULL,
			label       TEXT      NOT NULL,
			fingerprint TEXT      NOT NULL,
			recorded_at TIMESTAMP NOT NULL,
			error       TEXT      NOT NULL,
			traceback   TEXT      NOT NULL, -- JSON array of frames
			row_count   INTEGER   NOT NULL,
			UNIQUE (kind, fingerprint)
		);
		CREATE INDEX IF NOT EXISTS idx_profiling_runs_recorded_at
			ON profiling_runs (recorded_at);

		-- One row per pidstat record; the full typed record is kept as JSON.
		CREATE TABLE IF NOT EXISTS pidstat_records (
			run_id     TEXT    NOT NULL,
			sample_idx INTEGER NOT NULL,
			record_idx INTEGER NOT NULL,
			time       BIGINT  NOT NULL,
			tgid       BIGINT  NOT NULL,
			tid        BIGINT  NOT NULL,
			command    TEXT    NOT NULL,
			record     TEXT    NOT NULL,
			PRIMARY KEY (run_id, sample_idx, record_idx)
		);

		CREATE TABLE IF NOT EXISTS perfstat_metrics (
			run_id TEXT   NOT NULL,
			name   TEXT   NOT NULL,
			value  DOUBLE NOT NULL,
			PRIMARY KEY (run_id, name)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug().Msg("Storage schema initialized")
	return nil
}

// SavePidStat stores a pidstat result. It returns the existing run and false
// when the same result was stored before.
func (s *Store) SavePidStat(ctx context.Context, label string, res *pidstat.Result) (Run, bool, error) {
	if res == nil {
		return Run{}, false, fmt.Errorf("nil pidstat result")
	}

	rows := 0
	for _, sample := range res.Samples {
		rows += len(sample.Records)
	}
	run := s.newRun(KindPidStat, label, res.Fingerprint(), res.Error, res.Traceback, rows)

	return s.save(ctx, run, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO pidstat_records (run_id, sample_idx, record_idx, time, tgid, tid, command, record)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare record insert: %w", err)
		}
		defer ferrors.DeferClose(s.logger, stmt, "failed to close statement")

		for i, sample := range res.Samples {
			for j, rec := range sample.Records {
				encoded, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("failed to encode record: %w", err)
				}
				tm, _ := rec.Int("Time")
				tgid, _ := rec.Int("TGID")
				tid, _ := rec.Int("TID")
				if _, err := stmt.ExecContext(ctx, run.ID, i, j, tm, tgid, tid, rec.Command(), string(encoded)); err != nil {
					return fmt.Errorf("failed to insert record: %w", err)
				}
			}
		}
		return nil
	})
}

// SavePerfStat stores a perf stat report. It returns the existing run and
// false when the same report was stored before.
func (s *Store) SavePerfStat(ctx context.Context, label string, rep *perfstat.Report) (Run, bool, error) {
	if rep == nil {
		return Run{}, false, fmt.Errorf("nil perf stat report")
	}

	run := s.newRun(KindPerfStat, label, rep.Fingerprint(), rep.Error, rep.Traceback, len(rep.Metrics))

	return s.save(ctx, run, func(tx *sql.Tx) error {
		for _, name := range rep.Names() {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO perfstat_metrics (run_id, name, value) VALUES (?, ?, ?)`,
				run.ID, name, rep.Metrics[name],
			); err != nil {
				return fmt.Errorf("failed to insert metric %q: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) newRun(kind Kind, label string, fingerprint uint64, errText string, traceback []string, rows int) Run {
	return Run{
		ID:          uuid.New().String(),
		Kind:        kind,
		Label:       label,
		Fingerprint: strconv.FormatUint(fingerprint, 16),
		RecordedAt:  s.now().UTC().Truncate(time.Microsecond),
		Error:       errText,
		Traceback:   traceback,
		Rows:        rows,
	}
}

// save inserts run and its children in one transaction, retrying write conflicts.
func (s *Store) save(ctx context.Context, run Run, children func(*sql.Tx) error) (Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok, err := s.findByFingerprint(ctx, run.Kind, run.Fingerprint); err != nil {
		return Run{}, false, err
	} else if ok {
		s.logger.Debug().Str("run_id", existing.ID).Str("kind", string(run.Kind)).Msg("Result already stored")
		return existing, false, nil
	}

	traceback, err := json.Marshal(nonNil(run.Traceback))
	if err != nil {
		return Run{}, false, fmt.Errorf("failed to encode traceback: %w", err)
	}

	err = retry.Do(ctx, s.retry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer ferrors.DeferRollback(s.logger, tx)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profiling_runs (run_id, kind, label, fingerprint, recorded_at, error, traceback, row_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, string(run.Kind), run.Label, run.Fingerprint, run.RecordedAt, run.Error, string(traceback), run.Rows); err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		if err := children(tx); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	}, isConflict)
	if err != nil {
		return Run{}, false, err
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("kind", string(run.Kind)).
		Str("label", run.Label).
		Int("rows", run.Rows).
		Msg("Stored profiling result")

	return run, true, nil
}

// isConflict reports whether err is a DuckDB transaction conflict worth retrying.
func isConflict(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Conflict") || strings.Contains(msg, "conflict")
}

func (s *Store) findByFingerprint(ctx context.Context, kind Kind, fingerprint string) (Run, bool, error) {
	q, args, err := selectFrom("profiling_runs", runColumns...).
		eq("kind", string(kind)).
		eq("fingerprint", fingerprint).
		build()
	if err != nil {
		return Run{}, false, err
	}

	runs, err := s.queryRuns(ctx, q, args)
	if err != nil {
		return Run{}, false, err
	}
	if len(runs) == 0 {
		return Run{}, false, nil
	}
	return runs[0], true, nil
}

var runColumns = []string{"run_id", "kind", "label", "fingerprint", "recorded_at", "error", "traceback", "row_count"}

// History lists stored runs, most recent first.
func (s *Store) History(ctx context.Context, f Filter) ([]Run, error) {
	b := selectFrom("profiling_runs", runColumns...).
		eq("kind", string(f.Kind)).
		eq("label", f.Label)
	if !f.Since.IsZero() {
		b.cond("recorded_at >= ?", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		b.cond("recorded_at <= ?", f.Until.UTC())
	}
	q, args, err := b.order("-recorded_at", "run_id").take(f.Limit).build()
	if err != nil {
		return nil, err
	}
	return s.queryRuns(ctx, q, args)
}

// Get returns one run.
func (s *Store) Get(ctx context.Context, runID string) (Run, error) {
	q, args, err := selectFrom("profiling_runs", runColumns...).eq("run_id", runID).build()
	if err != nil {
		return Run{}, err
	}
	runs, err := s.queryRuns(ctx, q, args)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return runs[0], nil
}

func (s *Store) queryRuns(ctx context.Context, q string, args []any) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var (
			run       Run
			kind      string
			traceback string
		)
		if err := rows.Scan(&run.ID, &kind, &run.Label, &run.Fingerprint, &run.RecordedAt, &run.Error, &traceback, &run.Rows); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Kind = Kind(kind)
		if err := json.Unmarshal([]byte(traceback), &run.Traceback); err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to decode traceback")
			run.Traceback = []string{}
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// Metrics returns the perf stat counters of a run.
func (s *Store) Metrics(ctx context.Context, runID string) (map[string]float64, error) {
	q, args, err := selectFrom("perfstat_metrics", "name", "value").eq("run_id", runID).order("name").build()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	metrics := make(map[string]float64)
	for rows.Next() {
		var name string
		var value float64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metric: %w", err)
		}
		metrics[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating metrics: %w", err)
	}
	return metrics, nil
}

// ThreadRow is one stored pidstat record.
type ThreadRow struct {
	Sample  int    `json:"sample" yaml:"sample"`
	Time    int64  `json:"time" yaml:"time"`
	TGID    int64  `json:"tgid" yaml:"tgid"`
	TID     int64  `json:"tid" yaml:"tid"`
	Command string `json:"command" yaml:"command"`
	Record  string `json:"record" yaml:"record"`
}

// Records returns the pidstat records of a run in file order.
func (s *Store) Records(ctx context.Context, runID string) ([]ThreadRow, error) {
	q, args, err := selectFrom("pidstat_records", "sample_idx", "time", "tgid", "tid", "command", "record").
		eq("run_id", runID).
		order("sample_idx", "record_idx").
		build()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []ThreadRow
	for rows.Next() {
		var r ThreadRow
		if err := rows.Scan(&r.Sample, &r.Time, &r.TGID, &r.TID, &r.Command, &r.Record); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
