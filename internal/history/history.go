// Package history persists per-run and per-file results to SQLite so
// repeated batches can report lifetime savings and past failures.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	mode TEXT NOT NULL,
	root TEXT NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	bytes_saved INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	finished_at TEXT
);

CREATE TABLE IF NOT EXISTS encodes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	source_path TEXT NOT NULL,
	output_path TEXT,
	verdict TEXT NOT NULL,
	target_codec TEXT,
	crf INTEGER,
	input_size INTEGER NOT NULL DEFAULT 0,
	output_size INTEGER,
	space_saved INTEGER,
	elapsed_secs INTEGER,
	error TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS stats_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_encodes_run ON encodes(run_id);
CREATE INDEX IF NOT EXISTS idx_encodes_source ON encodes(source_path);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// Run summarizes one batch invocation.
type Run struct {
	ID         string
	Mode       string
	Root       string
	Processed  int
	Failed     int
	Skipped    int
	BytesSaved int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// EncodeRecord is one file's outcome within a run.
type EncodeRecord struct {
	SourcePath  string
	OutputPath  string
	Verdict     string
	TargetCodec string
	CRF         int
	InputSize   int64
	OutputSize  int64
	SpaceSaved  int64
	Elapsed     time.Duration
	Error       string
}

// Store is the SQLite-backed run history.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open creates or opens the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL so a reporting query never blocks the batch writer.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("insert schema version: %w", err)
		}
		if _, err := db.Exec(`INSERT OR IGNORE INTO stats_metadata (key, value) VALUES ('lifetime_saved', '0')`); err != nil {
			db.Close()
			return nil, fmt.Errorf("init stats metadata: %w", err)
		}
	} else if err != nil {
		db.Close()
		return nil, fmt.Errorf("check schema version: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

// BeginRun records a new run and returns its ID.
func (s *Store) BeginRun(mode, root string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	_, err := s.db.Exec(
		"INSERT INTO runs (id, mode, root, started_at) VALUES (?, ?, ?, ?)",
		id, mode, root, formatTime(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// FinishRun stores the run's final counters.
func (s *Store) FinishRun(runID string, processed, failed, skipped int, bytesSaved int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs
		SET processed = ?, failed = ?, skipped = ?, bytes_saved = ?, finished_at = ?
		WHERE id = ?
	`, processed, failed, skipped, bytesSaved, formatTime(time.Now()), runID)
	return err
}

// RecordEncode stores one file's outcome. Successful encodes with positive
// savings also advance the lifetime counter.
func (s *Store) RecordEncode(runID string, rec EncodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO encodes (
			run_id, source_path, output_path, verdict, target_codec, crf,
			input_size, output_size, space_saved, elapsed_secs, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID, rec.SourcePath, nullString(rec.OutputPath), rec.Verdict,
		nullString(rec.TargetCodec), nullInt(rec.CRF),
		rec.InputSize, nullInt64(rec.OutputSize), nullInt64(rec.SpaceSaved),
		int64(rec.Elapsed.Seconds()), nullString(rec.Error), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("record encode: %w", err)
	}

	if rec.Error == "" && rec.SpaceSaved > 0 {
		_, err = tx.Exec(`
			UPDATE stats_metadata
			SET value = CAST((CAST(value AS INTEGER) + ?) AS TEXT),
			    updated_at = datetime('now')
			WHERE key = 'lifetime_saved'
		`, rec.SpaceSaved)
		if err != nil {
			return fmt.Errorf("update lifetime saved: %w", err)
		}
	}

	return tx.Commit()
}

// LifetimeSaved returns the total bytes saved across all runs.
func (s *Store) LifetimeSaved() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(`SELECT value FROM stats_metadata WHERE key = 'lifetime_saved'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	saved, _ := strconv.ParseInt(value, 10, 64)
	return saved, nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, mode, root, processed, failed, skipped, bytes_saved, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var finished sql.NullString
		if err := rows.Scan(&r.ID, &r.Mode, &r.Root, &r.Processed, &r.Failed,
			&r.Skipped, &r.BytesSaved, &started, &finished); err != nil {
			return nil, err
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished.String)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FailedSources returns the distinct source paths that failed in the given
// run, for operator review.
func (s *Store) FailedSources(runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT DISTINCT source_path FROM encodes
		WHERE run_id = ? AND error IS NOT NULL
		ORDER BY source_path
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(i int) interface{} {
	if i == 0 {
		return nil
	}
	return i
}

func nullInt64(i int64) interface{} {
	if i == 0 {
		return nil
	}
	return i
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}
