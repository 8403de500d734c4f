// Package summary records training scalars for dashboards. Every run gets a
// row in runs and its scalars in scalars, keyed by a run id, in a SQLite file
// under {tb_logger_dir}/{name}/scalars.db.
package summary

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS scalars (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	tag       TEXT NOT NULL,
	step      INTEGER NOT NULL,
	value     REAL NOT NULL,
	wall_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS scalars_run_tag ON scalars(run_id, tag, step);
`

// Scalar is one recorded point.
type Scalar struct {
	Tag      string
	Step     int
	Value    float64
	WallTime time.Time
}

// Writer appends scalars for one run.
type Writer struct {
	db    *sql.DB
	runID string
	mu    sync.Mutex
	now   func() time.Time
}

// Open creates (or reopens) the store at {dir}/{name}/scalars.db and starts a
// new run. An empty runID gets a fresh UUID.
func Open(ctx context.Context, dir, name, runID string) (*Writer, error) {
	runDir := filepath.Join(dir, name)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create summary directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(runDir, "scalars.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open summary store: %w", err)
	}
	// one connection keeps writes serialized
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create summary schema: %w", err)
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	w := &Writer{db: db, runID: runID, now: time.Now}
	if _, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runs (id, name, started_at) VALUES (?, ?, ?)`,
		runID, name, w.now().UnixNano()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to register run: %w", err)
	}
	return w, nil
}

// RunID returns the id scalars are recorded under.
func (w *Writer) RunID() string {
	return w.runID
}

// AddScalar records value for tag at step.
func (w *Writer) AddScalar(ctx context.Context, tag string, value float64, step int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO scalars (run_id, tag, step, value, wall_time) VALUES (?, ?, ?, ?, ?)`,
		w.runID, tag, step, value, w.now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to add scalar %s: %w", tag, err)
	}
	return nil
}

// AddScalars records several tags at the same step in one transaction.
func (w *Writer) AddScalars(ctx context.Context, values map[string]float64, step int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO scalars (run_id, tag, step, value, wall_time) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare: %w", err)
	}
	defer stmt.Close()
	now := w.now().UnixNano()
	for tag, v := range values {
		if _, err := stmt.ExecContext(ctx, w.runID, tag, step, v, now); err != nil {
			return fmt.Errorf("failed to add scalar %s: %w", tag, err)
		}
	}
	return tx.Commit()
}

// Scalars returns the points recorded for tag in this run, by step.
func (w *Writer) Scalars(ctx context.Context, tag string) ([]Scalar, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT step, value, wall_time FROM scalars WHERE run_id = ? AND tag = ? ORDER BY step, rowid`,
		w.runID, tag)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", tag, err)
	}
	defer rows.Close()
	var out []Scalar
	for rows.Next() {
		var s Scalar
		var wall int64
		if err := rows.Scan(&s.Step, &s.Value, &wall); err != nil {
			return nil, err
		}
		s.Tag = tag
		s.WallTime = time.Unix(0, wall)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the store.
func (w *Writer) Close() error {
	return w.db.Close()
}
