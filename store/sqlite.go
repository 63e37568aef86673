// ABOUTME: SQLite-backed pipeline catalog plus cron markers, secure inputs, and a run index.
// ABOUTME: The definition blob is the source of truth; the extracted columns only serve queries.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/2389-research/drover/conductor"
	"github.com/2389-research/drover/pipeline"
)

// Store is the SQLite database holding everything drover persists outside of
// run folders: pipeline definitions with their schedules, cron trigger
// markers, stored secure inputs, and an index of runs for fast queries.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at the given path and ensures the
// schema is up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			version INTEGER NOT NULL,
			definition BLOB NOT NULL,
			enabled INTEGER NOT NULL,
			cron TEXT NOT NULL,
			timezone TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cron_markers (
			pipeline_id TEXT PRIMARY KEY,
			marker TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS secure_inputs (
			pipeline_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (pipeline_id, key)
		);

		CREATE TABLE IF NOT EXISTS run_index (
			run_id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertPipeline stores a pipeline definition. The schedule columns are
// extracted so the scheduler can be inspected with plain SQL; the YAML blob
// stays authoritative.
func (s *Store) UpsertPipeline(ctx context.Context, p *pipeline.Pipeline) error {
	def, err := pipeline.Marshal(p)
	if err != nil {
		return err
	}

	enabled := 0
	cron, timezone := "", ""
	if p.Schedule != nil {
		if p.Schedule.Enabled {
			enabled = 1
		}
		cron = p.Schedule.Cron
		timezone = p.Schedule.Timezone
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, name, version, definition, enabled, cron, timezone, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			definition = excluded.definition,
			enabled = excluded.enabled,
			cron = excluded.cron,
			timezone = excluded.timezone,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Version, def, enabled, cron, timezone, timestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert pipeline %s: %w", p.ID, err)
	}
	return nil
}

// Pipeline loads one pipeline definition by id.
func (s *Store) Pipeline(ctx context.Context, id string) (*pipeline.Pipeline, error) {
	var def []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT definition FROM pipelines WHERE id = ?", id).Scan(&def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline %q: %w", id, conductor.ErrPipelineNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query pipeline %s: %w", id, err)
	}

	p, err := pipeline.Parse(def)
	if err != nil {
		return nil, fmt.Errorf("stored pipeline %s: %w", id, err)
	}
	return p, nil
}

// Pipelines returns every stored pipeline, ordered by id.
func (s *Store) Pipelines(ctx context.Context) ([]*pipeline.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, definition FROM pipelines ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("query pipelines: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pipelines []*pipeline.Pipeline
	for rows.Next() {
		var id string
		var def []byte
		if err := rows.Scan(&id, &def); err != nil {
			return nil, fmt.Errorf("scan pipeline row: %w", err)
		}
		p, err := pipeline.Parse(def)
		if err != nil {
			return nil, fmt.Errorf("stored pipeline %s: %w", id, err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

// DeletePipeline removes a pipeline definition. Markers and secure inputs
// for the id are removed with it.
func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pipelines WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete pipeline %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cron_markers WHERE pipeline_id = ?", id); err != nil {
		return fmt.Errorf("delete markers for %s: %w", id, err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM secure_inputs WHERE pipeline_id = ?", id); err != nil {
		return fmt.Errorf("delete secure inputs for %s: %w", id, err)
	}
	return nil
}

// SyncDir loads every pipeline YAML file in dir into the catalog and returns
// the loaded ids. A file that fails to parse aborts the sync so definition
// typos surface at startup instead of at queue time.
func (s *Store) SyncDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		p, err := pipeline.Load(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		if err := s.UpsertPipeline(ctx, p); err != nil {
			return nil, err
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// Marker returns the last committed cron trigger marker for a pipeline, or
// "" when none has been committed yet.
func (s *Store) Marker(ctx context.Context, pipelineID string) (string, error) {
	var marker string
	err := s.db.QueryRowContext(ctx,
		"SELECT marker FROM cron_markers WHERE pipeline_id = ?", pipelineID).Scan(&marker)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query marker for %s: %w", pipelineID, err)
	}
	return marker, nil
}

// SetMarker commits the cron trigger marker for a pipeline.
func (s *Store) SetMarker(ctx context.Context, pipelineID, marker string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_markers (pipeline_id, marker, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(pipeline_id) DO UPDATE SET
			marker = excluded.marker,
			updated_at = excluded.updated_at`,
		pipelineID, marker, timestamp(time.Now()))
	if err != nil {
		return fmt.Errorf("set marker for %s: %w", pipelineID, err)
	}
	return nil
}

// SecureInputs returns the stored secure inputs for a pipeline. Pipelines
// with none stored yield an empty map.
func (s *Store) SecureInputs(ctx context.Context, pipelineID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM secure_inputs WHERE pipeline_id = ?", pipelineID)
	if err != nil {
		return nil, fmt.Errorf("query secure inputs for %s: %w", pipelineID, err)
	}
	defer func() { _ = rows.Close() }()

	inputs := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan secure input row: %w", err)
		}
		inputs[k] = v
	}
	return inputs, rows.Err()
}

// SetSecureInput stores one secure input value for a pipeline.
func (s *Store) SetSecureInput(ctx context.Context, pipelineID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secure_inputs (pipeline_id, key, value)
		 VALUES (?, ?, ?)
		 ON CONFLICT(pipeline_id, key) DO UPDATE SET
			value = excluded.value`,
		pipelineID, key, value)
	if err != nil {
		return fmt.Errorf("set secure input %s/%s: %w", pipelineID, key, err)
	}
	return nil
}

// DeleteSecureInput removes one stored secure input.
func (s *Store) DeleteSecureInput(ctx context.Context, pipelineID, key string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM secure_inputs WHERE pipeline_id = ? AND key = ?", pipelineID, key)
	if err != nil {
		return fmt.Errorf("delete secure input %s/%s: %w", pipelineID, key, err)
	}
	return nil
}

// IndexRun upserts the run's row in the run index.
func (s *Store) IndexRun(ctx context.Context, run conductor.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_index (run_id, pipeline_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		run.ID, run.PipelineID, string(run.Status), timestamp(run.CreatedAt), timestamp(run.UpdatedAt))
	if err != nil {
		return fmt.Errorf("index run %s: %w", run.ID, err)
	}
	return nil
}

// RunObserver returns a callback for FSRunStore.SetObserver that mirrors
// every persisted run record into the run index. Index writes are
// best-effort: a failure is logged, never surfaced to the run loop.
func (s *Store) RunObserver() func(conductor.Run) {
	return func(run conductor.Run) {
		if err := s.IndexRun(context.Background(), run); err != nil {
			log.Printf("component=store action=index_write_failed run_id=%s err=%v", run.ID, err)
		}
	}
}

// SyncRunIndex rebuilds the run index from authoritative run records. The
// index is a cache over the run store and can always be reconstructed; serve
// startup and pruning both resync it.
func (s *Store) SyncRunIndex(ctx context.Context, runs []conductor.Run) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM run_index"); err != nil {
		return fmt.Errorf("clear run index: %w", err)
	}
	for _, run := range runs {
		if err := s.IndexRun(ctx, run); err != nil {
			return err
		}
	}
	return nil
}

// RunCounts returns the number of indexed runs per status.
func (s *Store) RunCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM run_index GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("query run counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan run count row: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// timestamp renders times in UTC RFC3339 so lexicographic comparison in SQL
// orders them chronologically.
func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Compile-time interface assertions.
var (
	_ conductor.Catalog      = (*Store)(nil)
	_ conductor.MarkerStore  = (*Store)(nil)
	_ conductor.SecureInputs = (*Store)(nil)
)
