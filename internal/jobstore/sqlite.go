package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"taskd/internal/task"
	"taskd/pkg/logx"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    task_id     TEXT PRIMARY KEY,
    definition  TEXT NOT NULL,
    next_run_ms INTEGER,
    prev_run_ms INTEGER,
    paused      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_next_run ON jobs(next_run_ms) WHERE paused = 0;
`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("job_store.url is required for sqlite")
	}
	path := cfg.URL
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Put(ctx context.Context, j Job) error {
	def, err := json.Marshal(j.Definition)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs(task_id, definition, next_run_ms, prev_run_ms, paused)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(task_id) DO UPDATE SET
		   definition=excluded.definition,
		   next_run_ms=excluded.next_run_ms,
		   prev_run_ms=excluded.prev_run_ms,
		   paused=excluded.paused`,
		j.TaskID, string(def), msOrNull(j.NextRun), msOrNull(j.PrevRun), boolInt(j.Paused),
	)
	return err
}

func (s *sqliteStore) Get(ctx context.Context, taskID string) (Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, definition, next_run_ms, prev_run_ms, paused FROM jobs WHERE task_id = ?`, taskID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	return j, err
}

func (s *sqliteStore) Remove(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE task_id = ?`, taskID)
	return err
}

func (s *sqliteStore) UpdateRun(ctx context.Context, taskID string, prev, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET prev_run_ms = ?, next_run_ms = ? WHERE task_id = ?`,
		msOrNull(prev), msOrNull(next), taskID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *sqliteStore) SetPaused(ctx context.Context, taskID string, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET paused = ? WHERE task_id = ?`, boolInt(paused), taskID)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *sqliteStore) Due(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, definition, next_run_ms, prev_run_ms, paused
		 FROM jobs
		 WHERE paused = 0 AND next_run_ms IS NOT NULL AND next_run_ms <= ?
		 ORDER BY next_run_ms`, now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	// Priority lives inside the definition JSON, so ties are broken here
	// rather than in SQL.
	sortDue(jobs)
	return jobs, nil
}

func (s *sqliteStore) NextWake(ctx context.Context) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(next_run_ms) FROM jobs WHERE paused = 0 AND next_run_ms IS NOT NULL`).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (s *sqliteStore) All(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, definition, next_run_ms, prev_run_ms, paused FROM jobs ORDER BY task_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var defJSON string
	var nextMS, prevMS sql.NullInt64
	var paused int
	if err := row.Scan(&j.TaskID, &defJSON, &nextMS, &prevMS, &paused); err != nil {
		return Job{}, err
	}
	var def task.Definition
	if err := json.Unmarshal([]byte(defJSON), &def); err != nil {
		return Job{}, fmt.Errorf("job %s: corrupt definition: %w", j.TaskID, err)
	}
	j.Definition = def
	if nextMS.Valid {
		j.NextRun = time.UnixMilli(nextMS.Int64)
	}
	if prevMS.Valid {
		j.PrevRun = time.UnixMilli(prevMS.Int64)
	}
	j.Paused = paused != 0
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]Job, error) {
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func affectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func msOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
