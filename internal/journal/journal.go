// Package journal persists run history and task outcomes to SQLite, so a
// restarted run can resume without redoing answered cells.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yamakatsunamamugi/autoai/internal/executor"
	"github.com/yamakatsunamamugi/autoai/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	spreadsheet TEXT NOT NULL,
	status TEXT NOT NULL,
	completed_cells INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NULL
);

CREATE TABLE IF NOT EXISTS task_results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	cell TEXT NOT NULL,
	success INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	recorded_at INTEGER NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_task_results_run ON task_results(run_id, recorded_at);
CREATE INDEX IF NOT EXISTS idx_task_results_cell ON task_results(run_id, cell);

CREATE TABLE IF NOT EXISTS wait_progress (
	run_id TEXT NOT NULL,
	cell TEXT NOT NULL,
	state TEXT NOT NULL,
	elapsed_ticks INTEGER NOT NULL,
	debounce_ticks INTEGER NOT NULL,
	reprompted INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY(run_id, cell)
);
`

// Journal is the SQLite-backed run history. One Journal serves one run at a
// time; the run ID is fixed at StartRun.
type Journal struct {
	db    *sql.DB
	runID string
}

func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// RunID returns the active run's ID, empty before StartRun.
func (j *Journal) RunID() string {
	return j.runID
}

// StartRun opens a new run record and makes it the journal's active run.
func (j *Journal) StartRun(ctx context.Context, spreadsheet string) (string, error) {
	id, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return "", err
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO runs(id, spreadsheet, status, started_at) VALUES(?, ?, 'running', ?)`,
		id, spreadsheet, time.Now().UTC().Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	j.runID = id
	return id, nil
}

// FinishRun closes the active run with a terminal status.
func (j *Journal) FinishRun(ctx context.Context, status string, completedCells int) error {
	if j.runID == "" {
		return fmt.Errorf("no active run")
	}
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, completed_cells = ?, finished_at = ? WHERE id = ?`,
		status, completedCells, time.Now().UTC().Unix(), j.runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Record stores one terminal task result under the active run. Implements
// the scheduler's Recorder.
func (j *Journal) Record(ctx context.Context, result model.TaskResult) error {
	if j.runID == "" {
		return fmt.Errorf("no active run")
	}
	success := 0
	if result.Success {
		success = 1
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO task_results(run_id, task_id, cell, success, error, recorded_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		j.runID, result.TaskID, result.Cell.Key(), success, result.Err, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	if _, err := j.db.ExecContext(ctx,
		`DELETE FROM wait_progress WHERE run_id = ? AND cell = ?`,
		j.runID, result.Cell.Key(),
	); err != nil {
		return fmt.Errorf("clear wait progress: %w", err)
	}
	return nil
}

// CompletedCells returns the cells answered successfully in the given run,
// for seeding a resumed run's queue.
func (j *Journal) CompletedCells(ctx context.Context, runID string) ([]string, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT DISTINCT cell FROM task_results WHERE run_id = ? AND success = 1 ORDER BY cell`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query completed cells: %w", err)
	}
	defer rows.Close()

	var cells []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan cell: %w", err)
		}
		cells = append(cells, c)
	}
	return cells, rows.Err()
}

// LastRunID returns the most recently started run, or "" when none exist.
func (j *Journal) LastRunID(ctx context.Context) (string, error) {
	var id string
	err := j.db.QueryRowContext(ctx,
		`SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query last run: %w", err)
	}
	return id, nil
}

// SaveProgress upserts a cell's completion-wait marker. Implements the
// executor's ProgressSink against the active run.
func (j *Journal) SaveProgress(cellKey string, p executor.Progress) {
	if j.runID == "" {
		return
	}
	reprompted := 0
	if p.Reprompted {
		reprompted = 1
	}
	// Best-effort: a failed progress write must not disturb the wait loop.
	_, _ = j.db.Exec(
		`INSERT INTO wait_progress(run_id, cell, state, elapsed_ticks, debounce_ticks, reprompted, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, cell) DO UPDATE SET
		   state = excluded.state,
		   elapsed_ticks = excluded.elapsed_ticks,
		   debounce_ticks = excluded.debounce_ticks,
		   reprompted = excluded.reprompted,
		   updated_at = excluded.updated_at`,
		j.runID, cellKey, string(p.State), p.ElapsedTicks, p.DebounceTicks, reprompted,
		time.Now().UTC().Unix(),
	)
}

// WaitProgress returns a run's saved wait markers keyed by cell. A resumed
// run seeds the scheduler with them so interrupted waits pick up mid-state.
func (j *Journal) WaitProgress(ctx context.Context, runID string) (map[string]executor.Progress, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT cell, state, elapsed_ticks, debounce_ticks, reprompted
		 FROM wait_progress WHERE run_id = ?`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query wait progress: %w", err)
	}
	defer rows.Close()

	out := make(map[string]executor.Progress)
	for rows.Next() {
		var (
			cell, state            string
			elapsed, debounce, rep int
		)
		if err := rows.Scan(&cell, &state, &elapsed, &debounce, &rep); err != nil {
			return nil, fmt.Errorf("scan wait progress: %w", err)
		}
		out[cell] = executor.Progress{
			State:         executor.WaitState(state),
			ElapsedTicks:  elapsed,
			DebounceTicks: debounce,
			Reprompted:    rep == 1,
		}
	}
	return out, rows.Err()
}
