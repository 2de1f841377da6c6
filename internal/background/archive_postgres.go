package background

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresArchive struct {
	pool *pgxpool.Pool
}

func NewPostgresArchive(ctx context.Context, databaseURL string) (*PostgresArchive, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initArchiveSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresArchive{pool: pool}, nil
}

func initArchiveSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS background_tasks (
			id TEXT PRIMARY KEY,
			parent_session_id TEXT NOT NULL,
			parent_message_id TEXT NOT NULL DEFAULT '',
			directory TEXT NOT NULL DEFAULT '',
			worktree TEXT NOT NULL DEFAULT '',
			agent TEXT NOT NULL,
			description TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_background_tasks_parent_created ON background_tasks (parent_session_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS background_task_progress (
			task_id TEXT NOT NULL REFERENCES background_tasks(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			at TIMESTAMPTZ NOT NULL,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			PRIMARY KEY (task_id, seq)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init archive schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (a *PostgresArchive) SaveTask(ctx context.Context, task Task) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO background_tasks (
			id, parent_session_id, parent_message_id, directory, worktree, agent, description, prompt,
			status, session_id, result, error, created_at, started_at, completed_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
		)
		ON CONFLICT (id) DO UPDATE SET
			status=EXCLUDED.status,
			session_id=EXCLUDED.session_id,
			result=EXCLUDED.result,
			error=EXCLUDED.error,
			started_at=EXCLUDED.started_at,
			completed_at=EXCLUDED.completed_at`,
		task.ID,
		task.Parent.SessionID,
		task.Parent.MessageID,
		task.Parent.Directory,
		task.Parent.Worktree,
		task.Agent,
		task.Description,
		task.Prompt,
		string(task.Status),
		task.SessionID,
		task.Result,
		task.Error,
		task.CreatedAt,
		task.StartedAt,
		task.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert background task: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM background_task_progress WHERE task_id=$1`, task.ID); err != nil {
		return fmt.Errorf("delete prior progress: %w", err)
	}
	for i, p := range task.Progress {
		if _, err := tx.Exec(ctx,
			`INSERT INTO background_task_progress (task_id, seq, at, type, message) VALUES ($1,$2,$3,$4,$5)`,
			task.ID, i+1, p.Timestamp, string(p.Type), p.Message,
		); err != nil {
			return fmt.Errorf("insert task progress: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const archiveColumns = `id, parent_session_id, parent_message_id, directory, worktree, agent, description, prompt,
		        status, session_id, result, error, created_at, started_at, completed_at`

func (a *PostgresArchive) GetTask(ctx context.Context, taskID string) (Task, error) {
	row := a.pool.QueryRow(ctx, `SELECT `+archiveColumns+` FROM background_tasks WHERE id=$1`, taskID)
	task, err := scanArchivedTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrArchiveNotFound
		}
		return Task{}, fmt.Errorf("get archived task: %w", err)
	}
	task.Progress, err = a.loadProgress(ctx, task.ID)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (a *PostgresArchive) ListByParent(ctx context.Context, parentSessionID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.pool.Query(ctx,
		`SELECT `+archiveColumns+` FROM background_tasks
		  WHERE parent_session_id=$1 ORDER BY created_at DESC LIMIT $2`,
		parentSessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list archived tasks: %w", err)
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		task, err := scanArchivedTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archived task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate archived tasks: %w", err)
	}
	for i := range out {
		if out[i].Progress, err = a.loadProgress(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (a *PostgresArchive) loadProgress(ctx context.Context, taskID string) ([]ProgressUpdate, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT at, type, message FROM background_task_progress WHERE task_id=$1 ORDER BY seq ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task progress: %w", err)
	}
	defer rows.Close()

	progress := make([]ProgressUpdate, 0, 8)
	for rows.Next() {
		var (
			p   ProgressUpdate
			typ string
		)
		if err := rows.Scan(&p.Timestamp, &typ, &p.Message); err != nil {
			return nil, fmt.Errorf("scan task progress: %w", err)
		}
		p.Type = ProgressType(typ)
		progress = append(progress, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task progress: %w", err)
	}
	return progress, nil
}

func scanArchivedTask(row pgx.Row) (Task, error) {
	var (
		task      Task
		status    string
		started   *time.Time
		completed *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.Parent.SessionID,
		&task.Parent.MessageID,
		&task.Parent.Directory,
		&task.Parent.Worktree,
		&task.Agent,
		&task.Description,
		&task.Prompt,
		&status,
		&task.SessionID,
		&task.Result,
		&task.Error,
		&task.CreatedAt,
		&started,
		&completed,
	); err != nil {
		return Task{}, err
	}
	task.Status = Status(status)
	task.StartedAt = started
	task.CompletedAt = completed
	return task, nil
}

func (a *PostgresArchive) Close() error {
	a.pool.Close()
	return nil
}
