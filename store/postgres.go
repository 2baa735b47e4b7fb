package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TaskMirror copies finished tasks into PostgreSQL for durable history and
// offline querying. Redis stays the system of record; the mirror is written
// after completion by handlers that opt into persistence.
type TaskMirror struct {
	pool *pgxpool.Pool
}

const taskMirrorSchema = `
CREATE TABLE IF NOT EXISTS task_history (
	task_id       TEXT PRIMARY KEY,
	text          TEXT NOT NULL,
	status        TEXT NOT NULL,
	priority      INT NOT NULL,
	assigned_to   TEXT,
	result        JSONB,
	error         TEXT,
	metadata      JSONB,
	duration_ms   BIGINT,
	created_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ,
	mirrored_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS task_history_status_idx ON task_history (status);
CREATE INDEX IF NOT EXISTS task_history_assigned_idx ON task_history (assigned_to);
`

// NewTaskMirror opens a pool against connString and ensures the history
// schema exists.
func NewTaskMirror(ctx context.Context, connString string) (*TaskMirror, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, taskMirrorSchema); err != nil {
		pool.Close()
		return nil, err
	}
	return &TaskMirror{pool: pool}, nil
}

func (m *TaskMirror) Close() {
	m.pool.Close()
}

func parseISO(s string) interface{} {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	return t
}

// MirrorTask upserts one task row. Re-mirroring after a retry overwrites the
// previous row, so the call is idempotent per task id.
func (m *TaskMirror) MirrorTask(ctx context.Context, t *Task) error {
	query := `
		INSERT INTO task_history (task_id, text, status, priority, assigned_to, result, error, metadata, duration_ms, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_to = EXCLUDED.assigned_to,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			duration_ms = EXCLUDED.duration_ms,
			completed_at = EXCLUDED.completed_at,
			mirrored_at = NOW()
	`
	var result, metadata interface{}
	if len(t.Result) > 0 {
		result = string(t.Result)
	}
	if len(t.Metadata) > 0 && string(t.Metadata) != "null" {
		metadata = string(t.Metadata)
	}
	_, err := m.pool.Exec(ctx, query,
		t.ID, t.Text, t.Status, t.Priority, t.AssignedTo,
		result, t.Error, metadata, t.DurationMs,
		parseISO(t.CreatedAt), parseISO(t.CompletedAt),
	)
	return err
}

// DeleteMirrored reconciles a task.delete against the history table.
func (m *TaskMirror) DeleteMirrored(ctx context.Context, taskID string) error {
	_, err := m.pool.Exec(ctx, `DELETE FROM task_history WHERE task_id = $1`, taskID)
	return err
}

// MirroredTask reads one history row, nil when the task was never mirrored.
func (m *TaskMirror) MirroredTask(ctx context.Context, taskID string) (*Task, error) {
	query := `
		SELECT task_id, text, status, priority, assigned_to, COALESCE(result::text, ''), COALESCE(error, ''), duration_ms
		FROM task_history WHERE task_id = $1
	`
	var t Task
	var result string
	err := m.pool.QueryRow(ctx, query, taskID).Scan(
		&t.ID, &t.Text, &t.Status, &t.Priority, &t.AssignedTo, &result, &t.Error, &t.DurationMs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if result != "" {
		t.Result = []byte(result)
	}
	return &t, nil
}

// CountByStatus reports history volume per terminal status.
func (m *TaskMirror) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := m.pool.QueryRow(ctx, `SELECT COUNT(*) FROM task_history WHERE status = $1`, status).Scan(&count)
	return count, err
}
