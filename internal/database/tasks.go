package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"stemsplit-backend/internal/models"
)

const taskColumns = `t.id, t.upload_file_id, t.engine_task_id, t.task_status, t.task_message,
	t.processing_time_ms, t.expected_outputs, t.missing_outputs, t.created_at, t.updated_at`

func scanTask(row rowScanner, t *models.ProcessingTask) error {
	return row.Scan(
		&t.ID, &t.UploadFileID, &t.EngineTaskID, &t.TaskStatus, &t.TaskMessage,
		&t.ProcessingTimeMs, &t.ExpectedOutputs, pq.Array(&t.MissingOutputs), &t.CreatedAt, &t.UpdatedAt,
	)
}

// CreateTask records the engine task accepted for a file. A file has at most one task.
func (c *Client) CreateTask(ctx context.Context, fileID int64, engineTaskID, status, message string) (*models.ProcessingTask, error) {
	var task models.ProcessingTask
	row := c.db.QueryRowContext(ctx, `
		INSERT INTO processing_tasks AS t (upload_file_id, engine_task_id, task_status, task_message)
		VALUES ($1, $2, $3, $4)
		RETURNING `+taskColumns,
		fileID, engineTaskID, status, message,
	)
	if err := scanTask(row, &task); err != nil {
		return nil, fmt.Errorf("failed to create task for file %d: %w", fileID, err)
	}
	return &task, nil
}

// taskRank orders task statuses so a late or reordered poll response cannot
// move a task backwards. Terminal statuses share the top rank.
const taskRank = `CASE %s
		WHEN 'submitted' THEN 0
		WHEN 'queued' THEN 1
		WHEN 'running' THEN 2
		WHEN 'completed' THEN 3
		WHEN 'failed' THEN 3
		ELSE 0
	END`

// UpdateTask records a polled status. It never lowers the task's status rank
// and never rewrites a terminal status; such updates are dropped silently.
// ErrNotFound means the file has no task.
func (c *Client) UpdateTask(ctx context.Context, fileID int64, status, message string) error {
	var id int64
	err := c.db.QueryRowContext(ctx, `
		WITH target AS (
			SELECT id, task_status FROM processing_tasks WHERE upload_file_id = $3
		), updated AS (
			UPDATE processing_tasks t
			SET task_status = $1, task_message = $2, updated_at = NOW()
			FROM target
			WHERE t.id = target.id
				AND target.task_status NOT IN ('completed', 'failed')
				AND `+fmt.Sprintf(taskRank, "$1::text")+` >= `+fmt.Sprintf(taskRank, "target.task_status")+`
			RETURNING t.id
		)
		SELECT id FROM target
	`, status, message, fileID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("update task for file %d: %w", fileID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update task for file %d: %w", fileID, err)
	}
	return nil
}

// CompleteTask stores the final engine status along with duration and the
// number of outputs the engine reported. Duration is only written once.
func (c *Client) CompleteTask(ctx context.Context, fileID int64, status, message string, durationMs int64, expectedOutputs int) error {
	return c.execOne(ctx, fmt.Sprintf("complete task for file %d", fileID), `
		UPDATE processing_tasks
		SET task_status = $1,
			task_message = $2,
			processing_time_ms = COALESCE(processing_time_ms, $3),
			expected_outputs = $4,
			updated_at = NOW()
		WHERE upload_file_id = $5
	`, status, message, durationMs, expectedOutputs, fileID)
}

func (c *Client) SetMissingOutputs(ctx context.Context, fileID int64, missing []string) error {
	if missing == nil {
		missing = []string{}
	}
	return c.execOne(ctx, fmt.Sprintf("set missing outputs for file %d", fileID), `
		UPDATE processing_tasks
		SET missing_outputs = $1, updated_at = NOW()
		WHERE upload_file_id = $2
	`, pq.Array(missing), fileID)
}

func (c *Client) GetTaskByFileID(ctx context.Context, fileID int64) (*models.ProcessingTask, error) {
	var task models.ProcessingTask
	row := c.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM processing_tasks t WHERE t.upload_file_id = $1`, fileID)
	if err := scanTask(row, &task); err != nil {
		return nil, notFound(err, fmt.Sprintf("task for file %d", fileID))
	}
	return &task, nil
}

// ListTasksByBatch returns the tasks of a batch keyed by upload file id.
func (c *Client) ListTasksByBatch(ctx context.Context, batchID string) (map[int64]*models.ProcessingTask, error) {
	return c.mapTasks(ctx, `
		SELECT `+taskColumns+`
		FROM processing_tasks t
		JOIN upload_files f ON f.id = t.upload_file_id
		WHERE f.batch_id = $1
	`, batchID)
}

func (c *Client) ListTasksByFileIDs(ctx context.Context, ids []int64) (map[int64]*models.ProcessingTask, error) {
	return c.mapTasks(ctx, `SELECT `+taskColumns+` FROM processing_tasks t WHERE t.upload_file_id = ANY($1)`, pq.Array(ids))
}

func (c *Client) mapTasks(ctx context.Context, query string, args ...any) (map[int64]*models.ProcessingTask, error) {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make(map[int64]*models.ProcessingTask)
	for rows.Next() {
		var task models.ProcessingTask
		if err := scanTask(rows, &task); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks[task.UploadFileID] = &task
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

func (c *Client) execOne(ctx context.Context, what, query string, args ...any) error {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
