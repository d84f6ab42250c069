package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/acmelabs/product-importer/internal/model"
)

// taskColumns is the select list shared by every task query.
const taskColumns = `id, task_id, filename, status, total_rows, processed_rows,
	error_message, created_at, updated_at`

// Ledger is the durable record of import tasks.
//
// A task's row is mutated only by the job running it; status polling reads
// concurrently without coordination. Transitions are guarded in SQL so a
// terminal row can never move backwards, whatever the caller does.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a task ledger on the given pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Create inserts a new pending task for an accepted upload.
func (l *Ledger) Create(ctx context.Context, taskID, filename string) (model.Task, error) {
	row := l.pool.QueryRow(ctx, `
		INSERT INTO upload_tasks (task_id, filename, status)
		VALUES ($1, $2, 'pending')
		RETURNING `+taskColumns,
		taskID, filename)

	task, err := scanTask(row)
	if err != nil {
		return model.Task{}, fmt.Errorf("create task %s: %w", taskID, err)
	}
	return task, nil
}

// Get returns the task for the given identity, or model.ErrTaskNotFound.
func (l *Ledger) Get(ctx context.Context, taskID string) (model.Task, error) {
	row := l.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM upload_tasks
		WHERE task_id = $1`,
		taskID)

	task, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, model.ErrTaskNotFound
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task %s: %w", taskID, err)
	}
	return task, nil
}

// MarkProcessing transitions pending → processing.
func (l *Ledger) MarkProcessing(ctx context.Context, taskID string) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE upload_tasks
		SET status = 'processing', updated_at = now()
		WHERE task_id = $1 AND status = 'pending'`,
		taskID)
	if err != nil {
		return fmt.Errorf("mark task %s processing: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return l.transitionError(ctx, taskID, "pending")
	}
	return nil
}

// SetTotalRows records the counted denominator for progress reporting.
func (l *Ledger) SetTotalRows(ctx context.Context, taskID string, total int) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE upload_tasks
		SET total_rows = $2, updated_at = now()
		WHERE task_id = $1`,
		taskID, total)
	if err != nil {
		return fmt.Errorf("set total rows for task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrTaskNotFound
	}
	return nil
}

// SetProcessedRows advances the durable processed counter after a committed
// batch. The counter is monotonically non-decreasing by construction: the
// orchestrator only ever passes a growing prefix sum.
func (l *Ledger) SetProcessedRows(ctx context.Context, taskID string, processed int) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE upload_tasks
		SET processed_rows = $2, updated_at = now()
		WHERE task_id = $1`,
		taskID, processed)
	if err != nil {
		return fmt.Errorf("set processed rows for task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrTaskNotFound
	}
	return nil
}

// MarkCompleted transitions processing → completed with the final count.
func (l *Ledger) MarkCompleted(ctx context.Context, taskID string, processed int) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE upload_tasks
		SET status = 'completed', processed_rows = $2, updated_at = now()
		WHERE task_id = $1 AND status = 'processing'`,
		taskID, processed)
	if err != nil {
		return fmt.Errorf("mark task %s completed: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return l.transitionError(ctx, taskID, "processing")
	}
	return nil
}

// MarkFailed transitions a non-terminal task to failed with an error detail.
// Terminal states absorb: completing or failing a finished task is a no-op
// at the SQL level and reported as a transition error here.
func (l *Ledger) MarkFailed(ctx context.Context, taskID, detail string) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE upload_tasks
		SET status = 'failed', error_message = $2, updated_at = now()
		WHERE task_id = $1 AND status NOT IN ('completed', 'failed')`,
		taskID, detail)
	if err != nil {
		return fmt.Errorf("mark task %s failed: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return l.transitionError(ctx, taskID, "pending or processing")
	}
	return nil
}

// transitionError distinguishes a missing task from an invalid transition
// after a guarded update matched no rows.
func (l *Ledger) transitionError(ctx context.Context, taskID, expected string) error {
	task, err := l.Get(ctx, taskID)
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s is %s, expected %s", taskID, task.Status, expected)
}

// scanTask reads one task row, mapping nullable columns onto their zero
// values.
func scanTask(row pgx.Row) (model.Task, error) {
	var (
		task      model.Task
		errDetail pgtype.Text
		updatedAt pgtype.Timestamptz
	)

	err := row.Scan(
		&task.ID,
		&task.TaskID,
		&task.Filename,
		&task.Status,
		&task.TotalRows,
		&task.ProcessedRows,
		&errDetail,
		&task.CreatedAt,
		&updatedAt,
	)
	if err != nil {
		return model.Task{}, err
	}

	task.ErrorMessage = errDetail.String
	if updatedAt.Valid {
		task.UpdatedAt = updatedAt.Time
	}
	return task, nil
}
